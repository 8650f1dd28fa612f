package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/outbox-service/pkg/logging"
	"github.com/sakashimaa/outbox-service/pkg/outbox/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxRepository persists outbox messages in Postgres. Save operations run
// inside the caller's transaction so message creation shares a durability
// boundary with the business state change; every other operation is a single
// atomic statement on the pool and is durable once the call returns.
type OutboxRepository struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
	logger *zap.Logger
}

func NewOutboxRepository(pool *pgxpool.Pool, logger *zap.Logger) *OutboxRepository {
	return &OutboxRepository{
		pool:   pool,
		tracer: otel.Tracer("outbox_repository"),
		logger: logger,
	}
}

func (r *OutboxRepository) SaveMessage(ctx context.Context, tx pgx.Tx, message *domain.Message) error {
	if message == nil {
		return fmt.Errorf("%w: message is nil", ErrInvalidArgument)
	}

	return r.SaveMessages(ctx, tx, []*domain.Message{message})
}

func (r *OutboxRepository) SaveMessages(ctx context.Context, tx pgx.Tx, messages []*domain.Message) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.SaveMessages")
	defer span.End()

	span.SetAttributes(
		attribute.Int("message_count", len(messages)),
	)

	if len(messages) == 0 {
		return fmt.Errorf("%w: no messages to save", ErrInvalidArgument)
	}
	for _, m := range messages {
		if m == nil {
			return fmt.Errorf("%w: message is nil", ErrInvalidArgument)
		}
	}

	query := `
		INSERT INTO outbox_messages (id, message_type, topic, content, status, occurred_on, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, 0)
	`

	batch := &pgx.Batch{}
	for _, m := range messages {
		batch.Queue(
			query,
			m.Id,
			m.MessageType,
			m.Topic,
			m.Content,
			string(m.Status),
			m.OccurredOn,
		)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	for range messages {
		if _, err := results.Exec(); err != nil {
			span.RecordError(err)

			logging.Error(
				ctx,
				r.logger,
				"Failed to insert outbox message",
				zap.Error(err),
			)

			return &PersistenceError{Op: "save messages", Err: err}
		}
	}

	return nil
}

func (r *OutboxRepository) GetUnprocessedMessages(ctx context.Context, batchSize int) ([]*domain.Message, error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.GetUnprocessedMessages")
	defer span.End()

	span.SetAttributes(
		attribute.Int("batch_size", batchSize),
	)

	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidArgument, batchSize)
	}

	// Plain read, no row claiming: two dispatchers may fetch the same batch,
	// which the at-least-once contract allows.
	query := `
		SELECT id, message_type, topic, content, status, occurred_on, processed_on, retry_count, last_error
		FROM outbox_messages
		WHERE status IN ('pending', 'retrying')
		ORDER BY occurred_on ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, batchSize)
	if err != nil {
		span.RecordError(err)

		return nil, &PersistenceError{Op: "query unprocessed messages", Err: err}
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(
			&m.Id,
			&m.MessageType,
			&m.Topic,
			&m.Content,
			&m.Status,
			&m.OccurredOn,
			&m.ProcessedOn,
			&m.RetryCount,
			&m.LastError,
		); err != nil {
			span.RecordError(err)

			return nil, &PersistenceError{Op: "scan message", Err: err}
		}

		messages = append(messages, &m)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)

		return nil, &PersistenceError{Op: "read unprocessed messages", Err: err}
	}

	span.SetAttributes(
		attribute.Int("result_count", len(messages)),
	)

	return messages, nil
}

func (r *OutboxRepository) GetMessage(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.GetMessage")
	defer span.End()

	span.SetAttributes(
		attribute.String("message_id", id.String()),
	)

	query := `
		SELECT id, message_type, topic, content, status, occurred_on, processed_on, retry_count, last_error
		FROM outbox_messages
		WHERE id = $1
	`

	var m domain.Message
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&m.Id,
		&m.MessageType,
		&m.Topic,
		&m.Content,
		&m.Status,
		&m.OccurredOn,
		&m.ProcessedOn,
		&m.RetryCount,
		&m.LastError,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}

		span.RecordError(err)

		return nil, &PersistenceError{Op: "get message", Err: err}
	}

	return &m, nil
}

func (r *OutboxRepository) MarkMessageAsProcessed(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.MarkMessageAsProcessed")
	defer span.End()

	span.SetAttributes(
		attribute.String("message_id", id.String()),
	)

	// The status guard keeps the transition atomic under concurrent reports:
	// a second confirmation, or one racing a failure report, changes nothing.
	query := `
		UPDATE outbox_messages
		SET status = 'processed', processed_on = NOW(), last_error = NULL
		WHERE id = $1 AND status IN ('pending', 'retrying')
	`

	commandTag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		span.RecordError(err)

		logging.Error(
			ctx,
			r.logger,
			"Failed to mark message as processed",
			zap.String("message_id", id.String()),
			zap.Error(err),
		)

		return &PersistenceError{Op: "mark message as processed", Err: err}
	}

	if commandTag.RowsAffected() == 0 {
		return r.requireTerminal(ctx, id)
	}

	return nil
}

func (r *OutboxRepository) MarkMessageAsFailed(ctx context.Context, id uuid.UUID, cause string) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.MarkMessageAsFailed")
	defer span.End()

	span.SetAttributes(
		attribute.String("message_id", id.String()),
		attribute.String("outbox.error_message", cause),
	)

	query := `
		UPDATE outbox_messages
		SET status = 'retrying', retry_count = retry_count + 1, last_error = $2
		WHERE id = $1 AND status IN ('pending', 'retrying')
	`

	commandTag, err := r.pool.Exec(ctx, query, id, cause)
	if err != nil {
		span.RecordError(err)

		logging.Error(
			ctx,
			r.logger,
			"Failed to mark message as failed",
			zap.String("message_id", id.String()),
			zap.Error(err),
		)

		return &PersistenceError{Op: "mark message as failed", Err: err}
	}

	if commandTag.RowsAffected() == 0 {
		return r.requireTerminal(ctx, id)
	}

	return nil
}

func (r *OutboxRepository) DiscardMessage(ctx context.Context, id uuid.UUID, cause string) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.DiscardMessage")
	defer span.End()

	span.SetAttributes(
		attribute.String("message_id", id.String()),
	)

	query := `
		UPDATE outbox_messages
		SET status = 'failed', last_error = COALESCE(NULLIF($2, ''), last_error)
		WHERE id = $1 AND status IN ('pending', 'retrying')
	`

	commandTag, err := r.pool.Exec(ctx, query, id, cause)
	if err != nil {
		span.RecordError(err)

		return &PersistenceError{Op: "discard message", Err: err}
	}

	if commandTag.RowsAffected() == 0 {
		return r.requireTerminal(ctx, id)
	}

	logging.Warn(
		ctx,
		r.logger,
		"Outbox message discarded",
		zap.String("message_id", id.String()),
		zap.String("cause", cause),
	)

	return nil
}

func (r *OutboxRepository) UpdateMessageContent(ctx context.Context, id uuid.UUID, content json.RawMessage) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.UpdateMessageContent")
	defer span.End()

	span.SetAttributes(
		attribute.String("message_id", id.String()),
	)

	if len(content) == 0 {
		return fmt.Errorf("%w: content is empty", ErrInvalidArgument)
	}

	query := `
		UPDATE outbox_messages
		SET content = $2
		WHERE id = $1 AND status IN ('pending', 'retrying')
	`

	commandTag, err := r.pool.Exec(ctx, query, id, content)
	if err != nil {
		span.RecordError(err)

		return &PersistenceError{Op: "update message content", Err: err}
	}

	if commandTag.RowsAffected() == 0 {
		if err := r.requireTerminal(ctx, id); err != nil {
			return err
		}

		// Corrections only make sense before the message is dispatched.
		return domain.ErrTerminalStatus
	}

	return nil
}

func (r *OutboxRepository) DeleteProcessedMessagesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.DeleteProcessedMessagesOlderThan")
	defer span.End()

	span.SetAttributes(
		attribute.String("cutoff", cutoff.UTC().Format(time.RFC3339)),
	)

	// The status guard makes the sweep safe to run at any time: rows still
	// in flight are never eligible, no matter how old they are.
	query := `
		DELETE FROM outbox_messages
		WHERE status = 'processed' AND processed_on < $1
	`

	commandTag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		span.RecordError(err)

		logging.Error(
			ctx,
			r.logger,
			"Failed to delete processed messages",
			zap.Error(err),
		)

		return 0, &PersistenceError{Op: "delete processed messages", Err: err}
	}

	span.SetAttributes(
		attribute.Int64("deleted_count", commandTag.RowsAffected()),
	)

	return commandTag.RowsAffected(), nil
}

// requireTerminal resolves a zero-row update: the message is either unknown
// (NotFound) or already terminal, in which case the mutation is a no-op.
func (r *OutboxRepository) requireTerminal(ctx context.Context, id uuid.UUID) error {
	query := `
		SELECT status
		FROM outbox_messages
		WHERE id = $1
	`

	var status string
	if err := r.pool.QueryRow(ctx, query, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrMessageNotFound
		}

		return &PersistenceError{Op: "check message status", Err: err}
	}

	return nil
}
