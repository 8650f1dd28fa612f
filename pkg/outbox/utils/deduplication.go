package utils

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/outbox-service/pkg/logging"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProcessWithDeduplication runs a consumer-side action at most once per
// outbox message. Delivery is at-least-once, so consumers record the message
// id in the same transaction as their own state change; a duplicate delivery
// hits the unique constraint and is skipped.
func ProcessWithDeduplication(
	ctx context.Context,
	pool *pgxpool.Pool,
	logger *zap.Logger,
	messageID uuid.UUID,
	action func() error,
) error {
	span := trace.SpanFromContext(ctx)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)

		err = tx.Rollback(cleanupCtx)
		if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			logging.Error(
				cleanupCtx,
				logger,
				"Error rolling back transaction",
				zap.Error(err),
			)
		}
	}()

	query := `
		INSERT INTO consumed_messages (message_id)
		VALUES ($1)
	`

	_, err = tx.Exec(ctx, query, messageID)
	if err != nil {
		var pgError *pgconn.PgError
		if errors.As(err, &pgError) && pgError.Code == "23505" {
			logging.Info(
				ctx,
				logger,
				"Message already consumed, skipping",
				zap.String("message_id", messageID.String()),
			)

			return nil
		}

		span.RecordError(err)
		return err
	}

	if err := action(); err != nil {
		logging.Error(
			ctx,
			logger,
			"Consumer action failed",
			zap.String("message_id", messageID.String()),
			zap.Error(err),
		)

		return fmt.Errorf("consumer action failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)

		logging.Error(
			ctx,
			logger,
			"Failed to commit transaction",
			zap.Error(err),
		)

		return fmt.Errorf("failed to commit dedup transaction: %w", err)
	}

	return nil
}
