package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sakashimaa/outbox-service/pkg/logging"
	"github.com/sakashimaa/outbox-service/pkg/outbox/domain"
	"github.com/sakashimaa/outbox-service/pkg/outbox/repository"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxStore is the slice of the repository the dispatcher needs. Retrieval
// does not claim rows, so several dispatcher instances may work the same
// batch; the store's terminal-state guards keep duplicate reports harmless.
type OutboxStore interface {
	GetUnprocessedMessages(ctx context.Context, batchSize int) ([]*domain.Message, error)
	MarkMessageAsProcessed(ctx context.Context, id uuid.UUID) error
	MarkMessageAsFailed(ctx context.Context, id uuid.UUID, cause string) error
	DiscardMessage(ctx context.Context, id uuid.UUID, cause string) error
	DeleteProcessedMessagesOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type Publisher interface {
	PublishMessage(ctx context.Context, message *domain.Message) error
}

// Config carries dispatch policy. Retry budget and retention are policy, not
// store mechanics, which is why they live here and not in the repository.
type Config struct {
	BatchSize int
	Interval  time.Duration

	// MaxAttempts discards a message after that many failed deliveries.
	// Zero means retry forever.
	MaxAttempts int64

	RetentionAge      time.Duration
	RetentionInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Interval <= 0 {
		c.Interval = 500 * time.Millisecond
	}
	if c.RetentionAge <= 0 {
		c.RetentionAge = 7 * 24 * time.Hour
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = time.Hour
	}

	return c
}

type OutboxProcessor struct {
	store     OutboxStore
	publisher Publisher
	logger    *zap.Logger
	cfg       Config
	breaker   *gobreaker.CircuitBreaker
	tracer    trace.Tracer
}

func NewOutboxProcessor(
	store OutboxStore,
	publisher Publisher,
	logger *zap.Logger,
	cfg Config,
) *OutboxProcessor {
	return &OutboxProcessor{
		store:     store,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "outbox-publisher",
		}),
		tracer: otel.Tracer("outbox-worker"),
	}
}

func (p *OutboxProcessor) Start(ctx context.Context) {
	logging.Info(
		ctx,
		p.logger,
		"Starting outbox processor",
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Duration("interval", p.cfg.Interval),
	)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info(
				ctx,
				p.logger,
				"Outbox processor stopping",
			)

			return
		case <-ticker.C:
			if err := p.processBatch(ctx); err != nil {
				logging.Error(
					ctx,
					p.logger,
					"Error processing outbox batch",
					zap.Error(err),
				)
			}
		}
	}
}

func (p *OutboxProcessor) processBatch(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "OutboxProcessor.processBatch")
	defer span.End()

	messages, err := p.store.GetUnprocessedMessages(ctx, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("error fetching unprocessed messages: %w", err)
	}

	if len(messages) == 0 {
		return nil
	}

	logging.Debug(
		ctx,
		p.logger,
		"Processing outbox messages",
		zap.Int("count", len(messages)),
	)

	for _, message := range messages {
		_, err := p.breaker.Execute(func() (interface{}, error) {
			return nil, p.publisher.PublishMessage(ctx, message)
		})
		if err != nil {
			// Breaker rejections are not delivery attempts, so nothing is
			// recorded and the rest of the batch waits for the next tick.
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				logging.Warn(
					ctx,
					p.logger,
					"Publisher circuit open, deferring batch",
					zap.Error(err),
				)

				return nil
			}

			p.reportFailure(ctx, message, err)
			continue
		}

		if dbErr := p.store.MarkMessageAsProcessed(ctx, message.Id); dbErr != nil {
			if errors.Is(dbErr, repository.ErrMessageNotFound) {
				// Duplicate report on an already swept message.
				logging.Warn(
					ctx,
					p.logger,
					"Processed message no longer exists, dropping report",
					zap.String("message_id", message.Id.String()),
				)
				continue
			}

			logging.Error(
				ctx,
				p.logger,
				"Failed to confirm processed message",
				zap.String("message_id", message.Id.String()),
				zap.Error(dbErr),
			)

			return dbErr
		}

		logging.Debug(
			ctx,
			p.logger,
			"Outbox message published successfully",
			zap.String("message_id", message.Id.String()),
		)
	}

	return nil
}

// reportFailure records the outcome before the worker moves to the next
// message, so no delivery attempt is lost on a crash. Once the retry budget
// is spent the message is explicitly discarded.
func (p *OutboxProcessor) reportFailure(ctx context.Context, message *domain.Message, cause error) {
	logging.Error(
		ctx,
		p.logger,
		"Outbox message publish failed",
		zap.String("message_id", message.Id.String()),
		zap.Int64("retry_count", message.RetryCount),
		zap.Error(cause),
	)

	if dbErr := p.store.MarkMessageAsFailed(ctx, message.Id, cause.Error()); dbErr != nil {
		logging.Error(
			ctx,
			p.logger,
			"Failed to record delivery failure",
			zap.String("message_id", message.Id.String()),
			zap.Error(dbErr),
		)

		return
	}

	attempts := message.RetryCount + 1
	if p.cfg.MaxAttempts > 0 && attempts >= p.cfg.MaxAttempts {
		reason := fmt.Sprintf("retry budget exhausted after %d attempts: %v", attempts, cause)

		if dbErr := p.store.DiscardMessage(ctx, message.Id, reason); dbErr != nil {
			logging.Error(
				ctx,
				p.logger,
				"Failed to discard message",
				zap.String("message_id", message.Id.String()),
				zap.Error(dbErr),
			)
		}
	}
}
