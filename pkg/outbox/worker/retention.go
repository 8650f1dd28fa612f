package worker

import (
	"context"
	"time"

	"github.com/sakashimaa/outbox-service/pkg/logging"
	"go.uber.org/zap"
)

// StartRetention sweeps processed messages older than the configured age.
// The store only ever deletes terminal rows, so the sweep can run alongside
// dispatching without racing an in-flight delivery.
func (p *OutboxProcessor) StartRetention(ctx context.Context) {
	logging.Info(
		ctx,
		p.logger,
		"Starting outbox retention sweep",
		zap.Duration("retention_age", p.cfg.RetentionAge),
		zap.Duration("interval", p.cfg.RetentionInterval),
	)

	ticker := time.NewTicker(p.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info(
				ctx,
				p.logger,
				"Outbox retention sweep stopping",
			)

			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.cfg.RetentionAge)

			deleted, err := p.store.DeleteProcessedMessagesOlderThan(ctx, cutoff)
			if err != nil {
				logging.Error(
					ctx,
					p.logger,
					"Retention sweep failed",
					zap.Error(err),
				)
				continue
			}

			if deleted > 0 {
				logging.Info(
					ctx,
					p.logger,
					"Retention sweep removed processed messages",
					zap.Int64("deleted_count", deleted),
				)
			}
		}
	}
}
