package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sakashimaa/outbox-service/pkg/config"
	"github.com/sakashimaa/outbox-service/pkg/db"
	"github.com/sakashimaa/outbox-service/pkg/kafka"
	"github.com/sakashimaa/outbox-service/pkg/logging"
	"github.com/sakashimaa/outbox-service/pkg/outbox/repository"
	"github.com/sakashimaa/outbox-service/pkg/outbox/worker"
	"github.com/sakashimaa/outbox-service/pkg/utils"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.MustLoad()

	tp, err := utils.InitTracer(ctx, "outbox-service", cfg.Env)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}

	pool, err := db.NewPostgresDB(ctx, cfg.Postgres.URL)
	if err != nil {
		log.Fatalf("failed to create pool: %v", err)
	}

	logger, err := config.NewLogger(cfg.Env, cfg.Log.Level)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	outboxRepo := repository.NewOutboxRepository(pool, logger)

	producer, err := kafka.NewProducer(cfg.Kafka.Brokers)
	if err != nil {
		log.Fatalf("error creating kafka producer: %v", err)
	}

	processor := worker.NewOutboxProcessor(outboxRepo, producer, logger, worker.Config{
		BatchSize:         cfg.Dispatcher.BatchSize,
		Interval:          cfg.Dispatcher.Interval,
		MaxAttempts:       cfg.Dispatcher.MaxAttempts,
		RetentionAge:      cfg.Retention.MaxAge,
		RetentionInterval: cfg.Retention.Interval,
	})

	go processor.Start(ctx)
	go processor.StartRetention(ctx)

	<-ctx.Done()

	shutdownCtx, exit := context.WithTimeout(context.Background(), time.Second*5)
	defer exit()

	logging.Info(
		shutdownCtx,
		logger,
		"Shutting down outbox service",
	)

	if err := producer.Close(); err != nil {
		logging.Warn(
			shutdownCtx,
			logger,
			"Failed to close kafka producer",
			zap.Error(err),
		)
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		logging.Warn(
			shutdownCtx,
			logger,
			"Failed to shut down telemetry",
			zap.Error(err),
		)
	}

	pool.Close()
}
