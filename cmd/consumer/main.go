package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"changefeed/internal/application/factories/infrastructure"
	"changefeed/internal/config"
	"changefeed/internal/consumer"
	"changefeed/internal/infrastructure/kafka"
	"changefeed/internal/infrastructure/postgres"
	"changefeed/internal/retry"
	"changefeed/internal/status"
)

func main() {
	// Initialize structured JSON logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.New()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Infrastructure (Postgres)
	infraFactory := infrastructure.NewFactory(cfg)
	defer infraFactory.Close()

	pgPool, err := infraFactory.Postgres(ctx)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}

	eventRepo := postgres.NewEventRepository(pgPool)
	if err := eventRepo.EnsureSchema(ctx); err != nil {
		logger.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}

	kafkaConsumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID)
	defer kafkaConsumer.Close()

	backoff := retry.New(cfg.Consumer.RetryBaseDelay, cfg.Consumer.RetryMaxDelay, cfg.Retry.JitterFactor)
	runner := consumer.NewRunner(kafkaConsumer, eventRepo, cfg.Consumer.MaxRetries, backoff)

	go status.Serve(cfg.Status.ConsumerAddr, func() any { return runner.Snapshot() })

	logger.Info("consumer starting",
		"topic", cfg.Kafka.Topic, "group_id", cfg.Kafka.GroupID)

	if err := runner.Run(ctx); err != nil {
		logger.Error("consumer stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("consumer exited")
}
