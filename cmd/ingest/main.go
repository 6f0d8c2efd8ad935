package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"changefeed/internal/application/factories/infrastructure"
	"changefeed/internal/checkpoint"
	"changefeed/internal/config"
	"changefeed/internal/feed"
	"changefeed/internal/infrastructure/kafka"
	"changefeed/internal/ingest"
	"changefeed/internal/publish"
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

	feedClient := feed.NewClient(cfg.Feed.URL, cfg.Feed.ConnectTimeout)

	producer := kafka.NewProducer(kafka.Config{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
	})
	defer producer.Close()

	backoff := retry.New(cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, cfg.Retry.JitterFactor)
	publisher := publish.New(producer, cfg.Retry.MaxAttempts, backoff)

	// Resume-token checkpointing is optional; without Redis a restart
	// replays whatever the feed re-sends.
	var checkpoints checkpoint.Store = checkpoint.Disabled{}
	if cfg.Redis.Addr != "" {
		infraFactory := infrastructure.NewFactory(cfg)
		defer infraFactory.Close()

		redisCli, err := infraFactory.Redis(ctx)
		if err != nil {
			logger.Warn("redis unavailable, resume token will not survive restarts", "error", err)
		} else {
			checkpoints = checkpoint.NewRedisStore(redisCli, cfg.App.Name)
		}
	}

	supervisor := ingest.NewSupervisor(
		ingest.NewFeedOpener(feedClient), publisher, checkpoints, backoff)

	go status.Serve(cfg.Status.IngestAddr, func() any { return supervisor.Snapshot() })

	logger.Info("ingest supervisor starting",
		"feed_url", cfg.Feed.URL, "topic", cfg.Kafka.Topic)

	if err := supervisor.Run(ctx); err != nil {
		logger.Error("ingest supervisor stopped on fatal error", "error", err)
		os.Exit(1)
	}

	logger.Info("ingest exited")
}
