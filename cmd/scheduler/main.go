package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"boxscore_pipeline/internal/bus"
	"boxscore_pipeline/internal/deadletter"
	"boxscore_pipeline/internal/fallback"
	"boxscore_pipeline/internal/stage"
	"boxscore_pipeline/internal/wire"
	"boxscore_pipeline/platform/config"
	"boxscore_pipeline/platform/db"
	"boxscore_pipeline/platform/logger"
	"boxscore_pipeline/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	topo, err := stage.LoadTopology(cfg.StagesFile, validator.New())
	if err != nil {
		log.Error("failed to load stage topology", "error", err)
		panic("failed to load stage topology: " + err.Error())
	}

	pub, err := bus.NewPublisher(cfg, log)
	if err != nil {
		log.Error("failed to initialize publisher", "error", err)
		panic("failed to initialize publisher: " + err.Error())
	}
	defer func() { _ = pub.Close() }()

	fallbackTopics := make(map[string]string, len(topo.Stages))
	for _, desc := range topo.Stages {
		fallbackTopics[desc.Name] = desc.FallbackTopic(cfg.TopicPrefix)
	}
	dispatcher := fallback.NewDispatcher(
		fallback.New(pool), pub, fallbackTopics,
		cfg.FallbackTickInterval, cfg.MaxMessageBytes, log,
	)

	monitor := deadletter.NewMonitor(deadletter.New(pool), log)

	sub, err := bus.NewSubscriber(cfg, log)
	if err != nil {
		log.Error("failed to initialize subscriber", "error", err)
		panic("failed to initialize subscriber: " + err.Error())
	}
	defer func() { _ = sub.Close() }()

	// Every topic in the deployment gets its dead-letter queue watched.
	dlqTopics := make(map[string]bool)
	for _, desc := range topo.Stages {
		dlqTopics[wire.DeadLetterTopic(desc.CompletionTopic(cfg.TopicPrefix))] = true
		dlqTopics[wire.DeadLetterTopic(desc.FallbackTopic(cfg.TopicPrefix))] = true
	}
	for topic := range dlqTopics {
		sub.SubscribeRaw(topic, monitor.Handler())
		log.Info("watching dead-letter queue", "topic", topic)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sub.Run(gctx) })
	g.Go(func() error {
		dispatcher.Run(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("scheduler stopped", "error", err)
		os.Exit(1)
	}
	log.Info("scheduler shut down")
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
