package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"boxscore_pipeline/internal/bus"
	"boxscore_pipeline/internal/changedetect"
	"boxscore_pipeline/internal/depstore"
	"boxscore_pipeline/internal/execlog"
	"boxscore_pipeline/internal/fallback"
	"boxscore_pipeline/internal/stage"
	"boxscore_pipeline/internal/tracker"
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

	stageName := strings.TrimSpace(os.Getenv("PIPELINE_STAGE"))
	if stageName == "" {
		panic("PIPELINE_STAGE is required")
	}

	log := logger.New(cfg.Env)
	log.Info("starting worker", "env", cfg.Env, "stage", stageName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, cfg, cfg.MigrationsDir)
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

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

	val := validator.New()

	topo, err := stage.LoadTopology(cfg.StagesFile, val)
	if err != nil {
		log.Error("failed to load stage topology", "error", err)
		panic("failed to load stage topology: " + err.Error())
	}
	desc, ok := topo.Stage(stageName)
	if !ok {
		panic("stage " + stageName + " is not in the topology")
	}
	if desc.Executor.Endpoint == "" {
		panic("stage " + stageName + " has no executor endpoint configured")
	}

	graph, err := changedetect.LoadGraph(cfg.EdgesFile)
	if err != nil {
		log.Error("failed to load dependency edges", "error", err)
		panic("failed to load dependency edges: " + err.Error())
	}
	detector := changedetect.NewDetector(graph, changedetect.Limits{
		MaxEntities:       cfg.GetFanOutMaxEntities(),
		MaxRosterFraction: cfg.GetFanOutMaxRosterFraction(),
		MaxHops:           cfg.GetFanOutMaxHops(),
	})

	pub, err := bus.NewPublisher(cfg, log)
	if err != nil {
		log.Error("failed to initialize publisher", "error", err)
		panic("failed to initialize publisher: " + err.Error())
	}
	defer func() { _ = pub.Close() }()

	store := depstore.New(pool)
	runner := stage.NewRunner(
		desc,
		topo,
		cfg.TopicPrefix,
		cfg.MaxMessageBytes,
		tracker.New(store, log),
		store,
		detector,
		execlog.New(pool),
		fallback.New(pool),
		stage.NewHTTPExecutor(desc.Executor.Endpoint, desc.HandlerTimeout.Std()),
		pub,
		val,
		log,
	)

	sub, err := bus.NewSubscriber(cfg, log)
	if err != nil {
		log.Error("failed to initialize subscriber", "error", err)
		panic("failed to initialize subscriber: " + err.Error())
	}
	defer func() { _ = sub.Close() }()

	topics, err := topo.UpstreamTopics(stageName, cfg.TopicPrefix)
	if err != nil {
		panic("failed to resolve upstream topics: " + err.Error())
	}
	for _, topic := range topics {
		sub.Subscribe(topic, runner.Handler())
		log.Info("subscribed", "topic", topic)
	}
	sub.Subscribe(desc.FallbackTopic(cfg.TopicPrefix), runner.Handler())
	log.Info("subscribed", "topic", desc.FallbackTopic(cfg.TopicPrefix))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sub.Run(gctx) })

	if err := g.Wait(); err != nil {
		log.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	log.Info("worker shut down")
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
