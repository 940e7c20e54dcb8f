package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"boxscore_pipeline/internal/bus"
	"boxscore_pipeline/internal/deadletter"
	"boxscore_pipeline/internal/depstore"
	"boxscore_pipeline/internal/execlog"
	"boxscore_pipeline/internal/ops"
	"boxscore_pipeline/internal/stage"
	"boxscore_pipeline/internal/tracker"
	"boxscore_pipeline/platform/config"
	"boxscore_pipeline/platform/db"
	"boxscore_pipeline/platform/httpkit"
	"boxscore_pipeline/platform/logger"
	"boxscore_pipeline/platform/validator"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting api", "env", cfg.Env, "addr", cfg.HTTPAddr)

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

	remediator := deadletter.NewRemediator(deadletter.New(pool), pub, cfg.ReplayRatePerSecond, log)
	handler := ops.NewHandler(
		remediator,
		execlog.New(pool),
		tracker.New(depstore.New(pool), log),
		topo,
		pool,
		log,
	)

	if cfg.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpkit.RequestLogger(log))
	r.Use(httpkit.SecurityHeaders())
	r.Use(httpkit.NewIPRateLimiter(rate.Limit(20), 40, log).Middleware())

	corsConfig := cors.DefaultConfig()
	if cfg.CORSAllowAll {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.CORSOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	r.Use(cors.New(corsConfig))

	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("api stopped", "error", err)
		os.Exit(1)
	}
	log.Info("api shut down")
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
