package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Shubh17ss/locumbnb-sub003/internal/api"
	"github.com/Shubh17ss/locumbnb-sub003/internal/config"
	"github.com/Shubh17ss/locumbnb-sub003/internal/escrow"
	"github.com/Shubh17ss/locumbnb-sub003/internal/platform"
	"github.com/Shubh17ss/locumbnb-sub003/internal/provider"
	"github.com/Shubh17ss/locumbnb-sub003/internal/scheduler"
	"github.com/Shubh17ss/locumbnb-sub003/internal/store"
	"github.com/Shubh17ss/locumbnb-sub003/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	if err := pgStore.RunMigrations(ctx, "migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	// Redis backs the job table and the provider's breaker and limiter
	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := platform.Options{
		Store: pgStore,
		Jobs:  scheduler.NewRedisStore(redisStore.Client()),
		Escrow: escrow.Config{
			FeePercentage: cfg.Fee,
			DisputeFee:    cfg.DisputeAmt,
			Provider:      cfg.Provider.Name,
		},
		Workflow: workflow.Config{
			ReleaseDelay: cfg.ReleaseDelay,
			ReviewPeriod: cfg.ReviewPeriod,
		},
		Schedule: scheduler.Config{
			PollInterval: cfg.PollInterval,
			Workers:      cfg.NumWorkers,
			RetryBase:    cfg.JobRetryBase,
			Lease:        cfg.JobLease,
		},
		HandlerTimeout: cfg.HandlerTimeout,
		Registerer:     reg,
		Logger:         logger,
	}

	var payouts *provider.Client
	if cfg.Provider.URL != "" {
		breaker := provider.NewCircuitBreaker(redisStore.Client(), cfg.Provider.BreakerThreshold, cfg.Provider.BreakerCooldown, logger)
		limiter := provider.NewRateLimiter(redisStore.Client(), cfg.Provider.RateWindow, logger)
		payouts = provider.NewClient(provider.Config{
			Name:      cfg.Provider.Name,
			BaseURL:   cfg.Provider.URL,
			Secret:    cfg.Provider.Secret,
			Timeout:   cfg.Provider.Timeout,
			RateLimit: cfg.Provider.RateLimit,
		}, breaker, limiter, logger)
		opts.Payouts = payouts
		logger.Info("payout provider configured", "provider", cfg.Provider.Name, "url", cfg.Provider.URL)
	} else {
		logger.Warn("no payout provider configured, releases are bookkeeping only")
	}

	p := platform.New(opts)

	deps := api.Deps{
		Workflows: p.Workflows,
		Payments:  p.Escrow,
		Events:    pgStore,
		Health:    p.Health,
		Hub:       p.Hub,
		Gatherer:  reg,
		Logger:    logger,
	}
	deps.Dependencies = map[string]api.Pinger{
		"postgres": pgStore,
		"redis":    redisStore,
	}
	if payouts != nil {
		deps.Provider = payouts
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		p.Hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return p.Scheduler.Start(gctx)
	})

	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
