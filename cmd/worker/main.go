package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/backend-pos/internal/app"
	"github.com/noah-isme/backend-pos/internal/checkout"
	"github.com/noah-isme/backend-pos/internal/config"
	"github.com/noah-isme/backend-pos/internal/lock"
	"github.com/noah-isme/backend-pos/internal/obs"
	"github.com/noah-isme/backend-pos/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()

	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "pos"), nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	deps, err := app.New(startCtx, cfg, logger, app.Options{ApplicationName: "pos-worker"})
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	if envOrDefault("WORKER_MIGRATE_ON_START", "") == "true" {
		version, err := app.RunMigrations(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("apply migrations")
		}
		logger.Info().Uint("version", version).Msg("schema up to date")
	}

	replayer := checkout.Replayer{
		Sales:   deps.Backend,
		Locker:  lock.Locker{R: deps.Redis, Prefix: "pos", RetryBackoff: cfg.Lock.RetryBackoff},
		LockTTL: cfg.Lock.TTL,
		Redis:   deps.Redis,
		Prefix:  "pos",
		Logger:  logger.With().Str("task", checkout.SaleTaskKind).Logger(),
	}

	saleWorker := queue.Worker{
		R:                 deps.Redis,
		Prefix:            cfg.Queue.Prefix,
		Kind:              checkout.SaleTaskKind,
		Concurrency:       cfg.Queue.Concurrency,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		RetryBase:         cfg.Queue.BackoffBase,
		RetryJitter:       cfg.Queue.BackoffJitter,
		Store:             deps.DLQ,
		Logger:            &logger,
		Handler:           replayer.Handle,
	}

	if addr := envOrDefault("WORKER_METRICS_ADDR", ""); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	logger.Info().Str("kind", checkout.SaleTaskKind).Int("concurrency", cfg.Queue.Concurrency).Msg("worker starting")
	if err := saleWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
