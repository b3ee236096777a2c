package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/noah-isme/backend-pos/internal/audit"
	"github.com/noah-isme/backend-pos/internal/backend"
	"github.com/noah-isme/backend-pos/internal/cart"
	"github.com/noah-isme/backend-pos/internal/catalog"
	"github.com/noah-isme/backend-pos/internal/config"
	"github.com/noah-isme/backend-pos/internal/currency"
	"github.com/noah-isme/backend-pos/internal/db"
	"github.com/noah-isme/backend-pos/internal/health"
	"github.com/noah-isme/backend-pos/internal/lock"
	"github.com/noah-isme/backend-pos/internal/obs"
	"github.com/noah-isme/backend-pos/internal/queue"
	"github.com/noah-isme/backend-pos/internal/ratelimit"
	"github.com/noah-isme/backend-pos/internal/resilience"
)

// Dependencies are the clients shared by the API and the worker.
type Dependencies struct {
	Config       *config.Config
	Logger       zerolog.Logger
	DB           *pgxpool.Pool
	Redis        *redis.Client
	Validator    *validator.Validate
	LimiterStore limiter.Store
	Backend      *backend.Client
	Breaker      *resilience.Breaker
	Catalog      *catalog.Service
	DLQ          queue.Store
	Audit        audit.Store
	Queue        queue.Enqueuer
	Locker       lock.Locker
}

// Options tune New for a particular binary.
type Options struct {
	// ApplicationName is reported to Postgres.
	ApplicationName string
	RedisMetrics    bool
}

// New connects Postgres and Redis and builds the backend-facing services.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*Dependencies, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	d := &Dependencies{Config: cfg, Logger: logger, Validator: validator.New()}

	pool, err := newPool(ctx, cfg, opts.ApplicationName)
	if err != nil {
		return nil, err
	}
	d.DB = pool

	rdb, err := newRedis(ctx, cfg, logger, opts.RedisMetrics)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Redis = rdb

	if d.LimiterStore, err = ratelimit.NewStore(rdb, "pos:limiter"); err != nil {
		d.Close()
		return nil, fmt.Errorf("app: limiter store: %w", err)
	}

	d.Breaker = resilience.NewBreaker(cfg.Backend.CircuitMinRequests, cfg.Backend.CircuitFailureRate, cfg.Backend.CircuitOpenFor).
		WithTarget("retail-backend").
		WithLogger(logger)
	d.Backend, err = backend.New(backend.Config{
		BaseURL:     cfg.Backend.BaseURL,
		Token:       cfg.Backend.APIToken,
		Timeout:     cfg.Backend.Timeout,
		RetryBase:   cfg.Backend.RetryBase,
		MaxAttempts: cfg.Backend.RetryMaxAttempts,
		Jitter:      cfg.Backend.RetryJitter,
		Breaker:     d.Breaker,
		Logger:      logger.With().Str("component", "backend").Logger(),
	})
	if err != nil {
		d.Close()
		return nil, err
	}

	d.Catalog, err = catalog.NewService(catalog.ServiceConfig{
		Source:       d.Backend,
		ListCache:    catalog.NewCache(rdb, "pos:catalog", cfg.Catalog.ListTTL),
		ProductCache: catalog.NewCache(rdb, "pos:product", cfg.Catalog.ProductTTL),
		Registry:     currency.NewRegistry(),
		Resolver:     currency.Resolver{PegEUR: cfg.Pricing.PegEUR, PegUSD: cfg.Pricing.PegUSD},
		Logger:       logger.With().Str("component", "catalog").Logger(),
	})
	if err != nil {
		d.Close()
		return nil, err
	}

	d.DLQ = queue.NewStore(pool)
	d.Audit = audit.NewStore(pool)
	d.Queue = queue.Enqueuer{
		R:           rdb,
		Prefix:      cfg.Queue.Prefix,
		DedupTTL:    cfg.Queue.DedupTTL,
		MaxAttempts: cfg.Queue.MaxAttempts,
	}
	d.Locker = lock.Locker{R: rdb, Prefix: "pos", RetryBackoff: cfg.Lock.RetryBackoff}
	return d, nil
}

// CartRules derives cart pricing rules from the configuration.
func (d *Dependencies) CartRules() cart.Rules {
	return cart.Rules{
		Resolver:        d.Catalog.Resolver(),
		TaxBps:          d.Config.Pricing.TaxRateBps,
		QuantityCeiling: d.Config.Pricing.QuantityCeiling,
	}
}

// Checks lists readiness probes. The backend is optional: sales queue while
// it is down.
func (d *Dependencies) Checks() []health.Check {
	return []health.Check{
		{Name: "db", Probe: func(ctx context.Context) error { return d.DB.Ping(ctx) }},
		{Name: "redis", Probe: func(ctx context.Context) error { return d.Redis.Ping(ctx).Err() }},
		{Name: "backend", Probe: d.probeBackend, Optional: true},
	}
}

// probeBackend skips the network while the breaker is cooling off.
func (d *Dependencies) probeBackend(ctx context.Context) error {
	if d.Breaker != nil {
		if snap := d.Breaker.Snapshot(); snap.State == resilience.Open {
			return fmt.Errorf("circuit open, retry in %s", snap.RetryAfter.Round(time.Second))
		}
	}
	return d.Backend.Ping(ctx)
}

// Close releases connections.
func (d *Dependencies) Close() {
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close redis")
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

// RunMigrations applies pending schema migrations.
func RunMigrations(ctx context.Context, cfg *config.Config) (uint, error) {
	return db.Migrate(ctx, cfg.DatabaseURL, 0)
}

// Meter returns the global OpenTelemetry meter.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}

// ObserveSessions exports the live session count as an OpenTelemetry gauge.
func ObserveSessions(meter metric.Meter, store *cart.MemoryStore) error {
	_, err := meter.Int64ObservableGauge("pos.sessions.open",
		metric.WithDescription("Open cart sessions held in memory."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(store.Len()))
			return nil
		}),
	)
	return err
}

func newPool(ctx context.Context, cfg *config.Config, appName string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("app: parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if appName != "" {
		if poolConfig.ConnConfig.RuntimeParams == nil {
			poolConfig.ConnConfig.RuntimeParams = map[string]string{}
		}
		poolConfig.ConnConfig.RuntimeParams["application_name"] = appName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("app: connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("app: ping database: %w", err)
	}
	return pool, nil
}

func newRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger, withMetrics bool) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("app: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if withMetrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("app: ping redis: %w", err)
	}
	return client, nil
}
