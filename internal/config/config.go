package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string

	Backend  BackendConfig
	Pricing  PricingConfig
	Session  SessionConfig
	Catalog  CatalogConfig
	Queue    QueueConfig
	Lock     LockConfig
	Security SecurityConfig
}

// BackendConfig describes the retail backend the POS submits sales to.
type BackendConfig struct {
	BaseURL            string
	APIToken           string
	Timeout            time.Duration
	RetryBase          time.Duration
	RetryMaxAttempts   int
	RetryJitter        float64
	CircuitMinRequests int
	CircuitFailureRate float64
	CircuitOpenFor     time.Duration
	SubmitTimeout      time.Duration
}

// PricingConfig holds tax and currency conversion settings.
type PricingConfig struct {
	TaxRateBps      int
	DefaultCurrency string
	PegEUR          decimal.Decimal
	PegUSD          decimal.Decimal
	QuantityCeiling int
}

// SessionConfig bounds the lifetime of in-memory cart sessions.
type SessionConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// CatalogConfig controls Redis caching of backend lookups.
type CatalogConfig struct {
	ListTTL    time.Duration
	ProductTTL time.Duration
}

// QueueConfig tunes the offline sale queue.
type QueueConfig struct {
	Prefix            string
	MaxAttempts       int
	Concurrency       int
	VisibilityTimeout time.Duration
	BackoffBase       time.Duration
	BackoffJitter     float64
	DedupTTL          time.Duration
}

// LockConfig tunes the distributed lock held while replaying a sale.
type LockConfig struct {
	TTL          time.Duration
	RetryBackoff time.Duration
}

// SecurityConfig groups HTTP hardening settings.
type SecurityConfig struct {
	BodyLimitBytes     int64
	HeadersEnabled     bool
	IdempotencyTTL     time.Duration
	CheckoutRateMax    int
	CheckoutRateWindow time.Duration
	APIRate            string
	AdminAPIKeyHash    string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		Backend: BackendConfig{
			BaseURL:            strings.TrimRight(strings.TrimSpace(k.String("BACKEND_BASE_URL")), "/"),
			APIToken:           strings.TrimSpace(k.String("BACKEND_API_TOKEN")),
			Timeout:            parseDuration(k.String("BACKEND_TIMEOUT"), "10s"),
			RetryBase:          parseDuration(k.String("RETRY_BASE"), "200ms"),
			RetryMaxAttempts:   parseInt(k.String("RETRY_MAX_ATTEMPTS"), 2),
			RetryJitter:        parseFloat(k.String("RETRY_JITTER_PERCENT"), 20) / 100,
			CircuitMinRequests: parseInt(k.String("CIRCUIT_BACKEND_MIN_REQ"), 5),
			CircuitFailureRate: parseFloat(k.String("CIRCUIT_BACKEND_FAILURE_RATE"), 0.5),
			CircuitOpenFor:     parseDuration(k.String("CIRCUIT_BACKEND_OPEN_FOR"), "30s"),
			SubmitTimeout:      parseDuration(k.String("SALE_SUBMIT_TIMEOUT"), "15s"),
		},
		Pricing: PricingConfig{
			TaxRateBps:      parseInt(k.String("PRICING_TAX_RATE_BPS"), 1800),
			DefaultCurrency: strings.ToUpper(valueOrDefault(k.String("CURRENCY_DEFAULT"), "XOF")),
			PegEUR:          parseDecimal(k.String("CURRENCY_PEG_EUR"), "655.957"),
			PegUSD:          parseDecimal(k.String("CURRENCY_PEG_USD"), "600"),
			QuantityCeiling: parseInt(k.String("CART_QUANTITY_CEILING"), 100),
		},
		Session: SessionConfig{
			TTL:           parseDuration(k.String("SESSION_TTL"), "12h"),
			SweepInterval: parseDuration(k.String("SESSION_SWEEP_INTERVAL"), "1m"),
		},
		Catalog: CatalogConfig{
			ListTTL:    parseDuration(k.String("CATALOG_CACHE_TTL"), "5m"),
			ProductTTL: parseDuration(k.String("PRODUCT_CACHE_TTL"), "30s"),
		},
		Queue: QueueConfig{
			Prefix:            valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "pos:jobs"),
			MaxAttempts:       parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 12),
			Concurrency:       parseInt(k.String("QUEUE_CONCURRENCY"), 2),
			VisibilityTimeout: parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "60s"),
			BackoffBase:       parseDuration(k.String("QUEUE_BACKOFF_BASE"), "5s"),
			BackoffJitter:     parseFloat(k.String("QUEUE_BACKOFF_JITTER"), 0.2),
			DedupTTL:          parseDuration(k.String("QUEUE_DEDUP_TTL"), "168h"),
		},
		Lock: LockConfig{
			TTL:          parseDuration(k.String("LOCK_TTL"), "30s"),
			RetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "100ms"),
		},
		Security: SecurityConfig{
			BodyLimitBytes:     int64(parseInt(k.String("BODY_LIMIT_BYTES"), 1<<20)),
			HeadersEnabled:     parseBoolDefault(k.String("SECURITY_HEADERS_ENABLED"), true),
			IdempotencyTTL:     parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
			CheckoutRateMax:    parseInt(k.String("RATE_LIMIT_CHECKOUT_MAX"), 30),
			CheckoutRateWindow: parseDuration(k.String("RATE_LIMIT_CHECKOUT_WINDOW"), "1m"),
			APIRate:            valueOrDefault(k.String("RATE_LIMIT_API"), "600-M"),
			AdminAPIKeyHash:    strings.TrimSpace(k.String("ADMIN_API_KEY_HASH")),
		},
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.Backend.BaseURL == "" {
		return nil, errors.New("BACKEND_BASE_URL is required")
	}
	if u, err := url.Parse(cfg.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("BACKEND_BASE_URL is not an absolute URL: %q", cfg.Backend.BaseURL)
	}
	if cfg.Pricing.TaxRateBps < 0 || cfg.Pricing.TaxRateBps > 10000 {
		return nil, fmt.Errorf("PRICING_TAX_RATE_BPS out of range: %d", cfg.Pricing.TaxRateBps)
	}
	if !cfg.Pricing.PegEUR.IsPositive() || !cfg.Pricing.PegUSD.IsPositive() {
		return nil, errors.New("CURRENCY_PEG_EUR and CURRENCY_PEG_USD must be positive")
	}
	switch cfg.Pricing.DefaultCurrency {
	case "XOF", "EUR", "USD":
	default:
		return nil, fmt.Errorf("CURRENCY_DEFAULT not supported: %s", cfg.Pricing.DefaultCurrency)
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// IsProduction reports whether APP_ENV names a production deployment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.AppEnv))
	return env == "production" || env == "prod"
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return v
}

func parseFloat(value string, fallback float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return v
}

func parseDecimal(value, fallback string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.RequireFromString(fallback)
	}
	return d
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
