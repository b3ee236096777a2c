package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/backend-pos/internal/app"
	"github.com/noah-isme/backend-pos/internal/audit"
	"github.com/noah-isme/backend-pos/internal/cart"
	"github.com/noah-isme/backend-pos/internal/catalog"
	"github.com/noah-isme/backend-pos/internal/checkout"
	"github.com/noah-isme/backend-pos/internal/common"
	"github.com/noah-isme/backend-pos/internal/config"
	"github.com/noah-isme/backend-pos/internal/health"
	"github.com/noah-isme/backend-pos/internal/obs"
	"github.com/noah-isme/backend-pos/internal/queue"
	"github.com/noah-isme/backend-pos/internal/ratelimit"
	"github.com/noah-isme/backend-pos/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "pos")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		sampling := envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0)
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "pos-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: sampling,
			Environment:   cfg.AppEnv,
			Store:         envOrDefault("POS_STORE_CODE", ""),
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	deps, err := app.New(startCtx, cfg, logger, app.Options{ApplicationName: "pos-api", RedisMetrics: metricsEnabled})
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	catalogHandler := catalog.NewHandler(catalog.HandlerConfig{Service: deps.Catalog})

	sessions := cart.NewMemoryStore()
	cartSvc := &cart.Service{
		Store:           sessions,
		Products:        deps.Catalog,
		Currencies:      deps.Catalog,
		Rules:           deps.CartRules(),
		DefaultCurrency: cfg.Pricing.DefaultCurrency,
		TTL:             cfg.Session.TTL,
		Logger:          logger.With().Str("component", "cart").Logger(),
	}
	cartHandler := &cart.Handler{Svc: cartSvc, Validate: deps.Validator}
	if err := app.ObserveSessions(app.Meter("pos-api"), sessions); err != nil {
		logger.Error().Err(err).Msg("register session gauge")
	}

	checkoutSvc, err := checkout.NewService(checkout.Config{
		Sessions:      cartSvc,
		Methods:       deps.Catalog,
		Sales:         deps.Backend,
		Queue:         checkout.QueueAdapter{Queue: deps.Queue},
		Logger:        logger.With().Str("component", "checkout").Logger(),
		SubmitTimeout: cfg.Backend.SubmitTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise checkout service")
	}
	checkoutHandler := &checkout.Handler{Svc: checkoutSvc, Validate: deps.Validator}

	queueAdmin := &queue.AdminHandler{
		Store:             deps.DLQ,
		Queue:             deps.Queue,
		Logger:            logger.With().Str("component", "queue-admin").Logger(),
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		DefaultKind:       checkout.SaleTaskKind,
		Describe:          checkout.DescribeQueuedSale,
		Validate:          deps.Validator,
	}

	auditRecorder := audit.HTTPRecorder{
		Service: &audit.Service{Store: deps.Audit, Enabled: envBool("AUDIT_ENABLED", true)},
		OnError: func(err error) { logger.Error().Err(err).Msg("record audit entry") },
	}
	auditHandler := audit.Handler{Store: deps.Audit}

	idem := common.Idem{R: deps.Redis, TTL: cfg.Security.IdempotencyTTL, Prefix: "pos:idem"}
	confirmLimit := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: deps.Redis, Prefix: "pos:rl:"},
		Config: ratelimit.Config{
			Key:    ratelimit.ByTerminal("confirm"),
			Window: cfg.Security.CheckoutRateWindow,
			Max:    cfg.Security.CheckoutRateMax,
		},
		OnError: func(err error) { logger.Warn().Err(err).Msg("checkout rate limiter unavailable") },
	}
	apiLimit, err := ratelimit.APIMiddleware(deps.LimiterStore, cfg.Security.APIRate)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse api rate")
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	r.Use(obs.TerminalMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger, Slow: envDurationMillis("OBS_SLOW_REQUEST_MS", 2000)}.Middleware)
	r.Use(security.CORS(allowedOrigins(cfg)))
	r.Use(security.Headers{Enable: cfg.Security.HeadersEnabled, EnableHSTS: cfg.AppEnv == "production"}.Middleware)
	r.Use(security.BodyLimit{Max: cfg.Security.BodyLimitBytes}.Middleware)

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checks:  deps.Checks(),
		Timeout: envDurationMillis("HEALTH_READY_TIMEOUT_MS", 500),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(apiLimit)

		v.Get("/currencies", catalogHandler.Currencies)
		v.Get("/payment-methods", catalogHandler.PaymentMethods)
		v.Get("/products", catalogHandler.Products)
		v.Get("/products/{productID}", catalogHandler.Product)

		v.With(idem.Middleware).Post("/sessions", cartHandler.Open)
		v.Route("/sessions/{sessionID}", func(s chi.Router) {
			s.Get("/", cartHandler.Get)
			s.Delete("/", cartHandler.Close)
			s.Post("/items", cartHandler.AddItem)
			s.Delete("/items", cartHandler.ClearItems)
			s.Patch("/items/{productID}", cartHandler.UpdateItem)
			s.Delete("/items/{productID}", cartHandler.RemoveItem)
			s.Put("/currency", cartHandler.SetCurrency)
			s.Put("/passenger", cartHandler.SetPassenger)
			s.Get("/tender", cartHandler.Tender)

			s.Route("/checkout", func(c chi.Router) {
				c.Get("/", checkoutHandler.Get)
				c.Post("/", checkoutHandler.Begin)
				c.Delete("/", checkoutHandler.Dismiss)
				c.Post("/method", checkoutHandler.SelectMethod)
				c.With(confirmLimit.Middleware, idem.Middleware).Post("/confirm", checkoutHandler.Confirm)
			})
		})

		if strings.TrimSpace(cfg.Security.AdminAPIKeyHash) == "" {
			logger.Warn().Msg("admin routes disabled: ADMIN_API_KEY_HASH not set")
			return
		}
		v.Route("/admin", func(admin chi.Router) {
			admin.Use(security.AdminKey{Hash: cfg.Security.AdminAPIKeyHash}.Middleware)
			admin.With(auditRecorder.Middleware(audit.HTTPConfig{Action: "catalog.refresh", Resource: "catalog"})).
				Post("/catalog/refresh", catalogHandler.Refresh)
			admin.Get("/queue/stats", queueAdmin.Stats)
			admin.Get("/queue/dlq", queueAdmin.ListDLQ)
			admin.With(auditRecorder.Middleware(audit.HTTPConfig{Action: "dlq.replay", Resource: "queue.dlq"})).
				Post("/queue/dlq/replay", queueAdmin.ReplayDLQ)
			admin.With(auditRecorder.Middleware(audit.HTTPConfig{Action: "dlq.discard", Resource: "queue.dlq", ResourceIDParam: "id"})).
				Delete("/queue/dlq/{id}", queueAdmin.DiscardDLQ)
			admin.Get("/audit", auditHandler.List)
		})
	})

	go cartSvc.RunSweeper(ctx, cfg.Session.SweepInterval)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), envDurationMillis("SHUTDOWN_GRACE_MS", 15000))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown server")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}

func allowedOrigins(cfg *config.Config) string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return "*"
	}
	return strings.Join(cfg.CORSAllowedOrigins, ",")
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

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
