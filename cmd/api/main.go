package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mhttp "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	redisstore "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/klappmedia/mcash-gateway/internal/auth"
	"github.com/klappmedia/mcash-gateway/internal/checkout"
	"github.com/klappmedia/mcash-gateway/internal/config"
	"github.com/klappmedia/mcash-gateway/internal/db"
	"github.com/klappmedia/mcash-gateway/internal/health"
	"github.com/klappmedia/mcash-gateway/internal/lock"
	"github.com/klappmedia/mcash-gateway/internal/mcash"
	"github.com/klappmedia/mcash-gateway/internal/obs"
	"github.com/klappmedia/mcash-gateway/internal/order"
	"github.com/klappmedia/mcash-gateway/internal/payment"
	"github.com/klappmedia/mcash-gateway/internal/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "mcash")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "mcash-gateway-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:   cfg.AppEnv,
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

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("migrate database")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "mcash-gateway-api"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	signingKey, err := mcash.ParsePrivateKey(cfg.SigningKeyPEM())
	if err != nil {
		logger.Fatal().Err(err).Msg("parse merchant signing key")
	}
	verifier := mcash.Verifier{
		Strict:             cfg.StrictSignatures,
		TrustForwardedHost: cfg.TrustForwardedHost,
	}
	if strings.TrimSpace(cfg.ProviderPublicKeyPEM) != "" {
		pub, err := mcash.ParsePublicKey(cfg.ProviderPublicKeyPEM)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse provider public key")
		}
		verifier.PublicKey = pub
	} else if cfg.StrictSignatures {
		logger.Fatal().Msg("strict signatures enabled without a provider public key")
	}

	providerClient := &mcash.HTTPClient{
		BaseURL:        cfg.APIBaseURL,
		MerchantID:     cfg.MerchantID,
		MerchantUserID: cfg.MerchantUserID,
		SigningKey:     signingKey,
		TestMode:       cfg.TestMode,
		TestbedToken:   cfg.TestbedToken,
		HTTP: resilience.HTTPClient{
			Client:      &http.Client{},
			Breaker:     resilience.NewBreaker(cfg.CircuitMinReq, cfg.CircuitFailureRate, cfg.CircuitOpenFor),
			BaseBackoff: cfg.RetryBase,
			MaxAttempts: cfg.RetryMaxAttempts,
			Jitter:      cfg.RetryJitterPercent,
			Timeout:     cfg.OutboundTimeout,
		},
		Logger: logger,
	}

	store := &order.PGStore{Pool: pool}
	validate := validator.New()

	checkoutSvc := &checkout.Service{
		Store:             store,
		Catalog:           store,
		Client:            providerClient,
		GatewayID:         cfg.GatewayID,
		GatewayTitle:      cfg.GatewayTitle,
		Currency:          cfg.Currency,
		CallbackURI:       cfg.CallbackURI,
		SuccessReturnURL:  cfg.SuccessReturnURL,
		CancelReturnURL:   cfg.CancelReturnURL,
		CartURL:           cfg.CartURL,
		ExpressEnabled:    cfg.ExpressEnabled,
		DirectEnabled:     cfg.DirectEnabled,
		ShippingPrice:     envParseFloat(cfg.ShippingPrice),
		ShippingFreeLimit: envParseFloat(cfg.ShippingFreeLimit),
		Logger:            logger,
	}
	checkoutHandler := &checkout.Handler{Service: checkoutSvc, Validate: validate, Logger: logger}

	orchestrator := &payment.Orchestrator{
		Store:     store,
		Client:    providerClient,
		GatewayID: cfg.GatewayID,
		CaptureOn: order.Status(cfg.CaptureOn),
		Logger:    logger,
	}
	callbackHandler := &payment.Callback{
		Store:              store,
		Client:             providerClient,
		Verifier:           verifier,
		Capture:            orchestrator,
		Locker:             lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff},
		LockTTL:            cfg.LockTTL,
		AutoCapture:        cfg.AutoCapture,
		AutoCaptureVirtual: cfg.AutoCaptureVirtual,
		Poll: payment.RetryPolicy{
			Attempts: cfg.AddressPollAttempts,
			Interval: cfg.AddressPollInterval,
		},
		HashCredential: func(plain string) (string, error) {
			return argon2id.CreateHash(plain, argon2id.DefaultParams)
		},
		Logger: logger,
	}
	paymentHandler := &payment.Handler{
		Store:        store,
		Orchestrator: orchestrator,
		Validate:     validate,
		Logger:       logger,
	}

	rate, err := limiter.NewRateFromFormatted(cfg.CheckoutRateLimit)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse checkout rate limit")
	}
	limiterStore, err := redisstore.NewStoreWithOptions(redisClient, limiter.StoreOptions{
		Prefix: "mcash:rl",
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limit store")
	}
	rateLimit := mhttp.NewMiddleware(limiter.New(limiterStore, rate))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	checker := health.Checker{
		PingDB:    pool.Ping,
		PingRedis: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}
	r.Get("/health/live", checker.Live)
	r.Get("/health/ready", checker.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Post("/callback/mcash", callbackHandler.Handle)

		v.Route("/checkout", func(c chi.Router) {
			c.Use(rateLimit.Handler)
			checkoutHandler.Routes(c)
		})

		v.Route("/admin", func(admin chi.Router) {
			admin.Use(auth.RequireAdmin(cfg.AdminJWTSecret))
			paymentHandler.Routes(admin)
		})
	})

	var handler http.Handler = r
	if tracingEnabled {
		handler = otelhttp.NewHandler(r, "mcash-gateway")
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: handler,
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	}()

	<-shutdownCtx.Done()
	logger.Info().Msg("shutting down")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := srv.Shutdown(stopCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envParseFloat(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return f
}
