package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/klappmedia/mcash-gateway/internal/config"
	"github.com/klappmedia/mcash-gateway/internal/mcash"
	"github.com/klappmedia/mcash-gateway/internal/obs"
	"github.com/klappmedia/mcash-gateway/internal/order"
	"github.com/klappmedia/mcash-gateway/internal/payment"
	"github.com/klappmedia/mcash-gateway/internal/resilience"
	"github.com/klappmedia/mcash-gateway/internal/sweep"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().
		Str("env", cfg.AppEnv).
		Str("component", "sweeper").
		Logger()

	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "mcash"), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	signingKey, err := mcash.ParsePrivateKey(cfg.SigningKeyPEM())
	if err != nil {
		logger.Fatal().Err(err).Msg("parse merchant signing key")
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
	sweeper := &sweep.Sweeper{
		Store: store,
		Orchestrator: &payment.Orchestrator{
			Store:     store,
			Client:    providerClient,
			GatewayID: cfg.GatewayID,
			CaptureOn: order.Status(cfg.CaptureOn),
			Logger:    logger,
		},
		GatewayID:   cfg.GatewayID,
		Concurrency: cfg.SweepConcurrency,
		Logger:      logger,
	}

	redisConn, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}

	srv := asynq.NewServer(redisConn, asynq.Config{
		Concurrency: 1,
		Logger:      asynqLogger{logger: logger},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(sweep.TaskReauthorize, sweeper.HandleTask)

	scheduler := asynq.NewScheduler(redisConn, &asynq.SchedulerOpts{})
	if _, err := scheduler.Register(cfg.SweepCron, asynq.NewTask(sweep.TaskReauthorize, nil)); err != nil {
		logger.Fatal().Err(err).Msg("register sweep schedule")
	}

	go func() {
		if err := scheduler.Run(); err != nil {
			logger.Fatal().Err(err).Msg("scheduler exited unexpectedly")
		}
	}()
	go func() {
		if err := srv.Run(mux); err != nil {
			logger.Fatal().Err(err).Msg("worker exited unexpectedly")
		}
	}()

	logger.Info().Str("cron", cfg.SweepCron).Msg("sweeper started")

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-shutdownCtx.Done()

	logger.Info().Msg("shutting down")
	scheduler.Shutdown()
	srv.Shutdown()
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// asynqLogger adapts zerolog to asynq's logging interface.
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
