package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lumenlabs/llm-gateway/internal/api"
	"github.com/lumenlabs/llm-gateway/internal/circuitbreaker"
	"github.com/lumenlabs/llm-gateway/internal/config"
	"github.com/lumenlabs/llm-gateway/internal/metrics"
	"github.com/lumenlabs/llm-gateway/internal/notifications"
	"github.com/lumenlabs/llm-gateway/internal/quota"
	"github.com/lumenlabs/llm-gateway/internal/ratelimit"
	"github.com/lumenlabs/llm-gateway/internal/router"
	"github.com/lumenlabs/llm-gateway/internal/secrets"
	"github.com/lumenlabs/llm-gateway/internal/telemetry"
	"github.com/lumenlabs/llm-gateway/internal/upstream"
	"github.com/lumenlabs/llm-gateway/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting LLM gateway", "addr", cfg.Addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "llm-gateway", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}

	apiKey := cfg.UpstreamAPIKey
	if apiKey == "" {
		store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to create secrets client", "error", err)
			os.Exit(1)
		}
		apiKey, err = store.GetSecret(ctx, cfg.UpstreamAPIKeySecret)
		if err != nil {
			slog.Error("failed to resolve upstream credential", "error", err)
			os.Exit(1)
		}
		slog.Info("upstream credential resolved from secrets manager")
	}

	var notifier notifications.Notifier
	if cfg.AlertTopicARN != "" && cfg.AWSRegion != "" {
		notifier, err = notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.AlertTopicARN)
		if err != nil {
			slog.Error("failed to create SNS notifier", "error", err)
			os.Exit(1)
		}
		slog.Info("using SNS notifier", "topic", cfg.AlertTopicARN)
	} else {
		notifier = notifications.NewInMemoryNotifier()
	}

	breakers := circuitbreaker.NewRegistry(
		circuitbreaker.Config{
			FailureThreshold: cfg.BreakerFailureThreshold,
			Cooldown:         cfg.BreakerCooldown,
		},
		circuitbreaker.WithOnOpen(func(model string) {
			metrics.CircuitBreakerState.WithLabelValues(model).Set(1)
			slog.Warn("circuit breaker opened", "model", model)
			alertCtx, alertCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer alertCancel()
			if err := notifier.Send(alertCtx, notifications.Alert{
				Type:    notifications.AlertBreakerOpened,
				Message: "model circuit breaker opened",
				Data:    map[string]string{"model": model},
			}); err != nil {
				slog.Warn("breaker alert failed", "model", model, "error", err)
			}
		}),
	)

	var durable quota.Store
	if cfg.RedisURL != "" {
		redisStore, err := quota.NewRedisStore(cfg.RedisURL)
		if err != nil {
			slog.Warn("failed to connect to redis, quota falls back to in-memory", "error", err)
		} else {
			durable = redisStore
			defer redisStore.Close()
			slog.Info("using redis quota store")
		}
	} else {
		slog.Info("no REDIS_URL configured, quota is in-memory only")
	}

	var recorder usage.Recorder = usage.NoopRecorder{}
	switch {
	case cfg.DatabaseURL != "":
		pg, err := usage.NewPostgresRecorder(cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		recorder = pg
		slog.Info("recording usage events to postgres")
	case cfg.UsageQueueURL != "" && cfg.AWSRegion != "":
		sq, err := usage.NewSQSRecorder(ctx, cfg.AWSRegion, cfg.UsageQueueURL)
		if err != nil {
			slog.Error("failed to create SQS recorder", "error", err)
			os.Exit(1)
		}
		recorder = sq
		slog.Info("emitting usage events to SQS", "queue", cfg.UsageQueueURL)
	}

	client := upstream.New(apiKey, cfg.UpstreamBaseURL,
		upstream.RetryConfig{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
		upstream.WithObserver(func(attempt, maxAttempts int, wait time.Duration, reason string) {
			metrics.RetriesTotal.WithLabelValues(reason).Inc()
			slog.Warn("retrying upstream call",
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"wait_ms", wait.Milliseconds(),
				"reason", reason,
			)
		}),
	)

	handler := api.NewHandler(api.HandlerConfig{
		Upstream:         client,
		Breakers:         breakers,
		Selector:         router.New(cfg.FallbackChain, breakers),
		Burst:            ratelimit.NewBurstLimiter(cfg.BurstWindow, cfg.BurstMax),
		Quota:            quota.NewTracker(durable),
		FreeTier:         quota.NewFreeTier(cfg.DailyFreeLimit),
		Usage:            recorder,
		Notifier:         notifier,
		DefaultModel:     cfg.DefaultModel,
		AllowedModels:    cfg.AllowedModels,
		DailyFreeLimit:   cfg.DailyFreeLimit,
		EnrichMaxResults: cfg.EnrichMaxResults,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}

	slog.Info("server stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
