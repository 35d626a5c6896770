package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is read once at process start; nothing is hot-reloaded.
type Config struct {
	Addr     string
	LogLevel string

	// Upstream provider
	UpstreamAPIKey       string
	UpstreamAPIKeySecret string // Secrets Manager name, used when the key env is empty
	UpstreamBaseURL      string

	// Durable stores (optional: absence activates in-memory fallbacks)
	RedisURL      string
	DatabaseURL   string
	UsageQueueURL string

	// AWS
	AWSRegion     string
	AlertTopicARN string

	// Tracing
	OTLPEndpoint string

	// Models
	DefaultModel  string
	FallbackChain []string
	AllowedModels []string

	// Thresholds
	DailyFreeLimit          int
	BurstWindow             time.Duration
	BurstMax                int
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration
	RetryMaxAttempts        int
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	EnrichMaxResults        int

	ShutdownTimeout time.Duration
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:                 getEnv("ADDR", ":8080"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		UpstreamAPIKey:       getEnv("UPSTREAM_API_KEY", ""),
		UpstreamAPIKeySecret: getEnv("UPSTREAM_API_KEY_SECRET", ""),
		UpstreamBaseURL:      getEnv("UPSTREAM_BASE_URL", "https://openrouter.ai/api/v1"),
		RedisURL:             getEnv("REDIS_URL", ""),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		UsageQueueURL:        getEnv("USAGE_QUEUE_URL", ""),
		AWSRegion:            getEnv("AWS_REGION", ""),
		AlertTopicARN:        getEnv("ALERT_TOPIC_ARN", ""),
		OTLPEndpoint:         getEnv("OTLP_ENDPOINT", ""),

		DefaultModel:  getEnv("DEFAULT_MODEL", "meta-llama/llama-3.3-70b-instruct:free"),
		FallbackChain: getListEnv("MODEL_FALLBACKS", []string{"google/gemini-2.0-flash-exp:free", "mistralai/mistral-small-3.1:free"}),
		AllowedModels: getListEnv("ALLOWED_MODELS", nil),

		DailyFreeLimit:          getIntEnv("DAILY_FREE_LIMIT", 5),
		BurstWindow:             getDurationEnv("BURST_WINDOW", time.Minute),
		BurstMax:                getIntEnv("BURST_MAX", 10),
		BreakerFailureThreshold: getIntEnv("BREAKER_FAILURE_THRESHOLD", 3),
		BreakerCooldown:         getDurationEnv("BREAKER_COOLDOWN", 45*time.Second),
		RetryMaxAttempts:        getIntEnv("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:          getDurationEnv("RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:           getDurationEnv("RETRY_MAX_DELAY", 8*time.Second),
		EnrichMaxResults:        getIntEnv("ENRICH_MAX_RESULTS", 3),

		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if len(cfg.AllowedModels) == 0 {
		// The shared tier covers the default model and its fallbacks unless
		// narrowed explicitly.
		cfg.AllowedModels = append([]string{cfg.DefaultModel}, cfg.FallbackChain...)
	}

	if cfg.UpstreamAPIKey == "" && cfg.UpstreamAPIKeySecret == "" {
		return nil, errors.New("UPSTREAM_API_KEY or UPSTREAM_API_KEY_SECRET must be set")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
