// Package config loads process configuration from the environment,
// with defaults matching the original's config/settings.py and
// config/celery.py option set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the gateway's binaries need at startup.
type Config struct {
	RedisAddr     string
	RedisPassword string
	PostgresURL   string

	HTTPAddr string
	GRPCAddr string

	Environment string // "development" or "production"; gates console vs JSON logging
	LogLevel    string

	BaseSMSCost          string // decimal string, e.g. "0.05"
	ExpressCostMultiplier float64
	DefaultRateLimitPerMin int

	BreakerFailureThreshold int64
	BreakerRecoverySeconds  int

	MaxRetries int

	IngestBatchSize     int
	IngestInterval      time.Duration
	StatusBatchSize     int
	StatusFlushInterval time.Duration
	SettlementInterval  time.Duration
	ScheduledGateInterval time.Duration
	PartitionCheckInterval time.Duration
}

// Load reads configuration from the environment, applying the
// original's settings defaults when a variable is unset.
func Load() (Config, error) {
	cfg := Config{
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		PostgresURL:   getEnv("POSTGRES_URL", ""),

		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr: getEnv("GRPC_ADDR", ":9090"),

		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		BaseSMSCost:            getEnv("BASE_SMS_COST", "0.05"),
		DefaultRateLimitPerMin: 100,

		BreakerFailureThreshold: 10,
		BreakerRecoverySeconds:  60,

		MaxRetries: 3,

		IngestBatchSize:        5000,
		IngestInterval:         2 * time.Second,
		StatusBatchSize:        1000,
		StatusFlushInterval:    5 * time.Second,
		SettlementInterval:     60 * time.Second,
		ScheduledGateInterval:  30 * time.Second,
		PartitionCheckInterval: 24 * time.Hour,
	}

	var err error
	cfg.ExpressCostMultiplier, err = getEnvFloat("EXPRESS_COST_MULTIPLIER", 2.0)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultRateLimitPerMin, err = getEnvInt("DEFAULT_RATE_LIMIT_PER_MIN", cfg.DefaultRateLimitPerMin)
	if err != nil {
		return Config{}, err
	}
	cfg.BreakerFailureThreshold, err = getEnvInt64("BREAKER_FAILURE_THRESHOLD", cfg.BreakerFailureThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.BreakerRecoverySeconds, err = getEnvInt("BREAKER_RECOVERY_SECONDS", cfg.BreakerRecoverySeconds)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxRetries, err = getEnvInt("MAX_RETRIES", cfg.MaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.IngestBatchSize, err = getEnvInt("INGEST_BATCH_SIZE", cfg.IngestBatchSize)
	if err != nil {
		return Config{}, err
	}
	cfg.StatusBatchSize, err = getEnvInt("STATUS_BATCH_SIZE", cfg.StatusBatchSize)
	if err != nil {
		return Config{}, err
	}

	if cfg.PostgresURL == "" {
		return Config{}, fmt.Errorf("config: POSTGRES_URL is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a float: %w", key, err)
	}
	return f, nil
}
