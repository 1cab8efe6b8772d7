// Package config loads server configuration from environment variables,
// with decision-policy tuning in an optional YAML file.
package config

import (
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// Storage. Driver is "sqlite" or "postgres"; the URL is a file path
	// for sqlite and a DSN for postgres.
	DatabaseDriver string
	DatabaseURL    string

	// Rule store.
	RulesPath  string
	WatchRules bool

	// Decision-policy tuning file (thresholds, budgets, timeouts).
	TuningPath string

	// API hardening.
	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int
	RedisURL       string // enables the distributed rate limiter when set

	// Chain archival.
	S3Bucket   string
	S3Endpoint string
	S3Prefix   string

	// Telemetry.
	OTLPEndpoint     string
	TelemetryEnabled bool
	Environment      string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:             envOr("PORT", "8080"),
		LogLevel:         envOr("LOG_LEVEL", "INFO"),
		DatabaseDriver:   envOr("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:      envOr("DATABASE_URL", "arbiter.db"),
		RulesPath:        envOr("RULES_PATH", "rules.yaml"),
		WatchRules:       os.Getenv("RULES_WATCH") == "true",
		TuningPath:       os.Getenv("TUNING_PATH"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		RateLimitRPS:     envFloat("RATE_LIMIT_RPS", 50),
		RateLimitBurst:   envInt("RATE_LIMIT_BURST", 100),
		RedisURL:         os.Getenv("REDIS_URL"),
		S3Bucket:         os.Getenv("ARCHIVE_S3_BUCKET"),
		S3Endpoint:       os.Getenv("ARCHIVE_S3_ENDPOINT"),
		S3Prefix:         envOr("ARCHIVE_S3_PREFIX", "arbiter/"),
		OTLPEndpoint:     envOr("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",
		Environment:      envOr("ENVIRONMENT", "development"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
