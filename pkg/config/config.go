// Package config loads daemon configuration from environment variables and
// treasury profiles from yaml files.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds daemon configuration.
type Config struct {
	Port             string
	LogLevel         string
	DatabaseDriver   string // "sqlite" | "postgres" | "" (memory only)
	DatabaseURL      string
	RedisAddr        string // empty disables the shared rate limiter
	OTLPEndpoint     string // empty disables telemetry export
	JWTSecret        string
	CheckpointSecret string // empty disables ledger checkpoint signing
	ProfilePath      string
	SweepInterval    time.Duration
}

// Load reads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	driver := os.Getenv("DATABASE_DRIVER")
	dbURL := os.Getenv("DATABASE_URL")
	if driver == "" && dbURL != "" {
		driver = "postgres"
	}
	if driver == "sqlite" && dbURL == "" {
		dbURL = "treasury.db"
	}

	sweep := time.Minute
	if v := os.Getenv("SWEEP_INTERVAL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			sweep = time.Duration(secs) * time.Second
		}
	}

	return &Config{
		Port:             port,
		LogLevel:         logLevel,
		DatabaseDriver:   driver,
		DatabaseURL:      dbURL,
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		OTLPEndpoint:     os.Getenv("OTLP_ENDPOINT"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		CheckpointSecret: os.Getenv("LEDGER_CHECKPOINT_SECRET"),
		ProfilePath:      os.Getenv("TREASURY_PROFILE"),
		SweepInterval:    sweep,
	}
}
