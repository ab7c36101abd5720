package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Port        string
	DatabaseURL string
	RedisAddr   string

	LogLevel string
	LogFile  string

	// OpTimeout bounds every cache and database call issued from the
	// request path.
	OpTimeout time.Duration

	// SyncInterval is how often the metrics sync worker drains the
	// current day's hot counters into Postgres.
	SyncInterval time.Duration

	// RollupSchedule is a cron expression for the daily close-out,
	// normally a few minutes after UTC midnight.
	RollupSchedule string

	// RollupLegacyKeys enables draining of the pre-migration
	// key-per-record usage format alongside the hash accumulators.
	RollupLegacyKeys bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		DatabaseURL:      getEnv("DATABASE_URL", "postgres://localhost:5432/upload_gateway?sslmode=disable"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFile:          getEnv("LOG_FILE", ""),
		OpTimeout:        getEnvDuration("OP_TIMEOUT", 2*time.Second),
		SyncInterval:     getEnvDuration("SYNC_INTERVAL", 15*time.Second),
		RollupSchedule:   getEnv("ROLLUP_SCHEDULE", "5 0 * * *"),
		RollupLegacyKeys: getEnvBool("ROLLUP_LEGACY_KEYS", true),
	}

	return cfg, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}
