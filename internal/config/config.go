package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr     string
	LogLevel string
	PodName  string

	RedisURL         string
	DatabaseURL      string
	IntegrationsFile string
	EncryptionKey    string
	AWSRegion        string
	OTLPEndpoint     string

	ModelsCacheTTL time.Duration

	// EnforceRateLimit rejects chat calls whose windows are exhausted.
	EnforceRateLimit bool
	AdminEnabled     bool

	// AdminPasswordHash is a bcrypt hash seeded as the AdminUsername account.
	AdminUsername     string
	AdminPasswordHash string

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:              getEnv("ADDR", ":8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		PodName:           getEnv("POD_NAME", "local"),
		RedisURL:          getEnv("REDIS_URL", ""),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		IntegrationsFile:  getEnv("INTEGRATIONS_FILE", ""),
		EncryptionKey:     getEnv("ENCRYPTION_KEY", ""),
		AWSRegion:         getEnv("AWS_REGION", ""),
		OTLPEndpoint:      getEnv("OTLP_ENDPOINT", ""),
		ModelsCacheTTL:    getDurationEnv("MODELS_CACHE_TTL", 10*time.Minute),
		EnforceRateLimit:  getBoolEnv("ENFORCE_RATE_LIMIT", false),
		AdminEnabled:      getBoolEnv("ADMIN_ENABLED", false),
		AdminUsername:     getEnv("ADMIN_USERNAME", "admin"),
		AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
		ShutdownTimeout:   getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid LOG_LEVEL %q", cfg.LogLevel)
	}

	if cfg.DatabaseURL != "" && cfg.IntegrationsFile != "" {
		return nil, fmt.Errorf("DATABASE_URL and INTEGRATIONS_FILE are mutually exclusive")
	}

	if cfg.AdminEnabled && cfg.DatabaseURL == "" && cfg.AdminPasswordHash == "" {
		return nil, fmt.Errorf("ADMIN_PASSWORD_HASH is required when ADMIN_ENABLED is set without DATABASE_URL")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv accepts whole seconds ("30") or a Go duration ("1m30s").
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}
