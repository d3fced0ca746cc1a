// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds application configuration.
type Config struct {
	ListenAddress     string
	OrthancURL        string
	OrthancUser       string
	OrthancPassword   string
	OrthancAPIToken   string
	HttpClientTimeout time.Duration
	Debug             bool

	MaxRetries      int
	RetryBackoff    time.Duration
	JobPollInterval time.Duration

	// DatabaseURL selects the Postgres snapshot store; empty keeps records in memory.
	DatabaseURL string
	// ExportDir confines local archive destinations given to the API; empty
	// accepts gs:// destinations only.
	ExportDir string

	LogLevel  string // debug, info, warn, error
	LogFormat string // text or json
	LogFile   string // rotated with lumberjack when set

	RollbarToken       string
	RollbarEnvironment string

	OtelEnabled        bool
	OtelEndpoint       string // e.g., OTEL_EXPORTER_OTLP_ENDPOINT
	OtelServiceName    string // e.g., OTEL_SERVICE_NAME
	OtelServiceVersion string // e.g., OTEL_SERVICE_VERSION

	// Warnings lists the malformed values that were replaced by defaults.
	Warnings []string
}

const maxRetries = 10

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddress:   GetEnv("LISTEN_ADDRESS", ":8080"),
		OrthancURL:      GetEnv("ORTHANC_URL", "http://localhost:8042"),
		OrthancUser:     GetEnv("ORTHANC_USER", ""),
		OrthancPassword: GetEnv("ORTHANC_PASSWORD", ""),
		OrthancAPIToken: GetEnv("ORTHANC_API_TOKEN", ""),
		DatabaseURL:     GetEnv("DATABASE_URL", ""),
		ExportDir:       GetEnv("EXPORT_DIR", ""),
		LogLevel:        GetEnv("LOG_LEVEL", "info"),
		LogFormat:       GetEnv("LOG_FORMAT", "text"),
		LogFile:         GetEnv("LOG_FILE", ""),

		RollbarToken:       GetEnv("ROLLBAR_TOKEN", ""),
		RollbarEnvironment: GetEnv("ROLLBAR_ENVIRONMENT", "production"),

		OtelEndpoint:       GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "signoz-otel-collector.observability.svc.cluster.local:4317"), // Default SigNoz collector endpoint
		OtelServiceName:    GetEnv("OTEL_SERVICE_NAME", "orthanc-client"),
		OtelServiceVersion: GetEnv("OTEL_SERVICE_VERSION", "1.0.0"),
	}

	cfg.HttpClientTimeout = time.Duration(cfg.intEnv("HTTP_CLIENT_TIMEOUT_SECONDS", 15)) * time.Second
	cfg.MaxRetries = cfg.intEnv("ORTHANC_MAX_RETRIES", 3)
	if cfg.MaxRetries > maxRetries {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("ORTHANC_MAX_RETRIES=%d is too large, using %d", cfg.MaxRetries, maxRetries))
		cfg.MaxRetries = maxRetries
	}
	cfg.RetryBackoff = time.Duration(cfg.intEnv("ORTHANC_RETRY_BACKOFF_MS", 200)) * time.Millisecond
	cfg.JobPollInterval = time.Duration(cfg.intEnv("JOB_POLL_INTERVAL_MS", 1000)) * time.Millisecond
	cfg.Debug = cfg.boolEnv("DEBUG", false)
	cfg.OtelEnabled = cfg.boolEnv("OTEL_ENABLED", true)

	if cfg.Debug && cfg.LogLevel == "info" {
		cfg.LogLevel = "debug"
	}
	if cfg.OrthancURL == "" {
		return nil, fmt.Errorf("ORTHANC_URL cannot be empty")
	}
	return cfg, nil
}

// intEnv parses a non-negative integer, keeping fallback on error.
func (c *Config) intEnv(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		c.Warnings = append(c.Warnings, fmt.Sprintf("%s=%q is not a valid count, using %d", key, raw, fallback))
		return fallback
	}
	return v
}

func (c *Config) boolEnv(key string, fallback bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("%s=%q is not a boolean, using %t", key, raw, fallback))
		return fallback
	}
	return v
}

// GetEnv retrieves an environment variable or returns a default value.
func GetEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
