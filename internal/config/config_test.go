package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"HTTP_CLIENT_TIMEOUT_SECONDS", "ORTHANC_MAX_RETRIES",
		"ORTHANC_RETRY_BACKOFF_MS", "JOB_POLL_INTERVAL_MS", "DEBUG", "OTEL_ENABLED", "DATABASE_URL", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}
	t.Setenv("ORTHANC_URL", "http://orthanc:8042")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.HttpClientTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.RetryBackoff)
	assert.Equal(t, time.Second, cfg.JobPollInterval)
	assert.False(t, cfg.Debug)
	assert.True(t, cfg.OtelEnabled)
	assert.Empty(t, cfg.Warnings)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ORTHANC_URL", "https://pacs.example.org")
	t.Setenv("ORTHANC_USER", "orthanc")
	t.Setenv("ORTHANC_MAX_RETRIES", "5")
	t.Setenv("ORTHANC_RETRY_BACKOFF_MS", "50")
	t.Setenv("JOB_POLL_INTERVAL_MS", "250")
	t.Setenv("DEBUG", "true")
	t.Setenv("LOG_LEVEL", "info")
	t.Setenv("OTEL_ENABLED", "false")
	t.Setenv("EXPORT_DIR", "/var/lib/exports")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://pacs.example.org", cfg.OrthancURL)
	assert.Equal(t, "orthanc", cfg.OrthancUser)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.RetryBackoff)
	assert.Equal(t, 250*time.Millisecond, cfg.JobPollInterval)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.OtelEnabled)
	assert.Equal(t, "/var/lib/exports", cfg.ExportDir)
}

func TestLoad_ClampsMaxRetries(t *testing.T) {
	t.Setenv("ORTHANC_URL", "http://orthanc:8042")
	t.Setenv("ORTHANC_MAX_RETRIES", "100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxRetries)
	assert.Contains(t, cfg.Warnings, "ORTHANC_MAX_RETRIES=100 is too large, using 10")
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("ORTHANC_URL", "http://orthanc:8042")
	t.Setenv("HTTP_CLIENT_TIMEOUT_SECONDS", "soon")
	t.Setenv("ORTHANC_MAX_RETRIES", "-1")
	t.Setenv("DEBUG", "maybe")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.HttpClientTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.False(t, cfg.Debug)
	assert.Len(t, cfg.Warnings, 3)
}

func TestLoad_EmptyOrthancURL(t *testing.T) {
	t.Setenv("ORTHANC_URL", "")
	_, err := Load()
	require.Error(t, err)
}

func TestGetEnv(t *testing.T) {
	t.Setenv("CONFIG_TEST_KEY", "value")
	assert.Equal(t, "value", GetEnv("CONFIG_TEST_KEY", "fallback"))
	assert.Equal(t, "fallback", GetEnv("CONFIG_TEST_MISSING_KEY", "fallback"))
}
