package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "LOG_LEVEL", "BLOB_BACKEND", "MAX_ROWS", "DEFAULT_TAX_RATE", "RESULT_TTL", "JOB_RETRY_BACKOFF", "STORE_BACKEND"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 1000, cfg.MaxRows)
	assert.Equal(t, 50, cfg.DefaultChunkSize)
	assert.Equal(t, 100, cfg.ExternalizeThreshold)
	assert.True(t, cfg.DefaultTaxRate.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, 5*time.Minute, cfg.ProfileCacheTTL)
	assert.Equal(t, time.Hour, cfg.ResultTTL)
	assert.Equal(t, 10*time.Minute, cfg.JobTimeout)
	assert.Equal(t, 3, cfg.JobMaxAttempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 10 * time.Second, 30 * time.Second}, cfg.RetryBackoff)
	assert.Equal(t, StoreMemory, cfg.StoreBackend)
	assert.Equal(t, "@every 5m", cfg.SweepSchedule)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_ROWS", "250")
	t.Setenv("DEFAULT_TAX_RATE", "0.133")
	t.Setenv("RESULT_TTL", "90s")
	t.Setenv("JOB_RETRY_BACKOFF", "1s, 3s")
	t.Setenv("MINIO_SECURE", "yes")
	t.Setenv("WORKER_COUNT", "not-a-number")

	cfg := Load()

	assert.Equal(t, 250, cfg.MaxRows)
	assert.Equal(t, "0.133", cfg.DefaultTaxRate.String())
	assert.Equal(t, 90*time.Second, cfg.ResultTTL)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, cfg.RetryBackoff)
	assert.True(t, cfg.MinioSecure)
	assert.Equal(t, 4, cfg.WorkerCount)
}

func TestValidate(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("BLOB_BACKEND", "")
	t.Setenv("LOG_LEVEL", "")

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store backend", func(c *Config) { c.StoreBackend = "etcd" }},
		{"zero max rows", func(c *Config) { c.MaxRows = 0 }},
		{"chunk above max", func(c *Config) { c.DefaultChunkSize = c.MaxChunkSize + 1 }},
		{"redis without addr", func(c *Config) { c.StoreBackend = StoreRedis; c.RedisAddr = "" }},
		{"minio without endpoint", func(c *Config) { c.BlobBackend = BlobMinio; c.MinioEndpoint = "" }},
		{"tax rate above one", func(c *Config) { c.DefaultTaxRate = decimal.NewFromInt(2) }},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Load()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
