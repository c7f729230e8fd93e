package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/telemetry")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "telemetry-pipeline", cfg.ServiceName)
	assert.Equal(t, 8086, cfg.IngestPort)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, 30*time.Second, cfg.QueueStatusCacheTTL)
	assert.Equal(t, 24*time.Hour, cfg.ExportSignedURLTTL)
	assert.Equal(t, "grpc", cfg.TelemetryProtocol)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("INGEST_PORT", "9090")
	t.Setenv("BATCH_SIZE", "50")
	t.Setenv("POLL_INTERVAL_MS", "250")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.IngestPort)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingDatabaseURL(t *testing.T) {
	os.Unsetenv("DATABASE_URL")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "bad port", mutate: func(c *Config) { c.IngestPort = 0 }},
		{name: "port too high", mutate: func(c *Config) { c.IngestPort = 70000 }},
		{name: "zero batch size", mutate: func(c *Config) { c.BatchSize = 0 }},
		{name: "zero poll interval", mutate: func(c *Config) { c.PollIntervalMS = 0 }},
		{name: "zero workers", mutate: func(c *Config) { c.WorkerConcurrency = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				IngestPort:        8086,
				DatabaseURL:       "postgres://localhost/telemetry",
				BatchSize:         100,
				PollIntervalMS:    500,
				WorkerConcurrency: 4,
			}
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
