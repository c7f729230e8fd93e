package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the telemetry pipeline.
type Config struct {
	// Service identity
	ServiceName string `envconfig:"SERVICE_NAME" default:"telemetry-pipeline"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	// HTTP server
	IngestPort int `envconfig:"INGEST_PORT" default:"8086"`

	// Database
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// Redis (queue status cache)
	RedisURL            string        `envconfig:"REDIS_URL" default:"redis://localhost:6379"`
	QueueStatusCacheTTL time.Duration `envconfig:"QUEUE_STATUS_CACHE_TTL" default:"30s"`

	// Worker
	BatchSize         int `envconfig:"BATCH_SIZE" default:"100"`
	PollIntervalMS    int `envconfig:"POLL_INTERVAL_MS" default:"500"`
	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"4"`

	// S3-compatible object storage (daily stats exports)
	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey string `envconfig:"S3_SECRET_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"telemetry-exports"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`

	// Export worker
	ExportWorkerInterval time.Duration `envconfig:"EXPORT_WORKER_INTERVAL" default:"30s"`
	ExportSignedURLTTL   time.Duration `envconfig:"EXPORT_SIGNED_URL_TTL" default:"24h"`

	// Observability
	TelemetryEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TelemetryProtocol string `envconfig:"OTEL_EXPORTER_OTLP_PROTOCOL" default:"grpc"`
	TelemetryInsecure bool   `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"true"`
	LogLevel          string `envconfig:"LOG_LEVEL" default:"info"`
}

// PollInterval returns the idle sleep between empty claims.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad loads configuration and panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.IngestPort <= 0 || c.IngestPort > 65535 {
		return fmt.Errorf("INGEST_PORT must be between 1 and 65535, got %d", c.IngestPort)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.PollIntervalMS <= 0 {
		return fmt.Errorf("POLL_INTERVAL_MS must be positive, got %d", c.PollIntervalMS)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	}
	return nil
}
