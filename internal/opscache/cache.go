// Package opscache provides Redis-backed caching of queue status for the
// operator surface.
//
// Purpose:
//
//	The batch driver refreshes a small queue-status record after every pass;
//	GET /pipeline/status answers from this cache so operator polling never
//	lands count queries on the hot tables. Lookups fall back to the database
//	on a miss.
package opscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const statusKey = "telemetry:queue:status"

// Cache provides Redis-backed queue status caching.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// Config holds cache configuration.
type Config struct {
	Client *redis.Client
	Logger *zap.Logger
	TTL    time.Duration
}

// NewCache creates a new queue status cache.
func NewCache(cfg Config) *Cache {
	return &Cache{
		client: cfg.Client,
		logger: cfg.Logger,
		ttl:    cfg.TTL,
	}
}

// Status is the operator-facing queue snapshot.
type Status struct {
	QueueDepth int64     `json:"queue_depth"`
	LagSeconds int64     `json:"lag_seconds"`
	Status     string    `json:"status"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewStatus builds a snapshot from the current depth and oldest-row age.
func NewStatus(depth int64, lag time.Duration) *Status {
	lagSeconds := int64(lag.Seconds())
	if lagSeconds < 0 {
		lagSeconds = 0
	}
	return &Status{
		QueueDepth: depth,
		LagSeconds: lagSeconds,
		Status:     statusFor(lagSeconds),
		UpdatedAt:  time.Now().UTC(),
	}
}

func statusFor(lagSeconds int64) string {
	switch {
	case lagSeconds < 60:
		return "fresh"
	case lagSeconds < 300:
		return "stale"
	default:
		return "delayed"
	}
}

// Get retrieves the cached status, or nil on a miss.
func (c *Cache) Get(ctx context.Context) (*Status, error) {
	data, err := c.client.Get(ctx, statusKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var status Status
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		return nil, fmt.Errorf("unmarshal queue status: %w", err)
	}
	return &status, nil
}

// Set stores the status with the configured TTL.
func (c *Cache) Set(ctx context.Context, status *Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal queue status: %w", err)
	}
	if err := c.client.Set(ctx, statusKey, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
