package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/eremenai/cloud-agent-dashboard/internal/opscache"
)

// QueueInspector answers queue-depth questions directly from the database;
// used when the status cache misses.
type QueueInspector interface {
	CountUnprocessed(ctx context.Context) (int64, error)
	OldestUnprocessed(ctx context.Context) (time.Time, bool, error)
}

// StatusHandler handles GET /pipeline/status.
type StatusHandler struct {
	inspector QueueInspector
	cache     *opscache.Cache
	logger    *zap.Logger
}

// NewStatusHandler creates a new status handler. cache may be nil.
func NewStatusHandler(inspector QueueInspector, cache *opscache.Cache, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{inspector: inspector, cache: cache, logger: logger}
}

// GetPipelineStatus reports queue depth and processing lag for operators.
// Served from the Redis cache maintained by the driver, falling back to live
// counts when the cache misses.
func (h *StatusHandler) GetPipelineStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.cache != nil {
		if cached, err := h.cache.Get(ctx); err == nil && cached != nil {
			h.respondJSON(w, http.StatusOK, cached)
			return
		} else if err != nil {
			h.logger.Debug("queue status cache read failed", zap.Error(err))
		}
	}

	depth, err := h.inspector.CountUnprocessed(ctx)
	if err != nil {
		h.logger.Error("count unprocessed failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to read queue status")
		return
	}

	var lag time.Duration
	if oldest, ok, err := h.inspector.OldestUnprocessed(ctx); err == nil && ok {
		lag = time.Since(oldest)
	}

	status := opscache.NewStatus(depth, lag)
	if h.cache != nil {
		if err := h.cache.Set(ctx, status); err != nil {
			h.logger.Debug("queue status cache write failed", zap.Error(err))
		}
	}
	h.respondJSON(w, http.StatusOK, status)
}

func (h *StatusHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *StatusHandler) respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"title":  http.StatusText(status),
		"detail": message,
	})
}
