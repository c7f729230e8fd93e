package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/eremenai/cloud-agent-dashboard/internal/events"
	"github.com/eremenai/cloud-agent-dashboard/internal/metrics"
)

// Enqueuer durably persists a validated batch into the raw and queue tables.
type Enqueuer interface {
	EnqueueBatch(ctx context.Context, batch []events.Event) error
}

// IngestHandler handles POST /events.
type IngestHandler struct {
	enqueuer Enqueuer
	logger   *zap.Logger
}

// NewIngestHandler creates a new ingest handler.
func NewIngestHandler(enqueuer Enqueuer, logger *zap.Logger) *IngestHandler {
	return &IngestHandler{enqueuer: enqueuer, logger: logger}
}

// IngestRequest is the POST /events request body.
type IngestRequest struct {
	Events []events.Event `json:"events"`
}

// IngestResponse is the POST /events response body.
type IngestResponse struct {
	Accepted int                 `json:"accepted"`
	EventIDs []string            `json:"event_ids"`
	Errors   []events.FieldError `json:"errors,omitempty"`
}

// PostEvents accepts a batch of telemetry events. The batch is all-or-nothing:
// any malformed event, or more than the ingest limit, rejects the whole batch
// with 400 and nothing is persisted. Duplicate (org_id, event_id) pairs are
// silent no-ops, so retrying the same batch is safe.
func (h *IngestHandler) PostEvents(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.IngestBatchesTotal.WithLabelValues("rejected").Inc()
		h.respondJSON(w, http.StatusBadRequest, IngestResponse{
			Errors: []events.FieldError{{Message: "malformed request body: " + err.Error()}},
		})
		return
	}

	if err := events.ValidateBatch(req.Events); err != nil {
		metrics.IngestBatchesTotal.WithLabelValues("rejected").Inc()
		var verrs *events.ValidationErrors
		if errors.As(err, &verrs) {
			h.respondJSON(w, http.StatusBadRequest, IngestResponse{Errors: verrs.Errors})
			return
		}
		h.respondJSON(w, http.StatusBadRequest, IngestResponse{
			Errors: []events.FieldError{{Message: err.Error()}},
		})
		return
	}

	if err := h.enqueuer.EnqueueBatch(r.Context(), req.Events); err != nil {
		metrics.IngestBatchesTotal.WithLabelValues("failed").Inc()
		h.logger.Error("enqueue batch failed",
			zap.Int("batch_size", len(req.Events)),
			zap.Error(err),
		)
		h.respondJSON(w, http.StatusInternalServerError, IngestResponse{
			Errors: []events.FieldError{{Message: "storage failure"}},
		})
		return
	}

	eventIDs := make([]string, len(req.Events))
	for i := range req.Events {
		eventIDs[i] = req.Events[i].EventID
	}

	metrics.IngestBatchesTotal.WithLabelValues("accepted").Inc()
	metrics.IngestEventsTotal.Add(float64(len(req.Events)))

	h.respondJSON(w, http.StatusOK, IngestResponse{
		Accepted: len(req.Events),
		EventIDs: eventIDs,
	})
}

func (h *IngestHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}
