package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/eremenai/cloud-agent-dashboard/internal/exports"
)

// ExportsHandler handles export job management requests.
type ExportsHandler struct {
	repo   *exports.JobRepository
	logger *zap.Logger
}

// NewExportsHandler creates a new exports handler.
func NewExportsHandler(repo *exports.JobRepository, logger *zap.Logger) *ExportsHandler {
	return &ExportsHandler{repo: repo, logger: logger}
}

// CreateExportRequest is the POST /orgs/{orgID}/exports request body.
type CreateExportRequest struct {
	Scope    string `json:"scope"`
	DayStart string `json:"day_start"`
	DayEnd   string `json:"day_end"`
}

// ExportJobResponse is the wire shape of an export job.
type ExportJobResponse struct {
	JobID        string  `json:"job_id"`
	OrgID        string  `json:"org_id"`
	Scope        string  `json:"scope"`
	DayStart     string  `json:"day_start"`
	DayEnd       string  `json:"day_end"`
	Status       string  `json:"status"`
	OutputURI    *string `json:"output_uri,omitempty"`
	Checksum     *string `json:"checksum,omitempty"`
	RowCount     *int64  `json:"row_count,omitempty"`
	RequestedAt  string  `json:"requested_at"`
	CompletedAt  *string `json:"completed_at,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

const dayLayout = "2006-01-02"

// CreateExportJob handles POST /orgs/{orgID}/exports.
func (h *ExportsHandler) CreateExportJob(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	var req CreateExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if req.Scope == "" {
		req.Scope = exports.ScopeOrg
	}
	if req.Scope != exports.ScopeOrg && req.Scope != exports.ScopeUser {
		h.respondError(w, http.StatusBadRequest, "scope must be 'org' or 'user'")
		return
	}

	dayStart, err := time.Parse(dayLayout, req.DayStart)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid day_start, expected YYYY-MM-DD")
		return
	}
	dayEnd, err := time.Parse(dayLayout, req.DayEnd)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid day_end, expected YYYY-MM-DD")
		return
	}
	if dayEnd.Before(dayStart) {
		h.respondError(w, http.StatusBadRequest, "day_end must not precede day_start")
		return
	}

	jobID, err := h.repo.CreateJob(r.Context(), exports.CreateJobRequest{
		OrgID:    orgID,
		Scope:    req.Scope,
		DayStart: dayStart,
		DayEnd:   dayEnd,
	})
	if err != nil {
		h.logger.Error("failed to create export job", zap.String("org_id", orgID), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to create export job")
		return
	}

	h.respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID.String(),
		"status": "pending",
	})
}

// ListExportJobs handles GET /orgs/{orgID}/exports.
func (h *ExportsHandler) ListExportJobs(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	jobs, err := h.repo.ListJobs(r.Context(), orgID)
	if err != nil {
		h.logger.Error("failed to list export jobs", zap.String("org_id", orgID), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to list export jobs")
		return
	}

	resp := make([]ExportJobResponse, len(jobs))
	for i := range jobs {
		resp[i] = convertJob(&jobs[i])
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"jobs": resp})
}

// GetExportJob handles GET /orgs/{orgID}/exports/{jobID}.
func (h *ExportsHandler) GetExportJob(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid job_id")
		return
	}

	job, err := h.repo.GetJob(r.Context(), orgID, jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			h.respondError(w, http.StatusNotFound, "export job not found")
			return
		}
		h.logger.Error("failed to get export job", zap.String("job_id", jobID.String()), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to get export job")
		return
	}

	h.respondJSON(w, http.StatusOK, convertJob(job))
}

func convertJob(job *exports.Job) ExportJobResponse {
	resp := ExportJobResponse{
		JobID:        job.JobID.String(),
		OrgID:        job.OrgID,
		Scope:        job.Scope,
		DayStart:     job.DayStart.Format(dayLayout),
		DayEnd:       job.DayEnd.Format(dayLayout),
		Status:       job.Status,
		OutputURI:    job.OutputURI,
		Checksum:     job.Checksum,
		RowCount:     job.RowCount,
		RequestedAt:  job.RequestedAt.Format(time.RFC3339),
		ErrorMessage: job.ErrorMessage,
	}
	if job.CompletedAt != nil {
		s := job.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &s
	}
	return resp
}

func (h *ExportsHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *ExportsHandler) respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"title":  http.StatusText(status),
		"detail": message,
	})
}
