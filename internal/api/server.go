// Package api provides HTTP server setup and routing for the telemetry
// pipeline: the ingest endpoint, health probes, the operator status surface,
// and export job management.
//
// Dependencies:
//   - github.com/go-chi/chi/v5: HTTP router
//   - github.com/prometheus/client_golang: Prometheus metrics
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/eremenai/cloud-agent-dashboard/internal/storage/postgres"
)

// Server wraps the HTTP router for the ingest service.
type Server struct {
	router      *chi.Mux
	logger      *zap.Logger
	serviceName string
	store       *postgres.Store
	redisClient *redis.Client
}

// Config holds server configuration.
type Config struct {
	ServiceName string
	Logger      *zap.Logger
	// Dependencies for readiness checks
	Store       *postgres.Store
	RedisClient *redis.Client
}

// NewServer creates a new HTTP server with configured middleware and routes.
func NewServer(cfg Config) *Server {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	s := &Server{
		router:      r,
		logger:      cfg.Logger,
		serviceName: cfg.ServiceName,
		store:       cfg.Store,
		redisClient: cfg.RedisClient,
	}

	r.Get("/health", s.healthHandler)
	r.Get("/health/ready", s.readyHandler)
	r.Handle("/metrics", promhttp.Handler())

	return s
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// RegisterIngestRoutes registers the event ingest endpoint.
func (s *Server) RegisterIngestRoutes(handler *IngestHandler) {
	s.router.Post("/events", handler.PostEvents)
}

// RegisterStatusRoutes registers the operator queue status endpoint.
func (s *Server) RegisterStatusRoutes(handler *StatusHandler) {
	s.router.Get("/pipeline/status", handler.GetPipelineStatus)
}

// RegisterExportsRoutes registers export job management routes.
func (s *Server) RegisterExportsRoutes(handler *ExportsHandler) {
	s.router.Route("/orgs/{orgID}/exports", func(r chi.Router) {
		r.Post("/", handler.CreateExportJob)
		r.Get("/", handler.ListExportJobs)
		r.Get("/{jobID}", handler.GetExportJob)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// healthHandler reports liveness.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"service": s.serviceName,
	})
}

// readyHandler checks readiness of dependencies.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	components := make(map[string]string)
	allHealthy := true

	if s.store != nil && s.store.Pool() != nil {
		pgCtx, pgCancel := context.WithTimeout(ctx, 1*time.Second)
		if err := s.store.Pool().Ping(pgCtx); err != nil {
			components["postgres"] = "unhealthy"
			allHealthy = false
			s.logger.Debug("postgres health check failed", zap.Error(err))
		} else {
			components["postgres"] = "healthy"
		}
		pgCancel()
	} else {
		components["postgres"] = "unhealthy"
		allHealthy = false
	}

	if s.redisClient != nil {
		redisCtx, redisCancel := context.WithTimeout(ctx, 1*time.Second)
		if err := s.redisClient.Ping(redisCtx).Err(); err != nil {
			components["redis"] = "unhealthy"
			allHealthy = false
			s.logger.Debug("redis health check failed", zap.Error(err))
		} else {
			components["redis"] = "healthy"
		}
		redisCancel()
	} else {
		// The status cache is optional; the pipeline runs without it.
		components["redis"] = "not_configured"
	}

	response := map[string]interface{}{
		"status":     "ready",
		"components": components,
		"timestamp":  time.Now().Format(time.RFC3339),
	}
	if !allHealthy {
		response["status"] = "degraded"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}
