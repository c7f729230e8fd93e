// Package metrics defines the Prometheus collectors for the telemetry
// pipeline, served by promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestEventsTotal counts events accepted by POST /events.
	IngestEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_ingest_events_total",
		Help: "Number of events durably enqueued by the ingest endpoint.",
	})

	// IngestBatchesTotal counts ingest batches by outcome.
	IngestBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_ingest_batches_total",
		Help: "Number of ingest batches by outcome.",
	}, []string{"status"})

	// QueueDepth tracks unprocessed queue rows.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_queue_depth",
		Help: "Number of queue rows awaiting projection.",
	})

	// EventsProcessedTotal counts events projected and marked processed.
	EventsProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_events_processed_total",
		Help: "Number of events successfully projected.",
	})

	// ProjectionFailuresTotal counts per-event projection failures.
	ProjectionFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_projection_failures_total",
		Help: "Number of events whose projection rolled back to a savepoint.",
	})

	// ClaimBatchSeconds observes claim transaction latency.
	ClaimBatchSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "telemetry_claim_batch_seconds",
		Help:    "Latency of queue claim transactions.",
		Buckets: prometheus.DefBuckets,
	})

	// ExportJobsTotal counts export jobs by terminal status.
	ExportJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_export_jobs_total",
		Help: "Number of export jobs by terminal status.",
	}, []string{"status"})
)
