package exports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/eremenai/cloud-agent-dashboard/internal/metrics"
)

// JobRunner polls for pending export jobs, renders CSVs from the daily stats
// tables, and delivers them through S3Delivery.
type JobRunner struct {
	repo     *JobRepository
	pool     *pgxpool.Pool
	delivery *S3Delivery
	logger   *zap.Logger
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// RunnerConfig holds job runner configuration.
type RunnerConfig struct {
	Pool     *pgxpool.Pool
	Delivery *S3Delivery
	Logger   *zap.Logger
	Interval time.Duration
}

// NewJobRunner creates a new export job runner.
func NewJobRunner(cfg RunnerConfig) *JobRunner {
	return &JobRunner{
		repo:     NewJobRepository(cfg.Pool),
		pool:     cfg.Pool,
		delivery: cfg.Delivery,
		logger:   cfg.Logger,
		interval: cfg.Interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the export job processing loop.
func (r *JobRunner) Start(ctx context.Context) error {
	r.logger.Info("starting export job runner", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	defer close(r.doneCh)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("export job runner stopping due to context cancellation")
			return nil
		case <-r.stopCh:
			r.logger.Info("export job runner stopping")
			return nil
		case <-ticker.C:
			jobs, err := r.repo.ClaimPendingJobs(ctx, 1)
			if err != nil {
				r.logger.Error("failed to claim pending jobs", zap.Error(err))
				continue
			}
			for _, job := range jobs {
				if err := r.ProcessJob(ctx, job); err != nil {
					r.logger.Error("failed to process export job",
						zap.String("job_id", job.JobID.String()),
						zap.Error(err),
					)
					metrics.ExportJobsTotal.WithLabelValues("failed").Inc()
					if err := r.repo.SetJobError(ctx, job.JobID, err.Error()); err != nil {
						r.logger.Error("failed to mark job as failed",
							zap.String("job_id", job.JobID.String()),
							zap.Error(err),
						)
					}
				} else {
					metrics.ExportJobsTotal.WithLabelValues("succeeded").Inc()
				}
			}
		}
	}
}

// Stop gracefully stops the runner.
func (r *JobRunner) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	<-r.doneCh
}

// ProcessJob renders and delivers a single claimed export job.
func (r *JobRunner) ProcessJob(ctx context.Context, job Job) error {
	r.logger.Info("processing export job",
		zap.String("job_id", job.JobID.String()),
		zap.String("org_id", job.OrgID),
		zap.String("scope", job.Scope),
		zap.Time("day_start", job.DayStart),
		zap.Time("day_end", job.DayEnd),
	)

	csvData, rowCount, err := r.generateCSV(ctx, job)
	if err != nil {
		return fmt.Errorf("generate CSV: %w", err)
	}

	signedURL, checksum, err := r.delivery.UploadCSV(ctx, job.OrgID, job.JobID, csvData)
	if err != nil {
		return fmt.Errorf("upload CSV: %w", err)
	}

	if err := r.repo.SetJobOutput(ctx, job.JobID, signedURL, checksum, rowCount); err != nil {
		return fmt.Errorf("set export job output: %w", err)
	}

	r.logger.Info("export job completed",
		zap.String("job_id", job.JobID.String()),
		zap.String("org_id", job.OrgID),
		zap.Int64("row_count", rowCount),
		zap.String("checksum", checksum),
	)
	return nil
}

var orgCSVHeader = []string{
	"day", "sessions_count", "sessions_with_handoff", "sessions_with_post_handoff",
	"runs_count", "success_runs", "failed_runs",
	"errors_tool", "errors_model", "errors_timeout", "errors_other",
	"total_duration_ms", "total_cost", "total_input_tokens", "total_output_tokens",
	"active_users_count",
}

var userCSVHeader = []string{
	"day", "user_id", "sessions_count", "sessions_with_handoff", "sessions_with_post_handoff",
	"runs_count", "success_runs", "failed_runs",
	"errors_tool", "errors_model", "errors_timeout", "errors_other",
	"total_duration_ms", "total_cost", "total_input_tokens", "total_output_tokens",
}

// generateCSV renders the daily stats rows for the job's scope and day range.
func (r *JobRunner) generateCSV(ctx context.Context, job Job) ([]byte, int64, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	var rowCount int64
	switch job.Scope {
	case ScopeOrg:
		if err := writer.Write(orgCSVHeader); err != nil {
			return nil, 0, fmt.Errorf("write CSV header: %w", err)
		}
		rows, err := r.pool.Query(ctx, `
			SELECT day, sessions_count, sessions_with_handoff, sessions_with_post_handoff,
			       runs_count, success_runs, failed_runs,
			       errors_tool, errors_model, errors_timeout, errors_other,
			       total_duration_ms, total_cost::text, total_input_tokens, total_output_tokens,
			       active_users_count
			FROM org_stats_daily
			WHERE org_id = $1 AND day >= $2 AND day <= $3
			ORDER BY day ASC`,
			job.OrgID, job.DayStart, job.DayEnd)
		if err != nil {
			return nil, 0, fmt.Errorf("query org daily stats: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var day time.Time
			var counters [14]int64
			var totalCost string
			if err := rows.Scan(
				&day, &counters[0], &counters[1], &counters[2],
				&counters[3], &counters[4], &counters[5],
				&counters[6], &counters[7], &counters[8], &counters[9],
				&counters[10], &totalCost, &counters[11], &counters[12],
				&counters[13],
			); err != nil {
				return nil, 0, fmt.Errorf("scan org daily row: %w", err)
			}
			record := []string{day.Format("2006-01-02")}
			for _, c := range counters[:11] {
				record = append(record, strconv.FormatInt(c, 10))
			}
			record = append(record, totalCost,
				strconv.FormatInt(counters[11], 10),
				strconv.FormatInt(counters[12], 10),
				strconv.FormatInt(counters[13], 10))
			if err := writer.Write(record); err != nil {
				return nil, 0, fmt.Errorf("write CSV row: %w", err)
			}
			rowCount++
		}
		if err := rows.Err(); err != nil {
			return nil, 0, fmt.Errorf("iterate org daily rows: %w", err)
		}

	case ScopeUser:
		if err := writer.Write(userCSVHeader); err != nil {
			return nil, 0, fmt.Errorf("write CSV header: %w", err)
		}
		rows, err := r.pool.Query(ctx, `
			SELECT day, user_id, sessions_count, sessions_with_handoff, sessions_with_post_handoff,
			       runs_count, success_runs, failed_runs,
			       errors_tool, errors_model, errors_timeout, errors_other,
			       total_duration_ms, total_cost::text, total_input_tokens, total_output_tokens
			FROM user_stats_daily
			WHERE org_id = $1 AND day >= $2 AND day <= $3
			ORDER BY day ASC, user_id ASC`,
			job.OrgID, job.DayStart, job.DayEnd)
		if err != nil {
			return nil, 0, fmt.Errorf("query user daily stats: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var day time.Time
			var userID, totalCost string
			var counters [13]int64
			if err := rows.Scan(
				&day, &userID, &counters[0], &counters[1], &counters[2],
				&counters[3], &counters[4], &counters[5],
				&counters[6], &counters[7], &counters[8], &counters[9],
				&counters[10], &totalCost, &counters[11], &counters[12],
			); err != nil {
				return nil, 0, fmt.Errorf("scan user daily row: %w", err)
			}
			record := []string{day.Format("2006-01-02"), userID}
			for _, c := range counters[:11] {
				record = append(record, strconv.FormatInt(c, 10))
			}
			record = append(record, totalCost,
				strconv.FormatInt(counters[11], 10),
				strconv.FormatInt(counters[12], 10))
			if err := writer.Write(record); err != nil {
				return nil, 0, fmt.Errorf("write CSV row: %w", err)
			}
			rowCount++
		}
		if err := rows.Err(); err != nil {
			return nil, 0, fmt.Errorf("iterate user daily rows: %w", err)
		}

	default:
		return nil, 0, fmt.Errorf("unsupported export scope: %s", job.Scope)
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, 0, fmt.Errorf("flush CSV: %w", err)
	}
	return buf.Bytes(), rowCount, nil
}
