// Package exports provides daily-stats CSV export jobs: creation, claiming,
// rendering from the aggregate tables, and delivery to S3-compatible object
// storage.
package exports

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Job scopes: which daily table the CSV is rendered from.
const (
	ScopeOrg  = "org"
	ScopeUser = "user"
)

// JobRepository manages export job lifecycle in the database.
type JobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new export job repository.
func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// Job represents an export job record.
type Job struct {
	JobID        uuid.UUID
	OrgID        string
	Scope        string // "org" or "user"
	DayStart     time.Time
	DayEnd       time.Time
	Status       string // "pending", "running", "succeeded", "failed"
	OutputURI    *string
	Checksum     *string
	RowCount     *int64
	RequestedAt  time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
}

// CreateJobRequest specifies parameters for creating a new export job.
type CreateJobRequest struct {
	OrgID    string
	Scope    string
	DayStart time.Time
	DayEnd   time.Time
}

// CreateJob creates a new export job with status "pending".
func (r *JobRepository) CreateJob(ctx context.Context, req CreateJobRequest) (uuid.UUID, error) {
	var jobID uuid.UUID
	err := r.pool.QueryRow(ctx, `
		INSERT INTO export_jobs (org_id, scope, day_start, day_end, status)
		VALUES ($1, $2, $3, $4, 'pending')
		RETURNING job_id`,
		req.OrgID, req.Scope, req.DayStart, req.DayEnd,
	).Scan(&jobID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create export job: %w", err)
	}
	return jobID, nil
}

const jobColumns = `
	job_id, org_id, scope, day_start, day_end, status,
	output_uri, checksum, row_count, requested_at, completed_at, error_message`

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var job Job
	err := row.Scan(
		&job.JobID, &job.OrgID, &job.Scope, &job.DayStart, &job.DayEnd,
		&job.Status, &job.OutputURI, &job.Checksum, &job.RowCount,
		&job.RequestedAt, &job.CompletedAt, &job.ErrorMessage,
	)
	return job, err
}

// GetJob retrieves an export job by ID and org.
func (r *JobRepository) GetJob(ctx context.Context, orgID string, jobID uuid.UUID) (*Job, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM export_jobs WHERE job_id = $1 AND org_id = $2`,
		jobID, orgID)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("get export job: %w", err)
	}
	return &job, nil
}

// ListJobs retrieves export jobs for an organization, newest first.
func (r *JobRepository) ListJobs(ctx context.Context, orgID string) ([]Job, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM export_jobs WHERE org_id = $1 ORDER BY requested_at DESC LIMIT 100`,
		orgID)
	if err != nil {
		return nil, fmt.Errorf("list export jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan export job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimPendingJobs claims pending jobs for processing. FOR UPDATE SKIP LOCKED
// keeps concurrent runners off each other's jobs.
func (r *JobRepository) ClaimPendingJobs(ctx context.Context, limit int) ([]Job, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM export_jobs
		 WHERE status = 'pending'
		 ORDER BY requested_at ASC
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending jobs: %w", err)
	}

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan export job: %w", err)
		}
		jobs = append(jobs, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate export jobs: %w", err)
	}

	for i := range jobs {
		if _, err := tx.Exec(ctx,
			`UPDATE export_jobs SET status = 'running' WHERE job_id = $1`,
			jobs[i].JobID); err != nil {
			return nil, fmt.Errorf("mark job running: %w", err)
		}
		jobs[i].Status = "running"
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return jobs, nil
}

// SetJobOutput records the delivery URI, checksum, and row count for a
// completed job.
func (r *JobRepository) SetJobOutput(ctx context.Context, jobID uuid.UUID, outputURI, checksum string, rowCount int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE export_jobs
		SET output_uri = $1, checksum = $2, row_count = $3,
		    completed_at = NOW(), status = 'succeeded'
		WHERE job_id = $4`,
		outputURI, checksum, rowCount, jobID)
	if err != nil {
		return fmt.Errorf("set export job output: %w", err)
	}
	return nil
}

// SetJobError marks an export job as failed with an error message.
func (r *JobRepository) SetJobError(ctx context.Context, jobID uuid.UUID, errorMessage string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE export_jobs
		SET status = 'failed', error_message = $1, completed_at = NOW()
		WHERE job_id = $2`,
		errorMessage, jobID)
	if err != nil {
		return fmt.Errorf("set export job error: %w", err)
	}
	return nil
}
