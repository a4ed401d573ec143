package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/indexnow-engine/internal/errors"
	"github.com/indexnow-engine/internal/models"
	"github.com/indexnow-engine/internal/types"
)

// JobRepository handles indexing job persistence
type JobRepository struct {
	db *PostgresDB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *PostgresDB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `
	id, user_id, name, status, total_urls, processed_urls, successful_urls, failed_urls,
	progress_percentage, locked_by, locked_at, error_message,
	created_at, started_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.Name,
		&job.Status,
		&job.TotalURLs,
		&job.ProcessedURLs,
		&job.SuccessfulURLs,
		&job.FailedURLs,
		&job.ProgressPercentage,
		&job.LockedBy,
		&job.LockedAt,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

// Create inserts a new job record
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (user_id, name, status, total_urls)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query, job.UserID, job.Name, job.Status, job.TotalURLs).
		Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetByID retrieves a job by ID
func (r *JobRepository) GetByID(ctx context.Context, jobID string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// GetStatus returns the current status of a job
func (r *JobRepository) GetStatus(ctx context.Context, jobID string) (types.JobStatus, error) {
	var status types.JobStatus
	err := r.db.Pool().QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", apperrors.ErrJobNotFound, jobID)
		}
		return "", fmt.Errorf("failed to get job status: %w", err)
	}
	return status, nil
}

// Claim atomically takes the processing lock on a job.
// The single conditional UPDATE is the compare-and-swap: it matches only when nobody
// holds the job or the job is not running, and never matches a finished job.
func (r *JobRepository) Claim(ctx context.Context, jobID, token string, now time.Time) (bool, error) {
	query := `
		UPDATE jobs
		SET locked_by = $2,
			locked_at = $3,
			status = 'running',
			started_at = COALESCE(started_at, $3),
			updated_at = $3
		WHERE id = $1
		  AND (locked_by IS NULL OR status <> 'running')
		  AND status IN ('pending', 'running')
	`

	result, err := r.db.Pool().Exec(ctx, query, jobID, token, now)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// Release clears the lock fields while token still holds them
func (r *JobRepository) Release(ctx context.Context, jobID, token string) error {
	query := `UPDATE jobs SET locked_by = NULL, locked_at = NULL WHERE id = $1 AND locked_by = $2`

	if _, err := r.db.Pool().Exec(ctx, query, jobID, token); err != nil {
		return fmt.Errorf("failed to release job lock: %w", err)
	}

	return nil
}

// UpdateProgress persists the job counters and refreshes locked_at, which keeps a
// long-running job clear of the stale-lock reset. It only matches while job.LockedBy
// still holds the running job; otherwise it returns ErrLockLost.
func (r *JobRepository) UpdateProgress(ctx context.Context, job *models.Job) error {
	query := `
		UPDATE jobs
		SET total_urls = $2,
			processed_urls = $3,
			successful_urls = $4,
			failed_urls = $5,
			progress_percentage = $6,
			locked_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND locked_by = $7
	`

	result, err := r.db.Pool().Exec(ctx, query,
		job.ID,
		job.TotalURLs,
		job.ProcessedURLs,
		job.SuccessfulURLs,
		job.FailedURLs,
		job.ProgressPercentage,
		job.LockedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrLockLost, job.ID)
	}

	return nil
}

// MarkCompleted finishes a running job and clears its lock. It only matches while
// job.LockedBy still holds the job; a job cancelled or reset meanwhile keeps its
// status and ErrLockLost is returned.
func (r *JobRepository) MarkCompleted(ctx context.Context, job *models.Job, now time.Time) error {
	query := `
		UPDATE jobs
		SET status = 'completed',
			processed_urls = $2,
			successful_urls = $3,
			failed_urls = $4,
			progress_percentage = $5,
			error_message = NULL,
			locked_by = NULL,
			locked_at = NULL,
			completed_at = $6,
			updated_at = $6
		WHERE id = $1 AND status = 'running' AND locked_by = $7
	`

	result, err := r.db.Pool().Exec(ctx, query,
		job.ID,
		job.ProcessedURLs,
		job.SuccessfulURLs,
		job.FailedURLs,
		job.ProgressPercentage,
		now,
		job.LockedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrLockLost, job.ID)
	}

	return nil
}

// MarkFailed records a job-level failure and clears its lock
func (r *JobRepository) MarkFailed(ctx context.Context, jobID, message string, now time.Time) error {
	query := `
		UPDATE jobs
		SET status = 'failed',
			error_message = $2,
			locked_by = NULL,
			locked_at = NULL,
			completed_at = $3,
			updated_at = $3
		WHERE id = $1 AND status NOT IN ('completed', 'cancelled')
	`

	if _, err := r.db.Pool().Exec(ctx, query, jobID, message, now); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	return nil
}

// ListPending returns pending jobs oldest first
func (r *JobRepository) ListPending(ctx context.Context, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
	`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	return collectJobs(rows)
}

// ListFailedWithError returns failed jobs whose error message contains marker (case-insensitive)
func (r *JobRepository) ListFailedWithError(ctx context.Context, marker string) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'failed'
		  AND error_message ILIKE '%' || $1 || '%'
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, marker)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}

	return collectJobs(rows)
}

// ResumeFailed moves a failed job back to pending, clearing its error and lock.
// Returns false if the job was no longer failed.
func (r *JobRepository) ResumeFailed(ctx context.Context, jobID string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = 'pending',
			error_message = NULL,
			locked_by = NULL,
			locked_at = NULL,
			completed_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
	`

	result, err := r.db.Pool().Exec(ctx, query, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to resume job: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// ResetStale moves running jobs whose lock is older than cutoff back to pending
func (r *JobRepository) ResetStale(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE jobs
		SET status = 'pending',
			locked_by = NULL,
			locked_at = NULL,
			updated_at = NOW()
		WHERE status = 'running'
		  AND (locked_at IS NULL OR locked_at < $1)
	`

	result, err := r.db.Pool().Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale jobs: %w", err)
	}

	return result.RowsAffected(), nil
}

// CountByStatus returns the number of jobs in each status
func (r *JobRepository) CountByStatus(ctx context.Context) (map[types.JobStatus]int, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.JobStatus]int)
	for rows.Next() {
		var status types.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[status] = n
	}

	return counts, rows.Err()
}
