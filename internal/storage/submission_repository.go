package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/indexnow-engine/internal/models"
	"github.com/indexnow-engine/internal/types"
)

// SubmissionRepository handles URL submission persistence
type SubmissionRepository struct {
	db *PostgresDB
}

// NewSubmissionRepository creates a new submission repository
func NewSubmissionRepository(db *PostgresDB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// CreateBatch inserts the submissions of a job
func (r *SubmissionRepository) CreateBatch(ctx context.Context, jobID string, urls []string) error {
	query := `INSERT INTO url_submissions (job_id, url) SELECT $1, unnest($2::text[])`

	if _, err := r.db.Pool().Exec(ctx, query, jobID, urls); err != nil {
		return fmt.Errorf("failed to create submissions: %w", err)
	}

	return nil
}

// ListPendingByJob returns a job's pending submissions in creation order
func (r *SubmissionRepository) ListPendingByJob(ctx context.Context, jobID string) ([]*models.URLSubmission, error) {
	query := `
		SELECT id, job_id, url, status, retry_count, credential_id, error_message, submitted_at, created_at
		FROM url_submissions
		WHERE job_id = $1 AND status = 'pending'
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending submissions: %w", err)
	}
	defer rows.Close()

	var subs []*models.URLSubmission
	for rows.Next() {
		var s models.URLSubmission
		err := rows.Scan(
			&s.ID,
			&s.JobID,
			&s.URL,
			&s.Status,
			&s.RetryCount,
			&s.CredentialID,
			&s.ErrorMessage,
			&s.SubmittedAt,
			&s.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		subs = append(subs, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating submissions: %w", err)
	}

	return subs, nil
}

// MarkSubmitted records a successful submission.
// Only pending submissions move, so status never goes backwards.
func (r *SubmissionRepository) MarkSubmitted(ctx context.Context, id, credentialID string, at time.Time) error {
	query := `
		UPDATE url_submissions
		SET status = 'submitted', credential_id = NULLIF($2, '')::uuid, submitted_at = $3, error_message = NULL
		WHERE id = $1 AND status = 'pending'
	`

	if _, err := r.db.Pool().Exec(ctx, query, id, credentialID, at); err != nil {
		return fmt.Errorf("failed to mark submission submitted: %w", err)
	}

	return nil
}

// MarkFailed records a failed submission (failed or quota_exceeded) and bumps its retry count
func (r *SubmissionRepository) MarkFailed(ctx context.Context, id string, status types.SubmissionStatus, credentialID, message string) error {
	if !types.SubmissionPending.CanTransition(status) || status == types.SubmissionSubmitted || status == types.SubmissionIndexed {
		return fmt.Errorf("invalid failure status: %s", status)
	}

	query := `
		UPDATE url_submissions
		SET status = $2, credential_id = NULLIF($3, '')::uuid, error_message = $4, retry_count = retry_count + 1
		WHERE id = $1 AND status = 'pending'
	`

	if _, err := r.db.Pool().Exec(ctx, query, id, status, credentialID, message); err != nil {
		return fmt.Errorf("failed to mark submission failed: %w", err)
	}

	return nil
}
