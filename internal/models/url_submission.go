package models

import (
	"time"

	"github.com/indexnow-engine/internal/types"
)

// URLSubmission represents a single URL belonging to an indexing job
type URLSubmission struct {
	ID           string                 `json:"id" db:"id"`
	JobID        string                 `json:"jobId" db:"job_id"`
	URL          string                 `json:"url" db:"url"`
	Status       types.SubmissionStatus `json:"status" db:"status"`
	RetryCount   int                    `json:"retryCount" db:"retry_count"`
	CredentialID *string                `json:"credentialId,omitempty" db:"credential_id"`
	ErrorMessage *string                `json:"errorMessage,omitempty" db:"error_message"`
	SubmittedAt  *time.Time             `json:"submittedAt,omitempty" db:"submitted_at"`
	CreatedAt    time.Time              `json:"createdAt" db:"created_at"`
}
