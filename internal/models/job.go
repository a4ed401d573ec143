package models

import (
	"time"

	"github.com/indexnow-engine/internal/types"
)

// Job represents an indexing job in the database (one batch of URLs for one owner)
type Job struct {
	ID                 string          `json:"id" db:"id"`
	UserID             string          `json:"userId" db:"user_id"`
	Name               string          `json:"name" db:"name"`
	Status             types.JobStatus `json:"status" db:"status"`
	TotalURLs          int             `json:"totalUrls" db:"total_urls"`
	ProcessedURLs      int             `json:"processedUrls" db:"processed_urls"`
	SuccessfulURLs     int             `json:"successfulUrls" db:"successful_urls"`
	FailedURLs         int             `json:"failedUrls" db:"failed_urls"`
	ProgressPercentage float64         `json:"progressPercentage" db:"progress_percentage"`
	LockedBy           *string         `json:"lockedBy,omitempty" db:"locked_by"`
	LockedAt           *time.Time      `json:"lockedAt,omitempty" db:"locked_at"`
	ErrorMessage       *string         `json:"errorMessage,omitempty" db:"error_message"`
	CreatedAt          time.Time       `json:"createdAt" db:"created_at"`
	StartedAt          *time.Time      `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt        *time.Time      `json:"completedAt,omitempty" db:"completed_at"`
	UpdatedAt          time.Time       `json:"updatedAt" db:"updated_at"`
}

// RecordOutcome adds one batch worth of results to the counters and refreshes progress.
// processed is kept equal to successful + failed and never above total; a total that
// was recorded too low (or not at all) is raised to match.
func (j *Job) RecordOutcome(successful, failed int) {
	j.SuccessfulURLs += successful
	j.FailedURLs += failed
	j.ProcessedURLs = j.SuccessfulURLs + j.FailedURLs
	if j.ProcessedURLs > j.TotalURLs {
		j.TotalURLs = j.ProcessedURLs
	}
	j.ProgressPercentage = Progress(j.ProcessedURLs, j.TotalURLs)
}

// Progress returns processed/total as a percentage rounded to two decimals.
func Progress(processed, total int) float64 {
	if total <= 0 {
		return 100
	}
	pct := float64(processed) * 100 / float64(total)
	if pct > 100 {
		pct = 100
	}
	return float64(int(pct*100+0.5)) / 100
}
