package models

import "time"

// QuotaNotification is an internal operator alert raised when a credential pool runs dry
type QuotaNotification struct {
	ID        string    `json:"id" db:"id"`
	Scope     string    `json:"scope" db:"scope"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// CredentialSummary counts credentials of one provider by state
type CredentialSummary struct {
	Provider  string `json:"provider"`
	Active    int    `json:"active"`
	Exhausted int    `json:"exhausted"`
	Revoked   int    `json:"revoked"`
	Idle      int    `json:"idle"`
}

// SweepReport summarises one quota reset sweep
type SweepReport struct {
	Skipped              bool     `json:"skipped"` // another sweep held the lock
	Reactivated          int      `json:"reactivated"`
	JobsResumed          int      `json:"jobsResumed"`
	NotificationsDeleted int64    `json:"notificationsDeleted"`
	StepErrors           []string `json:"stepErrors,omitempty"`
}
