// Package types provides common type definitions for the indexing and rank-check engine.
package types

// JobStatus represents the lifecycle state of an indexing job
type JobStatus string

const (
	// JobStatusPending represents a job waiting to be claimed
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning represents a job claimed by a processor
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted represents a job whose submissions were all processed
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed represents a job that stopped on a fatal error
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled represents a job cancelled by an external actor
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no processor may move the job any further.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled
}

// SubmissionStatus represents the state of a single URL submission
type SubmissionStatus string

const (
	// SubmissionPending represents a URL not yet sent to the indexing API
	SubmissionPending SubmissionStatus = "pending"
	// SubmissionSubmitted represents a URL accepted by the indexing API
	SubmissionSubmitted SubmissionStatus = "submitted"
	// SubmissionIndexed represents a URL confirmed as indexed
	SubmissionIndexed SubmissionStatus = "indexed"
	// SubmissionFailed represents a URL rejected by the indexing API
	SubmissionFailed SubmissionStatus = "failed"
	// SubmissionQuotaExceeded represents a URL rejected because the credential ran out of quota
	SubmissionQuotaExceeded SubmissionStatus = "quota_exceeded"
)

// submissionRank orders submission states; a submission may only move to a higher rank.
var submissionRank = map[SubmissionStatus]int{
	SubmissionPending:       0,
	SubmissionSubmitted:     1,
	SubmissionFailed:        1,
	SubmissionQuotaExceeded: 1,
	SubmissionIndexed:       2,
}

// CanTransition reports whether a submission may move from s to next.
func (s SubmissionStatus) CanTransition(next SubmissionStatus) bool {
	if s == next {
		return false
	}
	from, ok := submissionRank[s]
	if !ok {
		return false
	}
	to, ok := submissionRank[next]
	if !ok {
		return false
	}
	if s == SubmissionFailed || s == SubmissionQuotaExceeded {
		return false
	}
	return to > from
}

// Provider identifies which external API a credential grants access to
type Provider string

const (
	// ProviderIndexing is the external URL indexing API
	ProviderIndexing Provider = "indexing"
	// ProviderRank is the third-party rank-data API
	ProviderRank Provider = "rank"
)

// HealthStatus represents the last observed health of a credential
type HealthStatus string

const (
	HealthHealthy HealthStatus = "healthy"
	HealthWarning HealthStatus = "warning"
	HealthError   HealthStatus = "error"
	HealthUnknown HealthStatus = "unknown"
)

// DeactivationReason records why a credential was switched off
type DeactivationReason string

const (
	// ReasonNone means the credential is active or was never deactivated
	ReasonNone DeactivationReason = ""
	// ReasonQuotaExhausted means the ledger switched the credential off; reversible by the reset monitor
	ReasonQuotaExhausted DeactivationReason = "quota_exhausted"
	// ReasonRevoked means an operator switched the credential off; never reversed automatically
	ReasonRevoked DeactivationReason = "revoked"
)

// Device is the device type a keyword rank is checked for
type Device string

const (
	DeviceDesktop Device = "desktop"
	DeviceMobile  Device = "mobile"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}
