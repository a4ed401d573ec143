// Package quota tracks credential quota consumption and rotates credentials
// within a scope when one runs out.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/indexnow-engine/internal/logging"
	"github.com/indexnow-engine/internal/models"
	"github.com/indexnow-engine/internal/types"
)

// CredentialStore is the persistence the ledger and rotator need.
// IncrementUsage must be an atomic increment that deactivates the credential
// (reason quota_exhausted) in the same operation once usage reaches the limit.
type CredentialStore interface {
	ListByScope(ctx context.Context, scope models.Scope) ([]*models.Credential, error)
	IncrementUsage(ctx context.Context, id string, units int, now time.Time) (*models.Credential, error)
	Deactivate(ctx context.Context, id string, reason types.DeactivationReason) (bool, error)
	Activate(ctx context.Context, id string, minRemaining int) (bool, error)
	// MarkExhausted switches off an active credential and raises its usage to the limit.
	// It returns nil when the credential was not active.
	MarkExhausted(ctx context.Context, id string) (*models.Credential, error)
	UpdateHealth(ctx context.Context, id string, status types.HealthStatus) error
}

// UsageRecorder keeps per-day usage counters read by the reset monitor
type UsageRecorder interface {
	Add(ctx context.Context, credentialID string, units int, at time.Time) (int64, error)
	UsedOn(ctx context.Context, credentialID string, at time.Time) (int, error)
}

// Ledger records quota consumption against credentials
type Ledger struct {
	store CredentialStore
	usage UsageRecorder
	now   func() time.Time
}

// NewLedger creates a ledger. usage may be nil.
func NewLedger(store CredentialStore, usage UsageRecorder) *Ledger {
	return &Ledger{store: store, usage: usage, now: time.Now}
}

// Record adds units to the credential's quota_used and returns the updated credential
func (l *Ledger) Record(ctx context.Context, credentialID string, units int) (*models.Credential, error) {
	if units <= 0 {
		return nil, fmt.Errorf("units must be positive, got %d", units)
	}

	now := l.now()
	cred, err := l.store.IncrementUsage(ctx, credentialID, units, now)
	if err != nil {
		return nil, err
	}

	if l.usage != nil {
		if _, err := l.usage.Add(ctx, credentialID, units, now); err != nil {
			// the total in Postgres is authoritative; the daily counter only feeds the reset heuristic
			logging.FromContext(ctx).WithField("credential_id", credentialID).WithError(err).
				Warn("Failed to record daily usage")
		}
	}

	return cred, nil
}
