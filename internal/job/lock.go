package job

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/indexnow-engine/internal/logging"
)

// LockStore persists the per-job processing lock
type LockStore interface {
	// Claim must be a single compare-and-swap write. It succeeds only when no
	// holder is recorded or the job is not running, and never for a finished job.
	Claim(ctx context.Context, jobID, token string, now time.Time) (bool, error)
	// Release clears the lock only while token still holds it.
	Release(ctx context.Context, jobID, token string) error
}

// LockManager hands out exclusive processing rights on jobs
type LockManager struct {
	store LockStore
	now   func() time.Time
}

// NewLockManager creates a lock manager
func NewLockManager(store LockStore) *LockManager {
	return &LockManager{store: store, now: time.Now}
}

// Acquire claims jobID with a fresh token and returns it. false means another holder
// has it, which is expected and not an error.
func (m *LockManager) Acquire(ctx context.Context, jobID string) (string, bool, error) {
	token := uuid.NewString()

	ok, err := m.store.Claim(ctx, jobID, token, m.now())
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock on job %s: %w", jobID, err)
	}

	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"job_id": jobID,
		"token":  token,
	})
	if !ok {
		log.Debug("Job lock held elsewhere, skipping")
		return "", false, nil
	}
	log.Debug("Job lock acquired")
	return token, true, nil
}

// Release gives up the lock held under token. A lock taken over by another holder
// after a stale reset is left alone.
func (m *LockManager) Release(ctx context.Context, jobID, token string) error {
	if err := m.store.Release(ctx, jobID, token); err != nil {
		return fmt.Errorf("failed to release lock on job %s: %w", jobID, err)
	}
	return nil
}
