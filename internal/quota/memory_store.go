package quota

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/indexnow-engine/internal/errors"
	"github.com/indexnow-engine/internal/models"
	"github.com/indexnow-engine/internal/types"
)

// MemoryStore is an in-process CredentialStore with the same conditional-update
// semantics as the Postgres repository. Used for local runs and tests.
type MemoryStore struct {
	mu     sync.Mutex
	creds  map[string]*models.Credential
	nextID int64
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]*models.Credential), nextID: 1}
}

// Add stores a copy of c, assigning an ID and creation time when missing
func (m *MemoryStore) Add(c models.Credential) *models.Credential {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ID == "" {
		c.ID = fmt.Sprintf("cred-%d", m.nextID)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Unix(0, 0).Add(time.Duration(m.nextID) * time.Second)
	}
	if c.HealthStatus == "" {
		c.HealthStatus = types.HealthUnknown
	}
	m.nextID++

	stored := c
	m.creds[c.ID] = &stored
	out := stored
	return &out
}

// Get returns a copy of the credential
func (m *MemoryStore) Get(id string) (*models.Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.creds[id]
	if !ok {
		return nil, false
	}
	out := *c
	return &out, true
}

// ListByScope implements CredentialStore
func (m *MemoryStore) ListByScope(_ context.Context, scope models.Scope) ([]*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Credential
	for _, c := range m.creds {
		if scope.Matches(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListDeactivated returns inactive credentials switched off for reason
func (m *MemoryStore) ListDeactivated(_ context.Context, reason types.DeactivationReason) ([]*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Credential
	for _, c := range m.creds {
		if !c.IsActive && c.DeactivationReason == reason {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// IncrementUsage implements CredentialStore
func (m *MemoryStore) IncrementUsage(_ context.Context, id string, units int, now time.Time) (*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.creds[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("credential", id)
	}

	c.QuotaUsed += units
	c.LastUsedAt = &now
	if c.QuotaUsed >= c.QuotaLimit && c.IsActive {
		c.IsActive = false
		c.DeactivationReason = types.ReasonQuotaExhausted
	}

	out := *c
	return &out, nil
}

// Deactivate implements CredentialStore
func (m *MemoryStore) Deactivate(_ context.Context, id string, reason types.DeactivationReason) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.creds[id]
	if !ok || !c.IsActive {
		return false, nil
	}
	c.IsActive = false
	c.DeactivationReason = reason
	return true, nil
}

// Activate implements CredentialStore
func (m *MemoryStore) Activate(_ context.Context, id string, minRemaining int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.creds[id]
	if !ok || c.IsActive || c.DeactivationReason == types.ReasonRevoked || c.Remaining() < minRemaining {
		return false, nil
	}
	c.IsActive = true
	c.DeactivationReason = types.ReasonNone
	return true, nil
}

// MarkExhausted implements CredentialStore
func (m *MemoryStore) MarkExhausted(_ context.Context, id string) (*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.creds[id]
	if !ok || !c.IsActive {
		return nil, nil
	}
	c.IsActive = false
	c.DeactivationReason = types.ReasonQuotaExhausted
	if c.QuotaUsed < c.QuotaLimit {
		c.QuotaUsed = c.QuotaLimit
	}

	out := *c
	return &out, nil
}

// Reactivate switches a quota-exhausted credential back on with its usage reset
func (m *MemoryStore) Reactivate(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.creds[id]
	if !ok || c.IsActive || c.DeactivationReason != types.ReasonQuotaExhausted {
		return false, nil
	}
	c.IsActive = true
	c.DeactivationReason = types.ReasonNone
	c.QuotaUsed = 0
	c.NextResetAt = nil
	c.HealthStatus = types.HealthHealthy
	return true, nil
}

// ResetUsage starts a new quota period for a quota-exhausted credential, leaving it off
func (m *MemoryStore) ResetUsage(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.creds[id]
	if !ok || c.IsActive || c.DeactivationReason != types.ReasonQuotaExhausted {
		return false, nil
	}
	c.DeactivationReason = types.ReasonNone
	c.QuotaUsed = 0
	c.NextResetAt = nil
	c.HealthStatus = types.HealthHealthy
	return true, nil
}

// UpdateHealth implements CredentialStore
func (m *MemoryStore) UpdateHealth(_ context.Context, id string, status types.HealthStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.creds[id]; ok {
		c.HealthStatus = status
	}
	return nil
}
