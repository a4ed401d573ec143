package models

import (
	"time"

	"github.com/indexnow-engine/internal/types"
)

// Credential represents an API key or service-account identity with a quota allotment
type Credential struct {
	ID                 string                   `json:"id" db:"id"`
	Name               string                   `json:"name" db:"name"`
	Provider           types.Provider           `json:"provider" db:"provider"`
	OwnerID            *string                  `json:"ownerId,omitempty" db:"owner_id"` // nil = site-wide
	Secret             string                   `json:"-" db:"secret"`
	QuotaLimit         int                      `json:"quotaLimit" db:"quota_limit"`
	QuotaUsed          int                      `json:"quotaUsed" db:"quota_used"`
	IsActive           bool                     `json:"isActive" db:"is_active"`
	DeactivationReason types.DeactivationReason `json:"deactivationReason,omitempty" db:"deactivation_reason"`
	HealthStatus       types.HealthStatus       `json:"healthStatus" db:"health_status"`
	LastUsedAt         *time.Time               `json:"lastUsedAt,omitempty" db:"last_used_at"`
	NextResetAt        *time.Time               `json:"nextResetAt,omitempty" db:"next_reset_at"`
	CreatedAt          time.Time                `json:"createdAt" db:"created_at"`
}

// Remaining returns the quota units left, never negative.
func (c *Credential) Remaining() int {
	if c.QuotaUsed >= c.QuotaLimit {
		return 0
	}
	return c.QuotaLimit - c.QuotaUsed
}

// Exhausted reports whether fewer than cost units remain.
func (c *Credential) Exhausted(cost int) bool {
	return c.Remaining() < cost
}

// Scope identifies a credential pool: one provider, either site-wide or per owner.
type Scope struct {
	Provider types.Provider
	OwnerID  string // empty = site-wide
}

// String returns a log-friendly scope name.
func (s Scope) String() string {
	if s.OwnerID == "" {
		return string(s.Provider) + ":site"
	}
	return string(s.Provider) + ":" + s.OwnerID
}

// Matches reports whether the credential belongs to the scope.
func (s Scope) Matches(c *Credential) bool {
	if c.Provider != s.Provider {
		return false
	}
	if s.OwnerID == "" {
		return c.OwnerID == nil
	}
	return c.OwnerID != nil && *c.OwnerID == s.OwnerID
}
