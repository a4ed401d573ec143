package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/indexnow-engine/internal/errors"
	"github.com/indexnow-engine/internal/logging"
	"github.com/indexnow-engine/internal/metrics"
	"github.com/indexnow-engine/internal/models"
	"github.com/indexnow-engine/internal/types"
)

// DefaultUnitsPerRequest is the quota cost of one external call.
const DefaultUnitsPerRequest = 10

// DefaultAlertDedup suppresses repeated alerts for the same scope.
const DefaultAlertDedup = time.Hour

// AlertStore records internal quota alerts
type AlertStore interface {
	Create(ctx context.Context, n *models.QuotaNotification, dedupSince time.Time) (bool, error)
}

// RotatorConfig holds configuration for the credential rotator.
type RotatorConfig struct {
	// Store persists credentials. Required.
	Store CredentialStore

	// Usage keeps daily usage counters. Optional.
	Usage UsageRecorder

	// Alerts records "pool exhausted" alerts. Optional.
	Alerts AlertStore

	// UnitsPerRequest is the cost of one external call. Default: 10.
	UnitsPerRequest int

	// AlertDedup is the window in which a scope raises at most one alert. Default: 1h.
	AlertDedup time.Duration

	Metrics *metrics.Metrics
}

// Rotator owns the credential pools. Within a scope at most one credential is active;
// when it runs out the next usable one in creation order is switched on.
type Rotator struct {
	ledger     *Ledger
	store      CredentialStore
	alerts     AlertStore
	cost       int
	alertDedup time.Duration
	metrics    *metrics.Metrics
	now        func() time.Time

	scopeLocks sync.Map // scope string -> *sync.Mutex
}

// NewRotator creates a new credential rotator
func NewRotator(cfg *RotatorConfig) (*Rotator, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("credential store is required")
	}
	if cfg.UnitsPerRequest < 0 {
		return nil, fmt.Errorf("units per request cannot be negative: %d", cfg.UnitsPerRequest)
	}

	cost := cfg.UnitsPerRequest
	if cost == 0 {
		cost = DefaultUnitsPerRequest
	}

	dedup := cfg.AlertDedup
	if dedup <= 0 {
		dedup = DefaultAlertDedup
	}

	return &Rotator{
		ledger:     NewLedger(cfg.Store, cfg.Usage),
		store:      cfg.Store,
		alerts:     cfg.Alerts,
		cost:       cost,
		alertDedup: dedup,
		metrics:    cfg.Metrics,
		now:        time.Now,
	}, nil
}

// UnitCost returns the quota units charged per external call
func (r *Rotator) UnitCost() int {
	return r.cost
}

func (r *Rotator) lockScope(scope models.Scope) func() {
	v, _ := r.scopeLocks.LoadOrStore(scope.String(), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// GetActiveCredential returns the active credential of scope with at least one request of
// quota left. An exhausted active credential is deactivated and the next usable one is
// activated. Returns nil when the pool has no capacity.
func (r *Rotator) GetActiveCredential(ctx context.Context, scope models.Scope) (*models.Credential, error) {
	unlock := r.lockScope(scope)
	defer unlock()

	return r.resolve(ctx, scope)
}

func (r *Rotator) resolve(ctx context.Context, scope models.Scope) (*models.Credential, error) {
	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"component": "quota-rotator",
		"scope":     scope.String(),
	})

	creds, err := r.store.ListByScope(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials for %s: %w", scope, err)
	}

	exhaustedActive := false
	for _, c := range creds {
		if !c.IsActive {
			continue
		}
		if !c.Exhausted(r.cost) {
			return c, nil
		}

		if _, err := r.store.Deactivate(ctx, c.ID, types.ReasonQuotaExhausted); err != nil {
			return nil, fmt.Errorf("failed to deactivate exhausted credential %s: %w", c.ID, err)
		}
		c.IsActive = false
		c.DeactivationReason = types.ReasonQuotaExhausted
		exhaustedActive = true
		log.WithFields(map[string]interface{}{
			"credential_id": c.ID,
			"quota_used":    c.QuotaUsed,
			"quota_limit":   c.QuotaLimit,
		}).Info("Deactivated exhausted credential")
	}

	for _, c := range creds {
		if c.IsActive || c.DeactivationReason == types.ReasonRevoked || c.Exhausted(r.cost) {
			continue
		}

		ok, err := r.store.Activate(ctx, c.ID, r.cost)
		if err != nil {
			return nil, fmt.Errorf("failed to activate credential %s: %w", c.ID, err)
		}
		if !ok {
			continue
		}

		c.IsActive = true
		c.DeactivationReason = types.ReasonNone
		r.metrics.Failover(string(scope.Provider))
		log.WithFields(map[string]interface{}{
			"credential_id": c.ID,
			"remaining":     c.Remaining(),
			"after_exhaust": exhaustedActive,
		}).Info("Credential failover: activated next credential")
		return c, nil
	}

	r.raiseAlert(ctx, scope)
	return nil, nil
}

func (r *Rotator) raiseAlert(ctx context.Context, scope models.Scope) {
	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"component": "quota-rotator",
		"scope":     scope.String(),
	})
	log.Warn("No credential with remaining quota")

	if r.alerts == nil {
		return
	}

	n := &models.QuotaNotification{
		Scope:   scope.String(),
		Message: fmt.Sprintf("%s: no credential with remaining quota in %s", apperrors.QuotaExhaustedMarker, scope),
	}
	if _, err := r.alerts.Create(ctx, n, r.now().Add(-r.alertDedup)); err != nil {
		log.WithError(err).Warn("Failed to record quota alert")
	}
}

// RecordUsage charges units to a credential. When the charge exhausts it the credential is
// switched off in the same write and the next one in its scope is activated.
func (r *Rotator) RecordUsage(ctx context.Context, credentialID string, units int) (*models.Credential, error) {
	cred, err := r.ledger.Record(ctx, credentialID, units)
	if err != nil {
		return nil, fmt.Errorf("failed to record usage on %s: %w", credentialID, err)
	}

	if cred.IsActive || cred.DeactivationReason != types.ReasonQuotaExhausted {
		return cred, nil
	}

	scope := ScopeOf(cred)
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"component":     "quota-rotator",
		"scope":         scope.String(),
		"credential_id": cred.ID,
		"quota_used":    cred.QuotaUsed,
		"quota_limit":   cred.QuotaLimit,
	}).Info("Credential reached its quota limit")

	if _, err := r.GetActiveCredential(ctx, scope); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Credential failover failed")
	}

	return cred, nil
}

// AvailableQuota returns limit - used of the scope's active credential (after any failover),
// or 0 when the pool has no capacity
func (r *Rotator) AvailableQuota(ctx context.Context, scope models.Scope) (int, error) {
	cred, err := r.GetActiveCredential(ctx, scope)
	if err != nil {
		return 0, err
	}
	if cred == nil {
		return 0, nil
	}
	return cred.Remaining(), nil
}

// HasActiveCredential reports whether scope has at least one active credential. It does not rotate.
func (r *Rotator) HasActiveCredential(ctx context.Context, scope models.Scope) (bool, error) {
	creds, err := r.store.ListByScope(ctx, scope)
	if err != nil {
		return false, fmt.Errorf("failed to list credentials for %s: %w", scope, err)
	}
	for _, c := range creds {
		if c.IsActive {
			return true, nil
		}
	}
	return false, nil
}

// ReportHealth records the outcome of an external call made with a credential.
// A quota rejection from the provider also switches the credential off as
// quota-exhausted and fails its scope over to the next usable one.
func (r *Rotator) ReportHealth(ctx context.Context, credentialID string, callErr error) {
	log := logging.FromContext(ctx).WithField("credential_id", credentialID)

	status := types.HealthHealthy
	switch {
	case callErr == nil:
	case apperrors.IsQuotaExhausted(callErr):
		status = types.HealthWarning
		r.markExhausted(ctx, credentialID)
	default:
		status = types.HealthError
	}

	if err := r.store.UpdateHealth(ctx, credentialID, status); err != nil {
		log.WithError(err).Debug("Failed to update credential health")
	}
}

func (r *Rotator) markExhausted(ctx context.Context, credentialID string) {
	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"component":     "quota-rotator",
		"credential_id": credentialID,
	})

	cred, err := r.store.MarkExhausted(ctx, credentialID)
	if err != nil {
		log.WithError(err).Warn("Failed to deactivate credential rejected for quota")
		return
	}
	if cred == nil {
		return
	}

	scope := ScopeOf(cred)
	log.WithField("scope", scope.String()).Info("Provider rejected credential for quota, deactivated")

	if _, err := r.GetActiveCredential(ctx, scope); err != nil {
		log.WithError(err).Warn("Credential failover failed")
	}
}

// ScopeOf returns the pool a credential belongs to
func ScopeOf(c *models.Credential) models.Scope {
	scope := models.Scope{Provider: c.Provider}
	if c.OwnerID != nil {
		scope.OwnerID = *c.OwnerID
	}
	return scope
}
