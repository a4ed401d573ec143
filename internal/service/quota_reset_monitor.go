package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/indexnow-engine/internal/errors"
	"github.com/indexnow-engine/internal/logging"
	"github.com/indexnow-engine/internal/metrics"
	"github.com/indexnow-engine/internal/models"
	"github.com/indexnow-engine/internal/quota"
	"github.com/indexnow-engine/internal/types"
)

// Quota reset defaults
const (
	DefaultResetUsageThreshold   = 5
	DefaultNotificationRetention = 24 * time.Hour
	DefaultSweepLockTTL          = 10 * time.Minute

	sweepLockName = "quota-reset"
)

// ResetCredentialStore lists and reactivates switched-off credentials
type ResetCredentialStore interface {
	ListDeactivated(ctx context.Context, reason types.DeactivationReason) ([]*models.Credential, error)
	// Reactivate must only touch credentials deactivated for quota_exhausted, resetting their usage.
	Reactivate(ctx context.Context, id string) (bool, error)
	// ResetUsage is Reactivate without switching the credential on.
	ResetUsage(ctx context.Context, id string) (bool, error)
}

// UsageReader reads the per-day usage counters
type UsageReader interface {
	UsedOn(ctx context.Context, credentialID string, at time.Time) (int, error)
}

// ResumableJobStore finds and resumes failed jobs
type ResumableJobStore interface {
	ListFailedWithError(ctx context.Context, marker string) ([]*models.Job, error)
	// ResumeFailed must be a conditional failed -> pending move.
	ResumeFailed(ctx context.Context, jobID string) (bool, error)
}

// ActiveCredentialChecker reports whether a pool has an active credential
type ActiveCredentialChecker interface {
	HasActiveCredential(ctx context.Context, scope models.Scope) (bool, error)
}

// NotificationCleaner removes old quota alerts
type NotificationCleaner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// SweepLocker is a best-effort cross-process lock
type SweepLocker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, name, token string) error
}

// QuotaResetConfig holds configuration for the quota reset monitor
type QuotaResetConfig struct {
	Credentials   ResetCredentialStore
	Usage         UsageReader
	Jobs          ResumableJobStore
	Pools         ActiveCredentialChecker
	Notifications NotificationCleaner // optional
	Locker        SweepLocker         // optional

	// UsageThreshold: a credential with less usage than this today is assumed to be in a new quota period.
	UsageThreshold        int
	NotificationRetention time.Duration
	LockTTL               time.Duration

	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// QuotaResetMonitor reverses automatic quota exhaustion once a new quota period starts
type QuotaResetMonitor struct {
	credentials   ResetCredentialStore
	usage         UsageReader
	jobs          ResumableJobStore
	pools         ActiveCredentialChecker
	notifications NotificationCleaner
	locker        SweepLocker

	threshold int
	retention time.Duration
	lockTTL   time.Duration

	metrics *metrics.Metrics
	logger  *logging.Logger
	now     func() time.Time
}

// NewQuotaResetMonitor creates a new quota reset monitor
func NewQuotaResetMonitor(cfg *QuotaResetConfig) (*QuotaResetMonitor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("credential store cannot be nil")
	}
	if cfg.Usage == nil {
		return nil, fmt.Errorf("usage reader cannot be nil")
	}
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("job store cannot be nil")
	}
	if cfg.Pools == nil {
		return nil, fmt.Errorf("credential pool checker cannot be nil")
	}

	m := &QuotaResetMonitor{
		credentials:   cfg.Credentials,
		usage:         cfg.Usage,
		jobs:          cfg.Jobs,
		pools:         cfg.Pools,
		notifications: cfg.Notifications,
		locker:        cfg.Locker,
		threshold:     cfg.UsageThreshold,
		retention:     cfg.NotificationRetention,
		lockTTL:       cfg.LockTTL,
		metrics:       cfg.Metrics,
		now:           time.Now,
	}
	if m.threshold <= 0 {
		m.threshold = DefaultResetUsageThreshold
	}
	if m.retention <= 0 {
		m.retention = DefaultNotificationRetention
	}
	if m.lockTTL <= 0 {
		m.lockTTL = DefaultSweepLockTTL
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	m.logger = logger.WithField("component", "quota-reset")

	return m, nil
}

// RunSweep runs the three sweep steps. A failing step does not stop the others;
// their errors are joined in the returned error and listed in the report.
func (m *QuotaResetMonitor) RunSweep(ctx context.Context) (*models.SweepReport, error) {
	report := &models.SweepReport{}

	if m.locker != nil {
		token, ok, err := m.locker.Acquire(ctx, sweepLockName, m.lockTTL)
		switch {
		case err != nil:
			m.logger.WithError(err).Warn("Sweep lock unavailable, sweeping without it")
		case !ok:
			m.logger.Debug("Another sweep is running, skipping")
			report.Skipped = true
			return report, nil
		default:
			defer func() {
				if err := m.locker.Release(context.WithoutCancel(ctx), sweepLockName, token); err != nil {
					m.logger.WithError(err).Warn("Failed to release sweep lock")
				}
			}()
		}
	}

	var errs []error
	step := func(name string, fn func(context.Context) error) {
		defer func() {
			if r := recover(); r != nil {
				err := apperrors.NewPanicError(name, r)
				errs = append(errs, err)
				report.StepErrors = append(report.StepErrors, err.Error())
			}
		}()
		if err := fn(ctx); err != nil {
			err = fmt.Errorf("%s: %w", name, err)
			errs = append(errs, err)
			report.StepErrors = append(report.StepErrors, err.Error())
		}
	}

	step("reactivate credentials", func(ctx context.Context) error {
		n, err := m.ReactivateCredentials(ctx)
		report.Reactivated = n
		return err
	})
	step("resume jobs", func(ctx context.Context) error {
		n, err := m.ResumeJobs(ctx)
		report.JobsResumed = n
		return err
	})
	step("delete notifications", func(ctx context.Context) error {
		n, err := m.CleanupNotifications(ctx)
		report.NotificationsDeleted = n
		return err
	})

	log := m.logger.WithFields(map[string]interface{}{
		"reactivated":           report.Reactivated,
		"jobs_resumed":          report.JobsResumed,
		"notifications_deleted": report.NotificationsDeleted,
	})
	if len(errs) > 0 {
		log.WithField("step_errors", report.StepErrors).Warn("Quota reset sweep finished with errors")
		return report, errors.Join(errs...)
	}
	if report.Reactivated > 0 || report.JobsResumed > 0 {
		log.Info("Quota reset sweep finished")
	} else {
		log.Debug("Quota reset sweep finished")
	}
	return report, nil
}

// ReactivateCredentials returns quota-exhausted credentials to service when their quota period
// has turned over: at an explicit NextResetAt when one is recorded, otherwise when today's
// usage is below the threshold. Only the earliest one of a scope without an active credential
// is switched on; the rest get their usage reset and wait for failover. Revoked credentials
// are never listed, so never touched.
func (m *QuotaResetMonitor) ReactivateCredentials(ctx context.Context) (int, error) {
	creds, err := m.credentials.ListDeactivated(ctx, types.ReasonQuotaExhausted)
	if err != nil {
		return 0, err
	}

	now := m.now()
	reactivated := 0
	var failures int
	scopeActive := make(map[string]bool)

	for _, c := range creds {
		log := m.logger.WithFields(map[string]interface{}{
			"credential_id": c.ID,
			"provider":      c.Provider,
		})

		due, reason, err := m.resetDue(ctx, c, now)
		if err != nil {
			failures++
			log.WithError(err).Warn("Failed to read credential usage")
			continue
		}
		if !due {
			continue
		}

		scope := quota.ScopeOf(c)
		active, seen := scopeActive[scope.String()]
		if !seen {
			active, err = m.pools.HasActiveCredential(ctx, scope)
			if err != nil {
				failures++
				log.WithError(err).Warn("Failed to check credential pool")
				continue
			}
			scopeActive[scope.String()] = active
		}

		var ok bool
		if active {
			ok, err = m.credentials.ResetUsage(ctx, c.ID)
		} else {
			ok, err = m.credentials.Reactivate(ctx, c.ID)
		}
		if err != nil {
			failures++
			log.WithError(err).Warn("Failed to reactivate credential")
			continue
		}
		if !ok {
			continue
		}
		if !active {
			scopeActive[scope.String()] = true
		}

		reactivated++
		m.metrics.Reactivated(string(c.Provider))
		log.WithFields(map[string]interface{}{
			"reason":  reason,
			"standby": active,
		}).Info("Credential reactivated after quota reset")
	}

	if failures > 0 {
		return reactivated, fmt.Errorf("%d of %d credentials could not be checked", failures, len(creds))
	}
	return reactivated, nil
}

func (m *QuotaResetMonitor) resetDue(ctx context.Context, c *models.Credential, now time.Time) (bool, string, error) {
	if c.NextResetAt != nil {
		return !now.Before(*c.NextResetAt), "next_reset_at", nil
	}

	used, err := m.usage.UsedOn(ctx, c.ID, now)
	if err != nil {
		return false, "", err
	}
	return used < m.threshold, "low_usage_today", nil
}

// ResumeJobs moves failed jobs whose error marks quota exhaustion back to pending
// when their owner has an active indexing credential again
func (m *QuotaResetMonitor) ResumeJobs(ctx context.Context) (int, error) {
	jobs, err := m.jobs.ListFailedWithError(ctx, apperrors.QuotaExhaustedMarker)
	if err != nil {
		return 0, err
	}

	resumed := 0
	hasActive := make(map[string]bool)
	var failures int

	for _, j := range jobs {
		if j.Status != types.JobStatusFailed || j.ErrorMessage == nil || !apperrors.IsQuotaExhaustedMessage(*j.ErrorMessage) {
			continue
		}

		active, seen := hasActive[j.UserID]
		if !seen {
			active, err = m.pools.HasActiveCredential(ctx, models.Scope{Provider: types.ProviderIndexing, OwnerID: j.UserID})
			if err != nil {
				failures++
				m.logger.WithField("user_id", j.UserID).WithError(err).Warn("Failed to check owner credentials")
				continue
			}
			hasActive[j.UserID] = active
		}
		if !active {
			continue
		}

		ok, err := m.jobs.ResumeFailed(ctx, j.ID)
		if err != nil {
			failures++
			m.logger.WithField("job_id", j.ID).WithError(err).Warn("Failed to resume job")
			continue
		}
		if ok {
			resumed++
			m.metrics.JobResumed()
			m.logger.WithFields(map[string]interface{}{
				"job_id":  j.ID,
				"user_id": j.UserID,
			}).Info("Resumed job paused on quota")
		}
	}

	if failures > 0 {
		return resumed, fmt.Errorf("%d of %d jobs could not be resumed", failures, len(jobs))
	}
	return resumed, nil
}

// CleanupNotifications deletes quota alerts older than the retention window
func (m *QuotaResetMonitor) CleanupNotifications(ctx context.Context) (int64, error) {
	if m.notifications == nil {
		return 0, nil
	}
	return m.notifications.DeleteOlderThan(ctx, m.now().Add(-m.retention))
}
