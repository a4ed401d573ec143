// Package service holds the scheduled workflows: daily rank checks and the quota reset sweep.
package service

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/indexnow-engine/internal/errors"
	"github.com/indexnow-engine/internal/logging"
	"github.com/indexnow-engine/internal/metrics"
	"github.com/indexnow-engine/internal/models"
	"github.com/indexnow-engine/internal/retry"
	"github.com/indexnow-engine/internal/types"
	"github.com/indexnow-engine/internal/worker"
)

// Rank check defaults
const (
	DefaultRankBatchSize       = 5
	DefaultRankInterBatchDelay = 2 * time.Second
	DefaultInterOwnerDelay     = 5 * time.Second
)

// KeywordStore is the keyword task persistence the rank check needs
type KeywordStore interface {
	ListDue(ctx context.Context, date string) ([]*models.KeywordTask, error)
	MarkChecked(ctx context.Context, id, date string) error
	Stats(ctx context.Context, date string) (*models.RankCheckStats, error)
}

// RankResultStore persists rank observations
type RankResultStore interface {
	Insert(ctx context.Context, res *models.RankResult) error
}

// RankFetcher calls the rank-data API
type RankFetcher interface {
	CheckRank(ctx context.Context, q models.RankQuery, cred *models.Credential) (*models.RankResult, error)
}

// QuotaPool resolves and charges credentials of a pool
type QuotaPool interface {
	AvailableQuota(ctx context.Context, scope models.Scope) (int, error)
	GetActiveCredential(ctx context.Context, scope models.Scope) (*models.Credential, error)
	RecordUsage(ctx context.Context, credentialID string, units int) (*models.Credential, error)
	ReportHealth(ctx context.Context, credentialID string, callErr error)
	UnitCost() int
}

// RankCheckConfig holds configuration for the rank check service
type RankCheckConfig struct {
	Keywords KeywordStore
	Results  RankResultStore
	Fetcher  RankFetcher
	Quota    QuotaPool

	BatchSize       int
	InterBatchDelay time.Duration
	InterOwnerDelay time.Duration
	Location        *time.Location // zone in which a task is due "today"
	Retry           *retry.RetryConfig

	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// RankCheckService runs the daily rank check against the shared rank credential pool
type RankCheckService struct {
	keywords KeywordStore
	results  RankResultStore
	fetcher  RankFetcher
	quota    QuotaPool
	scope    models.Scope

	batchSize       int
	interBatchDelay time.Duration
	interOwnerDelay time.Duration
	loc             *time.Location
	retry           *retry.RetryConfig

	metrics *metrics.Metrics
	logger  *logging.Logger
	now     func() time.Time
}

// NewRankCheckService creates a new rank check service.
// Zero delays fall back to the defaults; use a negative value to disable one.
func NewRankCheckService(cfg *RankCheckConfig) (*RankCheckService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Keywords == nil {
		return nil, fmt.Errorf("keyword store cannot be nil")
	}
	if cfg.Results == nil {
		return nil, fmt.Errorf("rank result store cannot be nil")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("rank fetcher cannot be nil")
	}
	if cfg.Quota == nil {
		return nil, fmt.Errorf("quota pool cannot be nil")
	}

	s := &RankCheckService{
		keywords:        cfg.Keywords,
		results:         cfg.Results,
		fetcher:         cfg.Fetcher,
		quota:           cfg.Quota,
		scope:           models.Scope{Provider: types.ProviderRank},
		batchSize:       cfg.BatchSize,
		interBatchDelay: cfg.InterBatchDelay,
		interOwnerDelay: cfg.InterOwnerDelay,
		loc:             cfg.Location,
		retry:           cfg.Retry,
		metrics:         cfg.Metrics,
		now:             time.Now,
	}

	if s.batchSize <= 0 {
		s.batchSize = DefaultRankBatchSize
	}
	if s.interBatchDelay == 0 {
		s.interBatchDelay = DefaultRankInterBatchDelay
	}
	if s.interOwnerDelay == 0 {
		s.interOwnerDelay = DefaultInterOwnerDelay
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.retry == nil {
		s.retry = retry.DefaultRetryConfig()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s.logger = logger.WithField("component", "rank-check")

	return s, nil
}

// ownerGroup is one owner's due tasks in creation order
type ownerGroup struct {
	ownerID string
	tasks   []*models.KeywordTask
}

// groupByOwner keeps the first-seen order of owners and the input order within each owner
func groupByOwner(tasks []*models.KeywordTask) []ownerGroup {
	index := make(map[string]int)
	var groups []ownerGroup
	for _, t := range tasks {
		i, ok := index[t.UserID]
		if !ok {
			i = len(groups)
			index[t.UserID] = i
			groups = append(groups, ownerGroup{ownerID: t.UserID})
		}
		groups[i].tasks = append(groups[i].tasks, t)
	}
	return groups
}

// ProcessDailyRankChecks checks every due keyword task the quota allows, one owner at a time.
// Owner failures are counted as errors for that owner's whole group and never stop the run.
func (s *RankCheckService) ProcessDailyRankChecks(ctx context.Context) (worker.BatchResult, error) {
	var total worker.BatchResult
	today := models.DateOf(s.now(), s.loc)

	tasks, err := s.keywords.ListDue(ctx, today)
	if err != nil {
		return total, apperrors.NewDatabaseError("list due keyword tasks", err)
	}
	if len(tasks) == 0 {
		s.logger.WithField("date", today).Info("No keyword tasks due")
		return total, nil
	}

	groups := groupByOwner(tasks)
	s.logger.WithFields(map[string]interface{}{
		"date":   today,
		"due":    len(tasks),
		"owners": len(groups),
	}).Info("Starting daily rank check")

	for i, g := range groups {
		if i > 0 {
			if err := worker.Sleep(ctx, s.interOwnerDelay); err != nil {
				return total, err
			}
		}

		res, err := s.processOwner(ctx, g, today)
		total.Add(res)
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			s.logger.WithField("user_id", g.ownerID).WithError(err).Error("Owner rank check failed")
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"processed": total.Processed,
		"errors":    total.Errors,
	}).Info("Daily rank check finished")

	return total, nil
}

// processOwner runs one owner's group. Any failure outside the per-task boundary,
// panics included, turns the whole group into errors.
func (s *RankCheckService) processOwner(ctx context.Context, g ownerGroup, today string) (res worker.BatchResult, err error) {
	log := s.logger.WithField("user_id", g.ownerID)
	ctx = logging.WithLogger(ctx, log)

	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewOwnerGroupError(g.ownerID, apperrors.NewPanicError("rank check", r))
		}
		if err != nil && ctx.Err() == nil {
			res = worker.BatchResult{Errors: len(g.tasks)}
		}
	}()

	available, err := s.quota.AvailableQuota(ctx, s.scope)
	if err != nil {
		return res, apperrors.NewOwnerGroupError(g.ownerID, err)
	}

	checks := available / s.quota.UnitCost()
	if checks <= 0 {
		log.WithField("due", len(g.tasks)).Info("No rank quota available, skipping owner")
		return res, nil
	}

	tasks := g.tasks
	if checks < len(tasks) {
		log.WithFields(map[string]interface{}{
			"due":       len(tasks),
			"checkable": checks,
			"shortfall": len(tasks) - checks,
		}).Warn("Rank quota short, checking a subset today")
		tasks = tasks[:checks]
	}

	res, err = worker.RunBatches(ctx, tasks, worker.BatchOptions{
		Size:            s.batchSize,
		InterBatchDelay: s.interBatchDelay,
	}, func(ctx context.Context, task *models.KeywordTask) error {
		return s.checkOne(ctx, task, today)
	})
	if err != nil {
		return res, err
	}

	log.WithFields(map[string]interface{}{
		"processed": res.Processed,
		"errors":    res.Errors,
	}).Debug("Owner rank check finished")
	return res, nil
}

// checkOne looks up one keyword, persists the result and marks the task checked for today
func (s *RankCheckService) checkOne(ctx context.Context, task *models.KeywordTask, today string) error {
	cred, err := s.quota.GetActiveCredential(ctx, s.scope)
	if err != nil {
		return apperrors.NewItemError(task.ID, err)
	}
	if cred == nil {
		s.metrics.RankCheck("quota")
		return apperrors.NewQuotaExhaustedError(s.scope.String())
	}

	var result *models.RankResult
	err = retry.Do(ctx, s.retry, func(ctx context.Context, _ int) error {
		var err error
		result, err = s.fetcher.CheckRank(ctx, task.Query(), cred)
		return err
	})
	s.quota.ReportHealth(ctx, cred.ID, err)
	if err != nil {
		if apperrors.IsQuotaExhausted(err) {
			s.metrics.RankCheck("quota")
		} else {
			s.metrics.RankCheck("failed")
		}
		logging.FromContext(ctx).WithField("keyword_id", task.ID).WithError(err).Warn("Rank check failed")
		return apperrors.NewItemError(task.ID, err)
	}

	if _, err := s.quota.RecordUsage(ctx, cred.ID, s.quota.UnitCost()); err != nil {
		logging.FromContext(ctx).WithField("credential_id", cred.ID).WithError(err).Warn("Failed to record rank quota usage")
	}

	result.KeywordID = task.ID
	result.UserID = task.UserID
	result.Keyword = task.Keyword
	result.Domain = task.Domain
	result.Device = task.Device
	result.CountryCode = task.CountryCode
	result.CredentialID = cred.ID
	if result.CheckedAt.IsZero() {
		result.CheckedAt = s.now().UTC()
	}

	if err := s.results.Insert(ctx, result); err != nil {
		s.metrics.RankCheck("failed")
		return apperrors.NewItemError(task.ID, err)
	}
	if err := s.keywords.MarkChecked(ctx, task.ID, today); err != nil {
		s.metrics.RankCheck("failed")
		return apperrors.NewItemError(task.ID, err)
	}

	s.metrics.RankCheck("success")
	return nil
}

// GetStats returns today's rank check progress
func (s *RankCheckService) GetStats(ctx context.Context) (*models.RankCheckStats, error) {
	stats, err := s.keywords.Stats(ctx, models.DateOf(s.now(), s.loc))
	if err != nil {
		return nil, apperrors.NewDatabaseError("rank check stats", err)
	}
	return stats, nil
}
