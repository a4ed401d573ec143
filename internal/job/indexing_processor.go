// Package job processes indexing jobs: claiming, batched URL submission and progress reporting.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	apperrors "github.com/indexnow-engine/internal/errors"
	"github.com/indexnow-engine/internal/logging"
	"github.com/indexnow-engine/internal/metrics"
	"github.com/indexnow-engine/internal/models"
	"github.com/indexnow-engine/internal/types"
	"github.com/indexnow-engine/internal/worker"
)

// DefaultBatchSize is the number of URLs submitted concurrently
const DefaultBatchSize = 10

var errJobCancelled = errors.New("job cancelled")

// JobStore is the job persistence the processor needs
type JobStore interface {
	LockStore
	GetByID(ctx context.Context, jobID string) (*models.Job, error)
	GetStatus(ctx context.Context, jobID string) (types.JobStatus, error)
	UpdateProgress(ctx context.Context, job *models.Job) error
	MarkCompleted(ctx context.Context, job *models.Job, now time.Time) error
	MarkFailed(ctx context.Context, jobID, message string, now time.Time) error
}

// SubmissionStore is the URL submission persistence the processor needs
type SubmissionStore interface {
	ListPendingByJob(ctx context.Context, jobID string) ([]*models.URLSubmission, error)
	MarkSubmitted(ctx context.Context, id, credentialID string, at time.Time) error
	MarkFailed(ctx context.Context, id string, status types.SubmissionStatus, credentialID, message string) error
}

// CredentialSource resolves and charges credentials
type CredentialSource interface {
	GetActiveCredential(ctx context.Context, scope models.Scope) (*models.Credential, error)
	RecordUsage(ctx context.Context, credentialID string, units int) (*models.Credential, error)
	ReportHealth(ctx context.Context, credentialID string, callErr error)
	UnitCost() int
}

// Submitter sends one URL to the indexing API. Any non-success is an error whose
// message is safe to persist.
type Submitter interface {
	Submit(ctx context.Context, url string, cred *models.Credential) error
}

// JobUpdate is the payload of a progress notification
type JobUpdate struct {
	Status        types.JobStatus `json:"status"`
	Progress      float64         `json:"progress"`
	ProcessedURLs int             `json:"processedUrls"`
	TotalURLs     int             `json:"totalUrls"`
	CurrentURL    string          `json:"currentUrl,omitempty"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ProgressNotifier pushes job updates to connected clients.
// It must not block and its failures never affect the job.
type ProgressNotifier interface {
	BroadcastJobUpdate(ctx context.Context, ownerID, jobID string, update JobUpdate)
}

// ProcessorConfig holds configuration for the indexing processor
type ProcessorConfig struct {
	Jobs        JobStore
	Submissions SubmissionStore
	Credentials CredentialSource
	Submitter   Submitter
	Notifier    ProgressNotifier // optional
	Active      *ActiveSet       // shared with whoever dispatches jobs

	BatchSize       int
	InterBatchDelay time.Duration

	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// IndexingProcessor runs indexing jobs
type IndexingProcessor struct {
	jobs        JobStore
	submissions SubmissionStore
	credentials CredentialSource
	submitter   Submitter
	notifier    ProgressNotifier
	active      *ActiveSet
	locks       *LockManager

	batchSize       int
	interBatchDelay time.Duration

	metrics *metrics.Metrics
	logger  *logging.Logger
	now     func() time.Time
}

// NewIndexingProcessor creates a new indexing processor
func NewIndexingProcessor(cfg *ProcessorConfig) (*IndexingProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("job store cannot be nil")
	}
	if cfg.Submissions == nil {
		return nil, fmt.Errorf("submission store cannot be nil")
	}
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("credential source cannot be nil")
	}
	if cfg.Submitter == nil {
		return nil, fmt.Errorf("submitter cannot be nil")
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	active := cfg.Active
	if active == nil {
		active = NewActiveSet()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &IndexingProcessor{
		jobs:            cfg.Jobs,
		submissions:     cfg.Submissions,
		credentials:     cfg.Credentials,
		submitter:       cfg.Submitter,
		notifier:        cfg.Notifier,
		active:          active,
		locks:           NewLockManager(cfg.Jobs),
		batchSize:       batchSize,
		interBatchDelay: cfg.InterBatchDelay,
		metrics:         cfg.Metrics,
		logger:          logger.WithField("component", "indexing-processor"),
		now:             time.Now,
	}, nil
}

// Active returns the in-process set of executing jobs
func (p *IndexingProcessor) Active() *ActiveSet {
	return p.active
}

// ProcessJob runs one job to completion. Contention and missing jobs are skipped
// silently. A returned error means the job was marked failed.
func (p *IndexingProcessor) ProcessJob(ctx context.Context, jobID string) error {
	log := p.logger.WithField("job_id", jobID)

	if !p.active.TryAdd(jobID) {
		log.Debug("Job already executing in this process, skipping")
		return nil
	}
	defer p.active.Remove(jobID)

	token, acquired, err := p.locks.Acquire(ctx, jobID)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := p.locks.Release(context.WithoutCancel(ctx), jobID, token); err != nil {
			log.WithError(err).Warn("Failed to release job lock")
		}
	}()

	p.metrics.JobStarted()
	defer p.metrics.JobStopped()

	job, err := p.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, apperrors.ErrJobNotFound) {
			log.Warn("Claimed job no longer exists")
			return nil
		}
		return p.fail(ctx, &models.Job{ID: jobID}, err)
	}
	job.Status = types.JobStatusRunning
	job.LockedBy = &token

	ctx = logging.WithLogger(ctx, log.WithField("user_id", job.UserID))

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = apperrors.NewPanicError("job "+jobID, r)
			}
		}()
		runErr = p.run(ctx, job)
	}()

	switch {
	case runErr == nil:
		return nil
	case errors.Is(runErr, errJobCancelled):
		log.Info("Job cancelled, stopping")
		p.metrics.JobFinished(string(types.JobStatusCancelled))
		p.notify(ctx, job, types.JobStatusCancelled, "", "")
		return nil
	case errors.Is(runErr, apperrors.ErrLockLost):
		// reset as stale and possibly claimed again; the current holder owns the job now
		log.WithError(runErr).Warn("Job lock lost, abandoning run")
		return nil
	case ctx.Err() != nil && errors.Is(runErr, ctx.Err()):
		// left running with the lock cleared; stuck-job recovery returns it to pending
		log.WithError(runErr).Warn("Job interrupted by shutdown")
		return nil
	default:
		return p.fail(ctx, job, runErr)
	}
}

func (p *IndexingProcessor) run(ctx context.Context, job *models.Job) error {
	log := logging.FromContext(ctx)
	p.notify(ctx, job, types.JobStatusRunning, "", "")

	pending, err := p.submissions.ListPendingByJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		log.Info("No pending URLs, completing job")
		return p.complete(ctx, job)
	}
	if remaining := job.ProcessedURLs + len(pending); job.TotalURLs < remaining {
		job.TotalURLs = remaining
	}

	scope := models.Scope{Provider: types.ProviderIndexing, OwnerID: job.UserID}
	first, err := p.resolveCredential(ctx, scope)
	if err != nil {
		return err
	}

	var cred atomic.Pointer[models.Credential]
	cred.Store(first)
	var lastURL atomic.Value

	log.WithFields(map[string]interface{}{
		"pending":       len(pending),
		"total_batches": (len(pending) + p.batchSize - 1) / p.batchSize,
	}).Info("Processing indexing job")

	opts := worker.BatchOptions{
		Size:            p.batchSize,
		InterBatchDelay: p.interBatchDelay,
		OnBatchComplete: func(ctx context.Context, r worker.BatchReport) error {
			job.RecordOutcome(r.Processed, r.Errors)
			if err := p.jobs.UpdateProgress(ctx, job); err != nil {
				return p.checkLockLost(ctx, job.ID, err)
			}

			current, _ := lastURL.Load().(string)
			p.notify(ctx, job, types.JobStatusRunning, current, "")

			log.WithFields(map[string]interface{}{
				"batch_number":  r.Index + 1,
				"total_batches": r.Batches,
				"successful":    r.Processed,
				"failed":        r.Errors,
				"progress":      job.ProgressPercentage,
			}).Debug("Batch finished")

			if r.Index == r.Batches-1 {
				return nil
			}

			status, err := p.jobs.GetStatus(ctx, job.ID)
			if err != nil {
				return err
			}
			if status == types.JobStatusCancelled {
				return errJobCancelled
			}

			next, err := p.resolveCredential(ctx, scope)
			if err != nil {
				return err
			}
			cred.Store(next)
			return nil
		},
	}

	_, err = worker.RunBatches(ctx, pending, opts, func(ctx context.Context, sub *models.URLSubmission) error {
		err := p.submit(ctx, sub, cred.Load())
		lastURL.Store(sub.URL)
		return err
	})
	if err != nil {
		return err
	}

	return p.complete(ctx, job)
}

// resolveCredential returns the owner's usable credential or a quota-exhausted error
func (p *IndexingProcessor) resolveCredential(ctx context.Context, scope models.Scope) (*models.Credential, error) {
	c, err := p.credentials.GetActiveCredential(ctx, scope)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, apperrors.NewQuotaExhaustedError(scope.String())
	}
	return c, nil
}

// submit sends one URL and records the outcome on its submission row
func (p *IndexingProcessor) submit(ctx context.Context, sub *models.URLSubmission, cred *models.Credential) error {
	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"submission_id": sub.ID,
		"credential_id": cred.ID,
	})

	callErr := p.submitter.Submit(ctx, sub.URL, cred)
	p.credentials.ReportHealth(ctx, cred.ID, callErr)

	if callErr != nil {
		status := types.SubmissionFailed
		if apperrors.IsQuotaExhausted(callErr) {
			status = types.SubmissionQuotaExceeded
		}
		p.metrics.Submission(string(status))

		if err := p.submissions.MarkFailed(ctx, sub.ID, status, cred.ID, callErr.Error()); err != nil {
			log.WithError(err).Warn("Failed to record submission failure")
		}
		log.WithField("url", sub.URL).WithError(callErr).Debug("URL submission failed")
		return callErr
	}

	p.metrics.Submission(string(types.SubmissionSubmitted))

	if _, err := p.credentials.RecordUsage(ctx, cred.ID, p.credentials.UnitCost()); err != nil {
		log.WithError(err).Warn("Failed to record quota usage")
	}
	if err := p.submissions.MarkSubmitted(ctx, sub.ID, cred.ID, p.now()); err != nil {
		log.WithError(err).Warn("Failed to mark submission submitted")
	}
	return nil
}

func (p *IndexingProcessor) complete(ctx context.Context, job *models.Job) error {
	job.ProgressPercentage = models.Progress(job.ProcessedURLs, job.TotalURLs)
	if err := p.jobs.MarkCompleted(ctx, job, p.now()); err != nil {
		return p.checkLockLost(ctx, job.ID, err)
	}
	job.Status = types.JobStatusCompleted

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"processed":  job.ProcessedURLs,
		"successful": job.SuccessfulURLs,
		"failed":     job.FailedURLs,
	}).Info("Indexing job completed")

	p.metrics.JobFinished(string(types.JobStatusCompleted))
	p.notify(ctx, job, types.JobStatusCompleted, "", "")
	return nil
}

// checkLockLost turns a lost lock into errJobCancelled when the job was cancelled
// meanwhile. Other errors pass through.
func (p *IndexingProcessor) checkLockLost(ctx context.Context, jobID string, err error) error {
	if !errors.Is(err, apperrors.ErrLockLost) {
		return err
	}
	status, statusErr := p.jobs.GetStatus(ctx, jobID)
	if statusErr == nil && status == types.JobStatusCancelled {
		return errJobCancelled
	}
	return err
}

// fail marks the job failed and returns the cause wrapped as a fatal job error
func (p *IndexingProcessor) fail(ctx context.Context, job *models.Job, cause error) error {
	ctx = context.WithoutCancel(ctx)
	message := cause.Error()

	if err := p.jobs.MarkFailed(ctx, job.ID, message, p.now()); err != nil {
		p.logger.WithField("job_id", job.ID).WithError(err).Error("Failed to mark job failed")
	}
	job.Status = types.JobStatusFailed
	job.ErrorMessage = &message

	log := p.logger.WithField("job_id", job.ID).WithError(cause)
	if apperrors.IsQuotaExhausted(cause) {
		log.Warn("Indexing job paused: quota exhausted")
	} else {
		log.Error("Indexing job failed")
	}

	p.metrics.JobFinished(string(types.JobStatusFailed))
	p.notify(ctx, job, types.JobStatusFailed, "", message)
	return apperrors.NewFatalJobError(job.ID, cause)
}

func (p *IndexingProcessor) notify(ctx context.Context, job *models.Job, status types.JobStatus, currentURL, errMsg string) {
	if p.notifier == nil || job.UserID == "" {
		return
	}
	p.notifier.BroadcastJobUpdate(ctx, job.UserID, job.ID, JobUpdate{
		Status:        status,
		Progress:      job.ProgressPercentage,
		ProcessedURLs: job.ProcessedURLs,
		TotalURLs:     job.TotalURLs,
		CurrentURL:    currentURL,
		ErrorMessage:  errMsg,
		Timestamp:     p.now(),
	})
}
