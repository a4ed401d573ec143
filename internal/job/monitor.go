package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/indexnow-engine/internal/logging"
	"github.com/indexnow-engine/internal/metrics"
	"github.com/indexnow-engine/internal/models"
)

// DefaultMaxConcurrentJobs bounds the jobs processed at once by one monitor
const DefaultMaxConcurrentJobs = 3

// DefaultStaleLockTTL is how long a running job may go without a progress write before it
// counts as stuck. Every finished batch refreshes the lock.
const DefaultStaleLockTTL = 30 * time.Minute

// PendingJobSource lists and recovers jobs
type PendingJobSource interface {
	ListPending(ctx context.Context, limit int) ([]*models.Job, error)
	ResetStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// JobRunner processes one job
type JobRunner interface {
	ProcessJob(ctx context.Context, jobID string) error
	Active() *ActiveSet
}

// MonitorConfig holds configuration for the job monitor
type MonitorConfig struct {
	Jobs              PendingJobSource
	Runner            JobRunner
	MaxConcurrentJobs int
	StaleLockTTL      time.Duration
	Metrics           *metrics.Metrics
	Logger            *logging.Logger
}

// Monitor polls for pending jobs and hands them to the processor in the background
type Monitor struct {
	jobs     PendingJobSource
	runner   JobRunner
	sem      chan struct{}
	staleTTL time.Duration
	metrics  *metrics.Metrics
	logger   *logging.Logger
	now      func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// NewMonitor creates a new job monitor
func NewMonitor(cfg *MonitorConfig) (*Monitor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("job source cannot be nil")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("job runner cannot be nil")
	}

	workers := cfg.MaxConcurrentJobs
	if workers <= 0 {
		workers = DefaultMaxConcurrentJobs
	}
	staleTTL := cfg.StaleLockTTL
	if staleTTL <= 0 {
		staleTTL = DefaultStaleLockTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		jobs:     cfg.Jobs,
		runner:   cfg.Runner,
		sem:      make(chan struct{}, workers),
		staleTTL: staleTTL,
		metrics:  cfg.Metrics,
		logger:   logger.WithField("component", "job-monitor"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Tick dispatches pending jobs up to the free worker slots and returns how many were started.
// Dispatched jobs outlive the tick; they stop on Stop.
func (m *Monitor) Tick(ctx context.Context) (int, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return 0, nil
	}
	m.mu.Unlock()

	free := cap(m.sem) - len(m.sem)
	if free <= 0 {
		m.logger.Debug("All worker slots busy")
		return 0, nil
	}

	// over-fetch so jobs already running here do not starve the free slots
	jobs, err := m.jobs.ListPending(ctx, free+m.runner.Active().Len())
	if err != nil {
		return 0, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	dispatched := 0
	for _, j := range jobs {
		if m.runner.Active().Contains(j.ID) {
			continue
		}

		select {
		case m.sem <- struct{}{}:
		default:
			return dispatched, nil
		}

		if !m.spawn(j.ID) {
			<-m.sem
			return dispatched, nil
		}
		dispatched++
	}

	if dispatched > 0 {
		m.logger.WithField("dispatched", dispatched).Debug("Dispatched pending jobs")
	}
	return dispatched, nil
}

func (m *Monitor) spawn(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() { <-m.sem }()
		defer func() {
			if r := recover(); r != nil {
				m.logger.WithField("job_id", jobID).Errorf("Job processing panicked: %v", r)
			}
		}()

		if err := m.runner.ProcessJob(m.ctx, jobID); err != nil {
			m.logger.WithField("job_id", jobID).WithError(err).Debug("Job ended with error")
		}
	}()
	return true
}

// RecoverStuck resets running jobs whose lock is older than the stale TTL back to pending
func (m *Monitor) RecoverStuck(ctx context.Context) (int64, error) {
	cutoff := m.now().Add(-m.staleTTL)

	n, err := m.jobs.ResetStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale jobs: %w", err)
	}

	if n > 0 {
		m.metrics.StaleJobsReset(n)
		m.logger.WithFields(map[string]interface{}{
			"reset":  n,
			"cutoff": cutoff,
		}).Warn("Reset stuck jobs to pending")
	}
	return n, nil
}

// Stop cancels dispatched jobs and waits for them until ctx is done
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}
