package worker

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

// ErrAlreadyRunning is returned by a manual trigger while the same task is executing
var ErrAlreadyRunning = errors.New("task already running")

// Task names
const (
	TaskRankCheck        = "rank-check"
	TaskQuotaReset       = "quota-reset"
	TaskJobMonitor       = "job-monitor"
	TaskStuckJobRecovery = "stuck-job-recovery"
)

// RankChecker runs the daily rank check
type RankChecker interface {
	ProcessDailyRankChecks(ctx context.Context) (BatchResult, error)
}

// QuotaSweeper runs one quota reset sweep
type QuotaSweeper interface {
	RunSweep(ctx context.Context) (*models.SweepReport, error)
}

// JobMonitor dispatches pending indexing jobs and recovers stuck ones
type JobMonitor interface {
	Tick(ctx context.Context) (int, error)
	RecoverStuck(ctx context.Context) (int64, error)
}

// JobCounter reports job counts by status
type JobCounter interface {
	CountByStatus(ctx context.Context) (map[types.JobStatus]int, error)
}

// CredentialSummarizer reports credential pool state per provider
type CredentialSummarizer interface {
	Summary(ctx context.Context) ([]models.CredentialSummary, error)
}

// RankStatsSource reports today's rank-check progress
type RankStatsSource interface {
	GetStats(ctx context.Context) (*models.RankCheckStats, error)
}

// Schedules holds the cron specs of the periodic triggers
type Schedules struct {
	RankCheck          string
	QuotaReset         string
	QuotaResetBoundary string // extra sweep runs around the provider's reset time
	JobMonitor         string
	StuckJobRecovery   string
}

// OrchestratorConfig holds configuration for the orchestrator
type OrchestratorConfig struct {
	Trigger     Trigger
	RankChecker RankChecker
	Sweeper     QuotaSweeper
	JobMonitor  JobMonitor
	Schedules   Schedules

	// Optional status sources
	Jobs        JobCounter
	Credentials CredentialSummarizer
	RankStats   RankStatsSource

	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// TaskStatus is the run state of one task
type TaskStatus struct {
	Name         string     `json:"name"`
	Schedules    []string   `json:"schedules"`
	Running      bool       `json:"running"`
	Runs         int        `json:"runs"`
	LastStarted  *time.Time `json:"lastStarted,omitempty"`
	LastDuration string     `json:"lastDuration,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
}

// Status is the orchestrator's own state
type Status struct {
	Initialized bool         `json:"initialized"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	Tasks       []TaskStatus `json:"tasks"`
}

// BackgroundServicesStatus combines the orchestrator state with the data it schedules over.
// A failing source is reported in Errors and does not hide the others.
type BackgroundServicesStatus struct {
	Status
	Jobs        map[types.JobStatus]int    `json:"jobs,omitempty"`
	Credentials []models.CredentialSummary `json:"credentials,omitempty"`
	RankChecks  *models.RankCheckStats     `json:"rankChecks,omitempty"`
	Errors      map[string]string          `json:"errors,omitempty"`
}

type taskState struct {
	schedules    []string
	running      bool
	runs         int
	lastStarted  time.Time
	lastDuration time.Duration
	lastError    string
}

// Orchestrator registers the periodic triggers and exposes manual runs of the same tasks
type Orchestrator struct {
	cfg    OrchestratorConfig
	logger *logging.Logger

	mu          sync.Mutex
	initialized bool
	stopped     bool
	startedAt   time.Time
	tasks       map[string]*taskState
	order       []string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(cfg *OrchestratorConfig) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Trigger == nil {
		return nil, fmt.Errorf("trigger cannot be nil")
	}
	if cfg.RankChecker == nil {
		return nil, fmt.Errorf("rank checker cannot be nil")
	}
	if cfg.Sweeper == nil {
		return nil, fmt.Errorf("quota sweeper cannot be nil")
	}
	if cfg.JobMonitor == nil {
		return nil, fmt.Errorf("job monitor cannot be nil")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:    *cfg,
		logger: logger.WithField("component", "orchestrator"),
		tasks:  make(map[string]*taskState),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, name := range []string{TaskRankCheck, TaskQuotaReset, TaskJobMonitor, TaskStuckJobRecovery} {
		o.tasks[name] = &taskState{}
		o.order = append(o.order, name)
	}
	return o, nil
}

// Initialize registers every periodic trigger and starts the scheduler.
// Calling it again is a no-op.
func (o *Orchestrator) Initialize() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped {
		return fmt.Errorf("orchestrator has been shut down")
	}
	if o.initialized {
		o.logger.Debug("Orchestrator already initialized")
		return nil
	}

	s := o.cfg.Schedules
	registrations := []struct {
		name string
		task string
		spec string
		run  func(ctx context.Context) error
	}{
		{"daily-rank-check", TaskRankCheck, s.RankCheck, o.runRankCheck},
		{"hourly-quota-reset", TaskQuotaReset, s.QuotaReset, o.runSweep},
		{"boundary-quota-reset", TaskQuotaReset, s.QuotaResetBoundary, o.runSweep},
		{"job-monitor", TaskJobMonitor, s.JobMonitor, o.runJobMonitor},
		{"stuck-job-recovery", TaskStuckJobRecovery, s.StuckJobRecovery, o.runRecovery},
	}

	var registered []string
	for _, r := range registrations {
		if r.spec == "" {
			o.logger.WithField("trigger", r.name).Warn("No schedule configured, trigger disabled")
			continue
		}
		task, run := r.task, r.run
		if err := o.cfg.Trigger.Register(r.name, r.spec, func() {
			o.scheduled(task, run)
		}); err != nil {
			// undo the partial registration so a later Initialize starts clean
			for _, name := range registered {
				o.cfg.Trigger.Unregister(name)
			}
			for _, st := range o.tasks {
				st.schedules = nil
			}
			return fmt.Errorf("failed to register %s: %w", r.name, err)
		}
		registered = append(registered, r.name)
		o.tasks[task].schedules = append(o.tasks[task].schedules, r.spec)
	}

	o.cfg.Trigger.Start()
	o.initialized = true
	o.startedAt = time.Now()

	o.logger.Info("Background services initialized")
	return nil
}

// scheduled is the entry point of every periodic run; nothing escapes it
func (o *Orchestrator) scheduled(task string, run func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			o.cfg.Metrics.TriggerPanic(task)
			o.logger.WithField("task", task).WithError(apperrors.NewPanicError(task, r)).Error("Scheduled task panicked")
		}
	}()

	if err := o.execute(o.ctx, task, run); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			o.logger.WithField("task", task).Debug("Previous run still in progress, skipping")
			return
		}
		o.logger.WithField("task", task).WithError(err).Error("Scheduled task failed")
	}
}

// execute runs task unless it is already running and records its outcome
func (o *Orchestrator) execute(ctx context.Context, task string, run func(ctx context.Context) error) (err error) {
	o.mu.Lock()
	st := o.tasks[task]
	if st.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	st.running = true
	st.lastStarted = time.Now()
	o.mu.Unlock()

	o.cfg.Metrics.TriggerRun(task)

	defer func() {
		if r := recover(); r != nil {
			o.cfg.Metrics.TriggerPanic(task)
			err = apperrors.NewPanicError(task, r)
		}

		o.mu.Lock()
		st.running = false
		st.runs++
		st.lastDuration = time.Since(st.lastStarted)
		st.lastError = ""
		if err != nil {
			st.lastError = err.Error()
		}
		o.mu.Unlock()
	}()

	return run(ctx)
}

func (o *Orchestrator) runRankCheck(ctx context.Context) error {
	res, err := o.cfg.RankChecker.ProcessDailyRankChecks(ctx)
	if err != nil {
		return err
	}
	o.logger.WithFields(map[string]interface{}{
		"processed": res.Processed,
		"errors":    res.Errors,
	}).Info("Daily rank check finished")
	return nil
}

func (o *Orchestrator) runSweep(ctx context.Context) error {
	_, err := o.cfg.Sweeper.RunSweep(ctx)
	return err
}

func (o *Orchestrator) runJobMonitor(ctx context.Context) error {
	_, err := o.cfg.JobMonitor.Tick(ctx)
	return err
}

func (o *Orchestrator) runRecovery(ctx context.Context) error {
	_, err := o.cfg.JobMonitor.RecoverStuck(ctx)
	return err
}

// TriggerManualRankCheck runs the daily rank check now
func (o *Orchestrator) TriggerManualRankCheck(ctx context.Context) (BatchResult, error) {
	var res BatchResult
	err := o.execute(ctx, TaskRankCheck, func(ctx context.Context) error {
		var err error
		res, err = o.cfg.RankChecker.ProcessDailyRankChecks(ctx)
		return err
	})
	return res, err
}

// TriggerQuotaResetSweep runs a quota reset sweep now
func (o *Orchestrator) TriggerQuotaResetSweep(ctx context.Context) (*models.SweepReport, error) {
	var report *models.SweepReport
	err := o.execute(ctx, TaskQuotaReset, func(ctx context.Context) error {
		var err error
		report, err = o.cfg.Sweeper.RunSweep(ctx)
		return err
	})
	return report, err
}

// TriggerJobMonitor runs one job monitor tick now and returns the number of jobs dispatched
func (o *Orchestrator) TriggerJobMonitor(ctx context.Context) (int, error) {
	var dispatched int
	err := o.execute(ctx, TaskJobMonitor, func(ctx context.Context) error {
		var err error
		dispatched, err = o.cfg.JobMonitor.Tick(ctx)
		return err
	})
	return dispatched, err
}

// GetStatus returns the orchestrator's state
func (o *Orchestrator) GetStatus() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := Status{Initialized: o.initialized}
	if o.initialized {
		started := o.startedAt
		status.StartedAt = &started
	}

	for _, name := range o.order {
		st := o.tasks[name]
		ts := TaskStatus{
			Name:      name,
			Schedules: append([]string(nil), st.schedules...),
			Running:   st.running,
			Runs:      st.runs,
			LastError: st.lastError,
		}
		if !st.lastStarted.IsZero() {
			started := st.lastStarted
			ts.LastStarted = &started
		}
		if st.runs > 0 {
			ts.LastDuration = st.lastDuration.Round(time.Millisecond).String()
		}
		status.Tasks = append(status.Tasks, ts)
	}
	return status
}

// GetBackgroundServicesStatus returns the orchestrator state together with job, credential and rank-check summaries
func (o *Orchestrator) GetBackgroundServicesStatus(ctx context.Context) *BackgroundServicesStatus {
	out := &BackgroundServicesStatus{Status: o.GetStatus()}
	fail := func(source string, err error) {
		if out.Errors == nil {
			out.Errors = make(map[string]string)
		}
		out.Errors[source] = err.Error()
		o.logger.WithField("source", source).WithError(err).Warn("Status source failed")
	}

	if o.cfg.Jobs != nil {
		if counts, err := o.cfg.Jobs.CountByStatus(ctx); err != nil {
			fail("jobs", err)
		} else {
			out.Jobs = counts
		}
	}
	if o.cfg.Credentials != nil {
		if summary, err := o.cfg.Credentials.Summary(ctx); err != nil {
			fail("credentials", err)
		} else {
			out.Credentials = summary
		}
	}
	if o.cfg.RankStats != nil {
		if stats, err := o.cfg.RankStats.GetStats(ctx); err != nil {
			fail("rankChecks", err)
		} else {
			out.RankChecks = stats
		}
	}
	return out
}

// Shutdown cancels running tasks and stops the scheduler, waiting until ctx is done
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	wasInitialized := o.initialized
	o.initialized = false
	o.stopped = true
	o.mu.Unlock()

	o.cancel()
	if !wasInitialized {
		return nil
	}

	if err := o.cfg.Trigger.Stop(ctx); err != nil {
		return err
	}
	o.logger.Info("Background services stopped")
	return nil
}
