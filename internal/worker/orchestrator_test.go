package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexnow-engine/internal/models"
	"github.com/indexnow-engine/internal/types"
)

// fakeTrigger records registrations and lets tests fire them directly
type fakeTrigger struct {
	mu      sync.Mutex
	fns     map[string]func()
	specs   map[string]string
	started int
	stopped int
	failOn  string // Register returns an error for this name
}

func newFakeTrigger() *fakeTrigger {
	return &fakeTrigger{fns: make(map[string]func()), specs: make(map[string]string)}
}

func (f *fakeTrigger) Register(name, spec string, fn func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.fns[name]; ok {
		return fmt.Errorf("trigger %q already registered", name)
	}
	if name == f.failOn {
		return fmt.Errorf("invalid schedule %q for trigger %q", spec, name)
	}
	f.fns[name] = fn
	f.specs[name] = spec
	return nil
}

func (f *fakeTrigger) Unregister(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.fns, name)
	delete(f.specs, name)
}

func (f *fakeTrigger) registered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fns)
}

func (f *fakeTrigger) Start() {
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
}

func (f *fakeTrigger) Stop(context.Context) error {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
	return nil
}

func (f *fakeTrigger) fire(t *testing.T, name string) {
	t.Helper()
	f.mu.Lock()
	fn, ok := f.fns[name]
	f.mu.Unlock()
	require.True(t, ok, "trigger %s not registered", name)
	fn()
}

type fakeRankChecker struct {
	calls   int32
	result  BatchResult
	err     error
	panics  bool
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeRankChecker) ProcessDailyRankChecks(ctx context.Context) (BatchResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.panics {
		panic("rank provider exploded")
	}
	return f.result, f.err
}

type fakeSweeper struct {
	calls int32
	err   error
}

func (f *fakeSweeper) RunSweep(context.Context) (*models.SweepReport, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return &models.SweepReport{Reactivated: 1}, nil
}

type fakeMonitor struct {
	ticks      int32
	recoveries int32
}

func (f *fakeMonitor) Tick(context.Context) (int, error) {
	atomic.AddInt32(&f.ticks, 1)
	return 2, nil
}

func (f *fakeMonitor) RecoverStuck(context.Context) (int64, error) {
	atomic.AddInt32(&f.recoveries, 1)
	return 0, nil
}

type fakeJobCounter struct{ err error }

func (f fakeJobCounter) CountByStatus(context.Context) (map[types.JobStatus]int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return map[types.JobStatus]int{types.JobStatusPending: 3}, nil
}

type fakeRankStats struct{}

func (fakeRankStats) GetStats(context.Context) (*models.RankCheckStats, error) {
	return &models.RankCheckStats{TotalActive: 10, DueToday: 4, CompletedToday: 6, CompletionRate: 60}, nil
}

var testSchedules = Schedules{
	RankCheck:          "0 3 * * *",
	QuotaReset:         "0 * * * *",
	QuotaResetBoundary: "*/10 0-1 * * *",
	JobMonitor:         "* * * * *",
	StuckJobRecovery:   "*/15 * * * *",
}

func newTestOrchestrator(t *testing.T, trig Trigger, rc *fakeRankChecker) (*Orchestrator, *fakeSweeper, *fakeMonitor) {
	t.Helper()
	sw := &fakeSweeper{}
	mon := &fakeMonitor{}
	o, err := NewOrchestrator(&OrchestratorConfig{
		Trigger:     trig,
		RankChecker: rc,
		Sweeper:     sw,
		JobMonitor:  mon,
		Schedules:   testSchedules,
		Jobs:        fakeJobCounter{},
		RankStats:   fakeRankStats{},
	})
	require.NoError(t, err)
	return o, sw, mon
}

func TestNewOrchestrator_Validation(t *testing.T) {
	_, err := NewOrchestrator(nil)
	assert.Error(t, err)

	_, err = NewOrchestrator(&OrchestratorConfig{Trigger: newFakeTrigger()})
	assert.Error(t, err)
}

func TestInitialize_Idempotent(t *testing.T) {
	trig := newFakeTrigger()
	o, _, _ := newTestOrchestrator(t, trig, &fakeRankChecker{})

	require.NoError(t, o.Initialize())
	require.NoError(t, o.Initialize())
	require.NoError(t, o.Initialize())

	assert.Len(t, trig.fns, 5)
	assert.Equal(t, 1, trig.started)
	assert.True(t, o.GetStatus().Initialized)
}

func TestInitialize_ConcurrentCallsRegisterOnce(t *testing.T) {
	trig := newFakeTrigger()
	o, _, _ := newTestOrchestrator(t, trig, &fakeRankChecker{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, o.Initialize())
		}()
	}
	wg.Wait()

	assert.Len(t, trig.fns, 5)
	assert.Equal(t, 1, trig.started)
}

func TestInitialize_SkipsEmptySchedule(t *testing.T) {
	trig := newFakeTrigger()
	o, err := NewOrchestrator(&OrchestratorConfig{
		Trigger:     trig,
		RankChecker: &fakeRankChecker{},
		Sweeper:     &fakeSweeper{},
		JobMonitor:  &fakeMonitor{},
		Schedules:   Schedules{RankCheck: "0 3 * * *"},
	})
	require.NoError(t, err)
	require.NoError(t, o.Initialize())

	assert.Len(t, trig.fns, 1)
	assert.Contains(t, trig.fns, "daily-rank-check")
}

func TestScheduledRuns_DispatchToServices(t *testing.T) {
	trig := newFakeTrigger()
	rc := &fakeRankChecker{result: BatchResult{Processed: 4}}
	o, sw, mon := newTestOrchestrator(t, trig, rc)
	require.NoError(t, o.Initialize())

	trig.fire(t, "daily-rank-check")
	trig.fire(t, "hourly-quota-reset")
	trig.fire(t, "boundary-quota-reset")
	trig.fire(t, "job-monitor")
	trig.fire(t, "stuck-job-recovery")

	assert.Equal(t, int32(1), atomic.LoadInt32(&rc.calls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&sw.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&mon.ticks))
	assert.Equal(t, int32(1), atomic.LoadInt32(&mon.recoveries))

	status := o.GetStatus()
	for _, task := range status.Tasks {
		if task.Name == TaskQuotaReset {
			assert.Equal(t, 2, task.Runs)
			assert.Len(t, task.Schedules, 2)
		}
	}
}

func TestScheduledRun_PanicIsContained(t *testing.T) {
	trig := newFakeTrigger()
	o, _, _ := newTestOrchestrator(t, trig, &fakeRankChecker{panics: true})
	require.NoError(t, o.Initialize())

	assert.NotPanics(t, func() { trig.fire(t, "daily-rank-check") })

	status := o.GetStatus()
	require.Equal(t, TaskRankCheck, status.Tasks[0].Name)
	assert.False(t, status.Tasks[0].Running)
	assert.Contains(t, status.Tasks[0].LastError, "panic")
}

func TestScheduledRun_ErrorIsRecorded(t *testing.T) {
	trig := newFakeTrigger()
	o, sw, _ := newTestOrchestrator(t, trig, &fakeRankChecker{})
	sw.err = errors.New("redis down")
	require.NoError(t, o.Initialize())

	assert.NotPanics(t, func() { trig.fire(t, "hourly-quota-reset") })

	for _, task := range o.GetStatus().Tasks {
		if task.Name == TaskQuotaReset {
			assert.Equal(t, "redis down", task.LastError)
		}
	}
}

func TestManualTrigger_RejectsOverlap(t *testing.T) {
	trig := newFakeTrigger()
	rc := &fakeRankChecker{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	o, _, _ := newTestOrchestrator(t, trig, rc)

	done := make(chan error, 1)
	go func() {
		_, err := o.TriggerManualRankCheck(context.Background())
		done <- err
	}()
	<-rc.entered

	_, err := o.TriggerManualRankCheck(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.True(t, o.GetStatus().Tasks[0].Running)

	close(rc.block)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), atomic.LoadInt32(&rc.calls))
}

func TestManualTriggers_ReturnResults(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, newFakeTrigger(), &fakeRankChecker{result: BatchResult{Processed: 3, Errors: 1}})

	res, err := o.TriggerManualRankCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Processed: 3, Errors: 1}, res)

	report, err := o.TriggerQuotaResetSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reactivated)

	dispatched, err := o.TriggerJobMonitor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, dispatched)
}

func TestGetBackgroundServicesStatus(t *testing.T) {
	trig := newFakeTrigger()
	o, err := NewOrchestrator(&OrchestratorConfig{
		Trigger:     trig,
		RankChecker: &fakeRankChecker{},
		Sweeper:     &fakeSweeper{},
		JobMonitor:  &fakeMonitor{},
		Schedules:   testSchedules,
		Jobs:        fakeJobCounter{err: errors.New("db down")},
		RankStats:   fakeRankStats{},
	})
	require.NoError(t, err)
	require.NoError(t, o.Initialize())

	status := o.GetBackgroundServicesStatus(context.Background())
	assert.True(t, status.Initialized)
	assert.Nil(t, status.Jobs)
	assert.Equal(t, "db down", status.Errors["jobs"])
	require.NotNil(t, status.RankChecks)
	assert.Equal(t, 60.0, status.RankChecks.CompletionRate)
}

func TestShutdown(t *testing.T) {
	trig := newFakeTrigger()
	o, _, _ := newTestOrchestrator(t, trig, &fakeRankChecker{})
	require.NoError(t, o.Initialize())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))

	assert.Equal(t, 1, trig.stopped)
	assert.False(t, o.GetStatus().Initialized)
	assert.Error(t, o.Initialize())
}

func TestInitialize_FailedRegistrationCanBeRetried(t *testing.T) {
	trig := newFakeTrigger()
	trig.failOn = "job-monitor"
	o, _, _ := newTestOrchestrator(t, trig, &fakeRankChecker{})

	require.Error(t, o.Initialize())
	assert.Zero(t, trig.registered())
	assert.Zero(t, trig.started)

	trig.mu.Lock()
	trig.failOn = ""
	trig.mu.Unlock()

	require.NoError(t, o.Initialize())
	assert.Equal(t, 5, trig.registered())
	assert.Equal(t, 1, trig.started)

	for _, task := range o.GetStatus().Tasks {
		if task.Name == TaskQuotaReset {
			assert.Len(t, task.Schedules, 2)
		}
	}
}

func TestCronTrigger_UnregisterFreesName(t *testing.T) {
	trig := NewCronTrigger(nil)

	require.NoError(t, trig.Register("job", "*/5 * * * *", func() {}))
	trig.Unregister("job")
	trig.Unregister("unknown")
	assert.NoError(t, trig.Register("job", "*/5 * * * *", func() {}))
}

func TestCronTrigger_RegisterValidatesSpec(t *testing.T) {
	trig := NewCronTrigger(nil)

	require.NoError(t, trig.Register("ok", "*/5 * * * *", func() {}))
	require.NoError(t, trig.Register("zoned", "CRON_TZ=America/Los_Angeles */10 0-1 * * *", func() {}))
	assert.Error(t, trig.Register("ok", "* * * * *", func() {}))
	assert.Error(t, trig.Register("bad", "not a schedule", func() {}))

	trig.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, trig.Stop(ctx))
}
