package job

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexnow-engine/internal/types"
)

type blockingRunner struct {
	active  *ActiveSet
	mu      sync.Mutex
	started []string
	release chan struct{}
}

func (r *blockingRunner) ProcessJob(ctx context.Context, jobID string) error {
	if !r.active.TryAdd(jobID) {
		return nil
	}
	defer r.active.Remove(jobID)

	r.mu.Lock()
	r.started = append(r.started, jobID)
	r.mu.Unlock()

	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return nil
}

func (r *blockingRunner) Active() *ActiveSet { return r.active }

func (r *blockingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started)
}

func TestMonitor_TickRespectsWorkerSlots(t *testing.T) {
	store := newMemJobStore()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		store.addJob(id, "user-1", 1)
	}
	runner := &blockingRunner{active: NewActiveSet(), release: make(chan struct{})}

	m, err := NewMonitor(&MonitorConfig{Jobs: store, Runner: runner, MaxConcurrentJobs: 2})
	require.NoError(t, err)

	n, err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Eventually(t, func() bool { return runner.count() == 2 }, time.Second, 5*time.Millisecond)

	n, err = m.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	close(runner.release)
	assert.Eventually(t, func() bool { return runner.active.Len() == 0 && len(m.sem) == 0 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))

	n, err = m.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMonitor_ProcessesJobsEndToEnd(t *testing.T) {
	f := newFixture(t, 1)
	f.addCredential("user-1", 100, 0, true)
	f.store.addJob("job-1", "user-1", 12)
	f.store.addJob("job-2", "user-1", 3)

	m, err := NewMonitor(&MonitorConfig{Jobs: f.store, Runner: f.processor})
	require.NoError(t, err)

	n, err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Eventually(t, func() bool {
		return f.store.job("job-1").Status == types.JobStatusCompleted &&
			f.store.job("job-2").Status == types.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMonitor_RecoverStuck(t *testing.T) {
	store := newMemJobStore()
	store.addJob("stuck", "user-1", 1)
	store.addJob("fresh", "user-1", 1)

	locks := NewLockManager(store)
	locks.now = func() time.Time { return time.Now().Add(-time.Hour) }
	_, ok, err := locks.Acquire(context.Background(), "stuck")
	require.NoError(t, err)
	require.True(t, ok)

	locks.now = time.Now
	_, ok, err = locks.Acquire(context.Background(), "fresh")
	require.NoError(t, err)
	require.True(t, ok)

	m, err := NewMonitor(&MonitorConfig{Jobs: store, Runner: &blockingRunner{active: NewActiveSet()}, StaleLockTTL: 30 * time.Minute})
	require.NoError(t, err)

	n, err := m.RecoverStuck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, types.JobStatusPending, store.job("stuck").Status)
	assert.Nil(t, store.job("stuck").LockedBy)
	assert.Equal(t, types.JobStatusRunning, store.job("fresh").Status)
}
