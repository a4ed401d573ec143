package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/indexnow-engine/internal/errors"
	"github.com/indexnow-engine/internal/metrics"
	"github.com/indexnow-engine/internal/models"
	"github.com/indexnow-engine/internal/types"
	"github.com/indexnow-engine/internal/worker"
)

// Mock orchestrator for testing
type mockOrchestrator struct {
	rankCheckFunc func(ctx context.Context) (worker.BatchResult, error)
	sweepFunc     func(ctx context.Context) (*models.SweepReport, error)
	monitorFunc   func(ctx context.Context) (int, error)
	status        worker.Status
}

func (m *mockOrchestrator) TriggerManualRankCheck(ctx context.Context) (worker.BatchResult, error) {
	if m.rankCheckFunc != nil {
		return m.rankCheckFunc(ctx)
	}
	return worker.BatchResult{Processed: 4, Errors: 1}, nil
}

func (m *mockOrchestrator) TriggerQuotaResetSweep(ctx context.Context) (*models.SweepReport, error) {
	if m.sweepFunc != nil {
		return m.sweepFunc(ctx)
	}
	return &models.SweepReport{Reactivated: 2, JobsResumed: 1}, nil
}

func (m *mockOrchestrator) TriggerJobMonitor(ctx context.Context) (int, error) {
	if m.monitorFunc != nil {
		return m.monitorFunc(ctx)
	}
	return 3, nil
}

func (m *mockOrchestrator) GetStatus() worker.Status {
	return m.status
}

func (m *mockOrchestrator) GetBackgroundServicesStatus(ctx context.Context) *worker.BackgroundServicesStatus {
	return &worker.BackgroundServicesStatus{
		Status: m.status,
		Jobs:   map[types.JobStatus]int{types.JobStatusPending: 2},
		Errors: map[string]string{"credentials": "db down"},
	}
}

type mockRankStats struct {
	err error
}

func (m *mockRankStats) GetStats(ctx context.Context) (*models.RankCheckStats, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.RankCheckStats{TotalActive: 10, DueToday: 4, CompletedToday: 6, CompletionRate: 60}, nil
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func setupTestServer(t *testing.T, orch *mockOrchestrator, deps Dependencies) *Server {
	t.Helper()
	deps.Orchestrator = orch
	if deps.RankStats == nil {
		deps.RankStats = &mockRankStats{}
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.NewRegistry()
	}
	s, err := NewServer(&ServerConfig{Host: "localhost", Port: "0"}, deps)
	require.NoError(t, err)
	return s
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestNewServer_RequiresOrchestrator(t *testing.T) {
	_, err := NewServer(&ServerConfig{}, Dependencies{})
	assert.Error(t, err)

	_, err = NewServer(nil, Dependencies{Orchestrator: &mockOrchestrator{}})
	assert.Error(t, err)
}

func TestHandleHealth(t *testing.T) {
	s := setupTestServer(t, &mockOrchestrator{}, Dependencies{
		Pingers: map[string]Pinger{
			"postgres": pingerFunc(func(context.Context) error { return nil }),
			"redis":    pingerFunc(func(context.Context) error { return nil }),
		},
	})

	rr := doRequest(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rr.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, map[string]interface{}{"postgres": "ok", "redis": "ok"}, body["checks"])
}

func TestHandleHealth_DependencyDown(t *testing.T) {
	s := setupTestServer(t, &mockOrchestrator{}, Dependencies{
		Pingers: map[string]Pinger{
			"postgres": pingerFunc(func(context.Context) error { return nil }),
			"redis":    pingerFunc(func(context.Context) error { return fmt.Errorf("connection refused") }),
		},
	})

	rr := doRequest(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "connection refused")
}

func TestHandleStatus(t *testing.T) {
	s := setupTestServer(t, &mockOrchestrator{status: worker.Status{
		Initialized: true,
		Tasks:       []worker.TaskStatus{{Name: worker.TaskRankCheck, Runs: 2}},
	}}, Dependencies{})

	rr := doRequest(t, s, http.MethodGet, "/ops/status")
	require.Equal(t, http.StatusOK, rr.Code)

	var status worker.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.True(t, status.Initialized)
	require.Len(t, status.Tasks, 1)
	assert.Equal(t, 2, status.Tasks[0].Runs)
}

func TestHandleBackgroundServices(t *testing.T) {
	s := setupTestServer(t, &mockOrchestrator{}, Dependencies{})

	rr := doRequest(t, s, http.MethodGet, "/ops/background-services")
	require.Equal(t, http.StatusOK, rr.Code)

	var got worker.BackgroundServicesStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, 2, got.Jobs[types.JobStatusPending])
	assert.Equal(t, "db down", got.Errors["credentials"])
}

func TestHandleRankStats(t *testing.T) {
	s := setupTestServer(t, &mockOrchestrator{}, Dependencies{})

	rr := doRequest(t, s, http.MethodGet, "/ops/rank-check/stats")
	require.Equal(t, http.StatusOK, rr.Code)

	var stats models.RankCheckStats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, 10, stats.TotalActive)
	assert.Equal(t, 60.0, stats.CompletionRate)
}

func TestHandleRankStats_DatabaseErrorIsHidden(t *testing.T) {
	s := setupTestServer(t, &mockOrchestrator{}, Dependencies{
		RankStats: &mockRankStats{err: apperrors.NewDatabaseError("rank check stats", stderrors.New("password authentication failed"))},
	})

	rr := doRequest(t, s, http.MethodGet, "/ops/rank-check/stats")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "password")
}

func TestHandleTriggerRankCheck(t *testing.T) {
	s := setupTestServer(t, &mockOrchestrator{}, Dependencies{})

	rr := doRequest(t, s, http.MethodPost, "/ops/rank-check/trigger")
	require.Equal(t, http.StatusOK, rr.Code)

	var result worker.BatchResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, worker.BatchResult{Processed: 4, Errors: 1}, result)
}

func TestHandleTriggerRankCheck_AlreadyRunning(t *testing.T) {
	s := setupTestServer(t, &mockOrchestrator{
		rankCheckFunc: func(ctx context.Context) (worker.BatchResult, error) {
			return worker.BatchResult{}, fmt.Errorf("%s: %w", worker.TaskRankCheck, worker.ErrAlreadyRunning)
		},
	}, Dependencies{})

	rr := doRequest(t, s, http.MethodPost, "/ops/rank-check/trigger")
	assert.Equal(t, http.StatusConflict, rr.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, ErrCodeAlreadyRunning, resp.Error.Code)
}

func TestHandleTriggerRankCheck_WrongMethod(t *testing.T) {
	s := setupTestServer(t, &mockOrchestrator{}, Dependencies{})

	rr := doRequest(t, s, http.MethodGet, "/ops/rank-check/trigger")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestHandleTriggerQuotaReset(t *testing.T) {
	var detached bool
	s := setupTestServer(t, &mockOrchestrator{
		sweepFunc: func(ctx context.Context) (*models.SweepReport, error) {
			_, hasDeadline := ctx.Deadline()
			detached = ctx.Done() == nil && !hasDeadline
			return &models.SweepReport{Reactivated: 2, JobsResumed: 1, StepErrors: []string{"cleanup: boom"}}, nil
		},
	}, Dependencies{})

	rr := doRequest(t, s, http.MethodPost, "/ops/quota-reset/trigger")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, detached)

	var report models.SweepReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, 2, report.Reactivated)
	assert.Equal(t, []string{"cleanup: boom"}, report.StepErrors)
}

func TestHandleTriggerJobMonitor(t *testing.T) {
	s := setupTestServer(t, &mockOrchestrator{}, Dependencies{})

	rr := doRequest(t, s, http.MethodPost, "/ops/job-monitor/trigger")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"dispatched":3}`, rr.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	m.JobFinished(string(types.JobStatusCompleted))

	s := setupTestServer(t, &mockOrchestrator{}, Dependencies{Gatherer: reg})

	rr := doRequest(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "indexnow_jobs_finished_total")
}

func TestRecoveryMiddleware(t *testing.T) {
	s := setupTestServer(t, &mockOrchestrator{
		monitorFunc: func(ctx context.Context) (int, error) {
			panic("boom")
		},
	}, Dependencies{})

	rr := doRequest(t, s, http.MethodPost, "/ops/job-monitor/trigger")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), ErrCodeInternalError)
}

func TestRateLimitMiddleware(t *testing.T) {
	orch := &mockOrchestrator{}
	s, err := NewServer(&ServerConfig{RequestsPerSecond: 0.001, Burst: 2}, Dependencies{
		Orchestrator: orch,
		Gatherer:     prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, doRequest(t, s, http.MethodGet, "/ops/status").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, doRequest(t, s, http.MethodGet, "/ops/status").Code)

	// health and metrics are not limited
	assert.Equal(t, http.StatusOK, doRequest(t, s, http.MethodGet, "/health").Code)
}
