package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.JobFinished("completed")
	m.Submission("submitted")
	m.Submission("submitted")
	m.Failover("indexing")
	m.StaleJobsReset(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsFinishedTotal.WithLabelValues("completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues("submitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CredentialFailovers.WithLabelValues("indexing")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.StaleJobsResetTotal))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.JobFinished("failed")
		m.JobStarted()
		m.JobStopped()
		m.RankCheck("ok")
		m.TriggerPanic("x")
	})
}

func TestActiveGauge(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.JobStarted()
	m.JobStarted()
	m.JobStopped()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsActive))
}
