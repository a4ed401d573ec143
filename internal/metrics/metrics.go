// Package metrics provides Prometheus metrics for the job engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// MetricsNamespace is the namespace for all engine metrics.
	MetricsNamespace = "indexnow"
)

// Metrics holds all Prometheus metrics for the engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	JobsFinishedTotal     *prometheus.CounterVec
	JobsActive            prometheus.Gauge
	SubmissionsTotal      *prometheus.CounterVec
	RankChecksTotal       *prometheus.CounterVec
	CredentialFailovers   *prometheus.CounterVec
	CredentialReactivated *prometheus.CounterVec
	JobsResumedTotal      prometheus.Counter
	StaleJobsResetTotal   prometheus.Counter
	TriggerRunsTotal      *prometheus.CounterVec
	TriggerPanicsTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers all engine metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	m := &Metrics{}

	m.JobsFinishedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Indexing jobs that reached a final state in this process",
		},
		[]string{"status"},
	)

	m.JobsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Indexing jobs currently being processed",
		},
	)

	m.SubmissionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "indexing",
			Name:      "submissions_total",
			Help:      "URL submissions by outcome",
		},
		[]string{"outcome"},
	)

	m.RankChecksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "rank",
			Name:      "checks_total",
			Help:      "Keyword rank checks by outcome",
		},
		[]string{"outcome"},
	)

	m.CredentialFailovers = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "quota",
			Name:      "credential_failovers_total",
			Help:      "Credentials activated to replace an exhausted one",
		},
		[]string{"provider"},
	)

	m.CredentialReactivated = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "quota",
			Name:      "credential_reactivations_total",
			Help:      "Exhausted credentials reactivated by the reset monitor",
		},
		[]string{"provider"},
	)

	m.JobsResumedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "quota",
			Name:      "jobs_resumed_total",
			Help:      "Quota-failed jobs moved back to pending",
		},
	)

	m.StaleJobsResetTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "jobs",
			Name:      "stale_reset_total",
			Help:      "Running jobs with an expired lock moved back to pending",
		},
	)

	m.TriggerRunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "scheduler",
			Name:      "trigger_runs_total",
			Help:      "Periodic trigger invocations",
		},
		[]string{"trigger"},
	)

	m.TriggerPanicsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "scheduler",
			Name:      "trigger_panics_total",
			Help:      "Panics recovered at a periodic trigger boundary",
		},
		[]string{"trigger"},
	)

	return m
}

// JobFinished counts a job reaching status
func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.JobsFinishedTotal.WithLabelValues(status).Inc()
}

// JobStarted increments the active jobs gauge
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsActive.Inc()
}

// JobStopped decrements the active jobs gauge
func (m *Metrics) JobStopped() {
	if m == nil {
		return
	}
	m.JobsActive.Dec()
}

// Submission counts a URL submission outcome
func (m *Metrics) Submission(outcome string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(outcome).Inc()
}

// RankCheck counts a rank check outcome
func (m *Metrics) RankCheck(outcome string) {
	if m == nil {
		return
	}
	m.RankChecksTotal.WithLabelValues(outcome).Inc()
}

// Failover counts a credential failover
func (m *Metrics) Failover(provider string) {
	if m == nil {
		return
	}
	m.CredentialFailovers.WithLabelValues(provider).Inc()
}

// Reactivated counts a credential reactivation
func (m *Metrics) Reactivated(provider string) {
	if m == nil {
		return
	}
	m.CredentialReactivated.WithLabelValues(provider).Inc()
}

// JobResumed counts a resumed job
func (m *Metrics) JobResumed() {
	if m == nil {
		return
	}
	m.JobsResumedTotal.Inc()
}

// StaleJobsReset counts jobs recovered from an expired lock
func (m *Metrics) StaleJobsReset(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.StaleJobsResetTotal.Add(float64(n))
}

// TriggerRun counts a periodic trigger invocation
func (m *Metrics) TriggerRun(name string) {
	if m == nil {
		return
	}
	m.TriggerRunsTotal.WithLabelValues(name).Inc()
}

// TriggerPanic counts a panic recovered at a trigger boundary
func (m *Metrics) TriggerPanic(name string) {
	if m == nil {
		return
	}
	m.TriggerPanicsTotal.WithLabelValues(name).Inc()
}
