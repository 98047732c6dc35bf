package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports scheduler activity to Prometheus. A nil *Metrics is a no-op.
type Metrics struct {
	scheduled *prometheus.CounterVec
	runs      *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	overdue   prometheus.Counter
	expired   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_jobs_scheduled_total",
			Help: "Delayed jobs added to the job table.",
		}, []string{"kind"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_job_runs_total",
			Help: "Job executions by outcome (completed, retried, exhausted, interrupted).",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_job_duration_seconds",
			Help:    "Job handler execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		overdue: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_jobs_recovered_overdue_total",
			Help: "Jobs found past their fire-at by the startup sweep.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_job_leases_expired_total",
			Help: "Claimed jobs put back on the queue because they were never acknowledged.",
		}),
	}
	reg.MustRegister(m.scheduled, m.runs, m.duration, m.overdue, m.expired)
	return m
}

func (m *Metrics) observeScheduled(kind string) {
	if m == nil {
		return
	}
	m.scheduled.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeRun(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(kind, outcome).Inc()
	m.duration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) observeOverdue() {
	if m == nil {
		return
	}
	m.overdue.Inc()
}

func (m *Metrics) observeLeaseExpired(n int) {
	if m == nil {
		return
	}
	m.expired.Add(float64(n))
}
