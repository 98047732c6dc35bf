package eventbus

import (
	"time"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports bus activity to Prometheus. A nil *Metrics is a no-op.
type Metrics struct {
	emitted         *prometheus.CounterVec
	handlerErrors   *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	queueSize       prometheus.Gauge
}

// NewMetrics registers the bus collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_events_emitted_total",
			Help: "Events emitted on the platform event bus.",
		}, []string{"type"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_handler_errors_total",
			Help: "Event handler invocations that failed, panicked or timed out.",
		}, []string{"type"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_handler_duration_seconds",
			Help:    "Event handler execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_event_queue_size",
			Help: "Events waiting in the bus queue.",
		}),
	}
	reg.MustRegister(m.emitted, m.handlerErrors, m.handlerDuration, m.queueSize)
	return m
}

func (m *Metrics) observeEmit(t domain.EventType, queued int) {
	if m == nil {
		return
	}
	m.emitted.WithLabelValues(string(t)).Inc()
	m.queueSize.Set(float64(queued))
}

func (m *Metrics) observeHandler(t domain.EventType, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(string(t)).Observe(d.Seconds())
	if err != nil {
		m.handlerErrors.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) setQueueSize(n int) {
	if m == nil {
		return
	}
	m.queueSize.Set(float64(n))
}
