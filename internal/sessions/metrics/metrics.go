package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for session management.
type Metrics struct {
	Admissions  prometheus.Counter
	Evictions   prometheus.Counter
	Revocations *prometheus.CounterVec

	// Time spent waiting for the per-user lock
	LockWait prometheus.Histogram
}

// New creates a Metrics instance registered with the default registry.
func New() *Metrics {
	return &Metrics{
		Admissions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_sessions_admitted_total",
			Help: "Total sessions admitted",
		}),
		Evictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_sessions_evicted_total",
			Help: "Total sessions evicted to enforce the per-user session cap",
		}),
		Revocations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_sessions_revoked_total",
			Help: "Total sessions revoked by reason",
		}, []string{"reason"}),
		LockWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatekeeper_sessions_lock_wait_seconds",
			Help:    "Time spent acquiring the per-user session lock",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}),
	}
}

func (m *Metrics) IncrementAdmissions() {
	if m != nil {
		m.Admissions.Inc()
	}
}

func (m *Metrics) AddEvictions(n int) {
	if m != nil && n > 0 {
		m.Evictions.Add(float64(n))
	}
}

func (m *Metrics) IncrementRevocations(reason string, n int) {
	if m != nil && n > 0 {
		m.Revocations.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m != nil {
		m.LockWait.Observe(d.Seconds())
	}
}
