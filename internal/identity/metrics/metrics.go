package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the identity pipeline.
type Metrics struct {
	// Resolved identities by kind: "session", "claims", "anonymous"
	Resolutions *prometheus.CounterVec

	// Auth backend calls that failed or were short-circuited
	BackendFailures *prometheus.CounterVec

	// Bearer tokens rejected by reason
	TokenFailures *prometheus.CounterVec

	// Key set fetches by outcome: "ok", "error", "stale"
	KeySetFetches *prometheus.CounterVec

	KeySetFetchLatency prometheus.Histogram
}

// New creates a Metrics instance registered with the default registry.
func New() *Metrics {
	return &Metrics{
		Resolutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_identity_resolutions_total",
			Help: "Total identities resolved by kind",
		}, []string{"kind"}),

		BackendFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_identity_backend_failures_total",
			Help: "Total auth backend session lookups that failed",
		}, []string{"reason"}), // reason: "error", "circuit_open"

		TokenFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_identity_token_failures_total",
			Help: "Total bearer tokens rejected by reason",
		}, []string{"reason"}),

		KeySetFetches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_identity_keyset_fetches_total",
			Help: "Total JWKS fetches by outcome",
		}, []string{"outcome"}),

		KeySetFetchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatekeeper_identity_keyset_fetch_duration_seconds",
			Help:    "Duration of JWKS fetches",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}

// IncrementResolution records a resolved identity kind.
func (m *Metrics) IncrementResolution(kind string) {
	if m != nil {
		m.Resolutions.WithLabelValues(kind).Inc()
	}
}

// IncrementBackendFailure records a failed backend lookup.
func (m *Metrics) IncrementBackendFailure(reason string) {
	if m != nil {
		m.BackendFailures.WithLabelValues(reason).Inc()
	}
}

// IncrementTokenFailure records a rejected bearer token.
func (m *Metrics) IncrementTokenFailure(reason string) {
	if m != nil {
		m.TokenFailures.WithLabelValues(reason).Inc()
	}
}

// ObserveKeySetFetch records a JWKS fetch and its outcome.
func (m *Metrics) ObserveKeySetFetch(outcome string, d time.Duration) {
	if m != nil {
		m.KeySetFetches.WithLabelValues(outcome).Inc()
		m.KeySetFetchLatency.Observe(d.Seconds())
	}
}
