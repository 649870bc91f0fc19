package authz

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"gatekeeper/internal/identity"
	"gatekeeper/pkg/platform/httputil"
	"gatekeeper/pkg/platform/middleware/request"
)

// Metrics counts guard denials.
type Metrics struct {
	Denials *prometheus.CounterVec
}

// NewMetrics registers guard metrics with the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		Denials: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_authz_denials_total",
			Help: "Total requests denied by guards, by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) IncrementDenial(reason Reason) {
	if m != nil {
		m.Denials.WithLabelValues(string(reason)).Inc()
	}
}

// Middleware enforces guards against the identity in the request context.
// A denial stops the chain and writes the reason with its status.
func Middleware(logger *slog.Logger, metrics *Metrics, guards ...Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			id := identity.FromContext(ctx)
			d := Evaluate(id, guards...)
			if !d.Allowed {
				metrics.IncrementDenial(d.Reason)
				logger.DebugContext(ctx, "request denied",
					"reason", d.Reason,
					"path", r.URL.Path,
					"identity_kind", id.Kind().String(),
					"request_id", request.GetRequestID(ctx),
				)
				httputil.WriteErrorCode(w, d.Status, string(d.Reason), d.Message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
