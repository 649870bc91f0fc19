// Package httptransport assembles gatekeeper's HTTP surface.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"gatekeeper/internal/authz"
	"gatekeeper/internal/identity"
	"gatekeeper/internal/platform/metrics"
	sessionHandler "gatekeeper/internal/sessions/handler"
	"gatekeeper/pkg/platform/middleware/admin"
	"gatekeeper/pkg/platform/middleware/metadata"
	"gatekeeper/pkg/platform/middleware/request"
	"gatekeeper/pkg/platform/middleware/requesttime"
)

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// RouterOptions controls the construction of the router. Logger and Identity
// are required; everything else is optional.
type RouterOptions struct {
	Logger        *slog.Logger
	Identity      *identity.Assembler
	Sessions      *sessionHandler.Handler
	AdminAPIToken string
	CORSOptions   *cors.Options
	HTTPMetrics   *metrics.Metrics
	AuthzMetrics  *authz.Metrics
	HealthChecks  map[string]HealthCheck
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
}

// DefaultCORSOptions returns the CORS policy for browser clients of the
// given origins.
func DefaultCORSOptions(origins []string) cors.Options {
	return cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           600,
	}
}

// NewRouter wires the shared middleware and every route.
func NewRouter(opts RouterOptions) chi.Router {
	logger := opts.Logger
	r := chi.NewRouter()

	r.Use(request.RequestID)
	r.Use(request.Recovery(logger))
	r.Use(request.Logger(logger))
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata)
	r.Use(metrics.Middleware(opts.HTTPMetrics))

	corsCfg := DefaultCORSOptions(nil)
	if opts.CORSOptions != nil {
		corsCfg = *opts.CORSOptions
	}
	r.Use(cors.Handler(corsCfg))

	r.Use(identity.Identify(opts.Identity))

	if opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
	}

	h := &handlers{logger: logger, checks: opts.HealthChecks}
	r.Route("/api", func(r chi.Router) {
		r.Get("/", h.handleRoot)
		r.Get("/health", h.handleHealth)

		r.With(authz.Middleware(logger, opts.AuthzMetrics, authz.RequireAuth(), authz.RequireNotBanned())).
			Get("/me", h.handleMe)
		r.With(authz.Middleware(logger, opts.AuthzMetrics, authz.RequireAuth(), authz.RequireRole("admin"))).
			Get("/admin", h.handleAdmin)

		if opts.Sessions != nil {
			r.Group(func(r chi.Router) {
				r.Use(authz.Middleware(logger, opts.AuthzMetrics, authz.RequireAuth()))
				opts.Sessions.Register(r)
			})
			r.Route("/internal", func(r chi.Router) {
				r.Use(admin.RequireAdminToken(opts.AdminAPIToken, logger))
				opts.Sessions.RegisterInternal(r)
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusNotFound, "Route Not Found")
	})

	return r
}
