// Package backend resolves first-party sessions by asking the auth backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gatekeeper/internal/identity"
	"gatekeeper/internal/identity/metrics"
	"gatekeeper/pkg/platform/circuit"
	"gatekeeper/pkg/platform/sentinel"
)

const (
	DefaultSessionPath = "/api/auth/get-session"
	DefaultTimeout     = 2 * time.Second

	maxResponseBytes = 1 << 20
)

// forwardedHeaders are the only request headers passed to the backend.
var forwardedHeaders = []string{"Cookie", "Authorization"}

type sessionResponse struct {
	Session *identity.Session `json:"session"`
	User    *identity.User    `json:"user"`
}

// Resolver implements identity.SessionResolver over HTTP.
type Resolver struct {
	client  *http.Client
	url     string
	timeout time.Duration
	breaker *circuit.Breaker
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) {
		if client != nil {
			r.client = client
		}
	}
}

func WithSessionPath(path string) Option {
	return func(r *Resolver) {
		if path != "" {
			r.url = strings.TrimRight(r.url, "/") + "/" + strings.TrimLeft(path, "/")
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *circuit.Breaker) Option {
	return func(r *Resolver) {
		if b != nil {
			r.breaker = b
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// New creates a Resolver for the backend at baseURL.
func New(baseURL string, opts ...Option) *Resolver {
	r := &Resolver{
		client:  &http.Client{},
		url:     strings.TrimRight(baseURL, "/") + DefaultSessionPath,
		timeout: DefaultTimeout,
		breaker: circuit.New("auth-backend"),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the session identified by the request's cookie or
// authorization header. No session, including any 4xx answer, is
// (nil, nil, nil). Transport failures, timeouts, 5xx responses and
// undecodable bodies wrap sentinel.ErrUnavailable and count against the
// circuit breaker. A lookup abandoned because ctx ended returns ctx's error
// and leaves the breaker untouched.
func (r *Resolver) Resolve(ctx context.Context, headers http.Header) (*identity.User, *identity.Session, error) {
	if headers.Get("Cookie") == "" && headers.Get("Authorization") == "" {
		return nil, nil, nil
	}
	if !r.breaker.Allow() {
		r.metrics.IncrementBackendFailure("circuit_open")
		return nil, nil, fmt.Errorf("auth backend circuit open: %w", sentinel.ErrUnavailable)
	}

	user, session, err := r.fetch(ctx, headers)
	if err != nil {
		// Abandoned by the caller, not a backend failure.
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("session lookup abandoned: %w", ctx.Err())
		}
		r.metrics.IncrementBackendFailure("error")
		if _, change := r.breaker.RecordFailure(); change.Opened {
			r.logger.WarnContext(ctx, "auth backend circuit opened", "breaker", r.breaker.Name())
		}
		return nil, nil, err
	}
	if _, change := r.breaker.RecordSuccess(); change.Closed {
		r.logger.InfoContext(ctx, "auth backend circuit closed", "breaker", r.breaker.Name())
	}
	return user, session, nil
}

func (r *Resolver) fetch(ctx context.Context, headers http.Header) (*identity.User, *identity.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for _, name := range forwardedHeaders {
		for _, v := range headers.Values(name) {
			req.Header.Add(name, v)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("call auth backend: %w: %w", sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// 4xx means the credentials were rejected.
		if resp.StatusCode != http.StatusUnauthorized {
			r.logger.DebugContext(ctx, "auth backend rejected session lookup", "status", resp.StatusCode)
		}
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("auth backend returned status %d: %w", resp.StatusCode, sentinel.ErrUnavailable)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read session response: %w: %w", sentinel.ErrUnavailable, err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil, nil
	}

	var out sessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, nil, fmt.Errorf("decode session response: %w: %w", sentinel.ErrUnavailable, err)
	}
	if out.Session == nil || out.User == nil || out.User.ID.IsNil() {
		return nil, nil, nil
	}
	return out.User, out.Session, nil
}
