// Package keyset caches remote JSON Web Key Sets.
//
// A Cache is an explicitly owned object: construct one at startup and share it
// by reference with every verifier that needs it. Concurrent requests for the
// same URL share a single in-flight fetch; different URLs never wait on each
// other. Fetches run detached from the requesting context so a caller that
// gives up does not cancel the fetch other callers are waiting on.
package keyset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"

	"gatekeeper/internal/identity/metrics"
)

var (
	// ErrKeySetUnavailable means no key set could be fetched and none is cached.
	ErrKeySetUnavailable = errors.New("key set unavailable")
	// ErrKeyNotFound means the key ID is absent even after a refresh.
	ErrKeyNotFound = errors.New("key not found in key set")
)

const (
	DefaultMaxAge          = 10 * time.Minute
	DefaultRefreshCooldown = 30 * time.Second
	DefaultFetchTimeout    = 5 * time.Second
	DefaultMaxBodyBytes    = 1 << 20
)

type entry struct {
	set         *jose.JSONWebKeySet
	fetchedAt   time.Time
	attemptedAt time.Time
	refreshedAt time.Time // last forced refresh
}

// Cache holds one key set per URL.
type Cache struct {
	client          *http.Client
	maxAge          time.Duration
	refreshCooldown time.Duration
	fetchTimeout    time.Duration
	maxBodyBytes    int64
	now             func() time.Time
	logger          *slog.Logger
	metrics         *metrics.Metrics

	mu      sync.RWMutex
	entries map[string]*entry
	group   singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithMaxAge sets how long a fetched key set is served without refetching.
func WithMaxAge(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.maxAge = d
		}
	}
}

// WithRefreshCooldown sets the minimum gap between forced refreshes of one URL.
// It also spaces out retries after a failed refetch of an expired set.
func WithRefreshCooldown(d time.Duration) Option {
	return func(c *Cache) {
		if d >= 0 {
			c.refreshCooldown = d
		}
	}
}

func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// New creates an empty Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		client:          http.DefaultClient,
		maxAge:          DefaultMaxAge,
		refreshCooldown: DefaultRefreshCooldown,
		fetchTimeout:    DefaultFetchTimeout,
		maxBodyBytes:    DefaultMaxBodyBytes,
		now:             time.Now,
		logger:          slog.Default(),
		entries:         make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Keys returns the key set for url, fetching it when the URL is cold or the
// cached copy is older than the max age. On fetch failure a previously cached
// set is returned; with nothing cached the error wraps ErrKeySetUnavailable.
func (c *Cache) Keys(ctx context.Context, url string) (*jose.JSONWebKeySet, error) {
	now := c.now()
	c.mu.RLock()
	e := c.entries[url]
	c.mu.RUnlock()

	if e != nil && e.set != nil {
		if now.Sub(e.fetchedAt) < c.maxAge || now.Sub(e.attemptedAt) < c.refreshCooldown {
			return e.set, nil
		}
	}
	return c.fetch(ctx, url)
}

// Refresh forces a fetch unless another forced refresh of url started within
// the refresh cooldown, in which case the cached set is returned as is.
// Regular fetches by Keys do not start the cooldown, so a kid rotated in
// right after a scheduled fetch is still picked up.
func (c *Cache) Refresh(ctx context.Context, url string) (*jose.JSONWebKeySet, error) {
	now := c.now()
	c.mu.Lock()
	e := c.entries[url]
	if e != nil && e.set != nil {
		if now.Sub(e.refreshedAt) < c.refreshCooldown {
			c.mu.Unlock()
			return e.set, nil
		}
		e.refreshedAt = now
	}
	c.mu.Unlock()
	return c.fetch(ctx, url)
}

// Key looks up kid in the key set for url. An unknown kid triggers at most one
// refresh before ErrKeyNotFound is returned.
func (c *Cache) Key(ctx context.Context, url, kid string) (jose.JSONWebKey, error) {
	set, err := c.Keys(ctx, url)
	if err != nil {
		return jose.JSONWebKey{}, err
	}
	if keys := set.Key(kid); len(keys) > 0 {
		return keys[0], nil
	}

	set, err = c.Refresh(ctx, url)
	if err != nil {
		return jose.JSONWebKey{}, err
	}
	if keys := set.Key(kid); len(keys) > 0 {
		return keys[0], nil
	}
	return jose.JSONWebKey{}, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

// fetch joins or starts the single in-flight fetch for url. The caller stops
// waiting when ctx ends; the fetch itself keeps running for the others.
func (c *Cache) fetch(ctx context.Context, url string) (*jose.JSONWebKeySet, error) {
	ch := c.group.DoChan(url, func() (any, error) {
		return c.load(context.WithoutCancel(ctx), url)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*jose.JSONWebKeySet), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrKeySetUnavailable, ctx.Err())
	}
}

func (c *Cache) load(ctx context.Context, url string) (*jose.JSONWebKeySet, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	start := time.Now()
	set, fetchErr := c.download(ctx, url)
	elapsed := time.Since(start)

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[url]
	if e == nil {
		e = &entry{}
		c.entries[url] = e
	}
	e.attemptedAt = c.now()

	if fetchErr != nil {
		if e.set != nil {
			c.metrics.ObserveKeySetFetch("stale", elapsed)
			c.logger.WarnContext(ctx, "key set fetch failed, serving cached keys",
				"url", url,
				"error", fetchErr,
				"age", e.attemptedAt.Sub(e.fetchedAt),
			)
			return e.set, nil
		}
		c.metrics.ObserveKeySetFetch("error", elapsed)
		return nil, fmt.Errorf("%w: %w", ErrKeySetUnavailable, fetchErr)
	}

	c.metrics.ObserveKeySetFetch("ok", elapsed)
	e.set = set
	e.fetchedAt = e.attemptedAt
	return set, nil
}

func (c *Cache) download(ctx context.Context, url string) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch key set: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch key set: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read key set: %w", err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, fmt.Errorf("key set exceeds %d bytes", c.maxBodyBytes)
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("decode key set: %w", err)
	}
	return &set, nil
}
