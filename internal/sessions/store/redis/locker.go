package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	id "gatekeeper/pkg/domain"
	"gatekeeper/pkg/platform/sentinel"
)

const lockKeyPrefix = "session_lock:"

const (
	DefaultLockTTL      = 10 * time.Second
	DefaultLockWait     = 5 * time.Second
	DefaultRetryBackoff = 25 * time.Millisecond
)

// releaseScript deletes the lock only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a distributed per-user lock built on SET NX PX. The TTL bounds how
// long a crashed holder can block others.
type Locker struct {
	client  *redis.Client
	ttl     time.Duration
	wait    time.Duration
	backoff time.Duration
	logger  *slog.Logger
}

type LockerOption func(*Locker)

func WithLockTTL(ttl time.Duration) LockerOption {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithLockWait bounds how long Lock retries before giving up with
// sentinel.ErrLockTimeout.
func WithLockWait(wait time.Duration) LockerOption {
	return func(l *Locker) {
		if wait > 0 {
			l.wait = wait
		}
	}
}

func WithRetryBackoff(backoff time.Duration) LockerOption {
	return func(l *Locker) {
		if backoff > 0 {
			l.backoff = backoff
		}
	}
}

func WithLockerLogger(logger *slog.Logger) LockerOption {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewLocker(client *redis.Client, opts ...LockerOption) *Locker {
	l := &Locker{
		client:  client,
		ttl:     DefaultLockTTL,
		wait:    DefaultLockWait,
		backoff: DefaultRetryBackoff,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Lock retries until the lock is acquired, ctx ends, or the wait bound passes.
func (l *Locker) Lock(ctx context.Context, userID id.UserID) (context.Context, func(error) error, error) {
	key := lockKeyPrefix + userID.String()
	owner := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	ticker := time.NewTicker(l.backoff)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, owner, l.ttl).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("acquire session lock: %w", err)
		}
		if ok {
			return ctx, l.releaser(key, owner), nil
		}
		if time.Now().After(deadline) {
			return nil, nil, fmt.Errorf("session lock for user %s: %w", userID, sentinel.ErrLockTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Locker) releaser(key, owner string) func(error) error {
	return func(error) error {
		// Release even if the request context is already gone.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{key}, owner).Err(); err != nil {
			// The TTL frees the lock eventually.
			l.logger.Warn("failed to release session lock", "key", key, "error", err)
		}
		return nil
	}
}
