// Package service manages a user's concurrent device sessions: listing them,
// switching the active one, revoking, and enforcing the per-user session cap
// when the auth backend admits a new session.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"gatekeeper/internal/events"
	"gatekeeper/internal/sessions/metrics"
	"gatekeeper/internal/sessions/models"
	id "gatekeeper/pkg/domain"
	dErrors "gatekeeper/pkg/domain-errors"
	"gatekeeper/pkg/platform/sentinel"
	"gatekeeper/pkg/requestcontext"
)

// DefaultMaxSessions is the per-user cap on non-revoked sessions.
const DefaultMaxSessions = 5

// Store persists sessions. Stores keep Session.TokenHash and never the token
// itself; FindByToken looks a token up by models.HashToken. ListByUser returns
// only non-revoked sessions but may include expired ones. FindByToken returns
// revoked sessions too, and sentinel.ErrNotFound for unknown tokens.
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	FindByToken(ctx context.Context, token string) (*models.Session, error)
	ListByUser(ctx context.Context, userID id.UserID) ([]*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
}

// Locker serializes mutations of one user's sessions across goroutines and
// processes. The returned context must be used for store calls made while the
// lock is held. unlock receives the outcome of the guarded work so
// transactional lockers can commit or roll back; it reports a failed commit.
type Locker interface {
	Lock(ctx context.Context, userID id.UserID) (lockedCtx context.Context, unlock func(err error) error, err error)
}

// EventEmitter publishes lifecycle events without blocking.
type EventEmitter interface {
	Emit(ctx context.Context, name string, payload any)
}

// Config holds session management settings.
type Config struct {
	MaxSessions int
}

// Service implements the session operations.
type Service struct {
	store       Store
	locker      Locker
	emitter     EventEmitter
	maxSessions int
	now         func(ctx context.Context) time.Time
	newID       func() id.SessionID
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

func WithEmitter(e EventEmitter) Option {
	return func(s *Service) {
		s.emitter = e
	}
}

// WithClock replaces the request-scoped clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = func(context.Context) time.Time { return now() }
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// New creates a Service. MaxSessions defaults to DefaultMaxSessions and must not be negative.
func New(store Store, locker Locker, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("sessions: store is required")
	}
	if locker == nil {
		return nil, errors.New("sessions: locker is required")
	}
	if cfg.MaxSessions < 0 {
		return nil, fmt.Errorf("sessions: max sessions must be at least 1, got %d", cfg.MaxSessions)
	}
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}

	s := &Service{
		store:       store,
		locker:      locker,
		maxSessions: cfg.MaxSessions,
		now:         requestcontext.Now,
		newID:       func() id.SessionID { return id.SessionID(uuid.NewString()) },
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// MaxSessions returns the configured per-user cap.
func (s *Service) MaxSessions() int {
	return s.maxSessions
}

// List returns the user's non-revoked sessions, most recently active first.
func (s *Service) List(ctx context.Context, userID id.UserID) ([]*models.Session, error) {
	sessions, err := s.liveSessions(ctx, userID, s.now(ctx))
	if err != nil {
		return nil, err
	}
	sortByLastActive(sessions)
	return sessions, nil
}

// liveSessions returns the user's sessions that are neither revoked nor
// expired at now.
func (s *Service) liveSessions(ctx context.Context, userID id.UserID, now time.Time) ([]*models.Session, error) {
	sessions, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list sessions")
	}
	live := sessions[:0]
	for _, session := range sessions {
		if !session.Expired(now) {
			live = append(live, session)
		}
	}
	return live, nil
}

// IsRevoked reports whether token belongs to a revoked session. Tokens this
// service has never seen are not revoked.
func (s *Service) IsRevoked(ctx context.Context, token string) (bool, error) {
	session, err := s.store.FindByToken(ctx, token)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup session: %w", err)
	}
	return session.IsRevoked(), nil
}

// withLock runs fn while holding userID's lock. fn must use the context it is
// given for store calls. Events are emitted by callers only after withLock
// returns, so subscribers never see uncommitted changes.
func (s *Service) withLock(ctx context.Context, userID id.UserID, fn func(ctx context.Context) error) error {
	start := time.Now()
	lockedCtx, unlock, err := s.locker.Lock(ctx, userID)
	s.metrics.ObserveLockWait(time.Since(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sentinel.ErrLockTimeout) {
			return dErrors.Wrap(err, dErrors.CodeTimeout, "timed out waiting for session lock")
		}
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to acquire session lock")
	}

	err = fn(lockedCtx)
	if unlockErr := unlock(err); unlockErr != nil && err == nil {
		return dErrors.Wrap(unlockErr, dErrors.CodeInternal, "failed to commit session changes")
	}
	return err
}

// findOwned returns the live session for token if userID owns it.
// Anything else is reported as SessionNotFound so callers cannot test for
// other users' tokens.
func (s *Service) findOwned(ctx context.Context, userID id.UserID, token string) (*models.Session, error) {
	if token == "" {
		return nil, sessionNotFound()
	}
	session, err := s.store.FindByToken(ctx, token)
	if isNotFound(err) {
		return nil, sessionNotFound()
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
	}
	if session.UserID != userID || session.IsRevoked() || session.Expired(s.now(ctx)) {
		return nil, sessionNotFound()
	}
	return session, nil
}

func (s *Service) emit(ctx context.Context, name string, payload any) {
	if s.emitter != nil {
		s.emitter.Emit(ctx, name, payload)
	}
}

func (s *Service) emitSession(ctx context.Context, name string, session *models.Session) {
	s.emit(ctx, name, events.SessionPayload{
		UserID:    session.UserID.String(),
		SessionID: session.ID.String(),
		Reason:    string(session.RevokeReason),
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, sentinel.ErrNotFound)
}

func sessionNotFound() error {
	return dErrors.New(dErrors.CodeSessionNotFound, "session not found")
}

func sortByLastActive(sessions []*models.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].LastActiveAt.Equal(sessions[j].LastActiveAt) {
			return sessions[i].LastActiveAt.After(sessions[j].LastActiveAt)
		}
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
}

func sortByCreated(sessions []*models.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}
