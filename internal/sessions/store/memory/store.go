// Package memory holds in-process session storage and locking, used for
// single-instance deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gatekeeper/internal/sessions/models"
	id "gatekeeper/pkg/domain"
	"gatekeeper/pkg/platform/sentinel"
)

// Store is an in-memory session store keyed by token hash. Sessions are
// copied on the way in and out so callers never share state with the store.
type Store struct {
	mu     sync.RWMutex
	byHash map[string]*models.Session
	byUser map[id.UserID][]string // token hashes in creation order
	now    func() time.Time
}

type Option func(*Store)

// WithClock sets the clock used to decide which sessions have expired.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		byHash: make(map[string]*models.Session),
		byUser: make(map[id.UserID][]string),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new session and prunes the user's index: expired sessions
// are forgotten and revoked ones leave the index but stay findable by token.
func (s *Store) Create(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byHash[session.TokenHash]; exists {
		return fmt.Errorf("session token already stored: %w", sentinel.ErrConflict)
	}
	s.pruneLocked(session.UserID)
	s.byHash[session.TokenHash] = session.Clone()
	s.byUser[session.UserID] = append(s.byUser[session.UserID], session.TokenHash)
	return nil
}

func (s *Store) pruneLocked(userID id.UserID) {
	now := s.now()
	kept := s.byUser[userID][:0]
	for _, hash := range s.byUser[userID] {
		session := s.byHash[hash]
		switch {
		case session == nil:
		case session.Expired(now):
			delete(s.byHash, hash)
		case session.IsRevoked():
		default:
			kept = append(kept, hash)
		}
	}
	if len(kept) == 0 {
		delete(s.byUser, userID)
		return
	}
	s.byUser[userID] = kept
}

func (s *Store) FindByToken(_ context.Context, token string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.byHash[models.HashToken(token)]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return session.Clone(), nil
}

// ListByUser returns the user's non-revoked sessions in creation order.
func (s *Store) ListByUser(_ context.Context, userID id.UserID) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Session
	for _, hash := range s.byUser[userID] {
		if session := s.byHash[hash]; session != nil && !session.IsRevoked() {
			out = append(out, session.Clone())
		}
	}
	return out, nil
}

func (s *Store) Update(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byHash[session.TokenHash]
	if !ok || current.ID != session.ID {
		return sentinel.ErrNotFound
	}
	s.byHash[session.TokenHash] = session.Clone()
	return nil
}
