// Package redis stores sessions in Redis so several gatekeeper instances share
// one view of every user's sessions.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"gatekeeper/internal/sessions/models"
	id "gatekeeper/pkg/domain"
	"gatekeeper/pkg/platform/sentinel"
)

const (
	sessionKeyPrefix     = "session:"
	tokenKeyPrefix       = "session_token:"
	userSessionKeyPrefix = "user_sessions:"
)

// record is the stored form of a session.
type record struct {
	ID           string     `json:"id"`
	TokenHash    string     `json:"tokenHash"`
	UserID       string     `json:"userId"`
	UserAgent    string     `json:"userAgent,omitempty"`
	IPAddress    string     `json:"ipAddress,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActiveAt time.Time  `json:"lastActiveAt"`
	Active       bool       `json:"active"`
	Status       string     `json:"status"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
	RevokeReason string     `json:"revokeReason,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

func toRecord(s *models.Session) record {
	var expiresAt *time.Time
	if !s.ExpiresAt.IsZero() {
		t := s.ExpiresAt
		expiresAt = &t
	}
	return record{
		ID:           s.ID.String(),
		TokenHash:    s.TokenHash,
		UserID:       s.UserID.String(),
		UserAgent:    s.UserAgent,
		IPAddress:    s.IPAddress,
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
		Active:       s.Active,
		Status:       string(s.Status),
		RevokedAt:    s.RevokedAt,
		RevokeReason: string(s.RevokeReason),
		ExpiresAt:    expiresAt,
	}
}

func (r record) session() *models.Session {
	session := &models.Session{
		ID:           id.SessionID(r.ID),
		TokenHash:    r.TokenHash,
		UserID:       id.UserID(r.UserID),
		UserAgent:    r.UserAgent,
		IPAddress:    r.IPAddress,
		CreatedAt:    r.CreatedAt,
		LastActiveAt: r.LastActiveAt,
		Active:       r.Active,
		Status:       models.Status(r.Status),
		RevokedAt:    r.RevokedAt,
		RevokeReason: models.RevokeReason(r.RevokeReason),
	}
	if r.ExpiresAt != nil {
		session.ExpiresAt = *r.ExpiresAt
	}
	return session
}

// Store is a Redis-backed session store.
//
// Keys:
//
//	session:{id}                  JSON session record
//	session_token:{sha256(token)} session id
//	user_sessions:{user}          set of the user's non-revoked session ids
//
// Tokens are only ever stored hashed. Sessions with an expiry are written with
// a matching TTL on the record and the token key; ListByUser drops index
// entries whose record has expired.
type Store struct {
	client *redis.Client
	now    func() time.Time
}

type Option func(*Store)

// WithClock sets the clock used to turn session expiry into key TTLs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sessionKey(sessionID id.SessionID) string {
	return sessionKeyPrefix + sessionID.String()
}

func tokenKey(tokenHash string) string {
	return tokenKeyPrefix + tokenHash
}

func userKey(userID id.UserID) string {
	return userSessionKeyPrefix + userID.String()
}

// ttl returns how long a session's keys should live; 0 means no expiry.
func (s *Store) ttl(session *models.Session) time.Duration {
	if session.ExpiresAt.IsZero() {
		return 0
	}
	// A zero TTL would keep an already expired session forever.
	return max(session.ExpiresAt.Sub(s.now()), time.Millisecond)
}

// Create stores a new session. The token index is claimed with SETNX so two
// sessions can never share a token.
func (s *Store) Create(ctx context.Context, session *models.Session) error {
	payload, err := json.Marshal(toRecord(session))
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := s.ttl(session)

	claimed, err := s.client.SetNX(ctx, tokenKey(session.TokenHash), session.ID.String(), ttl).Result()
	if err != nil {
		return fmt.Errorf("claim session token: %w", err)
	}
	if !claimed {
		return fmt.Errorf("session token already stored: %w", sentinel.ErrConflict)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(session.ID), payload, ttl)
		if !session.IsRevoked() {
			pipe.SAdd(ctx, userKey(session.UserID), session.ID.String())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) FindByToken(ctx context.Context, token string) (*models.Session, error) {
	sessionID, err := s.client.Get(ctx, tokenKey(models.HashToken(token))).Result()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session token: %w", err)
	}
	return s.get(ctx, id.SessionID(sessionID))
}

func (s *Store) get(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	raw, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return rec.session(), nil
}

// ListByUser returns the user's non-revoked sessions in creation order.
func (s *Store) ListByUser(ctx context.Context, userID id.UserID) ([]*models.Session, error) {
	ids, err := s.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list user sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, sid := range ids {
		keys[i] = sessionKey(id.SessionID(sid))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load user sessions: %w", err)
	}

	out := make([]*models.Session, 0, len(values))
	var dangling []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// index entry outlived its record
			dangling = append(dangling, ids[i])
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		if session := rec.session(); !session.IsRevoked() {
			out = append(out, session)
		}
	}
	if len(dangling) > 0 {
		if err := s.client.SRem(ctx, userKey(userID), dangling...).Err(); err != nil {
			return nil, fmt.Errorf("prune user sessions: %w", err)
		}
	}
	sortByCreated(out)
	return out, nil
}

// Update overwrites an existing session and keeps its remaining TTL. Revoked
// sessions drop out of the user's index but stay findable by token until
// they expire.
func (s *Store) Update(ctx context.Context, session *models.Session) error {
	payload, err := json.Marshal(toRecord(session))
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	var set *redis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		set = pipe.SetXX(ctx, sessionKey(session.ID), payload, redis.KeepTTL)
		if session.IsRevoked() {
			pipe.SRem(ctx, userKey(session.UserID), session.ID.String())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if !set.Val() {
		return sentinel.ErrNotFound
	}
	return nil
}

func sortByCreated(sessions []*models.Session) {
	slices.SortStableFunc(sessions, func(a, b *models.Session) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
