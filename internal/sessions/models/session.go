package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	id "gatekeeper/pkg/domain"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

type RevokeReason string

const (
	RevokeReasonUserInitiated RevokeReason = "user_initiated"
	RevokeReasonEvicted       RevokeReason = "evicted"
)

// Session is a device session managed for one user. Active marks the session
// the user is currently working in; it is unrelated to Status. Only the
// SHA-256 of the session token is kept. A zero ExpiresAt never expires.
type Session struct {
	ID           id.SessionID `json:"id"`
	TokenHash    string       `json:"-"`
	UserID       id.UserID    `json:"userId"`
	UserAgent    string       `json:"userAgent,omitempty"`
	IPAddress    string       `json:"ipAddress,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	LastActiveAt time.Time    `json:"lastActiveAt"`
	Active       bool         `json:"active"`
	Status       Status       `json:"status"`
	RevokedAt    *time.Time   `json:"revokedAt,omitempty"`
	RevokeReason RevokeReason `json:"revokeReason,omitempty"`
	ExpiresAt    time.Time    `json:"expiresAt,omitzero"`
}

// HashToken returns the hex SHA-256 of a session token, the only form in
// which tokens are stored or compared.
func HashToken(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *Session) IsRevoked() bool {
	return s.Status == StatusRevoked
}

// Expired reports whether the session's lifetime ended at or before at.
func (s *Session) Expired(at time.Time) bool {
	return !s.ExpiresAt.IsZero() && !at.Before(s.ExpiresAt)
}

// MatchesToken reports whether token is this session's token.
func (s *Session) MatchesToken(token string) bool {
	return token != "" && s.TokenHash == HashToken(token)
}

// Revoke marks the session revoked. It reports false if it already was;
// a revoked session is never reinstated.
func (s *Session) Revoke(at time.Time, reason RevokeReason) bool {
	if s.IsRevoked() {
		return false
	}
	s.Status = StatusRevoked
	s.Active = false
	s.RevokedAt = &at
	s.RevokeReason = reason
	return true
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (s *Session) Clone() *Session {
	c := *s
	if s.RevokedAt != nil {
		t := *s.RevokedAt
		c.RevokedAt = &t
	}
	return &c
}

// SessionSummary is the listing view of a session.
type SessionSummary struct {
	ID           string    `json:"id"`
	Device       string    `json:"device"`
	UserAgent    string    `json:"userAgent,omitempty"`
	IPAddress    string    `json:"ipAddress,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	Active       bool      `json:"active"`
	IsCurrent    bool      `json:"isCurrent"`
}

type SessionsResult struct {
	Sessions []SessionSummary `json:"sessions"`
}

// AdmitRequest describes a session the auth backend just issued. ExpiresAt is
// the backend's expiry for the token; zero means it does not expire.
type AdmitRequest struct {
	UserID    id.UserID
	Token     string
	UserAgent string
	IPAddress string
	ExpiresAt time.Time
	NewUser   bool
}

// AdmitResult is the admitted session and any sessions evicted to make room.
// Created is false when the token was already admitted.
type AdmitResult struct {
	Session *Session
	Evicted []*Session
	Created bool
}
