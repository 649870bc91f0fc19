// Package domain holds identifier types shared across the identity pipeline and
// the session manager.
//
// Identifiers are minted by the external auth backend, so they are opaque
// strings rather than UUIDs. Parsing happens once at trust boundaries; past
// that point the typed IDs keep user and session identifiers from being mixed up.
package domain

import (
	"strings"

	dErrors "gatekeeper/pkg/domain-errors"
)

// MaxIDLength bounds identifiers accepted from clients and the auth backend.
const MaxIDLength = 128

type (
	UserID    string
	SessionID string
)

func (id UserID) String() string    { return string(id) }
func (id UserID) IsNil() bool       { return id == "" }
func (id SessionID) String() string { return string(id) }
func (id SessionID) IsNil() bool    { return id == "" }

// ParseUserID validates an opaque user identifier.
func ParseUserID(s string) (UserID, error) {
	v, err := parseOpaque("user id", s)
	return UserID(v), err
}

// ParseSessionID validates an opaque session identifier.
func ParseSessionID(s string) (SessionID, error) {
	v, err := parseOpaque("session id", s)
	return SessionID(v), err
}

func parseOpaque(kind, s string) (string, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, kind+" is required")
	}
	if len(s) > MaxIDLength {
		return "", dErrors.New(dErrors.CodeInvalidInput, kind+" is too long")
	}
	if strings.IndexFunc(s, func(r rune) bool { return !isIDRune(r) }) >= 0 {
		return "", dErrors.New(dErrors.CodeInvalidInput, kind+" contains invalid characters")
	}
	return s, nil
}

func isIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '_', r == '.', r == ':':
		return true
	}
	return false
}
