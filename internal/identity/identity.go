// Package identity resolves who is calling.
//
// Every request ends up with exactly one Identity: a first-party session
// resolved by the auth backend, claims from a verified bearer token, or
// anonymous. The session path always wins; a bearer token is only looked at
// when no session was found. Resolution never rejects a request; denying
// access is the job of the authz guards.
package identity

import (
	"time"

	id "gatekeeper/pkg/domain"
)

// Kind tags which trust mechanism produced an Identity.
type Kind int

const (
	KindAnonymous Kind = iota
	KindSession
	KindClaims
)

func (k Kind) String() string {
	switch k {
	case KindSession:
		return "session"
	case KindClaims:
		return "claims"
	default:
		return "anonymous"
	}
}

// User is the subset of the backend's user record the pipeline relies on.
type User struct {
	ID     id.UserID `json:"id"`
	Role   *string   `json:"role,omitempty"`
	Banned *bool     `json:"banned,omitempty"`
	Email  string    `json:"email,omitempty"`
	Name   string    `json:"name,omitempty"`
}

// Session is a live first-party session as reported by the auth backend.
type Session struct {
	ID        id.SessionID `json:"id"`
	Token     string       `json:"token,omitempty"`
	UserID    id.UserID    `json:"userId"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
	ExpiresAt time.Time    `json:"expiresAt"`
	IPAddress string       `json:"ipAddress,omitempty"`
	UserAgent string       `json:"userAgent,omitempty"`
}

// Claims is the verified payload of a bearer token.
type Claims struct {
	Subject   string
	Role      *string
	Banned    *bool
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	KeyID     string
	Email     string
	Name      string
}

// Identity is immutable once built. Construct it with Anonymous, FromSession or
// FromClaims; the zero value is anonymous.
type Identity struct {
	kind    Kind
	user    *User
	session *Session
	claims  *Claims
}

// Anonymous returns the unauthenticated identity.
func Anonymous() Identity {
	return Identity{kind: KindAnonymous}
}

// FromSession builds a session identity. A nil user or session yields anonymous.
func FromSession(user *User, session *Session) Identity {
	if user == nil || session == nil {
		return Anonymous()
	}
	return Identity{kind: KindSession, user: user, session: session}
}

// FromClaims builds a bearer-token identity. Nil claims yield anonymous.
func FromClaims(claims *Claims) Identity {
	if claims == nil {
		return Anonymous()
	}
	return Identity{kind: KindClaims, claims: claims}
}

func (i Identity) Kind() Kind { return i.kind }

func (i Identity) IsAuthenticated() bool { return i.kind != KindAnonymous }

// User is non-nil only for session identities.
func (i Identity) User() *User { return i.user }

// Session is non-nil only for session identities.
func (i Identity) Session() *Session { return i.session }

// Claims is non-nil only for claims identities.
func (i Identity) Claims() *Claims { return i.claims }

// UserID is the user ID for sessions and the token subject for claims.
func (i Identity) UserID() id.UserID {
	switch i.kind {
	case KindSession:
		return i.user.ID
	case KindClaims:
		return id.UserID(i.claims.Subject)
	default:
		return ""
	}
}

// Role resolves the effective role: the user record's role, else the token's role.
func (i Identity) Role() (string, bool) {
	var role *string
	switch i.kind {
	case KindSession:
		role = i.user.Role
	case KindClaims:
		role = i.claims.Role
	}
	if role == nil || *role == "" {
		return "", false
	}
	return *role, true
}

// Banned resolves the effective banned flag, defaulting to false.
func (i Identity) Banned() bool {
	switch i.kind {
	case KindSession:
		return i.user.Banned != nil && *i.user.Banned
	case KindClaims:
		return i.claims.Banned != nil && *i.claims.Banned
	default:
		return false
	}
}
