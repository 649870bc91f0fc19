// Package authz holds the composable guards that turn an identity into an
// allow/deny decision.
package authz

import (
	"net/http"
	"slices"
	"strings"

	"gatekeeper/internal/identity"
)

// Reason is the machine-readable denial code written to clients.
type Reason string

const (
	ReasonUnauthorized         Reason = "UNAUTHORIZED"
	ReasonForbiddenRole        Reason = "FORBIDDEN_ROLE"
	ReasonForbiddenBanned      Reason = "FORBIDDEN_BANNED"
	ReasonAlreadyAuthenticated Reason = "ALREADY_AUTHENTICATED"
)

// Decision is the outcome of one guard or a chain of guards.
type Decision struct {
	Allowed bool
	Reason  Reason
	Status  int
	Message string
}

// Allow is the passing decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason Reason, status int, msg string) Decision {
	return Decision{Reason: reason, Status: status, Message: msg}
}

// Guard inspects an identity and decides.
type Guard func(identity.Identity) Decision

// RequireAuth denies anonymous callers with 401.
func RequireAuth() Guard {
	return func(id identity.Identity) Decision {
		if !id.IsAuthenticated() {
			return deny(ReasonUnauthorized, http.StatusUnauthorized, "authentication required")
		}
		return Allow()
	}
}

// RequireGuest denies authenticated callers with 403.
func RequireGuest() Guard {
	return func(id identity.Identity) Decision {
		if id.IsAuthenticated() {
			return deny(ReasonAlreadyAuthenticated, http.StatusForbidden, "already authenticated")
		}
		return Allow()
	}
}

// RequireRole allows callers whose effective role is one of roles. A caller
// with no role is denied.
func RequireRole(roles ...string) Guard {
	allowed := slices.Clone(roles)
	msg := "requires role: " + strings.Join(allowed, ", ")
	return func(id identity.Identity) Decision {
		role, ok := id.Role()
		if !ok || !slices.Contains(allowed, role) {
			return deny(ReasonForbiddenRole, http.StatusForbidden, msg)
		}
		return Allow()
	}
}

// RequireNotBanned denies callers flagged as banned. Anonymous callers pass.
func RequireNotBanned() Guard {
	return func(id identity.Identity) Decision {
		if id.Banned() {
			return deny(ReasonForbiddenBanned, http.StatusForbidden, "account is banned")
		}
		return Allow()
	}
}

// Evaluate runs guards in order and returns the first denial, or Allow.
func Evaluate(id identity.Identity, guards ...Guard) Decision {
	for _, g := range guards {
		if d := g(id); !d.Allowed {
			return d
		}
	}
	return Allow()
}
