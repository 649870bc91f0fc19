package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, locks, and outbound clients
// return these (optionally wrapped) so services can translate them into domain
// errors or into the "degrade to anonymous" path.
//
// - ErrNotFound: record does not exist in the store
// - ErrRevoked: session exists but was revoked
// - ErrExpired: session or token lifetime has passed
// - ErrUnavailable: dependency (auth backend, key endpoint, store) unreachable
// - ErrLockTimeout: a per-user lock could not be acquired in time
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrRevoked      = errors.New("revoked")
	ErrExpired      = errors.New("expired")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
	ErrLockTimeout  = errors.New("lock timeout")
)
