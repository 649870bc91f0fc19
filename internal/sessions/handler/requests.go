package handler

import (
	"strings"
	"time"

	id "gatekeeper/pkg/domain"
	dErrors "gatekeeper/pkg/domain-errors"
	"gatekeeper/pkg/platform/validation"
)

// SessionTokenRequest targets one of the caller's sessions.
type SessionTokenRequest struct {
	SessionToken string `json:"sessionToken" validate:"required,max=512"`
}

func (r *SessionTokenRequest) Validate() error {
	r.SessionToken = strings.TrimSpace(r.SessionToken)
	return validation.Struct(r)
}

// RevokeAllRequest signs the caller out everywhere. The current session
// survives unless IncludeCurrent is set.
type RevokeAllRequest struct {
	IncludeCurrent bool `json:"includeCurrent"`
}

// AdmitRequest is sent by the auth backend after it issues a session.
// ExpiresAt is the token's expiry as issued by the backend, if it has one.
type AdmitRequest struct {
	UserID       string     `json:"userId" validate:"required,max=255"`
	SessionToken string     `json:"sessionToken" validate:"required,max=512"`
	UserAgent    string     `json:"userAgent" validate:"max=1024"`
	IPAddress    string     `json:"ipAddress" validate:"omitempty,ip"`
	ExpiresAt    *time.Time `json:"expiresAt"`
	NewUser      bool       `json:"newUser"`
}

func (r *AdmitRequest) expiry() time.Time {
	if r.ExpiresAt == nil {
		return time.Time{}
	}
	return *r.ExpiresAt
}

func (r *AdmitRequest) Validate() error {
	r.UserID = strings.TrimSpace(r.UserID)
	r.SessionToken = strings.TrimSpace(r.SessionToken)
	r.IPAddress = strings.TrimSpace(r.IPAddress)
	if err := validation.Struct(r); err != nil {
		return err
	}
	if _, err := id.ParseUserID(r.UserID); err != nil {
		return dErrors.New(dErrors.CodeValidation, "userId is malformed")
	}
	return nil
}
