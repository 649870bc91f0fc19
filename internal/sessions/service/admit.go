package service

import (
	"context"
	"errors"

	"gatekeeper/internal/events"
	"gatekeeper/internal/sessions/models"
	dErrors "gatekeeper/pkg/domain-errors"
	"gatekeeper/pkg/platform/sentinel"
)

// Admit records a newly issued session and makes it the user's active one.
// If the user would exceed the session cap, the oldest sessions by creation
// time are revoked with reason "evicted" first. Admissions for one user are
// serialized, so concurrent admissions never leave more than the cap.
// Admitting a token that is already live returns the existing session.
// Expired sessions neither count toward the cap nor get evicted.
func (s *Service) Admit(ctx context.Context, req models.AdmitRequest) (*models.AdmitResult, error) {
	if req.UserID.IsNil() || req.Token == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "user id and session token are required")
	}
	if !req.ExpiresAt.IsZero() && !s.now(ctx).Before(req.ExpiresAt) {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "session token has already expired")
	}

	var result *models.AdmitResult
	err := s.withLock(ctx, req.UserID, func(ctx context.Context) error {
		var err error
		result, err = s.admitLocked(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !result.Created {
		return result, nil
	}

	s.metrics.IncrementAdmissions()
	s.metrics.AddEvictions(len(result.Evicted))
	s.metrics.IncrementRevocations(string(models.RevokeReasonEvicted), len(result.Evicted))

	if req.NewUser {
		s.emit(ctx, events.UserCreated, events.UserPayload{UserID: req.UserID.String()})
	}
	for _, evicted := range result.Evicted {
		s.logger.InfoContext(ctx, "session evicted",
			"user_id", evicted.UserID,
			"session_id", evicted.ID,
			"max_sessions", s.maxSessions,
		)
		s.emitSession(ctx, events.SessionEvicted, evicted)
	}
	s.emitSession(ctx, events.SessionCreated, result.Session)
	return result, nil
}

func (s *Service) admitLocked(ctx context.Context, req models.AdmitRequest) (*models.AdmitResult, error) {
	existing, err := s.store.FindByToken(ctx, req.Token)
	switch {
	case err == nil && existing.IsRevoked():
		return nil, dErrors.New(dErrors.CodeConflict, "session token was revoked")
	case err == nil && existing.UserID != req.UserID:
		return nil, dErrors.New(dErrors.CodeConflict, "session token belongs to another user")
	case err == nil:
		return &models.AdmitResult{Session: existing}, nil
	case !errors.Is(err, sentinel.ErrNotFound):
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
	}

	now := s.now(ctx)
	live, err := s.liveSessions(ctx, req.UserID, now)
	if err != nil {
		return nil, err
	}
	sortByCreated(live)

	var evicted []*models.Session
	for len(live) >= s.maxSessions {
		oldest := live[0]
		live = live[1:]
		oldest.Revoke(now, models.RevokeReasonEvicted)
		if err := s.store.Update(ctx, oldest); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to evict session")
		}
		evicted = append(evicted, oldest)
	}

	for _, sibling := range live {
		if !sibling.Active {
			continue
		}
		sibling.Active = false
		if err := s.store.Update(ctx, sibling); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to update session")
		}
	}

	session := &models.Session{
		ID:           s.newID(),
		TokenHash:    models.HashToken(req.Token),
		UserID:       req.UserID,
		UserAgent:    req.UserAgent,
		IPAddress:    req.IPAddress,
		CreatedAt:    now,
		LastActiveAt: now,
		Active:       true,
		Status:       models.StatusActive,
		ExpiresAt:    req.ExpiresAt,
	}
	if err := s.store.Create(ctx, session); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create session")
	}
	return &models.AdmitResult{Session: session, Evicted: evicted, Created: true}, nil
}
