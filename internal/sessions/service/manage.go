package service

import (
	"context"

	"gatekeeper/internal/events"
	"gatekeeper/internal/sessions/models"
	id "gatekeeper/pkg/domain"
	dErrors "gatekeeper/pkg/domain-errors"
)

// SetActive makes the session for token the user's active one and marks every
// other session inactive. Calling it again for the same token changes nothing
// but the last-active time.
func (s *Service) SetActive(ctx context.Context, userID id.UserID, token string) (*models.Session, error) {
	var target *models.Session
	err := s.withLock(ctx, userID, func(ctx context.Context) error {
		var err error
		target, err = s.findOwned(ctx, userID, token)
		if err != nil {
			return err
		}
		if err := s.deactivateSiblings(ctx, userID, target); err != nil {
			return err
		}

		target.Active = true
		target.LastActiveAt = s.now(ctx)
		if err := s.store.Update(ctx, target); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update session")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return target, nil
}

// Revoke permanently revokes the session for token. If it was the active
// session, the most recently active remaining session takes over.
func (s *Service) Revoke(ctx context.Context, userID id.UserID, token string) error {
	var target *models.Session
	err := s.withLock(ctx, userID, func(ctx context.Context) error {
		var err error
		target, err = s.findOwned(ctx, userID, token)
		if err != nil {
			return err
		}

		wasActive := target.Active
		target.Revoke(s.now(ctx), models.RevokeReasonUserInitiated)
		if err := s.store.Update(ctx, target); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to revoke session")
		}
		if wasActive {
			return s.promoteMostRecent(ctx, userID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.metrics.IncrementRevocations(string(models.RevokeReasonUserInitiated), 1)
	s.emitSession(ctx, events.SessionRevoked, target)
	return nil
}

// RevokeAll revokes every session of the user except the one for exceptToken,
// which becomes active. An empty exceptToken revokes everything.
func (s *Service) RevokeAll(ctx context.Context, userID id.UserID, exceptToken string) (int, error) {
	var done []*models.Session
	err := s.withLock(ctx, userID, func(ctx context.Context) error {
		now := s.now(ctx)
		live, err := s.liveSessions(ctx, userID, now)
		if err != nil {
			return err
		}

		for _, session := range live {
			if session.MatchesToken(exceptToken) {
				if !session.Active {
					session.Active = true
					if err := s.store.Update(ctx, session); err != nil {
						return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update session")
					}
				}
				continue
			}
			session.Revoke(now, models.RevokeReasonUserInitiated)
			if err := s.store.Update(ctx, session); err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to revoke session")
			}
			done = append(done, session)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.metrics.IncrementRevocations(string(models.RevokeReasonUserInitiated), len(done))
	for _, session := range done {
		s.emitSession(ctx, events.SessionRevoked, session)
	}
	return len(done), nil
}

// Touch records activity on the session for token.
func (s *Service) Touch(ctx context.Context, token string) error {
	session, err := s.store.FindByToken(ctx, token)
	if err != nil {
		return s.notFoundOr(err)
	}
	if session.IsRevoked() || session.Expired(s.now(ctx)) {
		return sessionNotFound()
	}

	return s.withLock(ctx, session.UserID, func(ctx context.Context) error {
		// Reload under the lock; the session may have been revoked meanwhile.
		current, err := s.findOwned(ctx, session.UserID, token)
		if err != nil {
			return err
		}
		current.LastActiveAt = s.now(ctx)
		if err := s.store.Update(ctx, current); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update session")
		}
		return nil
	})
}

func (s *Service) deactivateSiblings(ctx context.Context, userID id.UserID, keep *models.Session) error {
	live, err := s.liveSessions(ctx, userID, s.now(ctx))
	if err != nil {
		return err
	}
	for _, sibling := range live {
		if sibling.ID == keep.ID || !sibling.Active {
			continue
		}
		sibling.Active = false
		if err := s.store.Update(ctx, sibling); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update session")
		}
	}
	return nil
}

func (s *Service) promoteMostRecent(ctx context.Context, userID id.UserID) error {
	live, err := s.liveSessions(ctx, userID, s.now(ctx))
	if err != nil {
		return err
	}
	if len(live) == 0 {
		return nil
	}
	sortByLastActive(live)
	next := live[0]
	if next.Active {
		return nil
	}
	next.Active = true
	if err := s.store.Update(ctx, next); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update session")
	}
	return nil
}

func (s *Service) notFoundOr(err error) error {
	if isNotFound(err) {
		return sessionNotFound()
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
}
