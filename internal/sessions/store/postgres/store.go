// Package postgres stores sessions in PostgreSQL and serializes per-user
// mutations with transaction-scoped advisory locks.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"gatekeeper/internal/sessions/models"
	id "gatekeeper/pkg/domain"
	"gatekeeper/pkg/platform/sentinel"
	txcontext "gatekeeper/pkg/platform/tx"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

const sessionColumns = `id, token_hash, user_id, user_agent, ip_address, created_at, last_active_at,
	active, status, revoked_at, revoke_reason, expires_at`

// Store persists sessions in PostgreSQL. Calls join the transaction carried in
// the context, if any. Only token hashes are stored. Creating a session
// deletes the user's expired rows.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*Store)

// WithClock sets the clock used to decide which rows have expired.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the sessions table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply session schema: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (s *Store) Create(ctx context.Context, session *models.Session) error {
	q := txcontext.QuerierFrom(ctx, s.db)
	prune := `DELETE FROM managed_sessions WHERE user_id = $1 AND expires_at <= $2`
	if _, err := q.ExecContext(ctx, prune, session.UserID.String(), s.now()); err != nil {
		return fmt.Errorf("prune expired sessions: %w", err)
	}

	query := `
		INSERT INTO managed_sessions (id, token_hash, user_id, user_agent, ip_address,
			created_at, last_active_at, active, status, revoked_at, revoke_reason, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := q.ExecContext(ctx, query,
		session.ID.String(),
		session.TokenHash,
		session.UserID.String(),
		session.UserAgent,
		session.IPAddress,
		session.CreatedAt,
		session.LastActiveAt,
		session.Active,
		string(session.Status),
		session.RevokedAt,
		string(session.RevokeReason),
		nullTime(session.ExpiresAt),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("session already stored: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) FindByToken(ctx context.Context, token string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM managed_sessions WHERE token_hash = $1`
	row := txcontext.QuerierFrom(ctx, s.db).QueryRowContext(ctx, query, models.HashToken(token))
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session by token: %w", err)
	}
	return session, nil
}

// ListByUser returns the user's non-revoked sessions in creation order.
func (s *Store) ListByUser(ctx context.Context, userID id.UserID) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM managed_sessions
		WHERE user_id = $1 AND status = $2
		ORDER BY created_at, id`
	rows, err := txcontext.QuerierFrom(ctx, s.db).QueryContext(ctx, query, userID.String(), string(models.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// Update writes the mutable fields of a session. A revoked row is never
// reinstated.
func (s *Store) Update(ctx context.Context, session *models.Session) error {
	query := `
		UPDATE managed_sessions SET
			last_active_at = $2,
			active = $3,
			status = $4,
			revoked_at = $5,
			revoke_reason = $6
		WHERE id = $1 AND (status <> 'revoked' OR $4 = 'revoked')
	`
	res, err := txcontext.QuerierFrom(ctx, s.db).ExecContext(ctx, query,
		session.ID.String(),
		session.LastActiveAt,
		session.Active,
		string(session.Status),
		session.RevokedAt,
		string(session.RevokeReason),
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*models.Session, error) {
	var (
		session   models.Session
		sessionID string
		userID    string
		status    string
		reason    string
		revokedAt sql.NullTime
		expiresAt sql.NullTime
	)
	err := row.Scan(
		&sessionID,
		&session.TokenHash,
		&userID,
		&session.UserAgent,
		&session.IPAddress,
		&session.CreatedAt,
		&session.LastActiveAt,
		&session.Active,
		&status,
		&revokedAt,
		&reason,
		&expiresAt,
	)
	if err != nil {
		return nil, err
	}
	session.ID = id.SessionID(sessionID)
	session.UserID = id.UserID(userID)
	session.Status = models.Status(status)
	session.RevokeReason = models.RevokeReason(reason)
	if revokedAt.Valid {
		t := revokedAt.Time
		session.RevokedAt = &t
	}
	if expiresAt.Valid {
		session.ExpiresAt = expiresAt.Time
	}
	return &session, nil
}
