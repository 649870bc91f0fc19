package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	id "gatekeeper/pkg/domain"
	"gatekeeper/pkg/platform/sentinel"
	txcontext "gatekeeper/pkg/platform/tx"
)

const lockNotAvailable = "55P03"

// AdvisoryLocker serializes a user's session mutations with
// pg_advisory_xact_lock. The lock lives as long as the transaction it opens,
// and store calls made with the returned context run inside that transaction.
type AdvisoryLocker struct {
	db          *sql.DB
	lockTimeout time.Duration
	logger      *slog.Logger
}

type LockerOption func(*AdvisoryLocker)

// WithLockTimeout bounds how long Lock waits for another holder.
func WithLockTimeout(d time.Duration) LockerOption {
	return func(l *AdvisoryLocker) {
		if d > 0 {
			l.lockTimeout = d
		}
	}
}

func WithLockerLogger(logger *slog.Logger) LockerOption {
	return func(l *AdvisoryLocker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewAdvisoryLocker(db *sql.DB, opts ...LockerOption) *AdvisoryLocker {
	l := &AdvisoryLocker{
		db:          db,
		lockTimeout: 5 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Lock opens a transaction and takes the user's advisory lock in it. unlock
// commits when the guarded work succeeded and rolls back otherwise.
func (l *AdvisoryLocker) Lock(ctx context.Context, userID id.UserID) (context.Context, func(error) error, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin session lock transaction: %w", err)
	}

	// SET cannot take bind parameters.
	timeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", l.lockTimeout.Milliseconds())
	if _, err := tx.ExecContext(ctx, timeout); err != nil {
		_ = tx.Rollback()
		return nil, nil, fmt.Errorf("set lock timeout: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID.String()); err != nil {
		_ = tx.Rollback()
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == lockNotAvailable {
			return nil, nil, fmt.Errorf("session lock for user %s: %w", userID, sentinel.ErrLockTimeout)
		}
		return nil, nil, fmt.Errorf("acquire session lock: %w", err)
	}

	return txcontext.WithTx(ctx, tx), func(workErr error) error {
		if workErr != nil {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				l.logger.Warn("failed to roll back session transaction", "user_id", userID, "error", err)
			}
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit session transaction: %w", err)
		}
		return nil
	}, nil
}
