package session

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/conductor/db"
	"github.com/teranos/conductor/errors"
)

const (
	DefaultLockTTL   = 60 * time.Second
	DefaultLockRenew = 20 * time.Second
)

// Locks grants exclusive, expiring ownership of a session
type Locks struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewLocks creates a lock service; ttl <= 0 uses DefaultLockTTL
func NewLocks(conn *sql.DB, ttl time.Duration) *Locks {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Locks{db: conn, ttl: ttl, now: time.Now}
}

// TryAcquire takes the lock for sessionID under a fresh random owner. It
// returns "" when another owner holds an unexpired lock.
func (l *Locks) TryAcquire(ctx context.Context, sessionID string) (string, error) {
	owner := uuid.NewString()
	now := l.now()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO session_locks (session_id, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE session_locks.expires_at <= ?`,
		sessionID, owner, db.FormatTime(now.Add(l.ttl)), db.FormatTime(now))
	if err != nil {
		return "", errors.Wrapf(err, "failed to acquire lock for session %s", sessionID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", nil
	}
	return owner, nil
}

// Renew extends a lock still held by owner
func (l *Locks) Renew(ctx context.Context, sessionID, owner string) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE session_locks SET expires_at = ? WHERE session_id = ? AND owner = ?`,
		db.FormatTime(l.now().Add(l.ttl)), sessionID, owner)
	if err != nil {
		return false, errors.Wrapf(err, "failed to renew lock for session %s", sessionID)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Release drops the lock if owner still holds it
func (l *Locks) Release(ctx context.Context, sessionID, owner string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM session_locks WHERE session_id = ? AND owner = ?`, sessionID, owner)
	if err != nil {
		return errors.Wrapf(err, "failed to release lock for session %s", sessionID)
	}
	return nil
}

// IsLocked reports whether an unexpired lock exists
func (l *Locks) IsLocked(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM session_locks WHERE session_id = ? AND expires_at > ?`,
		sessionID, db.FormatTime(l.now())).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check lock for session %s", sessionID)
	}
	return n > 0, nil
}
