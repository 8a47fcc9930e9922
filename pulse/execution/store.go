package execution

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/conductor/db"
	"github.com/teranos/conductor/errors"
)

// Store persists pending executions
type Store interface {
	Create(ctx context.Context, e *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	Update(ctx context.Context, e *Execution) error
	Delete(ctx context.Context, id string) error

	// FindDue returns claimable executions scheduled at or before now,
	// highest priority first, then oldest first.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*Execution, error)
	FindByAgentAndStatus(ctx context.Context, agentID string, statuses ...Status) ([]*Execution, error)
	CountByAgentAndStatus(ctx context.Context, agentID string, status Status) (int, error)
	// FindStaleLeases returns in-flight executions whose lease ended before cutoff
	FindStaleLeases(ctx context.Context, cutoff time.Time) ([]*Execution, error)
	ExistsByIdempotencyKey(ctx context.Context, key string) (bool, error)
	FindBySchedule(ctx context.Context, scheduleID string) ([]*Execution, error)
	DeleteByDate(ctx context.Context, dateKey, timezone string, statuses ...Status) (int64, error)
	List(ctx context.Context, filter Filter) ([]*Execution, error)

	// ClaimConditional moves a claimable execution to PENDING in one statement.
	// Returns false when another owner got there first.
	ClaimConditional(ctx context.Context, id, owner string, now, leaseUntil time.Time) (bool, error)
	// RenewLease extends the lease. Returns false when the execution no longer exists.
	RenewLease(ctx context.Context, id string, leaseUntil time.Time) (bool, error)
}

// Filter narrows List
type Filter struct {
	AgentID  string
	Statuses []Status
	Limit    int
}

const executionColumns = `id, idempotency_key, date_key, agent_id, project_id, timezone,
	scheduled_at, planned_hour, planned_minute, immediate, status, priority,
	lock_owner, locked_at, lease_until, attempt, max_attempts, retry_backoff_ms,
	max_concurrent, schedule_id, created_from_schedule_version, created_at, last_updated_at`

// SQLStore is the SQLite Store
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a store over the future_executions table
func NewSQLStore(conn *sql.DB) *SQLStore {
	return &SQLStore{db: conn}
}

var _ Store = (*SQLStore)(nil)

// Create inserts an execution. A duplicate idempotency key is a conflict.
func (s *SQLStore) Create(ctx context.Context, e *Execution) error {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.LastUpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO future_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.IdempotencyKey, e.DateKey, e.AgentID, db.NullString(e.ProjectID), e.Timezone,
		db.FormatTime(e.ScheduledAt), e.PlannedHour, e.PlannedMinute, e.Immediate, string(e.Status), e.Priority,
		db.NullString(e.LockOwner), db.NullTime(e.LockedAt), db.NullTime(e.LeaseUntil),
		e.Attempt, e.MaxAttempts, e.RetryBackoffMs, e.MaxConcurrent,
		db.NullString(e.ScheduleID), e.CreatedFromScheduleVersion,
		db.FormatTime(e.CreatedAt), db.FormatTime(e.LastUpdatedAt),
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.Wrapf(errors.ErrConflict, "idempotency key %s already planned", e.IdempotencyKey)
		}
		return errors.Wrapf(err, "failed to create execution %s", e.ID)
	}
	return nil
}

// Get retrieves an execution by id
func (s *SQLStore) Get(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM future_executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("execution %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get execution %s", id)
	}
	return e, nil
}

// Update writes every mutable field back
func (s *SQLStore) Update(ctx context.Context, e *Execution) error {
	e.LastUpdatedAt = time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE future_executions
		SET scheduled_at = ?, status = ?, priority = ?,
		    lock_owner = ?, locked_at = ?, lease_until = ?,
		    attempt = ?, max_attempts = ?, retry_backoff_ms = ?, max_concurrent = ?,
		    last_updated_at = ?
		WHERE id = ?`,
		db.FormatTime(e.ScheduledAt), string(e.Status), e.Priority,
		db.NullString(e.LockOwner), db.NullTime(e.LockedAt), db.NullTime(e.LeaseUntil),
		e.Attempt, e.MaxAttempts, e.RetryBackoffMs, e.MaxConcurrent,
		db.FormatTime(e.LastUpdatedAt), e.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update execution %s", e.ID)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("execution %s", e.ID)
	}
	return nil
}

// Delete removes an execution. Deleting a missing execution is not an error.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM future_executions WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "failed to delete execution %s", id)
	}
	return nil
}

// FindDue returns READY and FAILED_RETRYABLE executions with scheduled_at <= now
func (s *SQLStore) FindDue(ctx context.Context, now time.Time, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `
		SELECT `+executionColumns+` FROM future_executions
		WHERE status IN (?, ?) AND scheduled_at <= ?
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT ?`,
		string(StatusReady), string(StatusFailedRetryable), db.FormatTime(now), limit)
}

// FindByAgentAndStatus returns the agent's executions in any of statuses
func (s *SQLStore) FindByAgentAndStatus(ctx context.Context, agentID string, statuses ...Status) ([]*Execution, error) {
	return s.List(ctx, Filter{AgentID: agentID, Statuses: statuses})
}

// CountByAgentAndStatus counts the agent's executions in status
func (s *SQLStore) CountByAgentAndStatus(ctx context.Context, agentID string, status Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM future_executions WHERE agent_id = ? AND status = ?`,
		agentID, string(status)).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count %s executions for agent %s", status, agentID)
	}
	return n, nil
}

// FindStaleLeases returns RUNNING or PENDING executions with lease_until < cutoff
func (s *SQLStore) FindStaleLeases(ctx context.Context, cutoff time.Time) ([]*Execution, error) {
	return s.query(ctx, `
		SELECT `+executionColumns+` FROM future_executions
		WHERE status IN (?, ?) AND lease_until IS NOT NULL AND lease_until < ?
		ORDER BY lease_until ASC`,
		string(StatusRunning), string(StatusPending), db.FormatTime(cutoff))
}

// ExistsByIdempotencyKey reports whether a slot was already planned
func (s *SQLStore) ExistsByIdempotencyKey(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM future_executions WHERE idempotency_key = ?)`, key).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check idempotency key")
	}
	return exists, nil
}

// FindBySchedule returns every execution planned from scheduleID
func (s *SQLStore) FindBySchedule(ctx context.Context, scheduleID string) ([]*Execution, error) {
	return s.query(ctx, `
		SELECT `+executionColumns+` FROM future_executions
		WHERE schedule_id = ?
		ORDER BY scheduled_at ASC`, scheduleID)
}

// DeleteByDate removes a day's executions for one timezone in any of statuses
func (s *SQLStore) DeleteByDate(ctx context.Context, dateKey, timezone string, statuses ...Status) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := []interface{}{dateKey, timezone}
	args = appendStatuses(args, statuses)
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM future_executions
		WHERE date_key = ? AND timezone = ? AND status IN (`+placeholders(len(statuses))+`)`, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to delete executions for %s (%s)", dateKey, timezone)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return n, nil
}

// List returns executions matching filter, oldest first
func (s *SQLStore) List(ctx context.Context, filter Filter) ([]*Execution, error) {
	var where []string
	var args []interface{}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		args = appendStatuses(args, filter.Statuses)
	}

	query := `SELECT ` + executionColumns + ` FROM future_executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY scheduled_at ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.query(ctx, query, args...)
}

// ClaimConditional claims in a single guarded UPDATE
func (s *SQLStore) ClaimConditional(ctx context.Context, id, owner string, now, leaseUntil time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE future_executions
		SET status = ?, lock_owner = ?, locked_at = ?, lease_until = ?, last_updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(StatusPending), owner, db.FormatTime(now), db.FormatTime(leaseUntil), db.FormatTime(now),
		id, string(StatusReady), string(StatusFailedRetryable))
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim execution %s", id)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n == 1, nil
}

// RenewLease sets lease_until on an existing execution
func (s *SQLStore) RenewLease(ctx context.Context, id string, leaseUntil time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE future_executions SET lease_until = ?, last_updated_at = ? WHERE id = ?`,
		db.FormatTime(leaseUntil), db.FormatTime(time.Now()), id)
	if err != nil {
		return false, errors.Wrapf(err, "failed to renew lease for %s", id)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n > 0, nil
}

func (s *SQLStore) query(ctx context.Context, query string, args ...interface{}) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query executions")
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate executions")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row scanner) (*Execution, error) {
	var e Execution
	var status string
	var projectID, lockOwner, lockedAt, leaseUntil, scheduleID sql.NullString
	var scheduleVersion sql.NullInt64
	var scheduledAt, createdAt, updatedAt string

	err := row.Scan(
		&e.ID, &e.IdempotencyKey, &e.DateKey, &e.AgentID, &projectID, &e.Timezone,
		&scheduledAt, &e.PlannedHour, &e.PlannedMinute, &e.Immediate, &status, &e.Priority,
		&lockOwner, &lockedAt, &leaseUntil, &e.Attempt, &e.MaxAttempts, &e.RetryBackoffMs,
		&e.MaxConcurrent, &scheduleID, &scheduleVersion, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.ProjectID = projectID.String
	e.LockOwner = lockOwner.String
	e.ScheduleID = scheduleID.String
	e.CreatedFromScheduleVersion = int(scheduleVersion.Int64)

	if e.ScheduledAt, err = db.ParseTime(scheduledAt); err != nil {
		return nil, errors.Wrapf(err, "scheduled_at of execution %s", e.ID)
	}
	if e.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "created_at of execution %s", e.ID)
	}
	if e.LastUpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, errors.Wrapf(err, "last_updated_at of execution %s", e.ID)
	}
	if e.LockedAt, err = db.ParseNullTime(lockedAt); err != nil {
		return nil, errors.Wrapf(err, "locked_at of execution %s", e.ID)
	}
	if e.LeaseUntil, err = db.ParseNullTime(leaseUntil); err != nil {
		return nil, errors.Wrapf(err, "lease_until of execution %s", e.ID)
	}
	return &e, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func appendStatuses(args []interface{}, statuses []Status) []interface{} {
	for _, st := range statuses {
		args = append(args, string(st))
	}
	return args
}
