package execution

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/conductor/db"
	"github.com/teranos/conductor/errors"
)

// Result is the outcome of a finished attempt
type Result string

const (
	ResultSuccess Result = "SUCCESS"
	ResultFail    Result = "FAIL"
)

// ErrorCodeExecution marks a run that errored or panicked before its session finished
const ErrorCodeExecution = "EXECUTION_ERROR"

// Record is one append-only history row
type Record struct {
	ID           string
	ExecutionID  string
	AgentID      string
	ProjectID    string
	ScheduleID   string
	ScheduledAt  time.Time
	StartedAt    time.Time
	EndedAt      time.Time
	DurationMs   int64
	ResultStatus Result
	ErrorCode    string
	ErrorMessage string
	SessionID    string
	Attempt      int
	CreatedAt    time.Time
}

// NewRecord builds a history record for e covering [started, ended]
func NewRecord(e *Execution, started, ended time.Time, result Result) *Record {
	return &Record{
		ID:           uuid.NewString(),
		ExecutionID:  e.ID,
		AgentID:      e.AgentID,
		ProjectID:    e.ProjectID,
		ScheduleID:   e.ScheduleID,
		ScheduledAt:  e.ScheduledAt,
		StartedAt:    started,
		EndedAt:      ended,
		DurationMs:   ended.Sub(started).Milliseconds(),
		ResultStatus: result,
		Attempt:      e.Attempt,
	}
}

// HistoryFilter narrows HistoryStore.List
type HistoryFilter struct {
	AgentID     string
	ExecutionID string
	Result      Result
	Limit       int
}

// HistoryStore persists past executions
type HistoryStore struct {
	db *sql.DB
}

// NewHistoryStore creates a store over the past_executions table
func NewHistoryStore(conn *sql.DB) *HistoryStore {
	return &HistoryStore{db: conn}
}

// Append inserts a history record. Records are never updated.
func (h *HistoryStore) Append(ctx context.Context, r *Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO past_executions (
			id, execution_id, agent_id, project_id, schedule_id,
			scheduled_at, started_at, ended_at, duration_ms,
			result_status, error_code, error_message, session_id, attempt, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ExecutionID, r.AgentID, db.NullString(r.ProjectID), db.NullString(r.ScheduleID),
		db.FormatTime(r.ScheduledAt), db.FormatTime(r.StartedAt), db.FormatTime(r.EndedAt), r.DurationMs,
		string(r.ResultStatus), db.NullString(r.ErrorCode), db.NullString(r.ErrorMessage),
		db.NullString(r.SessionID), r.Attempt, db.FormatTime(r.CreatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to append history for execution %s", r.ExecutionID)
	}
	return nil
}

// List returns history records, newest first
func (h *HistoryStore) List(ctx context.Context, filter HistoryFilter) ([]*Record, error) {
	var where []string
	var args []interface{}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.Result != "" {
		where = append(where, "result_status = ?")
		args = append(args, string(filter.Result))
	}

	query := `
		SELECT id, execution_id, agent_id, project_id, schedule_id,
		       scheduled_at, started_at, ended_at, duration_ms,
		       result_status, error_code, error_message, session_id, attempt, created_at
		FROM past_executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query history")
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var r Record
		var result string
		var projectID, scheduleID, errorCode, errorMessage, sessionID sql.NullString
		var scheduledAt, startedAt, endedAt, createdAt string
		if err := rows.Scan(
			&r.ID, &r.ExecutionID, &r.AgentID, &projectID, &scheduleID,
			&scheduledAt, &startedAt, &endedAt, &r.DurationMs,
			&result, &errorCode, &errorMessage, &sessionID, &r.Attempt, &createdAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan history record")
		}
		r.ResultStatus = Result(result)
		r.ProjectID = projectID.String
		r.ScheduleID = scheduleID.String
		r.ErrorCode = errorCode.String
		r.ErrorMessage = errorMessage.String
		r.SessionID = sessionID.String

		for _, f := range []struct {
			dst *time.Time
			src string
		}{{&r.ScheduledAt, scheduledAt}, {&r.StartedAt, startedAt}, {&r.EndedAt, endedAt}, {&r.CreatedAt, createdAt}} {
			t, err := db.ParseTime(f.src)
			if err != nil {
				return nil, errors.Wrapf(err, "history record %s", r.ID)
			}
			*f.dst = t
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate history")
	}
	return out, nil
}
