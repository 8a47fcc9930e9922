// Package approval stores human approval requests for risky tool calls and
// lets callers block until a decision arrives.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/conductor/db"
	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/logger"
	"github.com/teranos/conductor/metrics"
)

// Status of an approval request
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
)

// Request asks a human to allow one tool call
type Request struct {
	ID          string
	ThreadID    string
	ToolName    string
	ToolInput   map[string]interface{}
	Status      Status
	CreatedAt   time.Time
	RespondedAt *time.Time
}

// Service persists approval requests in the approvals table
type Service struct {
	db      *sql.DB
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
	now     func() time.Time
}

// NewService creates an approval service
func NewService(conn *sql.DB, m *metrics.Metrics, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = logger.Logger
	}
	return &Service{db: conn, metrics: m, log: logger.AddToolSymbol(log), now: time.Now}
}

// Create records a pending request for a tool call
func (s *Service) Create(ctx context.Context, threadID, toolName string, input map[string]interface{}) (*Request, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal tool input")
	}
	r := &Request{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		ToolName:  toolName,
		ToolInput: input,
		Status:    StatusPending,
		CreatedAt: s.now(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, thread_id, tool_name, tool_input, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.ThreadID, r.ToolName, string(body), string(r.Status), db.FormatTime(r.CreatedAt))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create approval for %s", toolName)
	}
	s.metrics.Approval(string(StatusPending))
	s.log.Infow("Approval requested",
		logger.FieldApprovalID, r.ID,
		logger.FieldThreadID, threadID,
		logger.FieldTool, toolName)
	return r, nil
}

const selectColumns = `id, thread_id, tool_name, tool_input, status, created_at, responded_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row scanner) (*Request, error) {
	var r Request
	var input sql.NullString
	var status, createdAt string
	var respondedAt sql.NullString
	if err := row.Scan(&r.ID, &r.ThreadID, &r.ToolName, &input, &status, &createdAt, &respondedAt); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if input.Valid && input.String != "" && input.String != "null" {
		if err := json.Unmarshal([]byte(input.String), &r.ToolInput); err != nil {
			return nil, errors.Wrapf(err, "approval %s has malformed input", r.ID)
		}
	}
	var err error
	if r.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "approval %s", r.ID)
	}
	if r.RespondedAt, err = db.ParseNullTime(respondedAt); err != nil {
		return nil, errors.Wrapf(err, "approval %s", r.ID)
	}
	return &r, nil
}

// Get returns one request
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM approvals WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("approval %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get approval %s", id)
	}
	return r, nil
}

// ListPending returns undecided requests, oldest first
func (s *Service) ListPending(ctx context.Context, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM approvals WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		string(StatusPending), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending approvals")
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan approval")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate approvals")
	}
	return out, nil
}

// Respond records a decision. Only pending requests can be decided.
func (s *Service) Respond(ctx context.Context, id string, decision Status) (*Request, error) {
	if decision != StatusApproved && decision != StatusDenied {
		return nil, errors.NewInvalidRequestError("decision must be %s or %s, got %q", StatusApproved, StatusDenied, decision)
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, responded_at = ? WHERE id = ? AND status = ?`,
		string(decision), db.FormatTime(now), id, string(StatusPending))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to respond to approval %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, errors.WithHint(
			errors.NewConflictError("approval %s is already %s", id, existing.Status),
			"only PENDING approvals can be approved or denied")
	}
	s.metrics.Approval(string(decision))
	s.log.Infow("Approval decided", logger.FieldApprovalID, id, logger.FieldStatus, decision)
	return s.Get(ctx, id)
}

// WaitForResponse polls until the request is decided. When timeout elapses
// or ctx ends first the request is denied, so it cannot be approved after
// its caller gave up; the error wraps ErrTimeout or the context error.
// A decision that lands in the meantime wins and is returned without error.
func (s *Service) WaitForResponse(ctx context.Context, id string, timeout, poll time.Duration) (Status, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		r, err := s.Get(ctx, id)
		if err != nil {
			return StatusPending, err
		}
		if r.Status != StatusPending {
			return r.Status, nil
		}

		select {
		case <-ctx.Done():
			return s.abandon(context.WithoutCancel(ctx), id, "CANCELLED",
				errors.Wrapf(ctx.Err(), "wait for approval %s", id))
		case <-deadline.C:
			return s.abandon(ctx, id, "TIMEOUT",
				errors.Wrapf(errors.ErrTimeout, "approval %s not decided within %s", id, timeout))
		case <-ticker.C:
		}
	}
}

// abandon denies a request nobody decided in time
func (s *Service) abandon(ctx context.Context, id, outcome string, cause error) (Status, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, responded_at = ? WHERE id = ? AND status = ?`,
		string(StatusDenied), db.FormatTime(s.now()), id, string(StatusPending))
	if err != nil {
		return StatusPending, errors.Wrapf(err, "failed to expire approval %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r, err := s.Get(ctx, id)
		if err != nil {
			return StatusPending, err
		}
		return r.Status, nil
	}
	s.metrics.Approval(outcome)
	s.log.Infow("Approval expired", logger.FieldApprovalID, id, logger.FieldStatus, StatusDenied, "reason", outcome)
	return StatusDenied, cause
}
