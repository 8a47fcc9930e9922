// Package session stores conversations and runs the agent loop over them.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/conductor/agent"
	"github.com/teranos/conductor/db"
	"github.com/teranos/conductor/errors"
)

// Status is a session's lifecycle state
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusFailed    Status = "FAILED"
	StatusCompleted Status = "COMPLETED"
)

// Terminal reports whether a run has ended in this status
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Metadata keys understood by the runner
const (
	MetaType        = "type"
	MetaExecutionID = "executionId"
	MetaAgentID     = "agentId"
	MetaProjectID   = "projectId"

	TypeScheduledExecution = "scheduled_execution"
)

// Session is a conversation container; its id is the thread id
type Session struct {
	ID        string                 `json:"sessionId"`
	Status    Status                 `json:"status"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// MetaString returns a string metadata value
func (s *Session) MetaString(key string) string {
	v, _ := s.Metadata[key].(string)
	return v
}

// Message is a persisted conversation entry
type Message struct {
	ID        string          `json:"messageId"`
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Name      string          `json:"name,omitempty"`
	AgentID   string          `json:"agentId,omitempty"`
	Parts     json.RawMessage `json:"parts,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store persists sessions and their messages
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a session store
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn, now: time.Now}
}

// Create inserts a new IDLE session
func (s *Store) Create(ctx context.Context, metadata map[string]interface{}) (*Session, error) {
	now := s.now()
	sess := &Session{ID: uuid.NewString(), Status: StatusIdle, Metadata: metadata, CreatedAt: now, UpdatedAt: now}

	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal session metadata")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Status), string(meta), db.FormatTime(now), db.FormatTime(now))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session")
	}
	return sess, nil
}

// Get returns a session by id
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, metadata, created_at, updated_at FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("session %s not found", id)
	}
	return sess, err
}

// List returns the most recently updated sessions first
func (s *Store) List(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, metadata, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SetStatus updates a session's status
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), db.FormatTime(s.now()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update status of session %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("session %s not found", id)
	}
	return nil
}

// AppendMessage stores m as the session's next message
func (s *Store) AppendMessage(ctx context.Context, sessionID string, m agent.Message) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin message transaction")
	}
	defer tx.Rollback()

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM messages WHERE session_id = ?`, sessionID).Scan(&last); err != nil {
		return nil, errors.Wrapf(err, "failed to read message seq of session %s", sessionID)
	}
	msg := &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       last.Int64 + 1,
		Role:      m.Role,
		Content:   m.Content,
		Name:      m.Name,
		AgentID:   m.AgentID,
		Parts:     m.Parts,
		CreatedAt: s.now(),
	}
	var parts interface{}
	if len(msg.Parts) > 0 {
		parts = string(msg.Parts)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, seq, role, content, name, agent_id, parts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Seq, msg.Role, msg.Content,
		db.NullString(msg.Name), db.NullString(msg.AgentID), parts, db.FormatTime(msg.CreatedAt))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, errors.NewConflictError("message seq %d of session %s already exists", msg.Seq, sessionID)
		}
		return nil, errors.Wrapf(err, "failed to insert message into session %s", sessionID)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, db.FormatTime(msg.CreatedAt), sessionID); err != nil {
		return nil, errors.Wrapf(err, "failed to touch session %s", sessionID)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit message")
	}
	return msg, nil
}

// Messages returns a session's messages in seq order
func (s *Store) Messages(ctx context.Context, sessionID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, role, content, name, agent_id, parts, created_at
		FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query messages of session %s", sessionID)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var (
			m                    Message
			name, agentID, parts sql.NullString
			createdAt            string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &name, &agentID, &parts, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		m.Name = name.String
		m.AgentID = agentID.String
		if parts.Valid && parts.String != "" {
			m.Parts = json.RawMessage(parts.String)
		}
		if m.CreatedAt, err = db.ParseTime(createdAt); err != nil {
			return nil, errors.Wrapf(err, "message %s", m.ID)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// AgentMessage converts a stored message into its conversation form
func (m *Message) AgentMessage() agent.Message {
	return agent.Message{Role: m.Role, Content: m.Content, Name: m.Name, AgentID: m.AgentID, Parts: m.Parts}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess                 Session
		status               string
		meta                 sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&sess.ID, &status, &meta, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan session")
	}
	sess.Status = Status(status)
	if meta.Valid && meta.String != "" && meta.String != "null" {
		if err := json.Unmarshal([]byte(meta.String), &sess.Metadata); err != nil {
			return nil, errors.Wrapf(err, "session %s has malformed metadata", sess.ID)
		}
	}
	var err error
	if sess.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "session %s", sess.ID)
	}
	if sess.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, errors.Wrapf(err, "session %s", sess.ID)
	}
	return &sess, nil
}
