// Package checkpoint persists orchestration state after each step so an
// interrupted run can resume from its last completed step.
package checkpoint

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/conductor/agent"
	"github.com/teranos/conductor/db"
	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/logger"
)

// Checkpoint is one saved snapshot of a thread
type Checkpoint struct {
	ID          string
	ThreadID    string
	StepNo      int
	State       string // serialized agent.State
	EventOffset int64
	CreatedAt   time.Time
}

// Store saves and restores agent state per thread
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
	now func() time.Time
}

// NewStore creates a checkpoint store over the checkpoints table
func NewStore(conn *sql.DB, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = logger.Logger
	}
	return &Store{db: conn, log: logger.AddAgentSymbol(log), now: time.Now}
}

// Save writes a checkpoint for state. Failures are logged and yield nil;
// they never abort the run.
func (s *Store) Save(ctx context.Context, state *agent.State, eventOffset int64) *Checkpoint {
	body, err := json.Marshal(state)
	if err != nil {
		s.log.Errorw("Failed to serialize checkpoint",
			logger.FieldThreadID, state.ThreadID(), logger.FieldError, err)
		return nil
	}
	cp := &Checkpoint{
		ID:          uuid.NewString(),
		ThreadID:    state.ThreadID(),
		StepNo:      state.StepNo(),
		State:       string(body),
		EventOffset: eventOffset,
		CreatedAt:   s.now(),
	}
	if err := s.insert(ctx, cp); err != nil {
		s.log.Errorw("Failed to save checkpoint",
			logger.FieldThreadID, cp.ThreadID, logger.FieldStep, cp.StepNo, logger.FieldError, err)
		return nil
	}
	s.log.Debugw("Saved checkpoint", logger.FieldThreadID, cp.ThreadID, logger.FieldStep, cp.StepNo)
	return cp
}

func (s *Store) insert(ctx context.Context, cp *Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, thread_id, step_no, state, event_offset, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.ThreadID, cp.StepNo, cp.State, cp.EventOffset, db.FormatTime(cp.CreatedAt))
	if err != nil {
		return errors.Wrapf(err, "failed to insert checkpoint for thread %s", cp.ThreadID)
	}
	return nil
}

// Latest returns the highest-step checkpoint row of a thread
func (s *Store) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	var cp Checkpoint
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, step_no, state, event_offset, created_at
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY step_no DESC, created_at DESC
		LIMIT 1`, threadID).Scan(&cp.ID, &cp.ThreadID, &cp.StepNo, &cp.State, &cp.EventOffset, &createdAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("no checkpoint for thread %s", threadID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query checkpoint for thread %s", threadID)
	}
	if cp.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s", cp.ID)
	}
	return &cp, nil
}

// Load restores the state of the highest-step checkpoint of a thread.
// A missing checkpoint is a not-found error.
func (s *Store) Load(ctx context.Context, threadID string) (*agent.State, error) {
	cp, err := s.Latest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	state, err := Decode([]byte(cp.State))
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s for thread %s is unreadable", cp.ID, threadID)
	}
	return state, nil
}

// List returns the latest checkpoint of every thread, newest first
func (s *Store) List(ctx context.Context, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.thread_id, c.step_no, c.state, c.event_offset, c.created_at
		FROM checkpoints c
		WHERE c.step_no = (SELECT MAX(step_no) FROM checkpoints WHERE thread_id = c.thread_id)
		ORDER BY c.created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list checkpoints")
	}
	defer rows.Close()

	var out []*Checkpoint
	seen := make(map[string]bool)
	for rows.Next() {
		var cp Checkpoint
		var createdAt string
		if err := rows.Scan(&cp.ID, &cp.ThreadID, &cp.StepNo, &cp.State, &cp.EventOffset, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan checkpoint")
		}
		// Re-saving a step yields several rows at the same max step
		if seen[cp.ThreadID] {
			continue
		}
		seen[cp.ThreadID] = true
		if cp.CreatedAt, err = db.ParseTime(createdAt); err != nil {
			return nil, errors.Wrapf(err, "checkpoint %s", cp.ID)
		}
		out = append(out, &cp)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate checkpoints")
	}
	return out, nil
}

// Decode parses serialized state. It tries the current shape strictly and
// falls back to a structural conversion for older payloads that used
// snake_case keys or numbers encoded as strings.
func Decode(data []byte) (*agent.State, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var snap agent.Snapshot
	if err := dec.Decode(&snap); err == nil {
		return agent.FromSnapshot(snap), nil
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "checkpoint state is not a JSON object")
	}
	return agent.FromSnapshot(legacySnapshot(normalizeKeys(raw))), nil
}

// normalizeKeys rewrites snake_case keys to camelCase, recursively
func normalizeKeys(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]interface{}:
			v = normalizeKeys(val)
		case []interface{}:
			items := make([]interface{}, len(val))
			for i, item := range val {
				if im, ok := item.(map[string]interface{}); ok {
					items[i] = normalizeKeys(im)
				} else {
					items[i] = item
				}
			}
			v = items
		}
		out[camelCase(k)] = v
	}
	return out
}

func camelCase(k string) string {
	if !strings.Contains(k, "_") {
		return k
	}
	parts := strings.Split(k, "_")
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]) + p[1:])
	}
	return b.String()
}

func legacySnapshot(m map[string]interface{}) agent.Snapshot {
	snap := agent.Snapshot{
		ThreadID:       asString(m["threadId"]),
		ProjectID:      asString(m["projectId"]),
		CurrentAgentID: asString(m["currentAgentId"]),
		ForcedAgentID:  asString(m["forcedAgentId"]),
		StepNo:         asInt(m["stepNo"]),
	}
	if ctx, ok := m["context"].(map[string]interface{}); ok {
		snap.Context = ctx
	}
	if msgs, ok := m["messages"].([]interface{}); ok {
		for _, item := range msgs {
			mm, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			msg := agent.Message{
				Role:    asString(mm["role"]),
				Content: asString(mm["content"]),
				Name:    asString(mm["name"]),
				AgentID: asString(mm["agentId"]),
			}
			switch parts := mm["parts"].(type) {
			case string:
				// Parts were once stored as a JSON string
				if json.Valid([]byte(parts)) {
					msg.Parts = json.RawMessage(parts)
				}
			case nil:
			default:
				if b, err := json.Marshal(parts); err == nil {
					msg.Parts = b
				}
			}
			snap.Messages = append(snap.Messages, msg)
		}
	}
	return snap
}

func asString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

func asInt(v interface{}) int {
	switch val := v.(type) {
	case float64:
		return int(val)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
