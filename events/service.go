package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/conductor/db"
	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/logger"
)

// Subscriber receives every event emitted after it subscribed
type Subscriber func(*Event)

// Filter narrows Service.List
type Filter struct {
	SessionID string
	Types     []Type
	AfterSeq  int64
	Limit     int
}

// Service assigns sequence numbers, persists events and notifies subscribers
type Service struct {
	db  *sql.DB
	log *zap.SugaredLogger
	now func() time.Time

	mu      sync.Mutex
	seqs    map[string]int64    // sessionID -> last assigned seq
	pending map[string][]*Event // token deltas not yet written

	subMu  sync.RWMutex
	subs   map[int]subscription
	nextID int
}

type subscription struct {
	sessionID string // "" receives every session
	fn        Subscriber
}

// NewService creates an event service over the events table
func NewService(conn *sql.DB, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = logger.Logger
	}
	return &Service{
		db:   conn,
		log:  logger.AddEventSymbol(log),
		now:  time.Now,
		seqs:    make(map[string]int64),
		pending: make(map[string][]*Event),
		subs:    make(map[int]subscription),
	}
}

// tokenBatchSize is how many token deltas are buffered per session before
// they are written in one transaction
const tokenBatchSize = 64

// Emit records an event for sessionID. The returned event carries its seq;
// it is returned even when persistence failed.
func (s *Service) Emit(ctx context.Context, sessionID string, typ Type, payload Payload) *Event {
	if payload == nil {
		payload = Payload{}
	}
	evt := &Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      typ,
		Payload:   payload,
		Timestamp: s.now(),
	}

	s.mu.Lock()
	seq, err := s.lastSeqLocked(ctx, sessionID)
	if err != nil {
		s.log.Warnw("Failed to read event offset", logger.FieldSessionID, sessionID, logger.FieldError, err)
	}
	evt.Seq = seq + 1
	s.seqs[sessionID] = evt.Seq
	if typ == ModelTokenDelta {
		s.pending[sessionID] = append(s.pending[sessionID], evt)
		if len(s.pending[sessionID]) >= tokenBatchSize {
			s.flushLocked(ctx, sessionID)
		}
	} else {
		s.flushLocked(ctx, sessionID)
		if err := s.insert(ctx, s.db, evt); err != nil {
			s.log.Warnw("Failed to persist event",
				logger.FieldSessionID, sessionID,
				"type", typ,
				"seq", evt.Seq,
				logger.FieldError, err)
		}
		if endsSession(evt) {
			delete(s.seqs, sessionID)
		}
	}
	s.mu.Unlock()

	s.notify(evt)
	return evt
}

// lastSeqLocked returns the last seq for a session, initializing the
// counter from storage the first time the session is seen
func (s *Service) lastSeqLocked(ctx context.Context, sessionID string) (int64, error) {
	if seq, ok := s.seqs[sessionID]; ok {
		return seq, nil
	}
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE session_id = ?`, sessionID).Scan(&max)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read max seq for session %s", sessionID)
	}
	s.seqs[sessionID] = max.Int64
	return max.Int64, nil
}

// endsSession reports a status change to COMPLETED or FAILED; the counter
// is reloaded from storage if the session runs again
func endsSession(evt *Event) bool {
	if evt.Type != SessionStatusChanged {
		return false
	}
	status, _ := evt.Payload["status"].(string)
	return status == "COMPLETED" || status == "FAILED"
}

// flushLocked writes the buffered token deltas of a session
func (s *Service) flushLocked(ctx context.Context, sessionID string) {
	batch := s.pending[sessionID]
	if len(batch) == 0 {
		return
	}
	delete(s.pending, sessionID)
	if err := s.insertBatch(ctx, batch); err != nil {
		s.log.Warnw("Failed to persist token deltas",
			logger.FieldSessionID, sessionID,
			"count", len(batch),
			logger.FieldError, err)
	}
}

func (s *Service) insertBatch(ctx context.Context, batch []*Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin event batch")
	}
	defer tx.Rollback()
	for _, evt := range batch {
		if err := s.insert(ctx, tx, evt); err != nil {
			return err
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit event batch")
}

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Service) insert(ctx context.Context, conn execer, evt *Event) error {
	body, err := json.Marshal(evt.Payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event payload")
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO events (id, session_id, seq, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.SessionID, evt.Seq, string(evt.Type), string(body), db.FormatTime(evt.Timestamp))
	if err != nil {
		return errors.Wrapf(err, "failed to insert event %s", evt.Type)
	}
	return nil
}

// Offset returns the last seq emitted for a session, 0 when none
func (s *Service) Offset(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeqLocked(ctx, sessionID)
}

// Subscribe registers fn for events of sessionID ("" for all sessions).
// The returned function removes the subscription.
func (s *Service) Subscribe(sessionID string, fn Subscriber) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = subscription{sessionID: sessionID, fn: fn}
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Service) notify(evt *Event) {
	s.subMu.RLock()
	targets := make([]Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.sessionID == "" || sub.sessionID == evt.SessionID {
			targets = append(targets, sub.fn)
		}
	}
	s.subMu.RUnlock()

	for _, fn := range targets {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Errorw("Event subscriber panicked", "type", evt.Type, "panic", r)
				}
			}()
			fn(evt)
		}()
	}
}

// List returns stored events in seq order. Buffered token deltas are
// written first.
func (s *Service) List(ctx context.Context, filter Filter) ([]*Event, error) {
	s.mu.Lock()
	for sessionID := range s.pending {
		s.flushLocked(ctx, sessionID)
	}
	s.mu.Unlock()

	where := []string{"seq > ?"}
	args := []interface{}{filter.AfterSeq}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if len(filter.Types) > 0 {
		marks := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(marks, ", ")+")")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, type, payload, created_at
		FROM events
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at ASC, seq ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query events")
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var evt Event
		var typ, createdAt string
		var payload sql.NullString
		if err := rows.Scan(&evt.ID, &evt.SessionID, &evt.Seq, &typ, &payload, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}
		evt.Type = Type(typ)
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &evt.Payload); err != nil {
				return nil, errors.Wrapf(err, "event %s has malformed payload", evt.ID)
			}
		}
		ts, err := db.ParseTime(createdAt)
		if err != nil {
			return nil, errors.Wrapf(err, "event %s", evt.ID)
		}
		evt.Timestamp = ts
		out = append(out, &evt)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate events")
	}
	return out, nil
}
