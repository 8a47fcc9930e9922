package reminder

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/conductor/db"
	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/events"
	"github.com/teranos/conductor/logger"
)

// DefaultCheckInterval is how often Run looks for due reminders
const DefaultCheckInterval = time.Minute

// Reminder is a stored reminder
type Reminder struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"sessionId"`
	Message         string     `json:"message"`
	When            string     `json:"when,omitempty"`
	TriggerAt       *time.Time `json:"triggerAt,omitempty"`
	Triggered       bool       `json:"triggered"`
	Recurring       bool       `json:"recurring"`
	IntervalSeconds int64      `json:"intervalSeconds,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Service stores reminders and fires the due ones
type Service struct {
	db     *sql.DB
	events events.Emitter
	log    *zap.SugaredLogger
	now    func() time.Time
}

// NewService creates a reminder service. A nil emitter discards events.
func NewService(conn *sql.DB, emitter events.Emitter, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = logger.Logger
	}
	if emitter == nil {
		emitter = events.Discard
	}
	return &Service{db: conn, events: emitter, log: logger.AddAgentSymbol(log), now: time.Now}
}

// Extract stores every reminder line found in text and returns how many
// were saved. Storage failures are logged.
func (s *Service) Extract(ctx context.Context, sessionID, text string) int {
	saved := 0
	for _, p := range Parse(text, s.now()) {
		r := &Reminder{
			ID:              uuid.NewString(),
			SessionID:       sessionID,
			Message:         p.Message,
			When:            p.When,
			TriggerAt:       p.TriggerAt,
			Recurring:       p.Recurring,
			IntervalSeconds: p.IntervalSeconds,
			CreatedAt:       s.now(),
		}
		if err := s.Create(ctx, r); err != nil {
			s.log.Errorw("Failed to save reminder", logger.FieldSessionID, sessionID, logger.FieldError, err)
			continue
		}
		when := r.When
		if when == "" {
			when = "unspecified"
		}
		s.log.Infow("Reminder created", "reminder_id", r.ID[:8], "message", truncate(r.Message, 50), "when", when)
		saved++
	}
	return saved
}

// Create inserts r
func (s *Service) Create(ctx context.Context, r *Reminder) error {
	var interval interface{}
	if r.IntervalSeconds > 0 {
		interval = r.IntervalSeconds
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reminders (id, session_id, message, when_raw, trigger_at, triggered, recurring, interval_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.Message, db.NullString(r.When), db.NullTime(r.TriggerAt),
		boolInt(r.Triggered), boolInt(r.Recurring), interval, db.FormatTime(r.CreatedAt))
	if err != nil {
		return errors.Wrapf(err, "failed to insert reminder for session %s", r.SessionID)
	}
	return nil
}

// List returns the reminders of a session, oldest first. An empty
// sessionID lists every reminder.
func (s *Service) List(ctx context.Context, sessionID string) ([]*Reminder, error) {
	query := `SELECT id, session_id, message, when_raw, trigger_at, triggered, recurring, interval_seconds, created_at FROM reminders`
	var args []interface{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at ASC, rowid ASC`
	return s.query(ctx, query, args...)
}

// FireDue emits REMINDER_TRIGGERED for every reminder whose time has come.
// Recurring reminders with an interval are re-armed, the rest are marked
// triggered.
func (s *Service) FireDue(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.query(ctx, `
		SELECT id, session_id, message, when_raw, trigger_at, triggered, recurring, interval_seconds, created_at
		FROM reminders
		WHERE triggered = 0 AND trigger_at IS NOT NULL AND trigger_at <= ?
		ORDER BY trigger_at ASC`, db.FormatTime(now))
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, r := range due {
		s.events.Emit(ctx, r.SessionID, events.ReminderTriggered, events.Payload{
			"reminderId": r.ID, "message": r.Message, "recurring": r.Recurring,
		})
		if r.Recurring && r.IntervalSeconds > 0 {
			next := now.Add(time.Duration(r.IntervalSeconds) * time.Second)
			_, err = s.db.ExecContext(ctx, `UPDATE reminders SET trigger_at = ? WHERE id = ?`, db.FormatTime(next), r.ID)
		} else {
			_, err = s.db.ExecContext(ctx, `UPDATE reminders SET triggered = 1 WHERE id = ?`, r.ID)
		}
		if err != nil {
			s.log.Errorw("Failed to update triggered reminder", "reminder_id", r.ID, logger.FieldError, err)
			continue
		}
		s.log.Infow("Triggered reminder", "reminder_id", r.ID, logger.FieldSessionID, r.SessionID)
		fired++
	}
	return fired, nil
}

// Run fires due reminders every interval until ctx is done
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.FireDue(ctx); err != nil && !db.IsDatabaseClosed(err) {
				s.log.Warnw("Reminder check failed", logger.FieldError, err)
			}
		}
	}
}

func (s *Service) query(ctx context.Context, query string, args ...interface{}) ([]*Reminder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query reminders")
	}
	defer rows.Close()

	var out []*Reminder
	for rows.Next() {
		var (
			r                    Reminder
			when, triggerAt      sql.NullString
			triggered, recurring int
			interval             sql.NullInt64
			createdAt            string
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Message, &when, &triggerAt, &triggered, &recurring, &interval, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan reminder")
		}
		r.When = when.String
		r.Triggered = triggered != 0
		r.Recurring = recurring != 0
		r.IntervalSeconds = interval.Int64
		if r.TriggerAt, err = db.ParseNullTime(triggerAt); err != nil {
			return nil, errors.Wrapf(err, "reminder %s", r.ID)
		}
		if r.CreatedAt, err = db.ParseTime(createdAt); err != nil {
			return nil, errors.Wrapf(err, "reminder %s", r.ID)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
