package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/conductor/am"
	"github.com/teranos/conductor/db"
	"github.com/teranos/conductor/errors"
)

// Store handles persistence of agent schedules
type Store struct {
	db *sql.DB
}

// NewStore creates a new schedule store
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn}
}

// Filter narrows List
type Filter struct {
	AgentID string
	Enabled *bool
}

const scheduleColumns = `id, agent_id, enabled, timezone, schedule_type, cron_expr, times_of_day,
	interval_minutes, project_id, version, executor_policy, created_at, updated_at`

// Create inserts a schedule
func (s *Store) Create(ctx context.Context, sc *Schedule) error {
	timesOfDay, policy, err := encodeSchedule(sc)
	if err != nil {
		return err
	}
	if sc.Timezone == "" {
		sc.Timezone = am.DefaultTimezone
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.AgentID, sc.Enabled, sc.Timezone, string(sc.Type),
		db.NullString(sc.CronExpr), timesOfDay, nullInt(sc.IntervalMinutes),
		db.NullString(sc.ProjectID), sc.Version, policy,
		db.FormatTime(sc.CreatedAt), db.FormatTime(sc.UpdatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create schedule %s", sc.ID)
	}
	return nil
}

// Get retrieves a schedule by id
func (s *Store) Get(ctx context.Context, id string) (*Schedule, error) {
	sc, err := scanSchedule(s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM agent_schedules WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("schedule %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get schedule %s", id)
	}
	return sc, nil
}

// Update writes every field back
func (s *Store) Update(ctx context.Context, sc *Schedule) error {
	timesOfDay, policy, err := encodeSchedule(sc)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE agent_schedules
		SET agent_id = ?, enabled = ?, timezone = ?, schedule_type = ?, cron_expr = ?,
		    times_of_day = ?, interval_minutes = ?, project_id = ?, version = ?,
		    executor_policy = ?, updated_at = ?
		WHERE id = ?`,
		sc.AgentID, sc.Enabled, sc.Timezone, string(sc.Type), db.NullString(sc.CronExpr),
		timesOfDay, nullInt(sc.IntervalMinutes), db.NullString(sc.ProjectID), sc.Version,
		policy, db.FormatTime(sc.UpdatedAt), sc.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update schedule %s", sc.ID)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("schedule %s", sc.ID)
	}
	return nil
}

// Delete removes a schedule
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agent_schedules WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete schedule %s", id)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("schedule %s", id)
	}
	return nil
}

// List returns schedules matching filter, oldest first
func (s *Store) List(ctx context.Context, filter Filter) ([]*Schedule, error) {
	var where []string
	var args []interface{}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	query := `SELECT ` + scheduleColumns + ` FROM agent_schedules`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC`
	return s.query(ctx, query, args...)
}

// ChangedSince returns schedules with updated_at strictly after t
func (s *Store) ChangedSince(ctx context.Context, t time.Time) ([]*Schedule, error) {
	return s.query(ctx, `
		SELECT `+scheduleColumns+` FROM agent_schedules
		WHERE updated_at > ?
		ORDER BY updated_at ASC`, db.FormatTime(t))
}

// ListEnabledInTimezone returns enabled schedules whose timezone is tz
func (s *Store) ListEnabledInTimezone(ctx context.Context, tz string) ([]*Schedule, error) {
	return s.query(ctx, `
		SELECT `+scheduleColumns+` FROM agent_schedules
		WHERE enabled = 1 AND timezone = ?
		ORDER BY created_at ASC`, tz)
}

// EnabledTimezones returns the distinct timezones of enabled schedules
func (s *Store) EnabledTimezones(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT timezone FROM agent_schedules WHERE enabled = 1 ORDER BY timezone`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedule timezones")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tz string
		if err := rows.Scan(&tz); err != nil {
			return nil, errors.Wrap(err, "failed to scan timezone")
		}
		out = append(out, tz)
	}
	return out, rows.Err()
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query schedules")
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule")
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate schedules")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row scanner) (*Schedule, error) {
	var sc Schedule
	var scheduleType, createdAt, updatedAt string
	var cronExpr, timesOfDay, projectID, policy sql.NullString
	var interval sql.NullInt64

	if err := row.Scan(
		&sc.ID, &sc.AgentID, &sc.Enabled, &sc.Timezone, &scheduleType, &cronExpr, &timesOfDay,
		&interval, &projectID, &sc.Version, &policy, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	sc.Type = Type(scheduleType)
	sc.CronExpr = cronExpr.String
	sc.ProjectID = projectID.String
	sc.IntervalMinutes = int(interval.Int64)

	if timesOfDay.Valid && timesOfDay.String != "" {
		if err := json.Unmarshal([]byte(timesOfDay.String), &sc.TimesOfDay); err != nil {
			return nil, errors.Wrapf(err, "times_of_day of schedule %s", sc.ID)
		}
	}
	if policy.Valid && policy.String != "" {
		var p ExecutorPolicy
		if err := json.Unmarshal([]byte(policy.String), &p); err != nil {
			return nil, errors.Wrapf(err, "executor_policy of schedule %s", sc.ID)
		}
		sc.Policy = &p
	}

	var err error
	if sc.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if sc.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &sc, nil
}

func encodeSchedule(sc *Schedule) (timesOfDay, policy interface{}, err error) {
	if len(sc.TimesOfDay) > 0 {
		b, err := json.Marshal(sc.TimesOfDay)
		if err != nil {
			return nil, nil, errors.Wrap(err, "encode times_of_day")
		}
		timesOfDay = string(b)
	}
	if sc.Policy != nil {
		b, err := json.Marshal(sc.Policy)
		if err != nil {
			return nil, nil, errors.Wrap(err, "encode executor_policy")
		}
		policy = string(b)
	}
	return timesOfDay, policy, nil
}

func nullInt(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
