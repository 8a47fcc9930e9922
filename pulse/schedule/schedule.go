// Package schedule compiles recurring agent schedules into times of day and
// materializes them as claimable executions.
package schedule

import (
	"time"

	"go.uber.org/zap"

	"github.com/teranos/conductor/am"
	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/pulse/execution"
)

// Type is the recurrence kind of a schedule
type Type string

const (
	TypeFixedTimes Type = "FIXED_TIMES"
	TypeInterval   Type = "INTERVAL"
	TypeCron       Type = "CRON"
	TypeImmediate  Type = "IMMEDIATE"
)

// ParseType validates a schedule type name
func ParseType(name string) (Type, error) {
	switch t := Type(name); t {
	case TypeFixedTimes, TypeInterval, TypeCron, TypeImmediate:
		return t, nil
	}
	return "", errors.NewInvalidRequestError("unknown schedule type %q (FIXED_TIMES, INTERVAL, CRON, IMMEDIATE)", name)
}

// ExecutorPolicy controls how executions planned from a schedule are run
type ExecutorPolicy struct {
	MaxConcurrent  int   `json:"maxConcurrent"`
	Priority       int   `json:"priority"`
	MaxAttempts    int   `json:"maxAttempts"`
	RetryBackoffMs int64 `json:"retryBackoffMs"`
}

// Resolved fills zero fields with runtime defaults. A nil policy is all defaults.
func (p *ExecutorPolicy) Resolved() ExecutorPolicy {
	out := ExecutorPolicy{
		MaxConcurrent:  execution.DefaultMaxConcurrent,
		Priority:       execution.DefaultPriority,
		MaxAttempts:    execution.DefaultMaxAttempts,
		RetryBackoffMs: execution.DefaultRetryBackoffMs,
	}
	if p == nil {
		return out
	}
	if p.MaxConcurrent > 0 {
		out.MaxConcurrent = p.MaxConcurrent
	}
	if p.Priority > 0 {
		out.Priority = p.Priority
	}
	if p.MaxAttempts > 0 {
		out.MaxAttempts = p.MaxAttempts
	}
	if p.RetryBackoffMs > 0 {
		out.RetryBackoffMs = p.RetryBackoffMs
	}
	return out
}

// Schedule is a recurring "run this agent on this cadence" definition
type Schedule struct {
	ID              string
	AgentID         string
	Enabled         bool
	Timezone        string // IANA name, empty = UTC
	Type            Type
	CronExpr        string
	TimesOfDay      []string // "HH:MM" or "HH:MM:SS"
	IntervalMinutes int
	ProjectID       string // empty = GLOBAL
	Version         int
	Policy          *ExecutorPolicy
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Location resolves the schedule timezone. Unknown names fall back to UTC
// with a warning.
func (s *Schedule) Location(log *zap.SugaredLogger) *time.Location {
	name := s.Timezone
	if name == "" {
		name = am.DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		if log != nil {
			log.Warnw("Invalid timezone, falling back to UTC",
				"schedule_id", s.ID,
				"timezone", s.Timezone,
				"error", err)
		}
		return time.UTC
	}
	return loc
}

// Validate rejects definitions that could never fire
func (s *Schedule) Validate() error {
	if s.AgentID == "" {
		return errors.NewInvalidRequestError("schedule agent id is required")
	}
	if _, err := ParseType(string(s.Type)); err != nil {
		return err
	}
	if err := am.ValidateTimezone(s.Timezone); err != nil {
		return err
	}

	switch s.Type {
	case TypeCron:
		if _, err := cronParser.Parse(s.CronExpr); err != nil {
			return errors.WithHint(
				errors.Wrapf(errors.ErrInvalidRequest, "invalid cron expression %q: %v", s.CronExpr, err),
				"use five fields (minute hour day-of-month month day-of-week), an optional leading seconds field, or a descriptor such as @daily")
		}
	case TypeFixedTimes:
		if len(s.TimesOfDay) == 0 {
			return errors.NewInvalidRequestError("FIXED_TIMES schedule needs at least one time of day")
		}
		for _, lit := range s.TimesOfDay {
			if _, err := ParseTimeOfDay(lit); err != nil {
				return errors.Wrapf(errors.ErrInvalidRequest, "%v", err)
			}
		}
	case TypeInterval:
		if s.IntervalMinutes <= 0 {
			return errors.NewInvalidRequestError("INTERVAL schedule needs interval minutes > 0, got %d", s.IntervalMinutes)
		}
	}

	if p := s.Policy; p != nil {
		if p.MaxConcurrent < 0 || p.MaxAttempts < 0 || p.Priority < 0 || p.RetryBackoffMs < 0 {
			return errors.NewInvalidRequestError("executor policy values must be >= 0")
		}
	}
	return nil
}
