// Package execution models materialized units of scheduled work and their
// append-only history.
package execution

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a pending execution
type Status string

const (
	StatusReady           Status = "READY"
	StatusPending         Status = "PENDING" // claimed, run not yet started
	StatusRunning         Status = "RUNNING"
	StatusFailedRetryable Status = "FAILED_RETRYABLE"
	StatusCancelled       Status = "CANCELLED"
	StatusSkipped         Status = "SKIPPED"
)

// Claimable reports whether the dispatcher may claim an execution in this status
func (s Status) Claimable() bool {
	return s == StatusReady || s == StatusFailedRetryable
}

// InFlight reports whether a lease owner is working on the execution
func (s Status) InFlight() bool {
	return s == StatusRunning || s == StatusPending
}

// ParseStatus validates a status name (case-insensitive)
func ParseStatus(name string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(name)))
	switch s {
	case StatusReady, StatusPending, StatusRunning, StatusFailedRetryable, StatusCancelled, StatusSkipped:
		return s, true
	}
	return "", false
}

// GlobalScope is the scope of executions without a project
const GlobalScope = "GLOBAL"

// Immediate execution defaults
const (
	ImmediatePriority    = 8
	ImmediateMaxAttempts = 3
	ImmediatePlannedHour = -1
	immediateMarker      = "IMMEDIATE"
)

// Runtime defaults when a schedule carries no executor policy
const (
	DefaultPriority       = 5
	DefaultMaxAttempts    = 3
	DefaultRetryBackoffMs = 60_000
	DefaultMaxConcurrent  = 1
)

// DateKeyLayout formats the calendar day an execution was planned for
const DateKeyLayout = "2006-01-02"

// Execution is one claimable unit of future work
type Execution struct {
	ID             string
	IdempotencyKey string
	DateKey        string
	AgentID        string
	ProjectID      string // empty = GLOBAL
	ScheduledAt    time.Time
	Timezone       string
	PlannedHour    int // -1 for immediate executions
	PlannedMinute  int
	Immediate      bool
	Status         Status
	Priority       int
	LockOwner      string
	LockedAt       *time.Time
	LeaseUntil     *time.Time
	Attempt        int
	MaxAttempts    int
	RetryBackoffMs int64
	MaxConcurrent  int
	ScheduleID     string
	// Version of the schedule this execution was planned from
	CreatedFromScheduleVersion int
	CreatedAt                  time.Time
	LastUpdatedAt              time.Time
}

// Scope returns the project id or GLOBAL
func (e *Execution) Scope() string {
	return Scope(e.ProjectID)
}

// ClearLock drops lock owner and lease fields
func (e *Execution) ClearLock() {
	e.LockOwner = ""
	e.LockedAt = nil
	e.LeaseUntil = nil
}

// Clone returns a deep copy
func (e *Execution) Clone() *Execution {
	c := *e
	if e.LockedAt != nil {
		t := *e.LockedAt
		c.LockedAt = &t
	}
	if e.LeaseUntil != nil {
		t := *e.LeaseUntil
		c.LeaseUntil = &t
	}
	return &c
}

// Scope maps an optional project id to an idempotency scope
func Scope(projectID string) string {
	if projectID == "" {
		return GlobalScope
	}
	return projectID
}

// IdempotencyKey identifies one planned slot: dateKey|agentId|scope|scheduledAt
func IdempotencyKey(dateKey, agentID, projectID string, scheduledAt time.Time) string {
	return strings.Join([]string{dateKey, agentID, Scope(projectID), scheduledAt.UTC().Format(time.RFC3339)}, "|")
}

// ImmediateKey identifies an on-demand execution created at now
func ImmediateKey(dateKey, agentID, projectID string, now time.Time) string {
	return strings.Join([]string{dateKey, agentID, Scope(projectID), immediateMarker, now.UTC().Format(time.RFC3339Nano)}, "|")
}
