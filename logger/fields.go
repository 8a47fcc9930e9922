package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings.
const (
	// Identity
	FieldExecutionID = "execution_id"
	FieldScheduleID  = "schedule_id"
	FieldAgentID     = "agent_id"
	FieldProjectID   = "project_id"
	FieldSessionID   = "session_id"
	FieldThreadID    = "thread_id"
	FieldApprovalID  = "approval_id"
	FieldInstanceID  = "instance_id"

	// Components
	FieldComponent = "component"
	FieldTool      = "tool"

	// Timing
	FieldDurationMS  = "duration_ms"
	FieldScheduledAt = "scheduled_at"
	FieldLeaseUntil  = "lease_until"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts and progress
	FieldCount   = "count"
	FieldStep    = "step"
	FieldAttempt = "attempt"

	// Status
	FieldStatus = "status"

	// Subsystem glyph (꩜, ✿, ❀, ⊔, ...)
	FieldSymbol = "symbol"
)

type contextKey string

const (
	executionIDKey contextKey = "logger_execution_id"
	sessionIDKey   contextKey = "logger_session_id"
)

// WithExecutionID adds an execution ID to the context for logging
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// WithSessionID adds a session ID to the context for logging
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if id, ok := ctx.Value(executionIDKey).(string); ok && id != "" {
		fields = append(fields, FieldExecutionID, id)
	}
	if id, ok := ctx.Value(sessionIDKey).(string); ok && id != "" {
		fields = append(fields, FieldSessionID, id)
	}

	return fields
}

// FromContext returns base with the context's logging fields attached.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	d := dispatch.New(store, history, leases, launcher, cfg, logger.ComponentLogger("pulse.dispatch"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
