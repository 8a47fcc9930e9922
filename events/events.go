// Package events is the per-session event log. Every orchestration step,
// tool call and approval publishes a typed event with a monotonically
// increasing sequence number, persisted to SQLite and fanned out to
// in-process subscribers.
package events

import (
	"context"
	"time"

	"github.com/teranos/conductor/errors"
)

// Type names an event kind
type Type string

const (
	AgentStepStarted     Type = "AGENT_STEP_STARTED"
	AgentStepCompleted   Type = "AGENT_STEP_COMPLETED"
	AgentSwitched        Type = "AGENT_SWITCHED"
	AgentDelegated       Type = "AGENT_DELEGATED"
	AgentResponse        Type = "AGENT_RESPONSE"
	AgentCheckRequested  Type = "AGENT_CHECK_REQUESTED"
	AgentCheckPassed     Type = "AGENT_CHECK_PASSED"
	AgentCheckFailed     Type = "AGENT_CHECK_FAILED"
	ToolCallStarted      Type = "TOOL_CALL_STARTED"
	ToolResult           Type = "TOOL_RESULT"
	ToolCallDenied       Type = "TOOL_CALL_DENIED"
	ApprovalRequested    Type = "APPROVAL_REQUESTED"
	ApprovalResponded    Type = "APPROVAL_RESPONDED"
	Error                Type = "ERROR"
	UserMessageReceived  Type = "USER_MESSAGE_RECEIVED"
	ModelTokenDelta      Type = "MODEL_TOKEN_DELTA"
	ToolStdoutDelta      Type = "TOOL_STDOUT_DELTA"
	ToolStderrDelta      Type = "TOOL_STDERR_DELTA"
	ToolProgress         Type = "TOOL_PROGRESS"
	CheckpointCreated    Type = "CHECKPOINT_CREATED"
	SessionStatusChanged Type = "SESSION_STATUS_CHANGED"
	ReminderTriggered    Type = "REMINDER_TRIGGERED"
)

var allTypes = []Type{
	AgentStepStarted, AgentStepCompleted, AgentSwitched, AgentDelegated, AgentResponse,
	AgentCheckRequested, AgentCheckPassed, AgentCheckFailed,
	ToolCallStarted, ToolResult, ToolCallDenied,
	ApprovalRequested, ApprovalResponded, Error,
	UserMessageReceived, ModelTokenDelta, ToolStdoutDelta, ToolStderrDelta, ToolProgress,
	CheckpointCreated, SessionStatusChanged, ReminderTriggered,
}

// Types returns every known event type
func Types() []Type {
	out := make([]Type, len(allTypes))
	copy(out, allTypes)
	return out
}

// ParseType validates an event type name
func ParseType(s string) (Type, error) {
	for _, t := range allTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", errors.NewInvalidRequestError("unknown event type %q", s)
}

// Payload is the JSON object attached to an event
type Payload map[string]interface{}

// Event is one persisted entry of a session's log
type Event struct {
	ID        string
	SessionID string
	Seq       int64
	Type      Type
	Payload   Payload
	Timestamp time.Time
}

// Emitter publishes events for a session. Emit never fails the caller;
// persistence problems are logged.
type Emitter interface {
	Emit(ctx context.Context, sessionID string, typ Type, payload Payload) *Event
}

// Log is an Emitter that can report how far a session's stream has come
type Log interface {
	Emitter
	Offset(ctx context.Context, sessionID string) (int64, error)
}

// Discard is an Emitter that drops everything
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(_ context.Context, sessionID string, typ Type, payload Payload) *Event {
	return &Event{SessionID: sessionID, Type: typ, Payload: payload, Timestamp: time.Now()}
}
