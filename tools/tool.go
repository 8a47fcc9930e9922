// Package tools resolves, gates and executes the actions an agent proposes.
//
// A Tool declares its risk profiles; the Invoker requires human approval
// before running anything that writes files or executes commands, and
// reports every call as events.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Risk classifies what a tool can do to its environment
type Risk string

const (
	RiskReadOnly       Risk = "READ_ONLY"
	RiskWriteFiles     Risk = "WRITE_FILES"
	RiskExecShell      Risk = "EXEC_SHELL"
	RiskBrowserControl Risk = "BROWSER_CONTROL"
	RiskNetworkCalls   Risk = "NETWORK_CALLS"
)

// RequiresApproval reports whether any risk needs a human decision
func RequiresApproval(risks []Risk) bool {
	for _, r := range risks {
		if r == RiskWriteFiles || r == RiskExecShell {
			return true
		}
	}
	return false
}

// Context describes where a tool runs
type Context struct {
	SessionID  string
	WorkingDir string
	Env        map[string]string
}

// Stream receives incremental output while a tool runs
type Stream interface {
	StdoutDelta(text string)
	StderrDelta(text string)
	Progress(percent int, message string)
	ArtifactCreated(kind, ref string)
}

// Tool is an executable capability offered to agents
type Tool interface {
	Name() string
	Description() string
	// InputSchema is a JSON Schema for the input, or nil for none
	InputSchema() json.RawMessage
	Risks() []Risk
	// Execute runs the tool. A returned error becomes a failure result.
	Execute(ctx context.Context, tc Context, input map[string]interface{}, stream Stream) (interface{}, error)
}

// Result is the structured outcome reported back to the agent
type Result struct {
	Success bool        `json:"success"`
	Output  interface{} `json:"output,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Succeeded wraps a tool's output
func Succeeded(output interface{}) Result {
	return Result{Success: true, Output: output}
}

// Failed builds a failure result
func Failed(format string, args ...interface{}) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Text renders the result as the content of a tool message
func (r Result) Text() string {
	if !r.Success {
		return "Error: " + r.Error
	}
	switch out := r.Output.(type) {
	case nil:
		return "ok"
	case string:
		return out
	default:
		b, err := json.Marshal(out)
		if err != nil {
			return fmt.Sprint(out)
		}
		return string(b)
	}
}

// NopStream discards streamed output
type NopStream struct{}

func (NopStream) StdoutDelta(string)             {}
func (NopStream) StderrDelta(string)             {}
func (NopStream) Progress(int, string)           {}
func (NopStream) ArtifactCreated(string, string) {}
