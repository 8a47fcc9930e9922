package tools

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/events"
	conductortest "github.com/teranos/conductor/internal/testing"
	"github.com/teranos/conductor/metrics"
	"github.com/teranos/conductor/tools/approval"
)

// echoTool returns its "text" input, streaming it to stdout first
type echoTool struct {
	name  string
	risks []Risk
	calls atomic.Int32
}

func (e *echoTool) Name() string        { return e.name }
func (e *echoTool) Description() string { return "echo text back" }
func (e *echoTool) Risks() []Risk       { return e.risks }
func (e *echoTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
}
func (e *echoTool) Execute(_ context.Context, _ Context, input map[string]interface{}, stream Stream) (interface{}, error) {
	e.calls.Add(1)
	text, _ := input["text"].(string)
	if text == "fail" {
		return nil, errors.New("asked to fail")
	}
	if text == "panic" {
		panic("boom")
	}
	stream.StdoutDelta(text)
	stream.Progress(100, "done")
	return text, nil
}

// fixedApprover answers every request with the same status
type fixedApprover struct {
	status  approval.Status
	err     error
	created atomic.Int32
}

func (f *fixedApprover) Create(_ context.Context, threadID, toolName string, input map[string]interface{}) (*approval.Request, error) {
	f.created.Add(1)
	return &approval.Request{ID: "appr-1", ThreadID: threadID, ToolName: toolName, ToolInput: input, Status: approval.StatusPending}, nil
}

func (f *fixedApprover) WaitForResponse(context.Context, string, time.Duration, time.Duration) (approval.Status, error) {
	return f.status, f.err
}

func newInvoker(t *testing.T, approver Approver, cfg Config, ts ...Tool) (*Invoker, *events.Recorder) {
	t.Helper()
	reg := NewRegistry()
	for _, tool := range ts {
		reg.Register(tool)
	}
	rec := events.NewRecorder()
	return NewInvoker(reg, approver, rec, cfg, metrics.New(), zap.NewNop().Sugar()), rec
}

func TestExecuteReadOnly(t *testing.T) {
	tool := &echoTool{name: "echo", risks: []Risk{RiskReadOnly}}
	inv, rec := newInvoker(t, nil, Config{}, tool)

	res := inv.Execute(context.Background(), "thread-1", "echo", map[string]interface{}{"text": "hi"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "hi", res.Text())
	assert.Equal(t, []events.Type{
		events.ToolCallStarted, events.ToolStdoutDelta, events.ToolProgress, events.ToolResult,
	}, rec.Types())
	assert.Equal(t, true, rec.OfType(events.ToolResult)[0].Payload["success"])
}

func TestExecuteNotFound(t *testing.T) {
	inv, rec := newInvoker(t, nil, Config{})
	res := inv.Execute(context.Background(), "thread-1", "nope", nil)
	assert.False(t, res.Success)
	assert.Equal(t, "Tool not found: nope", res.Error)
	assert.Empty(t, rec.Events())
}

func TestExecuteSchemaRejection(t *testing.T) {
	tool := &echoTool{name: "echo", risks: []Risk{RiskReadOnly}}
	inv, _ := newInvoker(t, nil, Config{}, tool)

	res := inv.Execute(context.Background(), "thread-1", "echo", map[string]interface{}{"text": 42})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "Invalid input for echo")
	assert.Zero(t, tool.calls.Load())
}

func TestExecuteToolFailureAndPanic(t *testing.T) {
	tool := &echoTool{name: "echo", risks: []Risk{RiskReadOnly}}
	inv, rec := newInvoker(t, nil, Config{}, tool)

	res := inv.Execute(context.Background(), "t", "echo", map[string]interface{}{"text": "fail"})
	assert.False(t, res.Success)
	assert.Equal(t, "Error: asked to fail", res.Text())

	res = inv.Execute(context.Background(), "t", "echo", map[string]interface{}{"text": "panic"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "panicked")

	results := rec.OfType(events.ToolResult)
	require.Len(t, results, 2)
	assert.Equal(t, false, results[1].Payload["success"])
}

func TestApprovalGate(t *testing.T) {
	ctx := context.Background()
	input := map[string]interface{}{"text": "write"}

	t.Run("approved", func(t *testing.T) {
		tool := &echoTool{name: "writer", risks: []Risk{RiskWriteFiles}}
		appr := &fixedApprover{status: approval.StatusApproved}
		inv, rec := newInvoker(t, appr, Config{}, tool)

		res := inv.Execute(ctx, "t", "writer", input)
		require.True(t, res.Success)
		assert.Equal(t, []events.Type{
			events.ApprovalRequested, events.ApprovalResponded, events.ToolCallStarted,
			events.ToolStdoutDelta, events.ToolProgress, events.ToolResult,
		}, rec.Types())
		assert.Equal(t, "APPROVED", rec.OfType(events.ApprovalResponded)[0].Payload["status"])
	})

	t.Run("denied", func(t *testing.T) {
		tool := &echoTool{name: "shell", risks: []Risk{RiskExecShell}}
		inv, rec := newInvoker(t, &fixedApprover{status: approval.StatusDenied}, Config{}, tool)

		res := inv.Execute(ctx, "t", "shell", input)
		assert.False(t, res.Success)
		assert.Equal(t, "Tool call denied or timed out", res.Error)
		assert.Zero(t, tool.calls.Load())
		assert.Equal(t, []events.Type{events.ApprovalRequested, events.ToolCallDenied}, rec.Types())
		assert.Equal(t, "denied_or_timeout", rec.OfType(events.ToolCallDenied)[0].Payload["reason"])
	})

	t.Run("timeout", func(t *testing.T) {
		tool := &echoTool{name: "shell", risks: []Risk{RiskExecShell}}
		appr := &fixedApprover{status: approval.StatusPending, err: errors.Wrap(errors.ErrTimeout, "waiting")}
		inv, _ := newInvoker(t, appr, Config{}, tool)

		res := inv.Execute(ctx, "t", "shell", input)
		assert.False(t, res.Success)
		assert.Zero(t, tool.calls.Load())
	})

	t.Run("no approver configured", func(t *testing.T) {
		tool := &echoTool{name: "shell", risks: []Risk{RiskExecShell}}
		inv, _ := newInvoker(t, nil, Config{}, tool)
		assert.False(t, inv.Execute(ctx, "t", "shell", input).Success)
	})

	t.Run("test mode skips gate", func(t *testing.T) {
		tool := &echoTool{name: "shell", risks: []Risk{RiskExecShell}}
		appr := &fixedApprover{status: approval.StatusDenied}
		inv, rec := newInvoker(t, appr, Config{TestMode: true}, tool)

		require.True(t, inv.Execute(ctx, "t", "shell", input).Success)
		assert.Zero(t, appr.created.Load())
		assert.Empty(t, rec.OfType(events.ApprovalRequested))
	})
}

func TestApprovalWithService(t *testing.T) {
	ctx := context.Background()
	svc := approval.NewService(conductortest.CreateTestDB(t), nil, zap.NewNop().Sugar())
	tool := &echoTool{name: "writer", risks: []Risk{RiskWriteFiles}}
	inv, rec := newInvoker(t, svc, Config{ApprovalTimeout: 2 * time.Second, ApprovalPoll: 10 * time.Millisecond}, tool)

	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			pending, err := svc.ListPending(ctx, 0)
			if err == nil && len(pending) == 1 {
				_, _ = svc.Respond(ctx, pending[0].ID, approval.StatusApproved)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res := inv.Execute(ctx, "thread-9", "writer", map[string]interface{}{"text": "ok"})
	require.True(t, res.Success, res.Error)
	assert.Len(t, rec.OfType(events.ApprovalResponded), 1)
}

func TestRateLimitAndApply(t *testing.T) {
	tool := &echoTool{name: "echo", risks: []Risk{RiskReadOnly}}
	inv, _ := newInvoker(t, nil, Config{RatePerSecond: 0.001, RateBurst: 1}, tool)
	input := map[string]interface{}{"text": "x"}

	require.True(t, inv.Execute(context.Background(), "t", "echo", input).Success)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := inv.Execute(ctx, "t", "echo", input)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "Rate limit")

	inv.Apply(Config{})
	assert.True(t, inv.Execute(context.Background(), "t", "echo", input).Success)
	assert.Equal(t, int32(2), tool.calls.Load())
}

func TestDescribe(t *testing.T) {
	inv, _ := newInvoker(t, nil, Config{}, &echoTool{name: "echo"})
	assert.Equal(t, "- echo: echo text back\n", inv.Describe())
}
