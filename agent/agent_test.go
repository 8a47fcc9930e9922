package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_WithMethodsReturnCopies(t *testing.T) {
	original := NewState("thread-1", "proj-1")
	withMsg := original.WithMessage(RoleUser, "Hello")

	assert.NotSame(t, original, withMsg)
	assert.Equal(t, 0, original.Len())
	require.Equal(t, 1, withMsg.Len())
	assert.Equal(t, "thread-1", withMsg.ThreadID())
	assert.Equal(t, "proj-1", withMsg.ProjectID())

	stepped := withMsg.WithStep(5).WithAgent("coder").WithForcedAgent("coder").WithContext("k", "v")
	assert.Equal(t, 5, stepped.StepNo())
	assert.Equal(t, 1, withMsg.StepNo())
	assert.Equal(t, "coder", stepped.CurrentAgentID())
	assert.Equal(t, "coder", stepped.ForcedAgentID())
	assert.Equal(t, "v", stepped.Context()["k"])
	assert.Empty(t, withMsg.Context())
}

func TestState_AccessorsReturnCopies(t *testing.T) {
	s := NewState("t", "").WithMessage(RoleUser, "original").WithContext("k", 1)

	msgs := s.Messages()
	msgs[0].Content = "mutated"
	ctx := s.Context()
	ctx["k"] = 2

	assert.Equal(t, "original", s.Messages()[0].Content)
	assert.Equal(t, 1, s.Context()["k"])
}

func TestState_AppendDoesNotAlias(t *testing.T) {
	base := NewState("t", "").WithMessage(RoleUser, "a")
	left := base.WithMessage(RoleAssistant, "left")
	right := base.WithMessage(RoleAssistant, "right")

	assert.Equal(t, "left", left.Messages()[1].Content)
	assert.Equal(t, "right", right.Messages()[1].Content)
}

func TestState_ToolResultAndLastContent(t *testing.T) {
	s := NewState("t", "").
		WithAgent("coder").
		WithMessage(RoleAssistant, "first").
		WithToolResult("read_file", "contents").
		WithMessage(RoleAssistant, "second")

	msgs := s.Messages()
	assert.Equal(t, RoleTool, msgs[1].Role)
	assert.Equal(t, "read_file", msgs[1].Name)
	assert.Equal(t, "coder", msgs[1].AgentID)

	last, ok := s.LastContent(RoleAssistant)
	require.True(t, ok)
	assert.Equal(t, "second", last)

	_, ok = s.LastContent(RoleSystem)
	assert.False(t, ok)
}

func TestState_JSONRoundTrip(t *testing.T) {
	s := NewState("thread-9", "proj").
		WithAgent("reviewer").
		WithStep(3).
		WithFullMessage(Message{Role: RoleUser, Content: "look", Parts: json.RawMessage(`[{"type":"image"}]`)}).
		WithContext("attempt", "2")

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var back State
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s.Snapshot(), back.Snapshot())
	assert.JSONEq(t, `[{"type":"image"}]`, string(back.Messages()[0].Parts))
}

func TestDefaultRoster(t *testing.T) {
	r := DefaultRoster()

	controller, ok := r.Controller()
	require.True(t, ok)
	assert.Equal(t, "controller", controller.ID)

	checker, ok := r.Checker()
	require.True(t, ok)
	assert.Equal(t, "reviewer", checker.ID)

	reminder, ok := r.Specialist("reminder")
	require.True(t, ok)
	assert.True(t, reminder.HandlesReminders)

	_, ok = r.Specialist("controller")
	assert.False(t, ok, "the controller is not a specialist")

	for _, d := range r.Specialists() {
		assert.Equal(t, RoleSpecialist, d.Role)
		assert.NotEmpty(t, d.SystemPrompt, d.ID)
	}
}

func TestParseRoster(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing id", "agents:\n  - role: specialist\n", "no id"},
		{"duplicate id", "agents:\n  - {id: a, role: specialist}\n  - {id: a, role: checker}\n", "duplicate"},
		{"unknown role", "agents:\n  - {id: a, role: boss}\n", "unknown role"},
		{"malformed", "agents: [", "parse"},
		{"valid", "agents:\n  - {id: a, role: specialist}\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRoster([]byte(tt.yaml))
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRoster_DisabledAgentsAreInvisible(t *testing.T) {
	r, err := ParseRoster([]byte(`
agents:
  - {id: controller, role: controller, enabled: false}
  - {id: coder, role: specialist}
  - {id: reviewer, role: checker, enabled: false}
`))
	require.NoError(t, err)

	_, ok := r.Controller()
	assert.False(t, ok)
	_, ok = r.Checker()
	assert.False(t, ok)
	assert.Len(t, r.Enabled(), 1)
	_, ok = r.Get("reviewer")
	assert.False(t, ok)
}

func TestLoadRoster(t *testing.T) {
	r, err := LoadRoster("")
	require.NoError(t, err)
	assert.NotEmpty(t, r.Agents)

	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agents:\n  - {id: solo, role: specialist, system_prompt: hi}\n"), 0o644))
	r, err = LoadRoster(path)
	require.NoError(t, err)
	require.Len(t, r.Agents, 1)
	assert.Equal(t, "hi", r.Agents[0].SystemPrompt)

	_, err = LoadRoster(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
