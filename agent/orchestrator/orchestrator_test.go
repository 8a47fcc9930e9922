package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/conductor/agent"
	"github.com/teranos/conductor/agent/checkpoint"
	"github.com/teranos/conductor/ai/llm"
	"github.com/teranos/conductor/ai/llm/llmtest"
	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/events"
	"github.com/teranos/conductor/tools"
)

const testRoster = `
agents:
  - id: boss
    role: controller
    description: routes work
    system_prompt: You route work.
  - id: coder
    role: specialist
    description: writes code
    system_prompt: You write code.
  - id: planner
    role: specialist
    description: plans reminders
    handles_reminders: true
    system_prompt: You plan.
  - id: qa
    role: checker
    description: reviews
    system_prompt: You review.
`

type toolCall struct {
	thread string
	name   string
	input  map[string]interface{}
}

type fakeTools struct {
	mu    sync.Mutex
	calls []toolCall
}

func (f *fakeTools) Execute(_ context.Context, threadID, name string, input map[string]interface{}) tools.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, toolCall{threadID, name, input})
	if name == "missing" {
		return tools.Failed("Tool not found: %s", name)
	}
	return tools.Succeeded("listing of " + name)
}

func (f *fakeTools) Describe() string { return "- list_dir: list a directory\n" }

type fakeCheckpoints struct {
	mu    sync.Mutex
	saved []*agent.State
}

func (f *fakeCheckpoints) Save(_ context.Context, state *agent.State, offset int64) *checkpoint.Checkpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, state)
	return &checkpoint.Checkpoint{ID: "cp", ThreadID: state.ThreadID(), StepNo: state.StepNo(), EventOffset: offset}
}

type fakeReminders struct{ texts []string }

func (f *fakeReminders) Extract(_ context.Context, _ string, text string) int {
	f.texts = append(f.texts, text)
	return 1
}

type harness struct {
	llm         *llmtest.Scripted
	tools       *fakeTools
	checkpoints *fakeCheckpoints
	reminders   *fakeReminders
	events      *events.Recorder
	orch        *Orchestrator
}

func newHarness(t *testing.T, rosterYAML string, cfg Config) *harness {
	t.Helper()
	roster := &agent.Roster{}
	if rosterYAML != "" {
		var err error
		roster, err = agent.ParseRoster([]byte(rosterYAML))
		require.NoError(t, err)
	}
	h := &harness{
		llm:         llmtest.New(),
		tools:       &fakeTools{},
		checkpoints: &fakeCheckpoints{},
		reminders:   &fakeReminders{},
		events:      events.NewRecorder(),
	}
	h.orch = New(Options{
		LLM:         h.llm,
		Roster:      roster,
		Tools:       h.tools,
		Checkpoints: h.checkpoints,
		Events:      h.events,
		Reminders:   h.reminders,
	}, cfg, zap.NewNop().Sugar())
	return h
}

func userState() *agent.State {
	return agent.NewState("thread-1", "").WithMessage(agent.RoleUser, "list the repo")
}

func TestDelegateToolsAndPass(t *testing.T) {
	h := newHarness(t, testRoster, Config{})
	h.llm.For("boss", `{"delegate": "coder", "subTask": "list files"}`)
	h.llm.For("coder",
		"Let me look.\n<tool_call>\n{\"name\": \"list_dir\", \"args\": {\"path\": \".\"}}\n</tool_call>",
		"The repo has a main.go.")
	h.llm.For("qa", `{"pass": true, "summary": "looks right"}`)

	out, err := h.orch.Run(context.Background(), userState())
	require.NoError(t, err)

	require.Len(t, h.tools.calls, 1)
	assert.Equal(t, "list_dir", h.tools.calls[0].name)
	assert.Equal(t, ".", h.tools.calls[0].input["path"])

	msgs := out.Messages()
	var toolMsg *agent.Message
	for i := range msgs {
		if msgs[i].Role == agent.RoleTool {
			toolMsg = &msgs[i]
		}
	}
	require.NotNil(t, toolMsg)
	assert.Equal(t, "list_dir", toolMsg.Name)
	assert.Equal(t, "listing of list_dir", toolMsg.Content)

	delegated := h.events.OfType(events.AgentDelegated)
	require.Len(t, delegated, 1)
	assert.Equal(t, "coder", delegated[0].Payload["targetAgentId"])
	assert.Equal(t, "list files", delegated[0].Payload["subTask"])

	resp := h.events.OfType(events.AgentResponse)
	require.Len(t, resp, 1)
	assert.Equal(t, "coder", resp[0].Payload["agentId"])
	assert.Equal(t, "The repo has a main.go.", resp[0].Payload["response"])

	passed := h.events.OfType(events.AgentCheckPassed)
	require.Len(t, passed, 1)
	assert.Equal(t, "looks right", passed[0].Payload["summary"])

	steps := h.events.OfType(events.AgentStepCompleted)
	require.Len(t, steps, 2)
	assert.Equal(t, false, steps[0].Payload["done"])
	assert.Equal(t, true, steps[1].Payload["done"])
	assert.Equal(t, 2, steps[1].Payload["step"])

	assert.Len(t, h.checkpoints.saved, 2)
	assert.Len(t, h.events.OfType(events.CheckpointCreated), 2)
	assert.NotEmpty(t, h.events.OfType(events.ModelTokenDelta))

	// the tool call block never reaches the visible transcript
	for _, m := range msgs {
		assert.NotContains(t, m.Content, "<tool_call>")
	}

	// controller and checker are blocking calls, the specialist streams
	for _, c := range h.llm.CallsFor("boss") {
		assert.False(t, c.Streaming)
	}
	for _, c := range h.llm.CallsFor("coder") {
		assert.True(t, c.Streaming)
	}

	// the controller sees the specialist roster in its system prompt
	bossCall := h.llm.CallsFor("boss")[0]
	last := bossCall.Messages[len(bossCall.Messages)-1]
	assert.Equal(t, agent.RoleSystem, last.Role)
	assert.Contains(t, last.Content, "Available specialists:\ncoder: writes code\nplanner: plans reminders")
}

func TestUnknownSpecialist(t *testing.T) {
	h := newHarness(t, testRoster, Config{})
	h.llm.For("boss", `{"delegate": "ghost"}`)

	_, err := h.orch.Run(context.Background(), userState())
	require.NoError(t, err)

	errs := h.events.OfType(events.Error)
	require.Len(t, errs, 1)
	assert.Equal(t, "Specialist not found: ghost", errs[0].Payload["message"])
	assert.Empty(t, h.events.OfType(events.AgentDelegated))
	assert.Empty(t, h.llm.CallsFor("coder"))
	assert.Empty(t, h.llm.CallsFor("qa"))
}

func TestDelegationOnlyReachesSpecialists(t *testing.T) {
	for _, target := range []string{"qa", "boss"} {
		t.Run(target, func(t *testing.T) {
			h := newHarness(t, testRoster, Config{})
			h.llm.For("boss", `{"delegate": "`+target+`"}`)

			_, err := h.orch.Run(context.Background(), userState())
			require.NoError(t, err)

			errs := h.events.OfType(events.Error)
			require.Len(t, errs, 1)
			assert.Equal(t, "Specialist not found: "+target, errs[0].Payload["message"])
			assert.Empty(t, h.events.OfType(events.AgentDelegated))
			assert.Empty(t, h.llm.CallsFor("qa"))
		})
	}
}

func TestDirectResponseWithoutChecker(t *testing.T) {
	roster := `
agents:
  - id: boss
    role: controller
    system_prompt: route
  - id: coder
    role: specialist
    system_prompt: code
`
	h := newHarness(t, roster, Config{})
	h.llm.For("boss", "```json\n{\"respond\": \"42\"}\n```")

	_, err := h.orch.Run(context.Background(), userState())
	require.NoError(t, err)

	resp := h.events.OfType(events.AgentResponse)
	require.Len(t, resp, 1)
	assert.Equal(t, "boss", resp[0].Payload["agentId"])
	assert.Equal(t, "42", resp[0].Payload["response"])

	passed := h.events.OfType(events.AgentCheckPassed)
	require.Len(t, passed, 1)
	assert.Equal(t, "No checker configured, accepting result", passed[0].Payload["summary"])
}

func TestMalformedControllerReplyIsDirectResponse(t *testing.T) {
	h := newHarness(t, testRoster, Config{})
	h.llm.For("boss", "I think the answer is yes")
	h.llm.For("qa", "pass")

	_, err := h.orch.Run(context.Background(), userState())
	require.NoError(t, err)
	resp := h.events.OfType(events.AgentResponse)
	require.Len(t, resp, 1)
	assert.Equal(t, "I think the answer is yes", resp[0].Payload["response"])
	assert.Len(t, h.events.OfType(events.AgentCheckPassed), 1)
}

func TestBlankControllerReplyStops(t *testing.T) {
	h := newHarness(t, testRoster, Config{})
	_, err := h.orch.Run(context.Background(), userState())
	require.NoError(t, err)
	assert.Len(t, h.llm.Calls(), 1)
	assert.Empty(t, h.events.OfType(events.AgentResponse))
}

func TestCheckerRejectsUntilRetriesRunOut(t *testing.T) {
	h := newHarness(t, testRoster, Config{MaxRetries: 2})
	h.llm.For("boss", `{"respond": "draft"}`, `{"respond": "draft 2"}`)
	h.llm.For("qa", `{"pass": false, "feedback": "too short"}`, `{"pass": false, "feedback": "still short"}`)

	out, err := h.orch.Run(context.Background(), userState())
	require.NoError(t, err)

	failed := h.events.OfType(events.AgentCheckFailed)
	require.Len(t, failed, 2)
	assert.Equal(t, "too short", failed[0].Payload["feedback"])
	assert.Equal(t, 1, failed[0].Payload["retry"])
	assert.Equal(t, 2, failed[1].Payload["retry"])
	assert.Equal(t, 2, failed[1].Payload["maxRetries"])
	assert.Len(t, h.llm.CallsFor("boss"), 2)

	var feedbackMsgs int
	for _, m := range out.Messages() {
		if m.Role == agent.RoleUser && m.Content == "The reviewer rejected the work with feedback: too short\nPlease address this feedback and try again." {
			feedbackMsgs++
		}
	}
	assert.Equal(t, 1, feedbackMsgs, "no feedback message after the last attempt")
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		answered bool
		pass     bool
		feedback string
	}{
		{"no reply", "", false, true, "no feedback provided"},
		{"json pass", `{"pass": true, "summary": "ok"}`, true, true, `{"pass": true, "summary": "ok"}`},
		{"json fail", `{"pass": false, "feedback": "redo"}`, true, false, "redo"},
		{"fenced json fail", "```\n{\"pass\": false}\n```", true, false, "```\n{\"pass\": false}\n```"},
		{"prose with fail marker", `Verdict: {"PASS":false} because`, true, false, `Verdict: {"PASS":false} because`},
		{"prose", "Looks fine to me", true, true, "Looks fine to me"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := parseVerdict(tt.reply, tt.answered)
			assert.Equal(t, tt.pass, v.Pass)
			assert.Equal(t, tt.feedback, v.Feedback)
		})
	}
}

func TestForcedAgent(t *testing.T) {
	h := newHarness(t, testRoster, Config{})
	h.llm.For("coder", "done")

	state := userState().WithForcedAgent("coder")
	out, err := h.orch.Run(context.Background(), state)
	require.NoError(t, err)

	assert.Empty(t, h.llm.CallsFor("boss"))
	assert.Empty(t, h.llm.CallsFor("qa"))
	delegated := h.events.OfType(events.AgentDelegated)
	require.Len(t, delegated, 1)
	assert.Equal(t, "coder", delegated[0].Payload["targetAgentId"])
	last, _ := out.LastContent(agent.RoleAssistant)
	assert.Equal(t, "done", last)

	// the specialist prompt carries the tool descriptions
	sys := h.llm.CallsFor("coder")[0].Messages
	assert.Contains(t, sys[len(sys)-1].Content, "Available tools:\n- list_dir")
}

func TestSingleAgentFallback(t *testing.T) {
	h := newHarness(t, "", Config{})
	h.llm.Default("<tool_call>{\"name\":\"list_dir\",\"args\":{}}</tool_call>", "all done")

	out, err := h.orch.Run(context.Background(), userState().WithAgent("solo"))
	require.NoError(t, err)

	assert.Len(t, h.tools.calls, 1)
	assert.Empty(t, h.events.OfType(events.AgentCheckRequested))
	started := h.events.OfType(events.AgentStepStarted)
	require.Len(t, started, 2)
	assert.Equal(t, "solo", started[0].Payload["agentId"])
	last, _ := out.LastContent(agent.RoleAssistant)
	assert.Equal(t, "all done", last)
}

func TestMaxStepsBound(t *testing.T) {
	h := newHarness(t, "", Config{MaxSteps: 3})
	loop := "<tool_call>{\"name\":\"list_dir\",\"args\":{}}</tool_call>"
	h.llm.Default(loop, loop, loop, loop, loop)

	_, err := h.orch.Run(context.Background(), userState())
	require.NoError(t, err)
	assert.Len(t, h.events.OfType(events.AgentStepStarted), 3)
	assert.Len(t, h.tools.calls, 3)
}

func TestLLMUnavailable(t *testing.T) {
	h := newHarness(t, testRoster, Config{})
	h.llm.Unavailable = true
	h.llm.Default(llm.OnboardingMessage)

	out, err := h.orch.Run(context.Background(), userState())
	require.NoError(t, err)
	last, _ := out.LastContent(agent.RoleAssistant)
	assert.Equal(t, llm.OnboardingMessage, last)
	assert.Empty(t, h.events.Events())
}

func TestLLMErrorIsReported(t *testing.T) {
	h := newHarness(t, testRoster, Config{})
	h.llm.For("boss", `{"delegate": "coder"}`)
	h.llm.FailFor("coder", errors.New("connection refused"))
	h.llm.For("qa", `{"pass": true}`)

	_, err := h.orch.Run(context.Background(), userState())
	require.NoError(t, err)

	errs := h.events.OfType(events.Error)
	require.Len(t, errs, 1)
	assert.Equal(t, "LLM call failed for coder: connection refused", errs[0].Payload["message"])
	steps := h.events.OfType(events.AgentStepCompleted)
	require.Len(t, steps, 1)
	assert.Equal(t, true, steps[0].Payload["done"])
}

func TestReminderHandlerOutputIsExtracted(t *testing.T) {
	h := newHarness(t, testRoster, Config{})
	h.llm.For("boss", `{"delegate": "planner"}`)
	h.llm.For("planner", "REMINDER: call mom | WHEN: 18:00 | RECURRING: no")
	h.llm.For("qa", `{"pass": true}`)

	_, err := h.orch.Run(context.Background(), userState())
	require.NoError(t, err)
	require.Len(t, h.reminders.texts, 1)
	assert.Contains(t, h.reminders.texts[0], "call mom")
}

func TestCancelledContext(t *testing.T) {
	h := newHarness(t, testRoster, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orch.Run(ctx, userState())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
