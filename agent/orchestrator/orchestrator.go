// Package orchestrator drives one agent run: a controller routes the
// request to a specialist, the specialist works through a tool-using step
// loop, and a checker reviews the result, retrying on rejection.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/conductor/agent"
	"github.com/teranos/conductor/agent/checkpoint"
	"github.com/teranos/conductor/ai/llm"
	"github.com/teranos/conductor/am"
	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/events"
	"github.com/teranos/conductor/logger"
	"github.com/teranos/conductor/tools"
	"github.com/teranos/conductor/tracing"
)

const (
	DefaultMaxSteps   = 50
	DefaultMaxRetries = 3

	responsePreviewLen = 500
	summaryPreviewLen  = 200
)

// ToolRunner executes tool calls; *tools.Invoker implements it
type ToolRunner interface {
	Execute(ctx context.Context, threadID, toolName string, input map[string]interface{}) tools.Result
	Describe() string
}

// Checkpointer persists state after each step; *checkpoint.Store implements it
type Checkpointer interface {
	Save(ctx context.Context, state *agent.State, eventOffset int64) *checkpoint.Checkpoint
}

// ReminderSink stores reminders found in an agent's output
type ReminderSink interface {
	Extract(ctx context.Context, sessionID, text string) int
}

// Config bounds a run
type Config struct {
	MaxSteps   int
	MaxRetries int
}

// ConfigFrom maps the orchestrator config section
func ConfigFrom(c am.OrchestratorConfig) Config {
	return Config{MaxSteps: c.MaxSteps, MaxRetries: c.MaxRetries}
}

// Options carries the orchestrator's collaborators. Only LLM and Roster
// are required.
type Options struct {
	LLM         llm.Service
	Roster      *agent.Roster
	Tools       ToolRunner
	Checkpoints Checkpointer
	Events      events.Emitter
	Reminders   ReminderSink
	Parser      ToolCallParser
}

// Orchestrator runs the controller, specialist and checker graph
type Orchestrator struct {
	llm         llm.Service
	roster      *agent.Roster
	tools       ToolRunner
	checkpoints Checkpointer
	events      events.Emitter
	reminders   ReminderSink
	parser      ToolCallParser
	cfg         Config
	log         *zap.SugaredLogger
}

// New creates an orchestrator
func New(opts Options, cfg Config, log *zap.SugaredLogger) *Orchestrator {
	if log == nil {
		log = logger.Logger
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.Parser == nil {
		opts.Parser = TagParser{}
	}
	if opts.Roster == nil {
		opts.Roster = &agent.Roster{}
	}
	return &Orchestrator{
		llm:         opts.LLM,
		roster:      opts.Roster,
		tools:       opts.Tools,
		checkpoints: opts.Checkpoints,
		events:      opts.Events,
		reminders:   opts.Reminders,
		parser:      opts.Parser,
		cfg:         cfg,
		log:         logger.AddAgentSymbol(log),
	}
}

// Run executes the graph for state and returns the resulting state. The
// only error is cancellation of ctx; model and tool failures surface as
// events.
func (o *Orchestrator) Run(ctx context.Context, state *agent.State) (*agent.State, error) {
	threadID := state.ThreadID()

	if !o.llm.IsAvailable() {
		reply, err := o.llm.BlockingResponse(ctx, state)
		if err != nil {
			reply = llm.OnboardingMessage
		}
		return state.WithMessage(agent.RoleAssistant, reply), ctx.Err()
	}

	if forced := state.ForcedAgentID(); forced != "" {
		if def, ok := o.roster.Get(forced); ok {
			o.emit(ctx, threadID, events.AgentDelegated, events.Payload{"targetAgentId": def.ID})
			state = state.WithAgent(def.ID).WithMessage(agent.RoleSystem, o.specialistPrompt(def))
			state = o.stepLoop(ctx, state, def)
			o.finishSpecialist(ctx, state, def)
			return state, ctx.Err()
		}
		o.log.Warnw("Forced agent is not in the roster, routing normally",
			logger.FieldThreadID, threadID, logger.FieldAgentID, forced)
	}

	controller, ok := o.roster.Controller()
	if len(o.roster.Enabled()) == 0 || !ok {
		return o.runSingleAgent(ctx, state), ctx.Err()
	}
	return o.runGraph(ctx, state, controller)
}

func (o *Orchestrator) runGraph(ctx context.Context, state *agent.State, controller agent.Definition) (*agent.State, error) {
	threadID := state.ThreadID()

	for retry := 0; retry < o.cfg.MaxRetries; retry++ {
		if err := ctx.Err(); err != nil {
			return state, errors.Wrap(err, "orchestrator run cancelled")
		}

		// Controller decides routing
		state = state.WithAgent(controller.ID)
		o.emit(ctx, threadID, events.AgentSwitched, events.Payload{"toAgent": controller.ID})
		state = state.WithMessage(agent.RoleSystem, o.controllerPrompt(controller))

		reply := o.blocking(ctx, state, controller, "controller")
		state = state.WithMessage(agent.RoleAssistant, reply)
		if strings.TrimSpace(reply) == "" {
			break
		}
		decision := parseDecision(reply)

		var output string
		if decision.Delegate != "" {
			specialist, ok := o.roster.Specialist(decision.Delegate)
			if !ok {
				o.emit(ctx, threadID, events.Error, events.Payload{"message": "Specialist not found: " + decision.Delegate})
				break
			}
			o.emit(ctx, threadID, events.AgentDelegated, events.Payload{
				"targetAgentId": specialist.ID, "subTask": decision.SubTask,
			})
			state = state.WithAgent(specialist.ID)
			o.emit(ctx, threadID, events.AgentSwitched, events.Payload{"fromAgent": controller.ID, "toAgent": specialist.ID})

			state = state.WithMessage(agent.RoleSystem, o.specialistPrompt(specialist))
			state = o.stepLoop(ctx, state, specialist)
			output = o.finishSpecialist(ctx, state, specialist)
		} else {
			output = decision.Respond
			if output == "" {
				output = reply
			}
			o.emit(ctx, threadID, events.AgentResponse, events.Payload{
				"agentId": controller.ID, "response": truncate(output, responsePreviewLen),
			})
		}

		checker, ok := o.roster.Checker()
		if !ok {
			o.emit(ctx, threadID, events.AgentCheckPassed, events.Payload{"summary": "No checker configured, accepting result"})
			break
		}

		o.emit(ctx, threadID, events.AgentCheckRequested, events.Payload{"agentId": checker.ID})
		state = state.WithAgent(checker.ID)
		o.emit(ctx, threadID, events.AgentSwitched, events.Payload{"toAgent": checker.ID})
		state = state.WithMessage(agent.RoleSystem, checker.SystemPrompt)
		state = state.WithMessage(agent.RoleUser, "Review the work completed above. The specialist's final output was:\n"+output)

		verdict, answered := o.checkerReply(ctx, state, checker)
		state = state.WithMessage(agent.RoleAssistant, verdict)

		v := parseVerdict(verdict, answered)
		if v.Pass {
			o.emit(ctx, threadID, events.AgentCheckPassed, events.Payload{"agentId": checker.ID, "summary": v.Summary})
			break
		}
		o.emit(ctx, threadID, events.AgentCheckFailed, events.Payload{
			"agentId":    checker.ID,
			"feedback":   v.Feedback,
			"retry":      retry + 1,
			"maxRetries": o.cfg.MaxRetries,
		})
		o.log.Infow("Checker rejected the work",
			logger.FieldThreadID, threadID, logger.FieldAttempt, retry+1)
		if retry < o.cfg.MaxRetries-1 {
			state = state.WithMessage(agent.RoleUser,
				"The reviewer rejected the work with feedback: "+v.Feedback+"\nPlease address this feedback and try again.")
		}
	}
	return state, ctx.Err()
}

// finishSpecialist reports a specialist's output and returns it
func (o *Orchestrator) finishSpecialist(ctx context.Context, state *agent.State, def agent.Definition) string {
	output, _ := state.LastContent(agent.RoleAssistant)
	o.emit(ctx, state.ThreadID(), events.AgentResponse, events.Payload{
		"agentId": def.ID, "response": truncate(output, responsePreviewLen),
	})
	if def.HandlesReminders && o.reminders != nil {
		if n := o.reminders.Extract(ctx, state.ThreadID(), output); n > 0 {
			o.log.Infow("Saved reminders from agent output",
				logger.FieldThreadID, state.ThreadID(), logger.FieldCount, n)
		}
	}
	return output
}

func (o *Orchestrator) runSingleAgent(ctx context.Context, state *agent.State) *agent.State {
	def := agent.Definition{ID: state.CurrentAgentID(), Role: agent.RoleSpecialist}
	return o.stepLoop(ctx, state, def)
}

// stepLoop streams replies and runs their tool calls until the agent stops
// asking for tools or MaxSteps is reached
func (o *Orchestrator) stepLoop(ctx context.Context, state *agent.State, def agent.Definition) *agent.State {
	threadID := state.ThreadID()
	first := state.StepNo()
	if first < 1 {
		first = 1
	}

	for step := first; step <= o.cfg.MaxSteps; step++ {
		if ctx.Err() != nil {
			return state
		}
		state = state.WithStep(step)
		o.emit(ctx, threadID, events.AgentStepStarted, events.Payload{"step": step, "agentId": def.ID})

		reply := o.stream(ctx, state, def)
		visible, calls := o.parser.Parse(reply)
		state = state.WithMessage(agent.RoleAssistant, visible)

		done := strings.TrimSpace(reply) == "" || len(calls) == 0
		o.emit(ctx, threadID, events.AgentStepCompleted, events.Payload{"step": step, "agentId": def.ID, "done": done})
		o.checkpoint(ctx, state)

		if done {
			break
		}
		for _, call := range calls {
			if ctx.Err() != nil {
				return state
			}
			state = state.WithToolResult(call.Name, o.runTool(ctx, threadID, call))
		}
	}
	return state
}

func (o *Orchestrator) runTool(ctx context.Context, threadID string, call ToolCall) string {
	if o.tools == nil {
		return tools.Failed("Tool not found: %s", call.Name).Text()
	}
	return o.tools.Execute(ctx, threadID, call.Name, call.Args).Text()
}

func (o *Orchestrator) checkpoint(ctx context.Context, state *agent.State) {
	if o.checkpoints == nil {
		return
	}
	var offset int64
	if el, ok := o.events.(events.Log); ok {
		if n, err := el.Offset(ctx, state.ThreadID()); err == nil {
			offset = n
		}
	}
	if cp := o.checkpoints.Save(ctx, state, offset); cp != nil {
		o.emit(ctx, state.ThreadID(), events.CheckpointCreated, events.Payload{
			"checkpointId": cp.ID, "step": cp.StepNo,
		})
	}
}

// stream runs one streamed model call, forwarding tokens as events. A
// failed call yields "".
func (o *Orchestrator) stream(ctx context.Context, state *agent.State, def agent.Definition) string {
	spanCtx, span := tracing.StartTurnSpan(ctx, string(def.Role), def.ID)
	reply, err := o.llm.StreamResponse(spanCtx, state, func(token string) {
		o.emit(ctx, state.ThreadID(), events.ModelTokenDelta, events.Payload{"token": token, "agentId": def.ID})
	})
	tracing.End(span, err)
	if err != nil {
		o.llmFailed(ctx, state, def, err)
		return ""
	}
	return reply
}

func (o *Orchestrator) blocking(ctx context.Context, state *agent.State, def agent.Definition, role string) string {
	spanCtx, span := tracing.StartTurnSpan(ctx, role, def.ID)
	reply, err := o.llm.BlockingResponse(spanCtx, state)
	tracing.End(span, err)
	if err != nil {
		o.llmFailed(ctx, state, def, err)
		return ""
	}
	return reply
}

// checkerReply reports whether the checker answered at all; a failed call
// counts as no verdict
func (o *Orchestrator) checkerReply(ctx context.Context, state *agent.State, def agent.Definition) (string, bool) {
	spanCtx, span := tracing.StartTurnSpan(ctx, "checker", def.ID)
	reply, err := o.llm.BlockingResponse(spanCtx, state)
	tracing.End(span, err)
	if err != nil {
		o.llmFailed(ctx, state, def, err)
		return "", false
	}
	return reply, true
}

func (o *Orchestrator) llmFailed(ctx context.Context, state *agent.State, def agent.Definition, err error) {
	o.log.Errorw("LLM call failed",
		logger.FieldThreadID, state.ThreadID(), logger.FieldAgentID, def.ID, logger.FieldError, err)
	o.emit(ctx, state.ThreadID(), events.Error, events.Payload{
		"message": fmt.Sprintf("LLM call failed for %s: %s", def.ID, err.Error()),
	})
}

func (o *Orchestrator) emit(ctx context.Context, threadID string, typ events.Type, payload events.Payload) {
	o.events.Emit(ctx, threadID, typ, payload)
}

func (o *Orchestrator) controllerPrompt(controller agent.Definition) string {
	var b strings.Builder
	b.WriteString(controller.SystemPrompt)
	b.WriteString("\n\nAvailable specialists:\n")
	for i, s := range o.roster.Specialists() {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(s.ID + ": " + s.Description)
	}
	return b.String()
}

func (o *Orchestrator) specialistPrompt(def agent.Definition) string {
	if o.tools == nil {
		return def.SystemPrompt
	}
	desc := o.tools.Describe()
	if desc == "" {
		return def.SystemPrompt
	}
	return def.SystemPrompt + "\n\nAvailable tools:\n" + desc
}

// decision is the controller's routing reply
type decision struct {
	Delegate string
	SubTask  string
	Respond  string
}

func parseDecision(reply string) decision {
	d := decision{SubTask: "delegated task"}
	fields, ok := jsonObject(reply)
	if !ok {
		return d
	}
	d.Delegate = asText(fields["delegate"])
	if sub, ok := fields["subTask"]; ok {
		d.SubTask = asText(sub)
	}
	d.Respond = asText(fields["respond"])
	return d
}

// verdict is the checker's review
type verdict struct {
	Pass     bool
	Summary  string
	Feedback string
}

func parseVerdict(reply string, answered bool) verdict {
	if !answered {
		return verdict{Pass: true, Feedback: "no feedback provided"}
	}
	v := verdict{
		Summary:  truncate(reply, summaryPreviewLen),
		Feedback: truncate(reply, responsePreviewLen),
	}
	fields, ok := jsonObject(reply)
	if ok {
		if s, ok := fields["summary"]; ok {
			v.Summary = asText(s)
		}
		if f, ok := fields["feedback"]; ok {
			v.Feedback = asText(f)
		}
		if p, ok := fields["pass"]; ok {
			v.Pass = asBool(p)
			return v
		}
	}
	lower := strings.ToLower(reply)
	v.Pass = !strings.Contains(lower, `"pass": false`) && !strings.Contains(lower, `"pass":false`)
	return v
}

// jsonObject decodes reply as a JSON object, ignoring a surrounding code fence
func jsonObject(reply string) (map[string]interface{}, bool) {
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(stripFences(reply)), &fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:] // language tag
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func asText(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func asBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
