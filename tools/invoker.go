package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/conductor/am"
	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/events"
	"github.com/teranos/conductor/logger"
	"github.com/teranos/conductor/metrics"
	"github.com/teranos/conductor/tools/approval"
	"github.com/teranos/conductor/tracing"
)

// Approver creates approval requests and waits for their decision
type Approver interface {
	Create(ctx context.Context, threadID, toolName string, input map[string]interface{}) (*approval.Request, error)
	WaitForResponse(ctx context.Context, id string, timeout, poll time.Duration) (approval.Status, error)
}

// Config controls gating and throttling
type Config struct {
	WorkingDir      string
	TestMode        bool // skip approval gating
	ApprovalTimeout time.Duration
	ApprovalPoll    time.Duration
	RatePerSecond   float64 // per tool, 0 = unlimited
	RateBurst       int
}

// ConfigFrom maps the tools config section
func ConfigFrom(c am.ToolsConfig) Config {
	return Config{
		WorkingDir:      c.WorkingDir,
		TestMode:        c.TestMode,
		ApprovalTimeout: c.ApprovalTimeout(),
		ApprovalPoll:    c.ApprovalPoll(),
		RatePerSecond:   c.RatePerSecond,
		RateBurst:       c.RateBurst,
	}
}

// Invoker runs tool calls on behalf of a thread
type Invoker struct {
	registry  *Registry
	approvals Approver
	events    events.Emitter
	metrics   *metrics.Metrics
	log       *zap.SugaredLogger

	mu       sync.Mutex
	cfg      Config
	limiters map[string]*rate.Limiter
	schemas  map[string]*jsonschema.Schema
}

// NewInvoker creates an invoker. A nil emitter discards events.
func NewInvoker(registry *Registry, approvals Approver, emitter events.Emitter, cfg Config, m *metrics.Metrics, log *zap.SugaredLogger) *Invoker {
	if log == nil {
		log = logger.Logger
	}
	if emitter == nil {
		emitter = events.Discard
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = 5 * time.Minute
	}
	if cfg.ApprovalPoll <= 0 {
		cfg.ApprovalPoll = 500 * time.Millisecond
	}
	return &Invoker{
		registry:  registry,
		approvals: approvals,
		events:    emitter,
		metrics:   m,
		log:       logger.AddToolSymbol(log),
		cfg:       cfg,
		limiters:  make(map[string]*rate.Limiter),
		schemas:   make(map[string]*jsonschema.Schema),
	}
}

// Registry returns the tools the invoker resolves against
func (inv *Invoker) Registry() *Registry { return inv.registry }

// Apply swaps in a new config, e.g. after a config reload. Rate limiters
// are rebuilt on next use.
func (inv *Invoker) Apply(cfg Config) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = inv.cfg.ApprovalTimeout
	}
	if cfg.ApprovalPoll <= 0 {
		cfg.ApprovalPoll = inv.cfg.ApprovalPoll
	}
	inv.cfg = cfg
	inv.limiters = make(map[string]*rate.Limiter)
	inv.log.Infow("Tool invoker config applied",
		"test_mode", cfg.TestMode,
		"rate_per_second", cfg.RatePerSecond,
		"rate_burst", cfg.RateBurst)
}

func (inv *Invoker) config() Config {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.cfg
}

func (inv *Invoker) limiter(name string) *rate.Limiter {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.cfg.RatePerSecond <= 0 {
		return nil
	}
	l, ok := inv.limiters[name]
	if !ok {
		burst := inv.cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(inv.cfg.RatePerSecond), burst)
		inv.limiters[name] = l
	}
	return l
}

// schema compiles and caches a tool's input schema
func (inv *Invoker) schema(t Tool) (*jsonschema.Schema, error) {
	raw := t.InputSchema()
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if s, ok := inv.schemas[t.Name()]; ok {
		return s, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrapf(err, "tool %s has a malformed input schema", t.Name())
	}
	c := jsonschema.NewCompiler()
	url := t.Name() + ".input.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, errors.Wrapf(err, "add schema resource for %s", t.Name())
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, errors.Wrapf(err, "compile schema for %s", t.Name())
	}
	inv.schemas[t.Name()] = s
	return s, nil
}

func validateInput(s *jsonschema.Schema, input map[string]interface{}) error {
	// Round-trip through JSON so values have the types the validator expects
	body, err := json.Marshal(input)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return err
	}
	return s.Validate(doc)
}

// Execute resolves and runs a tool call. Tool errors never propagate; every
// outcome is reported as a Result.
func (inv *Invoker) Execute(ctx context.Context, threadID, toolName string, input map[string]interface{}) Result {
	log := inv.log.With(logger.FieldThreadID, threadID, logger.FieldTool, toolName)
	if input == nil {
		input = map[string]interface{}{}
	}

	tool, ok := inv.registry.Resolve(toolName)
	if !ok {
		log.Warnw("Tool not found")
		inv.metrics.ToolCall(toolName, "not_found", 0)
		return Failed("Tool not found: %s", toolName)
	}

	schema, err := inv.schema(tool)
	if err != nil {
		log.Errorw("Tool schema unusable", logger.FieldError, err)
		inv.metrics.ToolCall(toolName, "invalid", 0)
		return Failed("Invalid input for %s: %v", toolName, err)
	}
	if schema != nil {
		if err := validateInput(schema, input); err != nil {
			log.Infow("Tool input rejected by schema", logger.FieldError, err)
			inv.metrics.ToolCall(toolName, "invalid", 0)
			return Failed("Invalid input for %s: %v", toolName, err)
		}
	}

	if l := inv.limiter(toolName); l != nil {
		if err := l.Wait(ctx); err != nil {
			inv.metrics.ToolCall(toolName, "rate_limited", 0)
			return Failed("Rate limit wait for %s aborted: %v", toolName, err)
		}
	}

	cfg := inv.config()
	if RequiresApproval(tool.Risks()) && !cfg.TestMode {
		if !inv.awaitApproval(ctx, log, cfg, threadID, toolName, input) {
			inv.events.Emit(ctx, threadID, events.ToolCallDenied, events.Payload{
				"tool": toolName, "reason": "denied_or_timeout",
			})
			inv.metrics.ToolCall(toolName, "denied", 0)
			return Failed("Tool call denied or timed out")
		}
	}

	inv.events.Emit(ctx, threadID, events.ToolCallStarted, events.Payload{"tool": toolName})

	spanCtx, span := tracing.StartToolSpan(ctx, toolName, threadID)
	start := time.Now()
	result := inv.run(spanCtx, log, tool, Context{SessionID: threadID, WorkingDir: cfg.WorkingDir}, input, threadID)
	elapsed := time.Since(start)
	if result.Success {
		tracing.End(span, nil)
		inv.metrics.ToolCall(toolName, "success", elapsed)
	} else {
		tracing.End(span, errors.New(result.Error))
		inv.metrics.ToolCall(toolName, "failure", elapsed)
	}

	inv.events.Emit(ctx, threadID, events.ToolResult, events.Payload{
		"tool": toolName, "success": result.Success,
	})
	log.Infow("Tool call finished", "success", result.Success, logger.FieldDurationMS, elapsed.Milliseconds())
	return result
}

// awaitApproval returns true only for an explicit APPROVED decision
func (inv *Invoker) awaitApproval(ctx context.Context, log *zap.SugaredLogger, cfg Config, threadID, toolName string, input map[string]interface{}) bool {
	if inv.approvals == nil {
		log.Warnw("Approval required but no approval service is configured")
		return false
	}
	req, err := inv.approvals.Create(ctx, threadID, toolName, input)
	if err != nil {
		log.Errorw("Failed to create approval request", logger.FieldError, err)
		return false
	}
	inv.events.Emit(ctx, threadID, events.ApprovalRequested, events.Payload{
		"approvalId": req.ID, "tool": toolName,
	})

	status, err := inv.approvals.WaitForResponse(ctx, req.ID, cfg.ApprovalTimeout, cfg.ApprovalPoll)
	if err != nil {
		log.Infow("Approval not granted", logger.FieldApprovalID, req.ID, logger.FieldError, err)
		return false
	}
	if status != approval.StatusApproved {
		log.Infow("Approval denied", logger.FieldApprovalID, req.ID, logger.FieldStatus, status)
		return false
	}
	inv.events.Emit(ctx, threadID, events.ApprovalResponded, events.Payload{
		"approvalId": req.ID, "status": string(status),
	})
	return true
}

func (inv *Invoker) run(ctx context.Context, log *zap.SugaredLogger, tool Tool, tc Context, input map[string]interface{}, threadID string) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("Tool panicked", "panic", r)
			result = Failed("%s panicked: %v", tool.Name(), r)
		}
	}()

	stream := &eventStream{ctx: ctx, emitter: inv.events, threadID: threadID, tool: tool.Name(), log: log}
	out, err := tool.Execute(ctx, tc, input, stream)
	if err != nil {
		log.Infow("Tool returned an error", logger.FieldError, err)
		return Failed("%s", err.Error())
	}
	return Succeeded(out)
}

// eventStream turns streamed tool output into events
type eventStream struct {
	ctx      context.Context
	emitter  events.Emitter
	threadID string
	tool     string
	log      *zap.SugaredLogger
}

func (s *eventStream) StdoutDelta(text string) {
	s.emitter.Emit(s.ctx, s.threadID, events.ToolStdoutDelta, events.Payload{"tool": s.tool, "text": text})
}

func (s *eventStream) StderrDelta(text string) {
	s.emitter.Emit(s.ctx, s.threadID, events.ToolStderrDelta, events.Payload{"tool": s.tool, "text": text})
}

func (s *eventStream) Progress(percent int, message string) {
	s.emitter.Emit(s.ctx, s.threadID, events.ToolProgress, events.Payload{
		"tool": s.tool, "percent": percent, "message": message,
	})
}

func (s *eventStream) ArtifactCreated(kind, ref string) {
	s.log.Debugw("Tool created artifact", "kind", kind, "ref", ref)
}

// Describe renders the registered tools as a prompt section
func (inv *Invoker) Describe() string {
	var b bytes.Buffer
	for _, d := range inv.registry.Descriptors() {
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
	}
	return b.String()
}
