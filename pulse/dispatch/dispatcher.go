// Package dispatch claims due executions and runs each one as an agent
// session, recording the outcome in execution history.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/conductor/agent/session"
	"github.com/teranos/conductor/am"
	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/logger"
	"github.com/teranos/conductor/metrics"
	"github.com/teranos/conductor/pulse/execution"
	"github.com/teranos/conductor/pulse/lease"
	"github.com/teranos/conductor/tracing"
)

// Config holds dispatcher timings
type Config struct {
	PollInterval      time.Duration
	CompletionTimeout time.Duration // a session still running after this counts as FAILED
	CompletionPoll    time.Duration
	ClaimMode         string // am.ClaimModeOptimistic or am.ClaimModeConditional
	BatchSize         int    // due executions fetched per tick
	StopTimeout       time.Duration
}

// DefaultConfig returns 5s polling, a 300s completion timeout and optimistic claims
func DefaultConfig() Config {
	return Config{
		PollInterval:      5 * time.Second,
		CompletionTimeout: 300 * time.Second,
		CompletionPoll:    time.Second,
		ClaimMode:         am.ClaimModeOptimistic,
		BatchSize:         100,
		StopTimeout:       30 * time.Second,
	}
}

// ConfigFrom reads dispatcher timings from the scheduler config, keeping
// defaults for unset values
func ConfigFrom(c am.SchedulerConfig) Config {
	cfg := DefaultConfig()
	if d := c.PollInterval(); d > 0 {
		cfg.PollInterval = d
	}
	if d := c.CompletionTimeout(); d > 0 {
		cfg.CompletionTimeout = d
	}
	if d := c.CompletionPoll(); d > 0 {
		cfg.CompletionPoll = d
	}
	if c.ClaimMode != "" {
		cfg.ClaimMode = c.ClaimMode
	}
	return cfg
}

// SessionLauncher starts an agent session and reports on it
type SessionLauncher interface {
	Launch(ctx context.Context, metadata map[string]interface{}, seed string) (string, error)
	Status(ctx context.Context, sessionID string) (session.Status, error)
}

// HistoryWriter appends finished attempts
type HistoryWriter interface {
	Append(ctx context.Context, r *execution.Record) error
}

// Dispatcher polls for due executions and runs the ones it claims
type Dispatcher struct {
	store      execution.Store
	history    HistoryWriter
	leases     *lease.Manager
	launcher   SessionLauncher
	metrics    *metrics.Metrics
	cfg        Config
	instanceID string
	log        *zap.SugaredLogger
	now        func() time.Time

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
	runs      sync.WaitGroup
	mu        sync.Mutex
}

// New creates a dispatcher. m may be nil.
func New(store execution.Store, history HistoryWriter, leases *lease.Manager, launcher SessionLauncher, cfg Config, m *metrics.Metrics, log *zap.SugaredLogger) *Dispatcher {
	return NewWithContext(context.Background(), store, history, leases, launcher, cfg, m, log)
}

// NewWithContext creates a dispatcher whose loop and runs stop when ctx is cancelled
func NewWithContext(ctx context.Context, store execution.Store, history HistoryWriter, leases *lease.Manager, launcher SessionLauncher, cfg Config, m *metrics.Metrics, log *zap.SugaredLogger) *Dispatcher {
	if log == nil {
		log = logger.Logger
	}
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = def.CompletionTimeout
	}
	if cfg.CompletionPoll <= 0 {
		cfg.CompletionPoll = def.CompletionPoll
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.ClaimMode == "" {
		cfg.ClaimMode = def.ClaimMode
	}

	instanceID := uuid.NewString()[:8]
	runCtx, cancel := context.WithCancel(ctx)
	return &Dispatcher{
		store:      store,
		history:    history,
		leases:     leases,
		launcher:   launcher,
		metrics:    m,
		cfg:        cfg,
		instanceID: instanceID,
		log:        logger.AddPulseSymbol(log).With(logger.FieldInstanceID, instanceID),
		now:        time.Now,
		parentCtx:  ctx,
		ctx:        runCtx,
		cancel:     cancel,
	}
}

// InstanceID is the lock owner this dispatcher claims with
func (d *Dispatcher) InstanceID() string {
	return d.instanceID
}

// Start begins polling. Calling Start after Stop starts a fresh loop.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loopDone != nil {
		return
	}
	select {
	case <-d.ctx.Done():
		d.ctx, d.cancel = context.WithCancel(d.parentCtx)
	default:
	}
	d.loopDone = make(chan struct{})
	go d.loop(d.ctx, d.loopDone)

	d.log.Infow("Dispatcher started",
		"poll_interval", d.cfg.PollInterval,
		"claim_mode", d.cfg.ClaimMode)
}

// Stop cancels the poll loop and waits for in-flight runs, bounded by
// StopTimeout. Runs interrupted here keep their lease and are picked up by
// lease recovery.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.cancel()
	loopDone := d.loopDone
	d.loopDone = nil
	d.mu.Unlock()

	if loopDone != nil {
		<-loopDone
	}

	done := make(chan struct{})
	go func() {
		d.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.log.Infow("Dispatcher stopped")
	case <-time.After(d.cfg.StopTimeout):
		d.log.Warnw("Dispatcher stop timed out with runs still in flight", "timeout", d.cfg.StopTimeout)
	}
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				d.log.Errorw("Dispatch tick failed", logger.FieldError, err)
			}
		}
	}
}

// Tick runs one poll: recover stale leases, then claim and launch every due
// execution whose agent is under its concurrency cap. It returns the number
// of runs launched.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	if _, err := d.leases.Recover(ctx); err != nil {
		d.log.Warnw("Lease recovery failed", logger.FieldError, err)
	}

	due, err := d.store.FindDue(ctx, d.now(), d.cfg.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "failed to find due executions")
	}

	launched := 0
	// claims from this tick may still be PENDING, which the count misses
	started := make(map[string]int)
	for _, e := range due {
		if ctx.Err() != nil {
			return launched, ctx.Err()
		}
		running, err := d.store.CountByAgentAndStatus(ctx, e.AgentID, execution.StatusRunning)
		if err != nil {
			d.log.Warnw("Failed to count running executions",
				logger.FieldAgentID, e.AgentID, logger.FieldError, err)
			continue
		}
		if running+started[e.AgentID] >= maxConcurrent(e) {
			d.metrics.Claim("capped")
			d.log.Debugw("Agent at concurrency cap",
				logger.FieldExecutionID, e.ID,
				logger.FieldAgentID, e.AgentID,
				logger.FieldCount, running)
			continue
		}

		claimed, ok := d.Claim(ctx, e.ID)
		if !ok {
			continue
		}
		started[e.AgentID]++
		d.runs.Add(1)
		go d.run(ctx, claimed)
		launched++
	}
	return launched, nil
}

func maxConcurrent(e *execution.Execution) int {
	if e.MaxConcurrent > 0 {
		return e.MaxConcurrent
	}
	return execution.DefaultMaxConcurrent
}

// Claim moves a claimable execution to PENDING under this instance's lease.
// It returns the claimed execution, or false when the execution is gone, no
// longer claimable, or the write lost.
func (d *Dispatcher) Claim(ctx context.Context, id string) (*execution.Execution, bool) {
	if d.cfg.ClaimMode == am.ClaimModeConditional {
		return d.claimConditional(ctx, id)
	}
	return d.claimOptimistic(ctx, id)
}

func (d *Dispatcher) claimOptimistic(ctx context.Context, id string) (*execution.Execution, bool) {
	e, err := d.store.Get(ctx, id)
	if err != nil || !e.Status.Claimable() {
		d.metrics.Claim("lost")
		return nil, false
	}

	now := d.now()
	until := d.leases.LeaseUntil(now)
	e.Status = execution.StatusPending
	e.LockOwner = d.instanceID
	e.LockedAt = &now
	e.LeaseUntil = &until
	if err := d.store.Update(ctx, e); err != nil {
		d.metrics.Claim("lost")
		d.log.Debugw("Failed to claim execution", logger.FieldExecutionID, id, logger.FieldError, err)
		return nil, false
	}
	d.claimed(e)
	return e, true
}

func (d *Dispatcher) claimConditional(ctx context.Context, id string) (*execution.Execution, bool) {
	now := d.now()
	ok, err := d.store.ClaimConditional(ctx, id, d.instanceID, now, d.leases.LeaseUntil(now))
	if err != nil || !ok {
		d.metrics.Claim("lost")
		if err != nil {
			d.log.Debugw("Failed to claim execution", logger.FieldExecutionID, id, logger.FieldError, err)
		}
		return nil, false
	}
	e, err := d.store.Get(ctx, id)
	if err != nil {
		d.log.Warnw("Claimed execution vanished", logger.FieldExecutionID, id, logger.FieldError, err)
		return nil, false
	}
	d.claimed(e)
	return e, true
}

func (d *Dispatcher) claimed(e *execution.Execution) {
	d.metrics.Claim("won")
	d.log.Infow("Claimed execution",
		logger.FieldExecutionID, e.ID,
		logger.FieldAgentID, e.AgentID,
		logger.FieldAttempt, e.Attempt)
}

// outcome is what a run produced before history is written
type outcome struct {
	sessionID string
	status    session.Status
	err       error
}

func (d *Dispatcher) run(ctx context.Context, e *execution.Execution) {
	defer d.runs.Done()

	started := d.now()
	ctx, span := tracing.StartRunSpan(ctx, e.ID, e.AgentID, e.Attempt)
	d.metrics.RunStarted()
	log := d.log.With(logger.FieldExecutionID, e.ID, logger.FieldAgentID, e.AgentID)

	out := d.runSession(ctx, e)
	d.leases.StopHeartbeat(e.ID)

	if ctx.Err() != nil && !out.status.Terminal() {
		log.Infow("Run interrupted by shutdown, leaving execution to lease recovery",
			logger.FieldSessionID, out.sessionID)
		d.metrics.RunFinished(e.AgentID, "interrupted", d.now().Sub(started))
		tracing.End(span, ctx.Err())
		return
	}

	// History and retry bookkeeping outlive cancellation
	bg := context.WithoutCancel(ctx)
	result := d.finish(bg, log, e, started, out)
	d.metrics.RunFinished(e.AgentID, string(result), d.now().Sub(started))
	if result == execution.ResultSuccess {
		tracing.End(span, nil)
	} else if out.err != nil {
		tracing.End(span, out.err)
	} else {
		tracing.End(span, errors.Newf("session ended with status %s", out.status))
	}
}

// runSession marks the execution RUNNING, launches its session and waits
// for the session to end. Panics become errors.
func (d *Dispatcher) runSession(ctx context.Context, e *execution.Execution) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out.err = errors.Newf("execution panicked: %v", r)
		}
	}()

	e.Status = execution.StatusRunning
	if err := d.store.Update(ctx, e); err != nil {
		out.err = errors.Wrapf(err, "failed to mark execution %s running", e.ID)
		return out
	}
	d.leases.StartHeartbeat(e.ID)

	metadata := map[string]interface{}{
		session.MetaType:        session.TypeScheduledExecution,
		session.MetaExecutionID: e.ID,
		session.MetaAgentID:     e.AgentID,
	}
	if e.ProjectID != "" {
		metadata[session.MetaProjectID] = e.ProjectID
	}
	sessionID, err := d.launcher.Launch(ctx, metadata, SeedPrompt(e.AgentID, e.ProjectID))
	out.sessionID = sessionID
	if err != nil {
		out.err = errors.Wrap(err, "failed to launch session")
		return out
	}

	out.status, out.err = d.awaitSession(ctx, sessionID)
	return out
}

// awaitSession polls the session until it is COMPLETED or FAILED. Running
// past the completion timeout counts as FAILED.
func (d *Dispatcher) awaitSession(ctx context.Context, sessionID string) (session.Status, error) {
	deadline := time.NewTimer(d.cfg.CompletionTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.cfg.CompletionPoll)
	defer ticker.Stop()

	for {
		status, err := d.launcher.Status(ctx, sessionID)
		switch {
		case err != nil && ctx.Err() != nil:
			return "", ctx.Err()
		case err != nil && !errors.IsNotFoundError(err):
			return "", errors.Wrapf(err, "failed to read status of session %s", sessionID)
		case err == nil && status.Terminal():
			return status, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			d.log.Warnw("Session did not finish in time",
				logger.FieldSessionID, sessionID,
				"timeout", d.cfg.CompletionTimeout)
			return session.StatusFailed, nil
		case <-ticker.C:
		}
	}
}

// finish writes the history record and either deletes the execution or
// applies the failure policy
func (d *Dispatcher) finish(ctx context.Context, log *zap.SugaredLogger, e *execution.Execution, started time.Time, out outcome) execution.Result {
	ended := d.now()
	result := execution.ResultFail
	if out.err == nil && out.status == session.StatusCompleted {
		result = execution.ResultSuccess
	}

	rec := execution.NewRecord(e, started, ended, result)
	rec.SessionID = out.sessionID
	rec.Attempt = e.Attempt + 1
	switch {
	case out.err != nil:
		rec.ErrorCode = execution.ErrorCodeExecution
		rec.ErrorMessage = out.err.Error()
		log.Errorw("Execution failed", logger.FieldError, out.err)
	case result == execution.ResultFail:
		rec.ErrorMessage = fmt.Sprintf("Session ended with status: %s", out.status)
	}

	if result == execution.ResultSuccess {
		if err := d.store.Delete(ctx, e.ID); err != nil && !errors.IsNotFoundError(err) {
			log.Errorw("Failed to delete finished execution", logger.FieldError, err)
		}
	} else if _, err := d.leases.ApplyFailurePolicy(ctx, e); err != nil {
		log.Errorw("Failed to apply failure policy", logger.FieldError, err)
	}

	if err := d.history.Append(ctx, rec); err != nil {
		log.Errorw("Failed to record execution history", logger.FieldError, err)
	}
	log.Infow("Execution finished",
		logger.FieldStatus, result,
		logger.FieldSessionID, out.sessionID,
		logger.FieldDurationMS, rec.DurationMs)
	return result
}
