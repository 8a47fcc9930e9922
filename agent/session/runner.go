package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/conductor/agent"
	"github.com/teranos/conductor/agent/checkpoint"
	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/events"
	"github.com/teranos/conductor/logger"
)

// Orchestrator runs one pass of the agent graph
type Orchestrator interface {
	Run(ctx context.Context, state *agent.State) (*agent.State, error)
}

// CheckpointLoader finds the checkpoint a run resumes from
type CheckpointLoader interface {
	Latest(ctx context.Context, threadID string) (*checkpoint.Checkpoint, error)
}

// RunnerOptions carries the runner's collaborators
type RunnerOptions struct {
	Store        *Store
	Locks        *Locks
	Checkpoints  CheckpointLoader // optional
	Orchestrator Orchestrator
	Roster       *agent.Roster
	Events       events.Emitter
	LockRenew    time.Duration
}

// Runner executes the agent loop for sessions, one goroutine per session
type Runner struct {
	store       *Store
	locks       *Locks
	checkpoints CheckpointLoader
	orch        Orchestrator
	roster      *agent.Roster
	events      events.Emitter
	renewEvery  time.Duration
	log         *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewRunner creates a runner. Loops started later run under a context
// that Shutdown cancels.
func NewRunner(opts RunnerOptions, log *zap.SugaredLogger) *Runner {
	if log == nil {
		log = logger.Logger
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.Roster == nil {
		opts.Roster = &agent.Roster{}
	}
	if opts.LockRenew <= 0 {
		opts.LockRenew = DefaultLockRenew
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:       opts.Store,
		locks:       opts.Locks,
		checkpoints: opts.Checkpoints,
		orch:        opts.Orchestrator,
		roster:      opts.Roster,
		events:      opts.Events,
		renewEvery:  opts.LockRenew,
		log:         logger.AddAgentSymbol(log),
		ctx:         ctx,
		cancel:      cancel,
		running:     make(map[string]context.CancelFunc),
	}
}

// StartAsync launches the agent loop for sessionID unless one is already
// running in this process
func (r *Runner) StartAsync(sessionID string) {
	r.mu.Lock()
	if _, ok := r.running[sessionID]; ok {
		r.mu.Unlock()
		r.log.Warnw("Agent loop already running", logger.FieldSessionID, sessionID)
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.running[sessionID] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.running, sessionID)
			r.mu.Unlock()
			cancel()
		}()
		r.run(ctx, sessionID)
	}()
}

// Running reports whether a loop for sessionID is in progress
func (r *Runner) Running(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[sessionID]
	return ok
}

// Stop cancels the loop for sessionID, if any
func (r *Runner) Stop(sessionID string) {
	r.mu.Lock()
	cancel, ok := r.running[sessionID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Shutdown cancels every loop and waits for them, bounded by timeout
func (r *Runner) Shutdown(timeout time.Duration) {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		r.log.Warnw("Agent loops did not stop in time", "timeout", timeout)
	}
}

// Send appends a user message to a session and starts its loop
func (r *Runner) Send(ctx context.Context, sessionID, content string) (*Message, error) {
	if _, err := r.store.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	msg, err := r.store.AppendMessage(ctx, sessionID, agent.Message{Role: agent.RoleUser, Content: content})
	if err != nil {
		return nil, err
	}
	r.events.Emit(ctx, sessionID, events.UserMessageReceived, events.Payload{"messageId": msg.ID, "seq": msg.Seq})
	r.StartAsync(sessionID)
	return msg, nil
}

func (r *Runner) run(ctx context.Context, sessionID string) {
	log := r.log.With(logger.FieldSessionID, sessionID)

	owner, err := r.locks.TryAcquire(ctx, sessionID)
	if err != nil {
		log.Errorw("Cannot acquire lock for session", logger.FieldError, err)
		r.fail(context.WithoutCancel(ctx), sessionID, err.Error())
		return
	}
	if owner == "" {
		// The holder drives the session to a terminal status
		log.Warnw("Session is locked by another runner")
		return
	}
	// Status writes and the release must happen even after cancellation
	bg := context.WithoutCancel(ctx)

	renewCtx, stopRenew := context.WithCancel(ctx)
	go r.renewLock(renewCtx, log, sessionID, owner)
	defer func() {
		stopRenew()
		if err := r.locks.Release(bg, sessionID, owner); err != nil {
			log.Warnw("Failed to release session lock", logger.FieldError, err)
		}
	}()

	defer func() {
		if rec := recover(); rec != nil {
			log.Errorw("Agent loop panicked", "panic", rec)
			r.fail(bg, sessionID, fmt.Sprintf("agent loop panicked: %v", rec))
		}
	}()

	if err := r.execute(ctx, bg, sessionID); err != nil {
		log.Errorw("Agent loop error", logger.FieldError, err)
		r.fail(bg, sessionID, err.Error())
	}
}

func (r *Runner) execute(ctx, bg context.Context, sessionID string) error {
	sess, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := r.setStatus(ctx, sessionID, StatusRunning); err != nil {
		return err
	}

	state := r.initialState(ctx, sess)
	stored, err := r.store.Messages(ctx, sessionID)
	if err != nil {
		return err
	}
	// Stored messages mirror the state's user and assistant turns in
	// order; the ones past that prefix were added after the checkpoint
	for _, m := range stored[min(persistedCount(state), len(stored)):] {
		state = state.WithFullMessage(m.AgentMessage())
	}
	if id := sess.MetaString(MetaAgentID); id != "" {
		if _, ok := r.roster.Specialist(id); ok {
			state = state.WithForcedAgent(id)
		}
	}

	loaded := state.Len()
	final, runErr := r.orch.Run(ctx, state)
	if final != nil {
		if err := r.persistNew(bg, sessionID, final, loaded); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	return r.setStatus(bg, sessionID, StatusCompleted)
}

// initialState resumes from the latest checkpoint when there is one, or
// starts an empty state
func (r *Runner) initialState(ctx context.Context, sess *Session) *agent.State {
	fresh := agent.NewState(sess.ID, sess.MetaString(MetaProjectID))
	if r.checkpoints == nil {
		return fresh
	}
	cp, err := r.checkpoints.Latest(ctx, sess.ID)
	if err != nil {
		if !errors.IsNotFoundError(err) {
			r.log.Warnw("Failed to load checkpoint, starting fresh", logger.FieldSessionID, sess.ID, logger.FieldError, err)
		}
		return fresh
	}
	state, err := checkpoint.Decode([]byte(cp.State))
	if err != nil {
		r.log.Warnw("Checkpoint is unreadable, starting fresh",
			logger.FieldSessionID, sess.ID, logger.FieldStep, cp.StepNo, logger.FieldError, err)
		return fresh
	}
	r.log.Infow("Resuming from checkpoint", logger.FieldSessionID, sess.ID, logger.FieldStep, cp.StepNo)
	return state.WithStep(state.StepNo() + 1)
}

// persistedCount is how many of state's messages have a stored row
func persistedCount(state *agent.State) int {
	n := 0
	for _, m := range state.Messages() {
		if persisted(m) {
			n++
		}
	}
	return n
}

// persisted reports whether persistNew stores m. System prompts and tool
// results stay internal; tool activity is visible through events.
func persisted(m agent.Message) bool {
	return m.Role != agent.RoleSystem && m.Role != agent.RoleTool
}

// persistNew stores messages added by the run
func (r *Runner) persistNew(ctx context.Context, sessionID string, final *agent.State, loaded int) error {
	msgs := final.Messages()
	saved := 0
	for _, m := range msgs[min(loaded, len(msgs)):] {
		if !persisted(m) {
			continue
		}
		if m.Role == agent.RoleAssistant && m.AgentID == "" {
			m.AgentID = final.CurrentAgentID()
		}
		if _, err := r.store.AppendMessage(ctx, sessionID, m); err != nil {
			return errors.Wrap(err, "failed to persist run output")
		}
		saved++
	}
	r.log.Infow("Persisted new messages", logger.FieldSessionID, sessionID, logger.FieldCount, saved)
	return nil
}

func (r *Runner) setStatus(ctx context.Context, sessionID string, status Status) error {
	if err := r.store.SetStatus(ctx, sessionID, status); err != nil {
		return err
	}
	r.events.Emit(ctx, sessionID, events.SessionStatusChanged, events.Payload{"status": string(status)})
	return nil
}

func (r *Runner) fail(ctx context.Context, sessionID, message string) {
	if err := r.setStatus(ctx, sessionID, StatusFailed); err != nil {
		r.log.Errorw("Failed to mark session failed", logger.FieldSessionID, sessionID, logger.FieldError, err)
	}
	r.events.Emit(ctx, sessionID, events.Error, events.Payload{"message": message})
}

func (r *Runner) renewLock(ctx context.Context, log *zap.SugaredLogger, sessionID, owner string) {
	ticker := time.NewTicker(r.renewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.locks.Renew(ctx, sessionID, owner)
			if err != nil {
				log.Warnw("Failed to renew session lock", logger.FieldError, err)
			} else if !ok {
				log.Warnw("Session lock lost")
			}
		}
	}
}

// Launcher creates sessions and starts their loops
type Launcher struct {
	store  *Store
	runner *Runner
}

// NewLauncher creates a launcher over store and runner
func NewLauncher(store *Store, runner *Runner) *Launcher {
	return &Launcher{store: store, runner: runner}
}

// Launch creates a session with metadata, seeds its first user message and
// starts the loop. It returns the session id.
func (l *Launcher) Launch(ctx context.Context, metadata map[string]interface{}, seed string) (string, error) {
	sess, err := l.store.Create(ctx, metadata)
	if err != nil {
		return "", err
	}
	if _, err := l.store.AppendMessage(ctx, sess.ID, agent.Message{Role: agent.RoleUser, Content: seed}); err != nil {
		return sess.ID, err
	}
	l.runner.StartAsync(sess.ID)
	return sess.ID, nil
}

// Status returns a session's current status
func (l *Launcher) Status(ctx context.Context, sessionID string) (Status, error) {
	sess, err := l.store.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return sess.Status, nil
}
