package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/conductor/agent/session"
	"github.com/teranos/conductor/am"
	"github.com/teranos/conductor/errors"
	conductortest "github.com/teranos/conductor/internal/testing"
	"github.com/teranos/conductor/metrics"
	"github.com/teranos/conductor/pulse/execution"
	"github.com/teranos/conductor/pulse/lease"
)

type launch struct {
	metadata map[string]interface{}
	seed     string
}

// fakeLauncher hands out session ids and replays statuses; the last status repeats
type fakeLauncher struct {
	mu        sync.Mutex
	statuses  []session.Status
	launchErr error
	panics    bool
	launches  []launch
	polls     int
}

func (f *fakeLauncher) Launch(ctx context.Context, metadata map[string]interface{}, seed string) (string, error) {
	if f.panics {
		panic("launcher exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches = append(f.launches, launch{metadata: metadata, seed: seed})
	if f.launchErr != nil {
		return "", f.launchErr
	}
	return fmt.Sprintf("session-%d", len(f.launches)), nil
}

func (f *fakeLauncher) Status(ctx context.Context, sessionID string) (session.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return session.StatusRunning, nil
	}
	s := f.statuses[min(f.polls, len(f.statuses)-1)]
	f.polls++
	return s, nil
}

func (f *fakeLauncher) launched() []launch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]launch(nil), f.launches...)
}

type harness struct {
	store    *execution.SQLStore
	history  *execution.HistoryStore
	leases   *lease.Manager
	launcher *fakeLauncher
	d        *Dispatcher
}

func newHarness(t *testing.T, launcher *fakeLauncher, mutate func(*Config)) *harness {
	t.Helper()
	conn := conductortest.CreateTestDB(t)
	h := &harness{
		store:    execution.NewSQLStore(conn),
		history:  execution.NewHistoryStore(conn),
		launcher: launcher,
	}
	h.leases = lease.NewManager(h.store, lease.DefaultConfig(), nil, zap.NewNop().Sugar())
	cfg := Config{CompletionPoll: 5 * time.Millisecond, CompletionTimeout: 2 * time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	h.d = New(h.store, h.history, h.leases, launcher, cfg, metrics.New(), zap.NewNop().Sugar())
	t.Cleanup(h.leases.Shutdown)
	return h
}

func (h *harness) createExecution(t *testing.T, mutate func(*execution.Execution)) *execution.Execution {
	t.Helper()
	now := time.Now()
	e := &execution.Execution{
		ID:             uuid.NewString(),
		IdempotencyKey: uuid.NewString(),
		DateKey:        now.UTC().Format(execution.DateKeyLayout),
		AgentID:        "checklist-agent",
		ScheduledAt:    now.Add(-time.Minute),
		Timezone:       "UTC",
		Status:         execution.StatusReady,
		Priority:       5,
		MaxAttempts:    3,
		RetryBackoffMs: 60_000,
		MaxConcurrent:  1,
	}
	if mutate != nil {
		mutate(e)
	}
	require.NoError(t, h.store.Create(context.Background(), e))
	return e
}

// tick runs one poll and waits for the runs it launched
func (h *harness) tick(t *testing.T) int {
	t.Helper()
	n, err := h.d.Tick(context.Background())
	require.NoError(t, err)
	h.d.runs.Wait()
	return n
}

func (h *harness) historyFor(t *testing.T, executionID string) []*execution.Record {
	t.Helper()
	recs, err := h.history.List(context.Background(), execution.HistoryFilter{ExecutionID: executionID})
	require.NoError(t, err)
	return recs
}

func TestRunCompletedSessionDeletesExecution(t *testing.T) {
	ctx := context.Background()
	l := &fakeLauncher{statuses: []session.Status{session.StatusRunning, session.StatusCompleted}}
	h := newHarness(t, l, nil)
	e := h.createExecution(t, func(e *execution.Execution) { e.ProjectID = "apollo" })

	assert.Equal(t, 1, h.tick(t))

	launches := l.launched()
	require.Len(t, launches, 1)
	assert.Equal(t, map[string]interface{}{
		session.MetaType:        session.TypeScheduledExecution,
		session.MetaExecutionID: e.ID,
		session.MetaAgentID:     "checklist-agent",
		session.MetaProjectID:   "apollo",
	}, launches[0].metadata)
	assert.Equal(t, "Run scheduled checklist review for project apollo. Read checklists and report on progress for any open items.", launches[0].seed)

	_, err := h.store.Get(ctx, e.ID)
	assert.True(t, errors.IsNotFoundError(err), "successful execution is deleted")

	recs := h.historyFor(t, e.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, execution.ResultSuccess, recs[0].ResultStatus)
	assert.Equal(t, "session-1", recs[0].SessionID)
	assert.Equal(t, 1, recs[0].Attempt)
	assert.Empty(t, recs[0].ErrorMessage)
	assert.Zero(t, h.leases.Active(), "heartbeat stopped")
}

func TestRunFailedSessionQueuesRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeLauncher{statuses: []session.Status{session.StatusFailed}}, nil)
	e := h.createExecution(t, nil)

	before := time.Now()
	h.tick(t)

	got, err := h.store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailedRetryable, got.Status)
	assert.Equal(t, 1, got.Attempt)
	assert.Empty(t, got.LockOwner)
	assert.Nil(t, got.LeaseUntil)
	assert.True(t, got.ScheduledAt.After(before.Add(50*time.Second)), "rescheduled after backoff")

	recs := h.historyFor(t, e.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, execution.ResultFail, recs[0].ResultStatus)
	assert.Equal(t, "Session ended with status: FAILED", recs[0].ErrorMessage)
	assert.Empty(t, recs[0].ErrorCode)
}

func TestRunLastAttemptCancels(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeLauncher{statuses: []session.Status{session.StatusFailed}}, nil)
	e := h.createExecution(t, func(e *execution.Execution) {
		e.Status = execution.StatusFailedRetryable
		e.Attempt = 2
	})

	h.tick(t)

	got, err := h.store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCancelled, got.Status)
	recs := h.historyFor(t, e.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, 3, recs[0].Attempt)
}

func TestRunErrorsRecordExecutionError(t *testing.T) {
	tests := []struct {
		name     string
		launcher *fakeLauncher
		message  string
	}{
		{"launch error", &fakeLauncher{launchErr: errors.New("store offline")}, "store offline"},
		{"panic", &fakeLauncher{panics: true}, "launcher exploded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, tt.launcher, nil)
			e := h.createExecution(t, nil)

			h.tick(t)

			recs := h.historyFor(t, e.ID)
			require.Len(t, recs, 1)
			assert.Equal(t, execution.ResultFail, recs[0].ResultStatus)
			assert.Equal(t, execution.ErrorCodeExecution, recs[0].ErrorCode)
			assert.Contains(t, recs[0].ErrorMessage, tt.message)

			got, err := h.store.Get(ctx, e.ID)
			require.NoError(t, err)
			assert.Equal(t, execution.StatusFailedRetryable, got.Status)
			assert.Zero(t, h.leases.Active())
		})
	}
}

func TestRunTimeoutCountsAsFailed(t *testing.T) {
	h := newHarness(t, &fakeLauncher{}, func(c *Config) { c.CompletionTimeout = 30 * time.Millisecond })
	e := h.createExecution(t, nil)

	h.tick(t)

	recs := h.historyFor(t, e.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, "Session ended with status: FAILED", recs[0].ErrorMessage)
}

func TestTickRespectsConcurrencyCap(t *testing.T) {
	h := newHarness(t, &fakeLauncher{statuses: []session.Status{session.StatusCompleted}}, nil)
	future := time.Now().Add(time.Hour)
	h.createExecution(t, func(e *execution.Execution) {
		e.Status = execution.StatusRunning
		e.LockOwner = "other001"
		e.LeaseUntil = &future
	})
	waiting := h.createExecution(t, nil)

	assert.Equal(t, 0, h.tick(t), "agent already at its cap")
	got, err := h.store.Get(context.Background(), waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusReady, got.Status, "capped item is left untouched")

	other := h.createExecution(t, func(e *execution.Execution) { e.AgentID = "reconcile-agent" })
	assert.Equal(t, 1, h.tick(t), "other agents are not capped")
	assert.Empty(t, h.historyFor(t, waiting.ID))
	assert.Len(t, h.historyFor(t, other.ID), 1)
}

func TestTickCapsWithinOneTick(t *testing.T) {
	l := &fakeLauncher{statuses: []session.Status{session.StatusCompleted}}
	h := newHarness(t, l, nil)
	h.createExecution(t, nil)
	h.createExecution(t, nil)
	h.createExecution(t, func(e *execution.Execution) { e.AgentID = "resource-agent"; e.MaxConcurrent = 2 })
	h.createExecution(t, func(e *execution.Execution) { e.AgentID = "resource-agent"; e.MaxConcurrent = 2 })

	assert.Equal(t, 3, h.tick(t))
	assert.Equal(t, 1, h.tick(t), "the capped execution runs on a later tick")
	assert.Len(t, l.launched(), 4)
}

func TestNotDueYetIsIgnored(t *testing.T) {
	h := newHarness(t, &fakeLauncher{}, nil)
	h.createExecution(t, func(e *execution.Execution) { e.ScheduledAt = time.Now().Add(time.Hour) })
	assert.Equal(t, 0, h.tick(t))
}

func TestClaim(t *testing.T) {
	for _, mode := range []string{am.ClaimModeOptimistic, am.ClaimModeConditional} {
		t.Run(mode, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, &fakeLauncher{}, func(c *Config) { c.ClaimMode = mode })
			rival := New(h.store, h.history, h.leases, h.launcher, Config{ClaimMode: mode}, nil, zap.NewNop().Sugar())
			require.NotEqual(t, h.d.InstanceID(), rival.InstanceID())
			assert.Len(t, h.d.InstanceID(), 8)

			e := h.createExecution(t, nil)
			claimed, ok := h.d.Claim(ctx, e.ID)
			require.True(t, ok)
			assert.Equal(t, execution.StatusPending, claimed.Status)
			assert.Equal(t, h.d.InstanceID(), claimed.LockOwner)
			require.NotNil(t, claimed.LeaseUntil)
			assert.WithinDuration(t, time.Now().Add(90*time.Second), *claimed.LeaseUntil, 5*time.Second)

			_, ok = rival.Claim(ctx, e.ID)
			assert.False(t, ok, "second claimer loses")
			got, err := h.store.Get(ctx, e.ID)
			require.NoError(t, err)
			assert.Equal(t, h.d.InstanceID(), got.LockOwner, "loser does not overwrite the lock")

			cancelled := h.createExecution(t, func(e *execution.Execution) { e.Status = execution.StatusCancelled })
			_, ok = h.d.Claim(ctx, cancelled.ID)
			assert.False(t, ok)
			got, err = h.store.Get(ctx, cancelled.ID)
			require.NoError(t, err)
			assert.Equal(t, execution.StatusCancelled, got.Status)

			_, ok = h.d.Claim(ctx, "missing")
			assert.False(t, ok)
		})
	}
}

func TestTickRecoversStaleLeases(t *testing.T) {
	ctx := context.Background()
	l := &fakeLauncher{statuses: []session.Status{session.StatusCompleted}}
	h := newHarness(t, l, nil)
	stale := time.Now().Add(-5 * time.Minute)
	e := h.createExecution(t, func(e *execution.Execution) {
		e.Status = execution.StatusRunning
		e.LockOwner = "dead0001"
		e.LeaseUntil = &stale
	})

	assert.Equal(t, 1, h.tick(t), "recovered execution is claimed in the same tick")
	_, err := h.store.Get(ctx, e.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestShutdownLeavesRunToLeaseRecovery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, &fakeLauncher{}, func(c *Config) { c.CompletionTimeout = time.Hour })
	e := h.createExecution(t, nil)

	n, err := h.d.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Eventually(t, func() bool { return len(h.launcher.launched()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	h.d.runs.Wait()

	got, err := h.store.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusRunning, got.Status)
	assert.Equal(t, h.d.InstanceID(), got.LockOwner)
	assert.Empty(t, h.historyFor(t, e.ID))
	assert.Zero(t, h.leases.Active())
}

func TestStartStop(t *testing.T) {
	l := &fakeLauncher{statuses: []session.Status{session.StatusCompleted}}
	h := newHarness(t, l, func(c *Config) { c.PollInterval = 10 * time.Millisecond })
	e := h.createExecution(t, nil)

	h.d.Start()
	h.d.Start()
	require.Eventually(t, func() bool { return len(h.historyFor(t, e.ID)) == 1 }, 2*time.Second, 10*time.Millisecond)
	h.d.Stop()

	second := h.createExecution(t, nil)
	h.d.Start()
	require.Eventually(t, func() bool { return len(h.historyFor(t, second.ID)) == 1 }, 2*time.Second, 10*time.Millisecond)
	h.d.Stop()
}

func TestSeedPrompt(t *testing.T) {
	tests := []struct {
		agent, project, want string
	}{
		{"objective-agent", "", "Run scheduled objective analysis. Call compute_coverage to analyze tickets and objectives, then summarize findings."},
		{"reconcile-agent", "p1", "Run scheduled reconciliation for project p1. Read tickets, objectives, and phases, then cross-reference and create a delta pack for any discrepancies found."},
		{"resource-agent", "", "Run scheduled resource analysis. Read resources and tickets, compute capacity report, and flag any overloaded team members."},
		{"coder", "p2", "Run your scheduled task for project p2. Use available tools to analyze project data and report findings."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SeedPrompt(tt.agent, tt.project), tt.agent)
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(am.SchedulerConfig{PollIntervalSeconds: 2, ClaimMode: am.ClaimModeConditional})
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, am.ClaimModeConditional, cfg.ClaimMode)
	assert.Equal(t, 300*time.Second, cfg.CompletionTimeout)
	assert.Equal(t, 30*time.Second, cfg.StopTimeout)
}
