// Package lease renews the leases of in-flight executions and recovers
// leases whose owner went silent.
package lease

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/conductor/am"
	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/logger"
	"github.com/teranos/conductor/metrics"
	"github.com/teranos/conductor/pulse/execution"
)

// Config holds lease timings
type Config struct {
	Lease     time.Duration // stamped on claim and each heartbeat
	Grace     time.Duration // slack past leaseUntil before recovery
	Heartbeat time.Duration // renewal interval
}

// DefaultConfig returns 90s lease, 30s grace, 30s heartbeat
func DefaultConfig() Config {
	return Config{Lease: 90 * time.Second, Grace: 30 * time.Second, Heartbeat: 30 * time.Second}
}

// ConfigFrom reads lease timings from the scheduler config
func ConfigFrom(c am.SchedulerConfig) Config {
	return Config{Lease: c.Lease(), Grace: c.Grace(), Heartbeat: c.Heartbeat()}
}

// Manager owns heartbeat goroutines keyed by execution id
type Manager struct {
	store    execution.Store
	cfg      Config
	metrics  *metrics.Metrics
	pulseLog *zap.SugaredLogger
	now      func() time.Time

	mu    sync.Mutex
	beats map[string]*heartbeat
	wg    sync.WaitGroup
}

type heartbeat struct {
	cancel context.CancelFunc
}

// NewManager creates a lease manager. m may be nil.
func NewManager(store execution.Store, cfg Config, m *metrics.Metrics, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = logger.Logger
	}
	return &Manager{
		store:    store,
		cfg:      cfg,
		metrics:  m,
		pulseLog: logger.AddPulseSymbol(log),
		now:      time.Now,
		beats:    make(map[string]*heartbeat),
	}
}

// LeaseUntil returns the lease deadline for a claim or renewal at now
func (m *Manager) LeaseUntil(now time.Time) time.Time {
	return now.Add(m.cfg.Lease)
}

// StartHeartbeat renews the execution's lease every heartbeat interval
// until stopped or until the execution disappears. Starting twice is a no-op.
func (m *Manager) StartHeartbeat(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.beats[executionID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &heartbeat{cancel: cancel}
	m.beats[executionID] = h
	m.wg.Add(1)
	go m.beat(ctx, executionID, h)
}

func (m *Manager) beat(ctx context.Context, executionID string, h *heartbeat) {
	defer m.wg.Done()
	defer m.release(executionID, h)

	ticker := time.NewTicker(m.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := m.store.RenewLease(ctx, executionID, m.LeaseUntil(m.now()))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.metrics.HeartbeatFailure()
				m.pulseLog.Warnw("Lease heartbeat failed",
					logger.FieldExecutionID, executionID,
					logger.FieldError, err)
				continue
			}
			if !ok {
				m.pulseLog.Debugw("Execution gone, stopping heartbeat", logger.FieldExecutionID, executionID)
				return
			}
		}
	}
}

// release drops h if it is still the registered heartbeat for executionID
func (m *Manager) release(executionID string, h *heartbeat) {
	h.cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beats[executionID] == h {
		delete(m.beats, executionID)
	}
}

// StopHeartbeat cancels the execution's heartbeat
func (m *Manager) StopHeartbeat(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.beats[executionID]; ok {
		h.cancel()
		delete(m.beats, executionID)
	}
}

// Active returns the number of running heartbeats
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.beats)
}

// Shutdown cancels every heartbeat and waits for the goroutines to exit
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for id, h := range m.beats {
		h.cancel()
		delete(m.beats, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Recover returns stale in-flight executions to the queue. A lease is stale
// once leaseUntil is more than grace in the past. Executions that already
// failed once come back as FAILED_RETRYABLE, others as READY.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	now := m.now()
	stale, err := m.store.FindStaleLeases(ctx, now.Add(-m.cfg.Grace))
	if err != nil {
		return 0, errors.Wrap(err, "failed to find stale leases")
	}

	recovered := 0
	for _, e := range stale {
		prevOwner := e.LockOwner
		prevStatus := e.Status
		if e.Attempt > 0 {
			e.Status = execution.StatusFailedRetryable
		} else {
			e.Status = execution.StatusReady
		}
		e.ClearLock()
		if err := m.store.Update(ctx, e); err != nil {
			m.pulseLog.Warnw("Failed to recover stale lease",
				logger.FieldExecutionID, e.ID,
				logger.FieldError, err)
			continue
		}
		recovered++
		m.pulseLog.Infow("Recovered stale lease",
			logger.FieldExecutionID, e.ID,
			logger.FieldAgentID, e.AgentID,
			"previous_owner", prevOwner,
			"previous_status", prevStatus,
			logger.FieldStatus, e.Status,
			logger.FieldAttempt, e.Attempt)
	}
	m.metrics.LeasesRecovered(recovered)
	return recovered, nil
}

// ApplyFailurePolicy reschedules a failed execution with backoff while
// attempts remain, otherwise cancels it. Returns true when queued for retry.
func (m *Manager) ApplyFailurePolicy(ctx context.Context, e *execution.Execution) (bool, error) {
	now := m.now()
	if e.Attempt+1 < e.MaxAttempts {
		e.Status = execution.StatusFailedRetryable
		e.Attempt++
		e.ScheduledAt = now.Add(time.Duration(e.RetryBackoffMs) * time.Millisecond)
		e.ClearLock()
		if err := m.store.Update(ctx, e); err != nil {
			return false, errors.Wrapf(err, "failed to queue execution %s for retry", e.ID)
		}
		m.metrics.Retry()
		m.pulseLog.Infow("Execution queued for retry",
			logger.FieldExecutionID, e.ID,
			logger.FieldAgentID, e.AgentID,
			logger.FieldAttempt, e.Attempt,
			"max_attempts", e.MaxAttempts,
			logger.FieldScheduledAt, e.ScheduledAt)
		return true, nil
	}

	e.Status = execution.StatusCancelled
	e.ClearLock()
	if err := m.store.Update(ctx, e); err != nil {
		return false, errors.Wrapf(err, "failed to cancel execution %s", e.ID)
	}
	m.metrics.Exhausted()
	m.pulseLog.Warnw("Execution exhausted retries",
		logger.FieldExecutionID, e.ID,
		logger.FieldAgentID, e.AgentID,
		logger.FieldAttempt, e.Attempt,
		"max_attempts", e.MaxAttempts)
	return false, nil
}
