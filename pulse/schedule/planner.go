package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/logger"
	"github.com/teranos/conductor/metrics"
	"github.com/teranos/conductor/pulse/execution"
)

// rebuildStatuses are removed from the previous day on a day-boundary rebuild
var rebuildStatuses = []execution.Status{
	execution.StatusReady,
	execution.StatusCancelled,
	execution.StatusSkipped,
	execution.StatusFailedRetryable,
}

// Planner materializes idempotent, claimable executions from schedules
type Planner struct {
	schedules  *Store
	executions execution.Store
	compiler   *Compiler
	metrics    *metrics.Metrics
	pulseLog   *zap.SugaredLogger
	now        func() time.Time

	mu        sync.Mutex
	watermark time.Time
}

// NewPlanner creates a planner. A nil logger uses the global logger.
func NewPlanner(schedules *Store, executions execution.Store, log *zap.SugaredLogger) *Planner {
	if log == nil {
		log = logger.Logger
	}
	return &Planner{
		schedules:  schedules,
		executions: executions,
		compiler:   NewCompiler(log),
		pulseLog:   logger.AddPulseSymbol(log),
		now:        time.Now,
	}
}

// WithMetrics makes the planner count the executions it creates
func (p *Planner) WithMetrics(m *metrics.Metrics) *Planner {
	p.metrics = m
	return p
}

// Compiler returns the planner's schedule compiler
func (p *Planner) Compiler() *Compiler {
	return p.compiler
}

// Watermark returns the start of the last reconciliation pass
func (p *Planner) Watermark() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermark
}

// Reconcile plans every schedule changed since the last pass. Disabled
// schedules have their idle executions cancelled. Returns the number of
// executions created.
func (p *Planner) Reconcile(ctx context.Context) (int, error) {
	passStart := p.now()

	p.mu.Lock()
	since := p.watermark
	p.mu.Unlock()

	changed, err := p.schedules.ChangedSince(ctx, since)
	if err != nil {
		return 0, errors.Wrap(err, "failed to load changed schedules")
	}

	created := 0
	for _, sc := range changed {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		if !sc.Enabled {
			if _, err := p.cancelStale(ctx, sc); err != nil {
				p.pulseLog.Warnw("Failed to cancel executions of disabled schedule",
					logger.FieldScheduleID, sc.ID,
					logger.FieldError, err)
			}
			continue
		}
		n, err := p.GenerateFutureExecutions(ctx, sc)
		if err != nil {
			p.pulseLog.Warnw("Failed to plan schedule",
				logger.FieldScheduleID, sc.ID,
				logger.FieldAgentID, sc.AgentID,
				logger.FieldError, err)
			continue
		}
		created += n
	}

	p.mu.Lock()
	p.watermark = passStart
	p.mu.Unlock()

	if len(changed) > 0 {
		p.pulseLog.Debugw("Reconciled schedules", "changed", len(changed), "created", created)
	}
	return created, nil
}

// GenerateFutureExecutions creates READY executions for today's remaining
// slots of sc. Slots already planned or already past are skipped.
func (p *Planner) GenerateFutureExecutions(ctx context.Context, sc *Schedule) (int, error) {
	now := p.now()
	loc := sc.Location(p.pulseLog)
	today := now.In(loc)
	dateKey := today.Format(execution.DateKeyLayout)
	policy := sc.Policy.Resolved()

	created := 0
	for _, slot := range p.compiler.Compile(sc, today) {
		at := slot.On(today, loc)
		if at.Before(now) {
			continue
		}

		key := execution.IdempotencyKey(dateKey, sc.AgentID, sc.ProjectID, at)
		exists, err := p.executions.ExistsByIdempotencyKey(ctx, key)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}

		e := &execution.Execution{
			ID:                         uuid.NewString(),
			IdempotencyKey:             key,
			DateKey:                    dateKey,
			AgentID:                    sc.AgentID,
			ProjectID:                  sc.ProjectID,
			ScheduledAt:                at,
			Timezone:                   loc.String(),
			PlannedHour:                slot.Hour,
			PlannedMinute:              slot.Minute,
			Status:                     execution.StatusReady,
			Priority:                   policy.Priority,
			MaxAttempts:                policy.MaxAttempts,
			RetryBackoffMs:             policy.RetryBackoffMs,
			MaxConcurrent:              policy.MaxConcurrent,
			ScheduleID:                 sc.ID,
			CreatedFromScheduleVersion: sc.Version,
		}
		if err := p.executions.Create(ctx, e); err != nil {
			// Another planner won the slot
			if errors.IsConflictError(err) {
				continue
			}
			return created, err
		}
		created++
	}

	p.metrics.ExecutionsPlanned(created)
	if created > 0 {
		p.pulseLog.Infow("Created future executions",
			logger.FieldScheduleID, sc.ID,
			logger.FieldAgentID, sc.AgentID,
			"date_key", dateKey,
			logger.FieldCount, created)
	}
	return created, nil
}

// CreateImmediateExecution creates an on-demand execution due now
func (p *Planner) CreateImmediateExecution(ctx context.Context, agentID, projectID string) (*execution.Execution, error) {
	return p.createImmediate(ctx, agentID, projectID, nil)
}

func (p *Planner) createImmediate(ctx context.Context, agentID, projectID string, sc *Schedule) (*execution.Execution, error) {
	if agentID == "" {
		return nil, errors.NewInvalidRequestError("agent id is required")
	}
	now := p.now().UTC()
	dateKey := now.Format(execution.DateKeyLayout)

	e := &execution.Execution{
		ID:             uuid.NewString(),
		IdempotencyKey: execution.ImmediateKey(dateKey, agentID, projectID, now),
		DateKey:        dateKey,
		AgentID:        agentID,
		ProjectID:      projectID,
		ScheduledAt:    now,
		Timezone:       "UTC",
		PlannedHour:    execution.ImmediatePlannedHour,
		Immediate:      true,
		Status:         execution.StatusReady,
		Priority:       execution.ImmediatePriority,
		MaxAttempts:    execution.ImmediateMaxAttempts,
		RetryBackoffMs: execution.DefaultRetryBackoffMs,
		MaxConcurrent:  execution.DefaultMaxConcurrent,
	}
	if sc != nil {
		e.ScheduleID = sc.ID
		e.CreatedFromScheduleVersion = sc.Version
		policy := sc.Policy.Resolved()
		e.MaxConcurrent = policy.MaxConcurrent
		e.RetryBackoffMs = policy.RetryBackoffMs
	}

	if err := p.executions.Create(ctx, e); err != nil {
		return nil, errors.Wrapf(err, "failed to create immediate execution for %s", agentID)
	}
	p.pulseLog.Infow("Created immediate execution",
		logger.FieldExecutionID, e.ID,
		logger.FieldAgentID, agentID,
		logger.FieldProjectID, projectID)
	return e, nil
}

// RebuildDay clears yesterday's idle executions in tz and plans today for
// every enabled schedule in tz.
func (p *Planner) RebuildDay(ctx context.Context, tz string) (int, error) {
	probe := &Schedule{Timezone: tz}
	loc := probe.Location(p.pulseLog)
	yesterday := p.now().In(loc).AddDate(0, 0, -1).Format(execution.DateKeyLayout)

	deleted, err := p.executions.DeleteByDate(ctx, yesterday, loc.String(), rebuildStatuses...)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to clear %s", yesterday)
	}

	schedules, err := p.schedules.ListEnabledInTimezone(ctx, tz)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to list schedules in %s", tz)
	}

	created := 0
	for _, sc := range schedules {
		n, err := p.GenerateFutureExecutions(ctx, sc)
		if err != nil {
			p.pulseLog.Warnw("Failed to plan schedule during rebuild",
				logger.FieldScheduleID, sc.ID,
				logger.FieldError, err)
			continue
		}
		created += n
	}

	p.pulseLog.Infow("Midnight rebuild complete",
		"timezone", tz,
		"cleared_date", yesterday,
		"deleted", deleted,
		"created", created)
	return created, nil
}

// cancelStale cancels every execution of sc that is not RUNNING or PENDING
func (p *Planner) cancelStale(ctx context.Context, sc *Schedule) (int, error) {
	execs, err := p.executions.FindBySchedule(ctx, sc.ID)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, e := range execs {
		if e.Status.InFlight() || e.Status == execution.StatusCancelled {
			continue
		}
		e.Status = execution.StatusCancelled
		e.ClearLock()
		if err := p.executions.Update(ctx, e); err != nil {
			return cancelled, err
		}
		cancelled++
	}
	if cancelled > 0 {
		p.pulseLog.Infow("Cancelled stale executions",
			logger.FieldScheduleID, sc.ID,
			logger.FieldCount, cancelled)
	}
	return cancelled, nil
}
