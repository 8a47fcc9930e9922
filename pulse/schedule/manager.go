package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/conductor/am"
	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/logger"
	"github.com/teranos/conductor/pulse/execution"
)

// Patch is a partial schedule update; nil fields are left unchanged
type Patch struct {
	Enabled         *bool
	Timezone        *string
	Type            *Type
	CronExpr        *string
	TimesOfDay      []string
	IntervalMinutes *int
	ProjectID       *string
	Policy          *ExecutorPolicy
}

// Manager is the schedule management surface used by the CLI
type Manager struct {
	store      *Store
	planner    *Planner
	executions execution.Store
	pulseLog   *zap.SugaredLogger
}

// NewManager wires schedule CRUD to the planner
func NewManager(store *Store, planner *Planner, executions execution.Store, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = logger.Logger
	}
	return &Manager{store: store, planner: planner, executions: executions, pulseLog: logger.AddPulseSymbol(log)}
}

// Create stores a new schedule. IMMEDIATE schedules also get an execution due now.
func (m *Manager) Create(ctx context.Context, sc *Schedule) (*Schedule, error) {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.Timezone == "" {
		sc.Timezone = am.DefaultTimezone
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	now := m.planner.now()
	sc.Version = 1
	sc.CreatedAt = now
	sc.UpdatedAt = now

	if err := m.store.Create(ctx, sc); err != nil {
		return nil, err
	}
	m.pulseLog.Infow("Schedule created",
		logger.FieldScheduleID, sc.ID,
		logger.FieldAgentID, sc.AgentID,
		"type", sc.Type,
		"enabled", sc.Enabled)

	if sc.Type == TypeImmediate && sc.Enabled {
		if _, err := m.planner.createImmediate(ctx, sc.AgentID, sc.ProjectID, sc); err != nil {
			return sc, err
		}
	}
	return sc, nil
}

// Update applies patch, bumping version and updatedAt. The planner picks the
// change up on its next pass.
func (m *Manager) Update(ctx context.Context, id string, patch Patch) (*Schedule, error) {
	sc, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Enabled != nil {
		sc.Enabled = *patch.Enabled
	}
	if patch.Timezone != nil {
		sc.Timezone = *patch.Timezone
	}
	if patch.Type != nil {
		sc.Type = *patch.Type
	}
	if patch.CronExpr != nil {
		sc.CronExpr = *patch.CronExpr
	}
	if patch.TimesOfDay != nil {
		sc.TimesOfDay = patch.TimesOfDay
	}
	if patch.IntervalMinutes != nil {
		sc.IntervalMinutes = *patch.IntervalMinutes
	}
	if patch.ProjectID != nil {
		sc.ProjectID = *patch.ProjectID
	}
	if patch.Policy != nil {
		sc.Policy = patch.Policy
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	sc.Version++
	sc.UpdatedAt = m.planner.now()
	// updated_at must move past the watermark even within one millisecond
	if w := m.planner.Watermark(); !sc.UpdatedAt.After(w) {
		sc.UpdatedAt = w.Add(time.Millisecond)
	}
	if err := m.store.Update(ctx, sc); err != nil {
		return nil, err
	}
	m.pulseLog.Infow("Schedule updated",
		logger.FieldScheduleID, sc.ID,
		"version", sc.Version,
		"enabled", sc.Enabled)
	return sc, nil
}

// Delete cancels every execution of the schedule that is not RUNNING, then
// removes the schedule.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if _, err := m.store.Get(ctx, id); err != nil {
		return err
	}

	execs, err := m.executions.FindBySchedule(ctx, id)
	if err != nil {
		return err
	}
	for _, e := range execs {
		if e.Status == execution.StatusRunning || e.Status == execution.StatusCancelled {
			continue
		}
		e.Status = execution.StatusCancelled
		e.ClearLock()
		if err := m.executions.Update(ctx, e); err != nil {
			return errors.Wrapf(err, "failed to cancel execution %s", e.ID)
		}
	}

	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.pulseLog.Infow("Schedule deleted", logger.FieldScheduleID, id)
	return nil
}

// Get returns a schedule by id
func (m *Manager) Get(ctx context.Context, id string) (*Schedule, error) {
	return m.store.Get(ctx, id)
}

// List returns schedules by agent, by enabled flag, or all
func (m *Manager) List(ctx context.Context, filter Filter) ([]*Schedule, error) {
	return m.store.List(ctx, filter)
}

// NextRuns previews the next n fire instants of schedule id
func (m *Manager) NextRuns(ctx context.Context, id string, n int) ([]time.Time, error) {
	sc, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.planner.compiler.NextRuns(sc, m.planner.now(), n), nil
}
