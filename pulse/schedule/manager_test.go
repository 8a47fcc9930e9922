package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/internal/util"
	"github.com/teranos/conductor/pulse/execution"
)

func newManager(t *testing.T, now time.Time) (*Manager, *plannerFixture) {
	f := newPlannerFixture(t, now, nil)
	return NewManager(f.schedules, f.planner, f.executions, nil), f
}

func TestManager_CreateDefaults(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC))

	sc, err := m.Create(ctx, &Schedule{AgentID: "a", Enabled: true, Type: TypeCron, CronExpr: "0 9 * * *"})
	require.NoError(t, err)
	assert.NotEmpty(t, sc.ID)
	assert.Equal(t, "UTC", sc.Timezone)
	assert.Equal(t, 1, sc.Version)

	got, err := m.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * *", got.CronExpr)
	assert.Empty(t, got.ProjectID)

	_, err = m.Create(ctx, &Schedule{AgentID: "a", Type: TypeCron, CronExpr: "nope"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.NotEmpty(t, errors.GetAllHints(err))
}

func TestManager_CreateImmediate(t *testing.T) {
	ctx := context.Background()
	m, f := newManager(t, time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC))

	sc, err := m.Create(ctx, &Schedule{AgentID: "resource-agent", Enabled: true, Type: TypeImmediate})
	require.NoError(t, err)

	execs, err := f.executions.FindBySchedule(ctx, sc.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.True(t, execs[0].Immediate)
	assert.Equal(t, execution.ImmediatePriority, execs[0].Priority)
}

func TestManager_UpdateBumpsVersion(t *testing.T) {
	ctx := context.Background()
	m, f := newManager(t, time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC))

	sc, err := m.Create(ctx, &Schedule{AgentID: "a", Enabled: true, Type: TypeInterval, IntervalMinutes: 30})
	require.NoError(t, err)
	_, err = f.planner.Reconcile(ctx)
	require.NoError(t, err)

	updated, err := m.Update(ctx, sc.ID, Patch{IntervalMinutes: util.Ptr(120), Enabled: util.Ptr(false)})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, 120, updated.IntervalMinutes)
	assert.True(t, updated.UpdatedAt.After(f.planner.Watermark()))

	changed, err := f.schedules.ChangedSince(ctx, f.planner.Watermark())
	require.NoError(t, err)
	assert.Len(t, changed, 1, "the planner sees the change on its next pass")

	_, err = m.Update(ctx, sc.ID, Patch{IntervalMinutes: util.Ptr(0)})
	assert.Error(t, err)

	_, err = m.Update(ctx, "missing", Patch{})
	assert.True(t, errors.IsNotFoundError(err))
}

func TestManager_DeleteCancelsIdleExecutions(t *testing.T) {
	ctx := context.Background()
	m, f := newManager(t, time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC))

	sc, err := m.Create(ctx, &Schedule{AgentID: "a", Enabled: true, Type: TypeFixedTimes, TimesOfDay: []string{"09:00", "10:00", "11:00"}})
	require.NoError(t, err)
	_, err = f.planner.Reconcile(ctx)
	require.NoError(t, err)

	execs, err := f.executions.FindBySchedule(ctx, sc.ID)
	require.NoError(t, err)
	require.Len(t, execs, 3)
	execs[0].Status = execution.StatusRunning
	require.NoError(t, f.executions.Update(ctx, execs[0]))
	execs[1].Status = execution.StatusPending
	require.NoError(t, f.executions.Update(ctx, execs[1]))

	require.NoError(t, m.Delete(ctx, sc.ID))

	after, err := f.executions.FindBySchedule(ctx, sc.ID)
	require.NoError(t, err)
	got := map[string]execution.Status{}
	for _, e := range after {
		got[e.ID] = e.Status
	}
	assert.Equal(t, execution.StatusRunning, got[execs[0].ID])
	assert.Equal(t, execution.StatusCancelled, got[execs[1].ID])
	assert.Equal(t, execution.StatusCancelled, got[execs[2].ID])

	_, err = m.Get(ctx, sc.ID)
	assert.True(t, errors.IsNotFoundError(err))
	assert.True(t, errors.IsNotFoundError(m.Delete(ctx, sc.ID)))
}

func TestManager_ListAndNextRuns(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC))

	a, err := m.Create(ctx, &Schedule{AgentID: "a", Enabled: true, Type: TypeFixedTimes, TimesOfDay: []string{"09:00"}})
	require.NoError(t, err)
	_, err = m.Create(ctx, &Schedule{AgentID: "b", Enabled: false, Type: TypeInterval, IntervalMinutes: 15})
	require.NoError(t, err)

	all, err := m.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	enabled, err := m.List(ctx, Filter{Enabled: util.Ptr(true)})
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "a", enabled[0].AgentID)

	byAgent, err := m.List(ctx, Filter{AgentID: "b"})
	require.NoError(t, err)
	assert.Len(t, byAgent, 1)

	runs, err := m.NextRuns(ctx, a.ID, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC), runs[0])
	assert.Equal(t, time.Date(2026, 4, 11, 9, 0, 0, 0, time.UTC), runs[1])
}
