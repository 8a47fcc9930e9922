package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/conductor/pulse/execution"
)

func TestPlannerTicker_DayBoundaryRebuild(t *testing.T) {
	ctx := context.Background()
	f := newPlannerFixture(t, time.Date(2026, 4, 9, 23, 0, 0, 0, time.UTC), nil)
	f.addSchedule(t, &Schedule{AgentID: "a", Enabled: true, Type: TypeFixedTimes, TimesOfDay: []string{"23:30"}})

	ticker := NewPlannerTicker(f.planner, TickerConfig{Interval: time.Hour}, nil)
	ticker.tick(f.clock)

	execs, err := f.executions.List(ctx, execution.Filter{})
	require.NoError(t, err)
	require.Len(t, execs, 1, "first tick plans the remaining slot")
	assert.Equal(t, "2026-04-09", execs[0].DateKey)

	// Same day: no rebuild
	f.clock = f.clock.Add(10 * time.Minute)
	ticker.tick(f.clock)
	execs, err = f.executions.List(ctx, execution.Filter{})
	require.NoError(t, err)
	assert.Len(t, execs, 1)

	// Crossing midnight clears yesterday's READY row and plans today
	f.clock = time.Date(2026, 4, 10, 0, 1, 0, 0, time.UTC)
	ticker.tick(f.clock)
	execs, err = f.executions.List(ctx, execution.Filter{})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "2026-04-10", execs[0].DateKey)

	stats := ticker.GetStats()
	assert.Equal(t, int64(3), stats["ticks_since_start"])
}

func TestPlannerTicker_StartStop(t *testing.T) {
	f := newPlannerFixture(t, time.Date(2026, 4, 9, 8, 0, 0, 0, time.UTC), nil)
	f.addSchedule(t, &Schedule{AgentID: "a", Enabled: true, Type: TypeFixedTimes, TimesOfDay: []string{"09:00"}})

	ticker := NewPlannerTicker(f.planner, TickerConfig{Interval: time.Hour}, nil)
	ticker.Start()

	require.Eventually(t, func() bool {
		return !f.planner.Watermark().IsZero()
	}, 2*time.Second, 10*time.Millisecond)
	ticker.Stop()

	n, err := f.executions.CountByAgentAndStatus(context.Background(), "a", execution.StatusReady)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
