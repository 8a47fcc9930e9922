package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/conductor/logger"
	"github.com/teranos/conductor/pulse/execution"
)

// TickerConfig contains configuration for the planner ticker
type TickerConfig struct {
	Interval time.Duration // How often to reconcile schedules (default: 60 seconds)
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval: 60 * time.Second,
	}
}

// PlannerTicker keeps a rolling window of executions materialized.
// Each tick reconciles changed schedules and rebuilds the day once per
// timezone when its calendar date changes.
type PlannerTicker struct {
	planner  *Planner
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pulseLog *zap.SugaredLogger

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	dateKeys        map[string]string // timezone -> last seen date key
}

// NewPlannerTicker creates a planner ticker
func NewPlannerTicker(planner *Planner, cfg TickerConfig, log *zap.SugaredLogger) *PlannerTicker {
	return NewPlannerTickerWithContext(context.Background(), planner, cfg, log)
}

// NewPlannerTickerWithContext creates a planner ticker with a parent context
func NewPlannerTickerWithContext(ctx context.Context, planner *Planner, cfg TickerConfig, log *zap.SugaredLogger) *PlannerTicker {
	if log == nil {
		log = logger.Logger
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	return &PlannerTicker{
		planner:  planner,
		interval: cfg.Interval,
		ctx:      tickerCtx,
		cancel:   cancel,
		pulseLog: logger.AddPulseSymbol(log),
		dateKeys: make(map[string]string),
	}
}

// Start begins the ticker loop. The first pass runs immediately.
func (t *PlannerTicker) Start() {
	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Planner ticker started", "interval", t.interval)
}

// Stop gracefully stops the ticker
func (t *PlannerTicker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Planner ticker stopped")
}

func (t *PlannerTicker) run() {
	defer t.wg.Done()

	t.tick(t.planner.now())

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.tick(t.planner.now())
		}
	}
}

func (t *PlannerTicker) tick(now time.Time) {
	t.mu.Lock()
	t.lastTickAt = now
	t.ticksSinceStart++
	ticks := t.ticksSinceStart
	t.mu.Unlock()

	if _, err := t.planner.Reconcile(t.ctx); err != nil {
		t.pulseLog.Warnw("Planner tick error", logger.FieldError, err, "tick", ticks)
	}
	t.checkDayBoundary(now)
}

// checkDayBoundary rebuilds each timezone whose date changed since the
// previous observation. The first observation only records the date.
func (t *PlannerTicker) checkDayBoundary(now time.Time) {
	timezones, err := t.planner.schedules.EnabledTimezones(t.ctx)
	if err != nil {
		t.pulseLog.Warnw("Failed to list schedule timezones", logger.FieldError, err)
		return
	}

	for _, tz := range timezones {
		probe := &Schedule{Timezone: tz}
		dateKey := now.In(probe.Location(nil)).Format(execution.DateKeyLayout)

		t.mu.Lock()
		prev, seen := t.dateKeys[tz]
		t.dateKeys[tz] = dateKey
		t.mu.Unlock()

		if !seen || prev == dateKey {
			continue
		}
		if _, err := t.planner.RebuildDay(t.ctx, tz); err != nil {
			t.pulseLog.Errorw("Day rebuild failed", "timezone", tz, logger.FieldError, err)
		}
	}
}

// GetStats returns ticker statistics
func (t *PlannerTicker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"interval":          t.interval,
		"watermark":         t.planner.Watermark(),
	}
}
