package commands

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/conductor/agent"
	"github.com/teranos/conductor/agent/checkpoint"
	"github.com/teranos/conductor/agent/orchestrator"
	"github.com/teranos/conductor/agent/reminder"
	"github.com/teranos/conductor/agent/session"
	"github.com/teranos/conductor/ai/llm"
	"github.com/teranos/conductor/ai/provider"
	"github.com/teranos/conductor/am"
	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/events"
	"github.com/teranos/conductor/logger"
	"github.com/teranos/conductor/metrics"
	"github.com/teranos/conductor/pulse/execution"
	"github.com/teranos/conductor/pulse/lease"
	"github.com/teranos/conductor/pulse/schedule"
	"github.com/teranos/conductor/tools"
	"github.com/teranos/conductor/tools/approval"
	"github.com/teranos/conductor/tools/builtin"
)

const runnerShutdownTimeout = 30 * time.Second

// runtime is every service a command may need, wired over one database
type runtime struct {
	cfg     *am.Config
	db      *sql.DB
	metrics *metrics.Metrics
	log     *zap.SugaredLogger

	events      *events.Service
	approvals   *approval.Service
	invoker     *tools.Invoker
	llm         llm.Service
	roster      *agent.Roster
	checkpoints *checkpoint.Store
	reminders   *reminder.Service
	sessions    *session.Store
	runner      *session.Runner
	launcher    *session.Launcher

	executions *execution.SQLStore
	history    *execution.HistoryStore
	leases     *lease.Manager
	schedules  *schedule.Store
	planner    *schedule.Planner
	manager    *schedule.Manager
}

func newRuntime(cfg *am.Config, database *sql.DB) (*runtime, error) {
	log := logger.Logger
	m := metrics.New()

	roster, err := agent.LoadRoster(cfg.Orchestrator.AgentsFile)
	if err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "failed to load agent roster"),
			"check orchestrator.agents_file or leave it empty for the built-in roster")
	}

	rt := &runtime{
		cfg:         cfg,
		db:          database,
		metrics:     m,
		log:         log,
		events:      events.NewService(database, log),
		approvals:   approval.NewService(database, m, log),
		roster:      roster,
		checkpoints: checkpoint.NewStore(database, log),
		sessions:    session.NewStore(database),
		executions:  execution.NewSQLStore(database),
		history:     execution.NewHistoryStore(database),
		schedules:   schedule.NewStore(database),
	}

	if cfg.LLM.Enabled {
		rt.llm = provider.NewClient(cfg.LLM, m, log)
	} else {
		rt.llm = llm.Unavailable{}
	}

	registry := tools.NewRegistry()
	builtin.Register(registry, cfg.Tools.ShellTimeout())
	rt.invoker = tools.NewInvoker(registry, rt.approvals, rt.events, tools.ConfigFrom(cfg.Tools), m, log)
	rt.reminders = reminder.NewService(database, rt.events, log)

	orch := orchestrator.New(orchestrator.Options{
		LLM:         rt.llm,
		Roster:      roster,
		Tools:       rt.invoker,
		Checkpoints: rt.checkpoints,
		Events:      rt.events,
		Reminders:   rt.reminders,
	}, orchestrator.ConfigFrom(cfg.Orchestrator), log)

	rt.runner = session.NewRunner(session.RunnerOptions{
		Store:        rt.sessions,
		Locks:        session.NewLocks(database, 0),
		Checkpoints:  rt.checkpoints,
		Orchestrator: orch,
		Roster:       roster,
		Events:       rt.events,
	}, log)
	rt.launcher = session.NewLauncher(rt.sessions, rt.runner)

	rt.leases = lease.NewManager(rt.executions, lease.ConfigFrom(cfg.Scheduler), m, log)
	rt.planner = schedule.NewPlanner(rt.schedules, rt.executions, log).WithMetrics(m)
	rt.manager = schedule.NewManager(rt.schedules, rt.planner, rt.executions, log)
	return rt, nil
}

// openRuntime loads config, opens the database and wires the runtime
func openRuntime() (*runtime, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase("")
	if err != nil {
		return nil, err
	}
	rt, err := newRuntime(cfg, database)
	if err != nil {
		database.Close()
		return nil, err
	}
	return rt, nil
}

// Close stops agent loops and heartbeats, then closes the database
func (rt *runtime) Close() {
	rt.runner.Shutdown(runnerShutdownTimeout)
	rt.leases.Shutdown()
	rt.db.Close()
}
