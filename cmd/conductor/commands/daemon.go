package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/conductor/am"
	"github.com/teranos/conductor/logger"
	"github.com/teranos/conductor/pulse/dispatch"
	"github.com/teranos/conductor/pulse/schedule"
	"github.com/teranos/conductor/sym"
	"github.com/teranos/conductor/tools"
)

const reminderInterval = 60 * time.Second

// DaemonCmd runs the planner, dispatcher and reminder loops in the foreground
var DaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: sym.Pulse + " Run the scheduler daemon",
	Long: sym.Pulse + ` Run the conductor daemon in the foreground.

The daemon:
- Materializes executions from enabled schedules (planner)
- Claims due executions and runs each as an agent session (dispatcher)
- Renews leases of running executions and recovers stale ones
- Fires due reminders
- Serves Prometheus metrics when metrics.enabled is set
- Hot-reloads tool rate limits and test mode from am.toml

Stops gracefully on Ctrl+C; interrupted runs are recovered by lease expiry.`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.cfg

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatchCfg := dispatch.ConfigFrom(cfg.Scheduler)
	dispatcher := dispatch.NewWithContext(ctx, rt.executions, rt.history, rt.leases, rt.launcher,
		dispatchCfg, rt.metrics, rt.log)
	tickerCfg := schedule.TickerConfig{Interval: cfg.Scheduler.PlannerInterval()}
	ticker := schedule.NewPlannerTickerWithContext(ctx, rt.planner, tickerCfg, rt.log)

	fmt.Printf("%s Starting conductor daemon...\n", sym.PulseOpen)
	ticker.Start()
	dispatcher.Start()
	go rt.reminders.Run(ctx, reminderInterval)

	if cfg.Metrics.Enabled {
		go func() {
			if err := rt.metrics.Serve(ctx, cfg.Metrics.Address, rt.log); err != nil {
				rt.log.Errorw("Metrics endpoint failed", logger.FieldError, err)
			}
		}()
	}

	watcher := startConfigWatcher(rt)

	fmt.Printf("%s Conductor daemon started\n", sym.Pulse)
	fmt.Printf("  Instance:         %s\n", dispatcher.InstanceID())
	fmt.Printf("  Database:         %s\n", cfg.Database.Path)
	fmt.Printf("  Poll interval:    %v\n", dispatchCfg.PollInterval)
	fmt.Printf("  Planner interval: %v\n", tickerCfg.Interval)
	fmt.Printf("  Claim mode:       %s\n", dispatchCfg.ClaimMode)
	fmt.Printf("  LLM:              %s\n", llmSummary(cfg))
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics:          http://%s/metrics\n", cfg.Metrics.Address)
	}
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Printf("\n%s Shutting down...\n", sym.PulseClose)

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			rt.log.Warnw("Failed to stop config watcher", logger.FieldError, err)
		}
	}
	ticker.Stop()
	dispatcher.Stop()
	cancel()

	fmt.Printf("%s Conductor daemon stopped\n", sym.PulseClose)
	return nil
}

// startConfigWatcher re-applies tool settings when a config file changes.
// It returns nil when there is nothing to watch.
func startConfigWatcher(rt *runtime) *am.ConfigWatcher {
	files := am.ConfigFiles()
	if len(files) == 0 {
		return nil
	}
	watcher, err := am.NewConfigWatcher(files, rt.log)
	if err != nil {
		rt.log.Warnw("Config hot reload disabled", logger.FieldError, err)
		return nil
	}
	watcher.OnReload(func(cfg *am.Config) error {
		rt.invoker.Apply(tools.ConfigFrom(cfg.Tools))
		rt.log.Infow("Applied reloaded tool settings",
			"test_mode", cfg.Tools.TestMode,
			"rate_per_second", cfg.Tools.RatePerSecond)
		return nil
	})
	watcher.Start()
	return watcher
}

func llmSummary(cfg *am.Config) string {
	if !cfg.LLM.Enabled {
		return "disabled"
	}
	return fmt.Sprintf("%s at %s", cfg.LLM.Model, cfg.LLM.BaseURL)
}
