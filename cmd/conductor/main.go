package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/conductor/am"
	"github.com/teranos/conductor/cmd/conductor/commands"
	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/logger"
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "conductor - scheduled multi-agent runs",
	Long: `conductor - Scheduled multi-agent orchestration.

conductor materializes agent schedules into executions, claims them under
leases and runs each one as a controller/specialist/checker agent session
with approval-gated tools.

Available commands:
  am        - Manage conductor configuration ("I am")
  daemon    - Run the planner, dispatcher and reminder loops
  schedule  - Manage agent schedules
  exec      - Inspect, trigger and cancel executions
  history   - Show finished execution attempts
  session   - Run and inspect agent sessions
  approval  - Review tool approval requests
  events    - Read session event logs
  db        - Manage the database

Examples:
  conductor am show
  conductor schedule add --agent checklist-agent --type CRON --cron "0 9 * * *"
  conductor daemon
  conductor exec trigger checklist-agent`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs := false
		// Config errors surface in the command itself; logging still starts
		if cfg, err := am.Load(); err == nil {
			jsonLogs = cfg.Log.JSON
			if cfg.Log.Verbosity > verbosity {
				verbosity = cfg.Log.Verbosity
			}
		}
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.ApprovalCmd)
	rootCmd.AddCommand(commands.DaemonCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.EventsCmd)
	rootCmd.AddCommand(commands.ExecCmd)
	rootCmd.AddCommand(commands.HistoryCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.SessionCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errors.FormatForCLI(err))
		os.Exit(1)
	}
}
