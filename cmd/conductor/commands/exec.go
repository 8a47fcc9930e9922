package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/pulse/execution"
	"github.com/teranos/conductor/sym"
)

// ExecCmd inspects and controls materialized executions
var ExecCmd = &cobra.Command{
	Use:   "exec",
	Short: sym.Pulse + " Inspect and control executions",
	Long: sym.Pulse + ` Inspect and control pending executions.

Examples:
  conductor exec ls --status READY,FAILED_RETRYABLE
  conductor exec trigger checklist-agent --project apollo
  conductor exec cancel <execution-id>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var execLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List pending executions",
	RunE:  runExecLs,
}

var execTriggerCmd = &cobra.Command{
	Use:   "trigger <agent-id>",
	Short: "Queue an immediate execution for an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecTrigger,
}

var execCancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Cancel an execution that is not running",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecCancel,
}

func init() {
	execLsCmd.Flags().String("agent", "", "Only executions of this agent")
	execLsCmd.Flags().StringSlice("status", nil, "Only these statuses")
	execLsCmd.Flags().Int("limit", 50, "Maximum rows")

	execTriggerCmd.Flags().String("project", "", "Project id (default GLOBAL)")

	ExecCmd.AddCommand(execLsCmd)
	ExecCmd.AddCommand(execTriggerCmd)
	ExecCmd.AddCommand(execCancelCmd)
}

func runExecLs(cmd *cobra.Command, args []string) error {
	agentID, _ := cmd.Flags().GetString("agent")
	statusNames, _ := cmd.Flags().GetStringSlice("status")
	limit, _ := cmd.Flags().GetInt("limit")

	filter := execution.Filter{AgentID: agentID, Limit: limit}
	for _, name := range statusNames {
		s, ok := execution.ParseStatus(name)
		if !ok {
			return errors.NewInvalidRequestError("unknown execution status %q", name)
		}
		filter.Statuses = append(filter.Statuses, s)
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	execs, err := rt.executions.List(context.Background(), filter)
	if err != nil {
		return err
	}
	if len(execs) == 0 {
		fmt.Printf("%s No executions found\n", sym.Pulse)
		return nil
	}

	rows := make([][]string, 0, len(execs))
	for _, e := range execs {
		rows = append(rows, []string{
			e.ID,
			e.AgentID,
			e.Scope(),
			formatTime(e.ScheduledAt),
			string(e.Status),
			strconv.Itoa(e.Priority),
			fmt.Sprintf("%d/%d", e.Attempt, e.MaxAttempts),
			orDash(e.LockOwner),
			formatTimePtr(e.LeaseUntil),
		})
	}
	if err := renderTable([]string{"ID", "AGENT", "SCOPE", "SCHEDULED", "STATUS", "PRIO", "ATTEMPT", "OWNER", "LEASE"}, rows); err != nil {
		return err
	}
	fmt.Printf("\nTotal: %d execution(s)\n", len(execs))
	return nil
}

func runExecTrigger(cmd *cobra.Command, args []string) error {
	projectID, _ := cmd.Flags().GetString("project")

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, ok := rt.roster.Get(args[0]); !ok {
		pterm.Warning.Printf("Agent %s is not in the roster; the run will use the orchestrator\n", args[0])
	}

	e, err := rt.planner.CreateImmediateExecution(context.Background(), args[0], projectID)
	if err != nil {
		return errors.Wrap(err, "failed to queue immediate execution")
	}
	pterm.Success.Printf("Queued execution %s for %s (%s)\n", e.ID, e.AgentID, e.Scope())
	pterm.Info.Println("A running daemon will pick it up on its next poll")
	return nil
}

func runExecCancel(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx := context.Background()

	e, err := rt.executions.Get(ctx, args[0])
	if err != nil {
		return err
	}
	switch {
	case e.Status.InFlight():
		return errors.NewConflictError("execution %s is %s; it cannot be cancelled while a dispatcher holds it", e.ID, e.Status)
	case e.Status == execution.StatusCancelled || e.Status == execution.StatusSkipped:
		pterm.Info.Printf("Execution %s is already %s\n", e.ID, e.Status)
		return nil
	}

	e.Status = execution.StatusCancelled
	e.ClearLock()
	if err := rt.executions.Update(ctx, e); err != nil {
		return errors.Wrap(err, "failed to cancel execution")
	}
	pterm.Success.Printf("Cancelled execution %s\n", e.ID)
	return nil
}
