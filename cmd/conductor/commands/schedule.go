package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/pulse/schedule"
	"github.com/teranos/conductor/sym"
)

// ScheduleCmd manages agent schedules
var ScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: sym.Pulse + " Manage agent schedules",
	Long: sym.Pulse + ` Manage recurring agent schedules.

Schedule types:
  FIXED_TIMES  run at listed times of day (--times 09:00,17:30)
  INTERVAL     run every N minutes from midnight (--interval 30)
  CRON         run on a cron expression (--cron "0 9 * * 1-5")
  IMMEDIATE    run once, as soon as possible

Examples:
  conductor schedule add --agent checklist-agent --type FIXED_TIMES --times 09:00,17:00 --tz Europe/Amsterdam
  conductor schedule add --agent reconcile-agent --type CRON --cron "*/15 * * * *" --project apollo
  conductor schedule ls
  conductor schedule next <id> --count 5
  conductor schedule update <id> --disable
  conductor schedule rm <id>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a schedule",
	RunE:  runScheduleAdd,
}

var scheduleLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List schedules",
	RunE:  runScheduleLs,
}

var scheduleUpdateCmd = &cobra.Command{
	Use:   "update <schedule-id>",
	Short: "Change a schedule; only the given flags are applied",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleUpdate,
}

var scheduleRmCmd = &cobra.Command{
	Use:   "rm <schedule-id>",
	Short: "Delete a schedule and cancel its pending executions",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRm,
}

var scheduleNextCmd = &cobra.Command{
	Use:   "next <schedule-id>",
	Short: "Preview the next fire times of a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleNext,
}

func init() {
	for _, c := range []*cobra.Command{scheduleAddCmd, scheduleUpdateCmd} {
		c.Flags().String("type", "", "FIXED_TIMES, INTERVAL, CRON or IMMEDIATE")
		c.Flags().String("cron", "", "Cron expression (CRON)")
		c.Flags().StringSlice("times", nil, "Times of day HH:MM (FIXED_TIMES)")
		c.Flags().Int("interval", 0, "Interval in minutes (INTERVAL)")
		c.Flags().String("tz", "", "IANA timezone (default UTC)")
		c.Flags().String("project", "", "Project id (default GLOBAL)")
		c.Flags().Int("max-concurrent", 0, "Concurrent runs per agent")
		c.Flags().Int("priority", 0, "Dispatch priority, higher runs first")
		c.Flags().Int("max-attempts", 0, "Attempts before an execution is cancelled")
		c.Flags().Int64("backoff-ms", 0, "Delay before a retry in milliseconds")
	}
	scheduleAddCmd.Flags().String("agent", "", "Agent id to run (required)")
	scheduleAddCmd.Flags().Bool("disabled", false, "Create the schedule disabled")
	_ = scheduleAddCmd.MarkFlagRequired("agent")

	scheduleUpdateCmd.Flags().Bool("enable", false, "Enable the schedule")
	scheduleUpdateCmd.Flags().Bool("disable", false, "Disable the schedule")

	scheduleLsCmd.Flags().String("agent", "", "Only schedules of this agent")
	scheduleNextCmd.Flags().Int("count", 5, "Number of fire times to show")

	ScheduleCmd.AddCommand(scheduleAddCmd)
	ScheduleCmd.AddCommand(scheduleLsCmd)
	ScheduleCmd.AddCommand(scheduleUpdateCmd)
	ScheduleCmd.AddCommand(scheduleRmCmd)
	ScheduleCmd.AddCommand(scheduleNextCmd)
}

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	agentID, _ := flags.GetString("agent")
	typeName, _ := flags.GetString("type")
	disabled, _ := flags.GetBool("disabled")

	typ, err := schedule.ParseType(typeName)
	if err != nil {
		return err
	}
	sc := &schedule.Schedule{AgentID: agentID, Enabled: !disabled, Type: typ}
	sc.CronExpr, _ = flags.GetString("cron")
	sc.TimesOfDay, _ = flags.GetStringSlice("times")
	sc.IntervalMinutes, _ = flags.GetInt("interval")
	sc.Timezone, _ = flags.GetString("tz")
	sc.ProjectID, _ = flags.GetString("project")
	sc.Policy = policyFromFlags(cmd, nil)

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx := context.Background()

	created, err := rt.manager.Create(ctx, sc)
	if err != nil {
		return errors.Wrap(err, "failed to create schedule")
	}
	pterm.Success.Printf("Created schedule %s for %s\n", created.ID, created.AgentID)

	if created.Enabled && created.Type != schedule.TypeImmediate {
		n, err := rt.planner.GenerateFutureExecutions(ctx, created)
		if err != nil {
			return errors.Wrap(err, "schedule created but planning failed")
		}
		pterm.Info.Printf("Planned %d execution(s)\n", n)
	}
	return nil
}

func runScheduleLs(cmd *cobra.Command, args []string) error {
	agentID, _ := cmd.Flags().GetString("agent")

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	schedules, err := rt.manager.List(context.Background(), schedule.Filter{AgentID: agentID})
	if err != nil {
		return err
	}
	if len(schedules) == 0 {
		fmt.Printf("%s No schedules found\n", sym.Pulse)
		return nil
	}

	rows := make([][]string, 0, len(schedules))
	for _, sc := range schedules {
		rows = append(rows, []string{
			sc.ID,
			sc.AgentID,
			string(sc.Type),
			describeCadence(sc),
			sc.Timezone,
			orDash(sc.ProjectID),
			strconv.FormatBool(sc.Enabled),
			strconv.Itoa(sc.Version),
		})
	}
	if err := renderTable([]string{"ID", "AGENT", "TYPE", "CADENCE", "TZ", "PROJECT", "ENABLED", "VERSION"}, rows); err != nil {
		return err
	}
	fmt.Printf("\nTotal: %d schedule(s)\n", len(schedules))
	return nil
}

func describeCadence(sc *schedule.Schedule) string {
	switch sc.Type {
	case schedule.TypeCron:
		return sc.CronExpr
	case schedule.TypeFixedTimes:
		return strings.Join(sc.TimesOfDay, ",")
	case schedule.TypeInterval:
		return fmt.Sprintf("every %dm", sc.IntervalMinutes)
	default:
		return "once"
	}
}

func runScheduleUpdate(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	var patch schedule.Patch

	enable, _ := flags.GetBool("enable")
	disable, _ := flags.GetBool("disable")
	if enable && disable {
		return errors.NewInvalidRequestError("--enable and --disable are mutually exclusive")
	}
	if enable || disable {
		patch.Enabled = &enable
	}
	if flags.Changed("type") {
		name, _ := flags.GetString("type")
		typ, err := schedule.ParseType(name)
		if err != nil {
			return err
		}
		patch.Type = &typ
	}
	if flags.Changed("cron") {
		v, _ := flags.GetString("cron")
		patch.CronExpr = &v
	}
	if flags.Changed("times") {
		patch.TimesOfDay, _ = flags.GetStringSlice("times")
	}
	if flags.Changed("interval") {
		v, _ := flags.GetInt("interval")
		patch.IntervalMinutes = &v
	}
	if flags.Changed("tz") {
		v, _ := flags.GetString("tz")
		patch.Timezone = &v
	}
	if flags.Changed("project") {
		v, _ := flags.GetString("project")
		patch.ProjectID = &v
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx := context.Background()

	current, err := rt.manager.Get(ctx, args[0])
	if err != nil {
		return err
	}
	patch.Policy = policyFromFlags(cmd, current.Policy)

	updated, err := rt.manager.Update(ctx, args[0], patch)
	if err != nil {
		return errors.Wrap(err, "failed to update schedule")
	}
	pterm.Success.Printf("Updated schedule %s (version %d)\n", updated.ID, updated.Version)
	return nil
}

// policyFromFlags overlays the policy flags that were set on base. It
// returns nil when no policy flag was given.
func policyFromFlags(cmd *cobra.Command, base *schedule.ExecutorPolicy) *schedule.ExecutorPolicy {
	flags := cmd.Flags()
	if !flags.Changed("max-concurrent") && !flags.Changed("priority") &&
		!flags.Changed("max-attempts") && !flags.Changed("backoff-ms") {
		return nil
	}
	p := schedule.ExecutorPolicy{}
	if base != nil {
		p = *base
	}
	if flags.Changed("max-concurrent") {
		p.MaxConcurrent, _ = flags.GetInt("max-concurrent")
	}
	if flags.Changed("priority") {
		p.Priority, _ = flags.GetInt("priority")
	}
	if flags.Changed("max-attempts") {
		p.MaxAttempts, _ = flags.GetInt("max-attempts")
	}
	if flags.Changed("backoff-ms") {
		p.RetryBackoffMs, _ = flags.GetInt64("backoff-ms")
	}
	return &p
}

func runScheduleRm(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.manager.Delete(context.Background(), args[0]); err != nil {
		return errors.Wrap(err, "failed to delete schedule")
	}
	pterm.Success.Printf("Deleted schedule %s\n", args[0])
	return nil
}

func runScheduleNext(cmd *cobra.Command, args []string) error {
	count, _ := cmd.Flags().GetInt("count")

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	runs, err := rt.manager.NextRuns(context.Background(), args[0], count)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Printf("%s Schedule %s has no upcoming runs\n", sym.Pulse, args[0])
		return nil
	}
	for i, t := range runs {
		fmt.Printf("  %d. %s\n", i+1, t.Format("2006-01-02 15:04:05 MST"))
	}
	return nil
}
