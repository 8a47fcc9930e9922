package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/internal/util"
	"github.com/teranos/conductor/pulse/execution"
	"github.com/teranos/conductor/sym"
)

// HistoryCmd shows finished execution attempts
var HistoryCmd = &cobra.Command{
	Use:   "history",
	Short: sym.Pulse + " Show execution history",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var historyLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List finished attempts, newest first",
	RunE:  runHistoryLs,
}

func init() {
	historyLsCmd.Flags().String("agent", "", "Only attempts of this agent")
	historyLsCmd.Flags().String("execution", "", "Only attempts of this execution")
	historyLsCmd.Flags().String("result", "", "SUCCESS or FAIL")
	historyLsCmd.Flags().Int("limit", 50, "Maximum rows")

	HistoryCmd.AddCommand(historyLsCmd)
}

func runHistoryLs(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	filter := execution.HistoryFilter{}
	filter.AgentID, _ = flags.GetString("agent")
	filter.ExecutionID, _ = flags.GetString("execution")
	filter.Limit, _ = flags.GetInt("limit")
	if result, _ := flags.GetString("result"); result != "" {
		switch r := execution.Result(strings.ToUpper(result)); r {
		case execution.ResultSuccess, execution.ResultFail:
			filter.Result = r
		default:
			return errors.NewInvalidRequestError("unknown result %q (SUCCESS, FAIL)", result)
		}
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	records, err := rt.history.List(context.Background(), filter)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("%s No history yet\n", sym.Pulse)
		return nil
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.ExecutionID,
			r.AgentID,
			formatTime(r.StartedAt),
			strconv.FormatInt(r.DurationMs, 10) + "ms",
			string(r.ResultStatus),
			strconv.Itoa(r.Attempt),
			orDash(r.SessionID),
			orDash(util.Truncate(strings.TrimSpace(r.ErrorCode+" "+r.ErrorMessage), 48)),
		})
	}
	return renderTable([]string{"EXECUTION", "AGENT", "STARTED", "DURATION", "RESULT", "ATTEMPT", "SESSION", "ERROR"}, rows)
}
