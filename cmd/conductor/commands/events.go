package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/teranos/conductor/events"
	"github.com/teranos/conductor/internal/util"
	"github.com/teranos/conductor/sym"
)

// EventsCmd reads the persisted event log
var EventsCmd = &cobra.Command{
	Use:   "events",
	Short: sym.Event + " Read session event logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var eventsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List events of a session in sequence order",
	Long: sym.Event + ` List events in sequence order.

Use --after with the last seen sequence number to resume a stream.

Examples:
  conductor events ls --session <id>
  conductor events ls --session <id> --type TOOL_RESULT,ERROR --after 42`,
	RunE: runEventsLs,
}

func init() {
	eventsLsCmd.Flags().String("session", "", "Session id")
	eventsLsCmd.Flags().StringSlice("type", nil, "Only these event types")
	eventsLsCmd.Flags().Int64("after", 0, "Only events with a higher sequence number")
	eventsLsCmd.Flags().Int("limit", 200, "Maximum rows")

	EventsCmd.AddCommand(eventsLsCmd)
}

func runEventsLs(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	filter := events.Filter{}
	filter.SessionID, _ = flags.GetString("session")
	filter.AfterSeq, _ = flags.GetInt64("after")
	filter.Limit, _ = flags.GetInt("limit")
	typeNames, _ := flags.GetStringSlice("type")
	for _, name := range typeNames {
		t, err := events.ParseType(name)
		if err != nil {
			return err
		}
		filter.Types = append(filter.Types, t)
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	evts, err := rt.events.List(context.Background(), filter)
	if err != nil {
		return err
	}
	if len(evts) == 0 {
		fmt.Printf("%s No events\n", sym.Event)
		return nil
	}

	rows := make([][]string, 0, len(evts))
	for _, e := range evts {
		rows = append(rows, []string{
			strconv.FormatInt(e.Seq, 10),
			e.SessionID,
			string(e.Type),
			formatTime(e.Timestamp),
			payloadSummary(e.Payload, 72),
		})
	}
	return renderTable([]string{"SEQ", "SESSION", "TYPE", "TIME", "PAYLOAD"}, rows)
}

func payloadSummary(p events.Payload, n int) string {
	if len(p) == 0 {
		return "-"
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "?"
	}
	return util.Truncate(string(data), n)
}
