package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/internal/util"
	"github.com/teranos/conductor/sym"
	"github.com/teranos/conductor/tools/approval"
)

// ApprovalCmd answers pending tool approval requests
var ApprovalCmd = &cobra.Command{
	Use:     "approval",
	Aliases: []string{"approvals"},
	Short:   sym.Tool + " Review tool approval requests",
	Long: sym.Tool + ` Review tool calls waiting for a human decision.

Examples:
  conductor approval ls
  conductor approval approve <request-id>
  conductor approval deny <request-id>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var approvalLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List pending requests",
	RunE:  runApprovalLs,
}

var approvalApproveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Allow the tool call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return respondApproval(args[0], approval.StatusApproved)
	},
}

var approvalDenyCmd = &cobra.Command{
	Use:   "deny <request-id>",
	Short: "Refuse the tool call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return respondApproval(args[0], approval.StatusDenied)
	},
}

func init() {
	approvalLsCmd.Flags().Int("limit", 50, "Maximum rows")

	ApprovalCmd.AddCommand(approvalLsCmd)
	ApprovalCmd.AddCommand(approvalApproveCmd)
	ApprovalCmd.AddCommand(approvalDenyCmd)
}

func runApprovalLs(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	requests, err := rt.approvals.ListPending(context.Background(), limit)
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		fmt.Printf("%s No pending approvals\n", sym.Tool)
		return nil
	}

	rows := make([][]string, 0, len(requests))
	for _, r := range requests {
		input, _ := json.Marshal(r.ToolInput)
		rows = append(rows, []string{
			r.ID,
			r.ThreadID,
			r.ToolName,
			util.Truncate(string(input), 60),
			formatTime(r.CreatedAt),
		})
	}
	return renderTable([]string{"ID", "SESSION", "TOOL", "INPUT", "REQUESTED"}, rows)
}

func respondApproval(id string, decision approval.Status) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	req, err := rt.approvals.Respond(context.Background(), id, decision)
	if err != nil {
		return errors.Wrapf(err, "failed to record %s for %s", decision, id)
	}
	pterm.Success.Printf("%s %s for %s in session %s\n", req.Status, req.ToolName, req.ID, req.ThreadID)
	return nil
}
