package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/conductor/agent/session"
	"github.com/teranos/conductor/events"
	"github.com/teranos/conductor/sym"
)

const sessionPollInterval = 200 * time.Millisecond

// SessionCmd creates and drives agent sessions from the terminal
var SessionCmd = &cobra.Command{
	Use:   "session",
	Short: sym.Agent + " Run and inspect agent sessions",
	Long: sym.Agent + ` Run agent sessions in the foreground.

new and send stream the session's events until its loop stops. Tool calls
that need approval wait for "conductor approval approve" in another terminal.

Examples:
  conductor session new "summarize open reminders"
  conductor session new --agent coder "add a health check"
  conductor session send <session-id> "also update the README"
  conductor session show <session-id>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var sessionNewCmd = &cobra.Command{
	Use:   "new <message>",
	Short: "Start a session with a first message",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionNew,
}

var sessionSendCmd = &cobra.Command{
	Use:   "send <session-id> <message>",
	Short: "Send a message to a session and run it",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSessionSend,
}

var sessionLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List sessions, newest first",
	RunE:  runSessionLs,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a session's conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

func init() {
	sessionNewCmd.Flags().String("agent", "", "Force this agent instead of the controller's choice")
	sessionNewCmd.Flags().String("project", "", "Project id stored in session metadata")
	sessionLsCmd.Flags().Int("limit", 20, "Maximum rows")

	SessionCmd.AddCommand(sessionNewCmd)
	SessionCmd.AddCommand(sessionSendCmd)
	SessionCmd.AddCommand(sessionLsCmd)
	SessionCmd.AddCommand(sessionShowCmd)
}

func runSessionNew(cmd *cobra.Command, args []string) error {
	agentID, _ := cmd.Flags().GetString("agent")
	projectID, _ := cmd.Flags().GetString("project")

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	metadata := map[string]interface{}{}
	if agentID != "" {
		metadata[session.MetaAgentID] = agentID
	}
	if projectID != "" {
		metadata[session.MetaProjectID] = projectID
	}
	sess, err := rt.sessions.Create(context.Background(), metadata)
	if err != nil {
		return err
	}
	pterm.Info.Printf("Session %s\n", sess.ID)
	return runForeground(rt, sess.ID, strings.Join(args, " "))
}

func runSessionSend(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	return runForeground(rt, args[0], strings.Join(args[1:], " "))
}

// runForeground sends content to sessionID, prints its events as they are
// emitted and returns once the loop stops. Ctrl+C stops the loop.
func runForeground(rt *runtime, sessionID, content string) error {
	unsubscribe := rt.events.Subscribe(sessionID, printEvent)
	defer unsubscribe()

	ctx := context.Background()
	if _, err := rt.runner.Send(ctx, sessionID, content); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ticker := time.NewTicker(sessionPollInterval)
	defer ticker.Stop()
	for rt.runner.Running(sessionID) {
		select {
		case <-sigChan:
			pterm.Warning.Println("Stopping agent loop")
			rt.runner.Stop(sessionID)
		case <-ticker.C:
		}
	}

	sess, err := rt.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	switch sess.Status {
	case session.StatusCompleted:
		pterm.Success.Printf("Session %s completed\n", sessionID)
	case session.StatusFailed:
		pterm.Error.Printf("Session %s failed\n", sessionID)
	default:
		pterm.Info.Printf("Session %s is %s\n", sessionID, sess.Status)
	}
	return nil
}

func printEvent(e *events.Event) {
	switch e.Type {
	case events.AgentResponse:
		fmt.Printf("%s [%v] %v\n", sym.Agent, e.Payload["agentId"], e.Payload["response"])
	case events.ToolCallStarted:
		fmt.Printf("%s %v\n", sym.Tool, e.Payload["tool"])
	case events.ApprovalRequested:
		pterm.Warning.Printf("Approval needed: conductor approval approve %v\n", e.Payload["approvalId"])
	case events.Error:
		pterm.Error.Printf("%v\n", e.Payload["message"])
	case events.ModelTokenDelta, events.ToolStdoutDelta, events.ToolStderrDelta:
		// streamed deltas are summarized by the final response
	default:
		fmt.Printf("%s %-24s %s\n", sym.Event, e.Type, payloadSummary(e.Payload, 80))
	}
}

func runSessionLs(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	sessions, err := rt.sessions.List(context.Background(), limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Printf("%s No sessions\n", sym.Agent)
		return nil
	}

	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.ID,
			string(s.Status),
			orDash(s.MetaString(session.MetaType)),
			orDash(s.MetaString(session.MetaAgentID)),
			formatTime(s.CreatedAt),
			formatTime(s.UpdatedAt),
		})
	}
	return renderTable([]string{"ID", "STATUS", "TYPE", "AGENT", "CREATED", "UPDATED"}, rows)
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx := context.Background()

	sess, err := rt.sessions.Get(ctx, args[0])
	if err != nil {
		return err
	}
	messages, err := rt.sessions.Messages(ctx, sess.ID)
	if err != nil {
		return err
	}

	fmt.Printf("%s Session %s (%s)\n\n", sym.Agent, sess.ID, sess.Status)
	for _, m := range messages {
		who := m.Role
		if m.AgentID != "" {
			who += "/" + m.AgentID
		}
		if m.Name != "" {
			who += " " + m.Name
		}
		fmt.Printf("#%d %s  %s\n%s\n\n", m.Seq, who, formatTime(m.CreatedAt), m.Content)
	}
	return nil
}
