package commands

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/conductor/events"
	"github.com/teranos/conductor/pulse/schedule"
)

func TestDescribeCadence(t *testing.T) {
	assert.Equal(t, "0 9 * * 1-5", describeCadence(&schedule.Schedule{Type: schedule.TypeCron, CronExpr: "0 9 * * 1-5"}))
	assert.Equal(t, "09:00,17:30", describeCadence(&schedule.Schedule{Type: schedule.TypeFixedTimes, TimesOfDay: []string{"09:00", "17:30"}}))
	assert.Equal(t, "every 30m", describeCadence(&schedule.Schedule{Type: schedule.TypeInterval, IntervalMinutes: 30}))
	assert.Equal(t, "once", describeCadence(&schedule.Schedule{Type: schedule.TypeImmediate}))
}

func policyCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
	cmd.Flags().Int("max-concurrent", 0, "")
	cmd.Flags().Int("priority", 0, "")
	cmd.Flags().Int("max-attempts", 0, "")
	cmd.Flags().Int64("backoff-ms", 0, "")
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestPolicyFromFlags(t *testing.T) {
	assert.Nil(t, policyFromFlags(policyCmd(t), nil), "no policy flags")

	p := policyFromFlags(policyCmd(t, "--max-attempts", "5"), nil)
	require.NotNil(t, p)
	assert.Equal(t, schedule.ExecutorPolicy{MaxAttempts: 5}, *p)

	base := &schedule.ExecutorPolicy{MaxConcurrent: 2, Priority: 7, MaxAttempts: 3, RetryBackoffMs: 1000}
	p = policyFromFlags(policyCmd(t, "--priority", "9", "--backoff-ms", "5000"), base)
	require.NotNil(t, p)
	assert.Equal(t, schedule.ExecutorPolicy{MaxConcurrent: 2, Priority: 9, MaxAttempts: 3, RetryBackoffMs: 5000}, *p)
	assert.Equal(t, 7, base.Priority, "base is not modified")
}

func TestOutputHelpers(t *testing.T) {
	assert.Equal(t, "-", orDash(""))
	assert.Equal(t, "x", orDash("x"))
	assert.Equal(t, "-", formatTime(time.Time{}))
	assert.Equal(t, "-", formatTimePtr(nil))

	ts := time.Date(2026, 4, 10, 9, 0, 0, 0, time.Local)
	assert.Equal(t, "2026-04-10 09:00:00", formatTimePtr(&ts))
}

func TestPayloadSummary(t *testing.T) {
	assert.Equal(t, "-", payloadSummary(nil, 10))
	assert.Equal(t, `{"tool":"read_file"}`, payloadSummary(events.Payload{"tool": "read_file"}, 80))
	assert.Equal(t, `{"too...`, payloadSummary(events.Payload{"tool": "read_file"}, 5))
}

func TestCommandTree(t *testing.T) {
	for _, c := range []*cobra.Command{ScheduleCmd, ExecCmd, HistoryCmd, ApprovalCmd, EventsCmd, SessionCmd, AmCmd, DbCmd} {
		assert.NotEmpty(t, c.Commands(), c.Name())
	}
	sub, _, err := ScheduleCmd.Find([]string{"add"})
	require.NoError(t, err)
	assert.NotNil(t, sub.Flags().Lookup("agent"))
	assert.NotNil(t, sub.Flags().Lookup("max-concurrent"))
}
