package am

import (
	"time"

	"github.com/teranos/conductor/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	s := c.Scheduler
	if s.PollIntervalSeconds <= 0 {
		return errors.Newf("scheduler.poll_interval_seconds must be > 0, got %d", s.PollIntervalSeconds)
	}
	if s.PlannerIntervalSeconds <= 0 {
		return errors.Newf("scheduler.planner_interval_seconds must be > 0, got %d", s.PlannerIntervalSeconds)
	}
	if s.LeaseSeconds <= 0 {
		return errors.Newf("scheduler.lease_seconds must be > 0, got %d", s.LeaseSeconds)
	}
	if s.GraceSeconds < 0 {
		return errors.Newf("scheduler.grace_seconds must be >= 0, got %d", s.GraceSeconds)
	}
	// Heartbeat must renew before the lease lapses
	if s.HeartbeatSeconds <= 0 || s.HeartbeatSeconds >= s.LeaseSeconds {
		return errors.Newf("scheduler.heartbeat_seconds must be in (0, lease_seconds=%d), got %d", s.LeaseSeconds, s.HeartbeatSeconds)
	}
	if s.CompletionTimeoutSeconds <= 0 {
		return errors.Newf("scheduler.completion_timeout_seconds must be > 0, got %d", s.CompletionTimeoutSeconds)
	}
	if s.CompletionPollMillis <= 0 {
		return errors.Newf("scheduler.completion_poll_millis must be > 0, got %d", s.CompletionPollMillis)
	}
	switch s.ClaimMode {
	case ClaimModeOptimistic, ClaimModeConditional:
	default:
		return errors.Newf("scheduler.claim_mode must be %q or %q, got %q", ClaimModeOptimistic, ClaimModeConditional, s.ClaimMode)
	}

	if c.Orchestrator.MaxSteps <= 0 {
		return errors.Newf("orchestrator.max_steps must be > 0, got %d", c.Orchestrator.MaxSteps)
	}
	if c.Orchestrator.MaxRetries <= 0 {
		return errors.Newf("orchestrator.max_retries must be > 0, got %d", c.Orchestrator.MaxRetries)
	}

	t := c.Tools
	if t.WorkingDir == "" {
		return errors.New("tools.working_dir cannot be empty")
	}
	if t.ApprovalTimeoutSeconds <= 0 {
		return errors.Newf("tools.approval_timeout_seconds must be > 0, got %d", t.ApprovalTimeoutSeconds)
	}
	if t.ApprovalPollMillis <= 0 {
		return errors.Newf("tools.approval_poll_millis must be > 0, got %d", t.ApprovalPollMillis)
	}
	if t.RatePerSecond < 0 {
		return errors.Newf("tools.rate_per_second must be >= 0, got %f", t.RatePerSecond)
	}
	if t.RatePerSecond > 0 && t.RateBurst <= 0 {
		return errors.Newf("tools.rate_burst must be > 0 when rate_per_second is set, got %d", t.RateBurst)
	}
	if t.ShellTimeoutSeconds <= 0 {
		return errors.Newf("tools.shell_timeout_seconds must be > 0, got %d", t.ShellTimeoutSeconds)
	}

	// Validate LLM configuration only when enabled
	if c.LLM.Enabled {
		if c.LLM.BaseURL == "" {
			return errors.New("llm.base_url cannot be empty when enabled")
		}
		if c.LLM.Model == "" {
			return errors.New("llm.model cannot be empty when enabled")
		}
		if c.LLM.TimeoutSeconds <= 0 {
			return errors.Newf("llm.timeout_seconds must be > 0, got %d", c.LLM.TimeoutSeconds)
		}
	}
	if c.LLM.RequestsPerSecond < 0 {
		return errors.Newf("llm.requests_per_second must be >= 0, got %f", c.LLM.RequestsPerSecond)
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.New("metrics.address cannot be empty when enabled")
	}

	return nil
}

// DefaultTimezone is used when a schedule does not name one
const DefaultTimezone = "UTC"

// ValidateTimezone reports whether name is a loadable IANA timezone
func ValidateTimezone(name string) error {
	if name == "" {
		return nil
	}
	if _, err := time.LoadLocation(name); err != nil {
		return errors.WithHint(errors.Wrapf(errors.ErrInvalidRequest, "unknown timezone %q", name),
			"use an IANA name such as Europe/Amsterdam or UTC")
	}
	return nil
}
