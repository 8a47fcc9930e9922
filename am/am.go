package am

import "time"

// DefaultDirPermissions is used for ~/.conductor and other created directories
const DefaultDirPermissions = 0o755

// Config represents the conductor configuration
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database" toml:"database" yaml:"database" json:"database"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler" toml:"scheduler" yaml:"scheduler" json:"scheduler"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" toml:"orchestrator" yaml:"orchestrator" json:"orchestrator"`
	Tools        ToolsConfig        `mapstructure:"tools" toml:"tools" yaml:"tools" json:"tools"`
	LLM          LLMConfig          `mapstructure:"llm" toml:"llm" yaml:"llm" json:"llm"`
	Metrics      MetricsConfig      `mapstructure:"metrics" toml:"metrics" yaml:"metrics" json:"metrics"`
	Log          LogConfig          `mapstructure:"log" toml:"log" yaml:"log" json:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path" yaml:"path" json:"path"`
}

// SchedulerConfig configures planning, dispatch and leases
type SchedulerConfig struct {
	PollIntervalSeconds      int    `mapstructure:"poll_interval_seconds" toml:"poll_interval_seconds" yaml:"poll_interval_seconds" json:"poll_interval_seconds"`
	PlannerIntervalSeconds   int    `mapstructure:"planner_interval_seconds" toml:"planner_interval_seconds" yaml:"planner_interval_seconds" json:"planner_interval_seconds"`
	LeaseSeconds             int    `mapstructure:"lease_seconds" toml:"lease_seconds" yaml:"lease_seconds" json:"lease_seconds"`
	GraceSeconds             int    `mapstructure:"grace_seconds" toml:"grace_seconds" yaml:"grace_seconds" json:"grace_seconds"`
	HeartbeatSeconds         int    `mapstructure:"heartbeat_seconds" toml:"heartbeat_seconds" yaml:"heartbeat_seconds" json:"heartbeat_seconds"`
	CompletionTimeoutSeconds int    `mapstructure:"completion_timeout_seconds" toml:"completion_timeout_seconds" yaml:"completion_timeout_seconds" json:"completion_timeout_seconds"`
	CompletionPollMillis     int    `mapstructure:"completion_poll_millis" toml:"completion_poll_millis" yaml:"completion_poll_millis" json:"completion_poll_millis"`
	ClaimMode                string `mapstructure:"claim_mode" toml:"claim_mode" yaml:"claim_mode" json:"claim_mode"` // "optimistic" or "conditional"
}

// OrchestratorConfig bounds the agent graph
type OrchestratorConfig struct {
	MaxSteps   int    `mapstructure:"max_steps" toml:"max_steps" yaml:"max_steps" json:"max_steps"`
	MaxRetries int    `mapstructure:"max_retries" toml:"max_retries" yaml:"max_retries" json:"max_retries"`
	AgentsFile string `mapstructure:"agents_file" toml:"agents_file" yaml:"agents_file" json:"agents_file"` // empty = built-in roster
}

// ToolsConfig configures tool execution and approval gating
type ToolsConfig struct {
	WorkingDir             string  `mapstructure:"working_dir" toml:"working_dir" yaml:"working_dir" json:"working_dir"`
	TestMode               bool    `mapstructure:"test_mode" toml:"test_mode" yaml:"test_mode" json:"test_mode"` // skips approval gating
	ApprovalTimeoutSeconds int     `mapstructure:"approval_timeout_seconds" toml:"approval_timeout_seconds" yaml:"approval_timeout_seconds" json:"approval_timeout_seconds"`
	ApprovalPollMillis     int     `mapstructure:"approval_poll_millis" toml:"approval_poll_millis" yaml:"approval_poll_millis" json:"approval_poll_millis"`
	RatePerSecond          float64 `mapstructure:"rate_per_second" toml:"rate_per_second" yaml:"rate_per_second" json:"rate_per_second"` // 0 = unlimited
	RateBurst              int     `mapstructure:"rate_burst" toml:"rate_burst" yaml:"rate_burst" json:"rate_burst"`
	ShellTimeoutSeconds    int     `mapstructure:"shell_timeout_seconds" toml:"shell_timeout_seconds" yaml:"shell_timeout_seconds" json:"shell_timeout_seconds"`
}

// LLMConfig configures the OpenAI-compatible reasoning endpoint
type LLMConfig struct {
	Enabled           bool    `mapstructure:"enabled" toml:"enabled" yaml:"enabled" json:"enabled"`
	BaseURL           string  `mapstructure:"base_url" toml:"base_url" yaml:"base_url" json:"base_url"`
	Model             string  `mapstructure:"model" toml:"model" yaml:"model" json:"model"`
	APIKey            string  `mapstructure:"api_key" toml:"api_key" yaml:"api_key" json:"-"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds" toml:"timeout_seconds" yaml:"timeout_seconds" json:"timeout_seconds"`
	Temperature       float64 `mapstructure:"temperature" toml:"temperature" yaml:"temperature" json:"temperature"`
	MaxTokens         int     `mapstructure:"max_tokens" toml:"max_tokens" yaml:"max_tokens" json:"max_tokens"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" toml:"requests_per_second" yaml:"requests_per_second" json:"requests_per_second"` // 0 = unlimited
}

// MetricsConfig configures the Prometheus endpoint served by the daemon
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled" yaml:"enabled" json:"enabled"`
	Address string `mapstructure:"address" toml:"address" yaml:"address" json:"address"`
}

// LogConfig configures logger.Initialize
type LogConfig struct {
	JSON      bool `mapstructure:"json" toml:"json" yaml:"json" json:"json"`
	Verbosity int  `mapstructure:"verbosity" toml:"verbosity" yaml:"verbosity" json:"verbosity"`
}

// Claim modes for the dispatcher
const (
	ClaimModeOptimistic  = "optimistic"
	ClaimModeConditional = "conditional"
)

// PollInterval returns the dispatcher poll cadence
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// PlannerInterval returns the planner reconciliation cadence
func (c SchedulerConfig) PlannerInterval() time.Duration {
	return time.Duration(c.PlannerIntervalSeconds) * time.Second
}

// Lease returns the lease duration stamped on claim and heartbeat
func (c SchedulerConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// Grace returns how far past leaseUntil a lease must be before recovery
func (c SchedulerConfig) Grace() time.Duration {
	return time.Duration(c.GraceSeconds) * time.Second
}

// Heartbeat returns the lease renewal interval
func (c SchedulerConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// CompletionTimeout returns how long a run waits for its session
func (c SchedulerConfig) CompletionTimeout() time.Duration {
	return time.Duration(c.CompletionTimeoutSeconds) * time.Second
}

// CompletionPoll returns the session status poll interval
func (c SchedulerConfig) CompletionPoll() time.Duration {
	return time.Duration(c.CompletionPollMillis) * time.Millisecond
}

// ApprovalTimeout returns how long a gated tool waits for a decision
func (c ToolsConfig) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutSeconds) * time.Second
}

// ApprovalPoll returns the approval status poll interval
func (c ToolsConfig) ApprovalPoll() time.Duration {
	return time.Duration(c.ApprovalPollMillis) * time.Millisecond
}

// ShellTimeout returns the exec_shell command timeout
func (c ToolsConfig) ShellTimeout() time.Duration {
	return time.Duration(c.ShellTimeoutSeconds) * time.Second
}

// Timeout returns the HTTP client timeout for LLM calls
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
