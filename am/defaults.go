package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "conductor.db")

	// Scheduler defaults
	v.SetDefault("scheduler.poll_interval_seconds", 5)
	v.SetDefault("scheduler.planner_interval_seconds", 60)
	v.SetDefault("scheduler.lease_seconds", 90)
	v.SetDefault("scheduler.grace_seconds", 30)
	v.SetDefault("scheduler.heartbeat_seconds", 30)
	v.SetDefault("scheduler.completion_timeout_seconds", 300) // 5 minute hard cap per run
	v.SetDefault("scheduler.completion_poll_millis", 1000)
	v.SetDefault("scheduler.claim_mode", ClaimModeOptimistic)

	// Orchestrator defaults
	v.SetDefault("orchestrator.max_steps", 50)
	v.SetDefault("orchestrator.max_retries", 3)
	v.SetDefault("orchestrator.agents_file", "")

	// Tool defaults
	v.SetDefault("tools.working_dir", ".")
	v.SetDefault("tools.test_mode", false)
	v.SetDefault("tools.approval_timeout_seconds", 300)
	v.SetDefault("tools.approval_poll_millis", 500)
	v.SetDefault("tools.rate_per_second", 2.0)
	v.SetDefault("tools.rate_burst", 4)
	v.SetDefault("tools.shell_timeout_seconds", 120)

	// LLM (OpenAI-compatible, Ollama by default) defaults
	v.SetDefault("llm.enabled", true)
	v.SetDefault("llm.base_url", "http://localhost:11434")
	v.SetDefault("llm.model", "llama3.2:3b")
	v.SetDefault("llm.timeout_seconds", 600)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.requests_per_second", 0.0)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", "127.0.0.1:9477")

	// Log defaults
	v.SetDefault("log.json", false)
	v.SetDefault("log.verbosity", 1)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("llm.api_key", "CONDUCTOR_LLM_API_KEY", "OPENAI_API_KEY")
}
