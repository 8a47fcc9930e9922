// Package sym defines the canonical glyphs conductor attaches to log lines
// and CLI output. Each subsystem logs with its glyph in the "symbol" field
// so logs can be filtered by subsystem.
package sym

// Subsystem glyphs.
const (
	AM         = "≡" // configuration
	Pulse      = "꩜" // scheduling, dispatch, leases
	PulseOpen  = "✿" // graceful startup with stale lease recovery
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
	Agent      = "⌬" // orchestrator, sessions, agent turns
	Tool       = "⟶" // tool invocation and approvals
	Event      = "✦" // event log
)

type entry struct {
	glyph       string
	name        string
	description string
}

var registry = []entry{
	{AM, "am", "Configuration and system settings"},
	{Pulse, "pulse", "Schedules, executions and dispatch"},
	{PulseOpen, "pulse-open", "Graceful startup with stale lease recovery"},
	{PulseClose, "pulse-close", "Graceful shutdown"},
	{DB, "db", "Database/storage layer"},
	{Agent, "agent", "Agent orchestration and sessions"},
	{Tool, "tool", "Tool invocation and approval gating"},
	{Event, "event", "Session event log"},
}

var (
	glyphToName map[string]string
	nameToGlyph map[string]string
)

func init() {
	glyphToName = make(map[string]string, len(registry))
	nameToGlyph = make(map[string]string, len(registry))
	for _, e := range registry {
		glyphToName[e.glyph] = e.name
		nameToGlyph[e.name] = e.glyph
	}
}

// Name returns the subsystem name for a glyph, or "" if unknown.
func Name(glyph string) string {
	return glyphToName[glyph]
}

// FromName returns the glyph for a subsystem name, or "" if unknown.
func FromName(name string) string {
	return nameToGlyph[name]
}

// Description returns the human-readable description for a glyph.
func Description(glyph string) string {
	for _, e := range registry {
		if e.glyph == glyph {
			return e.description
		}
	}
	return ""
}

// All returns every glyph in registry order.
func All() []string {
	out := make([]string, len(registry))
	for i, e := range registry {
		out[i] = e.glyph
	}
	return out
}
