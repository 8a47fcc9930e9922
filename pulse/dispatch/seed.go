package dispatch

import "fmt"

var seedPrompts = map[string]string{
	"objective-agent": "Run scheduled objective analysis%s. Call compute_coverage to analyze tickets and objectives, then summarize findings.",
	"reconcile-agent": "Run scheduled reconciliation%s. Read tickets, objectives, and phases, then cross-reference and create a delta pack for any discrepancies found.",
	"resource-agent":  "Run scheduled resource analysis%s. Read resources and tickets, compute capacity report, and flag any overloaded team members.",
	"checklist-agent": "Run scheduled checklist review%s. Read checklists and report on progress for any open items.",
}

const defaultSeedPrompt = "Run your scheduled task%s. Use available tools to analyze project data and report findings."

// SeedPrompt is the first user message of a scheduled session
func SeedPrompt(agentID, projectID string) string {
	scope := ""
	if projectID != "" {
		scope = " for project " + projectID
	}
	tmpl, ok := seedPrompts[agentID]
	if !ok {
		tmpl = defaultSeedPrompt
	}
	return fmt.Sprintf(tmpl, scope)
}
