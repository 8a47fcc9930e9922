package agent

import (
	_ "embed"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/teranos/conductor/errors"
)

// Role is an agent's part in the controller/specialist/checker cycle
type Role string

const (
	RoleController Role = "controller"
	RoleSpecialist Role = "specialist"
	RoleChecker    Role = "checker"
)

// Definition describes one agent of the roster
type Definition struct {
	ID               string `yaml:"id"`
	Name             string `yaml:"name"`
	Description      string `yaml:"description"`
	Role             Role   `yaml:"role"`
	SystemPrompt     string `yaml:"system_prompt"`
	Enabled          *bool  `yaml:"enabled,omitempty"` // omitted means enabled
	HandlesReminders bool   `yaml:"handles_reminders,omitempty"`
}

// IsEnabled reports whether the agent takes part in runs
func (d Definition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Roster is the ordered set of agent definitions
type Roster struct {
	Agents []Definition `yaml:"agents"`
}

//go:embed agents.yaml
var defaultRosterYAML []byte

// DefaultRoster returns the built-in roster
func DefaultRoster() *Roster {
	r, err := ParseRoster(defaultRosterYAML)
	if err != nil {
		panic("embedded agents.yaml is invalid: " + err.Error())
	}
	return r
}

// LoadRoster reads a roster from a YAML file. An empty path yields the
// built-in roster.
func LoadRoster(path string) (*Roster, error) {
	if path == "" {
		return DefaultRoster(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read agents file %s", path)
	}
	r, err := ParseRoster(data)
	if err != nil {
		return nil, errors.Wrapf(err, "agents file %s", path)
	}
	return r, nil
}

// ParseRoster decodes and validates roster YAML
func ParseRoster(data []byte) (*Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "failed to parse roster")
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks ids are present and unique and roles are known
func (r *Roster) Validate() error {
	seen := make(map[string]bool, len(r.Agents))
	for i, d := range r.Agents {
		if strings.TrimSpace(d.ID) == "" {
			return errors.NewInvalidRequestError("agent #%d has no id", i+1)
		}
		if seen[d.ID] {
			return errors.NewInvalidRequestError("duplicate agent id %q", d.ID)
		}
		seen[d.ID] = true
		switch d.Role {
		case RoleController, RoleSpecialist, RoleChecker:
		default:
			return errors.NewInvalidRequestError("agent %q has unknown role %q", d.ID, d.Role)
		}
	}
	return nil
}

// Enabled returns the enabled agents in roster order
func (r *Roster) Enabled() []Definition {
	var out []Definition
	for _, d := range r.Agents {
		if d.IsEnabled() {
			out = append(out, d)
		}
	}
	return out
}

// Get returns an enabled agent by id
func (r *Roster) Get(id string) (Definition, bool) {
	for _, d := range r.Agents {
		if d.ID == id && d.IsEnabled() {
			return d, true
		}
	}
	return Definition{}, false
}

func (r *Roster) firstWithRole(role Role) (Definition, bool) {
	for _, d := range r.Agents {
		if d.Role == role && d.IsEnabled() {
			return d, true
		}
	}
	return Definition{}, false
}

// Controller returns the first enabled controller
func (r *Roster) Controller() (Definition, bool) { return r.firstWithRole(RoleController) }

// Checker returns the first enabled checker
func (r *Roster) Checker() (Definition, bool) { return r.firstWithRole(RoleChecker) }

// Specialists returns the enabled specialists in roster order
func (r *Roster) Specialists() []Definition {
	var out []Definition
	for _, d := range r.Agents {
		if d.Role == RoleSpecialist && d.IsEnabled() {
			out = append(out, d)
		}
	}
	return out
}

// Specialist returns an enabled specialist by id
func (r *Roster) Specialist(id string) (Definition, bool) {
	d, ok := r.Get(id)
	if !ok || d.Role != RoleSpecialist {
		return Definition{}, false
	}
	return d, true
}
