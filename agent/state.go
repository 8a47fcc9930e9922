// Package agent holds the orchestration state threaded through a run and
// the roster of agent definitions that drive it.
package agent

import (
	"encoding/json"
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the conversation carried by State
type Message struct {
	Role    string          `json:"role"`
	Content string          `json:"content"`
	Name    string          `json:"name,omitempty"`
	AgentID string          `json:"agentId,omitempty"`
	Parts   json.RawMessage `json:"parts,omitempty"` // structured content parts, opaque to the orchestrator
}

func (m Message) clone() Message {
	if m.Parts != nil {
		m.Parts = append(json.RawMessage(nil), m.Parts...)
	}
	return m
}

// State is an immutable snapshot of a run. Every With* method returns a new
// State and leaves the receiver untouched; accessors return copies.
type State struct {
	threadID       string
	projectID      string
	currentAgentID string
	forcedAgentID  string
	stepNo         int
	messages       []Message
	context        map[string]interface{}
}

// NewState starts an empty state for a thread at step 1
func NewState(threadID, projectID string) *State {
	return &State{
		threadID:  threadID,
		projectID: projectID,
		stepNo:    1,
		context:   map[string]interface{}{},
	}
}

func (s *State) copy() *State {
	c := *s
	c.messages = make([]Message, len(s.messages), len(s.messages)+1)
	for i, m := range s.messages {
		c.messages[i] = m.clone()
	}
	c.context = make(map[string]interface{}, len(s.context))
	for k, v := range s.context {
		c.context[k] = v
	}
	return &c
}

func (s *State) ThreadID() string       { return s.threadID }
func (s *State) ProjectID() string      { return s.projectID }
func (s *State) CurrentAgentID() string { return s.currentAgentID }
func (s *State) ForcedAgentID() string  { return s.forcedAgentID }
func (s *State) StepNo() int            { return s.stepNo }
func (s *State) Len() int               { return len(s.messages) }

// Messages returns a copy of the conversation
func (s *State) Messages() []Message {
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.clone()
	}
	return out
}

// Context returns a copy of the free-form run context
func (s *State) Context() map[string]interface{} {
	out := make(map[string]interface{}, len(s.context))
	for k, v := range s.context {
		out[k] = v
	}
	return out
}

// LastContent returns the content of the most recent message with role,
// and false when there is none
func (s *State) LastContent(role string) (string, bool) {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == role {
			return s.messages[i].Content, true
		}
	}
	return "", false
}

// WithMessage appends a message tagged with the current agent
func (s *State) WithMessage(role, content string) *State {
	return s.WithFullMessage(Message{Role: role, Content: content, AgentID: s.currentAgentID})
}

// WithFullMessage appends m as given
func (s *State) WithFullMessage(m Message) *State {
	c := s.copy()
	c.messages = append(c.messages, m.clone())
	return c
}

// WithToolResult appends a tool message carrying a tool's output
func (s *State) WithToolResult(toolName, result string) *State {
	return s.WithFullMessage(Message{Role: RoleTool, Name: toolName, Content: result, AgentID: s.currentAgentID})
}

// WithStep sets the step counter
func (s *State) WithStep(stepNo int) *State {
	c := s.copy()
	c.stepNo = stepNo
	return c
}

// WithAgent switches the active agent
func (s *State) WithAgent(agentID string) *State {
	c := s.copy()
	c.currentAgentID = agentID
	return c
}

// WithContext sets one context key
func (s *State) WithContext(key string, value interface{}) *State {
	c := s.copy()
	c.context[key] = value
	return c
}

// WithForcedAgent pins the run to a single specialist, skipping the controller
func (s *State) WithForcedAgent(agentID string) *State {
	c := s.copy()
	c.forcedAgentID = agentID
	return c
}

// Snapshot is the serialized shape of State
type Snapshot struct {
	ThreadID       string                 `json:"threadId"`
	ProjectID      string                 `json:"projectId,omitempty"`
	CurrentAgentID string                 `json:"currentAgentId,omitempty"`
	ForcedAgentID  string                 `json:"forcedAgentId,omitempty"`
	StepNo         int                    `json:"stepNo"`
	Messages       []Message              `json:"messages"`
	Context        map[string]interface{} `json:"context,omitempty"`
}

// Snapshot exports the state
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		ThreadID:       s.threadID,
		ProjectID:      s.projectID,
		CurrentAgentID: s.currentAgentID,
		ForcedAgentID:  s.forcedAgentID,
		StepNo:         s.stepNo,
		Messages:       s.Messages(),
		Context:        s.Context(),
	}
}

// FromSnapshot rebuilds a State
func FromSnapshot(snap Snapshot) *State {
	s := &State{
		threadID:       snap.ThreadID,
		projectID:      snap.ProjectID,
		currentAgentID: snap.CurrentAgentID,
		forcedAgentID:  snap.ForcedAgentID,
		stepNo:         snap.StepNo,
		context:        map[string]interface{}{},
	}
	for _, m := range snap.Messages {
		s.messages = append(s.messages, m.clone())
	}
	for k, v := range snap.Context {
		s.context[k] = v
	}
	return s
}

// MarshalJSON encodes the state as its Snapshot
func (s *State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// UnmarshalJSON decodes a Snapshot into s
func (s *State) UnmarshalJSON(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	*s = *FromSnapshot(snap)
	return nil
}
