// Package llmtest provides scripted llm.Service fakes for tests
package llmtest

import (
	"context"
	"strings"
	"sync"

	"github.com/teranos/conductor/agent"
	"github.com/teranos/conductor/ai/llm"
	"github.com/teranos/conductor/errors"
)

// Reply is one scripted answer. A non-nil Err fails the call instead.
type Reply struct {
	Text string
	Err  error
}

// Call records a request the fake received
type Call struct {
	AgentID   string
	Streaming bool
	Messages  []agent.Message
}

// Scripted replays queued replies per agent id. Agents without a queue
// fall back to the default queue; an exhausted queue answers "".
type Scripted struct {
	mu       sync.Mutex
	byAgent  map[string][]Reply
	fallback []Reply
	calls    []Call

	Unavailable bool
}

var _ llm.Service = (*Scripted)(nil)

// New creates an empty Scripted service
func New() *Scripted {
	return &Scripted{byAgent: make(map[string][]Reply)}
}

// For queues replies for one agent
func (s *Scripted) For(agentID string, texts ...string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range texts {
		s.byAgent[agentID] = append(s.byAgent[agentID], Reply{Text: t})
	}
	return s
}

// FailFor queues a failing call for one agent
func (s *Scripted) FailFor(agentID string, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byAgent[agentID] = append(s.byAgent[agentID], Reply{Err: err})
	return s
}

// Default queues replies for agents without their own queue
func (s *Scripted) Default(texts ...string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range texts {
		s.fallback = append(s.fallback, Reply{Text: t})
	}
	return s
}

func (s *Scripted) next(state *agent.State, streaming bool) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := state.CurrentAgentID()
	s.calls = append(s.calls, Call{AgentID: id, Streaming: streaming, Messages: state.Messages()})

	if q := s.byAgent[id]; len(q) > 0 {
		s.byAgent[id] = q[1:]
		return q[0]
	}
	if len(s.fallback) > 0 {
		r := s.fallback[0]
		s.fallback = s.fallback[1:]
		return r
	}
	return Reply{}
}

// StreamResponse emits the scripted reply word by word
func (s *Scripted) StreamResponse(ctx context.Context, state *agent.State, onToken llm.TokenFunc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(err, "stream cancelled")
	}
	r := s.next(state, true)
	if r.Err != nil {
		return "", r.Err
	}
	if onToken != nil {
		for _, tok := range strings.SplitAfter(r.Text, " ") {
			if tok != "" {
				onToken(tok)
			}
		}
	}
	return r.Text, nil
}

// BlockingResponse returns the scripted reply
func (s *Scripted) BlockingResponse(ctx context.Context, state *agent.State) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(err, "request cancelled")
	}
	r := s.next(state, false)
	return r.Text, r.Err
}

// IsAvailable reports the opposite of the Unavailable flag
func (s *Scripted) IsAvailable() bool { return !s.Unavailable }

// Calls returns every request received so far
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsFor returns the requests made on behalf of one agent
func (s *Scripted) CallsFor(agentID string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.AgentID == agentID {
			out = append(out, c)
		}
	}
	return out
}
