package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Descriptor is the public description of a registered tool
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Risks       []Risk          `json:"risks"`
}

// Registry maps tool names to tools
type Registry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a name twice panics.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name()]; exists {
		panic(fmt.Sprintf("tool already registered for name: %s", t.Name()))
	}
	r.tools[t.Name()] = t
}

// Resolve looks a tool up by name
func (r *Registry) Resolve(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors describes every registered tool, sorted by name
func (r *Registry) Descriptors() []Descriptor {
	var out []Descriptor
	for _, name := range r.Names() {
		t, ok := r.Resolve(name)
		if !ok {
			continue
		}
		out = append(out, Descriptor{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
			Risks:       t.Risks(),
		})
	}
	return out
}
