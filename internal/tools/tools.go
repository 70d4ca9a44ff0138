// Package tools defines the tools available to the agent.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler executes a tool with arguments decoded from the model's call.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	// Terminal marks a tool whose successful execution ends the run.
	// The conversation then waits for the next inbound turn.
	Terminal bool `json:"terminal,omitempty"`

	Handler Handler `json:"-"`
}

// Execute runs the tool's handler.
func (t *Tool) Execute(ctx context.Context, args map[string]any) (string, error) {
	if t.Handler == nil {
		return "", fmt.Errorf("tool %s has no handler", t.Name)
	}
	if args == nil {
		args = map[string]any{}
	}
	return t.Handler(ctx, args)
}

// Registry holds available tools. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry, replacing any tool with the
// same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Resolve looks up a tool by name.
func (r *Registry) Resolve(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// SetTerminal flags the named tools as terminal. Unknown names are
// returned so the caller can log them.
func (r *Registry) SetTerminal(names []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var unknown []string
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		t.Terminal = true
	}
	return unknown
}

// Names returns all registered tool names, sorted.
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

// Declarations returns every tool in OpenAI function-calling format,
// ordered by name.
func (r *Registry) Declarations() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]map[string]any, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return result
}

// FilteredCopy returns a new registry containing only the named tools.
// Tools are shared by pointer with the source. Names that are not
// registered are skipped. An empty list yields an empty registry.
func (r *Registry) FilteredCopy(names []string) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filtered := NewRegistry()
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			filtered.tools[name] = t
		}
	}
	return filtered
}
