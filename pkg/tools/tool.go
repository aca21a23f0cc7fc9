// Package tools provides the worker-facing tools: the structured SQL
// executor, the vector searcher, the knowledge-graph client, and the
// human-approval allow-list, behind a common registry.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool is an executable capability a worker or the approval endpoint can
// invoke. Implementations must be safe for concurrent use.
type Tool interface {
	// Name uniquely identifies the tool (lowercase with underscores).
	Name() string

	// Description explains what the tool does, surfaced to the model
	// during the tool probe.
	Description() string

	// Schema is the JSON Schema of the tool's input.
	Schema() map[string]any

	// Call executes the tool with the given input.
	Call(ctx context.Context, input map[string]any) (map[string]any, error)
}

// userKey carries the authenticated user for tools that scope their queries.
type userKey struct{}

// WithUser returns a context carrying the authenticated user id. Callers
// that execute tools on behalf of a request (the approval endpoint) attach
// the user here so user-scoped tools keep their isolation.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the user id set by WithUser, or "".
func UserFrom(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// Registry holds the tools available to this process.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool; duplicate names are an error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("duplicate tool name %q", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the named tool, or an error for unknown names.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return t, nil
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
