// Package tools defines the tool contract, the registry, and the host that
// executes tool calls on behalf of a run.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/parleyhq/parley/internal/llm"
)

// ErrToolNotFound indicates the registry holds no tool with that name.
var ErrToolNotFound = errors.New("tool not found")

// Tool is one callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// InputSchema returns the JSON schema of the tool's arguments.
	InputSchema() map[string]any
	// Call executes the tool. Implementations honor ctx cancellation.
	Call(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry is a threadsafe name-to-tool map.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get resolves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, ErrToolNotFound
	}
	return t, nil
}

// List returns the registered tools sorted by name.
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

// Definitions renders the registered tools for a provider request. The
// optional allow func filters by name; nil allows everything.
func (r *Registry) Definitions(allow func(name string) bool) []llm.ToolDefinition {
	var defs []llm.ToolDefinition
	for _, t := range r.List() {
		if allow != nil && !allow(t.Name()) {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName        string
	ToolDescription string
	Schema          map[string]any
	Fn              func(ctx context.Context, args json.RawMessage) (string, error)
}

func (f *Func) Name() string               { return f.ToolName }
func (f *Func) Description() string        { return f.ToolDescription }
func (f *Func) InputSchema() map[string]any { return f.Schema }

func (f *Func) Call(ctx context.Context, args json.RawMessage) (string, error) {
	return f.Fn(ctx, args)
}
