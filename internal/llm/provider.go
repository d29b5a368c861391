// Package llm defines the streaming provider contract the run controller
// consumes and the registry that routes agents to a concrete provider.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/parleyhq/parley/internal/history"
)

// ErrProviderNotFound indicates no registered provider matches the name.
var ErrProviderNotFound = errors.New("llm provider not found")

// StreamEventType discriminates stream event variants.
type StreamEventType string

const (
	EventTextDelta     StreamEventType = "text_delta"
	EventThinkingStart StreamEventType = "thinking_start"
	EventThinkingDelta StreamEventType = "thinking_delta"
	EventThinkingEnd   StreamEventType = "thinking_end"
	EventToolCall      StreamEventType = "tool_call"
	EventDone          StreamEventType = "done"
	EventError         StreamEventType = "error"
)

// StreamEvent is one element of a provider's response stream. The channel
// closes after a Done or Error event.
type StreamEvent struct {
	Type StreamEventType

	// For text_delta and thinking_delta.
	Text string

	// For thinking_end; the provider's opaque verification blob.
	ThinkingSignature string

	// For tool_call; the fully accumulated invocation.
	ToolCall *ToolCall

	// For done; token accounting when the provider reports it.
	InputTokens  int
	OutputTokens int

	// For error.
	Err error
}

// ToolCall is a complete tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Request is one turn's completion request.
type Request struct {
	Model     string
	System    string
	Messages  []*history.Message
	Tools     []ToolDefinition
	MaxTokens int

	// EnableThinking asks for extended reasoning when the provider
	// supports it.
	EnableThinking bool
}

// Provider streams one model response per Stream call. Cancelling the
// context unwinds the stream; the returned channel always closes.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}

// Registry maps provider names to implementations.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its own name. The first registration
// becomes the default.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.fallback == "" {
		r.fallback = p.Name()
	}
}

// SetDefault overrides which provider serves requests with no name.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = name
}

// Get resolves a provider by name; "" resolves the default.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.fallback
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, name)
	}
	return p, nil
}

// Names lists the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
