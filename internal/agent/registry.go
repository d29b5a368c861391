// Package agent defines agent manifests and the registry resolving a
// session's agent id to its provider, prompt, and tool allowlist.
package agent

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultAgentID names the agent used when a session carries none.
const DefaultAgentID = "default"

// Agent is one manifest entry.
type Agent struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Provider     string   `yaml:"provider"`
	Model        string   `yaml:"model,omitempty"`
	SystemPrompt string   `yaml:"systemPrompt,omitempty"`
	// Tools is an allowlist of tool names; empty means every registered
	// tool is available.
	Tools []string `yaml:"tools,omitempty"`
	// HistoryProvider overrides where the session's history is read from;
	// empty uses the event store.
	HistoryProvider string `yaml:"historyProvider,omitempty"`
	// EnableThinking requests extended reasoning from providers that
	// support it.
	EnableThinking bool `yaml:"enableThinking,omitempty"`
}

// AllowsTool reports whether the agent may call the named tool.
func (a *Agent) AllowsTool(name string) bool {
	if len(a.Tools) == 0 {
		return true
	}
	for _, allowed := range a.Tools {
		if allowed == name {
			return true
		}
	}
	return false
}

type manifest struct {
	Agents []*Agent `yaml:"agents"`
}

// Registry holds the loaded agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewRegistry creates a registry seeded with the default agent.
func NewRegistry() *Registry {
	r := &Registry{agents: make(map[string]*Agent)}
	r.agents[DefaultAgentID] = &Agent{
		ID:   DefaultAgentID,
		Name: "Assistant",
	}
	return r
}

// LoadRegistry reads a YAML manifest. A missing path yields the default
// registry so a bare server still answers.
func LoadRegistry(path string) (*Registry, error) {
	r := NewRegistry()
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("failed to read agent manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse agent manifest: %w", err)
	}
	for _, a := range m.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("agent manifest entry missing id")
		}
		r.Register(a)
	}
	return r, nil
}

// Register adds or replaces an agent.
func (r *Registry) Register(a *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID] = a
}

// Get resolves an agent id; unknown or empty ids resolve the default.
func (r *Registry) Get(id string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[id]; ok {
		return a
	}
	return r.agents[DefaultAgentID]
}

// List returns every registered agent.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}
