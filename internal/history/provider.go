package history

import (
	"context"

	"github.com/parleyhq/parley/internal/session"
)

// Provider ids for the external CLI readers.
const (
	ProviderEventStore = "event-store"
	ProviderClaudeCLI  = "claude-cli"
	ProviderPiCLI      = "pi-cli"
)

// Request identifies whose history to resolve. Summary supplies the
// provider continuation attributes; ProviderID selects which provider's
// view the caller wants.
type Request struct {
	SessionID  string
	ProviderID string
	Summary    *session.Summary
}

// Provider resolves prior chat events for a session.
type Provider interface {
	// Supports reports whether this provider serves the given provider id.
	Supports(providerID string) bool

	// History returns the session's events in order.
	History(ctx context.Context, req Request) ([]*Event, error)

	// ShouldPersist reports whether new events for this session should be
	// mirrored to the event store. File-backed sessions return false: the
	// external file is the source of truth and events come from
	// translation.
	ShouldPersist(req Request) bool
}

// Registry queries providers in registration order; the first supporter
// handles the request. The event-store provider registered last acts as the
// fallback because it supports every provider id.
type Registry struct {
	providers []Provider
}

// NewRegistry creates a provider registry.
func NewRegistry(providers ...Provider) *Registry {
	return &Registry{providers: providers}
}

// Register appends a provider to the lookup order.
func (r *Registry) Register(p Provider) {
	r.providers = append(r.providers, p)
}

func (r *Registry) resolve(providerID string) Provider {
	for _, p := range r.providers {
		if p.Supports(providerID) {
			return p
		}
	}
	return nil
}

// History resolves the session's events through the first supporting
// provider. No supporting provider yields an empty history.
func (r *Registry) History(ctx context.Context, req Request) ([]*Event, error) {
	p := r.resolve(req.ProviderID)
	if p == nil {
		return nil, nil
	}
	return p.History(ctx, req)
}

// ShouldPersist reports whether the resolved provider wants new events
// mirrored to the event store.
func (r *Registry) ShouldPersist(req Request) bool {
	p := r.resolve(req.ProviderID)
	if p == nil {
		return true
	}
	return p.ShouldPersist(req)
}

// StoreProvider serves history straight from the event store. It supports
// every provider id, making it the registry fallback.
type StoreProvider struct {
	store *Store
}

// NewStoreProvider creates the event-store-backed provider.
func NewStoreProvider(store *Store) *StoreProvider {
	return &StoreProvider{store: store}
}

// Supports always returns true.
func (p *StoreProvider) Supports(string) bool { return true }

// History returns the stored event log.
func (p *StoreProvider) History(ctx context.Context, req Request) ([]*Event, error) {
	return p.store.Events(ctx, req.SessionID)
}

// ShouldPersist always returns true.
func (p *StoreProvider) ShouldPersist(Request) bool { return true }
