package session

import "context"

// ListOptions controls which summaries List returns.
type ListOptions struct {
	// IncludeDeleted includes tombstoned sessions.
	IncludeDeleted bool
	// Limit bounds the result set; zero means no limit.
	Limit int
}

// Repository is the durable session index. Implementations must keep
// UpdatedAt monotonic for each session: an index write never moves it
// backwards.
type Repository interface {
	// Create persists a new summary. Missing timestamps are filled in.
	Create(ctx context.Context, summary *Summary) error

	// Get returns the summary, including tombstoned ones.
	Get(ctx context.Context, id string) (*Summary, error)

	// List returns summaries ordered most-recently-updated first, pinned
	// sessions ahead of the rest.
	List(ctx context.Context, opts ListOptions) ([]*Summary, error)

	// FindByProviderSession returns the session whose
	// attributes.providers.<providerID>.sessionId equals providerSessionID,
	// preferring the most recently updated match. ErrNotFound when no
	// session carries the binding.
	FindByProviderSession(ctx context.Context, providerID, providerSessionID string) (*Summary, error)

	// MarkActivity bumps UpdatedAt and core.lastActiveAt; a non-empty
	// snippet replaces LastSnippet and, when the session has no name yet,
	// seeds core.autoTitle.
	MarkActivity(ctx context.Context, id, snippet string) (*Summary, error)

	// Pin sets or clears the pinned timestamp.
	Pin(ctx context.Context, id string, pinned bool) (*Summary, error)

	// Rename sets the display name.
	Rename(ctx context.Context, id, name string) (*Summary, error)

	// UpdateAttributes deep-merges the patch into the stored attributes.
	// nil values delete keys; the patch is validated before it is applied.
	UpdateAttributes(ctx context.Context, id string, patch map[string]any) (*Summary, error)

	// MarkDeleted tombstones the session.
	MarkDeleted(ctx context.Context, id string) (*Summary, error)

	// Clear resets the snippet and auto-title after the event log is purged.
	Clear(ctx context.Context, id string) (*Summary, error)

	// Touch bumps UpdatedAt with no other change.
	Touch(ctx context.Context, id string) (*Summary, error)

	// Purge hard-deletes the row.
	Purge(ctx context.Context, id string) error
}
