// Package session defines session summaries, attributes, and the durable
// session index contract.
package session

import (
	"errors"
	"time"
)

// Reserved attribute namespaces and keys.
const (
	// AttrCore holds attributes the server manages itself.
	AttrCore = "core"
	// AttrProviders holds provider continuation handles keyed by provider id.
	AttrProviders = "providers"

	AttrWorkingDir   = "workingDir"
	AttrActiveBranch = "activeBranch"
	AttrLastActiveAt = "lastActiveAt"
	AttrAutoTitle    = "autoTitle"

	AttrProviderSessionID = "sessionId"
	AttrProviderCwd       = "cwd"
)

// ErrNotFound indicates the session does not exist in the index.
var ErrNotFound = errors.New("session not found")

// ErrInvalidAttributes indicates an attribute patch violated reserved-key
// constraints.
var ErrInvalidAttributes = errors.New("invalid attributes")

// Summary is the durable projection of a session. UpdatedAt is strictly
// monotonic across index writes for the same session.
type Summary struct {
	ID          string     `json:"sessionId"`
	AgentID     string     `json:"agentId,omitempty"`
	Name        string     `json:"name,omitempty"`
	LastSnippet string     `json:"lastSnippet,omitempty"`
	Attributes  Attributes `json:"attributes"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	PinnedAt    *time.Time `json:"pinnedAt,omitempty"`
	Deleted     bool       `json:"deleted,omitempty"`
}

// WorkingDir returns the provisioned working directory, or "" when unset.
func (s *Summary) WorkingDir() string {
	return s.Attributes.StringAt(AttrCore, AttrWorkingDir)
}

// ProviderBinding is an opaque continuation handle for an external provider,
// stored under attributes.providers.<id>.
type ProviderBinding struct {
	SessionID string
	Cwd       string
}

// ProviderBinding returns the continuation handle for the given provider id,
// or false when the session carries none.
func (s *Summary) ProviderBinding(providerID string) (ProviderBinding, bool) {
	b := ProviderBinding{
		SessionID: s.Attributes.StringAt(AttrProviders, providerID, AttrProviderSessionID),
		Cwd:       s.Attributes.StringAt(AttrProviders, providerID, AttrProviderCwd),
	}
	if b.SessionID == "" {
		return ProviderBinding{}, false
	}
	return b, true
}

// Clone returns a deep copy so hub snapshots never alias index state.
func (s *Summary) Clone() *Summary {
	if s == nil {
		return nil
	}
	out := *s
	out.Attributes = s.Attributes.Clone()
	if s.PinnedAt != nil {
		pinned := *s.PinnedAt
		out.PinnedAt = &pinned
	}
	return &out
}
