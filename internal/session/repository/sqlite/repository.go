// Package sqlite implements the session index on SQLite or PostgreSQL
// through the shared connection pool.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/db/dialect"
	"github.com/parleyhq/parley/internal/session"
)

// Repository provides durable session summary storage.
type Repository struct {
	pool *db.Pool
}

// New creates the repository and ensures the schema exists.
func New(pool *db.Pool) (*Repository, error) {
	r := &Repository{pool: pool}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	_, err := r.pool.Writer().Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			last_snippet TEXT NOT NULL DEFAULT '',
			attributes TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			pinned_at TIMESTAMP,
			deleted INTEGER NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return err
	}
	_, err = r.pool.Writer().Exec(
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at)`)
	return err
}

// Create persists a new summary. Missing timestamps are filled in.
func (r *Repository) Create(ctx context.Context, s *session.Summary) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}
	if s.Attributes == nil {
		s.Attributes = session.Attributes{}
	}
	attrs, err := json.Marshal(s.Attributes)
	if err != nil {
		return fmt.Errorf("failed to serialize session attributes: %w", err)
	}
	_, err = r.pool.Writer().ExecContext(ctx, r.pool.Writer().Rebind(`
		INSERT INTO sessions (id, agent_id, name, last_snippet, attributes, created_at, updated_at, pinned_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), s.ID, s.AgentID, s.Name, s.LastSnippet, string(attrs),
		s.CreatedAt, s.UpdatedAt, s.PinnedAt, dialect.BoolToInt(s.Deleted))
	return err
}

// Get returns the summary, including tombstoned ones.
func (r *Repository) Get(ctx context.Context, id string) (*session.Summary, error) {
	return r.get(ctx, r.pool.Reader(), id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Rebind(query string) string
}

func (r *Repository) get(ctx context.Context, q queryer, id string) (*session.Summary, error) {
	s := &session.Summary{}
	var attrsJSON string
	var pinnedAt sql.NullTime
	var deleted int
	err := q.QueryRowContext(ctx, q.Rebind(`
		SELECT id, agent_id, name, last_snippet, attributes, created_at, updated_at, pinned_at, deleted
		FROM sessions WHERE id = ?
	`), id).Scan(&s.ID, &s.AgentID, &s.Name, &s.LastSnippet, &attrsJSON,
		&s.CreatedAt, &s.UpdatedAt, &pinnedAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if pinnedAt.Valid {
		t := pinnedAt.Time
		s.PinnedAt = &t
	}
	s.Deleted = deleted != 0
	if attrsJSON != "" {
		if err := json.Unmarshal([]byte(attrsJSON), &s.Attributes); err != nil {
			return nil, fmt.Errorf("failed to deserialize session attributes: %w", err)
		}
	}
	if s.Attributes == nil {
		s.Attributes = session.Attributes{}
	}
	return s, nil
}

// FindByProviderSession returns the session whose provider binding for
// providerID records providerSessionID. When several sessions share the
// binding the most recently updated one wins.
func (r *Repository) FindByProviderSession(ctx context.Context, providerID, providerSessionID string) (*session.Summary, error) {
	reader := r.pool.Reader()
	expr := dialect.JSONPathExtract(r.pool.DriverName(), "attributes",
		session.AttrProviders, providerID, session.AttrProviderSessionID)
	s := &session.Summary{}
	var attrsJSON string
	var pinnedAt sql.NullTime
	var deleted int
	err := reader.QueryRowContext(ctx, reader.Rebind(fmt.Sprintf(`
		SELECT id, agent_id, name, last_snippet, attributes, created_at, updated_at, pinned_at, deleted
		FROM sessions WHERE %s = ?
		ORDER BY updated_at DESC LIMIT 1
	`, expr)), providerSessionID).Scan(&s.ID, &s.AgentID, &s.Name, &s.LastSnippet, &attrsJSON,
		&s.CreatedAt, &s.UpdatedAt, &pinnedAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if pinnedAt.Valid {
		t := pinnedAt.Time
		s.PinnedAt = &t
	}
	s.Deleted = deleted != 0
	if attrsJSON != "" {
		if err := json.Unmarshal([]byte(attrsJSON), &s.Attributes); err != nil {
			return nil, fmt.Errorf("failed to deserialize session attributes: %w", err)
		}
	}
	if s.Attributes == nil {
		s.Attributes = session.Attributes{}
	}
	return s, nil
}

// List returns summaries ordered pinned-first, then most recently updated.
func (r *Repository) List(ctx context.Context, opts session.ListOptions) ([]*session.Summary, error) {
	query := `
		SELECT id, agent_id, name, last_snippet, attributes, created_at, updated_at, pinned_at, deleted
		FROM sessions`
	if !opts.IncludeDeleted {
		query += ` WHERE deleted = 0`
	}
	query += ` ORDER BY pinned_at IS NULL, pinned_at DESC, updated_at DESC`
	var args []any
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	rows, err := r.pool.Reader().QueryContext(ctx, r.pool.Reader().Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*session.Summary
	for rows.Next() {
		s := &session.Summary{}
		var attrsJSON string
		var pinnedAt sql.NullTime
		var deleted int
		if err := rows.Scan(&s.ID, &s.AgentID, &s.Name, &s.LastSnippet, &attrsJSON,
			&s.CreatedAt, &s.UpdatedAt, &pinnedAt, &deleted); err != nil {
			return nil, err
		}
		if pinnedAt.Valid {
			t := pinnedAt.Time
			s.PinnedAt = &t
		}
		s.Deleted = deleted != 0
		if attrsJSON != "" {
			if err := json.Unmarshal([]byte(attrsJSON), &s.Attributes); err != nil {
				return nil, fmt.Errorf("failed to deserialize session attributes: %w", err)
			}
		}
		if s.Attributes == nil {
			s.Attributes = session.Attributes{}
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// nextUpdatedAt returns a timestamp strictly after the stored UpdatedAt so
// wall-clock regressions never move a session backwards in the listing.
func nextUpdatedAt(current time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(current) {
		return current.Add(time.Millisecond)
	}
	return now
}

// mutate applies fn to the current summary and writes the result back. Reads
// go through the writer connection so read-modify-write cycles serialize on
// the single-writer pool.
func (r *Repository) mutate(ctx context.Context, id string, fn func(s *session.Summary) error) (*session.Summary, error) {
	s, err := r.get(ctx, r.pool.Writer(), id)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	s.UpdatedAt = nextUpdatedAt(s.UpdatedAt)

	attrs, err := json.Marshal(s.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize session attributes: %w", err)
	}
	_, err = r.pool.Writer().ExecContext(ctx, r.pool.Writer().Rebind(`
		UPDATE sessions
		SET agent_id = ?, name = ?, last_snippet = ?, attributes = ?, updated_at = ?, pinned_at = ?, deleted = ?
		WHERE id = ?
	`), s.AgentID, s.Name, s.LastSnippet, string(attrs), s.UpdatedAt, s.PinnedAt,
		dialect.BoolToInt(s.Deleted), s.ID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// MarkActivity bumps UpdatedAt and core.lastActiveAt, records the snippet,
// and seeds core.autoTitle from the first activity on an unnamed session.
func (r *Repository) MarkActivity(ctx context.Context, id, snippet string) (*session.Summary, error) {
	return r.mutate(ctx, id, func(s *session.Summary) error {
		patch := map[string]any{
			session.AttrCore: map[string]any{
				session.AttrLastActiveAt: time.Now().UTC().Format(time.RFC3339Nano),
			},
		}
		if snippet != "" {
			s.LastSnippet = truncateSnippet(snippet)
			if s.Name == "" && s.Attributes.StringAt(session.AttrCore, session.AttrAutoTitle) == "" {
				patch[session.AttrCore].(map[string]any)[session.AttrAutoTitle] = autoTitle(snippet)
			}
		}
		s.Attributes = s.Attributes.Merge(patch)
		return nil
	})
}

// Pin sets or clears the pinned timestamp.
func (r *Repository) Pin(ctx context.Context, id string, pinned bool) (*session.Summary, error) {
	return r.mutate(ctx, id, func(s *session.Summary) error {
		if pinned {
			now := time.Now().UTC()
			s.PinnedAt = &now
		} else {
			s.PinnedAt = nil
		}
		return nil
	})
}

// Rename sets the display name.
func (r *Repository) Rename(ctx context.Context, id, name string) (*session.Summary, error) {
	return r.mutate(ctx, id, func(s *session.Summary) error {
		s.Name = name
		return nil
	})
}

// UpdateAttributes deep-merges the patch into the stored attributes.
func (r *Repository) UpdateAttributes(ctx context.Context, id string, patch map[string]any) (*session.Summary, error) {
	if err := session.ValidatePatch(patch); err != nil {
		return nil, err
	}
	return r.mutate(ctx, id, func(s *session.Summary) error {
		s.Attributes = s.Attributes.Merge(patch)
		return nil
	})
}

// MarkDeleted tombstones the session.
func (r *Repository) MarkDeleted(ctx context.Context, id string) (*session.Summary, error) {
	return r.mutate(ctx, id, func(s *session.Summary) error {
		s.Deleted = true
		return nil
	})
}

// Clear resets the snippet and auto-title after the event log is purged.
func (r *Repository) Clear(ctx context.Context, id string) (*session.Summary, error) {
	return r.mutate(ctx, id, func(s *session.Summary) error {
		s.LastSnippet = ""
		s.Attributes = s.Attributes.Merge(map[string]any{
			session.AttrCore: map[string]any{session.AttrAutoTitle: nil},
		})
		return nil
	})
}

// Touch bumps UpdatedAt with no other change.
func (r *Repository) Touch(ctx context.Context, id string) (*session.Summary, error) {
	return r.mutate(ctx, id, func(*session.Summary) error { return nil })
}

// Purge hard-deletes the row.
func (r *Repository) Purge(ctx context.Context, id string) error {
	_, err := r.pool.Writer().ExecContext(ctx, r.pool.Writer().Rebind(`DELETE FROM sessions WHERE id = ?`), id)
	return err
}

const autoTitleMaxRunes = 80

func autoTitle(text string) string {
	runes := []rune(text)
	if len(runes) <= autoTitleMaxRunes {
		return text
	}
	return string(runes[:autoTitleMaxRunes])
}

func truncateSnippet(text string) string {
	const maxRunes = 200
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	return string(runes[:maxRunes])
}
