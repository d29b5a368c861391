// Package sqlite persists the chat event log on SQLite or PostgreSQL
// through the shared connection pool.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/db/dialect"
	"github.com/parleyhq/parley/internal/history"
)

// Repository provides durable chat event storage. Ordering relies on the
// auto-increment seq column; event ids are only used for cursor lookups.
type Repository struct {
	pool *db.Pool
}

// New creates the repository and ensures the schema exists.
func New(pool *db.Pool) (*Repository, error) {
	r := &Repository{pool: pool}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize event schema: %w", err)
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	_, err := r.pool.Writer().Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS chat_events (
			seq %s,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			turn_id TEXT NOT NULL DEFAULT '',
			response_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			payload TEXT NOT NULL DEFAULT ''
		)`, dialect.AutoIncrementPK(r.pool.DriverName())))
	if err != nil {
		return err
	}
	_, err = r.pool.Writer().Exec(
		`CREATE INDEX IF NOT EXISTS idx_chat_events_session ON chat_events(session_id, seq)`)
	return err
}

// Append persists one event at the tail of the session's log.
func (r *Repository) Append(ctx context.Context, ev *history.Event) error {
	_, err := r.pool.Writer().ExecContext(ctx, r.pool.Writer().Rebind(`
		INSERT INTO chat_events (id, session_id, turn_id, response_id, type, timestamp, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), ev.ID, ev.SessionID, ev.TurnID, ev.ResponseID, string(ev.Type), ev.Timestamp, string(ev.Payload))
	return err
}

// AppendBatch persists the events in order inside one transaction.
func (r *Repository) AppendBatch(ctx context.Context, evs []*history.Event) error {
	if len(evs) == 0 {
		return nil
	}
	tx, err := r.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	query := tx.Rebind(`
		INSERT INTO chat_events (id, session_id, turn_id, response_id, type, timestamp, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	for _, ev := range evs {
		if _, err := tx.ExecContext(ctx, query,
			ev.ID, ev.SessionID, ev.TurnID, ev.ResponseID, string(ev.Type), ev.Timestamp, string(ev.Payload)); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Events returns the full ordered log for a session.
func (r *Repository) Events(ctx context.Context, sessionID string) ([]*history.Event, error) {
	return r.query(ctx, `
		SELECT id, session_id, turn_id, response_id, type, timestamp, payload
		FROM chat_events WHERE session_id = ? ORDER BY seq ASC
	`, sessionID)
}

// EventsSince returns events strictly after the given event id. The id is
// resolved to its seq first; an unknown id returns the full log.
func (r *Repository) EventsSince(ctx context.Context, sessionID, eventID string) ([]*history.Event, error) {
	var seq int64
	err := r.pool.Reader().QueryRowContext(ctx,
		r.pool.Reader().Rebind(`SELECT seq FROM chat_events WHERE id = ? AND session_id = ?`),
		eventID, sessionID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return r.Events(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}
	return r.query(ctx, `
		SELECT id, session_id, turn_id, response_id, type, timestamp, payload
		FROM chat_events WHERE session_id = ? AND seq > ? ORDER BY seq ASC
	`, sessionID, seq)
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]*history.Event, error) {
	rows, err := r.pool.Reader().QueryContext(ctx, r.pool.Reader().Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*history.Event
	for rows.Next() {
		ev := &history.Event{}
		var typ, payload string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.TurnID, &ev.ResponseID, &typ, &ev.Timestamp, &payload); err != nil {
			return nil, err
		}
		ev.Type = history.EventType(typ)
		if payload != "" {
			ev.Payload = []byte(payload)
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

// DeleteSession removes every event for the session.
func (r *Repository) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := r.pool.Writer().ExecContext(ctx,
		r.pool.Writer().Rebind(`DELETE FROM chat_events WHERE session_id = ?`), sessionID)
	return err
}
