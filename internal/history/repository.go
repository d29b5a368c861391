package history

import "context"

// Repository persists the append-only event log. The Store layers
// subscription fan-out and bus publication on top of it.
type Repository interface {
	// Append persists one event at the tail of the session's log.
	Append(ctx context.Context, ev *Event) error

	// AppendBatch persists the events in order inside one transaction.
	AppendBatch(ctx context.Context, evs []*Event) error

	// Events returns the full ordered log for a session.
	Events(ctx context.Context, sessionID string) ([]*Event, error)

	// EventsSince returns events strictly after the given event id, in
	// order. An unknown id returns the full log.
	EventsSince(ctx context.Context, sessionID, eventID string) ([]*Event, error)

	// DeleteSession removes every event for the session.
	DeleteSession(ctx context.Context, sessionID string) error
}
