// Package panels routes UI panel events to plugin handlers. Panels are
// client-rendered surfaces; the server only needs to route their events,
// so the default behavior is a session-scoped rebroadcast.
package panels

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
	wsproto "github.com/parleyhq/parley/pkg/websocket"
)

// Event is one panel event as received from a client.
type Event struct {
	PanelID   string
	PanelType string
	SessionID string
	Payload   []byte
	// OriginConnID identifies the sending connection so rebroadcasts can
	// exclude it.
	OriginConnID string
}

// Broadcaster is the slice of the gateway hub panel handlers fan out
// through.
type Broadcaster interface {
	BroadcastToSessionExcluding(sessionID string, msg *wsproto.Message, exceptConnID string)
}

// Handler processes events for one panel type.
type Handler interface {
	PanelType() string
	Handle(ctx context.Context, ev *Event) error
}

// HandlerFunc adapts a function into a Handler.
type HandlerFunc struct {
	Type string
	Fn   func(ctx context.Context, ev *Event) error
}

func (h *HandlerFunc) PanelType() string { return h.Type }

func (h *HandlerFunc) Handle(ctx context.Context, ev *Event) error {
	return h.Fn(ctx, ev)
}

// Registry dispatches panel events by panel type. Unknown types fall
// through to a session-scoped rebroadcast so plugin panels work without
// server-side code.
type Registry struct {
	mu          sync.RWMutex
	handlers    map[string]Handler
	broadcaster Broadcaster
	logger      *logger.Logger
}

// NewRegistry creates the panel registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   log.WithFields(zap.String("component", "panels")),
	}
}

// SetBroadcaster installs the gateway fan-out used by the default route.
func (r *Registry) SetBroadcaster(b Broadcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcaster = b
}

// Register installs a handler for its panel type.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.PanelType()] = h
}

// Dispatch routes the event to its handler, or rebroadcasts it to the
// session's other subscribers when no handler claims the type.
func (r *Registry) Dispatch(ctx context.Context, ev *Event) error {
	r.mu.RLock()
	handler := r.handlers[ev.PanelType]
	broadcaster := r.broadcaster
	r.mu.RUnlock()

	if handler != nil {
		return handler.Handle(ctx, ev)
	}
	if broadcaster == nil || ev.SessionID == "" {
		return nil
	}
	msg, err := wsproto.NewNotification(wsproto.ActionPanelEvent, wsproto.PanelEventPayload{
		PanelID:   ev.PanelID,
		PanelType: ev.PanelType,
		SessionID: ev.SessionID,
		Payload:   ev.Payload,
	})
	if err != nil {
		return err
	}
	broadcaster.BroadcastToSessionExcluding(ev.SessionID, msg, ev.OriginConnID)
	r.logger.Debug("panel event rebroadcast",
		zap.String("panel_type", ev.PanelType),
		zap.String("session_id", ev.SessionID))
	return nil
}
