package websocket

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/events/bus"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/panels"
	ws "github.com/parleyhq/parley/pkg/websocket"
)

// Gateway bundles the websocket surface: hub, dispatcher, and the HTTP
// handler, wired into the orchestrator.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler

	service *orchestrator.Service
	logger  *logger.Logger

	subscriptions []bus.Subscription
}

// NewGateway creates the websocket gateway and installs the hub as the
// orchestrator's notifier.
func NewGateway(service *orchestrator.Service, runner *orchestrator.Runner, panelReg *panels.Registry, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	handler := NewHandler(hub, service, runner, panelReg, log)

	RegisterHealthHandler(dispatcher)

	service.SetNotifier(hub)
	panelReg.SetBroadcaster(hub)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		service:    service,
		logger:     log.WithFields(zap.String("component", "ws_gateway")),
	}
}

// SetupRoutes adds the WebSocket route to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}

// BridgeBus re-broadcasts bus traffic into the websocket fan-out:
// history.changed events invalidate the resident state and nudge
// subscribers with session_updated so they re-fetch the translated log.
func (g *Gateway) BridgeBus(eventBus bus.EventBus) error {
	sub, err := eventBus.Subscribe(events.BuildHistoryChangedWildcardSubject(), func(ctx context.Context, ev *bus.Event) error {
		ref := historyChangedSession(ev)
		if ref == "" {
			return nil
		}
		// The watcher publishes the CLI file's session id; a bound session
		// is keyed by its internal id, so resolve through the index first.
		summary, err := g.service.ResolveHistoryRef(ctx, ref)
		if err != nil {
			// Files can appear for sessions the index does not know yet.
			g.logger.Debug("history change for unknown session", zap.String("ref", ref))
			return nil
		}
		g.service.InvalidateSession(summary.ID)
		msg, err := ws.NewNotification(ws.ActionSessionUpdated, summary)
		if err != nil {
			return err
		}
		g.Hub.BroadcastToSession(summary.ID, msg)
		return nil
	})
	if err != nil {
		return err
	}
	g.subscriptions = append(g.subscriptions, sub)
	return nil
}

// Close drops the gateway's bus subscriptions.
func (g *Gateway) Close() {
	for _, sub := range g.subscriptions {
		_ = sub.Unsubscribe()
	}
	g.subscriptions = nil
}

func historyChangedSession(ev *bus.Event) string {
	switch data := ev.Data.(type) {
	case map[string]string:
		return data["sessionId"]
	case map[string]any:
		id, _ := data["sessionId"].(string)
		return id
	default:
		return ""
	}
}
