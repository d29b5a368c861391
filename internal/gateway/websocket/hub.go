// Package websocket is the multiplexed WebSocket gateway: one connection
// per client, any number of session subscriptions on top of it.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
	ws "github.com/parleyhq/parley/pkg/websocket"
)

// Hub tracks every live client and its session subscriptions. It is the
// orchestrator's Notifier implementation.
type Hub struct {
	mu sync.RWMutex

	clients map[*Client]bool

	// sessionSubscribers maps session id -> subscribed clients.
	sessionSubscribers map[string]map[*Client]bool

	dispatcher *ws.Dispatcher
	logger     *logger.Logger
}

// NewHub creates the hub.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:            make(map[*Client]bool),
		sessionSubscribers: make(map[string]map[*Client]bool),
		dispatcher:         dispatcher,
		logger:             log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run blocks until ctx ends, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	<-ctx.Done()
	h.closeAllClients()
	h.logger.Info("websocket hub stopped")
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
	h.sessionSubscribers = make(map[string]map[*Client]bool)
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
	h.logger.Debug("client registered", zap.String("client_id", client.ID))
}

// Unregister removes a client and all its subscriptions.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	client.closeSend()
	for sessionID := range client.subscriptions {
		h.dropSubscriberLocked(sessionID, client)
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// Subscribe attaches a client to a session scope.
func (h *Hub) Subscribe(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessionSubscribers[sessionID]; !ok {
		h.sessionSubscribers[sessionID] = make(map[*Client]bool)
	}
	h.sessionSubscribers[sessionID][client] = true
	client.mu.Lock()
	client.subscriptions[sessionID] = true
	client.mu.Unlock()

	h.logger.Debug("client subscribed",
		zap.String("client_id", client.ID),
		zap.String("session_id", sessionID))
}

// Unsubscribe detaches a client from a session scope.
func (h *Hub) Unsubscribe(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropSubscriberLocked(sessionID, client)
	client.mu.Lock()
	delete(client.subscriptions, sessionID)
	client.mu.Unlock()
}

func (h *Hub) dropSubscriberLocked(sessionID string, client *Client) {
	if subs, ok := h.sessionSubscribers[sessionID]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.sessionSubscribers, sessionID)
		}
	}
}

// BroadcastToSession sends a frame to every subscriber of the session.
func (h *Hub) BroadcastToSession(sessionID string, msg *ws.Message) {
	h.BroadcastToSessionExcluding(sessionID, msg, "")
}

// BroadcastToSessionExcluding sends a frame to the session's subscribers,
// skipping the originating connection.
func (h *Hub) BroadcastToSessionExcluding(sessionID string, msg *ws.Message, exceptConnID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal session broadcast", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.sessionSubscribers[sessionID] {
		if client.ID == exceptConnID {
			continue
		}
		client.sendRaw(data)
	}
}

// BroadcastToAll sends a frame to every connected client, subscribed or
// not. Session index notifications use this so sidebars stay current.
func (h *Hub) BroadcastToAll(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.sendRaw(data)
	}
}

// SendToConnection queues a frame for one specific connection. It reports
// whether the connection is registered and the frame was handed to its
// writer.
func (h *Hub) SendToConnection(connID string, msg *ws.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal connection send", zap.Error(err))
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.ID == connID {
			client.sendRaw(data)
			return true
		}
	}
	return false
}

// SessionConnectionCount reports how many clients are subscribed to the
// session.
func (h *Hub) SessionConnectionCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessionSubscribers[sessionID])
}

// InteractionAvailability reports, over the session's subscribers, how many
// advertise interaction support and how many have it enabled.
func (h *Hub) InteractionAvailability(sessionID string) (supported, enabled int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.sessionSubscribers[sessionID] {
		s, e := client.interactionState()
		if s {
			supported++
		}
		if s && e {
			enabled++
		}
	}
	return supported, enabled
}
