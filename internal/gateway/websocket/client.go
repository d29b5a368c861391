package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/interaction"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/orchestrator/messagequeue"
	"github.com/parleyhq/parley/internal/panels"
	ws "github.com/parleyhq/parley/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// ProtocolVersion is echoed back in the hello response.
	ProtocolVersion = 1
)

// Client represents a single WebSocket connection. All inbound frames are
// handled serially on the read loop, so per-connection ordering guarantees
// come for free.
type Client struct {
	ID      string
	conn    *websocket.Conn
	hub     *Hub
	service *orchestrator.Service
	runner  *orchestrator.Runner
	panels  *panels.Registry

	send     chan []byte
	sendOnce sync.Once

	mu            sync.RWMutex
	subscriptions map[string]bool
	// Interaction capability advertised at hello + toggled by
	// interaction_state.
	interactionSupported bool
	interactionEnabled   bool

	logger *logger.Logger
}

// NewClient creates a client for an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, service *orchestrator.Service, runner *orchestrator.Runner, panelReg *panels.Registry, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		service:       service,
		runner:        runner,
		panels:        panelReg,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		logger:        log.WithConnectionID(id),
	}
}

func (c *Client) closeSend() {
	c.sendOnce.Do(func() { close(c.send) })
}

// sendRaw queues an encoded frame, dropping it when the client cannot keep
// up. The write pump notices a wedged peer via write deadlines.
func (c *Client) sendRaw(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping frame")
	}
}

func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal outbound message", zap.Error(err))
		return
	}
	c.sendRaw(data)
}

func (c *Client) sendError(id, action, code, message string) {
	msg, err := ws.NewError(id, action, code, message, nil)
	if err != nil {
		c.logger.Error("create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// SendIfSubscribed delivers a session-scoped frame only when this client is
// subscribed to the session.
func (c *Client) SendIfSubscribed(sessionID string, msg *ws.Message) {
	c.mu.RLock()
	subscribed := c.subscriptions[sessionID]
	c.mu.RUnlock()
	if subscribed {
		c.sendMessage(msg)
	}
}

func (c *Client) isSubscribed(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscriptions[sessionID]
}

func (c *Client) interactionState() (supported, enabled bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.interactionSupported, c.interactionEnabled
}

// ReadPump pumps messages from the WebSocket connection into the handlers.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("parse inbound frame", zap.Error(err))
			c.sendError("", "", ws.ErrorCodeInternalError, "invalid message format")
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

// handleMessage dispatches one inbound frame. Runs on the read loop, so
// actions of one connection never interleave.
func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("received message",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID))

	switch msg.Action {
	case ws.ActionHello:
		c.handleHello(ctx, msg)
	case ws.ActionSubscribe:
		c.handleSubscribe(ctx, msg)
	case ws.ActionUnsubscribe:
		c.handleUnsubscribe(msg)
	case ws.ActionTextInput:
		c.handleTextInput(msg)
	case ws.ActionOutputCancel:
		c.handleOutputCancel(msg)
	case ws.ActionPanelEvent:
		c.handlePanelEvent(ctx, msg)
	case ws.ActionInteractionResponse:
		c.handleInteractionResponse(msg)
	case ws.ActionInteractionState:
		c.handleInteractionState(msg)
	case ws.ActionCLIToolCall:
		c.handleCLIToolCall(msg)
	default:
		response, err := c.hub.dispatcher.Dispatch(ctx, msg)
		if err != nil {
			if errors.Is(err, ws.ErrNoHandler) {
				c.logger.Debug("no handler for action", zap.String("action", msg.Action))
				return
			}
			c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error())
			return
		}
		if response != nil {
			c.sendMessage(response)
		}
	}
}

func (c *Client) handleHello(ctx context.Context, msg *ws.Message) {
	var req ws.HelloPayload
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "invalid payload: "+err.Error())
		return
	}

	c.mu.Lock()
	c.interactionSupported = req.Capabilities != nil && req.Capabilities.Interaction
	c.interactionEnabled = c.interactionSupported
	c.mu.Unlock()

	state, err := c.service.AttachConnection(ctx, req.SessionID, req.Force)
	if err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeStorageError, err.Error())
		return
	}
	c.hub.Subscribe(c, state.ID)

	resp, err := ws.NewResponse(msg.ID, msg.Action, map[string]any{
		"protocolVersion": ProtocolVersion,
		"sessionId":       state.ID,
		"session":         state.Summary(),
	})
	if err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error())
		return
	}
	c.sendMessage(resp)
}

func (c *Client) handleSubscribe(ctx context.Context, msg *ws.Message) {
	var req ws.SubscribePayload
	if err := msg.ParsePayload(&req); err != nil || req.SessionID == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInvalidSessionID, "sessionId is required")
		return
	}

	state, err := c.service.EnsureSessionState(ctx, req.SessionID, false)
	if err != nil {
		code := ws.ErrorCodeInvalidSessionID
		if errors.Is(err, orchestrator.ErrSessionDeleted) {
			code = ws.ErrorCodeSessionDeleted
		}
		c.sendError(msg.ID, msg.Action, code, err.Error())
		return
	}
	c.hub.Subscribe(c, state.ID)

	resp, _ := ws.NewResponse(msg.ID, ws.ActionSubscribed, map[string]any{
		"sessionId": state.ID,
		"session":   state.Summary(),
	})
	c.sendMessage(resp)
}

func (c *Client) handleUnsubscribe(msg *ws.Message) {
	var req ws.SubscribePayload
	if err := msg.ParsePayload(&req); err != nil || req.SessionID == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInvalidSessionID, "sessionId is required")
		return
	}
	c.hub.Unsubscribe(c, req.SessionID)

	resp, _ := ws.NewResponse(msg.ID, ws.ActionUnsubscribed, map[string]any{
		"sessionId": req.SessionID,
	})
	c.sendMessage(resp)
}

func (c *Client) handleTextInput(msg *ws.Message) {
	var req ws.TextInputPayload
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "invalid payload: "+err.Error())
		return
	}
	if !c.isSubscribed(req.SessionID) {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInvalidSessionID, "not subscribed to session")
		return
	}
	state, err := c.service.EnsureSessionState(context.Background(), req.SessionID, false)
	if err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInvalidSessionID, err.Error())
		return
	}

	// The run outlives this connection: other subscribers keep streaming
	// even if the originator drops.
	go func() {
		err := c.runner.Run(context.Background(), orchestrator.RunRequest{
			State:           state,
			Text:            req.Text,
			Source:          messagequeue.SourceUser,
			OriginConnID:    c.ID,
			ClientMessageID: req.ClientMessageID,
		})
		if err != nil {
			c.sendError(msg.ID, msg.Action, runErrorCode(err), err.Error())
		}
	}()
}

func runErrorCode(err error) string {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyText):
		return ws.ErrorCodeEmptyText
	case errors.Is(err, orchestrator.ErrSessionDeleted):
		return ws.ErrorCodeSessionDeleted
	case errors.Is(err, messagequeue.ErrQueueFull):
		return ws.ErrorCodeQueueError
	default:
		return ws.ErrorCodeUpstreamError
	}
}

func (c *Client) handleOutputCancel(msg *ws.Message) {
	var req ws.OutputCancelPayload
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "invalid payload: "+err.Error())
		return
	}
	if req.SessionID != "" {
		c.service.CancelActiveRun(req.SessionID, req.ResponseID, true)
		return
	}
	// No session named: cancel whatever is running in this client's scope.
	c.mu.RLock()
	sessions := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		sessions = append(sessions, id)
	}
	c.mu.RUnlock()
	for _, id := range sessions {
		c.service.CancelActiveRun(id, req.ResponseID, true)
	}
}

func (c *Client) handlePanelEvent(ctx context.Context, msg *ws.Message) {
	var req ws.PanelEventPayload
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "invalid payload: "+err.Error())
		return
	}
	if req.SessionID != "" && !c.isSubscribed(req.SessionID) {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInvalidSessionID, "not subscribed to session")
		return
	}
	if err := c.panels.Dispatch(ctx, &panels.Event{
		PanelID:      req.PanelID,
		PanelType:    req.PanelType,
		SessionID:    req.SessionID,
		Payload:      req.Payload,
		OriginConnID: c.ID,
	}); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error())
	}
}

func (c *Client) handleInteractionResponse(msg *ws.Message) {
	var req ws.InteractionResponsePayload
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "invalid payload: "+err.Error())
		return
	}
	resolved := c.service.ResolveInteraction(req.SessionID, &interaction.Response{
		CallID:        req.CallID,
		InteractionID: req.InteractionID,
		Action:        req.Action,
		Input:         string(req.Input),
		Reason:        req.Reason,
	})
	if !resolved {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInteractionUnavailable, "no pending interaction")
	}
}

func (c *Client) handleInteractionState(msg *ws.Message) {
	var req ws.InteractionStatePayload
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "invalid payload: "+err.Error())
		return
	}
	c.mu.Lock()
	c.interactionEnabled = req.Enabled && c.interactionSupported
	c.mu.Unlock()
}

func (c *Client) handleCLIToolCall(msg *ws.Message) {
	var req ws.CLIToolCallPayload
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "invalid payload: "+err.Error())
		return
	}
	if !c.isSubscribed(req.SessionID) {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInvalidSessionID, "not subscribed to session")
		return
	}
	c.service.RecordCliToolCall(req.SessionID, req.CallID, req.ToolName, req.Arguments)
}

// WritePump pumps frames from the send channel to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
