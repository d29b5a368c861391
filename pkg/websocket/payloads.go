package websocket

import "encoding/json"

// Client -> server payloads.

// HelloPayload is sent by a client immediately after connecting.
type HelloPayload struct {
	ProtocolVersion int                 `json:"protocolVersion"`
	SessionID       string              `json:"sessionId,omitempty"`
	Force           bool                `json:"force,omitempty"`
	Capabilities    *ClientCapabilities `json:"capabilities,omitempty"`
}

// ClientCapabilities advertises optional client features at hello time.
type ClientCapabilities struct {
	// Interaction means the client can render and answer tool
	// interaction prompts.
	Interaction bool `json:"interaction,omitempty"`
}

// SubscribePayload attaches or detaches a connection to a session scope.
type SubscribePayload struct {
	SessionID string `json:"sessionId"`
}

// TextInputPayload submits user text to a session.
type TextInputPayload struct {
	SessionID       string `json:"sessionId"`
	Text            string `json:"text"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// OutputCancelPayload aborts an in-flight assistant response. When ResponseID
// is empty, the active run of SessionID (or of every subscribed session) is
// cancelled.
type OutputCancelPayload struct {
	SessionID  string `json:"sessionId,omitempty"`
	ResponseID string `json:"responseId,omitempty"`
}

// PanelEventPayload routes a UI panel event to its plugin handler.
type PanelEventPayload struct {
	PanelID   string          `json:"panelId"`
	PanelType string          `json:"panelType"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// InteractionResponsePayload answers a pending tool interaction.
type InteractionResponsePayload struct {
	SessionID     string          `json:"sessionId"`
	CallID        string          `json:"callId"`
	InteractionID string          `json:"interactionId"`
	Action        string          `json:"action"`
	Input         json.RawMessage `json:"input,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// InteractionStatePayload toggles whether this connection currently answers
// interaction prompts.
type InteractionStatePayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Enabled   bool   `json:"enabled"`
}

// CLIToolCallPayload reports a tool call observed out-of-band from an
// external CLI so tool results can be matched back to it.
type CLIToolCallPayload struct {
	SessionID string          `json:"sessionId"`
	CallID    string          `json:"callId"`
	ToolName  string          `json:"toolName"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Server -> client payloads.

// UserMessagePayload echoes a user message to the session's other subscribers.
type UserMessagePayload struct {
	SessionID       string            `json:"sessionId"`
	Text            string            `json:"text"`
	ClientMessageID string            `json:"clientMessageId,omitempty"`
	Meta            map[string]string `json:"meta,omitempty"`
}

// TextDeltaPayload carries one streamed chunk of assistant text.
type TextDeltaPayload struct {
	SessionID  string `json:"sessionId"`
	ResponseID string `json:"responseId"`
	Delta      string `json:"delta"`
}

// TextDonePayload closes a streamed assistant response.
type TextDonePayload struct {
	SessionID   string `json:"sessionId"`
	ResponseID  string `json:"responseId"`
	Text        string `json:"text"`
	Interrupted bool   `json:"interrupted,omitempty"`
}

// ThinkingPayload carries streamed reasoning content.
type ThinkingPayload struct {
	SessionID  string `json:"sessionId"`
	ResponseID string `json:"responseId"`
	Delta      string `json:"delta,omitempty"`
}

// ToolCallStartPayload announces a tool invocation requested by the model.
type ToolCallStartPayload struct {
	SessionID  string `json:"sessionId"`
	ResponseID string `json:"responseId"`
	CallID     string `json:"callId"`
	ToolName   string `json:"toolName"`
}

// ToolCallDeltaPayload streams a chunk of the tool call's argument JSON.
type ToolCallDeltaPayload struct {
	SessionID      string `json:"sessionId"`
	ResponseID     string `json:"responseId"`
	CallID         string `json:"callId"`
	ArgumentsDelta string `json:"argumentsDelta"`
}

// ToolCallDonePayload completes a tool invocation announcement.
type ToolCallDonePayload struct {
	SessionID  string          `json:"sessionId"`
	ResponseID string          `json:"responseId"`
	CallID     string          `json:"callId"`
	ToolName   string          `json:"toolName"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

// ToolResultPayload carries the outcome of a tool invocation.
type ToolResultPayload struct {
	SessionID string `json:"sessionId"`
	CallID    string `json:"callId"`
	ToolName  string `json:"toolName"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// OutputCancelledPayload confirms an explicit response cancellation.
type OutputCancelledPayload struct {
	SessionID  string `json:"sessionId"`
	ResponseID string `json:"responseId"`
}

// MessageQueuedPayload notifies that input was queued behind an active run.
type MessageQueuedPayload struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Position  int    `json:"position"`
	Text      string `json:"text,omitempty"`
}

// MessageDequeuedPayload notifies that a queued message started its turn.
type MessageDequeuedPayload struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Remaining int    `json:"remaining"`
}

// InteractionRequestPayload asks subscribers to resolve a tool interaction.
type InteractionRequestPayload struct {
	SessionID     string          `json:"sessionId"`
	CallID        string          `json:"callId"`
	InteractionID string          `json:"interactionId"`
	ToolName      string          `json:"toolName"`
	Prompt        string          `json:"prompt,omitempty"`
	Options       json.RawMessage `json:"options,omitempty"`
	TimeoutMs     int             `json:"timeoutMs,omitempty"`
}

// InteractionCancelledPayload tells subscribers a pending interaction went away.
type InteractionCancelledPayload struct {
	SessionID     string `json:"sessionId"`
	CallID        string `json:"callId"`
	InteractionID string `json:"interactionId"`
	Reason        string `json:"reason,omitempty"`
}
