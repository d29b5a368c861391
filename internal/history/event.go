// Package history provides the canonical chat event log, history providers
// for external CLI session files, and the chat-message projection.
package history

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates chat event variants.
type EventType string

const (
	EventTurnStart      EventType = "turn_start"
	EventTurnEnd        EventType = "turn_end"
	EventUserMessage    EventType = "user_message"
	EventAssistantDone  EventType = "assistant_done"
	EventThinkingDone   EventType = "thinking_done"
	EventToolCall       EventType = "tool_call"
	EventToolResult     EventType = "tool_result"
	EventAgentCallback  EventType = "agent_callback"
	EventSummaryMessage EventType = "summary_message"
	EventCustomMessage  EventType = "custom_message"
	EventInterrupt      EventType = "interrupt"
)

// Event is one immutable entry in a session's chat log.
type Event struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"sessionId"`
	TurnID     string          `json:"turnId,omitempty"`
	ResponseID string          `json:"responseId,omitempty"`
	Type       EventType       `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// MessageSource identifies who originated a user-facing message.
type MessageSource string

const (
	SourceUser     MessageSource = "user"
	SourceAgent    MessageSource = "agent"
	SourceCallback MessageSource = "callback"
)

// MessageMeta qualifies user messages that did not come from the human
// directly in front of the session.
type MessageMeta struct {
	Source        MessageSource `json:"source,omitempty"`
	FromAgentID   string        `json:"fromAgentId,omitempty"`
	FromSessionID string        `json:"fromSessionId,omitempty"`
	Hidden        bool          `json:"hidden,omitempty"`
}

// Event payload variants.

// TurnStartPayload opens a turn. Trigger is "user", "agent", or "queued".
type TurnStartPayload struct {
	Trigger string `json:"trigger"`
}

// TurnEndPayload closes a turn.
type TurnEndPayload struct {
	Interrupted bool `json:"interrupted,omitempty"`
}

// UserMessagePayload carries submitted user text.
type UserMessagePayload struct {
	Text string       `json:"text"`
	Meta *MessageMeta `json:"meta,omitempty"`
}

// AssistantDonePayload carries the complete assistant text of one response.
type AssistantDonePayload struct {
	Text        string `json:"text"`
	Interrupted bool   `json:"interrupted,omitempty"`
}

// ThinkingDonePayload carries a completed reasoning block. Signature is the
// provider's opaque verification blob, kept so signature-preserving
// projections can replay it.
type ThinkingDonePayload struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

// ToolCallPayload records a tool invocation the model requested.
type ToolCallPayload struct {
	CallID    string          `json:"callId"`
	ToolName  string          `json:"toolName"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResultPayload records the outcome of a tool invocation.
type ToolResultPayload struct {
	CallID    string `json:"callId"`
	ToolName  string `json:"toolName,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// AgentCallbackPayload records text another agent sent back into this
// session.
type AgentCallbackPayload struct {
	FromAgentID   string `json:"fromAgentId"`
	FromSessionID string `json:"fromSessionId,omitempty"`
	Text          string `json:"text"`
}

// SummaryMessagePayload records a conversation summary produced by the
// provider (compaction, branch summaries, CLI summary entries).
type SummaryMessagePayload struct {
	SummaryType string `json:"summaryType,omitempty"`
	Text        string `json:"text"`
}

// CustomMessagePayload records provider-specific annotations.
type CustomMessagePayload struct {
	Label string `json:"label,omitempty"`
	Text  string `json:"text"`
}

// InterruptPayload records an explicit user interrupt.
type InterruptPayload struct {
	Reason string `json:"reason,omitempty"`
}

// NewEvent builds an event with a fresh id and the current timestamp.
// Marshaling the payload cannot fail for the payload types above, so a
// failure is treated as a programming error and produces an empty payload.
func NewEvent(sessionID string, typ EventType, payload any) *Event {
	ev := &Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      typ,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

// WithTurn attaches turn and response ids; empty values are kept as-is.
func (e *Event) WithTurn(turnID, responseID string) *Event {
	if turnID != "" {
		e.TurnID = turnID
	}
	if responseID != "" {
		e.ResponseID = responseID
	}
	return e
}

// DecodePayload unmarshals the payload into v.
func (e *Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.ID)
	}
	return json.Unmarshal(e.Payload, v)
}

// Text returns the primary text of the event for snippet and transcript
// use, or "" for events without one.
func (e *Event) Text() string {
	switch e.Type {
	case EventUserMessage:
		var p UserMessagePayload
		if e.DecodePayload(&p) == nil {
			return p.Text
		}
	case EventAssistantDone:
		var p AssistantDonePayload
		if e.DecodePayload(&p) == nil {
			return p.Text
		}
	case EventThinkingDone:
		var p ThinkingDonePayload
		if e.DecodePayload(&p) == nil {
			return p.Text
		}
	case EventAgentCallback:
		var p AgentCallbackPayload
		if e.DecodePayload(&p) == nil {
			return p.Text
		}
	case EventSummaryMessage:
		var p SummaryMessagePayload
		if e.DecodePayload(&p) == nil {
			return p.Text
		}
	case EventCustomMessage:
		var p CustomMessagePayload
		if e.DecodePayload(&p) == nil {
			return p.Text
		}
	}
	return ""
}
