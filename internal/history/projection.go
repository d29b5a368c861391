package history

import (
	"encoding/json"
	"strings"
)

// Message roles produced by the projection.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one provider-facing chat completion message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`

	// For assistant messages carrying tool invocations.
	ToolCalls []MessageToolCall `json:"toolCalls,omitempty"`

	// For tool messages, the call this result answers.
	ToolCallID string `json:"toolCallId,omitempty"`

	// Preserved reasoning, only populated when the projection target keeps
	// signatures.
	Thinking          string `json:"thinking,omitempty"`
	ThinkingSignature string `json:"thinkingSignature,omitempty"`
}

// MessageToolCall is one tool invocation inside an assistant message.
type MessageToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ProjectionOptions select the provider variant.
type ProjectionOptions struct {
	// PreserveThinking keeps thinking blocks with their signatures, for
	// providers that verify and replay them.
	PreserveThinking bool

	// TargetProvider names the provider the messages are for. The value
	// "openai-responses" additionally triggers call-id remapping for ids
	// that embed a function-call id after a "|" separator.
	TargetProvider string
}

const callbackPrefix = "[Callback from "

// ProjectMessages folds an ordered event stream into a linear message list.
// Consecutive tool calls collapse into one synthetic assistant message, and
// assistant text lands on that message when it has none yet so providers
// see tool calls attached to their response.
func ProjectMessages(events []*Event, opts ProjectionOptions) []*Message {
	var msgs []*Message
	var synth *Message

	for _, ev := range events {
		switch ev.Type {
		case EventUserMessage:
			var p UserMessagePayload
			if ev.DecodePayload(&p) != nil || p.Text == "" {
				continue
			}
			synth = nil
			msgs = append(msgs, &Message{Role: RoleUser, Content: p.Text})

		case EventAgentCallback:
			var p AgentCallbackPayload
			if ev.DecodePayload(&p) != nil {
				continue
			}
			synth = nil
			msgs = append(msgs, &Message{
				Role:    RoleUser,
				Content: callbackPrefix + p.FromAgentID + "]: " + p.Text,
			})

		case EventToolCall:
			var p ToolCallPayload
			if ev.DecodePayload(&p) != nil {
				continue
			}
			if synth == nil {
				synth = &Message{Role: RoleAssistant}
				msgs = append(msgs, synth)
			}
			synth.ToolCalls = append(synth.ToolCalls, MessageToolCall{
				ID:        remapCallID(p.CallID, opts.TargetProvider),
				Name:      p.ToolName,
				Arguments: p.Arguments,
			})

		case EventToolResult:
			var p ToolResultPayload
			if ev.DecodePayload(&p) != nil {
				continue
			}
			msgs = append(msgs, &Message{
				Role:       RoleTool,
				ToolCallID: remapCallID(p.CallID, opts.TargetProvider),
				Content:    resultContent(p),
			})

		case EventAssistantDone:
			var p AssistantDonePayload
			if ev.DecodePayload(&p) != nil {
				continue
			}
			if synth != nil && synth.Content == "" {
				synth.Content = p.Text
			} else {
				msgs = append(msgs, &Message{Role: RoleAssistant, Content: p.Text})
			}
			synth = nil

		case EventThinkingDone:
			if !opts.PreserveThinking {
				continue
			}
			var p ThinkingDonePayload
			if ev.DecodePayload(&p) != nil {
				continue
			}
			if synth == nil {
				synth = &Message{Role: RoleAssistant}
				msgs = append(msgs, synth)
			}
			synth.Thinking += p.Text
			if p.Signature != "" {
				synth.ThinkingSignature = p.Signature
			}
		}
	}
	return msgs
}

// resultContent serializes a tool result for the model. Errors use a fixed
// envelope so every provider sees the same failure shape.
func resultContent(p ToolResultPayload) string {
	if !p.IsError {
		return p.Content
	}
	msg := p.Content
	if msg == "" {
		// Interrupted and timed-out results carry only a code.
		msg = p.ErrorCode
	}
	env := struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}{OK: false, Error: msg}
	data, err := json.Marshal(env)
	if err != nil {
		return `{"ok":false,"error":"tool failed"}`
	}
	return string(data)
}

// remapCallID extracts the function-call id from composite ids of the form
// "<responseId>|fc_<id>". Only the openai-responses API addresses calls by
// the fc_ part; everyone else keeps the id verbatim.
func remapCallID(callID, targetProvider string) string {
	if targetProvider != "openai-responses" {
		return callID
	}
	if idx := strings.Index(callID, "|fc_"); idx >= 0 {
		return callID[idx+1:]
	}
	return callID
}

// ProjectTranscript renders the event stream as a plain alternating
// transcript for CLI providers that take history as prose.
func ProjectTranscript(events []*Event) string {
	var b strings.Builder
	for _, ev := range events {
		switch ev.Type {
		case EventUserMessage:
			var p UserMessagePayload
			if ev.DecodePayload(&p) == nil && p.Text != "" {
				writeTranscriptLine(&b, "User: ", p.Text)
			}
		case EventAgentCallback:
			var p AgentCallbackPayload
			if ev.DecodePayload(&p) == nil {
				writeTranscriptLine(&b, "User: ", callbackPrefix+p.FromAgentID+"]: "+p.Text)
			}
		case EventAssistantDone:
			var p AssistantDonePayload
			if ev.DecodePayload(&p) == nil && p.Text != "" {
				writeTranscriptLine(&b, "Assistant: ", p.Text)
			}
		}
	}
	return b.String()
}

func writeTranscriptLine(b *strings.Builder, prefix, text string) {
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString(prefix)
	b.WriteString(text)
}
