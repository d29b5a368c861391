// Package claudefile reads Claude CLI on-disk session files. The CLI keeps
// one JSONL file per session under a directory derived from the working
// directory the session ran in.
package claudefile

import "encoding/json"

// Entry types found in session files.
const (
	// EntryTypeUser is a user message; tool results also arrive as user
	// entries carrying tool_result content blocks.
	EntryTypeUser = "user"
	// EntryTypeAssistant carries assistant text, thinking, and tool_use blocks.
	EntryTypeAssistant = "assistant"
	// EntryTypeSummary is a conversation summary line.
	EntryTypeSummary = "summary"
	// EntryTypeSystem is CLI bookkeeping and is skipped on read.
	EntryTypeSystem = "system"
	// EntryTypeFileSnapshot records file history and is skipped on read.
	EntryTypeFileSnapshot = "file-history-snapshot"
)

// Content block types.
const (
	BlockTypeText       = "text"
	BlockTypeThinking   = "thinking"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// Entry is one line of a Claude CLI session file.
type Entry struct {
	Type       string `json:"type"`
	UUID       string `json:"uuid,omitempty"`
	ParentUUID string `json:"parentUuid,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	IsMeta     bool   `json:"isMeta,omitempty"`

	// For user and assistant entries
	Message *Message `json:"message,omitempty"`

	// For summary entries
	Summary  string `json:"summary,omitempty"`
	LeafUUID string `json:"leafUuid,omitempty"`
}

// Message is the chat message body of a user or assistant entry.
type Message struct {
	ID      string      `json:"id,omitempty"`
	Role    string      `json:"role"`
	Model   string      `json:"model,omitempty"`
	Content ContentList `json:"content,omitempty"`
}

// ContentList accepts both the string shorthand and the block-array form
// the CLI writes.
type ContentList []ContentBlock

// UnmarshalJSON decodes either a bare string or an array of content blocks.
func (c *ContentList) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*c = ContentList{{Type: BlockTypeText, Text: text}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*c = blocks
	return nil
}

// ContentBlock is one block of a message's content array.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// For tool_use blocks
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// For tool_result blocks; Content is either a string or nested blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText flattens a tool_result block's content to plain text.
func (b *ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(b.Content, &text); err == nil {
		return text
	}
	var nested []ContentBlock
	if err := json.Unmarshal(b.Content, &nested); err != nil {
		return ""
	}
	out := ""
	for _, block := range nested {
		if block.Type == BlockTypeText {
			out += block.Text
		}
	}
	return out
}

// HasToolResult reports whether any block of the message is a tool_result.
func (m *Message) HasToolResult() bool {
	for _, block := range m.Content {
		if block.Type == BlockTypeToolResult {
			return true
		}
	}
	return false
}
