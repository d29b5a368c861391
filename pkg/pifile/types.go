// Package pifile reads Pi CLI on-disk session files. Pi writes one JSONL
// file per session, named <timestamp>_<sessionID>.jsonl, inside a directory
// derived from the working directory.
package pifile

import "encoding/json"

// Entry types found in session files.
const (
	// EntryTypeSession is the header line with session metadata.
	EntryTypeSession = "session"
	// EntryTypeMessage carries a chat message with an explicit role.
	EntryTypeMessage = "message"
	// EntryTypeCompaction summarizes context that was compacted away.
	EntryTypeCompaction = "compaction"
	// EntryTypeBranchSummary summarizes an abandoned conversation branch.
	EntryTypeBranchSummary = "branch_summary"
	// EntryTypeCustomMessage is a labeled annotation injected by tooling.
	EntryTypeCustomMessage = "custom_message"
	// Tool executions arrive as start/update/end triples.
	EntryTypeToolExecStart  = "tool_execution_start"
	EntryTypeToolExecUpdate = "tool_execution_update"
	EntryTypeToolExecEnd    = "tool_execution_end"
)

// Message roles.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolResult = "toolResult"
)

// Entry is one line of a Pi session file. The type field selects which of
// the remaining fields are populated.
type Entry struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	// For session entries
	SessionID string `json:"sessionId,omitempty"`
	Cwd       string `json:"cwd,omitempty"`

	// For compaction and branch_summary entries
	Summary string `json:"summary,omitempty"`

	// For custom_message entries
	Label   string `json:"label,omitempty"`
	Content string `json:"content,omitempty"`

	// For tool_execution_* entries
	CallID   string          `json:"callId,omitempty"`
	ToolName string          `json:"toolName,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Result   string          `json:"result,omitempty"`
	IsError  bool            `json:"isError,omitempty"`

	// For message entries
	Message *Message `json:"message,omitempty"`
}

// Message is the chat body of a message entry.
type Message struct {
	Role    string      `json:"role"`
	Content ContentList `json:"content,omitempty"`

	// For toolResult messages
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
}

// ContentList accepts both the string shorthand and the block-array form.
type ContentList []ContentBlock

// UnmarshalJSON decodes either a bare string or an array of content blocks.
func (c *ContentList) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*c = ContentList{{Type: "text", Text: text}}
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
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// Text flattens the message content to plain text.
func (m *Message) Text() string {
	out := ""
	for _, block := range m.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

// Thinking returns the concatenated thinking content and the signature of
// the last thinking block, if any.
func (m *Message) Thinking() (text, signature string) {
	for _, block := range m.Content {
		if block.Type == "thinking" {
			text += block.Thinking
			if block.Signature != "" {
				signature = block.Signature
			}
		}
	}
	return text, signature
}
