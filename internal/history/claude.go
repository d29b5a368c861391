package history

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/pkg/claudefile"
)

// translatedFile caches one file's translation keyed by its mtime, so
// repeated history loads of an unchanged file cost a stat.
type translatedFile struct {
	modTimeNs int64
	events    []*Event
}

// fileEvent builds a translated event. The id comes from the source entry
// when it has one, so re-reading the same file yields the same ids.
func fileEvent(sessionID, id string, typ EventType, ts time.Time, payload any) *Event {
	ev := NewEvent(sessionID, typ, payload)
	if id != "" {
		ev.ID = id
	}
	if !ts.IsZero() {
		ev.Timestamp = ts
	}
	return ev
}

func parseEntryTime(raw string, last time.Time) time.Time {
	if raw == "" {
		return last
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts
	}
	return last
}

// ClaudeProvider serves history for sessions bound to the Claude CLI by
// reading the CLI's own session file. The file stays the source of truth;
// the provider never writes to the event store.
type ClaudeProvider struct {
	baseDir string
	store   *Store
	logger  *logger.Logger

	mu    sync.Mutex
	cache map[string]*translatedFile
}

// NewClaudeProvider creates a provider reading session files under baseDir.
func NewClaudeProvider(baseDir string, store *Store, log *logger.Logger) *ClaudeProvider {
	return &ClaudeProvider{
		baseDir: baseDir,
		store:   store,
		logger:  log.WithFields(zap.String("component", "claude-history")),
		cache:   make(map[string]*translatedFile),
	}
}

// Supports reports whether this provider serves the given provider id.
func (p *ClaudeProvider) Supports(providerID string) bool {
	return providerID == ProviderClaudeCLI
}

// ShouldPersist returns false once the session is bound to a CLI session
// file; until then events land in the store like any other session.
func (p *ClaudeProvider) ShouldPersist(req Request) bool {
	if req.Summary == nil {
		return true
	}
	_, ok := req.Summary.ProviderBinding(ProviderClaudeCLI)
	return !ok
}

// History reads and translates the session file. A missing binding or a
// file that does not exist yet falls back to the event store, covering
// sessions that have not produced a file and files pruned by the CLI.
func (p *ClaudeProvider) History(ctx context.Context, req Request) ([]*Event, error) {
	if req.Summary == nil {
		return p.store.Events(ctx, req.SessionID)
	}
	binding, ok := req.Summary.ProviderBinding(ProviderClaudeCLI)
	if !ok {
		return p.store.Events(ctx, req.SessionID)
	}
	cwd := binding.Cwd
	if cwd == "" {
		cwd = req.Summary.WorkingDir()
	}

	path := claudefile.SessionFilePath(p.baseDir, cwd, binding.SessionID)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			p.logger.WithSessionID(req.SessionID).Debug("session file missing, using event store",
				zap.String("path", path))
			return p.store.Events(ctx, req.SessionID)
		}
		return nil, err
	}

	p.mu.Lock()
	cached, ok := p.cache[path]
	p.mu.Unlock()
	if ok && cached.modTimeNs == info.ModTime().UnixNano() {
		return cached.events, nil
	}

	entries, skipped, err := claudefile.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		p.logger.WithSessionID(req.SessionID).Debug("skipped malformed session file lines",
			zap.Int("skipped", skipped), zap.String("path", path))
	}

	events := translateClaude(req.SessionID, entries)
	p.mu.Lock()
	p.cache[path] = &translatedFile{modTimeNs: info.ModTime().UnixNano(), events: events}
	p.mu.Unlock()
	return events, nil
}

// translateClaude maps CLI file entries onto the chat event model. Turns
// open at the start of the log and whenever a user message follows
// assistant output; tool results are deduplicated by tool_use id because
// the CLI can write the same result line more than once.
func translateClaude(sessionID string, entries []claudefile.Entry) []*Event {
	var out []*Event
	var turnID string
	var lastRole string
	var lastTS time.Time
	seenCalls := make(map[string]bool)
	seenResults := make(map[string]bool)

	openTurn := func(ts time.Time) {
		if turnID != "" {
			return
		}
		turnID = uuid.New().String()
		ev := fileEvent(sessionID, "", EventTurnStart, ts, TurnStartPayload{Trigger: "user"})
		out = append(out, ev.WithTurn(turnID, ""))
	}
	closeTurn := func(ts time.Time) {
		if turnID == "" {
			return
		}
		ev := fileEvent(sessionID, "", EventTurnEnd, ts, TurnEndPayload{})
		out = append(out, ev.WithTurn(turnID, ""))
		turnID = ""
	}

	for _, entry := range entries {
		ts := parseEntryTime(entry.Timestamp, lastTS)
		lastTS = ts

		switch entry.Type {
		case claudefile.EntryTypeSummary:
			// Summaries stand alone in their own turn.
			closeTurn(ts)
			openTurn(ts)
			ev := fileEvent(sessionID, entry.LeafUUID, EventSummaryMessage, ts,
				SummaryMessagePayload{SummaryType: "summary", Text: entry.Summary})
			out = append(out, ev.WithTurn(turnID, ""))
			closeTurn(ts)

		case claudefile.EntryTypeUser:
			if entry.IsMeta || entry.Message == nil {
				continue
			}
			if entry.Message.HasToolResult() {
				// Tool results ride in user entries but belong to the
				// assistant's turn; no role transition.
				openTurn(ts)
				for _, block := range entry.Message.Content {
					if block.Type != claudefile.BlockTypeToolResult || seenResults[block.ToolUseID] {
						continue
					}
					seenResults[block.ToolUseID] = true
					ev := fileEvent(sessionID, block.ToolUseID+":result", EventToolResult, ts,
						ToolResultPayload{CallID: block.ToolUseID, Content: block.ResultText(), IsError: block.IsError})
					out = append(out, ev.WithTurn(turnID, ""))
				}
				continue
			}
			text := ""
			for _, block := range entry.Message.Content {
				if block.Type == claudefile.BlockTypeText {
					text += block.Text
				}
			}
			if text == "" {
				continue
			}
			if lastRole == "assistant" {
				closeTurn(ts)
			}
			openTurn(ts)
			ev := fileEvent(sessionID, entry.UUID, EventUserMessage, ts, UserMessagePayload{Text: text})
			out = append(out, ev.WithTurn(turnID, ""))
			lastRole = "user"

		case claudefile.EntryTypeAssistant:
			if entry.Message == nil {
				continue
			}
			openTurn(ts)
			responseID := entry.Message.ID
			for i, block := range entry.Message.Content {
				switch block.Type {
				case claudefile.BlockTypeThinking:
					ev := fileEvent(sessionID, blockID(responseID, entry.UUID, "thinking", i), EventThinkingDone, ts,
						ThinkingDonePayload{Text: block.Thinking, Signature: block.Signature})
					out = append(out, ev.WithTurn(turnID, responseID))
				case claudefile.BlockTypeText:
					if block.Text == "" {
						continue
					}
					ev := fileEvent(sessionID, blockID(responseID, entry.UUID, "text", i), EventAssistantDone, ts,
						AssistantDonePayload{Text: block.Text})
					out = append(out, ev.WithTurn(turnID, responseID))
				case claudefile.BlockTypeToolUse:
					if seenCalls[block.ID] {
						continue
					}
					seenCalls[block.ID] = true
					ev := fileEvent(sessionID, block.ID+":call", EventToolCall, ts,
						ToolCallPayload{CallID: block.ID, ToolName: block.Name, Arguments: block.Input})
					out = append(out, ev.WithTurn(turnID, responseID))
				}
			}
			lastRole = "assistant"
		}
	}
	closeTurn(lastTS)
	return out
}

// blockID derives a stable per-block event id. Streaming writes can split
// one response across several file entries with the same message id, so the
// entry uuid keeps blocks from colliding.
func blockID(responseID, entryUUID, kind string, index int) string {
	base := responseID
	if entryUUID != "" {
		base = entryUUID
	}
	if base == "" {
		return ""
	}
	return base + ":" + kind + ":" + strconv.Itoa(index)
}
