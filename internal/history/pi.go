package history

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/pkg/pifile"
)

// PiProvider serves history for sessions bound to the Pi CLI from the
// CLI's own session files, with the same file-as-source-of-truth contract
// as the Claude provider.
type PiProvider struct {
	baseDir string
	store   *Store
	logger  *logger.Logger

	mu    sync.Mutex
	cache map[string]*translatedFile
}

// NewPiProvider creates a provider reading session files under baseDir.
func NewPiProvider(baseDir string, store *Store, log *logger.Logger) *PiProvider {
	return &PiProvider{
		baseDir: baseDir,
		store:   store,
		logger:  log.WithFields(zap.String("component", "pi-history")),
		cache:   make(map[string]*translatedFile),
	}
}

// Supports reports whether this provider serves the given provider id.
func (p *PiProvider) Supports(providerID string) bool {
	return providerID == ProviderPiCLI
}

// ShouldPersist returns false once the session is bound to a CLI session
// file.
func (p *PiProvider) ShouldPersist(req Request) bool {
	if req.Summary == nil {
		return true
	}
	_, ok := req.Summary.ProviderBinding(ProviderPiCLI)
	return !ok
}

// History locates, reads, and translates the session file, falling back to
// the event store when no binding or file exists.
func (p *PiProvider) History(ctx context.Context, req Request) ([]*Event, error) {
	if req.Summary == nil {
		return p.store.Events(ctx, req.SessionID)
	}
	binding, ok := req.Summary.ProviderBinding(ProviderPiCLI)
	if !ok {
		return p.store.Events(ctx, req.SessionID)
	}
	cwd := binding.Cwd
	if cwd == "" {
		cwd = req.Summary.WorkingDir()
	}

	path, err := pifile.FindSessionFile(p.baseDir, cwd, binding.SessionID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			p.logger.WithSessionID(req.SessionID).Debug("session file missing, using event store")
			return p.store.Events(ctx, req.SessionID)
		}
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
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

	entries, skipped, err := pifile.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		p.logger.WithSessionID(req.SessionID).Debug("skipped malformed session file lines",
			zap.Int("skipped", skipped), zap.String("path", path))
	}

	events := translatePi(req.SessionID, entries)
	p.mu.Lock()
	p.cache[path] = &translatedFile{modTimeNs: info.ModTime().UnixNano(), events: events}
	p.mu.Unlock()
	return events, nil
}

// translatePi maps Pi file entries onto the chat event model. Pi records
// tool activity both as toolResult messages and as typed execution entries;
// call ids deduplicate across the two forms.
func translatePi(sessionID string, entries []pifile.Entry) []*Event {
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
	standalone := func(id string, typ EventType, ts time.Time, payload any) {
		hadTurn := turnID != ""
		openTurn(ts)
		ev := fileEvent(sessionID, id, typ, ts, payload)
		out = append(out, ev.WithTurn(turnID, ""))
		if !hadTurn {
			closeTurn(ts)
		}
	}

	for _, entry := range entries {
		ts := parseEntryTime(entry.Timestamp, lastTS)
		lastTS = ts

		switch entry.Type {
		case pifile.EntryTypeMessage:
			if entry.Message == nil {
				continue
			}
			switch entry.Message.Role {
			case pifile.RoleUser:
				text := entry.Message.Text()
				if text == "" {
					continue
				}
				if lastRole == pifile.RoleAssistant {
					closeTurn(ts)
				}
				openTurn(ts)
				ev := fileEvent(sessionID, entry.ID, EventUserMessage, ts, UserMessagePayload{Text: text})
				out = append(out, ev.WithTurn(turnID, ""))
				lastRole = pifile.RoleUser

			case pifile.RoleAssistant:
				openTurn(ts)
				responseID := entry.ID
				if thinking, signature := entry.Message.Thinking(); thinking != "" {
					ev := fileEvent(sessionID, blockID(responseID, "", "thinking", 0), EventThinkingDone, ts,
						ThinkingDonePayload{Text: thinking, Signature: signature})
					out = append(out, ev.WithTurn(turnID, responseID))
				}
				for _, block := range entry.Message.Content {
					if block.Type != "toolCall" && block.Type != "tool_use" {
						continue
					}
					if block.ID == "" || seenCalls[block.ID] {
						continue
					}
					seenCalls[block.ID] = true
					ev := fileEvent(sessionID, block.ID+":call", EventToolCall, ts,
						ToolCallPayload{CallID: block.ID, ToolName: block.Name, Arguments: block.Input})
					out = append(out, ev.WithTurn(turnID, responseID))
				}
				if text := entry.Message.Text(); text != "" {
					ev := fileEvent(sessionID, blockID(responseID, "", "text", 0), EventAssistantDone, ts,
						AssistantDonePayload{Text: text})
					out = append(out, ev.WithTurn(turnID, responseID))
				}
				lastRole = pifile.RoleAssistant

			case pifile.RoleToolResult:
				callID := entry.Message.ToolCallID
				if callID == "" || seenResults[callID] {
					continue
				}
				seenResults[callID] = true
				openTurn(ts)
				ev := fileEvent(sessionID, callID+":result", EventToolResult, ts,
					ToolResultPayload{
						CallID:   callID,
						ToolName: entry.Message.ToolName,
						Content:  entry.Message.Text(),
						IsError:  entry.Message.IsError,
					})
				out = append(out, ev.WithTurn(turnID, ""))
			}

		case pifile.EntryTypeCompaction, pifile.EntryTypeBranchSummary:
			closeTurn(ts)
			standalone(entry.ID, EventSummaryMessage, ts,
				SummaryMessagePayload{SummaryType: entry.Type, Text: entry.Summary})

		case pifile.EntryTypeCustomMessage:
			standalone(entry.ID, EventCustomMessage, ts,
				CustomMessagePayload{Label: entry.Label, Text: entry.Content})

		case pifile.EntryTypeToolExecStart:
			if entry.CallID == "" || seenCalls[entry.CallID] {
				continue
			}
			seenCalls[entry.CallID] = true
			openTurn(ts)
			ev := fileEvent(sessionID, entry.CallID+":call", EventToolCall, ts,
				ToolCallPayload{CallID: entry.CallID, ToolName: entry.ToolName, Arguments: entry.Args})
			out = append(out, ev.WithTurn(turnID, ""))

		case pifile.EntryTypeToolExecEnd:
			if entry.CallID == "" || seenResults[entry.CallID] {
				continue
			}
			seenResults[entry.CallID] = true
			openTurn(ts)
			ev := fileEvent(sessionID, entry.CallID+":result", EventToolResult, ts,
				ToolResultPayload{
					CallID:   entry.CallID,
					ToolName: entry.ToolName,
					Content:  entry.Result,
					IsError:  entry.IsError,
				})
			out = append(out, ev.WithTurn(turnID, ""))
		}
	}
	closeTurn(lastTS)
	return out
}
