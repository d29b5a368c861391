package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/pkg/claudefile"
)

func boundSummary(providerID, cliSessionID, cwd string) *session.Summary {
	return &session.Summary{
		ID: "local-1",
		Attributes: session.Attributes{
			session.AttrProviders: map[string]any{
				providerID: map[string]any{
					session.AttrProviderSessionID: cliSessionID,
					session.AttrProviderCwd:       cwd,
				},
			},
		},
	}
}

func writeClaudeFile(t *testing.T, baseDir, cwd, sessionID string, lines []string) string {
	t.Helper()
	path := claudefile.SessionFilePath(baseDir, cwd, sessionID)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	content := ""
	for _, line := range lines {
		content += line + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestClaudeProviderTranslatesFile(t *testing.T) {
	baseDir := t.TempDir()
	store := NewStore(newMemRepo(), nil, newTestLogger(t))
	provider := NewClaudeProvider(baseDir, store, newTestLogger(t))

	writeClaudeFile(t, baseDir, "/work/proj", "cli-1", []string{
		`{"type":"user","uuid":"u1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"user","content":"list files"}}`,
		`{"type":"assistant","uuid":"a1","message":{"id":"msg1","role":"assistant","content":[{"type":"thinking","thinking":"checking","signature":"sig"},{"type":"tool_use","id":"tc1","name":"ls","input":{"path":"."}}]}}`,
		`{"type":"user","uuid":"u2","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tc1","content":"a.txt"}]}}`,
		`{"type":"assistant","uuid":"a2","message":{"id":"msg1","role":"assistant","content":[{"type":"text","text":"one file"}]}}`,
		`{"type":"system","subtype":"init"}`,
		`not json at all`,
	})

	events, err := provider.History(context.Background(), Request{
		SessionID:  "local-1",
		ProviderID: ProviderClaudeCLI,
		Summary:    boundSummary(ProviderClaudeCLI, "cli-1", "/work/proj"),
	})
	require.NoError(t, err)

	types := make([]EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	assert.Equal(t, []EventType{
		EventTurnStart,
		EventUserMessage,
		EventThinkingDone,
		EventToolCall,
		EventToolResult,
		EventAssistantDone,
		EventTurnEnd,
	}, types)

	// All events of the exchange share one turn.
	turnID := events[0].TurnID
	for _, ev := range events {
		assert.Equal(t, turnID, ev.TurnID)
	}
	assert.Equal(t, "local-1", events[1].SessionID)
}

func TestClaudeProviderDeduplicatesToolResults(t *testing.T) {
	baseDir := t.TempDir()
	store := NewStore(newMemRepo(), nil, newTestLogger(t))
	provider := NewClaudeProvider(baseDir, store, newTestLogger(t))

	writeClaudeFile(t, baseDir, "/work/proj", "cli-1", []string{
		`{"type":"assistant","uuid":"a1","message":{"id":"msg1","role":"assistant","content":[{"type":"tool_use","id":"tc1","name":"ls"}]}}`,
		`{"type":"user","uuid":"u1","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tc1","content":"a.txt"}]}}`,
		`{"type":"user","uuid":"u2","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tc1","content":"a.txt"}]}}`,
	})

	events, err := provider.History(context.Background(), Request{
		SessionID:  "local-1",
		ProviderID: ProviderClaudeCLI,
		Summary:    boundSummary(ProviderClaudeCLI, "cli-1", "/work/proj"),
	})
	require.NoError(t, err)

	results := 0
	for _, ev := range events {
		if ev.Type == EventToolResult {
			results++
		}
	}
	assert.Equal(t, 1, results)
}

func TestClaudeProviderNewTurnOnUserAfterAssistant(t *testing.T) {
	baseDir := t.TempDir()
	store := NewStore(newMemRepo(), nil, newTestLogger(t))
	provider := NewClaudeProvider(baseDir, store, newTestLogger(t))

	writeClaudeFile(t, baseDir, "/work/proj", "cli-1", []string{
		`{"type":"user","uuid":"u1","message":{"role":"user","content":"first"}}`,
		`{"type":"assistant","uuid":"a1","message":{"id":"m1","role":"assistant","content":[{"type":"text","text":"reply"}]}}`,
		`{"type":"user","uuid":"u2","message":{"role":"user","content":"second"}}`,
	})

	events, err := provider.History(context.Background(), Request{
		SessionID:  "local-1",
		ProviderID: ProviderClaudeCLI,
		Summary:    boundSummary(ProviderClaudeCLI, "cli-1", "/work/proj"),
	})
	require.NoError(t, err)

	var starts int
	for _, ev := range events {
		if ev.Type == EventTurnStart {
			starts++
		}
	}
	assert.Equal(t, 2, starts)
}

func TestClaudeProviderCacheReusedUntilFileChanges(t *testing.T) {
	baseDir := t.TempDir()
	store := NewStore(newMemRepo(), nil, newTestLogger(t))
	provider := NewClaudeProvider(baseDir, store, newTestLogger(t))
	req := Request{
		SessionID:  "local-1",
		ProviderID: ProviderClaudeCLI,
		Summary:    boundSummary(ProviderClaudeCLI, "cli-1", "/work/proj"),
	}

	path := writeClaudeFile(t, baseDir, "/work/proj", "cli-1", []string{
		`{"type":"user","uuid":"u1","message":{"role":"user","content":"first"}}`,
	})

	first, err := provider.History(context.Background(), req)
	require.NoError(t, err)
	again, err := provider.History(context.Background(), req)
	require.NoError(t, err)
	// Unchanged mtime serves the identical translation.
	require.Len(t, again, len(first))
	assert.Equal(t, first[0].ID, again[0].ID)

	writeClaudeFile(t, baseDir, "/work/proj", "cli-1", []string{
		`{"type":"user","uuid":"u1","message":{"role":"user","content":"first"}}`,
		`{"type":"user","uuid":"u2","message":{"role":"user","content":"second"}}`,
	})
	// Ensure the mtime moves even on coarse-grained filesystems.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	updated, err := provider.History(context.Background(), req)
	require.NoError(t, err)
	assert.Greater(t, len(updated), len(first))
}

func TestClaudeProviderFallsBackToStore(t *testing.T) {
	store := NewStore(newMemRepo(), nil, newTestLogger(t))
	provider := NewClaudeProvider(t.TempDir(), store, newTestLogger(t))

	stored := NewEvent("local-1", EventUserMessage, UserMessagePayload{Text: "from store"})
	require.NoError(t, store.Append(context.Background(), stored))

	// No binding at all.
	events, err := provider.History(context.Background(), Request{
		SessionID:  "local-1",
		ProviderID: ProviderClaudeCLI,
		Summary:    &session.Summary{ID: "local-1", Attributes: session.Attributes{}},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, stored.ID, events[0].ID)

	// Binding present but the file does not exist.
	events, err = provider.History(context.Background(), Request{
		SessionID:  "local-1",
		ProviderID: ProviderClaudeCLI,
		Summary:    boundSummary(ProviderClaudeCLI, "missing", "/work/proj"),
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, stored.ID, events[0].ID)
}

func TestClaudeProviderShouldPersist(t *testing.T) {
	store := NewStore(newMemRepo(), nil, newTestLogger(t))
	provider := NewClaudeProvider(t.TempDir(), store, newTestLogger(t))

	bound := Request{Summary: boundSummary(ProviderClaudeCLI, "cli-1", "/work/proj")}
	assert.False(t, provider.ShouldPersist(bound))

	unbound := Request{Summary: &session.Summary{Attributes: session.Attributes{}}}
	assert.True(t, provider.ShouldPersist(unbound))
}

func TestRegistryFirstSupporterWins(t *testing.T) {
	store := NewStore(newMemRepo(), nil, newTestLogger(t))
	claude := NewClaudeProvider(t.TempDir(), store, newTestLogger(t))
	registry := NewRegistry(claude, NewStoreProvider(store))

	stored := NewEvent("local-1", EventUserMessage, UserMessagePayload{Text: "generic"})
	require.NoError(t, store.Append(context.Background(), stored))

	// Unknown provider ids land on the store fallback.
	events, err := registry.History(context.Background(), Request{SessionID: "local-1", ProviderID: "anthropic"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, registry.ShouldPersist(Request{ProviderID: "anthropic"}))
}
