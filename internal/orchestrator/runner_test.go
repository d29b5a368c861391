package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/history"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/tools"
	wsproto "github.com/parleyhq/parley/pkg/websocket"
)

func textStream(chunks ...string) []llm.StreamEvent {
	var evs []llm.StreamEvent
	for _, chunk := range chunks {
		evs = append(evs, llm.StreamEvent{Type: llm.EventTextDelta, Text: chunk})
	}
	return append(evs, llm.StreamEvent{Type: llm.EventDone})
}

func eventTypes(evs []*history.Event) []history.EventType {
	out := make([]history.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestRunSimpleTextTurn(t *testing.T) {
	provider := newScriptedProvider(textStream("Hello", ", world"))
	h := newHarness(t, provider)
	state := h.newSession(t)

	err := h.runner.Run(context.Background(), RunRequest{
		State:        state,
		Text:         "hi there",
		OriginConnID: "conn-1",
	})
	require.NoError(t, err)

	actions := h.notifier.sessionActions(state.ID)
	assert.Equal(t, []string{
		wsproto.ActionUserMessage,
		wsproto.ActionTextDelta,
		wsproto.ActionTextDelta,
		wsproto.ActionTextDone,
	}, actions)

	var done wsproto.TextDonePayload
	h.notifier.lastPayload(t, state.ID, wsproto.ActionTextDone, &done)
	assert.Equal(t, "Hello, world", done.Text)
	assert.False(t, done.Interrupted)

	evs, err := h.store.Events(context.Background(), state.ID)
	require.NoError(t, err)
	assert.Equal(t, []history.EventType{
		history.EventTurnStart,
		history.EventUserMessage,
		history.EventAssistantDone,
		history.EventTurnEnd,
	}, eventTypes(evs))
	for _, ev := range evs {
		assert.Equal(t, evs[0].TurnID, ev.TurnID, "all turn events share the turn id")
	}

	// Transcript ends user -> assistant and the run slot is free again.
	msgs := state.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, history.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi there", msgs[0].Content)
	assert.Equal(t, "Hello, world", msgs[1].Content)
	assert.Nil(t, state.ActiveRun())

	// Recency got bumped with the input as snippet source.
	summary, err := h.repo.Get(context.Background(), state.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", summary.LastSnippet)
}

func TestRunToolRoundTrip(t *testing.T) {
	args := json.RawMessage(`{"query":"weather"}`)
	provider := newScriptedProvider(
		[]llm.StreamEvent{
			{Type: llm.EventToolCall, ToolCall: &llm.ToolCall{ID: "call-1", Name: "search", Arguments: args}},
			{Type: llm.EventDone},
		},
		textStream("It is sunny."),
	)
	h := newHarness(t, provider)
	h.tools.Register(&tools.Func{
		ToolName: "search",
		Fn: func(ctx context.Context, raw json.RawMessage) (string, error) {
			return "sunny, 22C", nil
		},
	})
	state := h.newSession(t)

	require.NoError(t, h.runner.Run(context.Background(), RunRequest{State: state, Text: "weather?"}))

	actions := h.notifier.sessionActions(state.ID)
	assert.Equal(t, []string{
		wsproto.ActionUserMessage,
		wsproto.ActionToolCallStart,
		wsproto.ActionToolCallDone,
		wsproto.ActionToolResult,
		wsproto.ActionTextDelta,
		wsproto.ActionTextDone,
	}, actions)

	var result wsproto.ToolResultPayload
	h.notifier.lastPayload(t, state.ID, wsproto.ActionToolResult, &result)
	assert.Equal(t, "call-1", result.CallID)
	assert.Equal(t, "sunny, 22C", result.Content)
	assert.False(t, result.IsError)

	evs, err := h.store.Events(context.Background(), state.ID)
	require.NoError(t, err)
	assert.Equal(t, []history.EventType{
		history.EventTurnStart,
		history.EventUserMessage,
		history.EventToolCall,
		history.EventToolResult,
		history.EventAssistantDone,
		history.EventTurnEnd,
	}, eventTypes(evs))

	// The second stream request fed the tool result back to the model.
	require.Equal(t, 2, provider.requestCount())
	second := provider.request(1)
	require.Len(t, second.Messages, 3)
	assert.Equal(t, history.RoleAssistant, second.Messages[1].Role)
	require.Len(t, second.Messages[1].ToolCalls, 1)
	assert.Equal(t, "call-1", second.Messages[1].ToolCalls[0].ID)
	assert.Equal(t, history.RoleTool, second.Messages[2].Role)
	assert.Equal(t, "sunny, 22C", second.Messages[2].Content)
}

func TestRunQueuesBehindActiveRun(t *testing.T) {
	// First stream blocks until cancelled, second serves the queued input.
	provider := newScriptedProvider(nil, textStream("done"))
	h := newHarness(t, provider)
	state := h.newSession(t)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- h.runner.Run(context.Background(), RunRequest{State: state, Text: "first"})
	}()
	<-provider.started

	require.NoError(t, h.runner.Run(context.Background(), RunRequest{State: state, Text: "second"}))
	assert.Equal(t, 1, h.service.Queue().Len(state.ID))

	var queued wsproto.MessageQueuedPayload
	h.notifier.lastPayload(t, state.ID, wsproto.ActionMessageQueued, &queued)
	assert.Equal(t, 1, queued.Position)
	assert.Equal(t, "second", queued.Text)

	// Abort the first run; the queued message replays automatically.
	require.True(t, h.service.CancelActiveRun(state.ID, "", false))
	require.NoError(t, <-firstDone)

	waitFor(t, func() bool {
		for _, action := range h.notifier.sessionActions(state.ID) {
			if action == wsproto.ActionTextDone {
				return true
			}
		}
		return false
	})
	assert.Equal(t, 0, h.service.Queue().Len(state.ID))

	var dequeued wsproto.MessageDequeuedPayload
	h.notifier.lastPayload(t, state.ID, wsproto.ActionMessageDequeued, &dequeued)
	assert.Equal(t, queued.MessageID, dequeued.MessageID)
	assert.Equal(t, 0, dequeued.Remaining)
}

func TestRunAbortBeforeOutputPopsUserMessage(t *testing.T) {
	provider := newScriptedProvider(nil)
	h := newHarness(t, provider)
	state := h.newSession(t)

	done := make(chan error, 1)
	go func() {
		done <- h.runner.Run(context.Background(), RunRequest{State: state, Text: "never answered"})
	}()
	<-provider.started

	require.True(t, h.service.CancelActiveRun(state.ID, "", true))
	require.NoError(t, <-done)

	// The user message was taken back so a resubmission will not double it.
	assert.Empty(t, state.Messages())
	assert.Nil(t, state.ActiveRun())

	actions := h.notifier.sessionActions(state.ID)
	assert.Contains(t, actions, wsproto.ActionOutputCancelled)
	assert.NotContains(t, actions, wsproto.ActionTextDone)

	evs, err := h.store.Events(context.Background(), state.ID)
	require.NoError(t, err)
	assert.Equal(t, []history.EventType{
		history.EventTurnStart,
		history.EventUserMessage,
		history.EventInterrupt,
		history.EventTurnEnd,
	}, eventTypes(evs))
	last := evs[len(evs)-1]
	var end history.TurnEndPayload
	require.NoError(t, last.DecodePayload(&end))
	assert.True(t, end.Interrupted)
}

func TestRunExplicitCancelMarksInFlightToolCalls(t *testing.T) {
	provider := newScriptedProvider(
		[]llm.StreamEvent{
			{Type: llm.EventTextDelta, Text: "Checking"},
			{Type: llm.EventToolCall, ToolCall: &llm.ToolCall{ID: "call-9", Name: "slow", Arguments: json.RawMessage(`{}`)}},
			{Type: llm.EventDone},
		},
	)
	h := newHarness(t, provider)
	started := make(chan struct{})
	h.tools.Register(&tools.Func{
		ToolName: "slow",
		Fn: func(ctx context.Context, _ json.RawMessage) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		},
	})
	state := h.newSession(t)

	done := make(chan error, 1)
	go func() {
		done <- h.runner.Run(context.Background(), RunRequest{State: state, Text: "go slow"})
	}()
	<-started

	require.True(t, h.service.CancelActiveRun(state.ID, "", true))
	require.NoError(t, <-done)

	actions := h.notifier.sessionActions(state.ID)
	assert.Contains(t, actions, wsproto.ActionOutputCancelled)

	// Both the host's interrupted result and the finalizer agree on the code.
	var result wsproto.ToolResultPayload
	h.notifier.lastPayload(t, state.ID, wsproto.ActionToolResult, &result)
	assert.Equal(t, "call-9", result.CallID)
	assert.True(t, result.IsError)
	assert.Equal(t, tools.CodeInterrupted, result.ErrorCode)

	var doneP wsproto.TextDonePayload
	h.notifier.lastPayload(t, state.ID, wsproto.ActionTextDone, &doneP)
	assert.True(t, doneP.Interrupted)
	assert.Equal(t, "Checking", doneP.Text)

	// An explicit cancel leaves an interrupt event in the log; the turn
	// still closes with turn_end.
	evs, err := h.store.Events(context.Background(), state.ID)
	require.NoError(t, err)
	types := eventTypes(evs)
	assert.Contains(t, types, history.EventInterrupt)
	assert.Equal(t, history.EventTurnEnd, types[len(types)-1])
}

func TestRunImplicitAbortLeavesNoInterruptEvent(t *testing.T) {
	provider := newScriptedProvider(nil)
	h := newHarness(t, provider)
	state := h.newSession(t)

	done := make(chan error, 1)
	go func() {
		done <- h.runner.Run(context.Background(), RunRequest{State: state, Text: "switched away"})
	}()
	<-provider.started

	require.True(t, h.service.CancelActiveRun(state.ID, "", false))
	require.NoError(t, <-done)

	evs, err := h.store.Events(context.Background(), state.ID)
	require.NoError(t, err)
	assert.NotContains(t, eventTypes(evs), history.EventInterrupt)
	assert.NotContains(t, h.notifier.sessionActions(state.ID), wsproto.ActionOutputCancelled)
}

func TestRunRejectsEmptyText(t *testing.T) {
	h := newHarness(t, newScriptedProvider())
	state := h.newSession(t)

	err := h.runner.Run(context.Background(), RunRequest{State: state, Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyText)
	assert.Empty(t, state.Messages())
}

func TestRunAgentCallbackPrefixesContent(t *testing.T) {
	provider := newScriptedProvider(textStream("noted"))
	h := newHarness(t, provider)
	state := h.newSession(t)

	require.NoError(t, h.runner.Run(context.Background(), RunRequest{
		State:         state,
		Text:          "task finished",
		Source:        "agent",
		FromAgentID:   "researcher",
		FromSessionID: "other-session",
	}))

	msgs := state.Messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, "[Callback from researcher]: task finished", msgs[0].Content)

	var echo wsproto.UserMessagePayload
	h.notifier.lastPayload(t, state.ID, wsproto.ActionUserMessage, &echo)
	assert.Equal(t, "task finished", echo.Text)
	assert.Equal(t, "researcher", echo.Meta["fromAgentId"])

	evs, err := h.store.Events(context.Background(), state.ID)
	require.NoError(t, err)
	assert.Equal(t, history.EventAgentCallback, evs[1].Type)
}

func TestRunUpstreamErrorFinishesInterrupted(t *testing.T) {
	provider := newScriptedProvider([]llm.StreamEvent{
		{Type: llm.EventTextDelta, Text: "partial"},
		{Type: llm.EventError, Err: assert.AnError},
	})
	h := newHarness(t, provider)
	state := h.newSession(t)

	err := h.runner.Run(context.Background(), RunRequest{State: state, Text: "boom"})
	require.Error(t, err)

	var done wsproto.TextDonePayload
	h.notifier.lastPayload(t, state.ID, wsproto.ActionTextDone, &done)
	assert.True(t, done.Interrupted)
	assert.Equal(t, "partial", done.Text)

	// The run slot is free so the session is not wedged.
	assert.Nil(t, state.ActiveRun())
	require.NoError(t, h.runner.Run(context.Background(), RunRequest{State: state, Text: "again"}))
}

func TestRunThinkingPersistedWithSignature(t *testing.T) {
	provider := newScriptedProvider([]llm.StreamEvent{
		{Type: llm.EventThinkingStart},
		{Type: llm.EventThinkingDelta, Text: "pondering"},
		{Type: llm.EventThinkingEnd, ThinkingSignature: "sig-1"},
		{Type: llm.EventTextDelta, Text: "answer"},
		{Type: llm.EventDone},
	})
	h := newHarness(t, provider)
	state := h.newSession(t)

	require.NoError(t, h.runner.Run(context.Background(), RunRequest{State: state, Text: "think first"}))

	actions := h.notifier.sessionActions(state.ID)
	assert.Contains(t, actions, wsproto.ActionThinkingStart)
	assert.Contains(t, actions, wsproto.ActionThinkingDelta)
	assert.Contains(t, actions, wsproto.ActionThinkingEnd)

	evs, err := h.store.Events(context.Background(), state.ID)
	require.NoError(t, err)
	var thinking *history.Event
	for _, ev := range evs {
		if ev.Type == history.EventThinkingDone {
			thinking = ev
		}
	}
	require.NotNil(t, thinking)
	var payload history.ThinkingDonePayload
	require.NoError(t, thinking.DecodePayload(&payload))
	assert.Equal(t, "pondering", payload.Text)
	assert.Equal(t, "sig-1", payload.Signature)
}

func TestRunToolErrorEnvelopeFedBack(t *testing.T) {
	provider := newScriptedProvider(
		[]llm.StreamEvent{
			{Type: llm.EventToolCall, ToolCall: &llm.ToolCall{ID: "call-2", Name: "flaky", Arguments: json.RawMessage(`{}`)}},
			{Type: llm.EventDone},
		},
		textStream("recovered"),
	)
	h := newHarness(t, provider)
	h.tools.Register(&tools.Func{
		ToolName: "flaky",
		Fn: func(ctx context.Context, _ json.RawMessage) (string, error) {
			return "", assert.AnError
		},
	})
	state := h.newSession(t)

	require.NoError(t, h.runner.Run(context.Background(), RunRequest{State: state, Text: "try it"}))

	second := provider.request(1)
	toolMsg := second.Messages[len(second.Messages)-1]
	assert.Equal(t, history.RoleTool, toolMsg.Role)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal([]byte(toolMsg.Content), &envelope))
	assert.Equal(t, false, envelope["ok"])
	assert.NotEmpty(t, envelope["error"])

	waitFor(t, func() bool { return state.ActiveRun() == nil })
}
