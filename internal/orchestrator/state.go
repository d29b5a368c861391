// Package orchestrator owns live session state, the session hub, and the
// run controller executing turns against LLM providers.
package orchestrator

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/history"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/session"
)

// Sentinel errors surfaced to the gateway, which maps them to wire codes.
var (
	ErrEmptyText      = errors.New("text must not be empty")
	ErrSessionDeleted = errors.New("session is deleted")
	ErrRunActive      = errors.New("session already has an active run")
	ErrNoSession      = errors.New("no session available")
)

// ActiveRun is the in-flight turn of a session. At most one exists per
// session at a time.
type ActiveRun struct {
	ResponseID string
	TurnID     string
	StartedAt  time.Time

	cancel          atomic.Value // context.CancelFunc
	outputCancelled atomic.Bool

	mu        sync.Mutex
	toolCalls map[string]llm.ToolCall
}

func newActiveRun() *ActiveRun {
	return &ActiveRun{
		ResponseID: uuid.New().String(),
		TurnID:     uuid.New().String(),
		StartedAt:  time.Now(),
		toolCalls:  make(map[string]llm.ToolCall),
	}
}

func (r *ActiveRun) setCancel(cancel func()) {
	r.cancel.Store(cancel)
}

// Cancel aborts the run. Explicit cancels (a client's output_cancel) mark
// in-flight tool calls interrupted during finalization; implicit aborts do
// not.
func (r *ActiveRun) Cancel(explicit bool) {
	if explicit {
		r.outputCancelled.Store(true)
	}
	if cancel, ok := r.cancel.Load().(func()); ok && cancel != nil {
		cancel()
	}
}

// OutputCancelled reports whether the run was explicitly cancelled.
func (r *ActiveRun) OutputCancelled() bool {
	return r.outputCancelled.Load()
}

func (r *ActiveRun) registerToolCall(call llm.ToolCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolCalls[call.ID] = call
}

func (r *ActiveRun) completeToolCall(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.toolCalls, callID)
}

// pendingToolCalls snapshots the calls still awaiting a result.
func (r *ActiveRun) pendingToolCalls() []llm.ToolCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]llm.ToolCall, 0, len(r.toolCalls))
	for _, call := range r.toolCalls {
		out = append(out, call)
	}
	return out
}

// SessionState is the hub's in-memory view of one session.
type SessionState struct {
	ID string

	mu            sync.Mutex
	summary       *session.Summary
	agent         *agent.Agent
	chatMessages  []*history.Message
	activeRun     *ActiveRun
	historyLoaded bool
}

// Summary returns a deep copy of the session summary.
func (s *SessionState) Summary() *session.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary.Clone()
}

func (s *SessionState) setSummary(summary *session.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = summary
}

// Agent returns the resolved agent manifest for this session.
func (s *SessionState) Agent() *agent.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

// Messages snapshots the session's projected chat messages.
func (s *SessionState) Messages() []*history.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*history.Message, len(s.chatMessages))
	copy(out, s.chatMessages)
	return out
}

// AppendMessages extends the chat message list.
func (s *SessionState) AppendMessages(msgs ...*history.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatMessages = append(s.chatMessages, msgs...)
}

// RemoveMessage drops the given message if it is still the list's tail,
// covering the abort-before-output rule.
func (s *SessionState) RemoveMessage(msg *history.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.chatMessages); n > 0 && s.chatMessages[n-1] == msg {
		s.chatMessages = s.chatMessages[:n-1]
	}
}

func (s *SessionState) resetMessages() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatMessages = nil
}

// ActiveRun returns the in-flight run, or nil.
func (s *SessionState) ActiveRun() *ActiveRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRun
}

// beginRun installs run as the active run; false when one already exists.
func (s *SessionState) beginRun(run *ActiveRun) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRun != nil {
		return false
	}
	s.activeRun = run
	return true
}

// clearRun removes the active run iff it is still the given one.
func (s *SessionState) clearRun(run *ActiveRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRun == run {
		s.activeRun = nil
	}
}
