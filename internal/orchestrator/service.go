package orchestrator

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/common/tracing"
	"github.com/parleyhq/parley/internal/history"
	"github.com/parleyhq/parley/internal/interaction"
	"github.com/parleyhq/parley/internal/orchestrator/messagequeue"
	"github.com/parleyhq/parley/internal/session"
	wsproto "github.com/parleyhq/parley/pkg/websocket"
)

const defaultCacheSize = 100

// Notifier is the outbound fan-out surface, implemented by the websocket
// hub. The orchestrator talks to it through this interface so the gateway
// can depend on the orchestrator and not the other way around.
type Notifier interface {
	BroadcastToSession(sessionID string, msg *wsproto.Message)
	BroadcastToSessionExcluding(sessionID string, msg *wsproto.Message, exceptConnID string)
	BroadcastToAll(msg *wsproto.Message)
	// SessionConnectionCount reports how many live connections are
	// subscribed to the session.
	SessionConnectionCount(sessionID string) int
	// InteractionAvailability reports how many of the session's
	// connections advertise interaction support and how many have it
	// enabled right now.
	InteractionAvailability(sessionID string) (supported, enabled int)
}

type noopNotifier struct{}

func (noopNotifier) BroadcastToSession(string, *wsproto.Message)                  {}
func (noopNotifier) BroadcastToSessionExcluding(string, *wsproto.Message, string) {}
func (noopNotifier) BroadcastToAll(*wsproto.Message)                              {}
func (noopNotifier) SessionConnectionCount(string) int                            { return 0 }
func (noopNotifier) InteractionAvailability(string) (int, int)                    { return 0, 0 }

// Config carries the hub's tunables.
type Config struct {
	// CacheSize bounds how many session states stay resident.
	CacheSize int
	// WorkspaceRoot is where per-session working directories are
	// provisioned. Empty disables provisioning.
	WorkspaceRoot string
	// QueueLimit bounds each session's message queue.
	QueueLimit int
}

// Service is the session hub: it owns resident SessionStates, the message
// queues, and every session index mutation that has to fan out to clients.
type Service struct {
	repo         session.Repository
	store        *history.Store
	histProvider *history.Registry
	agents       *agent.Registry
	queue        *messagequeue.Service
	interactions *interaction.Store
	rendezvous   *interaction.Rendezvous
	logger       *logger.Logger

	workspaceRoot string
	cacheSize     int

	notifier Notifier

	mu     sync.Mutex
	states map[string]*list.Element // value: *SessionState
	lru    *list.List               // front = most recently used
}

// NewService creates the hub.
func NewService(
	cfg Config,
	repo session.Repository,
	store *history.Store,
	histProviders *history.Registry,
	agents *agent.Registry,
	interactions *interaction.Store,
	rendezvous *interaction.Rendezvous,
	log *logger.Logger,
) *Service {
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	return &Service{
		repo:          repo,
		store:         store,
		histProvider:  histProviders,
		agents:        agents,
		queue:         messagequeue.NewService(cfg.QueueLimit, log),
		interactions:  interactions,
		rendezvous:    rendezvous,
		logger:        log.WithFields(zap.String("component", "orchestrator")),
		workspaceRoot: cfg.WorkspaceRoot,
		cacheSize:     size,
		notifier:      noopNotifier{},
		states:        make(map[string]*list.Element),
		lru:           list.New(),
	}
}

// SetNotifier installs the gateway hub once it exists. Must be called
// before the first connection is served.
func (s *Service) SetNotifier(n Notifier) {
	if n != nil {
		s.notifier = n
	}
}

// Notifier returns the installed fan-out surface.
func (s *Service) Notifier() Notifier { return s.notifier }

// Queue exposes the per-session message queue.
func (s *Service) Queue() *messagequeue.Service { return s.queue }

// Interactions exposes the interaction slot store.
func (s *Service) Interactions() *interaction.Store { return s.interactions }

// Rendezvous exposes the CLI tool-call rendezvous table.
func (s *Service) Rendezvous() *interaction.Rendezvous { return s.rendezvous }

// Store exposes the chat event store.
func (s *Service) Store() *history.Store { return s.store }

// AttachConnection resolves the session a new connection lands on: the
// requested session when it exists and is live, otherwise the most recently
// updated live session, otherwise a freshly created one.
func (s *Service) AttachConnection(ctx context.Context, requestedID string, force bool) (*SessionState, error) {
	if requestedID != "" {
		summary, err := s.repo.Get(ctx, requestedID)
		if err == nil && !summary.Deleted {
			return s.EnsureSessionState(ctx, requestedID, force)
		}
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			return nil, err
		}
		// Fall through to the recency default.
	}

	summaries, err := s.repo.List(ctx, session.ListOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(summaries) > 0 {
		return s.EnsureSessionState(ctx, summaries[0].ID, force)
	}
	return s.CreateSession(ctx, "")
}

// CreateSession provisions a brand new session and broadcasts
// session_created.
func (s *Service) CreateSession(ctx context.Context, agentID string) (*SessionState, error) {
	summary := &session.Summary{
		ID:      uuid.New().String(),
		AgentID: agentID,
	}
	if err := s.repo.Create(ctx, summary); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	state, err := s.EnsureSessionState(ctx, summary.ID, false)
	if err != nil {
		return nil, err
	}
	s.broadcastSummary(wsproto.ActionSessionCreated, state.Summary())
	return state, nil
}

// EnsureSessionState returns the resident state for the session, loading
// summary, agent, and projected history on a cache miss. force drops any
// cached state first so summary and history are re-read, unless a run is
// active on it.
func (s *Service) EnsureSessionState(ctx context.Context, id string, force bool) (*SessionState, error) {
	s.mu.Lock()
	if el, ok := s.states[id]; ok {
		state := el.Value.(*SessionState)
		if !force || state.ActiveRun() != nil {
			s.lru.MoveToFront(el)
			s.mu.Unlock()
			return state, nil
		}
		s.lru.Remove(el)
		delete(s.states, id)
	}
	s.mu.Unlock()

	summary, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if summary.Deleted {
		return nil, ErrSessionDeleted
	}
	summary, err = s.provisionWorkingDir(ctx, summary)
	if err != nil {
		return nil, err
	}

	ag := s.agents.Get(summary.AgentID)
	state := &SessionState{
		ID:      id,
		summary: summary,
		agent:   ag,
	}
	if err := s.loadHistory(ctx, state); err != nil {
		// A broken history file must not brick the session; start empty.
		s.logger.WithSessionID(id).WithError(err).Warn("history load failed, starting empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.states[id]; ok {
		// Lost the race; keep the winner.
		s.lru.MoveToFront(el)
		return el.Value.(*SessionState), nil
	}
	s.states[id] = s.lru.PushFront(state)
	s.evictLocked()
	return state, nil
}

// provisionWorkingDir assigns and creates the session's working directory
// under the workspace root.
func (s *Service) provisionWorkingDir(ctx context.Context, summary *session.Summary) (*session.Summary, error) {
	dir := summary.WorkingDir()
	if dir == "" {
		if s.workspaceRoot == "" {
			return summary, nil
		}
		dir = filepath.Join(s.workspaceRoot, summary.ID)
		updated, err := s.repo.UpdateAttributes(ctx, summary.ID, map[string]any{
			session.AttrCore: map[string]any{session.AttrWorkingDir: dir},
		})
		if err != nil {
			return nil, fmt.Errorf("record working dir: %w", err)
		}
		summary = updated
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("provision working dir: %w", err)
	}
	return summary, nil
}

func (s *Service) loadHistory(ctx context.Context, state *SessionState) error {
	ag := state.Agent()
	ctx, span := tracing.TraceHistoryLoad(ctx, state.ID, ag.HistoryProvider)
	defer span.End()

	events, err := s.histProvider.History(ctx, history.Request{
		SessionID:  state.ID,
		ProviderID: ag.HistoryProvider,
		Summary:    state.Summary(),
	})
	tracing.RecordResult(span, err)
	if err != nil {
		return err
	}
	msgs := history.ProjectMessages(events, history.ProjectionOptions{
		PreserveThinking: ag.EnableThinking,
		TargetProvider:   ag.Provider,
	})
	state.mu.Lock()
	state.chatMessages = msgs
	state.historyLoaded = true
	state.mu.Unlock()
	return nil
}

// lookup returns the resident state without loading anything.
func (s *Service) lookup(id string) *SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.states[id]; ok {
		return el.Value.(*SessionState)
	}
	return nil
}

// evictLocked trims the LRU past cacheSize, skipping sessions with an
// active run or live subscribers.
func (s *Service) evictLocked() {
	for el := s.lru.Back(); el != nil && s.lru.Len() > s.cacheSize; {
		prev := el.Prev()
		state := el.Value.(*SessionState)
		if state.ActiveRun() == nil && s.notifier.SessionConnectionCount(state.ID) == 0 {
			s.lru.Remove(el)
			delete(s.states, state.ID)
		}
		el = prev
	}
}

// InvalidateSession drops the resident state so the next access reloads
// summary and history. A session with an active run keeps its state; the
// run's in-memory transcript is authoritative until it finishes.
func (s *Service) InvalidateSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.states[id]
	if !ok {
		return false
	}
	if el.Value.(*SessionState).ActiveRun() != nil {
		return false
	}
	s.lru.Remove(el)
	delete(s.states, id)
	return true
}

func (s *Service) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.states[id]; ok {
		s.lru.Remove(el)
		delete(s.states, id)
	}
}

// Summaries lists sessions from the index.
func (s *Service) Summaries(ctx context.Context, opts session.ListOptions) ([]*session.Summary, error) {
	return s.repo.List(ctx, opts)
}

// Summary fetches one summary from the index.
func (s *Service) Summary(ctx context.Context, id string) (*session.Summary, error) {
	return s.repo.Get(ctx, id)
}

// cliProviderIDs are the bindings the history watcher can observe on disk.
var cliProviderIDs = []string{history.ProviderClaudeCLI, history.ProviderPiCLI}

// ResolveHistoryRef maps a history-change reference to its session. The
// watcher publishes the id taken from the CLI file name, which matches the
// internal id only for store-native sessions; CLI-bound sessions resolve
// through their provider binding.
func (s *Service) ResolveHistoryRef(ctx context.Context, ref string) (*session.Summary, error) {
	summary, err := s.repo.Get(ctx, ref)
	if err == nil {
		return summary, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return nil, err
	}
	for _, providerID := range cliProviderIDs {
		summary, err = s.repo.FindByProviderSession(ctx, providerID, ref)
		if err == nil {
			return summary, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return nil, err
		}
	}
	return nil, session.ErrNotFound
}

// Events returns the session's chat events through its history provider,
// so file-backed sessions serve the translated view.
func (s *Service) Events(ctx context.Context, id string) ([]*history.Event, error) {
	summary, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ag := s.agents.Get(summary.AgentID)
	return s.histProvider.History(ctx, history.Request{
		SessionID:  id,
		ProviderID: ag.HistoryProvider,
		Summary:    summary,
	})
}

// Session index mutations. Each one lands in the repository first, then
// refreshes the resident state and fans out to every client.

// RecordActivity bumps recency and the snippet after a turn ran.
func (s *Service) RecordActivity(ctx context.Context, id, snippet string) {
	summary, err := s.repo.MarkActivity(ctx, id, snippet)
	if err != nil {
		s.logger.WithSessionID(id).WithError(err).Warn("record activity failed")
		return
	}
	s.refreshSummary(summary)
	s.broadcastSummary(wsproto.ActionSessionUpdated, summary)
}

// Pin toggles the pinned flag.
func (s *Service) Pin(ctx context.Context, id string, pinned bool) (*session.Summary, error) {
	summary, err := s.repo.Pin(ctx, id, pinned)
	if err != nil {
		return nil, err
	}
	s.refreshSummary(summary)
	s.broadcastSummary(wsproto.ActionSessionUpdated, summary)
	return summary, nil
}

// Rename sets the display name.
func (s *Service) Rename(ctx context.Context, id, name string) (*session.Summary, error) {
	summary, err := s.repo.Rename(ctx, id, name)
	if err != nil {
		return nil, err
	}
	s.refreshSummary(summary)
	s.broadcastSummary(wsproto.ActionSessionUpdated, summary)
	return summary, nil
}

// UpdateAttributes merges an attribute patch.
func (s *Service) UpdateAttributes(ctx context.Context, id string, patch map[string]any) (*session.Summary, error) {
	summary, err := s.repo.UpdateAttributes(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.refreshSummary(summary)
	s.broadcastSummary(wsproto.ActionSessionUpdated, summary)
	return summary, nil
}

// Touch bumps recency with no other change.
func (s *Service) Touch(ctx context.Context, id string) (*session.Summary, error) {
	summary, err := s.repo.Touch(ctx, id)
	if err != nil {
		return nil, err
	}
	s.refreshSummary(summary)
	s.broadcastSummary(wsproto.ActionSessionUpdated, summary)
	return summary, nil
}

// Clear purges the session's chat log and resets the derived summary
// fields. Live subscribers stay attached.
func (s *Service) Clear(ctx context.Context, id string) (*session.Summary, error) {
	if err := s.store.ClearSession(ctx, id); err != nil {
		return nil, err
	}
	summary, err := s.repo.Clear(ctx, id)
	if err != nil {
		return nil, err
	}
	if state := s.lookup(id); state != nil {
		state.resetMessages()
		state.setSummary(summary.Clone())
	}
	s.broadcastSummary(wsproto.ActionSessionCleared, summary)
	return summary, nil
}

// Delete tombstones the session: the active run is aborted, queued
// messages and pending interactions are dropped, and the chat log is
// purged. The summary survives as a tombstone.
func (s *Service) Delete(ctx context.Context, id string) (*session.Summary, error) {
	if state := s.lookup(id); state != nil {
		if run := state.ActiveRun(); run != nil {
			run.Cancel(false)
		}
	}
	s.queue.Drain(id)
	s.interactions.CancelSession(id)
	s.rendezvous.DropSession(id)
	if err := s.store.DeleteSession(ctx, id); err != nil {
		return nil, err
	}
	summary, err := s.repo.MarkDeleted(ctx, id)
	if err != nil {
		return nil, err
	}
	// Held references must observe the tombstone so late input is refused.
	s.refreshSummary(summary)
	s.remove(id)
	s.broadcastSummary(wsproto.ActionSessionDeleted, summary)
	return summary, nil
}

// QueueMessage enqueues input behind the session's active run and
// broadcasts message_queued with the queue position.
func (s *Service) QueueMessage(msg *messagequeue.Message) (int, error) {
	position, err := s.queue.Enqueue(msg)
	if err != nil {
		return 0, err
	}
	s.broadcast(msg.SessionID, wsproto.ActionMessageQueued, wsproto.MessageQueuedPayload{
		SessionID: msg.SessionID,
		MessageID: msg.ID,
		Position:  position,
		Text:      msg.Text,
	})
	return position, nil
}

// ProcessNextQueued pops the session's queue head if no run is active and
// executes it on a fresh goroutine.
func (s *Service) ProcessNextQueued(sessionID string) {
	state := s.lookup(sessionID)
	if state != nil && state.ActiveRun() != nil {
		return
	}
	msg, remaining, ok := s.queue.Dequeue(sessionID)
	if !ok {
		return
	}
	s.broadcast(sessionID, wsproto.ActionMessageDequeued, wsproto.MessageDequeuedPayload{
		SessionID: sessionID,
		MessageID: msg.ID,
		Remaining: remaining,
	})
	if msg.Execute != nil {
		go msg.Execute(context.Background())
	}
}

// CancelActiveRun aborts the session's run. Explicit cancels come from a
// client's output_cancel and mark in-flight tool calls interrupted.
// Returns false when no run was active.
func (s *Service) CancelActiveRun(sessionID, responseID string, explicit bool) bool {
	state := s.lookup(sessionID)
	if state == nil {
		return false
	}
	run := state.ActiveRun()
	if run == nil {
		return false
	}
	if responseID != "" && run.ResponseID != responseID {
		return false
	}
	run.Cancel(explicit)
	return true
}

// RecordCliToolCall stores an out-of-band tool call reported by an
// external CLI for later result matching.
func (s *Service) RecordCliToolCall(sessionID, callID, toolName string, args json.RawMessage) {
	s.rendezvous.Record(sessionID, callID, toolName, args)
}

// MatchCliToolCall retrieves (and optionally consumes) a recorded CLI tool
// call.
func (s *Service) MatchCliToolCall(opts interaction.MatchOptions) (*interaction.ToolCallRecord, bool) {
	return s.rendezvous.Match(opts)
}

// ResolveInteraction completes a pending interaction slot with a client's
// answer.
func (s *Service) ResolveInteraction(sessionID string, resp *interaction.Response) bool {
	return s.interactions.Resolve(sessionID, resp)
}

// InteractionAvailability reports whether any subscriber of the session can
// answer interactions right now.
func (s *Service) InteractionAvailability(sessionID string) bool {
	_, enabled := s.notifier.InteractionAvailability(sessionID)
	return enabled > 0
}

func (s *Service) refreshSummary(summary *session.Summary) {
	if state := s.lookup(summary.ID); state != nil {
		state.setSummary(summary.Clone())
	}
}

func (s *Service) broadcastSummary(action string, summary *session.Summary) {
	msg, err := wsproto.NewNotification(action, summary)
	if err != nil {
		s.logger.WithError(err).Error("encode session notification")
		return
	}
	s.notifier.BroadcastToAll(msg)
}

func (s *Service) broadcast(sessionID, action string, payload any) {
	msg, err := wsproto.NewNotification(action, payload)
	if err != nil {
		s.logger.WithError(err).Error("encode session broadcast")
		return
	}
	s.notifier.BroadcastToSession(sessionID, msg)
}
