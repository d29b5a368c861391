package orchestrator

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/history"
	"github.com/parleyhq/parley/internal/interaction"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/tools"
	wsproto "github.com/parleyhq/parley/pkg/websocket"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

// fakeSessionRepo is an in-memory session.Repository.
type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*session.Summary
	clock    time.Time
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{
		sessions: make(map[string]*session.Summary),
		clock:    time.Now(),
	}
}

func (r *fakeSessionRepo) tick() time.Time {
	r.clock = r.clock.Add(time.Millisecond)
	return r.clock
}

func (r *fakeSessionRepo) Create(_ context.Context, summary *session.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.tick()
	stored := summary.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	r.sessions[stored.ID] = stored
	return nil
}

func (r *fakeSessionRepo) Get(_ context.Context, id string) (*session.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	summary, ok := r.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return summary.Clone(), nil
}

func (r *fakeSessionRepo) FindByProviderSession(_ context.Context, providerID, providerSessionID string) (*session.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *session.Summary
	for _, summary := range r.sessions {
		if summary.Attributes.StringAt(session.AttrProviders, providerID, session.AttrProviderSessionID) != providerSessionID {
			continue
		}
		if found == nil || summary.UpdatedAt.After(found.UpdatedAt) {
			found = summary
		}
	}
	if found == nil {
		return nil, session.ErrNotFound
	}
	return found.Clone(), nil
}

func (r *fakeSessionRepo) List(_ context.Context, opts session.ListOptions) ([]*session.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*session.Summary
	for _, summary := range r.sessions {
		if summary.Deleted && !opts.IncludeDeleted {
			continue
		}
		out = append(out, summary.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].PinnedAt != nil, out[j].PinnedAt != nil
		if pi != pj {
			return pi
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (r *fakeSessionRepo) mutate(id string, fn func(*session.Summary)) (*session.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	summary, ok := r.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	fn(summary)
	summary.UpdatedAt = r.tick()
	return summary.Clone(), nil
}

func (r *fakeSessionRepo) MarkActivity(_ context.Context, id, snippet string) (*session.Summary, error) {
	return r.mutate(id, func(s *session.Summary) {
		if snippet != "" {
			s.LastSnippet = snippet
		}
	})
}

func (r *fakeSessionRepo) Pin(_ context.Context, id string, pinned bool) (*session.Summary, error) {
	return r.mutate(id, func(s *session.Summary) {
		if pinned {
			now := time.Now()
			s.PinnedAt = &now
		} else {
			s.PinnedAt = nil
		}
	})
}

func (r *fakeSessionRepo) Rename(_ context.Context, id, name string) (*session.Summary, error) {
	return r.mutate(id, func(s *session.Summary) { s.Name = name })
}

func (r *fakeSessionRepo) UpdateAttributes(_ context.Context, id string, patch map[string]any) (*session.Summary, error) {
	return r.mutate(id, func(s *session.Summary) {
		s.Attributes = s.Attributes.Merge(patch)
	})
}

func (r *fakeSessionRepo) MarkDeleted(_ context.Context, id string) (*session.Summary, error) {
	return r.mutate(id, func(s *session.Summary) { s.Deleted = true })
}

func (r *fakeSessionRepo) Clear(_ context.Context, id string) (*session.Summary, error) {
	return r.mutate(id, func(s *session.Summary) {
		s.LastSnippet = ""
	})
}

func (r *fakeSessionRepo) Touch(_ context.Context, id string) (*session.Summary, error) {
	return r.mutate(id, func(*session.Summary) {})
}

func (r *fakeSessionRepo) Purge(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

// fakeEventRepo is an in-memory history.Repository.
type fakeEventRepo struct {
	mu     sync.Mutex
	events map[string][]*history.Event
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{events: make(map[string][]*history.Event)}
}

func (r *fakeEventRepo) Append(_ context.Context, ev *history.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[ev.SessionID] = append(r.events[ev.SessionID], ev)
	return nil
}

func (r *fakeEventRepo) AppendBatch(ctx context.Context, evs []*history.Event) error {
	for _, ev := range evs {
		if err := r.Append(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeEventRepo) Events(_ context.Context, sessionID string) ([]*history.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*history.Event, len(r.events[sessionID]))
	copy(out, r.events[sessionID])
	return out, nil
}

func (r *fakeEventRepo) EventsSince(ctx context.Context, sessionID, eventID string) ([]*history.Event, error) {
	all, _ := r.Events(ctx, sessionID)
	for i, ev := range all {
		if ev.ID == eventID {
			return all[i+1:], nil
		}
	}
	return all, nil
}

func (r *fakeEventRepo) DeleteSession(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.events, sessionID)
	return nil
}

// recordingNotifier captures everything the orchestrator fans out.
type recordingNotifier struct {
	mu          sync.Mutex
	session     []notified
	all         []*wsproto.Message
	connections map[string]int
}

type notified struct {
	sessionID string
	except    string
	msg       *wsproto.Message
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{connections: make(map[string]int)}
}

func (n *recordingNotifier) BroadcastToSession(sessionID string, msg *wsproto.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.session = append(n.session, notified{sessionID: sessionID, msg: msg})
}

func (n *recordingNotifier) BroadcastToSessionExcluding(sessionID string, msg *wsproto.Message, except string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.session = append(n.session, notified{sessionID: sessionID, except: except, msg: msg})
}

func (n *recordingNotifier) BroadcastToAll(msg *wsproto.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.all = append(n.all, msg)
}

func (n *recordingNotifier) SessionConnectionCount(sessionID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connections[sessionID]
}

func (n *recordingNotifier) InteractionAvailability(string) (int, int) { return 0, 0 }

// sessionActions returns the ordered actions broadcast to the session.
func (n *recordingNotifier) sessionActions(sessionID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, rec := range n.session {
		if rec.sessionID == sessionID {
			out = append(out, rec.msg.Action)
		}
	}
	return out
}

func (n *recordingNotifier) lastPayload(t *testing.T, sessionID, action string, v any) {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.session) - 1; i >= 0; i-- {
		rec := n.session[i]
		if rec.sessionID == sessionID && rec.msg.Action == action {
			require.NoError(t, rec.msg.ParsePayload(v))
			return
		}
	}
	t.Fatalf("no %s broadcast for session %s", action, sessionID)
}

func (n *recordingNotifier) allActions() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, msg := range n.all {
		out = append(out, msg.Action)
	}
	return out
}

// scriptedProvider plays back canned stream events, one script entry per
// Stream call. A nil entry blocks until the context ends.
type scriptedProvider struct {
	mu       sync.Mutex
	script   [][]llm.StreamEvent
	requests []*llm.Request
	started  chan struct{}
}

func newScriptedProvider(script ...[]llm.StreamEvent) *scriptedProvider {
	return &scriptedProvider{script: script, started: make(chan struct{}, 16)}
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var events []llm.StreamEvent
	blocking := false
	if len(p.script) > 0 {
		events = p.script[0]
		p.script = p.script[1:]
		blocking = events == nil
	} else {
		events = []llm.StreamEvent{{Type: llm.EventDone}}
	}
	p.mu.Unlock()

	out := make(chan llm.StreamEvent, len(events)+1)
	p.started <- struct{}{}
	go func() {
		defer close(out)
		if blocking {
			<-ctx.Done()
			return
		}
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (p *scriptedProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) *llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

// harness wires a full orchestrator against fakes.
type harness struct {
	service  *Service
	runner   *Runner
	notifier *recordingNotifier
	repo     *fakeSessionRepo
	events   *fakeEventRepo
	store    *history.Store
	provider *scriptedProvider
	tools    *tools.Registry
}

func newHarness(t *testing.T, provider *scriptedProvider) *harness {
	t.Helper()
	log := newTestLogger(t)

	repo := newFakeSessionRepo()
	events := newFakeEventRepo()
	store := history.NewStore(events, nil, log)
	histProviders := history.NewRegistry(history.NewStoreProvider(store))

	providers := llm.NewRegistry()
	providers.Register(provider)

	toolReg := tools.NewRegistry()
	host := tools.NewHost(toolReg, time.Second, log)

	svc := NewService(Config{CacheSize: 4, WorkspaceRoot: t.TempDir()},
		repo, store, histProviders, agent.NewRegistry(),
		interaction.NewStore(time.Second), interaction.NewRendezvous(), log)
	notifier := newRecordingNotifier()
	svc.SetNotifier(notifier)

	return &harness{
		service:  svc,
		runner:   NewRunner(svc, providers, host, log),
		notifier: notifier,
		repo:     repo,
		events:   events,
		store:    store,
		provider: provider,
		tools:    toolReg,
	}
}

func (h *harness) newSession(t *testing.T) *SessionState {
	t.Helper()
	state, err := h.service.CreateSession(context.Background(), "")
	require.NoError(t, err)
	return state
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}
