package history

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/events/bus"
)

// subscriberBuffer bounds each subscriber's pending event queue. A
// subscriber that stays full gets dropped so slow consumers never block
// appends.
const subscriberBuffer = 256

// Sink receives live events for one session, in append order.
type Sink func(ev *Event)

// Subscription detaches a sink from the store.
type Subscription interface {
	Unsubscribe()
}

// Store is the append-only chat event log with live fan-out. Appends are
// serialized per session so batches are observed atomically; subscribers
// receive events through buffered queues.
type Store struct {
	repo   Repository
	bus    bus.EventBus
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*sessionFan
	nextSub  atomic.Int64
}

type sessionFan struct {
	// appendMu serializes appends for one session; fan-out happens under
	// it so no foreign append interleaves with a batch.
	appendMu sync.Mutex

	mu   sync.Mutex
	subs map[int64]*subscriber
}

type subscriber struct {
	id     int64
	ch     chan *Event
	done   chan struct{}
	closed sync.Once
}

func (s *subscriber) close() {
	s.closed.Do(func() { close(s.done) })
}

// NewStore creates the event store. The bus is optional; when present every
// append is also published on the session's chat event subject.
func NewStore(repo Repository, eventBus bus.EventBus, log *logger.Logger) *Store {
	return &Store{
		repo:     repo,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "event-store")),
		sessions: make(map[string]*sessionFan),
	}
}

func (s *Store) fan(sessionID string) *sessionFan {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.sessions[sessionID]
	if !ok {
		f = &sessionFan{subs: make(map[int64]*subscriber)}
		s.sessions[sessionID] = f
	}
	return f
}

// Append durably appends one event and fans it out to subscribers.
func (s *Store) Append(ctx context.Context, ev *Event) error {
	f := s.fan(ev.SessionID)
	f.appendMu.Lock()
	defer f.appendMu.Unlock()

	if err := s.repo.Append(ctx, ev); err != nil {
		// A failed write is logged and surfaced but must not poison
		// later appends; no fan-out happens for events never stored.
		s.logger.WithError(err).WithSessionID(ev.SessionID).Error("event append failed")
		return err
	}
	s.deliver(f, ev)
	s.publish(ctx, ev)
	return nil
}

// AppendBatch appends the events atomically with respect to subscribers:
// either all of them are observed, in order and uninterleaved, or none.
func (s *Store) AppendBatch(ctx context.Context, evs []*Event) error {
	if len(evs) == 0 {
		return nil
	}
	f := s.fan(evs[0].SessionID)
	f.appendMu.Lock()
	defer f.appendMu.Unlock()

	if err := s.repo.AppendBatch(ctx, evs); err != nil {
		s.logger.WithError(err).WithSessionID(evs[0].SessionID).Error("event batch append failed")
		return err
	}
	for _, ev := range evs {
		s.deliver(f, ev)
		s.publish(ctx, ev)
	}
	return nil
}

func (s *Store) publish(ctx context.Context, ev *Event) {
	if s.bus == nil {
		return
	}
	subject := events.BuildChatEventSubject(ev.SessionID)
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(events.ChatEvent, "event-store", ev)); err != nil {
		s.logger.WithError(err).Warn("failed to publish chat event", zap.String("subject", subject))
	}
}

func (s *Store) deliver(f *sessionFan, ev *Event) {
	f.mu.Lock()
	var overflowed []*subscriber
	for _, sub := range f.subs {
		select {
		case sub.ch <- ev:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	for _, sub := range overflowed {
		delete(f.subs, sub.id)
	}
	f.mu.Unlock()

	for _, sub := range overflowed {
		sub.close()
		s.logger.Warn("dropping slow event subscriber",
			zap.String("session_id", ev.SessionID),
			zap.Int64("subscriber_id", sub.id))
	}
}

// Events returns the full ordered log for a session.
func (s *Store) Events(ctx context.Context, sessionID string) ([]*Event, error) {
	return s.repo.Events(ctx, sessionID)
}

// EventsSince returns events strictly after the given event id.
func (s *Store) EventsSince(ctx context.Context, sessionID, eventID string) ([]*Event, error) {
	return s.repo.EventsSince(ctx, sessionID, eventID)
}

// Subscribe attaches a sink for subsequent appends on the session. The sink
// runs on its own goroutine and observes events in append order.
func (s *Store) Subscribe(sessionID string, sink Sink) Subscription {
	f := s.fan(sessionID)
	sub := &subscriber{
		id:   s.nextSub.Add(1),
		ch:   make(chan *Event, subscriberBuffer),
		done: make(chan struct{}),
	}
	f.mu.Lock()
	f.subs[sub.id] = sub
	f.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-sub.ch:
				sink(ev)
			case <-sub.done:
				// Drain what was queued before the close.
				for {
					select {
					case ev := <-sub.ch:
						sink(ev)
					default:
						return
					}
				}
			}
		}
	}()

	return &storeSubscription{store: s, sessionID: sessionID, sub: sub}
}

type storeSubscription struct {
	store     *Store
	sessionID string
	sub       *subscriber
}

func (ss *storeSubscription) Unsubscribe() {
	f := ss.store.fan(ss.sessionID)
	f.mu.Lock()
	delete(f.subs, ss.sub.id)
	f.mu.Unlock()
	ss.sub.close()
}

// ClearSession purges the session's events. Subscribers stay attached and
// only observe events appended afterwards.
func (s *Store) ClearSession(ctx context.Context, sessionID string) error {
	f := s.fan(sessionID)
	f.appendMu.Lock()
	defer f.appendMu.Unlock()
	return s.repo.DeleteSession(ctx, sessionID)
}

// DeleteSession purges the session's events and drops all subscriber state.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	f := s.fan(sessionID)
	f.appendMu.Lock()
	err := s.repo.DeleteSession(ctx, sessionID)
	f.appendMu.Unlock()

	f.mu.Lock()
	subs := make([]*subscriber, 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub)
	}
	f.subs = make(map[int64]*subscriber)
	f.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}

	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return err
}
