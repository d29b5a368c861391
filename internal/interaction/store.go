// Package interaction provides promise-like interaction slots for
// client-answered prompts and the rendezvous table pairing CLI-reported
// tool executions with their results.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Resolution errors surfaced from WaitForResponse.
var (
	ErrTimeout   = errors.New("interaction timed out")
	ErrCancelled = errors.New("interaction cancelled")
	ErrNotFound  = errors.New("interaction not found")
)

// Response is what a client sent back for an interaction.
type Response struct {
	CallID        string `json:"callId"`
	InteractionID string `json:"interactionId"`
	Action        string `json:"action"`
	Input         string `json:"input,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type slot struct {
	sessionID string
	createdAt time.Time
	// responseCh is buffered so Resolve never blocks on an abandoned
	// waiter.
	responseCh chan *Response
	cancelCh   chan struct{}
	once       sync.Once
}

func (s *slot) cancel() {
	s.once.Do(func() { close(s.cancelCh) })
}

// Store holds open interaction slots keyed (sessionID, callID, interactionID).
type Store struct {
	mu      sync.Mutex
	slots   map[string]*slot
	timeout time.Duration
}

// NewStore creates a store. A non-positive timeout defaults to 120s.
func NewStore(timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Store{
		slots:   make(map[string]*slot),
		timeout: timeout,
	}
}

func slotKey(sessionID, callID, interactionID string) string {
	return sessionID + ":" + callID + ":" + interactionID
}

// Create opens a slot. Creating over an existing key cancels the old slot
// first so its waiter unwinds.
func (s *Store) Create(sessionID, callID, interactionID string) {
	key := slotKey(sessionID, callID, interactionID)
	s.mu.Lock()
	old := s.slots[key]
	s.slots[key] = &slot{
		sessionID:  sessionID,
		createdAt:  time.Now(),
		responseCh: make(chan *Response, 1),
		cancelCh:   make(chan struct{}),
	}
	s.mu.Unlock()
	if old != nil {
		old.cancel()
	}
}

// WaitForResponse blocks until the slot resolves, the store timeout lapses,
// the slot is cancelled, or ctx ends. The slot is removed on return.
func (s *Store) WaitForResponse(ctx context.Context, sessionID, callID, interactionID string) (*Response, error) {
	key := slotKey(sessionID, callID, interactionID)
	s.mu.Lock()
	sl, ok := s.slots[key]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	defer s.remove(key)

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case resp := <-sl.responseCh:
		return resp, nil
	case <-sl.cancelCh:
		return nil, ErrCancelled
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ErrCancelled
	}
}

// Resolve completes a slot with the client's response. Returns false when
// no such slot is open.
func (s *Store) Resolve(sessionID string, resp *Response) bool {
	key := slotKey(sessionID, resp.CallID, resp.InteractionID)
	s.mu.Lock()
	sl, ok := s.slots[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case sl.responseCh <- resp:
		return true
	default:
		// Already resolved.
		return false
	}
}

// Cancel completes one slot with a cancelled resolution.
func (s *Store) Cancel(sessionID, callID, interactionID string) {
	key := slotKey(sessionID, callID, interactionID)
	s.mu.Lock()
	sl, ok := s.slots[key]
	s.mu.Unlock()
	if ok {
		sl.cancel()
	}
}

// CancelSession drains every open slot belonging to the session.
func (s *Store) CancelSession(sessionID string) {
	prefix := sessionID + ":"
	s.mu.Lock()
	var cancelled []*slot
	for key, sl := range s.slots {
		if strings.HasPrefix(key, prefix) {
			cancelled = append(cancelled, sl)
			delete(s.slots, key)
		}
	}
	s.mu.Unlock()
	for _, sl := range cancelled {
		sl.cancel()
	}
}

// CleanupExpired cancels slots older than the store timeout. Returns how
// many were dropped.
func (s *Store) CleanupExpired() int {
	cutoff := time.Now().Add(-s.timeout)
	s.mu.Lock()
	var expired []*slot
	for key, sl := range s.slots {
		if sl.createdAt.Before(cutoff) {
			expired = append(expired, sl)
			delete(s.slots, key)
		}
	}
	s.mu.Unlock()
	for _, sl := range expired {
		sl.cancel()
	}
	return len(expired)
}

func (s *Store) remove(key string) {
	s.mu.Lock()
	delete(s.slots, key)
	s.mu.Unlock()
}

// Pending reports how many slots are currently open.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}
