// Package messagequeue holds per-session FIFO queues for input that
// arrived while a run was active. Queued messages are transient; they do
// not survive a restart.
package messagequeue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
)

// ErrQueueFull indicates the session's queue reached its limit.
var ErrQueueFull = errors.New("message queue full")

// Message sources.
const (
	SourceUser  = "user"
	SourceAgent = "agent"
)

// Message is one queued input. Execute is the closure captured at queue
// time; running it performs the turn exactly as a fresh call would.
type Message struct {
	ID            string
	SessionID     string
	Text          string
	Source        string
	FromAgentID   string
	FromSessionID string
	QueuedAt      time.Time
	Execute       func(ctx context.Context)
}

// Service manages the queues.
type Service struct {
	mu     sync.Mutex
	queues map[string][]*Message
	limit  int
	logger *logger.Logger
}

// NewService creates the queue service. A non-positive limit defaults
// to 64 messages per session.
func NewService(limit int, log *logger.Logger) *Service {
	if limit <= 0 {
		limit = 64
	}
	return &Service{
		queues: make(map[string][]*Message),
		limit:  limit,
		logger: log.WithFields(zap.String("component", "message-queue")),
	}
}

// Enqueue appends a message and returns its 1-based queue position.
func (s *Service) Enqueue(msg *Message) (int, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.QueuedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.queues[msg.SessionID]
	if len(queue) >= s.limit {
		return 0, ErrQueueFull
	}
	s.queues[msg.SessionID] = append(queue, msg)
	position := len(s.queues[msg.SessionID])

	s.logger.Debug("message queued",
		zap.String("session_id", msg.SessionID),
		zap.String("message_id", msg.ID),
		zap.Int("position", position))
	return position, nil
}

// Dequeue pops the head of the session's queue. The second return is how
// many messages remain.
func (s *Service) Dequeue(sessionID string) (*Message, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.queues[sessionID]
	if len(queue) == 0 {
		return nil, 0, false
	}
	head := queue[0]
	rest := queue[1:]
	if len(rest) == 0 {
		delete(s.queues, sessionID)
	} else {
		s.queues[sessionID] = rest
	}
	return head, len(rest), true
}

// Drain removes and returns every queued message for the session.
func (s *Service) Drain(sessionID string) []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.queues[sessionID]
	delete(s.queues, sessionID)
	return queue
}

// Len reports the queue depth for a session.
func (s *Service) Len(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[sessionID])
}
