package messagequeue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/common/logger"
)

func newTestService(t *testing.T, limit int) *Service {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewService(limit, log)
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	s := newTestService(t, 0)

	for i, text := range []string{"a", "b", "c"} {
		pos, err := s.Enqueue(&Message{SessionID: "s1", Text: text})
		require.NoError(t, err)
		assert.Equal(t, i+1, pos)
	}

	var got []string
	for {
		msg, remaining, ok := s.Dequeue("s1")
		if !ok {
			break
		}
		got = append(got, msg.Text)
		assert.Equal(t, 3-len(got), remaining)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, 0, s.Len("s1"))
}

func TestEnqueueAssignsIDs(t *testing.T) {
	s := newTestService(t, 0)
	_, err := s.Enqueue(&Message{SessionID: "s1", Text: "x"})
	require.NoError(t, err)

	msg, _, ok := s.Dequeue("s1")
	require.True(t, ok)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.QueuedAt.IsZero())
}

func TestQueueLimit(t *testing.T) {
	s := newTestService(t, 2)
	_, err := s.Enqueue(&Message{SessionID: "s1", Text: "a"})
	require.NoError(t, err)
	_, err = s.Enqueue(&Message{SessionID: "s1", Text: "b"})
	require.NoError(t, err)
	_, err = s.Enqueue(&Message{SessionID: "s1", Text: "c"})
	assert.ErrorIs(t, err, ErrQueueFull)

	// Other sessions have their own budget.
	_, err = s.Enqueue(&Message{SessionID: "s2", Text: "a"})
	assert.NoError(t, err)
}

func TestDrain(t *testing.T) {
	s := newTestService(t, 0)
	_, _ = s.Enqueue(&Message{SessionID: "s1", Text: "a"})
	_, _ = s.Enqueue(&Message{SessionID: "s1", Text: "b"})

	drained := s.Drain("s1")
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, s.Len("s1"))

	_, _, ok := s.Dequeue("s1")
	assert.False(t, ok)
}
