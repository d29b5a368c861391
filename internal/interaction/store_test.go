package interaction

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreResolveDeliversResponse(t *testing.T) {
	store := NewStore(time.Second)
	store.Create("s1", "c1", "i1")

	var wg sync.WaitGroup
	wg.Add(1)
	var got *Response
	var gotErr error
	go func() {
		defer wg.Done()
		got, gotErr = store.WaitForResponse(context.Background(), "s1", "c1", "i1")
	}()

	require.Eventually(t, func() bool {
		return store.Resolve("s1", &Response{CallID: "c1", InteractionID: "i1", Action: "approve"})
	}, time.Second, 5*time.Millisecond)

	wg.Wait()
	require.NoError(t, gotErr)
	assert.Equal(t, "approve", got.Action)
	assert.Equal(t, 0, store.Pending())
}

func TestStoreResolveBeforeWait(t *testing.T) {
	store := NewStore(time.Second)
	store.Create("s1", "c1", "i1")

	// The buffered channel holds the response until the waiter arrives.
	require.True(t, store.Resolve("s1", &Response{CallID: "c1", InteractionID: "i1", Action: "deny"}))

	got, err := store.WaitForResponse(context.Background(), "s1", "c1", "i1")
	require.NoError(t, err)
	assert.Equal(t, "deny", got.Action)
}

func TestStoreTimeout(t *testing.T) {
	store := NewStore(30 * time.Millisecond)
	store.Create("s1", "c1", "i1")

	_, err := store.WaitForResponse(context.Background(), "s1", "c1", "i1")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestStoreCallerCancel(t *testing.T) {
	store := NewStore(time.Minute)
	store.Create("s1", "c1", "i1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := store.WaitForResponse(ctx, "s1", "c1", "i1")
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestStoreCancelSessionDrainsPrefix(t *testing.T) {
	store := NewStore(time.Minute)
	store.Create("s1", "c1", "i1")
	store.Create("s1", "c2", "i1")
	store.Create("s2", "c1", "i1")

	errs := make(chan error, 2)
	for _, callID := range []string{"c1", "c2"} {
		go func(callID string) {
			_, err := store.WaitForResponse(context.Background(), "s1", callID, "i1")
			errs <- err
		}(callID)
	}
	time.Sleep(20 * time.Millisecond)

	store.CancelSession("s1")
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrCancelled)
		case <-time.After(time.Second):
			t.Fatal("waiter did not unwind")
		}
	}

	// The other session's slot is untouched.
	assert.Equal(t, 1, store.Pending())
}

func TestStoreWaitUnknownSlot(t *testing.T) {
	store := NewStore(time.Second)
	_, err := store.WaitForResponse(context.Background(), "s1", "nope", "i1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreCleanupExpired(t *testing.T) {
	store := NewStore(10 * time.Millisecond)
	store.Create("s1", "c1", "i1")
	time.Sleep(30 * time.Millisecond)
	store.Create("s1", "c2", "i1")

	dropped := store.CleanupExpired()
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 1, store.Pending())
}

func TestRendezvousMatchAndConsume(t *testing.T) {
	r := NewRendezvous()
	r.Record("s1", "c1", "bash", json.RawMessage(`{"cmd":"ls"}`))

	rec, ok := r.Match(MatchOptions{SessionID: "s1", CallID: "c1"})
	require.True(t, ok)
	assert.Equal(t, "bash", rec.ToolName)

	// Non-consuming match leaves the record in place.
	_, ok = r.Match(MatchOptions{SessionID: "s1", CallID: "c1", Consume: true})
	require.True(t, ok)
	_, ok = r.Match(MatchOptions{SessionID: "s1", CallID: "c1"})
	assert.False(t, ok)
}

func TestRendezvousDropSession(t *testing.T) {
	r := NewRendezvous()
	r.Record("s1", "c1", "bash", nil)
	r.Record("s2", "c1", "bash", nil)

	r.DropSession("s1")
	_, ok := r.Match(MatchOptions{SessionID: "s1", CallID: "c1"})
	assert.False(t, ok)
	_, ok = r.Match(MatchOptions{SessionID: "s2", CallID: "c1"})
	assert.True(t, ok)
}
