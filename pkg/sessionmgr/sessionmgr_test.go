package sessionmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	seen []PendingRequest
	done chan struct{}
}

func newRecordingDispatcher(expect int) *recordingDispatcher {
	return &recordingDispatcher{done: make(chan struct{}, expect)}
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, mgr *SessionManager, req PendingRequest) {
	d.mu.Lock()
	d.seen = append(d.seen, req)
	d.mu.Unlock()
	d.done <- struct{}{}
}

func TestCreateSessionThenAcquireAndRelease(t *testing.T) {
	mgr := New(nil, nil)

	s, err := mgr.CreateSession("h1")
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Equal(t, 1, mgr.Count())

	got, release, ok := mgr.Acquire("h1")
	require.True(t, ok)
	require.Same(t, s, got)
	require.Equal(t, 1, mgr.Count())

	release()
	require.Equal(t, 1, mgr.Count(), "the map's own reference still holds the session")
}

func TestCreateSessionRejectsDuplicateHandle(t *testing.T) {
	mgr := New(nil, nil)
	_, err := mgr.CreateSession("h1")
	require.NoError(t, err)

	_, err = mgr.CreateSession("h1")
	require.Error(t, err)
}

func TestDestroySessionMarksDestroyedAndDropsMapRef(t *testing.T) {
	mgr := New(nil, nil)
	s, err := mgr.CreateSession("h1")
	require.NoError(t, err)

	require.NoError(t, mgr.DestroySession("h1"))
	require.Equal(t, 0, mgr.Count())

	s.Lock()
	defer s.Unlock()
	require.True(t, s.Media.Destroyed)
}

func TestAcquireUnknownHandleFails(t *testing.T) {
	mgr := New(nil, nil)
	_, _, ok := mgr.Acquire("missing")
	require.False(t, ok)
}

func TestEnqueueAndRunDispatchesInOrder(t *testing.T) {
	dispatcher := newRecordingDispatcher(2)
	mgr := New(dispatcher, nil)
	_, err := mgr.CreateSession("h1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	require.True(t, mgr.Enqueue(PendingRequest{Handle: "h1", Transaction: "t1"}))
	require.True(t, mgr.Enqueue(PendingRequest{Handle: "h1", Transaction: "t2"}))

	for i := 0; i < 2; i++ {
		select {
		case <-dispatcher.done:
		case <-time.After(time.Second):
			t.Fatal("dispatcher did not run in time")
		}
	}

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	require.Len(t, dispatcher.seen, 2)
	require.Equal(t, "t1", dispatcher.seen[0].Transaction)
	require.Equal(t, "t2", dispatcher.seen[1].Transaction)
}

func TestEnqueueRejectsWhenQueueFull(t *testing.T) {
	mgr := New(nil, nil) // no dispatcher: nothing drains the queue
	for i := 0; i < queueCapacity; i++ {
		require.True(t, mgr.Enqueue(PendingRequest{Handle: "h1"}))
	}
	require.False(t, mgr.Enqueue(PendingRequest{Handle: "h1"}), "queue is saturated")
}

func TestMetricsDisabledByDefaultIsNoop(t *testing.T) {
	mgr := New(nil, nil)
	require.NotPanics(t, func() {
		_, _ = mgr.CreateSession("h1")
		_ = mgr.DestroySession("h1")
		mgr.Metrics.RequestProcessed("generate")
		mgr.Metrics.RequestFailed("generate", "450")
		mgr.Metrics.RelayPacket(false, false, true)
	})
}
