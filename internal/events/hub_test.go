package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forumsentry/forumsentry/internal/monitor"
)

func sampleEvent(kind Kind) Event {
	evt := Event{
		TargetID: "target-1",
		TS:       time.Now().UTC(),
		Kind:     kind,
	}
	switch kind {
	case KindStatusChanged:
		evt.Status = monitor.StatusOpen
		evt.Previous = monitor.StatusChecking
	case KindLogAppended:
		evt.Line = "probe started"
	case KindMetadataChanged:
		evt.Field = FieldForumType
	}
	return evt
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	copy(out, s.batches)
	return out
}

// TestHubBatchBySize verifies the hub flushes once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(KindStatusChanged)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in for small batches.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(KindLogAppended))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubDropsInvalidEvents asserts invalid events never reach sinks.
func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)

	hub.Emit(Event{Kind: KindStatusChanged}) // missing target id and timestamp
	hub.Emit(sampleEvent("BOGUS"))

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

// TestHubCloseFlushesAndClosesSinks verifies queued events survive Close.
func TestHubCloseFlushesAndClosesSinks(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     16,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	for i := 0; i < 5; i++ {
		hub.Emit(sampleEvent(KindMetadataChanged))
	}
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	total := 0
	for _, b := range batches {
		total += len(b)
	}
	require.Equal(t, 5, total)
	require.True(t, sink.closed)
}

// TestHubEmitAfterCloseIsNoop ensures emits after shutdown are ignored.
func TestHubEmitAfterCloseIsNoop(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{}, sink)
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(sampleEvent(KindStatusChanged))
	require.Empty(t, sink.Batches())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, sampleEvent(KindStatusChanged).Validate())
	require.NoError(t, sampleEvent(KindLogAppended).Validate())
	require.NoError(t, sampleEvent(KindMetadataChanged).Validate())

	evt := sampleEvent(KindLogAppended)
	evt.Line = ""
	require.Error(t, evt.Validate())

	evt = sampleEvent(KindStatusChanged)
	evt.TargetID = ""
	require.Error(t, evt.Validate())
}
