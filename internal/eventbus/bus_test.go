package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// stepClock hands out strictly increasing timestamps one tick apart, so
// tests get deterministic ordering without depending on wall-clock
// resolution.
func stepClock() Clock {
	t := time.Unix(0, 0)
	return func() time.Time {
		t = t.Add(time.Millisecond)
		return t
	}
}

func drain(t *testing.T, bus *Bus, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev, ok := <-bus.Events():
			if !ok {
				t.Fatalf("bus closed after %d of %d events", i, n)
			}
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i, n)
		}
	}
	return out
}

func TestBus_PreservesPerProducerOrder(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := New(ctx, WithClock(stepClock()))
	for i := 0; i < 5; i++ {
		bus.Publish(ProducerCodeMonitor, KindCodeChanged, map[string]any{"i": i})
	}

	got := drain(t, bus, 5)
	for i, ev := range got {
		assert.Equal(t, i+1, ev.Seq)
	}
}

func TestBus_MergesAcrossProducersByTimestampThenPriority(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A fixed clock: every Publish in this test shares the same timestamp,
	// so the merge must fall back to producer priority.
	fixed := time.Unix(100, 0)
	bus := New(ctx, WithClock(func() time.Time { return fixed }))

	bus.Publish(ProducerBridge, KindSystemWarning, nil)
	bus.Publish(ProducerConversation, KindTurnCandidate, nil)
	bus.Publish(ProducerController, KindSessionStarted, nil)
	bus.Publish(ProducerCodeMonitor, KindCodeChanged, nil)

	got := drain(t, bus, 4)
	want := []Producer{ProducerController, ProducerCodeMonitor, ProducerConversation, ProducerBridge}
	for i, p := range want {
		assert.Equal(t, p, got[i].Producer, "position %d", i)
	}
}

func TestBus_CoalescesOnlyCodeChangedUnderBackpressure(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := New(ctx, WithCapacity(2), WithClock(stepClock()))

	// Fill to capacity with non-critical CODE_CHANGED events, none drained yet.
	bus.Publish(ProducerCodeMonitor, KindCodeChanged, map[string]any{"v": 1})
	bus.Publish(ProducerCodeMonitor, KindCodeChanged, map[string]any{"v": 2})
	// A third should coalesce with the oldest buffered CODE_CHANGED rather
	// than grow the heap past capacity.
	bus.Publish(ProducerCodeMonitor, KindCodeChanged, map[string]any{"v": 3})

	require.Equal(t, 1, bus.Dropped())

	got := drain(t, bus, 2)
	assert.Equal(t, 2, got[0].Payload["v"])
	assert.Equal(t, 3, got[1].Payload["v"])
}

func TestBus_NeverCoalescesCriticalEvents(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := New(ctx, WithCapacity(2), WithClock(stepClock()))

	bus.Publish(ProducerCodeMonitor, KindCodeChanged, nil)
	bus.Publish(ProducerCodeMonitor, KindCodeChanged, nil)
	// SUBMIT_DETECTED is critical: it must be delivered, not dropped, even
	// though the buffer is already at capacity.
	bus.Publish(ProducerCodeMonitor, KindSubmitDetected, nil)

	assert.Equal(t, 0, bus.Dropped())
	got := drain(t, bus, 3)
	var sawSubmit bool
	for _, ev := range got {
		if ev.Kind == KindSubmitDetected {
			sawSubmit = true
		}
	}
	assert.True(t, sawSubmit, "SUBMIT_DETECTED must never be coalesced away")
}

func TestBus_ClosesOutputChannelOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	bus := New(ctx, WithClock(stepClock()))

	cancel()

	select {
	case _, ok := <-bus.Events():
		assert.False(t, ok, "events channel should be closed after cancel")
	case <-time.After(time.Second):
		t.Fatal("events channel did not close after context cancellation")
	}
}

func TestBus_PublishAfterCloseIsNoop(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := New(ctx, WithClock(stepClock()))
	bus.Close()

	ev := bus.Publish(ProducerController, KindSessionEnded, nil)
	assert.Equal(t, Event{}, ev)
}
