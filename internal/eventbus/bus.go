// Package eventbus implements the single ordered event channel per session
// described in the spec: producers are the Code Monitor, Conversation Loop,
// Lie-Detection Engine, and the subprocess bridge; the Session Controller is
// the sole consumer, which may fan out to recorders (the event-log writer,
// a live status view, ...).
//
// Delivery is at-least-once within a session; consumers must be idempotent on
// (producer, seq). Ordering within one producer is preserved. Across
// producers, events are merged by session timestamp, ties broken by the fixed
// producer priority (Controller > CodeMonitor > Conversation > LieDetector >
// Bridge). When backpressured, CODE_CHANGED diffs are coalesced — never
// SUBMIT_DETECTED, INACTIVITY, NUDGE_REQUIRED, or terminal events.
package eventbus

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// DefaultCapacity is the number of buffered events (of any kind) the bus
// tolerates before it starts coalescing CODE_CHANGED entries.
const DefaultCapacity = 64

// eventHeap is a min-heap over Event ordered by Less.
type eventHeap []Event

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return Less(h[i], h[j]) }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)         { *h = append(*h, x.(Event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Clock supplies the session timestamp stamped onto each event. Defaults to
// time.Now; tests that need deterministic, strictly increasing timestamps
// supply their own through WithClock.
type Clock func() time.Time

// Bus is the per-session ordered event channel.
type Bus struct {
	mu          sync.Mutex
	heap        eventHeap
	capacity    int
	seqCounters map[Producer]int
	clock       Clock

	out     chan Event
	notify  chan struct{}
	closed  bool
	dropped int
}

// Option configures a Bus.
type Option func(*Bus)

// WithCapacity overrides DefaultCapacity.
func WithCapacity(n int) Option {
	return func(b *Bus) { b.capacity = n }
}

// WithClock overrides the timestamp source (for deterministic tests).
func WithClock(c Clock) Option {
	return func(b *Bus) { b.clock = c }
}

// New creates a Bus and starts its dispatcher goroutine. Cancel ctx to stop
// the dispatcher and close the output channel.
func New(ctx context.Context, opts ...Option) *Bus {
	b := &Bus{
		capacity:    DefaultCapacity,
		seqCounters: make(map[Producer]int),
		out:         make(chan Event),
		notify:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.clock == nil {
		b.clock = time.Now
	}
	heap.Init(&b.heap)
	go b.dispatch(ctx)
	return b
}

// Events returns the ordered, merged event channel. Safe to range over until
// the Bus's context is cancelled.
func (b *Bus) Events() <-chan Event { return b.out }

// Dropped returns the number of non-critical events coalesced away due to
// backpressure.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Publish appends an event from producer, assigning it the next per-producer
// seq and a session timestamp. Returns the assigned Event.
func (b *Bus) Publish(producer Producer, kind Kind, payload map[string]any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Event{}
	}

	b.seqCounters[producer]++
	ev := Event{
		T:        b.clock(),
		Producer: producer,
		Seq:      b.seqCounters[producer],
		Kind:     kind,
		Payload:  payload,
	}

	if kind == KindCodeChanged && b.heap.Len() >= b.capacity {
		if idx, ok := b.findCoalesceCandidate(kind, producer); ok {
			b.heap[idx] = ev
			heap.Fix(&b.heap, idx)
			b.dropped++
			b.signal()
			return ev
		}
	}

	heap.Push(&b.heap, ev)
	b.signal()
	return ev
}

// findCoalesceCandidate locates the oldest buffered event of the same kind
// and producer, eligible to be replaced in place (coalesced) rather than
// grow the buffer further.
func (b *Bus) findCoalesceCandidate(kind Kind, producer Producer) (int, bool) {
	best := -1
	for i, ev := range b.heap {
		if ev.Kind != kind || ev.Producer != producer {
			continue
		}
		if best == -1 || Less(ev, b.heap[best]) {
			best = i
		}
	}
	return best, best != -1
}

func (b *Bus) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// dispatch drains the heap in order, delivering to out. It wakes on notify
// and drains everything currently buffered before waiting again.
func (b *Bus) dispatch(ctx context.Context) {
	defer close(b.out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.notify:
		}

		for {
			b.mu.Lock()
			if b.heap.Len() == 0 {
				b.mu.Unlock()
				break
			}
			ev := heap.Pop(&b.heap).(Event)
			b.mu.Unlock()

			select {
			case b.out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close marks the bus closed; further Publish calls are no-ops. The
// dispatcher goroutine itself is stopped by cancelling the context passed to
// New, which also closes the Events channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
