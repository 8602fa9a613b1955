package sync

import (
	"context"
	"sync"
	"time"

	v1 "github.com/moneta-lab/project-moneta/internal/api/v1"
)

// eventQueue is an unbounded FIFO queue with a bounded-wait dequeue.
//
// Unbounded is deliberate: volumes are per-user interactive, so backpressure is
// out of scope and capping the queue here would silently change the emit
// contract (emit must never block). The bounded wait on Pop is what lets the
// single consumer observe a stop request without a sentinel value.
type eventQueue struct {
	mu    sync.Mutex
	items []*v1.SyncEvent

	// signal wakes a waiting consumer. Capacity 1: pushes coalesce, and the
	// consumer re-checks the queue after every wake.
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

// Push appends the event. Never blocks.
func (q *eventQueue) Push(evt *v1.SyncEvent) {
	q.mu.Lock()
	q.items = append(q.items, evt)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop returns the oldest queued event, waiting up to wait for one to arrive.
// Returns (nil, false) when the wait elapses or ctx is cancelled.
func (q *eventQueue) Pop(ctx context.Context, wait time.Duration) (*v1.SyncEvent, bool) {
	if evt, ok := q.tryPop(); ok {
		return evt, true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-timer.C:
			return q.tryPop()
		case <-q.signal:
			if evt, ok := q.tryPop(); ok {
				return evt, true
			}
		}
	}
}

func (q *eventQueue) tryPop() (*v1.SyncEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	evt := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return evt, true
}

// Len reports the current queue depth.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
