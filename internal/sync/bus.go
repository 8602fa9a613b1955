package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	v1 "github.com/moneta-lab/project-moneta/internal/api/v1"
)

const defaultPollInterval = time.Second

// Subscriber is a per-kind event callback. Subscribers run in registration
// order on the consumer goroutine; a failing subscriber never blocks the rest.
type Subscriber func(ctx context.Context, evt *v1.SyncEvent) error

// Options tunes bus behavior.
type Options struct {
	// PollInterval bounds how long the consumer waits on an empty queue
	// before re-checking for a stop request. Defaults to 1s.
	PollInterval time.Duration
}

// Bus serializes all cross-entity update propagation for one process into a
// single global FIFO stream. Producers emit concurrently without coordination;
// exactly one consumer goroutine drains the queue, so side effects are totally
// ordered per process.
//
// Buses are plain constructed values, not process singletons: tests get an
// isolated bus per case.
type Bus struct {
	queue    *eventQueue
	registry *connectionRegistry
	cascade  *Cascade
	poll     time.Duration

	subsMu sync.RWMutex
	subs   map[v1.EventKind][]Subscriber

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a stopped bus. Events emitted before Start queue up and are
// drained once the consumer runs.
func New(cascade *Cascade, opts Options) *Bus {
	if cascade == nil {
		cascade = NewCascade(nil, nil, nil, nil, nil)
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Bus{
		queue:    newEventQueue(),
		registry: newConnectionRegistry(),
		cascade:  cascade,
		poll:     poll,
		subs:     make(map[v1.EventKind][]Subscriber),
	}
}

// Start spawns the single consumer goroutine. Idempotent: a running bus is
// left untouched.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.running = true
	b.cancel = cancel
	b.done = make(chan struct{})

	go b.consume(ctx, b.done)
	slog.Info("[SyncBus] Started")
}

// Stop cancels the consumer and waits for it to exit. Idempotent: stopping a
// stopped bus is a no-op. Cancellation is only honored between events — an
// event already dequeued finishes all of its stages before the consumer exits.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()

	cancel()
	<-done
	slog.Info("[SyncBus] Stopped")
}

// Running reports whether the consumer goroutine is live.
func (b *Bus) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Emit constructs a SyncEvent and enqueues it. Never blocks: the queue is
// unbounded. The only failure is event construction itself (invalid kind or
// missing user); the bus does not validate payload contents.
func (b *Bus) Emit(kind v1.EventKind, userID string, payload map[string]any, relatedEntities ...string) error {
	evt, err := v1.NewSyncEvent(kind, userID, payload, relatedEntities)
	if err != nil {
		return fmt.Errorf("emit event: %w", err)
	}

	b.queue.Push(evt)
	slog.Debug("[SyncBus] Event emitted", "event_id", evt.ID, "kind", evt.Kind, "user_id", userID)
	return nil
}

// EmitPayload emits a typed payload variant, lowering it to the wire mapping.
func (b *Bus) EmitPayload(userID string, payload v1.Payload, relatedEntities ...string) error {
	return b.Emit(payload.EventKind(), userID, payload.Map(), relatedEntities...)
}

// Subscribe registers callback for every future event of the given kind.
// Callbacks for one kind run in registration order.
func (b *Bus) Subscribe(kind v1.EventKind, callback Subscriber) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	b.subs[kind] = append(b.subs[kind], callback)
	slog.Debug("[SyncBus] Subscriber registered", "kind", kind)
}

// AddConnection registers a live delivery target for the user.
func (b *Bus) AddConnection(userID string, conn Connection) {
	b.registry.Add(userID, conn)
	slog.Info("[SyncBus] Connection added", "user_id", userID, "active", b.registry.Count(userID))
}

// RemoveConnection unregisters a live delivery target.
func (b *Bus) RemoveConnection(userID string, conn Connection) {
	b.registry.Remove(userID, conn)
	slog.Info("[SyncBus] Connection removed", "user_id", userID, "active", b.registry.Count(userID))
}

// Status is the informational per-user sync health surface.
type Status struct {
	Connected         bool   `json:"connected"`
	ActiveConnections int    `json:"active_connections"`
	QueueSize         int    `json:"queue_size"`
	ServiceRunning    bool   `json:"service_running"`
	LastSync          string `json:"last_sync"`
}

// Status reports connection count, queue depth and the running flag for one user.
func (b *Bus) Status(userID string) Status {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()

	active := b.registry.Count(userID)
	return Status{
		Connected:         active > 0,
		ActiveConnections: active,
		QueueSize:         b.queue.Len(),
		ServiceRunning:    running,
		LastSync:          time.Now().UTC().Format(time.RFC3339),
	}
}

// consume is the single consumer loop. Cancellation points align with event
// boundaries: the loop checks the context only before dequeuing, never
// mid-event.
func (b *Bus) consume(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		evt, ok := b.queue.Pop(ctx, b.poll)
		if !ok {
			continue
		}

		// An event already dequeued completes all stages even if Stop was
		// requested meanwhile, so no side effect is left half-applied.
		b.process(context.WithoutCancel(ctx), evt)
	}
}

// process runs the four stages for one event: kind-specific cascade logic,
// subscriber notification, live fan-out, and the processed mark. Stage
// failures are isolated; a bad event never kills the consumer loop.
func (b *Bus) process(ctx context.Context, evt *v1.SyncEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[SyncBus] Event processing panicked", "event_id", evt.ID, "kind", evt.Kind, "panic", r)
		}
	}()

	slog.Debug("[SyncBus] Processing event", "event_id", evt.ID, "kind", evt.Kind, "user_id", evt.UserID)

	failed := false
	if err := b.runCascade(ctx, evt); err != nil {
		failed = true
		slog.Error("[SyncBus] Stage failed", "event_id", evt.ID, "stage", "cascade", "error", err)
	}

	b.notifySubscribers(ctx, evt)
	b.fanOut(ctx, evt)

	if !failed {
		evt.Processed = true
		slog.Debug("[SyncBus] Event processed", "event_id", evt.ID)
	}
}

func (b *Bus) runCascade(ctx context.Context, evt *v1.SyncEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cascade panicked: %v", r)
		}
	}()
	return b.cascade.Apply(ctx, b, evt)
}

func (b *Bus) notifySubscribers(ctx context.Context, evt *v1.SyncEvent) {
	b.subsMu.RLock()
	callbacks := make([]Subscriber, len(b.subs[evt.Kind]))
	copy(callbacks, b.subs[evt.Kind])
	b.subsMu.RUnlock()

	for i, callback := range callbacks {
		if err := b.invokeSubscriber(ctx, callback, evt); err != nil {
			slog.Error("[SyncBus] Stage failed",
				"event_id", evt.ID,
				"stage", "subscribers",
				"subscriber", i,
				"error", err)
		}
	}
}

func (b *Bus) invokeSubscriber(ctx context.Context, callback Subscriber, evt *v1.SyncEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panicked: %v", r)
		}
	}()
	return callback(ctx, evt)
}

// fanOut serializes the event once and delivers it sequentially to every live
// connection for the event's user. Connections whose delivery fails are
// evicted — the registry is self-healing, there is no separate heartbeat.
func (b *Bus) fanOut(ctx context.Context, evt *v1.SyncEvent) {
	conns := b.registry.ForUser(evt.UserID)
	if len(conns) == 0 {
		return
	}

	message, err := json.Marshal(evt.Wire())
	if err != nil {
		slog.Error("[SyncBus] Stage failed", "event_id", evt.ID, "stage", "fan_out", "error", err)
		return
	}

	for _, conn := range conns {
		if err := b.deliver(ctx, conn, message); err != nil {
			slog.Warn("[SyncBus] Connection delivery failed, evicting",
				"event_id", evt.ID,
				"user_id", evt.UserID,
				"error", err)
			b.registry.Remove(evt.UserID, conn)
			_ = conn.Close()
		}
	}
}

func (b *Bus) deliver(ctx context.Context, conn Connection, message []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connection send panicked: %v", r)
		}
	}()
	return conn.Send(ctx, message)
}
