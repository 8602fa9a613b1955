package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	v1 "github.com/moneta-lab/project-moneta/internal/api/v1"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

func newTestBus() *Bus {
	return New(nil, Options{PollInterval: 5 * time.Millisecond})
}

// fakeConnection records delivered messages and can be told to fail.
type fakeConnection struct {
	mu       sync.Mutex
	messages [][]byte
	fail     bool
	closed   bool
}

func (c *fakeConnection) Send(_ context.Context, message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("connection reset")
	}
	c.messages = append(c.messages, message)
	return nil
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConnection) delivered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *fakeConnection) lastMessage() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return nil
	}
	return c.messages[len(c.messages)-1]
}

func collectKind(bus *Bus, kind v1.EventKind) <-chan *v1.SyncEvent {
	ch := make(chan *v1.SyncEvent, 64)
	bus.Subscribe(kind, func(_ context.Context, evt *v1.SyncEvent) error {
		ch <- evt
		return nil
	})
	return ch
}

func waitEvent(t *testing.T, ch <-chan *v1.SyncEvent) *v1.SyncEvent {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBus_FIFOOrdering(t *testing.T) {
	bus := newTestBus()
	events := collectKind(bus, v1.KindBudgetUpdated)

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, bus.Emit(v1.KindBudgetUpdated, "user-1", map[string]any{"seq": i}))
	}

	bus.Start()
	defer bus.Stop()

	for i := 0; i < n; i++ {
		evt := waitEvent(t, events)
		require.Equal(t, i, evt.Payload["seq"], "events must process in emission order")
	}
}

func TestBus_EmitBeforeStartQueues(t *testing.T) {
	bus := newTestBus()
	events := collectKind(bus, v1.KindMilestoneAchieved)

	require.NoError(t, bus.Emit(v1.KindMilestoneAchieved, "user-1", map[string]any{"milestone": "50%"}))

	select {
	case <-events:
		t.Fatal("event must not process before Start")
	case <-time.After(50 * time.Millisecond):
	}

	bus.Start()
	defer bus.Stop()

	evt := waitEvent(t, events)
	require.Equal(t, "50%", evt.Payload["milestone"])
}

func TestBus_EmitInvalidKind(t *testing.T) {
	bus := newTestBus()
	require.Error(t, bus.Emit("bad_kind", "user-1", nil))
	require.Error(t, bus.Emit(v1.KindBudgetUpdated, "", nil))
}

func TestBus_ReceiptCascadeSynthesizesTransaction(t *testing.T) {
	bus := newTestBus()
	transactions := collectKind(bus, v1.KindTransactionAdded)

	bus.Start()
	defer bus.Stop()

	payload := map[string]any{
		"success": true,
		"parsed_data": map[string]any{
			"total":    42.50,
			"category": "Groceries",
			"vendor":   "Acme",
			"date":     "2024-01-05",
		},
	}
	require.NoError(t, bus.Emit(v1.KindReceiptProcessed, "user-1", payload, "transaction", "budget"))

	evt := waitEvent(t, transactions)
	require.Equal(t, 42.50, evt.Payload["amount"])
	require.Equal(t, "Groceries", evt.Payload["category"])
	require.Equal(t, "expense", evt.Payload["type"])
	require.Equal(t, "Receipt from Acme", evt.Payload["description"])
	require.Equal(t, []string{"budget", "goal"}, evt.RelatedEntities)

	select {
	case extra := <-transactions:
		t.Fatalf("expected exactly one synthesized transaction, got another: %v", extra.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_FailedReceiptProducesNoCascade(t *testing.T) {
	bus := newTestBus()
	transactions := collectKind(bus, v1.KindTransactionAdded)
	budgets := collectKind(bus, v1.KindBudgetUpdated)
	receipts := collectKind(bus, v1.KindReceiptProcessed)

	bus.Start()
	defer bus.Stop()

	require.NoError(t, bus.Emit(v1.KindReceiptProcessed, "user-1", map[string]any{"success": false}))
	waitEvent(t, receipts)

	// Missing total also no-ops.
	require.NoError(t, bus.Emit(v1.KindReceiptProcessed, "user-1", map[string]any{
		"success":     true,
		"parsed_data": map[string]any{"vendor": "Acme"},
	}))
	waitEvent(t, receipts)

	select {
	case evt := <-transactions:
		t.Fatalf("unexpected downstream transaction event: %v", evt.Payload)
	case evt := <-budgets:
		t.Fatalf("unexpected downstream budget event: %v", evt.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_SubscriberFailureIsolation(t *testing.T) {
	bus := newTestBus()

	bus.Subscribe(v1.KindBudgetUpdated, func(context.Context, *v1.SyncEvent) error {
		return errors.New("subscriber exploded")
	})
	bus.Subscribe(v1.KindBudgetUpdated, func(context.Context, *v1.SyncEvent) error {
		panic("subscriber panicked")
	})
	second := collectKind(bus, v1.KindBudgetUpdated)

	conn := &fakeConnection{}
	bus.AddConnection("user-1", conn)

	bus.Start()
	defer bus.Stop()

	require.NoError(t, bus.Emit(v1.KindBudgetUpdated, "user-1", map[string]any{"category": "Dining"}))

	evt := waitEvent(t, second)
	require.Equal(t, "Dining", evt.Payload["category"])

	require.Eventually(t, func() bool { return conn.delivered() == 1 }, testTimeout, 5*time.Millisecond,
		"fan-out must still run after subscriber failures")
}

func TestBus_SelfHealingConnections(t *testing.T) {
	bus := newTestBus()
	processed := collectKind(bus, v1.KindGoalUpdated)

	bad := &fakeConnection{fail: true}
	good := &fakeConnection{}
	other := &fakeConnection{}
	bus.AddConnection("user-1", bad)
	bus.AddConnection("user-1", good)
	bus.AddConnection("user-2", other)

	bus.Start()
	defer bus.Stop()

	require.NoError(t, bus.Emit(v1.KindGoalUpdated, "user-1", map[string]any{"goal_id": "g1"}))
	waitEvent(t, processed)

	require.Eventually(t, func() bool { return bus.Status("user-1").ActiveConnections == 1 },
		testTimeout, 5*time.Millisecond, "failing connection must be evicted")
	require.Equal(t, 1, good.delivered())
	require.True(t, func() bool { bad.mu.Lock(); defer bad.mu.Unlock(); return bad.closed }())

	// The other user's registry entry is untouched.
	require.Equal(t, 1, bus.Status("user-2").ActiveConnections)
	require.Equal(t, 0, other.delivered())
}

func TestBus_WireFormat(t *testing.T) {
	bus := newTestBus()
	processed := collectKind(bus, v1.KindTransactionAdded)

	conn := &fakeConnection{}
	bus.AddConnection("user-7", conn)

	bus.Start()
	defer bus.Stop()

	require.NoError(t, bus.Emit(v1.KindTransactionAdded, "user-7",
		map[string]any{"amount": 12.0, "category": "Transport", "type": "transfer"}))
	waitEvent(t, processed)

	require.Eventually(t, func() bool { return conn.delivered() == 1 }, testTimeout, 5*time.Millisecond)

	var msg v1.WireMessage
	require.NoError(t, json.Unmarshal(conn.lastMessage(), &msg))
	require.Equal(t, "sync_event", msg.Type)
	require.Equal(t, "transaction_added", msg.Event.EventType)
	require.Equal(t, "user-7", msg.Event.UserID)
	require.Equal(t, 12.0, msg.Event.Data["amount"])
	require.NotEmpty(t, msg.Event.ID)
	require.NotEmpty(t, msg.Event.Timestamp)
}

func TestBus_IdempotentStartStop(t *testing.T) {
	bus := newTestBus()
	events := collectKind(bus, v1.KindGoalCreated)

	bus.Start()
	bus.Start() // second call must not spawn a duplicate consumer

	require.NoError(t, bus.Emit(v1.KindGoalCreated, "user-1", map[string]any{"goal_id": "g1"}))
	waitEvent(t, events)

	select {
	case evt := <-events:
		t.Fatalf("event processed twice: %v", evt.Payload)
	case <-time.After(50 * time.Millisecond):
	}

	bus.Stop()
	bus.Stop() // stopping again is a no-op

	require.False(t, bus.Status("user-1").ServiceRunning)

	// A stopped bus can be started again.
	bus.Start()
	defer bus.Stop()
	require.NoError(t, bus.Emit(v1.KindGoalCreated, "user-1", map[string]any{"goal_id": "g2"}))
	waitEvent(t, events)
}

func TestBus_ExpenseCascadeEndToEnd(t *testing.T) {
	bus := newTestBus()
	budgets := collectKind(bus, v1.KindBudgetUpdated)

	bus.Start()
	defer bus.Stop()

	require.NoError(t, bus.Emit(v1.KindTransactionAdded, "user-1", map[string]any{
		"type":     "expense",
		"category": "Dining",
		"amount":   35.00,
	}))

	evt := waitEvent(t, budgets)
	require.Equal(t, "Dining", evt.Payload["category"])
	require.Equal(t, 35.00, evt.Payload["amount_spent"])
	require.Equal(t, "user-1", evt.UserID)
}

func TestBus_SavingsTransactionCascadesToGoalProgress(t *testing.T) {
	bus := newTestBus()
	goalEvents := collectKind(bus, v1.KindGoalProgress)

	bus.Start()
	defer bus.Stop()

	require.NoError(t, bus.Emit(v1.KindTransactionAdded, "user-1", map[string]any{
		"type":     "expense",
		"category": "Savings",
		"amount":   100.0,
		"id":       "tx-9",
	}))

	evt := waitEvent(t, goalEvents)
	require.Equal(t, 100.0, evt.Payload["amount_added"])
	require.Equal(t, "transaction", evt.Payload["source"])
	require.Equal(t, "tx-9", evt.Payload["transaction_id"])
}

func TestBus_MilestoneCascade(t *testing.T) {
	bus := newTestBus()
	milestones := collectKind(bus, v1.KindMilestoneAchieved)

	bus.Start()
	defer bus.Stop()

	require.NoError(t, bus.Emit(v1.KindGoalProgress, "user-1", map[string]any{
		"goal_id":             "g1",
		"amount_added":        50.0,
		"milestone_achieved":  "50%",
		"celebration_message": "Halfway there!",
	}))

	evt := waitEvent(t, milestones)
	require.Equal(t, "g1", evt.Payload["goal_id"])
	require.Equal(t, "50%", evt.Payload["milestone"])
	require.Equal(t, "Halfway there!", evt.Payload["celebration_message"])
}

func TestBus_ProcessedFlagSet(t *testing.T) {
	bus := newTestBus()

	var midFlight bool
	events := make(chan *v1.SyncEvent, 1)
	bus.Subscribe(v1.KindTransactionDeleted, func(_ context.Context, evt *v1.SyncEvent) error {
		midFlight = evt.Processed
		events <- evt
		return nil
	})
	barrier := collectKind(bus, v1.KindTransactionUpdated)

	bus.Start()
	defer bus.Stop()

	require.NoError(t, bus.Emit(v1.KindTransactionDeleted, "user-1", map[string]any{"id": "tx-1"}))
	require.NoError(t, bus.Emit(v1.KindTransactionUpdated, "user-1", map[string]any{"id": "tx-1"}))

	evt := waitEvent(t, events)

	// The second event is observed only after the first finished every stage
	// on the consumer goroutine, so the reads below are synchronized.
	waitEvent(t, barrier)
	require.False(t, midFlight, "subscribers run before the processed mark")
	require.True(t, evt.Processed)
}

func TestBus_StopFinishesInFlightEvent(t *testing.T) {
	bus := newTestBus()

	entered := make(chan struct{})
	release := make(chan struct{})
	bus.Subscribe(v1.KindTransactionAdded, func(context.Context, *v1.SyncEvent) error {
		close(entered)
		<-release
		return nil
	})
	events := collectKind(bus, v1.KindTransactionAdded)

	conn := &fakeConnection{}
	bus.AddConnection("user-1", conn)

	bus.Start()
	require.NoError(t, bus.Emit(v1.KindTransactionAdded, "user-1", map[string]any{"amount": 1.0, "type": "transfer"}))

	select {
	case <-entered:
	case <-time.After(testTimeout):
		t.Fatal("consumer never reached the subscriber")
	}

	stopped := make(chan struct{})
	go func() {
		bus.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while an event was mid-flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case <-stopped:
	case <-time.After(testTimeout):
		t.Fatal("Stop did not return after the event finished")
	}

	// The dequeued event completed every stage despite the pending Stop.
	evt := waitEvent(t, events)
	require.True(t, evt.Processed)
	require.Equal(t, 1, conn.delivered(), "fan-out must run before the consumer exits")
	require.False(t, bus.Running())
}

func TestBus_ConsumerSurvivesBadEvent(t *testing.T) {
	bus := newTestBus()

	calls := 0
	bus.Subscribe(v1.KindAutoSaveTriggered, func(context.Context, *v1.SyncEvent) error {
		calls++
		if calls == 1 {
			panic("first event is poison")
		}
		return nil
	})
	done := collectKind(bus, v1.KindAutoSaveTriggered)

	bus.Start()
	defer bus.Stop()

	require.NoError(t, bus.Emit(v1.KindAutoSaveTriggered, "user-1", map[string]any{"goal_id": "g1", "amount": 5.0}))
	require.NoError(t, bus.Emit(v1.KindAutoSaveTriggered, "user-1", map[string]any{"goal_id": "g1", "amount": 6.0}))

	waitEvent(t, done)
	evt := waitEvent(t, done)
	require.Equal(t, 6.0, evt.Payload["amount"])
}

func TestBus_StatusReportsQueueDepth(t *testing.T) {
	bus := newTestBus()

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Emit(v1.KindBudgetUpdated, "user-1", map[string]any{"seq": i}))
	}

	st := bus.Status("user-1")
	require.False(t, st.ServiceRunning)
	require.Equal(t, 3, st.QueueSize)
	require.False(t, st.Connected)
	require.NotEmpty(t, st.LastSync)
}

func TestBus_ConcurrentProducers(t *testing.T) {
	bus := newTestBus()
	events := collectKind(bus, v1.KindTransactionUpdated)

	bus.Start()
	defer bus.Stop()

	const producers = 8
	const perProducer = 25

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = bus.Emit(v1.KindTransactionUpdated, "user-1", map[string]any{
					"id": fmt.Sprintf("%d-%d", p, i),
				})
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := 0; i < producers*perProducer; i++ {
		evt := waitEvent(t, events)
		id := evt.Payload["id"].(string)
		require.False(t, seen[id], "event %s processed twice", id)
		seen[id] = true
	}
}
