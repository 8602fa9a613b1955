package analytics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	v1 "github.com/moneta-lab/project-moneta/internal/api/v1"
	"github.com/moneta-lab/project-moneta/internal/core/partition"
)

// shardCount is the number of lock shards for the live rollup state.
const shardCount = 32

// RollupKey uniquely identifies one rollup bucket.
// Partition-scoped from day one: PartitionID is always present, even when
// running as a single instance.
type RollupKey struct {
	PartitionID int
	UserID      string
	RuleName    string
	Group       string // GroupBy payload value; empty when the rule has no group_by
	WindowStart time.Time
}

// RollupState holds the current materialized value of one rollup bucket.
type RollupState struct {
	Operator        string
	Value           decimal.Decimal // exact arithmetic
	EventCount      int64           // monotonically increasing
	LastEventID     string          // most recent event ID folded into this bucket
	RuleFingerprint string          // staleness detection against a changed rule
	WindowStart     time.Time
	UpdatedAt       time.Time
}

// Store is the durable sink the rollup flushes through. Implementations must
// upsert: the same key is written repeatedly with growing state.
type Store interface {
	UpsertRollups(ctx context.Context, rollups map[RollupKey]RollupState) error
}

type rollupShard struct {
	mu    sync.Mutex
	state map[RollupKey]RollupState
	dirty map[RollupKey]struct{}
}

// Rollup is the live, event-fed metric store. It subscribes to the sync bus
// (via Apply) and folds matching events into per-user bucketed aggregates.
type Rollup struct {
	rulesByKind map[v1.EventKind][]MetricRule
	shards      [shardCount]*rollupShard
	store       Store // optional; nil disables durable flush
	logger      *slog.Logger
	now         func() time.Time
}

// NewRollup builds a rollup over the given rules. store may be nil, in which
// case state is memory-only.
func NewRollup(rules []MetricRule, store Store, logger *slog.Logger) *Rollup {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Rollup{
		rulesByKind: make(map[v1.EventKind][]MetricRule),
		store:       store,
		logger:      logger,
		now:         time.Now,
	}
	for _, rule := range rules {
		r.rulesByKind[rule.SourceEvent] = append(r.rulesByKind[rule.SourceEvent], rule)
	}
	for i := range r.shards {
		r.shards[i] = &rollupShard{
			state: make(map[RollupKey]RollupState),
			dirty: make(map[RollupKey]struct{}),
		}
	}
	return r
}

// Kinds returns the event kinds the rollup wants to observe.
func (r *Rollup) Kinds() []v1.EventKind {
	kinds := make([]v1.EventKind, 0, len(r.rulesByKind))
	for kind := range r.rulesByKind {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(a, b int) bool { return kinds[a] < kinds[b] })
	return kinds
}

// Apply folds one event into every rule registered for its kind. It is safe
// for concurrent use and never fails: a payload that doesn't carry the rule's
// field simply contributes zero.
func (r *Rollup) Apply(_ context.Context, evt *v1.SyncEvent) error {
	rules := r.rulesByKind[evt.Kind]
	if len(rules) == 0 {
		return nil
	}

	pid := partition.For(evt.UserID)
	shard := r.shards[pid%shardCount]
	now := r.now().UTC()

	for _, rule := range rules {
		agg, ok := Operators[rule.Operator]
		if !ok {
			continue
		}

		group := ""
		if rule.GroupBy != "" {
			if s, ok := evt.Payload[rule.GroupBy].(string); ok {
				group = s
			}
		}

		key := RollupKey{
			PartitionID: pid,
			UserID:      evt.UserID,
			RuleName:    rule.Name,
			Group:       group,
			WindowStart: BucketFor(evt.CreatedAt, rule.WindowSize),
		}
		incoming := ExtractDecimal(evt.Payload, rule.Field)

		shard.mu.Lock()
		state, exists := shard.state[key]
		if !exists {
			state = RollupState{
				Operator:        rule.Operator,
				Value:           agg.Initial(incoming),
				RuleFingerprint: rule.Fingerprint,
				WindowStart:     key.WindowStart,
			}
		} else {
			state.Value = agg.Apply(state.Value, incoming)
		}
		state.EventCount++
		state.LastEventID = evt.ID
		state.UpdatedAt = now
		shard.state[key] = state
		shard.dirty[key] = struct{}{}
		shard.mu.Unlock()
	}
	return nil
}

// Seed installs previously persisted buckets into the live state. Called once
// at startup, before any event is applied; seeded buckets start clean (not
// dirty). A seeded bucket with a higher event count than the live one wins.
func (r *Rollup) Seed(rollups map[RollupKey]RollupState) {
	for key, state := range rollups {
		shard := r.shards[key.PartitionID%shardCount]
		shard.mu.Lock()
		if live, ok := shard.state[key]; !ok || live.EventCount < state.EventCount {
			shard.state[key] = state
		}
		shard.mu.Unlock()
	}
}

// Bucket is one rollup bucket in query responses.
type Bucket struct {
	Rule        string          `json:"rule"`
	Group       string          `json:"group,omitempty"`
	Operator    string          `json:"operator"`
	WindowStart time.Time       `json:"window_start"`
	Value       decimal.Decimal `json:"value"`
	EventCount  int64           `json:"event_count"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Snapshot returns every bucket for one user, ordered by rule name, group,
// then window start.
func (r *Rollup) Snapshot(userID string) []Bucket {
	pid := partition.For(userID)
	shard := r.shards[pid%shardCount]

	var buckets []Bucket
	shard.mu.Lock()
	for key, state := range shard.state {
		if key.UserID != userID {
			continue
		}
		buckets = append(buckets, Bucket{
			Rule:        key.RuleName,
			Group:       key.Group,
			Operator:    state.Operator,
			WindowStart: state.WindowStart,
			Value:       state.Value,
			EventCount:  state.EventCount,
			UpdatedAt:   state.UpdatedAt,
		})
	}
	shard.mu.Unlock()

	sort.Slice(buckets, func(a, b int) bool {
		if buckets[a].Rule != buckets[b].Rule {
			return buckets[a].Rule < buckets[b].Rule
		}
		if buckets[a].Group != buckets[b].Group {
			return buckets[a].Group < buckets[b].Group
		}
		return buckets[a].WindowStart.Before(buckets[b].WindowStart)
	})
	return buckets
}

// Flush writes every dirty bucket through the store and clears the dirty set.
// A failed flush keeps the dirty set intact for the next attempt. A bucket
// that absorbed another event while the write was in flight stays dirty, so
// the newer value lands on the next flush.
func (r *Rollup) Flush(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	pending := make(map[RollupKey]RollupState)
	for _, shard := range r.shards {
		shard.mu.Lock()
		for key := range shard.dirty {
			pending[key] = shard.state[key]
		}
		shard.mu.Unlock()
	}
	if len(pending) == 0 {
		return nil
	}

	if err := r.store.UpsertRollups(ctx, pending); err != nil {
		return err
	}

	for _, shard := range r.shards {
		shard.mu.Lock()
		for key := range shard.dirty {
			flushed, ok := pending[key]
			if ok && shard.state[key].EventCount == flushed.EventCount {
				delete(shard.dirty, key)
			}
		}
		shard.mu.Unlock()
	}
	return nil
}

// FlushLoop flushes on a fixed interval until the context is cancelled, then
// runs one final flush so shutdown doesn't drop buckets.
func (r *Rollup) FlushLoop(ctx context.Context, interval time.Duration) {
	if r.store == nil {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("[Analytics] Starting rollup flush loop", "interval", interval)
	for {
		select {
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.logger.Error("[Analytics] Rollup flush failed", "error", err)
			}
		case <-ctx.Done():
			r.logger.Info("[Analytics] Stopping (context cancelled)")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := r.Flush(shutdownCtx); err != nil {
				r.logger.Error("[Analytics] Final rollup flush failed", "error", err)
			}
			return
		}
	}
}
