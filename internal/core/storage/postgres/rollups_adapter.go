package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moneta-lab/project-moneta/internal/analytics"
)

const queryLoadRollups = `
	SELECT
		partition_id, user_id, rule_name, group_key, window_start,
		operator, value, event_count, last_event_id, rule_fingerprint, updated_at
	FROM analytics_rollups
`

// RollupAdapter implements analytics.Store using PostgreSQL.
// All buckets of one flush are written in a single transaction, so a crashed
// flush leaves the previous consistent state in place.
type RollupAdapter struct {
	db *sql.DB
}

// NewRollupAdapter creates a new RollupAdapter sharing the given connection.
func NewRollupAdapter(db *sql.DB) *RollupAdapter {
	return &RollupAdapter{db: db}
}

// UpsertRollups materializes every bucket in one transaction. Buckets carry
// full state (not deltas); the upsert's event_count guard makes a replayed
// flush idempotent.
func (a *RollupAdapter) UpsertRollups(ctx context.Context, rollups map[analytics.RollupKey]analytics.RollupState) error {
	if len(rollups) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rollup flush: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, queryUpsertRollup)
	if err != nil {
		return fmt.Errorf("failed to prepare rollup upsert: %w", err)
	}
	defer stmt.Close()

	for key, state := range rollups {
		_, err := stmt.ExecContext(ctx,
			key.PartitionID,
			key.UserID,
			key.RuleName,
			key.Group,
			key.WindowStart,
			state.Operator,
			state.Value,
			state.EventCount,
			state.LastEventID,
			state.RuleFingerprint,
			state.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert rollup %s/%s: %w", key.UserID, key.RuleName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollup flush: %w", err)
	}

	slog.Debug("[Postgres] Flushed analytics rollups", "buckets", len(rollups))
	return nil
}

// LoadRollups reads every persisted bucket. Used at startup to seed the live
// rollup so a restart doesn't zero out history.
func (a *RollupAdapter) LoadRollups(ctx context.Context) (map[analytics.RollupKey]analytics.RollupState, error) {
	rows, err := a.db.QueryContext(ctx, queryLoadRollups)
	if err != nil {
		return nil, fmt.Errorf("failed to load rollups: %w", err)
	}
	defer rows.Close()

	out := make(map[analytics.RollupKey]analytics.RollupState)
	for rows.Next() {
		var key analytics.RollupKey
		var state analytics.RollupState
		var value decimal.Decimal
		var windowStart, updatedAt time.Time

		err := rows.Scan(
			&key.PartitionID,
			&key.UserID,
			&key.RuleName,
			&key.Group,
			&windowStart,
			&state.Operator,
			&value,
			&state.EventCount,
			&state.LastEventID,
			&state.RuleFingerprint,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rollup row: %w", err)
		}

		key.WindowStart = windowStart
		state.Value = value
		state.WindowStart = windowStart
		state.UpdatedAt = updatedAt
		out[key] = state
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rollups: %w", err)
	}
	return out, nil
}
