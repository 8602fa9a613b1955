package postgres

// SQL queries for transaction and profile storage.

const (
	// queryAddTransaction inserts a transaction.
	// ON CONFLICT DO NOTHING returns no rows (sql.ErrNoRows) for duplicates,
	// which callers treat as an idempotent success.
	queryAddTransaction = `
		INSERT INTO transactions (
			id, user_id, amount, category, description,
			type, date, receipt_id, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at
	`

	// queryUserTransactions lists a user's transactions newest first.
	// $2 is the optional date lower bound: passing the zero time disables it.
	queryUserTransactions = `
		SELECT
			id, user_id, amount, category, description,
			type, date, receipt_id, created_at
		FROM transactions
		WHERE user_id = $1
		  AND date >= $2
		ORDER BY date DESC, created_at DESC
		LIMIT $3 OFFSET $4
	`

	// queryFinancialProfile derives the rolling 30-day income/spend totals.
	queryFinancialProfile = `
		SELECT
			COALESCE(SUM(CASE WHEN type = 'income' THEN amount ELSE 0 END), 0)  AS income,
			COALESCE(SUM(CASE WHEN type = 'expense' THEN amount ELSE 0 END), 0) AS spend,
			COUNT(*) AS txn_count
		FROM transactions
		WHERE user_id = $1
		  AND date >= NOW() - INTERVAL '30 days'
	`

	// queryUpsertRollup materializes one analytics rollup bucket.
	// event_count only moves forward so a replayed flush cannot regress state.
	queryUpsertRollup = `
		INSERT INTO analytics_rollups (
			partition_id, user_id, rule_name, group_key, window_start,
			operator, value, event_count, last_event_id, rule_fingerprint, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (partition_id, user_id, rule_name, group_key, window_start)
		DO UPDATE SET
			value = EXCLUDED.value,
			event_count = EXCLUDED.event_count,
			last_event_id = EXCLUDED.last_event_id,
			rule_fingerprint = EXCLUDED.rule_fingerprint,
			updated_at = EXCLUDED.updated_at
		WHERE analytics_rollups.event_count <= EXCLUDED.event_count
	`
)
