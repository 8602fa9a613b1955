package sync

import "context"

// The cascade drives these collaborator interfaces but owns none of their
// business rules. Budget math, goal allocation and anomaly heuristics live
// behind them; the bus only translates events and forwards signals.

// GoalProgress reports the outcome of applying a contribution to a goal.
type GoalProgress struct {
	GoalID             string
	AmountAdded        float64
	MilestoneAchieved  string // e.g. "50%"; empty when no milestone was crossed
	CelebrationMessage string
}

// BudgetService absorbs budget-affecting signals.
type BudgetService interface {
	// RecordSpending charges amount against the user's category budget.
	RecordSpending(ctx context.Context, userID, category string, amount float64, transactionID string) error

	// AdjustForGoalProgress rebalances budget allocations after goal progress.
	AdjustForGoalProgress(ctx context.Context, userID, goalID string, amountAdded float64) error
}

// GoalService absorbs goal-affecting signals.
type GoalService interface {
	// RecordContribution applies a savings/income contribution to the user's
	// active goal and reports the resulting progress.
	RecordContribution(ctx context.Context, userID string, amount float64, transactionID, source string) (GoalProgress, error)

	// ContributeToGoal applies an automatic saving to one specific goal.
	ContributeToGoal(ctx context.Context, userID, goalID string, amount float64, source string) (GoalProgress, error)

	// RecalculateTimelines recomputes goal timelines after a budget change.
	RecalculateTimelines(ctx context.Context, userID, category string) error
}

// AnomalyChecker screens a single transaction for spending anomalies.
// Findings surface through the checker's own channels, not through the bus.
type AnomalyChecker interface {
	CheckTransaction(ctx context.Context, userID string, transaction map[string]any)
}

// EntityNotifier receives the generic dependent-entity change hints derived
// from the relationship table.
type EntityNotifier interface {
	EntityChanged(ctx context.Context, userID, entityType string, data map[string]any) error
}
