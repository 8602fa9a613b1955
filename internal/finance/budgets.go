package finance

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/shopspring/decimal"
)

// Budget is one user's monthly spending envelope for a category.
type Budget struct {
	UserID    string          `json:"user_id"`
	Category  string          `json:"category"`
	Limit     decimal.Decimal `json:"limit"`
	Spent     decimal.Decimal `json:"spent"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Remaining is the unspent portion of the envelope; negative when overspent.
func (b *Budget) Remaining() decimal.Decimal {
	return b.Limit.Sub(b.Spent)
}

// defaultMonthlyLimit backs categories with no explicit envelope so that
// spending is always tracked even before the user configures budgets.
var defaultMonthlyLimit = decimal.NewFromInt(500)

// BudgetLedger is the process-local budget state consumed by the cascade.
// All money math is decimal; amounts cross the collaborator interface as
// float64 and are converted at this boundary.
type BudgetLedger struct {
	mu      stdsync.RWMutex
	budgets map[string]map[string]*Budget // userID -> category -> budget
	logger  *slog.Logger
}

// NewBudgetLedger creates an empty ledger.
func NewBudgetLedger(logger *slog.Logger) *BudgetLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &BudgetLedger{
		budgets: make(map[string]map[string]*Budget),
		logger:  logger,
	}
}

// SetBudget configures the monthly limit for one category envelope.
func (l *BudgetLedger) SetBudget(userID, category string, limit decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.budget(userID, category)
	b.Limit = limit
	b.UpdatedAt = time.Now().UTC()
}

// Budgets returns a snapshot of the user's envelopes.
func (l *BudgetLedger) Budgets(userID string) []Budget {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Budget, 0, len(l.budgets[userID]))
	for _, b := range l.budgets[userID] {
		out = append(out, *b)
	}
	return out
}

// RecordSpending charges amount against the user's category envelope.
func (l *BudgetLedger) RecordSpending(_ context.Context, userID, category string, amount float64, transactionID string) error {
	charge := decimal.NewFromFloat(amount)
	if charge.IsNegative() {
		return fmt.Errorf("spending amount must not be negative, got %s", charge)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.budget(userID, category)
	b.Spent = b.Spent.Add(charge)
	b.UpdatedAt = time.Now().UTC()

	if b.Spent.GreaterThan(b.Limit) {
		l.logger.Warn("[Finance] Budget exceeded",
			"user_id", userID,
			"category", category,
			"spent", b.Spent.String(),
			"limit", b.Limit.String(),
			"transaction_id", transactionID,
		)
	}
	return nil
}

// AdjustForGoalProgress rebalances the savings envelope after goal progress:
// amounts routed to a goal count as savings spending so discretionary budgets
// reflect the locked-away money.
func (l *BudgetLedger) AdjustForGoalProgress(_ context.Context, userID, goalID string, amountAdded float64) error {
	moved := decimal.NewFromFloat(amountAdded)
	if moved.IsNegative() {
		return fmt.Errorf("goal adjustment must not be negative, got %s", moved)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.budget(userID, "Savings")
	b.Spent = b.Spent.Add(moved)
	b.UpdatedAt = time.Now().UTC()

	l.logger.Info("[Finance] Budget adjusted for goal progress",
		"user_id", userID,
		"goal_id", goalID,
		"amount", moved.String(),
	)
	return nil
}

// budget returns the live envelope, creating it with the default limit.
// Caller holds l.mu.
func (l *BudgetLedger) budget(userID, category string) *Budget {
	if category == "" {
		category = "Unknown"
	}
	byCategory, ok := l.budgets[userID]
	if !ok {
		byCategory = make(map[string]*Budget)
		l.budgets[userID] = byCategory
	}
	b, ok := byCategory[category]
	if !ok {
		b = &Budget{
			UserID:   userID,
			Category: category,
			Limit:    defaultMonthlyLimit,
			Spent:    decimal.Zero,
		}
		byCategory[category] = b
	}
	return b
}
