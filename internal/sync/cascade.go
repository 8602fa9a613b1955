package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/moneta-lab/project-moneta/internal/api/v1"
)

// Emitter re-enqueues cascade-produced events. Cascades go back through the
// queue rather than recursing directly: stack depth stays bounded and global
// FIFO ordering is preserved.
type Emitter interface {
	Emit(kind v1.EventKind, userID string, payload map[string]any, relatedEntities ...string) error
}

// Cascade translates one processed event into zero or more downstream events
// and collaborator signals.
type Cascade struct {
	relationships EntityRelationships
	budgets       BudgetService
	goals         GoalService
	anomalies     AnomalyChecker
	notifier      EntityNotifier
}

// NewCascade builds the cascade rule set. Any collaborator may be nil, in
// which case its signals are skipped — event-to-event translation still runs.
func NewCascade(relationships EntityRelationships, budgets BudgetService, goals GoalService, anomalies AnomalyChecker, notifier EntityNotifier) *Cascade {
	if relationships == nil {
		relationships = DefaultRelationships()
	}
	return &Cascade{
		relationships: relationships,
		budgets:       budgets,
		goals:         goals,
		anomalies:     anomalies,
		notifier:      notifier,
	}
}

// Apply runs the kind-specific handler for evt, then the generic
// dependent-entity notification derived from the relationship table.
func (c *Cascade) Apply(ctx context.Context, em Emitter, evt *v1.SyncEvent) error {
	var err error
	switch evt.Kind {
	case v1.KindReceiptProcessed:
		err = c.handleReceiptProcessed(ctx, em, evt)
	case v1.KindTransactionAdded:
		err = c.handleTransactionAdded(ctx, em, evt)
	case v1.KindGoalProgress:
		err = c.handleGoalProgress(ctx, em, evt)
	case v1.KindBudgetUpdated:
		err = c.handleBudgetUpdated(ctx, evt)
	case v1.KindAutoSaveTriggered:
		err = c.handleAutoSave(ctx, em, evt)
	}

	c.notifyRelated(ctx, evt)
	return err
}

// handleReceiptProcessed synthesizes a transaction from a successfully parsed
// receipt. A failed parse, or a parse without a total, produces no cascade.
func (c *Cascade) handleReceiptProcessed(_ context.Context, em Emitter, evt *v1.SyncEvent) error {
	if !boolField(evt.Payload, "success") {
		return nil
	}
	parsed, ok := evt.Payload["parsed_data"].(map[string]any)
	if !ok {
		return nil
	}
	total, ok := numField(parsed, "total")
	if !ok {
		return nil
	}

	category := strField(parsed, "category")
	if category == "" {
		category = "Unknown"
	}
	vendor := strField(parsed, "vendor")
	if vendor == "" {
		vendor = "Unknown"
	}
	date := strField(parsed, "date")
	if date == "" {
		date = time.Now().UTC().Format(time.RFC3339)
	}

	transaction := map[string]any{
		"amount":      total,
		"category":    category,
		"description": fmt.Sprintf("Receipt from %s", vendor),
		"date":        date,
		"type":        "expense",
	}
	if id := strField(evt.Payload, "receipt_id"); id != "" {
		transaction["receipt_id"] = id
	}
	if url := strField(evt.Payload, "receipt_url"); url != "" {
		transaction["receipt_url"] = url
	}

	return em.Emit(v1.KindTransactionAdded, evt.UserID, transaction, "budget", "goal")
}

// handleTransactionAdded propagates a new transaction into budgets and goals
// and triggers the single-transaction anomaly screen.
func (c *Cascade) handleTransactionAdded(ctx context.Context, em Emitter, evt *v1.SyncEvent) error {
	transaction := evt.Payload
	txType := strField(transaction, "type")
	category := strField(transaction, "category")
	if category == "" {
		category = "Unknown"
	}
	amount, _ := numField(transaction, "amount")
	transactionID := strField(transaction, "id")

	var firstErr error

	if txType == "expense" {
		if c.budgets != nil {
			if err := c.budgets.RecordSpending(ctx, evt.UserID, category, amount, transactionID); err != nil {
				slog.Error("[Cascade] Budget spending update failed", "event_id", evt.ID, "user_id", evt.UserID, "error", err)
			}
		}

		budgetUpdate := map[string]any{
			"category":     category,
			"amount_spent": amount,
		}
		if transactionID != "" {
			budgetUpdate["transaction_id"] = transactionID
		}
		if err := em.Emit(v1.KindBudgetUpdated, evt.UserID, budgetUpdate); err != nil {
			firstErr = err
		}
	}

	if txType == "income" || category == "Savings" {
		progress := GoalProgress{AmountAdded: amount}
		if c.goals != nil {
			p, err := c.goals.RecordContribution(ctx, evt.UserID, amount, transactionID, "transaction")
			if err != nil {
				slog.Error("[Cascade] Goal contribution failed", "event_id", evt.ID, "user_id", evt.UserID, "error", err)
			} else {
				progress = p
			}
		}

		goalUpdate := map[string]any{
			"amount_added": progress.AmountAdded,
			"source":       "transaction",
		}
		if transactionID != "" {
			goalUpdate["transaction_id"] = transactionID
		}
		if progress.GoalID != "" {
			goalUpdate["goal_id"] = progress.GoalID
		}
		if progress.MilestoneAchieved != "" {
			goalUpdate["milestone_achieved"] = progress.MilestoneAchieved
			goalUpdate["celebration_message"] = progress.CelebrationMessage
		}
		if err := em.Emit(v1.KindGoalProgress, evt.UserID, goalUpdate); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if c.anomalies != nil {
		c.anomalies.CheckTransaction(ctx, evt.UserID, transaction)
	}

	return firstErr
}

// handleGoalProgress celebrates crossed milestones and always forwards a
// budget-adjustment signal.
func (c *Cascade) handleGoalProgress(ctx context.Context, em Emitter, evt *v1.SyncEvent) error {
	goalID := strField(evt.Payload, "goal_id")
	amountAdded, _ := numField(evt.Payload, "amount_added")

	var firstErr error

	if milestone := strField(evt.Payload, "milestone_achieved"); milestone != "" {
		message := strField(evt.Payload, "celebration_message")
		if message == "" {
			message = fmt.Sprintf("Congratulations! You reached %s of your goal.", milestone)
		}
		celebration := map[string]any{
			"goal_id":             goalID,
			"milestone":           milestone,
			"celebration_message": message,
		}
		if err := em.Emit(v1.KindMilestoneAchieved, evt.UserID, celebration); err != nil {
			firstErr = err
		}
	}

	if c.budgets != nil {
		if err := c.budgets.AdjustForGoalProgress(ctx, evt.UserID, goalID, amountAdded); err != nil {
			slog.Error("[Cascade] Budget adjustment failed", "event_id", evt.ID, "user_id", evt.UserID, "error", err)
		}
	}

	return firstErr
}

// handleBudgetUpdated asks the goal collaborator to recompute affected
// timelines. No new event kind is produced.
func (c *Cascade) handleBudgetUpdated(ctx context.Context, evt *v1.SyncEvent) error {
	if c.goals == nil {
		return nil
	}
	category := strField(evt.Payload, "category")
	if err := c.goals.RecalculateTimelines(ctx, evt.UserID, category); err != nil {
		slog.Error("[Cascade] Goal timeline recompute failed", "event_id", evt.ID, "user_id", evt.UserID, "error", err)
	}
	return nil
}

// handleAutoSave applies an automatic saving to its goal and reports the
// progress as a goal_progress_updated event.
func (c *Cascade) handleAutoSave(ctx context.Context, em Emitter, evt *v1.SyncEvent) error {
	goalID := strField(evt.Payload, "goal_id")
	amount, ok := numField(evt.Payload, "amount")
	if goalID == "" || !ok || amount <= 0 {
		return nil
	}

	progress := GoalProgress{GoalID: goalID, AmountAdded: amount}
	if c.goals != nil {
		p, err := c.goals.ContributeToGoal(ctx, evt.UserID, goalID, amount, "auto_save")
		if err != nil {
			slog.Error("[Cascade] Auto-save contribution failed", "event_id", evt.ID, "user_id", evt.UserID, "error", err)
		} else {
			progress = p
		}
	}

	goalUpdate := map[string]any{
		"goal_id":      progress.GoalID,
		"amount_added": progress.AmountAdded,
		"source":       "auto_save",
	}
	if progress.MilestoneAchieved != "" {
		goalUpdate["milestone_achieved"] = progress.MilestoneAchieved
		goalUpdate["celebration_message"] = progress.CelebrationMessage
	}
	return em.Emit(v1.KindGoalProgress, evt.UserID, goalUpdate)
}

// notifyRelated forwards the generic change hint to every dependent entity of
// the entity this event mutates.
func (c *Cascade) notifyRelated(ctx context.Context, evt *v1.SyncEvent) {
	if c.notifier == nil {
		return
	}
	entity := entityTypeForKind(evt.Kind)
	for _, dependent := range c.relationships[entity] {
		if err := c.notifier.EntityChanged(ctx, evt.UserID, dependent, evt.Payload); err != nil {
			slog.Warn("[Cascade] Entity notification failed",
				"event_id", evt.ID,
				"entity", dependent,
				"error", err)
		}
	}
}

// Payload field accessors. Payloads are generic mappings on the wire, so
// reads tolerate missing keys and JSON numeric widening.

func strField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func numField(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
