package sync

import (
	"context"
	"errors"
	"testing"

	v1 "github.com/moneta-lab/project-moneta/internal/api/v1"
	"github.com/stretchr/testify/require"
)

type emittedEvent struct {
	kind    v1.EventKind
	userID  string
	payload map[string]any
	related []string
}

type fakeEmitter struct {
	events []emittedEvent
	err    error
}

func (f *fakeEmitter) Emit(kind v1.EventKind, userID string, payload map[string]any, related ...string) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, emittedEvent{kind: kind, userID: userID, payload: payload, related: related})
	return nil
}

type fakeBudgets struct {
	spendingCalls []string // category
	adjustCalls   []string // goal id
	err           error
}

func (f *fakeBudgets) RecordSpending(_ context.Context, _, category string, _ float64, _ string) error {
	f.spendingCalls = append(f.spendingCalls, category)
	return f.err
}

func (f *fakeBudgets) AdjustForGoalProgress(_ context.Context, _, goalID string, _ float64) error {
	f.adjustCalls = append(f.adjustCalls, goalID)
	return f.err
}

type fakeGoals struct {
	progress         GoalProgress
	contributions    []float64
	timelineCategory []string
	err              error
}

func (f *fakeGoals) RecordContribution(_ context.Context, _ string, amount float64, _, _ string) (GoalProgress, error) {
	f.contributions = append(f.contributions, amount)
	return f.progress, f.err
}

func (f *fakeGoals) ContributeToGoal(_ context.Context, _, _ string, amount float64, _ string) (GoalProgress, error) {
	f.contributions = append(f.contributions, amount)
	return f.progress, f.err
}

func (f *fakeGoals) RecalculateTimelines(_ context.Context, _, category string) error {
	f.timelineCategory = append(f.timelineCategory, category)
	return f.err
}

type fakeAnomalies struct{ checked []map[string]any }

func (f *fakeAnomalies) CheckTransaction(_ context.Context, _ string, tx map[string]any) {
	f.checked = append(f.checked, tx)
}

type fakeNotifier struct{ entities []string }

func (f *fakeNotifier) EntityChanged(_ context.Context, _, entityType string, _ map[string]any) error {
	f.entities = append(f.entities, entityType)
	return nil
}

func cascadeEvent(t *testing.T, kind v1.EventKind, payload map[string]any) *v1.SyncEvent {
	t.Helper()
	evt, err := v1.NewSyncEvent(kind, "user-1", payload, nil)
	require.NoError(t, err)
	return evt
}

func TestCascade_ReceiptSynthesizesTransaction(t *testing.T) {
	cascade := NewCascade(nil, nil, nil, nil, nil)
	em := &fakeEmitter{}

	evt := cascadeEvent(t, v1.KindReceiptProcessed, map[string]any{
		"success":     true,
		"receipt_id":  "r-1",
		"receipt_url": "https://receipts/r-1",
		"parsed_data": map[string]any{
			"total":    42.5,
			"category": "Groceries",
			"vendor":   "Acme",
			"date":     "2024-01-05",
		},
	})
	require.NoError(t, cascade.Apply(context.Background(), em, evt))

	require.Len(t, em.events, 1)
	out := em.events[0]
	require.Equal(t, v1.KindTransactionAdded, out.kind)
	require.Equal(t, 42.5, out.payload["amount"])
	require.Equal(t, "Groceries", out.payload["category"])
	require.Equal(t, "expense", out.payload["type"])
	require.Equal(t, "2024-01-05", out.payload["date"])
	require.Equal(t, "r-1", out.payload["receipt_id"])
	require.Equal(t, []string{"budget", "goal"}, out.related)
}

func TestCascade_ReceiptDefaultsMissingFields(t *testing.T) {
	cascade := NewCascade(nil, nil, nil, nil, nil)
	em := &fakeEmitter{}

	evt := cascadeEvent(t, v1.KindReceiptProcessed, map[string]any{
		"success":     true,
		"parsed_data": map[string]any{"total": 9.99},
	})
	require.NoError(t, cascade.Apply(context.Background(), em, evt))

	require.Len(t, em.events, 1)
	payload := em.events[0].payload
	require.Equal(t, "Unknown", payload["category"])
	require.Equal(t, "Receipt from Unknown", payload["description"])
	require.NotEmpty(t, payload["date"])
}

func TestCascade_ReceiptNoCascadeCases(t *testing.T) {
	cascade := NewCascade(nil, nil, nil, nil, nil)

	tests := []struct {
		name    string
		payload map[string]any
	}{
		{"failed parse", map[string]any{"success": false}},
		{"missing parsed data", map[string]any{"success": true}},
		{"missing total", map[string]any{"success": true, "parsed_data": map[string]any{"vendor": "Acme"}}},
		{"empty payload", map[string]any{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			em := &fakeEmitter{}
			evt := cascadeEvent(t, v1.KindReceiptProcessed, tc.payload)
			require.NoError(t, cascade.Apply(context.Background(), em, evt))
			require.Empty(t, em.events)
		})
	}
}

func TestCascade_ExpenseUpdatesBudget(t *testing.T) {
	budgets := &fakeBudgets{}
	anomalies := &fakeAnomalies{}
	cascade := NewCascade(nil, budgets, nil, anomalies, nil)
	em := &fakeEmitter{}

	evt := cascadeEvent(t, v1.KindTransactionAdded, map[string]any{
		"type":     "expense",
		"category": "Dining",
		"amount":   35.0,
		"id":       "tx-1",
	})
	require.NoError(t, cascade.Apply(context.Background(), em, evt))

	require.Equal(t, []string{"Dining"}, budgets.spendingCalls)
	require.Len(t, em.events, 1)
	require.Equal(t, v1.KindBudgetUpdated, em.events[0].kind)
	require.Equal(t, 35.0, em.events[0].payload["amount_spent"])
	require.Equal(t, "tx-1", em.events[0].payload["transaction_id"])

	// Anomaly screen is unconditional.
	require.Len(t, anomalies.checked, 1)
}

func TestCascade_IncomeUpdatesGoalProgress(t *testing.T) {
	goals := &fakeGoals{progress: GoalProgress{
		GoalID:             "g-1",
		AmountAdded:        200,
		MilestoneAchieved:  "25%",
		CelebrationMessage: "Quarter way!",
	}}
	cascade := NewCascade(nil, nil, goals, nil, nil)
	em := &fakeEmitter{}

	evt := cascadeEvent(t, v1.KindTransactionAdded, map[string]any{
		"type":   "income",
		"amount": 200.0,
	})
	require.NoError(t, cascade.Apply(context.Background(), em, evt))

	require.Equal(t, []float64{200}, goals.contributions)
	require.Len(t, em.events, 1)
	out := em.events[0]
	require.Equal(t, v1.KindGoalProgress, out.kind)
	require.Equal(t, 200.0, out.payload["amount_added"])
	require.Equal(t, "transaction", out.payload["source"])
	require.Equal(t, "25%", out.payload["milestone_achieved"])
}

func TestCascade_NonExpenseNonSavingsNoEvents(t *testing.T) {
	anomalies := &fakeAnomalies{}
	cascade := NewCascade(nil, nil, nil, anomalies, nil)
	em := &fakeEmitter{}

	evt := cascadeEvent(t, v1.KindTransactionAdded, map[string]any{
		"type":     "transfer",
		"category": "Internal",
		"amount":   10.0,
	})
	require.NoError(t, cascade.Apply(context.Background(), em, evt))
	require.Empty(t, em.events)
	require.Len(t, anomalies.checked, 1, "anomaly screen still runs")
}

func TestCascade_GoalProgressMilestone(t *testing.T) {
	budgets := &fakeBudgets{}
	cascade := NewCascade(nil, budgets, nil, nil, nil)
	em := &fakeEmitter{}

	evt := cascadeEvent(t, v1.KindGoalProgress, map[string]any{
		"goal_id":            "g-1",
		"amount_added":       50.0,
		"milestone_achieved": "50%",
	})
	require.NoError(t, cascade.Apply(context.Background(), em, evt))

	require.Len(t, em.events, 1)
	require.Equal(t, v1.KindMilestoneAchieved, em.events[0].kind)
	require.Equal(t, "g-1", em.events[0].payload["goal_id"])
	require.NotEmpty(t, em.events[0].payload["celebration_message"], "missing message gets a default")

	// The budget-adjustment signal always fires, milestone or not.
	require.Equal(t, []string{"g-1"}, budgets.adjustCalls)
}

func TestCascade_GoalProgressWithoutMilestone(t *testing.T) {
	budgets := &fakeBudgets{}
	cascade := NewCascade(nil, budgets, nil, nil, nil)
	em := &fakeEmitter{}

	evt := cascadeEvent(t, v1.KindGoalProgress, map[string]any{"goal_id": "g-2", "amount_added": 5.0})
	require.NoError(t, cascade.Apply(context.Background(), em, evt))

	require.Empty(t, em.events)
	require.Equal(t, []string{"g-2"}, budgets.adjustCalls)
}

func TestCascade_BudgetUpdateRecalculatesTimelines(t *testing.T) {
	goals := &fakeGoals{}
	cascade := NewCascade(nil, nil, goals, nil, nil)
	em := &fakeEmitter{}

	evt := cascadeEvent(t, v1.KindBudgetUpdated, map[string]any{"category": "Dining", "amount_spent": 35.0})
	require.NoError(t, cascade.Apply(context.Background(), em, evt))

	require.Empty(t, em.events)
	require.Equal(t, []string{"Dining"}, goals.timelineCategory)
}

func TestCascade_AutoSaveContributesToGoal(t *testing.T) {
	goals := &fakeGoals{progress: GoalProgress{GoalID: "g-3", AmountAdded: 25}}
	cascade := NewCascade(nil, nil, goals, nil, nil)
	em := &fakeEmitter{}

	evt := cascadeEvent(t, v1.KindAutoSaveTriggered, map[string]any{"goal_id": "g-3", "amount": 25.0})
	require.NoError(t, cascade.Apply(context.Background(), em, evt))

	require.Equal(t, []float64{25}, goals.contributions)
	require.Len(t, em.events, 1)
	require.Equal(t, v1.KindGoalProgress, em.events[0].kind)
	require.Equal(t, "auto_save", em.events[0].payload["source"])
}

func TestCascade_AutoSaveIgnoresMalformedPayload(t *testing.T) {
	goals := &fakeGoals{}
	cascade := NewCascade(nil, nil, goals, nil, nil)
	em := &fakeEmitter{}

	evt := cascadeEvent(t, v1.KindAutoSaveTriggered, map[string]any{"amount": -5.0})
	require.NoError(t, cascade.Apply(context.Background(), em, evt))
	require.Empty(t, em.events)
	require.Empty(t, goals.contributions)
}

func TestCascade_CollaboratorErrorDoesNotBlockEmission(t *testing.T) {
	budgets := &fakeBudgets{err: errors.New("ledger offline")}
	cascade := NewCascade(nil, budgets, nil, nil, nil)
	em := &fakeEmitter{}

	evt := cascadeEvent(t, v1.KindTransactionAdded, map[string]any{
		"type": "expense", "category": "Dining", "amount": 10.0,
	})
	require.NoError(t, cascade.Apply(context.Background(), em, evt))
	require.Len(t, em.events, 1, "budget_updated still emitted when collaborator fails")
}

func TestCascade_NotifiesDependentEntities(t *testing.T) {
	notifier := &fakeNotifier{}
	cascade := NewCascade(nil, nil, nil, nil, notifier)
	em := &fakeEmitter{}

	evt := cascadeEvent(t, v1.KindTransactionUpdated, map[string]any{"id": "tx-1"})
	require.NoError(t, cascade.Apply(context.Background(), em, evt))

	require.Equal(t, []string{"budget", "goal", "analytics"}, notifier.entities)
}
