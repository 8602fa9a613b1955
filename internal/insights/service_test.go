package insights

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moneta-lab/project-moneta/internal/anomaly"
	v1 "github.com/moneta-lab/project-moneta/internal/api/v1"
	"github.com/moneta-lab/project-moneta/internal/core/storage"
)

type fakeStore struct {
	transactions []*v1.Transaction
	err          error
	lastQuery    storage.TransactionQuery
	calls        int
}

func (f *fakeStore) AddTransaction(_ context.Context, tx *v1.Transaction) error {
	f.transactions = append(f.transactions, tx)
	return f.err
}

func (f *fakeStore) GetUserTransactions(_ context.Context, _ string, q storage.TransactionQuery) ([]*v1.Transaction, error) {
	f.calls++
	f.lastQuery = q
	return f.transactions, f.err
}

func (f *fakeStore) GetUserFinancialProfile(_ context.Context, userID string) (*v1.FinancialProfile, error) {
	return &v1.FinancialProfile{UserID: userID}, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func steadyHistory(n int) []*v1.Transaction {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := make([]*v1.Transaction, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &v1.Transaction{
			ID:       fmt.Sprintf("tx-%d", i),
			UserID:   "user-1",
			Amount:   100,
			Category: "Groceries",
			Type:     "expense",
			Date:     base.AddDate(0, 0, -i),
		})
	}
	return out
}

func TestDetectForUser_FlagsSpikeAgainstHistory(t *testing.T) {
	store := &fakeStore{transactions: steadyHistory(20)}
	svc := NewService(anomaly.NewEngine(anomaly.Options{}, testLogger()), store, 0, testLogger())

	current := make([]map[string]any, 0, 12)
	for i := 0; i < 11; i++ {
		current = append(current, map[string]any{
			"amount":   100.0,
			"category": "Groceries",
			"date":     time.Date(2026, 3, 10, 12, i, 0, 0, time.UTC).Format(time.RFC3339),
		})
	}
	current = append(current, map[string]any{
		"amount":   5000.0,
		"category": "Groceries",
		"date":     "2026-03-10T14:00:00Z",
	})

	report, err := svc.DetectForUser(context.Background(), "user-1", current)
	require.NoError(t, err)
	require.NotZero(t, report.AnomaliesDetected)
	require.Equal(t, 11, report.Anomalies[0].TransactionIndex)
	require.Equal(t, storage.TransactionQuery{Limit: defaultHistoryLimit}, store.lastQuery)
}

func TestDetectForUser_EmptyBatchScansStoredHistory(t *testing.T) {
	store := &fakeStore{transactions: steadyHistory(12)}
	svc := NewService(anomaly.NewEngine(anomaly.Options{}, testLogger()), store, 50, testLogger())

	report, err := svc.DetectForUser(context.Background(), "user-1", nil)
	require.NoError(t, err)
	require.Equal(t, 12, report.Analysis.TotalTransactionsAnalyzed)
	require.Equal(t, 50, store.lastQuery.Limit)
}

func TestDetectForUser_RequiresUserID(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(anomaly.NewEngine(anomaly.Options{}, testLogger()), store, 0, testLogger())

	_, err := svc.DetectForUser(context.Background(), "", nil)
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.Zero(t, store.calls)
}

func TestDetectForUser_StoreErrorPropagates(t *testing.T) {
	store := &fakeStore{err: errors.New("connection reset")}
	svc := NewService(anomaly.NewEngine(anomaly.Options{}, testLogger()), store, 0, testLogger())

	_, err := svc.DetectForUser(context.Background(), "user-1", nil)
	require.ErrorContains(t, err, "connection reset")
}

func TestChecker_CheckTransactionNeverPanics(t *testing.T) {
	store := &fakeStore{err: errors.New("down")}
	svc := NewService(anomaly.NewEngine(anomaly.Options{}, testLogger()), store, 0, testLogger())
	checker := NewChecker(svc, testLogger())

	checker.CheckTransaction(context.Background(), "user-1", map[string]any{"amount": 12.5})

	store.err = nil
	store.transactions = steadyHistory(20)
	checker.CheckTransaction(context.Background(), "user-1", map[string]any{
		"amount":   5000.0,
		"category": "Groceries",
		"date":     "2026-03-10T14:00:00Z",
	})
}
