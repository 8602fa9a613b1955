package analytics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	v1 "github.com/moneta-lab/project-moneta/internal/api/v1"
)

func newHandlerRouter(t *testing.T) (*gin.Engine, *Rollup) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	rollup := NewRollup(DefaultRules(), nil, nil)
	r := gin.New()
	NewHandler(rollup).RegisterRoutes(r)
	return r, rollup
}

func applyTransaction(t *testing.T, rollup *Rollup, userID, category string, amount float64) {
	t.Helper()
	evt, err := v1.NewSyncEvent(v1.KindTransactionAdded, userID, map[string]any{
		"amount":   amount,
		"category": category,
		"type":     "expense",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := rollup.Apply(context.Background(), evt); err != nil {
		t.Fatal(err)
	}
}

func TestHandleQueryRollups(t *testing.T) {
	router, rollup := newHandlerRouter(t)
	applyTransaction(t, rollup, "user-1", "Dining", 25.50)
	applyTransaction(t, rollup, "user-1", "Groceries", 60)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/analytics/user-1", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp RollupResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "user-1", resp.UserID)
	require.Equal(t, len(resp.Buckets), resp.BucketCount)
	require.NotZero(t, resp.BucketCount)
}

func TestHandleQueryRollups_RuleFilter(t *testing.T) {
	router, rollup := newHandlerRouter(t)
	applyTransaction(t, rollup, "user-1", "Dining", 25.50)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/analytics/user-1?rule=transaction_count", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp RollupResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "transaction_count", resp.Rule)
	for _, b := range resp.Buckets {
		require.Equal(t, "transaction_count", b.Rule)
	}
	require.Equal(t, 1, resp.BucketCount)
}

func TestHandleQueryRollups_UnknownUserIsEmpty(t *testing.T) {
	router, _ := newHandlerRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/analytics/ghost", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"buckets":[]`)
}
