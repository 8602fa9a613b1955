package insights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/moneta-lab/project-moneta/internal/anomaly"
	"github.com/moneta-lab/project-moneta/internal/core/storage"
)

const defaultHistoryLimit = 500

// ErrInvalidRequest marks request validation errors that should return HTTP 400.
var ErrInvalidRequest = errors.New("invalid detection request")

// Service runs anomaly detection over a user's transaction history. It owns
// the read path into the store; callers hand it only the new transactions
// under scrutiny.
type Service struct {
	engine       *anomaly.Engine
	store        storage.TransactionStore
	historyLimit int
	logger       *slog.Logger
}

// NewService creates an insights service. historyLimit caps how many stored
// transactions seed the detectors per run; <= 0 selects the default.
func NewService(engine *anomaly.Engine, store storage.TransactionStore, historyLimit int, logger *slog.Logger) *Service {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:       engine,
		store:        store,
		historyLimit: historyLimit,
		logger:       logger,
	}
}

// DetectForUser screens the given transactions against the user's stored
// history. When current is empty, the user's own recent transactions are
// analyzed as the batch instead.
func (s *Service) DetectForUser(ctx context.Context, userID string, current []map[string]any) (*anomaly.Report, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}

	stored, err := s.store.GetUserTransactions(ctx, userID, storage.TransactionQuery{Limit: s.historyLimit})
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction history for %s: %w", userID, err)
	}

	historical := make([]map[string]any, 0, len(stored))
	for _, tx := range stored {
		historical = append(historical, tx.Row())
	}

	if len(current) == 0 {
		current = historical
		historical = nil
	}

	report := s.engine.Detect(ctx, current, historical)
	if report.AnomaliesDetected > 0 {
		s.logger.Info("[Insights] Anomalies detected",
			"user_id", userID,
			"count", report.AnomaliesDetected,
			"risk_level", report.Analysis.RiskLevel,
		)
	}
	return report, nil
}
