package insights

import (
	"context"
	"log/slog"
)

// Checker adapts the insights service to the cascade's anomaly hook. It runs
// inline on the consumer goroutine; findings and errors are logged, never
// bubbled back into the event stream, so a failing detection cannot fail the
// event.
type Checker struct {
	svc    *Service
	logger *slog.Logger
}

// NewChecker wraps the service for use as a cascade collaborator.
func NewChecker(svc *Service, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{svc: svc, logger: logger}
}

// CheckTransaction screens one freshly synced transaction against the user's
// history.
func (c *Checker) CheckTransaction(ctx context.Context, userID string, transaction map[string]any) {
	report, err := c.svc.DetectForUser(ctx, userID, []map[string]any{transaction})
	if err != nil {
		c.logger.Error("[Insights] Transaction check failed", "user_id", userID, "error", err)
		return
	}

	for _, a := range report.Anomalies {
		c.logger.Warn("[Insights] Suspicious transaction",
			"user_id", userID,
			"severity", a.Severity,
			"methods", a.DetectionMethods,
			"composite_score", a.CompositeScore,
			"confidence", a.Confidence,
		)
	}
}
