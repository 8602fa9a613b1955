package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// Options tune the detection ensemble. Zero values fall back to the defaults
// used by NewEngine.
type Options struct {
	Trees           int
	Contamination   float64
	Seed            int64
	ZScoreThreshold float64
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Trees <= 0 {
		out.Trees = 100
	}
	if out.Contamination <= 0 || out.Contamination >= 0.5 {
		out.Contamination = 0.1
	}
	if out.Seed == 0 {
		out.Seed = 42
	}
	if out.ZScoreThreshold <= 0 {
		out.ZScoreThreshold = 3.0
	}
	return out
}

// Anomaly is one consolidated finding for a single transaction in the
// analyzed batch. TransactionIndex is unique within a report.
type Anomaly struct {
	TransactionIndex int            `json:"transaction_index"`
	TransactionData  map[string]any `json:"transaction_data"`
	DetectionMethods []string       `json:"detection_methods"`
	CompositeScore   float64        `json:"composite_score"`
	Confidence       float64        `json:"confidence"`
	Severity         Severity       `json:"severity"`
	Reasons          []string       `json:"reasons"`
}

// Analysis summarizes a report for callers that only want the headline.
type Analysis struct {
	TotalTransactionsAnalyzed int              `json:"total_transactions_analyzed"`
	AnomaliesDetected         int              `json:"anomalies_detected"`
	AnomalyRatePercentage     float64          `json:"anomaly_rate_percentage"`
	SeverityBreakdown         map[Severity]int `json:"severity_breakdown"`
	RiskLevel                 string           `json:"risk_level"`
	Recommendation            string           `json:"recommendation"`
}

// Report is the structured result of one detection run. It is always
// returned fully populated; partial detector failure degrades to fewer
// flags, never to an error.
type Report struct {
	AnomaliesDetected int       `json:"anomalies_detected"`
	Anomalies         []Anomaly `json:"anomalies"`
	DetectionMethods  []string  `json:"detection_methods"`
	Insights          []string  `json:"insights"`
	Analysis          Analysis  `json:"analysis"`
	Timestamp         time.Time `json:"timestamp"`
}

// Engine runs the detector ensemble over transaction batches and
// consolidates the raw flags into a ranked report.
type Engine struct {
	detectors []Detector
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine builds an engine with the standard four-detector ensemble.
func NewEngine(opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	o := opts.withDefaults()
	return &Engine{
		detectors: []Detector{
			&forestDetector{trees: o.Trees, contamination: o.Contamination, seed: o.Seed},
			iqrDetector{},
			&zscoreDetector{threshold: o.ZScoreThreshold},
			businessRulesDetector{},
		},
		logger: logger,
		now:    time.Now,
	}
}

// Detect analyzes the current batch against optional historical context and
// returns consolidated, ranked anomalies. An empty current batch
// short-circuits: no detector runs and the report carries zero anomalies.
func (e *Engine) Detect(ctx context.Context, current, historical []map[string]any) *Report {
	now := e.now().UTC()

	if len(current) == 0 {
		return &Report{
			Anomalies: []Anomaly{},
			Analysis: Analysis{
				SeverityBreakdown: map[Severity]int{},
				RiskLevel:         "low",
				Recommendation:    recommendation("low", 0),
			},
			Timestamp: now,
		}
	}

	fs := engineerFeatures(current, historical, now)

	results := make([][]Flag, len(e.detectors))
	var g errgroup.Group
	for i, d := range e.detectors {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("[AnomalyEngine] Detector panicked",
						"detector", d.Name(), "panic", fmt.Sprint(r))
					results[i] = nil
				}
			}()
			flags, err := d.Detect(fs)
			if err != nil {
				e.logger.Error("[AnomalyEngine] Detector failed",
					"detector", d.Name(), "error", err)
				return nil
			}
			results[i] = flags
			return nil
		})
	}
	g.Wait()

	methodsRun := make([]string, len(e.detectors))
	for i, d := range e.detectors {
		methodsRun[i] = d.Name()
	}

	anomalies := e.consolidate(results, current)

	report := &Report{
		AnomaliesDetected: len(anomalies),
		Anomalies:         anomalies,
		DetectionMethods:  methodsRun,
		Insights:          buildInsights(anomalies),
		Analysis:          summarize(anomalies, len(current)),
		Timestamp:         now,
	}
	return report
}

// consolidate groups raw flags by transaction index, merges them into one
// anomaly per index, and ranks the result by composite score descending.
// The sort is stable so equal scores keep first-encountered order.
func (e *Engine) consolidate(results [][]Flag, current []map[string]any) []Anomaly {
	type group struct {
		order     int
		flags     []Flag
		detectors map[string]struct{}
	}

	groups := make(map[int]*group)
	var order []int

	for di, flags := range results {
		detector := e.detectors[di].Name()
		for _, f := range flags {
			g, ok := groups[f.Index]
			if !ok {
				g = &group{order: len(order), detectors: make(map[string]struct{})}
				groups[f.Index] = g
				order = append(order, f.Index)
			}
			g.flags = append(g.flags, f)
			// Sub-rules of one detector count once toward confidence.
			g.detectors[detector] = struct{}{}
		}
	}

	anomalies := make([]Anomaly, 0, len(order))
	for _, idx := range order {
		g := groups[idx]

		var scoreSum float64
		severity := SeverityLow
		methods := make([]string, 0, len(g.flags))
		reasons := make([]string, 0, len(g.flags))
		seenReasons := make(map[string]struct{})

		for _, f := range g.flags {
			scoreSum += f.Score
			severity = maxSeverity(severity, f.Severity)
			methods = append(methods, f.Method)
			if f.Reason == "" {
				continue
			}
			if _, dup := seenReasons[f.Reason]; dup {
				continue
			}
			seenReasons[f.Reason] = struct{}{}
			reasons = append(reasons, f.Reason)
		}

		var data map[string]any
		if idx >= 0 && idx < len(current) {
			data = current[idx]
		}

		anomalies = append(anomalies, Anomaly{
			TransactionIndex: idx,
			TransactionData:  data,
			DetectionMethods: methods,
			CompositeScore:   scoreSum / float64(len(g.flags)),
			Confidence:       float64(len(g.detectors)) / float64(len(e.detectors)),
			Severity:         severity,
			Reasons:          reasons,
		})
	}

	sort.SliceStable(anomalies, func(a, b int) bool {
		return anomalies[a].CompositeScore > anomalies[b].CompositeScore
	})
	return anomalies
}

var methodDescriptions = map[string]string{
	"isolation_forest":                 "unusual spending patterns",
	"statistical_iqr":                  "amounts outside normal range",
	"zscore":                           "statistically unusual amounts",
	"business_rule_large_amount":       "unusually large transactions",
	"business_rule_unusual_time":       "transactions at unusual times",
	"business_rule_rapid_transactions": "rapid consecutive transactions",
}

func buildInsights(anomalies []Anomaly) []string {
	if len(anomalies) == 0 {
		return []string{"No significant anomalies detected in your recent transactions."}
	}

	var insights []string

	high := 0
	for _, a := range anomalies {
		if a.Severity == SeverityHigh {
			high++
		}
	}
	if high > 0 {
		insights = append(insights, fmt.Sprintf("Found %d high-severity anomalies that require attention.", high))
	}

	methodCounts := make(map[string]int)
	var topMethod string
	for _, a := range anomalies {
		for _, m := range a.DetectionMethods {
			methodCounts[m]++
			if topMethod == "" || methodCounts[m] > methodCounts[topMethod] {
				topMethod = m
			}
		}
	}
	if topMethod != "" {
		desc, ok := methodDescriptions[topMethod]
		if !ok {
			desc = "unusual patterns"
		}
		insights = append(insights, "Most common anomaly type: "+desc)
	}

	var total float64
	counted := 0
	for _, a := range anomalies {
		if v, ok := a.TransactionData["amount"]; ok {
			total += amountOf(map[string]any{"amount": v})
			counted++
		}
	}
	if counted > 0 {
		insights = append(insights, fmt.Sprintf("Total amount in anomalous transactions: $%.2f", total))
		insights = append(insights, fmt.Sprintf("Average anomalous transaction amount: $%.2f", total/float64(counted)))
	}

	return insights
}

func summarize(anomalies []Anomaly, totalTransactions int) Analysis {
	rate := 0.0
	if totalTransactions > 0 {
		rate = float64(len(anomalies)) / float64(totalTransactions) * 100
	}

	breakdown := make(map[Severity]int)
	for _, a := range anomalies {
		breakdown[a.Severity]++
	}

	risk := "low"
	switch {
	case rate > 20:
		risk = "high"
	case rate > 10:
		risk = "medium"
	}

	return Analysis{
		TotalTransactionsAnalyzed: totalTransactions,
		AnomaliesDetected:         len(anomalies),
		AnomalyRatePercentage:     float64(int(rate*100+0.5)) / 100,
		SeverityBreakdown:         breakdown,
		RiskLevel:                 risk,
		Recommendation:            recommendation(risk, len(anomalies)),
	}
}

func recommendation(risk string, count int) string {
	switch {
	case risk == "high":
		return "High anomaly rate detected. Review all flagged transactions and consider updating spending patterns."
	case risk == "medium":
		return "Moderate anomaly rate. Review high-severity anomalies and monitor spending patterns."
	case count > 0:
		return "Few anomalies detected. Review flagged transactions for any unauthorized activity."
	default:
		return "No significant anomalies detected. Your spending patterns appear normal."
	}
}
