package anomaly

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Severity of a raw flag or consolidated anomaly.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

var severityRank = map[Severity]int{
	SeverityLow:    0,
	SeverityMedium: 1,
	SeverityHigh:   2,
}

func maxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// Flag is one raw detector hit against a current-batch transaction index.
type Flag struct {
	Index    int
	Method   string
	Score    float64
	Severity Severity
	Reason   string
}

// Detector is one independent anomaly-flagging method. Detectors share the
// engineered feature view and must not depend on each other's output; a
// detector with too little data returns zero flags.
type Detector interface {
	Name() string
	Detect(fs *featureSet) ([]Flag, error)
}

// forestDetector flags points a random-isolation ensemble labels as outliers.
type forestDetector struct {
	trees         int
	contamination float64
	seed          int64
}

func (d *forestDetector) Name() string { return "isolation_forest" }

func (d *forestDetector) Detect(fs *featureSet) ([]Flag, error) {
	if len(fs.rows) < 10 {
		return nil, nil
	}

	X := make([][]float64, len(fs.rows))
	for i := range fs.rows {
		X[i] = fs.rows[i].vector()
	}

	forest := fitIsolationForest(standardize(X), d.trees, rand.New(rand.NewSource(d.seed)))
	decisions := forest.decisionScores(standardize(X), d.contamination)

	var flags []Flag
	for i, score := range decisions {
		if score >= 0 {
			continue
		}
		severity := SeverityMedium
		if score < -0.2 {
			severity = SeverityHigh
		}
		flags = append(flags, Flag{
			Index:    i,
			Method:   "isolation_forest",
			Score:    score,
			Severity: severity,
		})
	}
	return flags, nil
}

// iqrDetector flags amounts outside the 1.5·IQR fences.
type iqrDetector struct{}

func (iqrDetector) Name() string { return "statistical_iqr" }

func (iqrDetector) Detect(fs *featureSet) ([]Flag, error) {
	if len(fs.rows) < 5 {
		return nil, nil
	}

	amounts := make([]float64, len(fs.rows))
	for i := range fs.rows {
		amounts[i] = fs.rows[i].Amount
	}
	sorted := append([]float64(nil), amounts...)
	sort.Float64s(sorted)

	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	median := quantile(sorted, 0.5)
	iqr := q3 - q1

	lower, upper := q1-1.5*iqr, q3+1.5*iqr
	lowerHigh, upperHigh := q1-3*iqr, q3+3*iqr

	var flags []Flag
	for i, amount := range amounts {
		if amount >= lower && amount <= upper {
			continue
		}
		severity := SeverityMedium
		if amount > upperHigh || amount < lowerHigh {
			severity = SeverityHigh
		}
		flags = append(flags, Flag{
			Index:    i,
			Method:   "statistical_iqr",
			Score:    math.Abs(amount - median),
			Severity: severity,
			Reason:   fmt.Sprintf("Amount $%.2f is outside normal range", amount),
		})
	}
	return flags, nil
}

// zscoreDetector flags amounts whose z-score exceeds the threshold.
type zscoreDetector struct {
	threshold float64
}

func (d *zscoreDetector) Name() string { return "zscore" }

func (d *zscoreDetector) Detect(fs *featureSet) ([]Flag, error) {
	if len(fs.rows) < 3 {
		return nil, nil
	}

	var sum float64
	for i := range fs.rows {
		sum += fs.rows[i].Amount
	}
	mean := sum / float64(len(fs.rows))

	var variance float64
	for i := range fs.rows {
		diff := fs.rows[i].Amount - mean
		variance += diff * diff
	}
	std := math.Sqrt(variance / float64(len(fs.rows)-1))
	if std == 0 {
		return nil, nil
	}

	var flags []Flag
	for i := range fs.rows {
		z := (fs.rows[i].Amount - mean) / std
		if math.Abs(z) <= d.threshold {
			continue
		}
		severity := SeverityMedium
		if math.Abs(z) > 4 {
			severity = SeverityHigh
		}
		flags = append(flags, Flag{
			Index:    i,
			Method:   "zscore",
			Score:    math.Abs(z),
			Severity: severity,
			Reason:   fmt.Sprintf("Amount $%.2f has Z-score of %.2f", fs.rows[i].Amount, z),
		})
	}
	return flags, nil
}

// rapidWindowMinutes is the gap below which consecutive transactions count as rapid.
const rapidWindowMinutes = 5

// businessRulesDetector applies three fixed heuristics. It counts as a single
// detector for confidence purposes no matter how many sub-rules fire.
type businessRulesDetector struct{}

func (businessRulesDetector) Name() string { return "business_rules" }

func (businessRulesDetector) Detect(fs *featureSet) ([]Flag, error) {
	var flags []Flag

	// Rule 1: amount more than twice the historical 95th percentile.
	if len(fs.historicalAmounts) > 0 {
		sorted := append([]float64(nil), fs.historicalAmounts...)
		sort.Float64s(sorted)
		p95 := quantile(sorted, 0.95)
		if p95 > 0 {
			for i := range fs.rows {
				amount := fs.rows[i].Amount
				if amount <= p95*2 {
					continue
				}
				flags = append(flags, Flag{
					Index:    i,
					Method:   "business_rule_large_amount",
					Score:    amount / p95,
					Severity: SeverityHigh,
					Reason:   fmt.Sprintf("Transaction amount $%.2f is unusually large", amount),
				})
			}
		}
	}

	// Rule 2: transactions in the very early morning.
	for i := range fs.rows {
		hour := fs.rows[i].Hour
		if hour < 2 || hour > 5 {
			continue
		}
		flags = append(flags, Flag{
			Index:    i,
			Method:   "business_rule_unusual_time",
			Score:    1.0,
			Severity: SeverityMedium,
			Reason:   fmt.Sprintf("Transaction at unusual hour: %d:00", int(hour)),
		})
	}

	// Rule 3: consecutive transactions less than five minutes apart.
	for pos := 1; pos < len(fs.byDate); pos++ {
		prev := fs.rows[fs.byDate[pos-1]]
		cur := fs.rows[fs.byDate[pos]]
		if cur.Date.Sub(prev.Date).Minutes() >= rapidWindowMinutes {
			continue
		}
		flags = append(flags, Flag{
			Index:    cur.Index,
			Method:   "business_rule_rapid_transactions",
			Score:    1.0,
			Severity: SeverityMedium,
			Reason:   "Multiple transactions in short time period",
		})
	}

	return flags, nil
}


