package anomaly

import (
	"math"
	"sort"
	"time"
)

// rollingEpsilon guards the rolling-deviation divisor when the rolling std is zero.
const rollingEpsilon = 1e-8

// featureRow is the engineered view of one current-batch transaction.
// Index is the transaction's position in the analyzed batch and is the key
// every detector reports against.
type featureRow struct {
	Index int

	Amount     float64
	AmountLog  float64
	AmountSqrt float64

	Date       time.Time
	Hour       float64
	DayOfWeek  float64
	DayOfMonth float64
	Month      float64
	IsWeekend  float64

	Category          string
	CategoryFrequency float64

	RollingMean float64
	RollingStd  float64
	Deviation   float64
}

// featureSet is the shared precursor handed to every detector. Detectors read
// it, never mutate it, and never see each other's output.
type featureSet struct {
	rows []featureRow

	// byDate holds indices of rows ordered by transaction date; used by the
	// rolling statistics and the rapid-transaction business rule.
	byDate []int

	// historicalAmounts are the raw amounts of the historical batch.
	historicalAmounts []float64
}

// engineerFeatures derives the detector input from the current and historical
// batches. Missing amount/category/date fields default to 0 / "Unknown" / now.
func engineerFeatures(current, historical []map[string]any, now time.Time) *featureSet {
	fs := &featureSet{rows: make([]featureRow, len(current))}

	categoryCounts := make(map[string]int)
	for _, row := range historical {
		categoryCounts[categoryOf(row)]++
	}
	for _, row := range current {
		categoryCounts[categoryOf(row)]++
	}

	for i, row := range current {
		amount := amountOf(row)
		date := dateOf(row, now)
		weekday := date.Weekday()

		fr := featureRow{
			Index:      i,
			Amount:     amount,
			AmountLog:  math.Log1p(amount),
			AmountSqrt: math.Sqrt(math.Max(amount, 0)),
			Date:       date,
			Hour:       float64(date.Hour()),
			DayOfWeek:  float64(weekday),
			DayOfMonth: float64(date.Day()),
			Month:      float64(date.Month()),
			Category:   categoryOf(row),
		}
		if weekday == time.Saturday || weekday == time.Sunday {
			fr.IsWeekend = 1
		}
		fr.CategoryFrequency = float64(categoryCounts[fr.Category])
		fs.rows[i] = fr
	}

	fs.byDate = make([]int, len(fs.rows))
	for i := range fs.byDate {
		fs.byDate[i] = i
	}
	sort.SliceStable(fs.byDate, func(a, b int) bool {
		return fs.rows[fs.byDate[a]].Date.Before(fs.rows[fs.byDate[b]].Date)
	})

	fs.applyRollingStats()

	fs.historicalAmounts = make([]float64, 0, len(historical))
	for _, row := range historical {
		fs.historicalAmounts = append(fs.historicalAmounts, amountOf(row))
	}

	return fs
}

// applyRollingStats computes a trailing 7-row rolling mean/std of amount over
// the date-sorted batch, plus the deviation of each amount from its rolling
// mean. Batches of 7 rows or fewer degenerate to mean=amount, std=0, dev=0.
func (fs *featureSet) applyRollingStats() {
	if len(fs.rows) <= 7 {
		for i := range fs.rows {
			fs.rows[i].RollingMean = fs.rows[i].Amount
		}
		return
	}

	const window = 7
	for pos, idx := range fs.byDate {
		start := pos - window + 1
		if start < 0 {
			start = 0
		}

		var sum float64
		n := 0
		for _, j := range fs.byDate[start : pos+1] {
			sum += fs.rows[j].Amount
			n++
		}
		mean := sum / float64(n)

		var variance float64
		if n > 1 {
			for _, j := range fs.byDate[start : pos+1] {
				d := fs.rows[j].Amount - mean
				variance += d * d
			}
			variance /= float64(n - 1)
		}
		std := math.Sqrt(variance)

		fs.rows[idx].RollingMean = mean
		fs.rows[idx].RollingStd = std
		fs.rows[idx].Deviation = (fs.rows[idx].Amount - mean) / (std + rollingEpsilon)
	}
}

// vector returns the numeric feature vector used by the model-based detector.
func (r *featureRow) vector() []float64 {
	return []float64{
		r.Amount, r.AmountLog, r.AmountSqrt,
		r.Hour, r.DayOfWeek, r.DayOfMonth, r.Month, r.IsWeekend,
		r.CategoryFrequency,
		r.RollingMean, r.RollingStd, r.Deviation,
	}
}

func amountOf(row map[string]any) float64 {
	switch v := row["amount"].(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func categoryOf(row map[string]any) string {
	if s, ok := row["category"].(string); ok && s != "" {
		return s
	}
	return "Unknown"
}

func dateOf(row map[string]any, now time.Time) time.Time {
	switch v := row["date"].(type) {
	case time.Time:
		return v
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t
			}
		}
	}
	return now
}
