package finance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/moneta-lab/project-moneta/internal/sync"
)

// milestoneThresholds are the progress fractions that trigger a celebration,
// checked lowest-first so each crossing fires exactly once.
var milestoneThresholds = []float64{0.1, 0.25, 0.5, 0.75, 0.9, 1.0}

// defaultGoalTarget seeds the implicit savings goal created on a user's first
// contribution.
var defaultGoalTarget = decimal.NewFromInt(1000)

// Goal is one savings goal with running progress.
type Goal struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	Target    decimal.Decimal `json:"target"`
	Current   decimal.Decimal `json:"current"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`

	// EstimatedMonths to completion at the observed contribution rate;
	// 0 until at least one contribution has landed.
	EstimatedMonths int `json:"estimated_months"`

	contributions decimal.Decimal // lifetime contributed, for rate estimation
}

// Progress is the completed fraction of the goal target, capped at 1.
func (g *Goal) Progress() float64 {
	if !g.Target.IsPositive() {
		return 0
	}
	p, _ := g.Current.Div(g.Target).Float64()
	if p > 1 {
		return 1
	}
	return p
}

// GoalBook is the process-local goal state consumed by the cascade.
type GoalBook struct {
	mu     stdsync.RWMutex
	goals  map[string][]*Goal // userID -> goals, oldest first
	logger *slog.Logger
	now    func() time.Time
}

// NewGoalBook creates an empty goal book.
func NewGoalBook(logger *slog.Logger) *GoalBook {
	if logger == nil {
		logger = slog.Default()
	}
	return &GoalBook{
		goals:  make(map[string][]*Goal),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateGoal registers a new goal and returns it.
func (b *GoalBook) CreateGoal(userID, name, category string, target decimal.Decimal) (*Goal, error) {
	if !target.IsPositive() {
		return nil, fmt.Errorf("goal target must be positive, got %s", target)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	g := &Goal{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		Category:  category,
		Target:    target,
		Current:   decimal.Zero,
		CreatedAt: b.now(),
		UpdatedAt: b.now(),
	}
	b.goals[userID] = append(b.goals[userID], g)
	return g, nil
}

// Goals returns a snapshot of the user's goals, oldest first.
func (b *GoalBook) Goals(userID string) []Goal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Goal, 0, len(b.goals[userID]))
	for _, g := range b.goals[userID] {
		out = append(out, *g)
	}
	return out
}

// RecordContribution applies a contribution to the user's oldest unfinished
// goal, creating a default savings goal on first use.
func (b *GoalBook) RecordContribution(_ context.Context, userID string, amount float64, transactionID, source string) (sync.GoalProgress, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g := b.activeGoal(userID)
	return b.contribute(g, amount, transactionID, source)
}

// ContributeToGoal applies a contribution to one specific goal.
func (b *GoalBook) ContributeToGoal(_ context.Context, userID, goalID string, amount float64, source string) (sync.GoalProgress, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, g := range b.goals[userID] {
		if g.ID == goalID {
			return b.contribute(g, amount, "", source)
		}
	}
	return sync.GoalProgress{}, fmt.Errorf("goal %s not found for user %s", goalID, userID)
}

// RecalculateTimelines re-estimates completion for every goal of the user.
// The category parameter scopes the recompute after a budget change; empty
// means all goals.
func (b *GoalBook) RecalculateTimelines(_ context.Context, userID, category string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, g := range b.goals[userID] {
		if category != "" && g.Category != category {
			continue
		}
		b.estimateTimeline(g)
	}
	return nil
}

// contribute applies the amount and reports milestone crossings.
// Caller holds b.mu.
func (b *GoalBook) contribute(g *Goal, amount float64, transactionID, source string) (sync.GoalProgress, error) {
	added := decimal.NewFromFloat(amount)
	if !added.IsPositive() {
		return sync.GoalProgress{}, fmt.Errorf("contribution must be positive, got %s", added)
	}

	before := g.Progress()
	g.Current = g.Current.Add(added)
	g.contributions = g.contributions.Add(added)
	g.UpdatedAt = b.now()
	b.estimateTimeline(g)
	after := g.Progress()

	progress := sync.GoalProgress{
		GoalID:      g.ID,
		AmountAdded: amount,
	}
	if milestone, crossed := crossedMilestone(before, after); crossed {
		pct := int(milestone * 100)
		progress.MilestoneAchieved = fmt.Sprintf("%d%%", pct)
		progress.CelebrationMessage = fmt.Sprintf("Congratulations! You've reached %d%% of your goal!", pct)
		b.logger.Info("[Finance] Milestone achieved",
			"user_id", g.UserID,
			"goal_id", g.ID,
			"milestone", progress.MilestoneAchieved,
			"source", source,
			"transaction_id", transactionID,
		)
	}
	return progress, nil
}

// activeGoal returns the oldest goal that still has room, creating the
// default savings goal when the user has none. Caller holds b.mu.
func (b *GoalBook) activeGoal(userID string) *Goal {
	for _, g := range b.goals[userID] {
		if g.Current.LessThan(g.Target) {
			return g
		}
	}

	g := &Goal{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      "Savings",
		Category:  "Savings",
		Target:    defaultGoalTarget,
		Current:   decimal.Zero,
		CreatedAt: b.now(),
		UpdatedAt: b.now(),
	}
	b.goals[userID] = append(b.goals[userID], g)
	return g
}

// estimateTimeline projects months to completion from the average monthly
// contribution observed so far. Caller holds b.mu.
func (b *GoalBook) estimateTimeline(g *Goal) {
	remaining := g.Target.Sub(g.Current)
	if !remaining.IsPositive() {
		g.EstimatedMonths = 0
		return
	}
	if !g.contributions.IsPositive() {
		return
	}

	ageMonths := b.now().Sub(g.CreatedAt).Hours() / (24 * 30)
	if ageMonths < 1 {
		ageMonths = 1
	}
	monthlyRate := g.contributions.Div(decimal.NewFromFloat(ageMonths))
	months, _ := remaining.Div(monthlyRate).Float64()
	g.EstimatedMonths = int(months) + 1
}

// crossedMilestone returns the highest milestone newly crossed between the
// two progress values.
func crossedMilestone(before, after float64) (float64, bool) {
	idx := sort.SearchFloat64s(milestoneThresholds, after)
	// SearchFloat64s returns the insertion point; step back to the highest
	// threshold <= after.
	if idx == len(milestoneThresholds) || milestoneThresholds[idx] > after {
		idx--
	}
	if idx < 0 {
		return 0, false
	}
	milestone := milestoneThresholds[idx]
	if before >= milestone {
		return 0, false
	}
	return milestone, true
}
