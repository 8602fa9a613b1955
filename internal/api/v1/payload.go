package v1

import (
	"fmt"
	"math"
)

// Payload is the closed set of typed event payloads. Event payloads cross the
// wire as generic mappings for compatibility, but producers construct them
// through these variants so that a malformed payload fails at the producer,
// not deep inside a cascade handler.
type Payload interface {
	// EventKind returns the event kind this payload belongs to.
	EventKind() EventKind

	// Map lowers the payload to its generic wire mapping.
	Map() map[string]any
}

// TransactionPayload is the payload of transaction_added / transaction_updated
// / transaction_deleted events.
type TransactionPayload struct {
	TransactionID string
	Amount        float64
	Category      string
	Description   string
	Date          string // ISO-8601
	Type          string // "expense" | "income" | "transfer"
	ReceiptID     string
	ReceiptURL    string
}

// NewTransactionPayload validates and returns a transaction payload.
func NewTransactionPayload(p TransactionPayload) (TransactionPayload, error) {
	if math.IsNaN(p.Amount) || math.IsInf(p.Amount, 0) {
		return TransactionPayload{}, fmt.Errorf("transaction amount must be finite")
	}
	switch p.Type {
	case "expense", "income", "transfer":
	case "":
		return TransactionPayload{}, fmt.Errorf("transaction type is required")
	default:
		return TransactionPayload{}, fmt.Errorf("invalid transaction type %q", p.Type)
	}
	if p.Category == "" {
		p.Category = "Unknown"
	}
	return p, nil
}

func (p TransactionPayload) EventKind() EventKind { return KindTransactionAdded }

func (p TransactionPayload) Map() map[string]any {
	m := map[string]any{
		"amount":   p.Amount,
		"category": p.Category,
		"type":     p.Type,
	}
	if p.TransactionID != "" {
		m["id"] = p.TransactionID
	}
	if p.Description != "" {
		m["description"] = p.Description
	}
	if p.Date != "" {
		m["date"] = p.Date
	}
	if p.ReceiptID != "" {
		m["receipt_id"] = p.ReceiptID
	}
	if p.ReceiptURL != "" {
		m["receipt_url"] = p.ReceiptURL
	}
	return m
}

// ParsedReceipt holds the fields extracted from a successfully parsed receipt.
type ParsedReceipt struct {
	Total    float64
	Category string
	Vendor   string
	Date     string // ISO-8601
}

// ReceiptResultPayload is the payload of receipt_processed events.
// Success=false (or a missing parse) is a valid payload: it records the
// failure and deliberately produces no cascade.
type ReceiptResultPayload struct {
	Success    bool
	ReceiptID  string
	ReceiptURL string
	Parsed     *ParsedReceipt
	Error      string
}

// NewReceiptResultPayload validates and returns a receipt result payload.
func NewReceiptResultPayload(p ReceiptResultPayload) (ReceiptResultPayload, error) {
	if p.Success && p.Parsed == nil {
		return ReceiptResultPayload{}, fmt.Errorf("successful receipt result requires parsed data")
	}
	if p.Parsed != nil && (math.IsNaN(p.Parsed.Total) || math.IsInf(p.Parsed.Total, 0)) {
		return ReceiptResultPayload{}, fmt.Errorf("receipt total must be finite")
	}
	return p, nil
}

func (p ReceiptResultPayload) EventKind() EventKind { return KindReceiptProcessed }

func (p ReceiptResultPayload) Map() map[string]any {
	m := map[string]any{"success": p.Success}
	if p.ReceiptID != "" {
		m["receipt_id"] = p.ReceiptID
	}
	if p.ReceiptURL != "" {
		m["receipt_url"] = p.ReceiptURL
	}
	if p.Error != "" {
		m["error"] = p.Error
	}
	if p.Parsed != nil {
		m["parsed_data"] = map[string]any{
			"total":    p.Parsed.Total,
			"category": p.Parsed.Category,
			"vendor":   p.Parsed.Vendor,
			"date":     p.Parsed.Date,
		}
	}
	return m
}

// GoalProgressPayload is the payload of goal_progress_updated events.
type GoalProgressPayload struct {
	GoalID             string
	AmountAdded        float64
	TransactionID      string
	Source             string
	MilestoneAchieved  string
	CelebrationMessage string
}

// NewGoalProgressPayload validates and returns a goal progress payload.
func NewGoalProgressPayload(p GoalProgressPayload) (GoalProgressPayload, error) {
	if math.IsNaN(p.AmountAdded) || math.IsInf(p.AmountAdded, 0) {
		return GoalProgressPayload{}, fmt.Errorf("amount_added must be finite")
	}
	return p, nil
}

func (p GoalProgressPayload) EventKind() EventKind { return KindGoalProgress }

func (p GoalProgressPayload) Map() map[string]any {
	m := map[string]any{
		"amount_added": p.AmountAdded,
		"source":       p.Source,
	}
	if p.GoalID != "" {
		m["goal_id"] = p.GoalID
	}
	if p.TransactionID != "" {
		m["transaction_id"] = p.TransactionID
	}
	if p.MilestoneAchieved != "" {
		m["milestone_achieved"] = p.MilestoneAchieved
	}
	if p.CelebrationMessage != "" {
		m["celebration_message"] = p.CelebrationMessage
	}
	return m
}

// BudgetUpdatePayload is the payload of budget_updated events.
type BudgetUpdatePayload struct {
	Category      string
	AmountSpent   float64
	TransactionID string
}

// NewBudgetUpdatePayload validates and returns a budget update payload.
func NewBudgetUpdatePayload(p BudgetUpdatePayload) (BudgetUpdatePayload, error) {
	if p.Category == "" {
		return BudgetUpdatePayload{}, fmt.Errorf("budget category is required")
	}
	if math.IsNaN(p.AmountSpent) || math.IsInf(p.AmountSpent, 0) {
		return BudgetUpdatePayload{}, fmt.Errorf("amount_spent must be finite")
	}
	return p, nil
}

func (p BudgetUpdatePayload) EventKind() EventKind { return KindBudgetUpdated }

func (p BudgetUpdatePayload) Map() map[string]any {
	m := map[string]any{
		"category":     p.Category,
		"amount_spent": p.AmountSpent,
	}
	if p.TransactionID != "" {
		m["transaction_id"] = p.TransactionID
	}
	return m
}

// MilestonePayload is the payload of milestone_achieved events.
type MilestonePayload struct {
	GoalID             string
	Milestone          string
	CelebrationMessage string
}

func (p MilestonePayload) EventKind() EventKind { return KindMilestoneAchieved }

func (p MilestonePayload) Map() map[string]any {
	return map[string]any{
		"goal_id":             p.GoalID,
		"milestone":           p.Milestone,
		"celebration_message": p.CelebrationMessage,
	}
}

// AutoSavePayload is the payload of auto_save_triggered events.
type AutoSavePayload struct {
	GoalID string
	Amount float64
}

// NewAutoSavePayload validates and returns an auto-save payload.
func NewAutoSavePayload(p AutoSavePayload) (AutoSavePayload, error) {
	if p.GoalID == "" {
		return AutoSavePayload{}, fmt.Errorf("goal_id is required")
	}
	if p.Amount <= 0 || math.IsNaN(p.Amount) || math.IsInf(p.Amount, 0) {
		return AutoSavePayload{}, fmt.Errorf("auto-save amount must be positive and finite")
	}
	return p, nil
}

func (p AutoSavePayload) EventKind() EventKind { return KindAutoSaveTriggered }

func (p AutoSavePayload) Map() map[string]any {
	return map[string]any{
		"goal_id": p.GoalID,
		"amount":  p.Amount,
	}
}
