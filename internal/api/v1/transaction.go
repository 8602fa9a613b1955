package v1

import (
	"fmt"
	"time"
)

// Transaction is the persisted financial transaction record.
type Transaction struct {
	// ID is assigned by the store on insert (uuid).
	ID string `json:"id"`

	// UserID is the owning user. Required.
	UserID string `json:"user_id"`

	// Amount is the transaction amount in the account currency.
	Amount float64 `json:"amount"`

	// Category is the spending category (e.g. "Groceries"). Defaults to "Unknown".
	Category string `json:"category"`

	Description string `json:"description,omitempty"`

	// Type is "expense", "income" or "transfer".
	Type string `json:"type"`

	// Date is when the transaction occurred (client-side clock).
	Date time.Time `json:"date"`

	// ReceiptID links back to a parsed receipt, when the transaction was
	// synthesized from one.
	ReceiptID string `json:"receipt_id,omitempty"`

	// CreatedAt is when the store first saw this transaction.
	CreatedAt time.Time `json:"created_at"`
}

// Validate ensures the transaction has all required attributes.
func (t *Transaction) Validate() error {
	if t.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if t.Type != "expense" && t.Type != "income" && t.Type != "transfer" {
		return fmt.Errorf("invalid transaction type %q", t.Type)
	}
	if t.Date.IsZero() {
		return fmt.Errorf("date is required")
	}
	return nil
}

// Row lowers the transaction to the generic mapping consumed by the anomaly
// engine and by event payloads.
func (t *Transaction) Row() map[string]any {
	m := map[string]any{
		"id":       t.ID,
		"amount":   t.Amount,
		"category": t.Category,
		"type":     t.Type,
		"date":     t.Date.Format(time.RFC3339),
	}
	if t.Description != "" {
		m["description"] = t.Description
	}
	if t.ReceiptID != "" {
		m["receipt_id"] = t.ReceiptID
	}
	return m
}

// FinancialProfile is the per-user summary served alongside transactions.
type FinancialProfile struct {
	UserID        string  `json:"user_id"`
	MonthlyIncome float64 `json:"monthly_income"`
	MonthlySpend  float64 `json:"monthly_spend"`
	SavingsRate   float64 `json:"savings_rate"`
	Currency      string  `json:"currency"`
}
