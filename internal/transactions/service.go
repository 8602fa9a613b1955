package transactions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/moneta-lab/project-moneta/internal/api/v1"
	"github.com/moneta-lab/project-moneta/internal/core/storage"
)

// ErrInvalidReceipt marks receipt payload validation failures that should
// return HTTP 400.
var ErrInvalidReceipt = errors.New("invalid receipt result")

// EventEmitter enqueues a typed payload onto the sync stream. Satisfied by
// *sync.Bus.
type EventEmitter interface {
	EmitPayload(userID string, payload v1.Payload, relatedEntities ...string) error
}

// Service owns the transaction write path: persist first, then emit the sync
// event. A transaction that reached the store but whose event failed to
// enqueue is surfaced as an error so the client can retry; the insert is
// idempotent on ID.
type Service struct {
	store            storage.TransactionStore
	emitter          EventEmitter
	maxBodySizeBytes int
}

// NewService creates the transaction API service.
func NewService(store storage.TransactionStore, emitter EventEmitter, maxBodySizeMB int) *Service {
	if store == nil {
		panic("transactions: store must not be nil")
	}
	if emitter == nil {
		panic("transactions: emitter must not be nil")
	}
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 1 // default to 1MB
	}
	return &Service{
		store:            store,
		emitter:          emitter,
		maxBodySizeBytes: maxBodySizeMB * 1024 * 1024,
	}
}

// CreateTransaction persists the transaction and emits transaction_added.
func (s *Service) CreateTransaction(ctx context.Context, tx *v1.Transaction) error {
	if err := s.store.AddTransaction(ctx, tx); err != nil {
		return fmt.Errorf("failed to persist transaction: %w", err)
	}

	payload, err := v1.NewTransactionPayload(v1.TransactionPayload{
		TransactionID: tx.ID,
		Amount:        tx.Amount,
		Category:      tx.Category,
		Description:   tx.Description,
		Date:          tx.Date.Format(time.RFC3339),
		Type:          tx.Type,
		ReceiptID:     tx.ReceiptID,
	})
	if err != nil {
		return fmt.Errorf("failed to build transaction payload: %w", err)
	}

	if err := s.emitter.EmitPayload(tx.UserID, payload); err != nil {
		return fmt.Errorf("failed to emit transaction event: %w", err)
	}

	slog.Info("[Transactions] Transaction recorded",
		"transaction_id", tx.ID,
		"user_id", tx.UserID,
		"category", tx.Category,
		"type", tx.Type,
	)
	return nil
}

// PersistSynthesized is a bus subscriber that persists transactions the
// cascade synthesized from receipts. API-created transactions already carry
// an id in their payload and are skipped; synthesized ones have none yet.
func (s *Service) PersistSynthesized(ctx context.Context, evt *v1.SyncEvent) error {
	if _, ok := evt.Payload["id"]; ok {
		return nil
	}

	tx := &v1.Transaction{
		UserID:   evt.UserID,
		Category: "Unknown",
		Type:     "expense",
		Date:     evt.CreatedAt,
	}
	if amount, ok := evt.Payload["amount"].(float64); ok {
		tx.Amount = amount
	}
	if category, ok := evt.Payload["category"].(string); ok && category != "" {
		tx.Category = category
	}
	if description, ok := evt.Payload["description"].(string); ok {
		tx.Description = description
	}
	if txType, ok := evt.Payload["type"].(string); ok && txType != "" {
		tx.Type = txType
	}
	if receiptID, ok := evt.Payload["receipt_id"].(string); ok {
		tx.ReceiptID = receiptID
	}
	if raw, ok := evt.Payload["date"].(string); ok {
		if date, err := time.Parse(time.RFC3339, raw); err == nil {
			tx.Date = date
		}
	}

	if err := s.store.AddTransaction(ctx, tx); err != nil {
		return fmt.Errorf("failed to persist synthesized transaction: %w", err)
	}

	slog.Info("[Transactions] Synthesized transaction persisted",
		"transaction_id", tx.ID,
		"user_id", tx.UserID,
		"receipt_id", tx.ReceiptID,
	)
	return nil
}

// ListTransactions returns the user's transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID string, q storage.TransactionQuery) ([]*v1.Transaction, error) {
	return s.store.GetUserTransactions(ctx, userID, q)
}

// GetProfile returns the user's 30-day financial summary.
func (s *Service) GetProfile(ctx context.Context, userID string) (*v1.FinancialProfile, error) {
	return s.store.GetUserFinancialProfile(ctx, userID)
}

// SubmitReceiptResult emits a receipt_processed event for an upstream parse
// result. Failed parses are recorded too; the cascade drops them.
func (s *Service) SubmitReceiptResult(_ context.Context, userID string, payload v1.ReceiptResultPayload) error {
	validated, err := v1.NewReceiptResultPayload(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReceipt, err)
	}

	if err := s.emitter.EmitPayload(userID, validated); err != nil {
		return fmt.Errorf("failed to emit receipt event: %w", err)
	}

	slog.Info("[Transactions] Receipt result recorded",
		"user_id", userID,
		"receipt_id", payload.ReceiptID,
		"success", payload.Success,
	)
	return nil
}
