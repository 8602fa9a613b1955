package storage

import (
	"context"
	"errors"
	"time"

	v1 "github.com/moneta-lab/project-moneta/internal/api/v1"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// TransactionQuery scopes a transaction listing.
type TransactionQuery struct {
	// Limit caps the number of rows returned; 0 means the store default.
	Limit int

	// Offset skips rows for pagination.
	Offset int

	// Since restricts results to transactions dated at or after this time.
	// Zero means no lower bound.
	Since time.Time
}

// TransactionStore defines the persistence interface the sync and anomaly
// layers consume. They never issue SQL directly; they only call these.
type TransactionStore interface {
	// AddTransaction persists a transaction, assigning ID and CreatedAt when
	// unset.
	AddTransaction(ctx context.Context, tx *v1.Transaction) error

	// GetUserTransactions lists a user's transactions, newest first.
	GetUserTransactions(ctx context.Context, userID string, q TransactionQuery) ([]*v1.Transaction, error)

	// GetUserFinancialProfile derives the user's 30-day income/spend summary.
	GetUserFinancialProfile(ctx context.Context, userID string) (*v1.FinancialProfile, error)
}
