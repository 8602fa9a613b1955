package postgres

import (
	"database/sql"
	"fmt"

	v1 "github.com/moneta-lab/project-moneta/internal/api/v1"
)

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanTransactionRow scans a database row into a Transaction.
// description and receipt_id are nullable columns.
// Compatible with both sql.Row (single) and sql.Rows (multiple).
func scanTransactionRow(row scanner) (*v1.Transaction, error) {
	var tx v1.Transaction
	var description, receiptID sql.NullString

	err := row.Scan(
		&tx.ID,
		&tx.UserID,
		&tx.Amount,
		&tx.Category,
		&description,
		&tx.Type,
		&tx.Date,
		&receiptID,
		&tx.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction row: %w", err)
	}

	tx.Description = description.String
	tx.ReceiptID = receiptID.String
	return &tx, nil
}

// nullIfEmpty lowers an empty string to SQL NULL.
func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
