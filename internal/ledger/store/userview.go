package store

import (
	"context"
	"fmt"
	"time"

	"airtimebridge/internal/common/database"
	"airtimebridge/internal/purchase"
)

// UserView is the restricted ledger tier: read-only, and every query is
// scoped to a single user.
type UserView struct {
	db database.Conn
}

// NewUserView creates a restricted view over the ledger
func NewUserView(db database.Conn) *UserView {
	return &UserView{db: db}
}

// Get returns the user's transaction. Another user's transaction is
// reported as not found.
func (v *UserView) Get(ctx context.Context, userID, id string) (*purchase.Transaction, error) {
	row := v.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 AND user_id = $2`,
		id, userID)
	txn, err := scanTransaction(row)
	if err != nil {
		return nil, wrapNotFound(err, "transaction "+id)
	}
	return txn, nil
}

// ListFilter narrows a user's transaction listing.
type ListFilter struct {
	State  *purchase.State
	Since  time.Time
	Limit  int
	Offset int
}

// List returns the user's transactions, newest first, and the total count.
func (v *UserView) List(ctx context.Context, userID string, f ListFilter) ([]*purchase.Transaction, int64, error) {
	where := ` WHERE user_id = $1`
	args := []any{userID}

	if f.State != nil {
		args = append(args, string(*f.State))
		where += fmt.Sprintf(` AND state = $%d`, len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, ts(f.Since))
		where += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}

	var total int64
	if err := v.db.QueryRow(ctx, `SELECT COUNT(*) FROM transactions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting transactions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d`, limit, f.Offset)

	rows, err := v.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var txns []*purchase.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating transactions: %w", err)
	}
	return txns, total, nil
}
