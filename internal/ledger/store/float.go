package store

import (
	"context"
	"fmt"

	"airtimebridge/internal/common/database"
	"airtimebridge/internal/common/money"
	"airtimebridge/internal/purchase"
)

// floatLockKey serializes float movements across processes.
const floatLockKey int64 = 0x666c6f6174

const floatColumns = `
	seq, id, entry_type, amount_minor, balance_before_minor, balance_after_minor,
	currency, description, reference, created_at`

// AppendFloatMovement appends the entry returned by build, which receives the
// last movement (nil when the chain is empty). The read, the validation and
// the insert happen under one lock.
func (s *Store) AppendFloatMovement(ctx context.Context, build func(last *purchase.FloatLedgerEntry) (*purchase.FloatLedgerEntry, error)) (*purchase.FloatLedgerEntry, error) {
	var entry *purchase.FloatLedgerEntry
	err := s.db.WithTx(ctx, func(q database.Querier) error {
		if err := s.db.LockTx(ctx, q, floatLockKey); err != nil {
			return fmt.Errorf("locking float ledger: %w", err)
		}

		last, err := lastMovement(ctx, q)
		if err != nil {
			return err
		}

		entry, err = build(last)
		if err != nil {
			return err
		}
		if !entry.IsMovement() {
			return fmt.Errorf("%w: %s is not a float movement", purchase.ErrIntegrity, entry.Type)
		}
		if err := entry.Validate(last); err != nil {
			return err
		}
		return insertFloatEntry(ctx, q, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// RecordFloatObservation stores a balance pull. Pulls do not join the chain.
func (s *Store) RecordFloatObservation(ctx context.Context, entry *purchase.FloatLedgerEntry) error {
	if entry.Type != purchase.FloatPull {
		return fmt.Errorf("%w: %s is not a float observation", purchase.ErrIntegrity, entry.Type)
	}
	if err := entry.Validate(nil); err != nil {
		return err
	}
	return insertFloatEntry(ctx, s.db, entry)
}

// LastFloatMovement returns the newest credit or debit, or nil
func (s *Store) LastFloatMovement(ctx context.Context) (*purchase.FloatLedgerEntry, error) {
	return lastMovement(ctx, s.db)
}

// LatestFloatObservation returns the newest balance pull, or nil
func (s *Store) LatestFloatObservation(ctx context.Context) (*purchase.FloatLedgerEntry, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+floatColumns+`
		FROM float_ledger
		WHERE entry_type = 'pull'
		ORDER BY seq DESC
		LIMIT 1
	`)
	e, err := scanFloatEntry(row)
	if database.IsNotFound(err) {
		return nil, nil
	}
	return e, err
}

// ListFloatEntries returns the newest entries first
func (s *Store) ListFloatEntries(ctx context.Context, limit int) ([]*purchase.FloatLedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+floatColumns+`
		FROM float_ledger
		ORDER BY seq DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing float entries: %w", err)
	}
	defer rows.Close()

	var entries []*purchase.FloatLedgerEntry
	for rows.Next() {
		e, err := scanFloatEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func lastMovement(ctx context.Context, q database.Querier) (*purchase.FloatLedgerEntry, error) {
	row := q.QueryRow(ctx, `
		SELECT `+floatColumns+`
		FROM float_ledger
		WHERE entry_type IN ('credit', 'debit')
		ORDER BY seq DESC
		LIMIT 1
	`)
	e, err := scanFloatEntry(row)
	if database.IsNotFound(err) {
		return nil, nil
	}
	return e, err
}

func insertFloatEntry(ctx context.Context, q database.Querier, e *purchase.FloatLedgerEntry) error {
	e.CreatedAt = ts(e.CreatedAt)
	err := q.QueryRow(ctx, `
		INSERT INTO float_ledger (
			id, entry_type, amount_minor, balance_before_minor, balance_after_minor,
			currency, description, reference, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq
	`,
		e.ID,
		string(e.Type),
		e.Amount.AmountMinor,
		e.BalanceBefore.AmountMinor,
		e.BalanceAfter.AmountMinor,
		string(e.Amount.Currency),
		e.Description,
		e.Reference,
		e.CreatedAt,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("inserting float entry: %w", err)
	}
	return nil
}

func scanFloatEntry(row database.Row) (*purchase.FloatLedgerEntry, error) {
	var e purchase.FloatLedgerEntry
	var entryType, currency string
	var amount, before, after int64

	err := row.Scan(&e.Seq, &e.ID, &entryType, &amount, &before, &after,
		&currency, &e.Description, &e.Reference, &e.CreatedAt)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning float entry: %w", err)
	}

	cur := money.Currency(currency)
	e.Type = purchase.FloatEntryType(entryType)
	e.Amount = money.New(amount, cur)
	e.BalanceBefore = money.New(before, cur)
	e.BalanceAfter = money.New(after, cur)
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}
