// Package store is the transaction ledger. Store is the elevated tier used by
// the state machine, the scheduler and the webhook ingress; UserView is the
// restricted tier that exposes a user's own transactions read-only.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"airtimebridge/internal/common/database"
	"airtimebridge/internal/common/money"
	"airtimebridge/internal/purchase"
)

// Store provides elevated ledger access
type Store struct {
	db database.Conn
}

var _ purchase.Store = (*Store)(nil)

// New creates a new ledger store
func New(db database.Conn) *Store {
	return &Store{db: db}
}

// ts normalizes a timestamp for storage. SQLite compares the stored text
// form, so every value must be UTC with a fixed precision.
func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

const transactionColumns = `
	id, user_id, idempotency_key, phone, amount_minor, currency, product_ref,
	checkout_reference, receipt_reference, attempt_count, state,
	failure_reason, result_code, version, created_at, updated_at`

// CreateTransaction inserts a new transaction
func (s *Store) CreateTransaction(ctx context.Context, txn *purchase.Transaction) error {
	txn.CreatedAt = ts(txn.CreatedAt)
	txn.UpdatedAt = ts(txn.UpdatedAt)
	if txn.Version == 0 {
		txn.Version = 1
	}

	query := `
		INSERT INTO transactions (` + transactionColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
	`

	return s.db.WithTx(ctx, func(q database.Querier) error {
		_, err := q.Exec(ctx, query,
			txn.ID,
			txn.UserID,
			txn.IdempotencyKey,
			txn.Phone,
			txn.Amount.AmountMinor,
			string(txn.Amount.Currency),
			txn.ProductRef,
			nullable(txn.CheckoutReference),
			nullable(txn.ReceiptReference),
			txn.AttemptCount,
			string(txn.State),
			nullable(txn.FailureReason),
			nullable(txn.ResultCode),
			txn.Version,
			txn.CreatedAt,
			txn.UpdatedAt,
		)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("transaction %s: %w", txn.ID, database.ErrAlreadyExists)
			}
			return fmt.Errorf("inserting transaction: %w", err)
		}
		return insertStateChange(ctx, q, txn.ID, "", txn.State, "created", txn.CreatedAt)
	})
}

// GetTransaction retrieves a transaction by ID
func (s *Store) GetTransaction(ctx context.Context, id string) (*purchase.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	txn, err := scanTransaction(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, wrapNotFound(err, "transaction "+id)
	}
	return txn, nil
}

// GetByCheckoutReference retrieves a transaction by its gateway checkout reference
func (s *Store) GetByCheckoutReference(ctx context.Context, ref string) (*purchase.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE checkout_reference = $1`
	txn, err := scanTransaction(s.db.QueryRow(ctx, query, ref))
	if err != nil {
		return nil, wrapNotFound(err, "checkout reference "+ref)
	}
	return txn, nil
}

// ApplyTransition performs a conditional state change and writes its audit
// row in the same database transaction. It returns purchase.ErrStaleState
// when the row no longer has the expected state and version.
func (s *Store) ApplyTransition(ctx context.Context, t purchase.Transition) (*purchase.Transaction, error) {
	if !t.From.CanTransitionTo(t.To) {
		return nil, fmt.Errorf("%w: %s -> %s", purchase.ErrInvalidTransition, t.From, t.To)
	}
	at := ts(t.At)

	sets := []string{"state = $1", "version = version + 1", "updated_at = $2"}
	args := []any{string(t.To), at}
	set := func(column string, v *string) {
		if v == nil {
			return
		}
		args = append(args, *v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	set("checkout_reference", t.CheckoutReference)
	set("receipt_reference", t.ReceiptReference)
	set("failure_reason", t.FailureReason)
	set("result_code", t.ResultCode)
	if t.IncrementAttempts {
		sets = append(sets, "attempt_count = attempt_count + 1")
	}

	args = append(args, t.ID, string(t.From), t.Version)
	n := len(args)
	query := fmt.Sprintf(`UPDATE transactions SET %s WHERE id = $%d AND state = $%d AND version = $%d`,
		strings.Join(sets, ", "), n-2, n-1, n)

	var updated *purchase.Transaction
	err := s.db.WithTx(ctx, func(q database.Querier) error {
		affected, err := q.Exec(ctx, query, args...)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("%w: checkout reference already recorded", purchase.ErrIntegrity)
			}
			return fmt.Errorf("updating transaction state: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: %s expected %s v%d", purchase.ErrStaleState, t.ID, t.From, t.Version)
		}

		if err := insertStateChange(ctx, q, t.ID, t.From, t.To, t.Note, at); err != nil {
			return err
		}

		row := q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, t.ID)
		updated, err = scanTransaction(row)
		if err != nil {
			return fmt.Errorf("reloading transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func insertStateChange(ctx context.Context, q database.Querier, id string, from, to purchase.State, note string, at time.Time) error {
	_, err := q.Exec(ctx, `
		INSERT INTO state_transitions (transaction_id, from_state, to_state, note, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, string(from), string(to), note, at)
	if err != nil {
		return fmt.Errorf("inserting state transition: %w", err)
	}
	return nil
}

// ListByState returns transactions matching the query, oldest first
func (s *Store) ListByState(ctx context.Context, sq purchase.StateQuery) ([]*purchase.Transaction, error) {
	if len(sq.States) == 0 {
		return nil, nil
	}

	var args []any
	placeholders := make([]string, len(sq.States))
	for i, st := range sq.States {
		args = append(args, string(st))
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}
	conds := []string{"state IN (" + strings.Join(placeholders, ", ") + ")"}

	addTime := func(cond string, t time.Time) {
		if t.IsZero() {
			return
		}
		args = append(args, ts(t))
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	addTime("created_at < $%d", sq.CreatedBefore)
	addTime("created_at >= $%d", sq.CreatedAfter)
	addTime("updated_at < $%d", sq.UpdatedBefore)

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY created_at, id`
	if sq.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, sq.Limit)
	}

	return s.queryTransactions(ctx, query, args...)
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]*purchase.Transaction, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var txns []*purchase.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transactions: %w", err)
	}
	return txns, nil
}

// ListTransitions returns a transaction's state history in order
func (s *Store) ListTransitions(ctx context.Context, transactionID string) ([]*purchase.StateChange, error) {
	rows, err := s.db.Query(ctx, `
		SELECT transaction_id, from_state, to_state, note, created_at
		FROM state_transitions
		WHERE transaction_id = $1
		ORDER BY id
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("listing state transitions: %w", err)
	}
	defer rows.Close()

	var changes []*purchase.StateChange
	for rows.Next() {
		var c purchase.StateChange
		var from, to string
		if err := rows.Scan(&c.TransactionID, &from, &to, &c.Note, &c.At); err != nil {
			return nil, fmt.Errorf("scanning state transition: %w", err)
		}
		c.From = purchase.State(from)
		c.To = purchase.State(to)
		c.At = c.At.UTC()
		changes = append(changes, &c)
	}
	return changes, rows.Err()
}

// RecordAttempt stores one disbursement attempt
func (s *Store) RecordAttempt(ctx context.Context, a *purchase.DisbursementAttempt) error {
	a.CreatedAt = ts(a.CreatedAt)
	var payload any
	if len(a.Payload) > 0 {
		payload = []byte(a.Payload)
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO disbursement_attempts (
			id, transaction_id, attempt_number, outcome, response_code,
			provider_ref, payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		a.ID,
		a.TransactionID,
		a.AttemptNumber,
		string(a.Outcome),
		a.ResponseCode,
		a.ProviderRef,
		payload,
		a.CreatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("attempt %d for %s: %w", a.AttemptNumber, a.TransactionID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting disbursement attempt: %w", err)
	}
	return nil
}

// ListAttempts returns a transaction's disbursement attempts in order
func (s *Store) ListAttempts(ctx context.Context, transactionID string) ([]*purchase.DisbursementAttempt, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, transaction_id, attempt_number, outcome, response_code,
			   provider_ref, payload, created_at
		FROM disbursement_attempts
		WHERE transaction_id = $1
		ORDER BY attempt_number
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("listing disbursement attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*purchase.DisbursementAttempt
	for rows.Next() {
		var a purchase.DisbursementAttempt
		var outcome string
		var payload []byte
		if err := rows.Scan(&a.ID, &a.TransactionID, &a.AttemptNumber, &outcome,
			&a.ResponseCode, &a.ProviderRef, &payload, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning disbursement attempt: %w", err)
		}
		a.Outcome = purchase.AttemptOutcome(outcome)
		a.Payload = payload
		a.CreatedAt = a.CreatedAt.UTC()
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

// ClaimIdempotency inserts rec unless an unexpired record holds the same
// scope and key. An expired record is taken over. When the claim fails the
// holding record is returned.
func (s *Store) ClaimIdempotency(ctx context.Context, rec *purchase.IdempotencyRecord) (*purchase.IdempotencyRecord, bool, error) {
	rec.CreatedAt = ts(rec.CreatedAt)
	rec.ExpiresAt = ts(rec.ExpiresAt)

	var existing *purchase.IdempotencyRecord
	claimed := false
	err := s.db.WithTx(ctx, func(q database.Querier) error {
		rows, err := q.Query(ctx, `
			INSERT INTO idempotency_records (scope, key, reference, fingerprint, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (scope, key) DO UPDATE SET
				reference = EXCLUDED.reference,
				fingerprint = EXCLUDED.fingerprint,
				expires_at = EXCLUDED.expires_at,
				created_at = EXCLUDED.created_at
			WHERE idempotency_records.expires_at <= EXCLUDED.created_at
			RETURNING reference
		`, rec.Scope, rec.Key, rec.Reference, rec.Fingerprint, rec.ExpiresAt, rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("claiming idempotency key: %w", err)
		}
		claimed = rows.Next()
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("claiming idempotency key: %w", err)
		}
		if claimed {
			return nil
		}

		var r purchase.IdempotencyRecord
		err = q.QueryRow(ctx, `
			SELECT scope, key, reference, fingerprint, expires_at, created_at
			FROM idempotency_records
			WHERE scope = $1 AND key = $2
		`, rec.Scope, rec.Key).Scan(&r.Scope, &r.Key, &r.Reference, &r.Fingerprint, &r.ExpiresAt, &r.CreatedAt)
		if err != nil {
			return fmt.Errorf("loading idempotency record: %w", err)
		}
		r.ExpiresAt = r.ExpiresAt.UTC()
		r.CreatedAt = r.CreatedAt.UTC()
		existing = &r
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return existing, claimed, nil
}

// ReleaseIdempotency deletes a claim so the event can be processed again
func (s *Store) ReleaseIdempotency(ctx context.Context, scope, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM idempotency_records WHERE scope = $1 AND key = $2`, scope, key); err != nil {
		return fmt.Errorf("releasing idempotency key: %w", err)
	}
	return nil
}

// RecordCallback stores the raw copy of a provider callback
func (s *Store) RecordCallback(ctx context.Context, log *purchase.CallbackLog) error {
	log.ReceivedAt = ts(log.ReceivedAt)
	_, err := s.db.Exec(ctx, `
		INSERT INTO provider_callbacks (id, provider, checkout_reference, source_ip, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, log.ID, log.Provider, log.CheckoutReference, log.SourceIP, log.Payload, log.ReceivedAt)
	if err != nil {
		return fmt.Errorf("inserting provider callback: %w", err)
	}
	return nil
}

// RecordMetric stores one health metric sample
func (s *Store) RecordMetric(ctx context.Context, name string, value float64, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO health_metrics (name, value, recorded_at) VALUES ($1, $2, $3)
	`, name, value, ts(at))
	if err != nil {
		return fmt.Errorf("inserting health metric: %w", err)
	}
	return nil
}

func wrapNotFound(err error, what string) error {
	if database.IsNotFound(err) {
		return fmt.Errorf("%w: %s", purchase.ErrNotFound, what)
	}
	return err
}

func scanTransaction(row database.Row) (*purchase.Transaction, error) {
	var txn purchase.Transaction
	var amountMinor int64
	var currency, state string
	var checkoutRef, receiptRef, failureReason, resultCode *string

	err := row.Scan(
		&txn.ID,
		&txn.UserID,
		&txn.IdempotencyKey,
		&txn.Phone,
		&amountMinor,
		&currency,
		&txn.ProductRef,
		&checkoutRef,
		&receiptRef,
		&txn.AttemptCount,
		&state,
		&failureReason,
		&resultCode,
		&txn.Version,
		&txn.CreatedAt,
		&txn.UpdatedAt,
	)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning transaction: %w", err)
	}

	txn.Amount = money.New(amountMinor, money.Currency(currency))
	txn.State = purchase.State(state)
	txn.CheckoutReference = deref(checkoutRef)
	txn.ReceiptReference = deref(receiptRef)
	txn.FailureReason = deref(failureReason)
	txn.ResultCode = deref(resultCode)
	txn.CreatedAt = txn.CreatedAt.UTC()
	txn.UpdatedAt = txn.UpdatedAt.UTC()
	return &txn, nil
}

// IsNotFound reports whether err is a missing-row error from this store
func IsNotFound(err error) bool {
	return errors.Is(err, purchase.ErrNotFound) || database.IsNotFound(err)
}
