package purchase

import (
	"encoding/json"
	"fmt"
	"time"

	"airtimebridge/internal/common/money"
)

// Transaction is one customer purchase attempt.
type Transaction struct {
	ID                string      `json:"id"`
	UserID            string      `json:"user_id"`
	IdempotencyKey    string      `json:"idempotency_key"`
	Phone             string      `json:"phone"`
	Amount            money.Money `json:"amount"`
	ProductRef        string      `json:"product_ref,omitempty"`
	CheckoutReference string      `json:"checkout_reference,omitempty"`
	ReceiptReference  string      `json:"receipt_reference,omitempty"`
	AttemptCount      int         `json:"attempt_count"`
	State             State       `json:"state"`
	FailureReason     string      `json:"failure_reason,omitempty"`
	ResultCode        string      `json:"result_code,omitempty"`
	Version           int         `json:"version"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Transition is a conditional state change. It applies only while the stored
// row still has State == From and the given Version.
type Transition struct {
	ID      string
	From    State
	To      State
	Version int
	At      time.Time
	Note    string

	// Optional column updates; nil leaves the column unchanged.
	CheckoutReference *string
	ReceiptReference  *string
	FailureReason     *string
	ResultCode        *string

	// IncrementAttempts bumps attempt_count by one.
	IncrementAttempts bool
}

// StateChange is one row of a transaction's state history.
type StateChange struct {
	TransactionID string    `json:"transaction_id"`
	From          State     `json:"from"`
	To            State     `json:"to"`
	Note          string    `json:"note,omitempty"`
	At            time.Time `json:"at"`
}

// StateQuery selects transactions for a sweep step. Zero times are ignored.
type StateQuery struct {
	States        []State
	CreatedBefore time.Time
	CreatedAfter  time.Time
	UpdatedBefore time.Time
	Limit         int
}

// AttemptOutcome classifies one disbursement attempt.
type AttemptOutcome string

const (
	OutcomeSuccess   AttemptOutcome = "success"
	OutcomeFailure   AttemptOutcome = "failure"
	OutcomeAmbiguous AttemptOutcome = "ambiguous"
)

// DisbursementAttempt is one try at delivering airtime for a transaction.
type DisbursementAttempt struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	AttemptNumber int             `json:"attempt_number"`
	Outcome       AttemptOutcome  `json:"outcome"`
	ResponseCode  string          `json:"response_code,omitempty"`
	ProviderRef   string          `json:"provider_ref,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// FloatEntryType is the kind of float ledger entry.
type FloatEntryType string

const (
	FloatCredit FloatEntryType = "credit"
	FloatDebit  FloatEntryType = "debit"
	FloatPull   FloatEntryType = "pull"
)

// FloatLedgerEntry is one movement or observation of the aggregator float.
type FloatLedgerEntry struct {
	Seq           int64          `json:"seq"`
	ID            string         `json:"id"`
	Type          FloatEntryType `json:"type"`
	Amount        money.Money    `json:"amount"`
	BalanceBefore money.Money    `json:"balance_before"`
	BalanceAfter  money.Money    `json:"balance_after"`
	Description   string         `json:"description,omitempty"`
	Reference     string         `json:"reference,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// IsMovement is true for entries that take part in the balance chain.
func (e *FloatLedgerEntry) IsMovement() bool {
	return e.Type == FloatCredit || e.Type == FloatDebit
}

// Validate checks the entry's own arithmetic and, for movements, that it
// continues from prev (the last movement, nil when none exists yet).
func (e *FloatLedgerEntry) Validate(prev *FloatLedgerEntry) error {
	if e.Amount.AmountMinor < 0 {
		return fmt.Errorf("%w: negative float amount %s", ErrIntegrity, e.Amount)
	}

	switch e.Type {
	case FloatPull:
		if !e.Amount.IsZero() || !e.BalanceBefore.Equal(e.BalanceAfter) {
			return fmt.Errorf("%w: pull entry must not move the balance", ErrIntegrity)
		}
		return nil
	case FloatCredit, FloatDebit:
	default:
		return fmt.Errorf("%w: unknown float entry type %q", ErrIntegrity, e.Type)
	}

	want := e.BalanceBefore.AmountMinor + e.Amount.AmountMinor
	if e.Type == FloatDebit {
		want = e.BalanceBefore.AmountMinor - e.Amount.AmountMinor
	}
	if e.BalanceAfter.AmountMinor != want {
		return fmt.Errorf("%w: %s entry %s: balance after %d, expected %d",
			ErrIntegrity, e.Type, e.ID, e.BalanceAfter.AmountMinor, want)
	}

	if prev != nil && !prev.BalanceAfter.Equal(e.BalanceBefore) {
		return fmt.Errorf("%w: float chain broken at %s: balance before %s, previous balance after %s",
			ErrIntegrity, e.ID, e.BalanceBefore, prev.BalanceAfter)
	}
	return nil
}

// IdempotencyRecord guards one external event within a time window.
type IdempotencyRecord struct {
	Scope       string    `json:"scope"`
	Key         string    `json:"key"`
	Reference   string    `json:"reference"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Idempotency scopes
const (
	ScopeInitiatePayment = "initiate-payment"
	scopeWebhookPrefix   = "webhook:"
)

// WebhookScope is the idempotency scope of callbacks for a checkout reference.
func WebhookScope(checkoutReference string) string {
	return scopeWebhookPrefix + checkoutReference
}

// CallbackLog is the raw audit copy of a provider callback.
type CallbackLog struct {
	ID                string    `json:"id"`
	Provider          string    `json:"provider"`
	CheckoutReference string    `json:"checkout_reference,omitempty"`
	SourceIP          string    `json:"source_ip,omitempty"`
	Payload           []byte    `json:"payload,omitempty"`
	ReceivedAt        time.Time `json:"received_at"`
}

// PaymentEvent is a normalized payment outcome, from a webhook or a status
// query.
type PaymentEvent struct {
	CheckoutReference string            `json:"checkout_reference"`
	ResultCode        string            `json:"result_code"`
	ResultDescription string            `json:"result_description"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	ReceivedAt        time.Time         `json:"received_at"`
}

// Metadata keys set on PaymentEvent by the gateway normalizer.
const (
	MetaReceiptNumber   = "MpesaReceiptNumber"
	MetaAmount          = "Amount"
	MetaPhoneNumber     = "PhoneNumber"
	MetaTransactionDate = "TransactionDate"
)
