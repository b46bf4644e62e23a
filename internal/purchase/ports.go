package purchase

import (
	"context"
	"encoding/json"
	"time"

	"airtimebridge/internal/common/money"
)

// Store is the elevated ledger tier the state machine works against.
type Store interface {
	// Transactions
	CreateTransaction(ctx context.Context, txn *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetByCheckoutReference(ctx context.Context, ref string) (*Transaction, error)
	ApplyTransition(ctx context.Context, t Transition) (*Transaction, error)
	ListByState(ctx context.Context, q StateQuery) ([]*Transaction, error)
	ListTransitions(ctx context.Context, transactionID string) ([]*StateChange, error)

	// Disbursement attempts
	RecordAttempt(ctx context.Context, attempt *DisbursementAttempt) error
	ListAttempts(ctx context.Context, transactionID string) ([]*DisbursementAttempt, error)

	// Idempotency
	ClaimIdempotency(ctx context.Context, rec *IdempotencyRecord) (existing *IdempotencyRecord, claimed bool, err error)
	ReleaseIdempotency(ctx context.Context, scope, key string) error

	// Float ledger
	AppendFloatMovement(ctx context.Context, build func(last *FloatLedgerEntry) (*FloatLedgerEntry, error)) (*FloatLedgerEntry, error)
	RecordFloatObservation(ctx context.Context, entry *FloatLedgerEntry) error
	LastFloatMovement(ctx context.Context) (*FloatLedgerEntry, error)
	LatestFloatObservation(ctx context.Context) (*FloatLedgerEntry, error)

	// Audit and health
	RecordCallback(ctx context.Context, log *CallbackLog) error
	RecordMetric(ctx context.Context, name string, value float64, at time.Time) error
}

// PaymentRequest asks the gateway to prompt the customer for payment.
type PaymentRequest struct {
	Phone       string
	Amount      money.Money
	Reference   string
	Description string
}

// PaymentAck is the gateway's acceptance of a payment request.
type PaymentAck struct {
	CheckoutReference string
	MerchantRequestID string
	CustomerMessage   string
}

// PaymentStatus is the gateway's authoritative view of a payment.
type PaymentStatus struct {
	ResultCode        string
	ResultDescription string
}

// PaymentGateway is the mobile-money provider. Returned errors (network,
// timeout, 5xx) are ambiguous outcomes.
type PaymentGateway interface {
	Initiate(ctx context.Context, req PaymentRequest) (*PaymentAck, error)
	QueryStatus(ctx context.Context, checkoutReference string) (*PaymentStatus, error)
}

// DisburseRequest asks the aggregator to send airtime. Reference is stable
// across retries of the same transaction.
type DisburseRequest struct {
	Phone     string
	Amount    money.Money
	Reference string
}

// DisburseResult is a definitive or ambiguous aggregator reply.
type DisburseResult struct {
	Outcome      AttemptOutcome
	ProviderRef  string
	ResponseCode string
	Message      string
	Payload      json.RawMessage
}

// Disburser is the airtime aggregator. A returned error is an ambiguous
// outcome.
type Disburser interface {
	Disburse(ctx context.Context, req DisburseRequest) (*DisburseResult, error)
	Balance(ctx context.Context) (money.Money, error)
}
