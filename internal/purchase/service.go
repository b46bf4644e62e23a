package purchase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"airtimebridge/internal/common/events"
	"airtimebridge/internal/common/money"
)

// Config holds purchase policy.
type Config struct {
	Currency          money.Currency `envconfig:"PURCHASE_CURRENCY" default:"KES"`
	MinAmount         int64          `envconfig:"PURCHASE_MIN_AMOUNT" default:"5"`
	MaxAmount         int64          `envconfig:"PURCHASE_MAX_AMOUNT" default:"10000"`
	IdempotencyWindow time.Duration  `envconfig:"IDEMPOTENCY_WINDOW" default:"24h"`
	MaxAttempts       int            `envconfig:"HEALER_MAX_RETRIES" default:"3"`
	ProviderTimeout   time.Duration  `envconfig:"PROVIDER_TIMEOUT" default:"20s"`
	AccountReference  string         `envconfig:"PURCHASE_ACCOUNT_REFERENCE" default:"AIRTIME"`
}

// DefaultConfig mirrors the envconfig defaults.
func DefaultConfig() Config {
	return Config{
		Currency:          money.KES,
		MinAmount:         5,
		MaxAmount:         10000,
		IdempotencyWindow: 24 * time.Hour,
		MaxAttempts:       3,
		ProviderTimeout:   20 * time.Second,
		AccountReference:  "AIRTIME",
	}
}

// Validate checks the policy is usable.
func (c Config) Validate() error {
	if _, ok := money.GetCurrencyInfo(c.Currency); !ok {
		return fmt.Errorf("unsupported currency %q", c.Currency)
	}
	if c.MinAmount <= 0 || c.MaxAmount < c.MinAmount {
		return fmt.Errorf("invalid amount bounds [%d, %d]", c.MinAmount, c.MaxAmount)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("HEALER_MAX_RETRIES must be at least 1")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.IdempotencyWindow <= 0 {
		return fmt.Errorf("IDEMPOTENCY_WINDOW must be positive")
	}
	return nil
}

// Service is the transaction state machine.
type Service struct {
	cfg       Config
	store     Store
	gateway   PaymentGateway
	disburser Disburser
	float     *FloatMonitor
	publisher events.EventPublisher
	alerter   Alerter
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new purchase service.
func NewService(cfg Config, store Store, gateway PaymentGateway, disburser Disburser, logger *slog.Logger) *Service {
	logger = logger.With("component", "purchase")
	return &Service{
		cfg:       cfg,
		store:     store,
		gateway:   gateway,
		disburser: disburser,
		float:     NewFloatMonitor(FloatThresholds{}),
		publisher: events.Discard{},
		alerter:   NewLogAlerter(logger),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher sets the lifecycle event publisher.
func (s *Service) SetPublisher(p events.EventPublisher) { s.publisher = p }

// SetAlerter sets the operator alert channel.
func (s *Service) SetAlerter(a Alerter) { s.alerter = a }

// SetFloatMonitor sets the admission monitor shared with the scheduler.
func (s *Service) SetFloatMonitor(m *FloatMonitor) { s.float = m }

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Config returns the purchase policy.
func (s *Service) Config() Config { return s.cfg }

// FloatMonitor returns the admission monitor.
func (s *Service) FloatMonitor() *FloatMonitor { return s.float }

// InitiateRequest is a customer purchase request.
type InitiateRequest struct {
	Phone          string
	Amount         money.Money
	UserID         string
	IdempotencyKey string
	ProductRef     string
}

// initiationFailed prefixes the failure reason of a transaction whose payment
// prompt was never sent.
const initiationFailed = "initiation failed: "

// InitiateResult is the outcome of Initiate. Replayed is set when the
// idempotency key was already used for the same request and Transaction is
// the original.
type InitiateResult struct {
	Transaction *Transaction
	Replayed    bool
}

// InitiateTransaction validates the request, records it once per idempotency
// key and asks the gateway to prompt the customer. It returns the transaction
// in PENDING_PAYMENT, the original transaction on a replayed key, or an error.
func (s *Service) InitiateTransaction(ctx context.Context, req InitiateRequest) (*Transaction, error) {
	res, err := s.Initiate(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.Transaction, nil
}

// Initiate is InitiateTransaction that also reports whether the result is a
// replay.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}
	if err := s.checkAmount(req.Amount); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, ErrMissingUser
	}
	if !s.float.AdmissionOpen() {
		return nil, ErrFloatExhausted
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}

	now := s.now()
	txn := &Transaction{
		ID:             ulid.Make().String(),
		UserID:         req.UserID,
		IdempotencyKey: key,
		Phone:          phone,
		Amount:         req.Amount,
		ProductRef:     req.ProductRef,
		State:          StateInitiated,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	rec := &IdempotencyRecord{
		Scope:       ScopeInitiatePayment,
		Key:         key,
		Reference:   txn.ID,
		Fingerprint: fingerprint(req.UserID, phone, req.Amount, req.ProductRef),
		ExpiresAt:   now.Add(s.cfg.IdempotencyWindow),
		CreatedAt:   now,
	}
	existing, claimed, err := s.store.ClaimIdempotency(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("claiming idempotency key: %w", err)
	}
	if !claimed {
		prior, err := s.replay(ctx, existing, rec)
		if err != nil {
			return nil, err
		}
		return &InitiateResult{Transaction: prior, Replayed: true}, nil
	}

	if err := s.store.CreateTransaction(ctx, txn); err != nil {
		if relErr := s.store.ReleaseIdempotency(ctx, rec.Scope, rec.Key); relErr != nil {
			s.logger.Error("releasing idempotency key", "error", relErr, "idempotency_key", key)
		}
		return nil, fmt.Errorf("creating transaction: %w", err)
	}
	s.publish(ctx, events.EventPurchaseInitiated, txn.ID, InitiatedData{
		TransactionID: txn.ID,
		UserID:        txn.UserID,
		Phone:         txn.Phone,
		Amount:        txn.Amount,
		ProductRef:    txn.ProductRef,
	})

	gctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	ack, err := s.gateway.Initiate(gctx, PaymentRequest{
		Phone:       phone,
		Amount:      req.Amount,
		Reference:   s.cfg.AccountReference,
		Description: "Airtime",
	})
	cancel()
	if err == nil && (ack == nil || strings.TrimSpace(ack.CheckoutReference) == "") {
		err = errors.New("gateway returned no checkout reference")
	}
	if err != nil {
		reason := initiationFailed + err.Error()
		if _, tErr := s.transition(ctx, txn, StatePaymentFailed, reason, withFailure(reason)); tErr != nil {
			s.logger.Error("recording initiation failure", "error", tErr, "transaction_id", txn.ID)
		}
		// The customer was never prompted, so the key is free for a retry.
		if relErr := s.store.ReleaseIdempotency(ctx, rec.Scope, rec.Key); relErr != nil {
			s.logger.Error("releasing idempotency key", "error", relErr, "idempotency_key", key)
		}
		s.logger.Warn("payment initiation failed",
			"transaction_id", txn.ID,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	pending, err := s.transition(ctx, txn, StatePendingPayment, "payment prompt sent",
		withCheckout(strings.TrimSpace(ack.CheckoutReference)))
	if err != nil {
		s.logger.Error("recording checkout reference",
			"error", err,
			"transaction_id", txn.ID,
			"checkout_reference", ack.CheckoutReference,
		)
		return nil, fmt.Errorf("recording checkout reference: %w", err)
	}

	s.logger.Info("payment initiated",
		"transaction_id", pending.ID,
		"checkout_reference", pending.CheckoutReference,
		"amount", pending.Amount.String(),
	)
	return &InitiateResult{Transaction: pending}, nil
}

// replay resolves a request whose idempotency key is already claimed.
func (s *Service) replay(ctx context.Context, existing, rec *IdempotencyRecord) (*Transaction, error) {
	if existing == nil {
		return nil, fmt.Errorf("%w: idempotency key %q", ErrDuplicateRequest, rec.Key)
	}
	if existing.Fingerprint != rec.Fingerprint {
		return nil, fmt.Errorf("%w: idempotency key %q was used for a different request", ErrDuplicateRequest, rec.Key)
	}

	prior, err := s.store.GetTransaction(ctx, existing.Reference)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: request with key %q is still being recorded", ErrDuplicateRequest, rec.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("loading original transaction: %w", err)
	}
	if prior.State == StatePaymentFailed && strings.HasPrefix(prior.FailureReason, initiationFailed) {
		return nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, strings.TrimPrefix(prior.FailureReason, initiationFailed))
	}

	s.logger.Info("returning existing transaction for idempotency key",
		"transaction_id", prior.ID,
		"idempotency_key", rec.Key,
		"state", prior.State,
	)
	return prior, nil
}

func (s *Service) checkAmount(amount money.Money) error {
	if amount.Currency != s.cfg.Currency {
		return fmt.Errorf("%w: currency %q, expected %q", ErrInvalidAmount, amount.Currency, s.cfg.Currency)
	}
	if !amount.IsPositive() || !amount.IsWholeMajor() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	min := money.FromMajor(s.cfg.MinAmount, s.cfg.Currency)
	max := money.FromMajor(s.cfg.MaxAmount, s.cfg.Currency)
	if amount.LessThan(min) || amount.GreaterThan(max) {
		return fmt.Errorf("%w: %s not within [%s, %s]", ErrAmountOutOfBounds, amount, min, max)
	}
	return nil
}

func fingerprint(userID, phone string, amount money.Money, productRef string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s|%s", userID, phone, amount.AmountMinor, amount.Currency, productRef)))
	return hex.EncodeToString(sum[:])
}

// GetTransaction returns a transaction by id.
func (s *Service) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// GetTransactionStatus returns the current state of a transaction.
func (s *Service) GetTransactionStatus(ctx context.Context, id string) (State, error) {
	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return "", err
	}
	return txn.State, nil
}

// TransactionDetail is a transaction with its audit trail.
type TransactionDetail struct {
	Transaction *Transaction           `json:"transaction"`
	Attempts    []*DisbursementAttempt `json:"attempts"`
	History     []*StateChange         `json:"history"`
}

// Describe loads a transaction with its attempts and state history.
func (s *Service) Describe(ctx context.Context, id string) (*TransactionDetail, error) {
	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	attempts, err := s.store.ListAttempts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}
	history, err := s.store.ListTransitions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing transitions: %w", err)
	}
	return &TransactionDetail{Transaction: txn, Attempts: attempts, History: history}, nil
}

// change mutates a pending Transition.
type change func(*Transition)

func withCheckout(ref string) change {
	return func(t *Transition) { t.CheckoutReference = &ref }
}

func withReceipt(ref string) change {
	return func(t *Transition) {
		if ref != "" {
			t.ReceiptReference = &ref
		}
	}
}

func withFailure(reason string) change {
	return func(t *Transition) { t.FailureReason = &reason }
}

func withResultCode(code string) change {
	return func(t *Transition) { t.ResultCode = &code }
}

func incrementAttempts(t *Transition) { t.IncrementAttempts = true }

// transition applies a guarded state change and publishes it. ErrStaleState
// is returned unchanged so callers can drop their update.
func (s *Service) transition(ctx context.Context, txn *Transaction, to State, note string, changes ...change) (*Transaction, error) {
	if !txn.State.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, txn.State, to, txn.ID)
	}

	t := Transition{
		ID:      txn.ID,
		From:    txn.State,
		To:      to,
		Version: txn.Version,
		At:      s.now(),
		Note:    note,
	}
	for _, c := range changes {
		c(&t)
	}

	updated, err := s.store.ApplyTransition(ctx, t)
	if err != nil {
		return nil, err
	}

	s.logger.Info("transaction state changed",
		"transaction_id", txn.ID,
		"from", txn.State,
		"to", to,
		"note", note,
	)
	s.publish(ctx, events.EventPurchaseStateChanged, txn.ID, StateChangedData{
		TransactionID: txn.ID,
		From:          txn.State,
		To:            to,
		Note:          note,
		AttemptCount:  updated.AttemptCount,
	})
	return updated, nil
}

