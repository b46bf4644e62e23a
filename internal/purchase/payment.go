package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"airtimebridge/internal/common/money"
)

// HandlePaymentEvent applies a gateway callback. Redelivery of the same
// (checkout reference, result code) pair is a no-op. A nil error means the
// event was applied or safely ignored; any other error leaves the event
// eligible for redelivery.
func (s *Service) HandlePaymentEvent(ctx context.Context, ev PaymentEvent) error {
	ev.CheckoutReference = strings.TrimSpace(ev.CheckoutReference)
	ev.ResultCode = strings.TrimSpace(ev.ResultCode)
	if ev.CheckoutReference == "" {
		return fmt.Errorf("%w: missing checkout reference", ErrInvalidEvent)
	}
	if ev.ResultCode == "" {
		return fmt.Errorf("%w: missing result code", ErrInvalidEvent)
	}

	txn, err := s.store.GetByCheckoutReference(ctx, ev.CheckoutReference)
	if err != nil {
		return err
	}

	now := s.now()
	scope := WebhookScope(ev.CheckoutReference)
	_, claimed, err := s.store.ClaimIdempotency(ctx, &IdempotencyRecord{
		Scope:     scope,
		Key:       ev.ResultCode,
		Reference: txn.ID,
		ExpiresAt: now.Add(s.cfg.IdempotencyWindow),
		CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("claiming callback: %w", err)
	}
	if !claimed {
		s.logger.Debug("duplicate payment callback ignored",
			"transaction_id", txn.ID,
			"checkout_reference", ev.CheckoutReference,
			"result_code", ev.ResultCode,
		)
		return nil
	}

	if err := s.applyPaymentOutcome(ctx, txn, ev, "callback"); err != nil {
		if relErr := s.store.ReleaseIdempotency(ctx, scope, ev.ResultCode); relErr != nil {
			s.logger.Error("releasing callback claim", "error", relErr, "transaction_id", txn.ID)
		}
		return err
	}
	return nil
}

// ReconcilePayment resolves a transaction whose callback has not arrived by
// querying the gateway. PENDING_PAYMENT rows are moved to RECONCILIATION
// first. The returned transaction reflects the stored state afterwards.
func (s *Service) ReconcilePayment(ctx context.Context, txn *Transaction) (*Transaction, error) {
	if txn.State == StatePendingPayment {
		moved, err := s.transition(ctx, txn, StateReconciliation, "no callback received; querying status")
		if err != nil {
			return nil, err
		}
		txn = moved
	}
	if txn.State != StateReconciliation {
		return txn, nil
	}
	if txn.CheckoutReference == "" {
		return txn, fmt.Errorf("transaction %s has no checkout reference", txn.ID)
	}

	qctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	status, err := s.gateway.QueryStatus(qctx, txn.CheckoutReference)
	cancel()
	if err != nil {
		return txn, fmt.Errorf("querying payment status: %w", err)
	}

	ev := PaymentEvent{
		CheckoutReference: txn.CheckoutReference,
		ResultCode:        strings.TrimSpace(status.ResultCode),
		ResultDescription: status.ResultDescription,
		ReceivedAt:        s.now(),
	}
	if err := s.applyPaymentOutcome(ctx, txn, ev, "status query"); err != nil {
		return txn, err
	}
	return s.store.GetTransaction(ctx, txn.ID)
}

// outcomeAttempts bounds how often a payment outcome is re-applied after
// losing a conditional update.
const outcomeAttempts = 3

// applyPaymentOutcome applies ev to txn. A conditional update lost to a move
// that resolved nothing, such as PENDING_PAYMENT -> RECONCILIATION, is
// re-applied on the reloaded row. ErrStaleState is returned only when the
// row keeps changing underneath.
func (s *Service) applyPaymentOutcome(ctx context.Context, txn *Transaction, ev PaymentEvent, source string) error {
	for attempt := 1; ; attempt++ {
		err := s.applyOutcomeOnce(ctx, txn, ev, source)
		if !errors.Is(err, ErrStaleState) || attempt == outcomeAttempts {
			return err
		}
		reloaded, lErr := s.store.GetTransaction(ctx, txn.ID)
		if lErr != nil {
			return fmt.Errorf("reloading after concurrent update: %w", lErr)
		}
		s.logger.Info("payment outcome raced a concurrent update; re-applying",
			"transaction_id", txn.ID,
			"expected_state", txn.State,
			"current_state", reloaded.State,
			"result_code", ev.ResultCode,
			"source", source,
		)
		txn = reloaded
	}
}

func (s *Service) applyOutcomeOnce(ctx context.Context, txn *Transaction, ev PaymentEvent, source string) error {
	class := ClassifyResultCode(ev.ResultCode)

	if !txn.State.AwaitingPayment() {
		if class == ResultSuccess && txn.State == StatePaymentFailed {
			s.alert(ctx, Alert{
				Kind:          AlertLatePayment,
				Severity:      SeverityCritical,
				TransactionID: txn.ID,
				Message:       "payment succeeded after the transaction was marked failed; refund or manual fulfilment required",
				Fields: map[string]any{
					"checkout_reference": txn.CheckoutReference,
					"receipt":            ev.Metadata[MetaReceiptNumber],
					"source":             source,
				},
			})
			return nil
		}
		s.logger.Debug("payment outcome for resolved transaction ignored",
			"transaction_id", txn.ID,
			"state", txn.State,
			"result_code", ev.ResultCode,
			"source", source,
		)
		return nil
	}

	switch class {
	case ResultAmbiguous:
		s.logger.Info("payment outcome not final; awaiting reconciliation",
			"transaction_id", txn.ID,
			"result_code", ev.ResultCode,
			"result_description", ev.ResultDescription,
			"source", source,
		)
		return nil

	case ResultFailure:
		reason := DescribeResultCode(ev.ResultCode)
		if ev.ResultDescription != "" {
			reason = ev.ResultDescription
		}
		_, err := s.transition(ctx, txn, StatePaymentFailed, source+": payment failed",
			withResultCode(ev.ResultCode), withFailure(reason))
		return err
	}

	s.checkPaidAmount(ctx, txn, ev)

	paid, err := s.transition(ctx, txn, StatePaymentSuccess, source+": payment confirmed",
		withResultCode(ev.ResultCode), withReceipt(ev.Metadata[MetaReceiptNumber]))
	if err != nil {
		return err
	}

	if _, err := s.dispatch(ctx, paid); err != nil && !errors.Is(err, ErrStaleState) {
		s.logger.Error("dispatching disbursement; the sweep will resume it",
			"error", err,
			"transaction_id", paid.ID,
		)
	}
	return nil
}

// checkPaidAmount alerts when the callback reports a different amount than
// the customer was asked for.
func (s *Service) checkPaidAmount(ctx context.Context, txn *Transaction, ev PaymentEvent) {
	raw := ev.Metadata[MetaAmount]
	if raw == "" {
		return
	}
	paid, err := money.ParseMajor(raw, txn.Amount.Currency)
	if err != nil {
		s.logger.Warn("unparseable paid amount in callback", "transaction_id", txn.ID, "amount", raw)
		return
	}
	if !paid.Equal(txn.Amount) {
		s.alert(ctx, Alert{
			Kind:          AlertIntegrity,
			Severity:      SeverityWarning,
			TransactionID: txn.ID,
			Message:       "paid amount differs from requested amount",
			Fields: map[string]any{
				"requested": txn.Amount.String(),
				"paid":      paid.String(),
			},
		})
	}
}
