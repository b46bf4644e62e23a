package purchase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// RetryDisbursement dispatches a HEALING transaction again. At the retry
// ceiling the transaction is escalated instead.
func (s *Service) RetryDisbursement(ctx context.Context, txn *Transaction) (*Transaction, error) {
	if txn.State != StateHealing {
		return nil, fmt.Errorf("%w: cannot retry from %s", ErrInvalidTransition, txn.State)
	}
	return s.dispatch(ctx, txn)
}

// ResumeDisbursement dispatches a PAYMENT_SUCCESS transaction whose first
// dispatch never started.
func (s *Service) ResumeDisbursement(ctx context.Context, txn *Transaction) (*Transaction, error) {
	if txn.State != StatePaymentSuccess {
		return nil, fmt.Errorf("%w: cannot resume from %s", ErrInvalidTransition, txn.State)
	}
	return s.dispatch(ctx, txn)
}

// dispatch moves a paid transaction to PROCESSING, calls the aggregator once
// and records the outcome.
func (s *Service) dispatch(ctx context.Context, txn *Transaction) (*Transaction, error) {
	if txn.AttemptCount >= s.cfg.MaxAttempts {
		return s.escalate(ctx, txn, fmt.Sprintf("disbursement failed after %d attempts", txn.AttemptCount))
	}

	processing, err := s.transition(ctx, txn, StateProcessing,
		fmt.Sprintf("disbursement attempt %d", txn.AttemptCount+1), incrementAttempts)
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	res, callErr := s.disburser.Disburse(dctx, DisburseRequest{
		Phone:     processing.Phone,
		Amount:    processing.Amount,
		Reference: processing.ID,
	})
	cancel()

	attempt := &DisbursementAttempt{
		ID:            ulid.Make().String(),
		TransactionID: processing.ID,
		AttemptNumber: processing.AttemptCount,
		Outcome:       OutcomeAmbiguous,
		CreatedAt:     s.now(),
	}
	message := ""
	if callErr != nil {
		attempt.ResponseCode = "transport_error"
		attempt.Payload, _ = json.Marshal(map[string]string{"error": callErr.Error()})
		message = callErr.Error()
	} else if res != nil {
		if res.Outcome != "" {
			attempt.Outcome = res.Outcome
		}
		attempt.ResponseCode = res.ResponseCode
		attempt.ProviderRef = res.ProviderRef
		attempt.Payload = res.Payload
		message = res.Message
	}

	if err := s.store.RecordAttempt(ctx, attempt); err != nil {
		s.logger.Error("recording disbursement attempt",
			"error", err,
			"transaction_id", processing.ID,
			"attempt", attempt.AttemptNumber,
		)
	}

	s.logger.Info("disbursement attempt finished",
		"transaction_id", processing.ID,
		"attempt", attempt.AttemptNumber,
		"outcome", attempt.Outcome,
		"response_code", attempt.ResponseCode,
	)

	if attempt.Outcome == OutcomeSuccess {
		done, err := s.transition(ctx, processing, StateCompleted, "airtime delivered")
		if err != nil {
			return nil, err
		}
		s.debitFloat(ctx, done)
		return done, nil
	}

	reason := fmt.Sprintf("disbursement %s", attempt.Outcome)
	if message != "" {
		reason += ": " + message
	}
	healing, err := s.transition(ctx, processing, StateHealing, reason, withFailure(reason))
	if err != nil {
		return nil, err
	}
	if healing.AttemptCount >= s.cfg.MaxAttempts {
		return s.escalate(ctx, healing, fmt.Sprintf("disbursement failed after %d attempts", healing.AttemptCount))
	}
	return healing, nil
}

// MarkStuck moves a PROCESSING transaction with no recorded outcome to
// HEALING, escalating at the retry ceiling.
func (s *Service) MarkStuck(ctx context.Context, txn *Transaction) (*Transaction, error) {
	reason := "no disbursement outcome within processing timeout"
	healing, err := s.transition(ctx, txn, StateHealing, reason, withFailure(reason))
	if err != nil {
		return nil, err
	}
	if healing.AttemptCount >= s.cfg.MaxAttempts {
		return s.escalate(ctx, healing, fmt.Sprintf("disbursement unresolved after %d attempts", healing.AttemptCount))
	}
	return healing, nil
}

// Expire ends a non-terminal transaction that outlived maxPending. Paid
// transactions become FAILED_PERMANENT and raise a critical alert.
func (s *Service) Expire(ctx context.Context, txn *Transaction, maxPending time.Duration) (*Transaction, error) {
	to := txn.State.expiryTarget()
	reason := fmt.Sprintf("expired in %s after %s", txn.State, maxPending)
	expired, err := s.transition(ctx, txn, to, reason, withFailure(reason))
	if err != nil {
		return nil, err
	}
	if to == StateFailedPermanent {
		s.alert(ctx, Alert{
			Kind:          AlertExpiredPaid,
			Severity:      SeverityCritical,
			TransactionID: txn.ID,
			Message:       "paid transaction expired without delivery; refund or manual fulfilment required",
			Fields: map[string]any{
				"state":    string(txn.State),
				"amount":   txn.Amount.String(),
				"phone":    txn.Phone,
				"attempts": txn.AttemptCount,
			},
		})
	}
	return expired, nil
}

func (s *Service) escalate(ctx context.Context, txn *Transaction, reason string) (*Transaction, error) {
	failed, err := s.transition(ctx, txn, StateFailedPermanent, reason, withFailure(reason))
	if err != nil {
		return nil, err
	}
	s.alert(ctx, Alert{
		Kind:          AlertFailedPermanent,
		Severity:      SeverityCritical,
		TransactionID: txn.ID,
		Message:       "paid transaction could not be fulfilled; refund or manual fulfilment required",
		Fields: map[string]any{
			"reason":   reason,
			"amount":   txn.Amount.String(),
			"phone":    txn.Phone,
			"attempts": txn.AttemptCount,
		},
	})
	return failed, nil
}
