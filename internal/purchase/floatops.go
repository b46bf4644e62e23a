package purchase

import (
	"context"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"

	"airtimebridge/internal/common/money"
)

// FloatObservation is the result of one balance pull.
type FloatObservation struct {
	Balance  money.Money
	Previous FloatLevel
	Level    FloatLevel

	// Drift is the observed balance minus the ledger's derived balance. It
	// is zero when no movement has been recorded yet.
	Drift money.Money
}

// ObserveFloat pulls the aggregator balance, records it and updates the
// admission level. Level changes raise alerts.
func (s *Service) ObserveFloat(ctx context.Context) (*FloatObservation, error) {
	bctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	balance, err := s.disburser.Balance(bctx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("fetching float balance: %w", err)
	}

	now := s.now()
	prev, next := s.float.Observe(balance, now)
	s.raiseFloatAlert(ctx, prev, next, balance)

	err = s.store.RecordFloatObservation(ctx, &FloatLedgerEntry{
		ID:            ulid.Make().String(),
		Type:          FloatPull,
		Amount:        money.Zero(balance.Currency),
		BalanceBefore: balance,
		BalanceAfter:  balance,
		Description:   "aggregator balance",
		CreatedAt:     now,
	})
	if err != nil {
		return nil, fmt.Errorf("recording float observation: %w", err)
	}

	obs := &FloatObservation{Balance: balance, Previous: prev, Level: next, Drift: money.Zero(balance.Currency)}

	last, err := s.store.LastFloatMovement(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading last float movement: %w", err)
	}
	if last != nil {
		drift, err := balance.Sub(last.BalanceAfter)
		if err != nil {
			return nil, fmt.Errorf("%w: float currency mismatch: %v", ErrIntegrity, err)
		}
		obs.Drift = drift
		if !drift.IsZero() {
			s.logger.Warn("float balance drift",
				"observed", balance.String(),
				"derived", last.BalanceAfter.String(),
				"drift", drift.String(),
			)
		}
	}
	return obs, nil
}

// RefreshFloat moves the admission level to the newest recorded balance pull
// when it is newer than what the monitor last saw. Instances that do not run
// the sweep use it to follow the pulls another process records. It raises no
// alerts; the pulling process already did.
func (s *Service) RefreshFloat(ctx context.Context) (FloatLevel, error) {
	entry, err := s.store.LatestFloatObservation(ctx)
	if err != nil {
		return s.float.Level(), fmt.Errorf("loading float observation: %w", err)
	}
	if entry == nil {
		return s.float.Level(), nil
	}
	if _, seen := s.float.Snapshot(); !entry.CreatedAt.After(seen) {
		return s.float.Level(), nil
	}
	prev, next := s.float.Observe(entry.BalanceAfter, entry.CreatedAt)
	if prev != next {
		s.logger.Info("float level refreshed from ledger",
			"from", prev,
			"to", next,
			"balance", entry.BalanceAfter.String(),
			"observed_at", entry.CreatedAt,
		)
	}
	return next, nil
}

func (s *Service) raiseFloatAlert(ctx context.Context, prev, next FloatLevel, balance money.Money) {
	if prev == next {
		return
	}
	a := Alert{
		Fields: map[string]any{
			"balance":  balance.String(),
			"previous": prev.String(),
			"level":    next.String(),
		},
	}
	switch {
	case next == FloatCritical:
		a.Kind, a.Severity = AlertFloatCritical, SeverityCritical
		a.Message = "airtime float critical; new purchases are refused"
	case next == FloatLow && prev == FloatNormal:
		a.Kind, a.Severity = AlertFloatLow, SeverityWarning
		a.Message = "airtime float low; top up soon"
	case next == FloatLow:
		a.Kind, a.Severity = AlertFloatRecovered, SeverityInfo
		a.Message = "airtime float above critical; purchases resumed"
	default:
		a.Kind, a.Severity = AlertFloatRecovered, SeverityInfo
		a.Message = "airtime float back to normal"
	}
	s.alert(ctx, a)
}

// RecordFloatCredit appends a top-up to the float ledger.
func (s *Service) RecordFloatCredit(ctx context.Context, amount money.Money, description, reference string) (*FloatLedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: credit must be positive", ErrInvalidAmount)
	}
	if amount.Currency != s.cfg.Currency {
		return nil, fmt.Errorf("%w: currency %q, expected %q", ErrInvalidAmount, amount.Currency, s.cfg.Currency)
	}
	entry, err := s.appendFloat(ctx, FloatCredit, amount, description, reference)
	if err != nil {
		return nil, err
	}
	s.logger.Info("float credited",
		"amount", amount.String(),
		"balance", entry.BalanceAfter.String(),
		"reference", reference,
	)
	return entry, nil
}

// debitFloat records a delivered transaction against the float.
func (s *Service) debitFloat(ctx context.Context, txn *Transaction) {
	if _, err := s.appendFloat(ctx, FloatDebit, txn.Amount, "airtime disbursement", txn.ID); err != nil {
		s.logger.Error("recording float debit", "error", err, "transaction_id", txn.ID)
	}
}

// appendFloat chains a movement after the last one. The first movement is
// anchored on the last observed balance, or zero before any observation.
func (s *Service) appendFloat(ctx context.Context, typ FloatEntryType, amount money.Money, description, reference string) (*FloatLedgerEntry, error) {
	entry, err := s.store.AppendFloatMovement(ctx, func(last *FloatLedgerEntry) (*FloatLedgerEntry, error) {
		before := money.Zero(amount.Currency)
		if last != nil {
			before = last.BalanceAfter
		} else if observed, at := s.float.Snapshot(); !at.IsZero() {
			before = observed
		}

		var after money.Money
		var err error
		if typ == FloatDebit {
			after, err = before.Sub(amount)
		} else {
			after, err = before.Add(amount)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
		}

		return &FloatLedgerEntry{
			ID:            ulid.Make().String(),
			Type:          typ,
			Amount:        amount,
			BalanceBefore: before,
			BalanceAfter:  after,
			Description:   description,
			Reference:     reference,
			CreatedAt:     s.now(),
		}, nil
	})
	if errors.Is(err, ErrIntegrity) {
		s.alert(ctx, Alert{
			Kind:     AlertIntegrity,
			Severity: SeverityCritical,
			Message:  "float ledger integrity violation",
			Fields: map[string]any{
				"error":     err.Error(),
				"type":      string(typ),
				"reference": reference,
			},
		})
	}
	if err != nil {
		return nil, fmt.Errorf("appending float %s: %w", typ, err)
	}
	return entry, nil
}
