package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"airtimebridge/internal/common/money"
	"airtimebridge/internal/purchase"
)

func kes(major int64) money.Money { return money.FromMajor(major, money.KES) }

// chain returns a builder that continues from the last movement.
func chain(id string, typ purchase.FloatEntryType, amount money.Money) func(*purchase.FloatLedgerEntry) (*purchase.FloatLedgerEntry, error) {
	return func(last *purchase.FloatLedgerEntry) (*purchase.FloatLedgerEntry, error) {
		before := kes(0)
		if last != nil {
			before = last.BalanceAfter
		}
		after, _ := before.Add(amount)
		if typ == purchase.FloatDebit {
			after, _ = before.Sub(amount)
		}
		return &purchase.FloatLedgerEntry{
			ID: id, Type: typ, Amount: amount,
			BalanceBefore: before, BalanceAfter: after,
			CreatedAt: t0,
		}, nil
	}
}

func TestFloatChain(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	last, err := s.LastFloatMovement(ctx)
	if err != nil || last != nil {
		t.Fatalf("empty ledger last movement = %v, %v", last, err)
	}

	if _, err := s.AppendFloatMovement(ctx, chain("F1", purchase.FloatCredit, kes(10000))); err != nil {
		t.Fatalf("credit: %v", err)
	}
	err = s.RecordFloatObservation(ctx, &purchase.FloatLedgerEntry{
		ID: "P1", Type: purchase.FloatPull, Amount: kes(0),
		BalanceBefore: kes(9990), BalanceAfter: kes(9990), CreatedAt: t0.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("observation: %v", err)
	}
	debit, err := s.AppendFloatMovement(ctx, chain("F2", purchase.FloatDebit, kes(250)))
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if !debit.BalanceBefore.Equal(kes(10000)) || !debit.BalanceAfter.Equal(kes(9750)) {
		t.Errorf("debit chained %s -> %s, want 10000 -> 9750 (pulls are not in the chain)",
			debit.BalanceBefore, debit.BalanceAfter)
	}
	if debit.Seq == 0 {
		t.Error("seq not assigned")
	}

	last, err = s.LastFloatMovement(ctx)
	if err != nil || last == nil || last.ID != "F2" {
		t.Fatalf("last movement = %+v, %v", last, err)
	}
	obs, err := s.LatestFloatObservation(ctx)
	if err != nil || obs == nil || obs.ID != "P1" {
		t.Fatalf("latest observation = %+v, %v", obs, err)
	}

	entries, err := s.ListFloatEntries(ctx, 0)
	if err != nil {
		t.Fatalf("ListFloatEntries: %v", err)
	}
	if len(entries) != 3 || entries[0].ID != "F2" || entries[2].ID != "F1" {
		t.Errorf("entries out of order: %d entries", len(entries))
	}
}

func TestFloatChainRejectsBrokenLink(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	if _, err := s.AppendFloatMovement(ctx, chain("F1", purchase.FloatCredit, kes(500))); err != nil {
		t.Fatalf("credit: %v", err)
	}

	_, err := s.AppendFloatMovement(ctx, func(*purchase.FloatLedgerEntry) (*purchase.FloatLedgerEntry, error) {
		return &purchase.FloatLedgerEntry{
			ID: "F2", Type: purchase.FloatDebit, Amount: kes(100),
			BalanceBefore: kes(400), BalanceAfter: kes(300), CreatedAt: t0,
		}, nil
	})
	if !errors.Is(err, purchase.ErrIntegrity) {
		t.Fatalf("broken link error = %v, want ErrIntegrity", err)
	}

	_, err = s.AppendFloatMovement(ctx, func(*purchase.FloatLedgerEntry) (*purchase.FloatLedgerEntry, error) {
		return &purchase.FloatLedgerEntry{
			ID: "F3", Type: purchase.FloatPull, Amount: kes(0),
			BalanceBefore: kes(500), BalanceAfter: kes(500), CreatedAt: t0,
		}, nil
	})
	if !errors.Is(err, purchase.ErrIntegrity) {
		t.Fatalf("pull through the movement path error = %v, want ErrIntegrity", err)
	}

	entries, err := s.ListFloatEntries(ctx, 10)
	if err != nil {
		t.Fatalf("ListFloatEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("rejected entries were written: %d entries", len(entries))
	}
}
