package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"airtimebridge/internal/ledger/store"
	"airtimebridge/internal/purchase"
	"airtimebridge/internal/testutil"
)

func TestUserViewIsolation(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewLedger(t)
	s := store.New(db)
	view := store.NewUserView(db)

	failed := makeTxn("A3", "alice", t0.Add(2*time.Minute))
	failed.State = purchase.StatePaymentFailed
	seed(t, s,
		makeTxn("A1", "alice", t0),
		makeTxn("A2", "alice", t0.Add(time.Minute)),
		failed,
		makeTxn("B1", "bob", t0),
	)

	if _, err := view.Get(ctx, "alice", "A1"); err != nil {
		t.Fatalf("own transaction: %v", err)
	}
	if _, err := view.Get(ctx, "bob", "A1"); !errors.Is(err, purchase.ErrNotFound) {
		t.Fatalf("other user's transaction error = %v, want ErrNotFound", err)
	}

	txns, total, err := view.List(ctx, "alice", store.ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(txns) != 3 {
		t.Fatalf("alice sees %d of %d, want 3 of 3", len(txns), total)
	}
	if txns[0].ID != "A3" || txns[2].ID != "A1" {
		t.Errorf("order = %v, want newest first", ids(txns))
	}

	state := purchase.StatePaymentFailed
	txns, total, err = view.List(ctx, "alice", store.ListFilter{State: &state})
	if err != nil {
		t.Fatalf("List by state: %v", err)
	}
	if total != 1 || len(txns) != 1 || txns[0].ID != "A3" {
		t.Errorf("failed filter = %v (total %d)", ids(txns), total)
	}

	txns, total, err = view.List(ctx, "alice", store.ListFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List page: %v", err)
	}
	if total != 3 || len(txns) != 1 || txns[0].ID != "A2" {
		t.Errorf("page = %v (total %d), want [A2] of 3", ids(txns), total)
	}

	txns, _, err = view.List(ctx, "alice", store.ListFilter{Since: t0.Add(time.Minute)})
	if err != nil {
		t.Fatalf("List since: %v", err)
	}
	if len(txns) != 2 {
		t.Errorf("since filter = %v, want 2 rows", ids(txns))
	}

	txns, total, err = view.List(ctx, "carol", store.ListFilter{})
	if err != nil || total != 0 || len(txns) != 0 {
		t.Errorf("carol = %v, %d, %v", ids(txns), total, err)
	}
}
