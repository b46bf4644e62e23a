package purchase

import (
	"errors"
	"testing"
	"time"

	"airtimebridge/internal/common/money"
)

func TestStateGraph(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateInitiated, StatePendingPayment},
		{StateInitiated, StatePaymentFailed},
		{StatePendingPayment, StatePaymentSuccess},
		{StatePendingPayment, StateReconciliation},
		{StateReconciliation, StatePaymentFailed},
		{StatePaymentSuccess, StateProcessing},
		{StateProcessing, StateCompleted},
		{StateProcessing, StateHealing},
		{StateHealing, StateProcessing},
		{StateHealing, StateFailedPermanent},
	}
	for _, tt := range legal {
		if !tt.from.CanTransitionTo(tt.to) {
			t.Errorf("%s -> %s should be legal", tt.from, tt.to)
		}
	}

	illegal := []struct{ from, to State }{
		{StateInitiated, StateCompleted},
		{StatePendingPayment, StateProcessing},
		{StatePaymentFailed, StatePaymentSuccess},
		{StateCompleted, StateHealing},
		{StateFailedPermanent, StateProcessing},
		{StateHealing, StateCompleted},
		{StateReconciliation, StatePendingPayment},
	}
	for _, tt := range illegal {
		if tt.from.CanTransitionTo(tt.to) {
			t.Errorf("%s -> %s should be illegal", tt.from, tt.to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, st := range []State{StateCompleted, StatePaymentFailed, StateFailedPermanent} {
		if !st.IsTerminal() {
			t.Errorf("%s should be terminal", st)
		}
	}
	for _, st := range NonTerminalStates() {
		if st.IsTerminal() {
			t.Errorf("NonTerminalStates returned terminal %s", st)
		}
	}
	if got := len(NonTerminalStates()); got != 6 {
		t.Errorf("len(NonTerminalStates()) = %d, want 6", got)
	}
}

func TestExpiryTarget(t *testing.T) {
	tests := map[State]State{
		StateInitiated:      StatePaymentFailed,
		StatePendingPayment: StatePaymentFailed,
		StateReconciliation: StatePaymentFailed,
		StatePaymentSuccess: StateFailedPermanent,
		StateProcessing:     StateFailedPermanent,
		StateHealing:        StateFailedPermanent,
	}
	for from, want := range tests {
		got := from.expiryTarget()
		if got != want {
			t.Errorf("%s.expiryTarget() = %s, want %s", from, got, want)
		}
		if !from.CanTransitionTo(got) {
			t.Errorf("expiry edge %s -> %s is not in the graph", from, got)
		}
	}
}

func TestParseState(t *testing.T) {
	st, err := ParseState("HEALING")
	if err != nil || st != StateHealing {
		t.Fatalf("ParseState(HEALING) = %q, %v", st, err)
	}
	if _, err := ParseState("healing"); err == nil {
		t.Error("ParseState should be case sensitive")
	}
}

func TestClassifyResultCode(t *testing.T) {
	tests := []struct {
		code string
		want ResultClass
	}{
		{"0", ResultSuccess},
		{" 0 ", ResultSuccess},
		{"1032", ResultFailure},
		{"1", ResultFailure},
		{"2001", ResultFailure},
		{"1037", ResultAmbiguous},
		{ResultCodeProcessing, ResultAmbiguous},
		{"424242", ResultAmbiguous},
		{"", ResultAmbiguous},
	}
	for _, tt := range tests {
		if got := ClassifyResultCode(tt.code); got != tt.want {
			t.Errorf("ClassifyResultCode(%q) = %s, want %s", tt.code, got, tt.want)
		}
	}
	if got := DescribeResultCode("1032"); got != "cancelled by user" {
		t.Errorf("DescribeResultCode(1032) = %q", got)
	}
}

func TestNormalizePhone(t *testing.T) {
	valid := map[string]string{
		"0712345678":       "254712345678",
		"712345678":        "254712345678",
		"254712345678":     "254712345678",
		"+254712345678":    "254712345678",
		"+254 712-345-678": "254712345678",
		"0112345678":       "254112345678",
	}
	for in, want := range valid {
		got, err := NormalizePhone(in)
		if err != nil {
			t.Errorf("NormalizePhone(%q) error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}

	for _, in := range []string{"", "0812345678", "25571234567", "07123abc78", "12345", "+1 415 555 0100"} {
		if _, err := NormalizePhone(in); !errors.Is(err, ErrInvalidPhone) {
			t.Errorf("NormalizePhone(%q) error = %v, want ErrInvalidPhone", in, err)
		}
	}
}

func TestFloatMonitorHysteresis(t *testing.T) {
	m := NewFloatMonitor(FloatThresholds{
		Low:        money.FromMajor(5000, money.KES),
		Critical:   money.FromMajor(1000, money.KES),
		Hysteresis: money.FromMajor(500, money.KES),
	})
	at := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

	steps := []struct {
		balance int64
		want    FloatLevel
	}{
		{8000, FloatNormal},
		{5000, FloatLow},
		{5400, FloatLow},
		{5600, FloatNormal},
		{1000, FloatCritical},
		{1400, FloatCritical},
		{1600, FloatLow},
		{900, FloatCritical},
		{6000, FloatNormal},
	}
	for i, s := range steps {
		_, got := m.Observe(money.FromMajor(s.balance, money.KES), at.Add(time.Duration(i)*time.Minute))
		if got != s.want {
			t.Fatalf("step %d: balance %d -> %s, want %s", i, s.balance, got, s.want)
		}
		if open := m.AdmissionOpen(); open != (s.want != FloatCritical) {
			t.Fatalf("step %d: AdmissionOpen() = %v at %s", i, open, got)
		}
	}

	balance, observedAt := m.Snapshot()
	if !balance.Equal(money.FromMajor(6000, money.KES)) || observedAt.IsZero() {
		t.Errorf("Snapshot() = %s at %s", balance, observedAt)
	}
}

func TestFloatEntryValidate(t *testing.T) {
	kes := func(major int64) money.Money { return money.FromMajor(major, money.KES) }

	prev := &FloatLedgerEntry{ID: "a", Type: FloatCredit, Amount: kes(100), BalanceBefore: kes(0), BalanceAfter: kes(100)}
	if err := prev.Validate(nil); err != nil {
		t.Fatalf("first credit: %v", err)
	}

	debit := &FloatLedgerEntry{ID: "b", Type: FloatDebit, Amount: kes(30), BalanceBefore: kes(100), BalanceAfter: kes(70)}
	if err := debit.Validate(prev); err != nil {
		t.Fatalf("chained debit: %v", err)
	}

	broken := &FloatLedgerEntry{ID: "c", Type: FloatDebit, Amount: kes(30), BalanceBefore: kes(90), BalanceAfter: kes(60)}
	if err := broken.Validate(prev); !errors.Is(err, ErrIntegrity) {
		t.Errorf("broken chain error = %v, want ErrIntegrity", err)
	}

	bad := &FloatLedgerEntry{ID: "d", Type: FloatCredit, Amount: kes(10), BalanceBefore: kes(100), BalanceAfter: kes(120)}
	if err := bad.Validate(prev); !errors.Is(err, ErrIntegrity) {
		t.Errorf("bad arithmetic error = %v, want ErrIntegrity", err)
	}

	pull := &FloatLedgerEntry{ID: "e", Type: FloatPull, Amount: kes(0), BalanceBefore: kes(500), BalanceAfter: kes(500)}
	if err := pull.Validate(prev); err != nil {
		t.Errorf("pull: %v", err)
	}
	if pull.IsMovement() {
		t.Error("pull should not be a movement")
	}
}
