package money

import "testing"

func TestParseMajor(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		cur     Currency
		want    int64
		wantErr bool
	}{
		{name: "whole", in: "100", cur: KES, want: 10000},
		{name: "decimals", in: "1234.50", cur: KES, want: 123450},
		{name: "thousands separator", in: "25,000.5", cur: KES, want: 2500050},
		{name: "currency prefix", in: "KES 10.25", cur: KES, want: 1025},
		{name: "lowercase prefix", in: "kes 10", cur: KES, want: 1000},
		{name: "zero minor units", in: "5000", cur: UGX, want: 5000},
		{name: "prefix mismatch", in: "UGX 10", cur: KES, wantErr: true},
		{name: "too many decimals", in: "1.005", cur: KES, wantErr: true},
		{name: "fraction on zero-decimal currency", in: "10.5", cur: UGX, wantErr: true},
		{name: "garbage", in: "ten", cur: KES, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMajor(tt.in, tt.cur)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseMajor(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMajor(%q) error: %v", tt.in, err)
			}
			if got.AmountMinor != tt.want || got.Currency != tt.cur {
				t.Errorf("ParseMajor(%q) = %d %s, want %d %s", tt.in, got.AmountMinor, got.Currency, tt.want, tt.cur)
			}
		})
	}
}

func TestFromMajorAndFormatting(t *testing.T) {
	m := FromMajor(50, KES)
	if m.AmountMinor != 5000 {
		t.Fatalf("FromMajor(50, KES) = %d minor, want 5000", m.AmountMinor)
	}
	if got := m.MajorString(); got != "50.00" {
		t.Errorf("MajorString() = %q, want 50.00", got)
	}
	if got := m.String(); got != "KES 50.00" {
		t.Errorf("String() = %q, want KES 50.00", got)
	}
	if !m.IsWholeMajor() {
		t.Error("50.00 should be a whole major amount")
	}
	if New(5050, KES).IsWholeMajor() {
		t.Error("50.50 should not be a whole major amount")
	}
	if got := FromMajor(300, UGX).MajorString(); got != "300" {
		t.Errorf("UGX MajorString() = %q, want 300", got)
	}
}

func TestArithmeticRejectsCurrencyMismatch(t *testing.T) {
	if _, err := New(100, KES).Add(New(100, UGX)); err == nil {
		t.Error("Add across currencies should fail")
	}
	if _, err := New(100, KES).Sub(New(100, UGX)); err == nil {
		t.Error("Sub across currencies should fail")
	}
	if New(200, KES).GreaterThan(New(100, UGX)) {
		t.Error("GreaterThan across currencies should be false")
	}

	diff, err := New(100, KES).Sub(New(250, KES))
	if err != nil {
		t.Fatalf("Sub: %v", err)
	}
	if diff.AmountMinor != -150 {
		t.Errorf("Sub = %d, want -150", diff.AmountMinor)
	}
}
