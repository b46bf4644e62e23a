// Package money holds the minor-unit Money type used for purchase amounts and
// the aggregator float.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	KES Currency = "KES"
	UGX Currency = "UGX"
	TZS Currency = "TZS"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code       Currency
	MinorUnits int32
}

var currencies = map[Currency]CurrencyInfo{
	KES: {Code: KES, MinorUnits: 2},
	UGX: {Code: UGX, MinorUnits: 0},
	TZS: {Code: TZS, MinorUnits: 2},
}

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

func minorUnits(c Currency) int32 {
	if info, ok := currencies[c]; ok {
		return info.MinorUnits
	}
	return 2
}

// Money represents a monetary amount in minor units (cents)
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a new Money value from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{AmountMinor: amountMinor, Currency: currency}
}

// FromMajor creates Money from a whole number of major units (shillings).
func FromMajor(amountMajor int64, currency Currency) Money {
	return Money{
		AmountMinor: decimal.NewFromInt(amountMajor).Shift(minorUnits(currency)).IntPart(),
		Currency:    currency,
	}
}

// ParseMajor parses a provider amount string such as "1,234.50" or
// "KES 1234.5" into minor units. A leading currency code must match currency.
func ParseMajor(s string, currency Currency) (Money, error) {
	raw := strings.TrimSpace(s)
	if fields := strings.Fields(raw); len(fields) == 2 {
		if Currency(strings.ToUpper(fields[0])) != currency {
			return Money{}, fmt.Errorf("currency mismatch: %s vs %s", fields[0], currency)
		}
		raw = fields[1]
	}
	raw = strings.ReplaceAll(raw, ",", "")

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return Money{}, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	minor := d.Shift(minorUnits(currency))
	if !minor.Equal(minor.Truncate(0)) {
		return Money{}, fmt.Errorf("amount %q has more than %d decimal places", s, minorUnits(currency))
	}
	return Money{AmountMinor: minor.IntPart(), Currency: currency}, nil
}

// Zero returns a zero amount for a currency
func Zero(currency Currency) Money {
	return Money{AmountMinor: 0, Currency: currency}
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// IsWholeMajor reports whether the amount has no fractional major part.
func (m Money) IsWholeMajor() bool {
	return m.Major().Equal(m.Major().Truncate(0))
}

// Add adds two money values (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor + other.AmountMinor, Currency: m.Currency}, nil
}

// Sub subtracts two money values (must be same currency)
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor - other.AmountMinor, Currency: m.Currency}, nil
}

// Compare returns -1, 0, or 1
func (m Money) Compare(other Money) (int, error) {
	if m.Currency != other.Currency {
		return 0, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	switch {
	case m.AmountMinor < other.AmountMinor:
		return -1, nil
	case m.AmountMinor > other.AmountMinor:
		return 1, nil
	}
	return 0, nil
}

// Equal checks equality
func (m Money) Equal(other Money) bool {
	return m.AmountMinor == other.AmountMinor && m.Currency == other.Currency
}

// GreaterThan checks if m > other
func (m Money) GreaterThan(other Money) bool {
	cmp, err := m.Compare(other)
	return err == nil && cmp > 0
}

// LessThan checks if m < other
func (m Money) LessThan(other Money) bool {
	cmp, err := m.Compare(other)
	return err == nil && cmp < 0
}

// Major returns the amount in major units.
func (m Money) Major() decimal.Decimal {
	return decimal.NewFromInt(m.AmountMinor).Shift(-minorUnits(m.Currency))
}

// MajorString formats the amount in major units with the currency's decimals.
func (m Money) MajorString() string {
	return m.Major().StringFixed(minorUnits(m.Currency))
}

// String returns a human-readable representation
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Currency, m.MajorString())
}
