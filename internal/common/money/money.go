package money

import (
	"encoding/json"
	"fmt"
	"math"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	NGN Currency = "NGN"
	USD Currency = "USD"
	GHS Currency = "GHS"
	KES Currency = "KES"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code        Currency
	MinorUnits  int // Number of decimal places
	Symbol      string
	SymbolFirst bool
}

var currencies = map[Currency]CurrencyInfo{
	NGN: {Code: NGN, MinorUnits: 2, Symbol: "₦", SymbolFirst: true},
	USD: {Code: USD, MinorUnits: 2, Symbol: "$", SymbolFirst: true},
	GHS: {Code: GHS, MinorUnits: 2, Symbol: "GH₵", SymbolFirst: true},
	KES: {Code: KES, MinorUnits: 2, Symbol: "KSh", SymbolFirst: true},
}

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

// IsSupported reports whether the platform accepts payments in c.
func IsSupported(c Currency) bool {
	_, ok := currencies[c]
	return ok
}

// Money represents a monetary amount in minor units (kobo, cents, etc.)
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a new Money value from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{
		AmountMinor: amountMinor,
		Currency:    currency,
	}
}

// NewFromMajor creates Money from major units (e.g., naira)
func NewFromMajor(amountMajor float64, currency Currency) Money {
	info, ok := currencies[currency]
	if !ok {
		info = CurrencyInfo{MinorUnits: 2}
	}
	multiplier := math.Pow(10, float64(info.MinorUnits))
	return Money{
		AmountMinor: int64(math.Round(amountMajor * multiplier)),
		Currency:    currency,
	}
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

// Add adds two money values (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{
		AmountMinor: m.AmountMinor + other.AmountMinor,
		Currency:    m.Currency,
	}, nil
}

// Sub subtracts two money values (must be same currency)
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{
		AmountMinor: m.AmountMinor - other.AmountMinor,
		Currency:    m.Currency,
	}, nil
}

// Compare returns -1, 0, or 1
func (m Money) Compare(other Money) (int, error) {
	if m.Currency != other.Currency {
		return 0, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	if m.AmountMinor < other.AmountMinor {
		return -1, nil
	}
	if m.AmountMinor > other.AmountMinor {
		return 1, nil
	}
	return 0, nil
}

// Equal checks equality
func (m Money) Equal(other Money) bool {
	return m.AmountMinor == other.AmountMinor && m.Currency == other.Currency
}

// ToMajor converts to major units as float
func (m Money) ToMajor() float64 {
	info, ok := currencies[m.Currency]
	if !ok {
		info = CurrencyInfo{MinorUnits: 2}
	}
	divisor := math.Pow(10, float64(info.MinorUnits))
	return float64(m.AmountMinor) / divisor
}

// String returns a human-readable representation
func (m Money) String() string {
	info, ok := currencies[m.Currency]
	if !ok {
		return fmt.Sprintf("%d %s (minor)", m.AmountMinor, m.Currency)
	}
	major := m.ToMajor()
	format := fmt.Sprintf("%%.%df", info.MinorUnits)
	if info.SymbolFirst {
		return fmt.Sprintf("%s"+format, info.Symbol, major)
	}
	return fmt.Sprintf(format+"%s", major, info.Symbol)
}

// MarshalJSON implements json.Marshaler
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		AmountMinor int64  `json:"amount_minor"`
		Currency    string `json:"currency"`
	}{
		AmountMinor: m.AmountMinor,
		Currency:    string(m.Currency),
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Money) UnmarshalJSON(data []byte) error {
	var v struct {
		AmountMinor int64  `json:"amount_minor"`
		Currency    string `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	m.AmountMinor = v.AmountMinor
	m.Currency = Currency(v.Currency)
	return nil
}
