// Package money provides the decimal-backed monetary value types the pricing
// engine operates on. All arithmetic is exact decimal arithmetic; amounts are
// quantized to the currency's minor unit only at the point they leave a
// computation, never mid-computation.
package money

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrCurrencyMismatch is returned when two amounts in different currencies
// are combined.
var ErrCurrencyMismatch = errors.New("currency mismatch")

// minorUnits maps ISO 4217 currency codes to their minor-unit precision.
// Currencies not listed here use two digits.
var minorUnits = map[string]int32{
	"BHD": 3,
	"IQD": 3,
	"JOD": 3,
	"JPY": 0,
	"KRW": 0,
	"KWD": 3,
	"OMR": 3,
	"TND": 3,
	"VND": 0,
}

// Precision returns the number of minor-unit digits for a currency code.
func Precision(currency string) int32 {
	if p, ok := minorUnits[currency]; ok {
		return p
	}
	return 2
}

// Money is an exact monetary amount in a single currency.
type Money struct {
	Amount   decimal.Decimal
	Currency string
}

// New creates a Money value. The amount is kept at full precision; call
// Round before persisting or returning it to a caller.
func New(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: currency}
}

// Zero returns a zero amount in the given currency.
func Zero(currency string) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

// Round quantizes the amount to the currency's minor unit, rounding half up.
func (m Money) Round() Money {
	return Money{Amount: m.Amount.Round(Precision(m.Currency)), Currency: m.Currency}
}

// Add returns m + o. The currencies must match.
func (m Money) Add(o Money) (Money, error) {
	if m.Currency != o.Currency {
		return Money{}, errors.Wrapf(ErrCurrencyMismatch, "%s + %s", m.Currency, o.Currency)
	}
	return Money{Amount: m.Amount.Add(o.Amount), Currency: m.Currency}, nil
}

// Sub returns m - o. The currencies must match.
func (m Money) Sub(o Money) (Money, error) {
	if m.Currency != o.Currency {
		return Money{}, errors.Wrapf(ErrCurrencyMismatch, "%s - %s", m.Currency, o.Currency)
	}
	return Money{Amount: m.Amount.Sub(o.Amount), Currency: m.Currency}, nil
}

// Mul returns m scaled by the given factor, unrounded.
func (m Money) Mul(factor decimal.Decimal) Money {
	return Money{Amount: m.Amount.Mul(factor), Currency: m.Currency}
}

// Div returns m divided by the given divisor, unrounded.
func (m Money) Div(divisor decimal.Decimal) Money {
	return Money{Amount: m.Amount.Div(divisor), Currency: m.Currency}
}

// FloorAtZero clamps negative amounts to zero.
func (m Money) FloorAtZero() Money {
	if m.Amount.IsNegative() {
		return Zero(m.Currency)
	}
	return m
}

// IsNegative reports whether the amount is below zero.
func (m Money) IsNegative() bool { return m.Amount.IsNegative() }

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool { return m.Amount.IsZero() }

// Equal reports whether both amount and currency match.
func (m Money) Equal(o Money) bool {
	return m.Currency == o.Currency && m.Amount.Equal(o.Amount)
}

// String renders the amount with its currency code, e.g. "19.99 USD".
func (m Money) String() string {
	return m.Amount.String() + " " + m.Currency
}
