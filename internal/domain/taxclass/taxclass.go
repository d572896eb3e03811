// Package taxclass models the named tax policies the flat-rate resolver
// walks when deriving an effective rate for a line or shipment.
package taxclass

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a referenced tax class does not exist.
var ErrNotFound = errors.New("tax class not found")

// Class is a named tax policy: an optional default rate plus per-country
// overrides. Rates are fractions in [0, 1], e.g. 0.19 for 19% VAT.
type Class struct {
	ID   string
	Name string

	// DefaultRate applies when no country-specific rate exists. Nil means
	// the class defines no fallback and resolution falls through to the
	// next link in the chain.
	DefaultRate *decimal.Decimal

	CountryRates map[string]decimal.Decimal
}

// RateFor returns the class's rate for a country and whether one is defined.
// A class with neither a country entry nor a default rate reports false so
// the resolver falls through to the next link, not to zero.
func (c *Class) RateFor(country string) (decimal.Decimal, bool) {
	if c == nil {
		return decimal.Zero, false
	}
	if rate, ok := c.CountryRates[country]; ok {
		return rate, true
	}
	if c.DefaultRate != nil {
		return *c.DefaultRate, true
	}
	return decimal.Zero, false
}

// Repository resolves tax classes by ID.
type Repository interface {
	Resolve(ctx context.Context, id string) (*Class, error)
}

// CountryRateTable is the global default rate table, the second-to-last
// link in the resolution chain. Postal-code entries refine the per-country
// defaults for jurisdictions where the rate varies within a country.
type CountryRateTable interface {
	Default(ctx context.Context, country string) (decimal.Decimal, error)

	// PostalRate returns the rate for a (country, postal code) pair,
	// falling back to the country default when no postal entry exists.
	PostalRate(ctx context.Context, country, postalCode string) (decimal.Decimal, error)
}
