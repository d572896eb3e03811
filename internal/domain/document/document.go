// Package document models the cart/order aggregate the tax engine prices.
// The engine only reads these entities and returns new values for the caller
// to persist; stored prices on lines and shipping are the previous
// computation's output, retained so partial failures can fall back to them.
package document

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/merchkit/tax-engine/internal/domain/money"
)

// Document-level validation errors. These are the only errors that should
// surface to an end user unmodified.
var (
	ErrNoLines           = errors.New("document has no lines")
	ErrNoShippingAddress = errors.New("shipping address required")
	ErrNoShippingMethod  = errors.New("shipping method required")
	ErrNegativeDiscount  = errors.New("discount must not be negative")
)

// State tracks whether a document's stored prices reflect its current inputs.
type State string

const (
	// StateFresh means stored prices match current inputs.
	StateFresh State = "fresh"
	// StateStale means an input changed since the last recalculation.
	StateStale State = "stale"
)

// Address is a shipping destination. The country and postal code participate
// in tax resolution; the rest is carried for external providers.
type Address struct {
	Line1      string
	City       string
	Region     string
	PostalCode string
	Country    string
}

// Line is a single priced position in a document.
type Line struct {
	ID       string
	SKU      string
	Quantity int

	// BaseUnitPrice is the unit price as entered, gross-inclusive or
	// net-exclusive depending on Document.PricesEnteredWithTax.
	BaseUnitPrice money.Money

	// ChargeTaxes is false for lines whose product is flagged tax-exempt;
	// such lines are skipped when building external provider requests.
	ChargeTaxes bool

	// Tax class references, most specific first. Empty means absent.
	TaxClassOverrideID    string
	ProductTaxClassID     string
	ProductTypeTaxClassID string

	// Previously computed prices, retained when a recalculation for this
	// line fails.
	StoredTotal money.TaxedAmount
	StoredUnit  money.TaxedAmount
	StoredRate  decimal.Decimal
}

// BaseTotal returns quantity * base unit price, unrounded.
func (l *Line) BaseTotal() money.Money {
	return l.BaseUnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Shipping is the chosen shipping method and its prices.
type Shipping struct {
	MethodID    string
	Name        string
	BasePrice   money.Money
	ChargeTaxes bool

	// StoredPrice is the previously computed shipping price.
	StoredPrice money.TaxedAmount
}

// Document is a cart or order snapshot handed to the engine by its owner.
type Document struct {
	Token    string
	Currency string
	Country  string

	// Lines in natural (creation) order. Proration depends on this order
	// being stable across calls for the same document.
	Lines []Line

	Shipping         *Shipping
	ShippingRequired bool
	ShippingAddress  *Address

	// Discount is the aggregate discount (voucher, manual reduction or
	// promotion) to prorate across lines. DiscountTargetsShipping routes
	// it to the shipping price instead.
	Discount                money.Money
	DiscountTargetsShipping bool

	// PricesEnteredWithTax flips whether base prices are gross-inclusive
	// (net derived by dividing out the rate) or net-exclusive.
	PricesEnteredWithTax bool

	State State

	// PricedAt is the time of the last successful recalculation.
	PricedAt time.Time

	// StoredTotal and StoredUndiscountedTotal are the previous aggregate
	// results, retained when the total computation proper fails.
	StoredTotal             money.TaxedAmount
	StoredUndiscountedTotal money.TaxedAmount
}

// Line returns the line with the given ID, or nil.
func (d *Document) Line(id string) *Line {
	for i := range d.Lines {
		if d.Lines[i].ID == id {
			return &d.Lines[i]
		}
	}
	return nil
}

// ResolutionCountry returns the country tax rates are resolved for: the
// shipping destination when set, otherwise the document's own country.
func (d *Document) ResolutionCountry() string {
	if d.ShippingAddress != nil && d.ShippingAddress.Country != "" {
		return d.ShippingAddress.Country
	}
	return d.Country
}

// ResolutionPostalCode returns the postal code that refines the country
// default rate, or empty when no shipping address is set.
func (d *Document) ResolutionPostalCode() string {
	if d.ShippingAddress != nil {
		return d.ShippingAddress.PostalCode
	}
	return ""
}

// Validate checks the document against the predicate shared by all tax
// strategies. shippingDependent is true for questions that involve the
// shipping choice (shipping price, grand total).
func (d *Document) Validate(shippingDependent bool) error {
	if len(d.Lines) == 0 {
		return ErrNoLines
	}
	if d.Discount.IsNegative() {
		return ErrNegativeDiscount
	}
	if shippingDependent && d.ShippingRequired {
		if d.ShippingAddress == nil {
			return ErrNoShippingAddress
		}
		if d.Shipping == nil {
			return ErrNoShippingMethod
		}
	}
	return nil
}

// IsValidationError reports whether err belongs to the document validation
// class, the only error class shown to end users.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrNoLines) ||
		errors.Is(err, ErrNoShippingAddress) ||
		errors.Is(err, ErrNoShippingMethod) ||
		errors.Is(err, ErrNegativeDiscount)
}

// MarkStale flags stored prices as out of date.
func (d *Document) MarkStale() {
	d.State = StateStale
}

// MarkFresh records a completed recalculation at the given time.
func (d *Document) MarkFresh(now time.Time) {
	d.State = StateFresh
	d.PricedAt = now
}

// NeedsRecalculation reports whether stored prices must be recomputed:
// either an input changed (stale) or the freshness TTL elapsed.
func (d *Document) NeedsRecalculation(now time.Time, freshFor time.Duration) bool {
	if d.State != StateFresh {
		return true
	}
	if freshFor <= 0 {
		return false
	}
	return now.Sub(d.PricedAt) > freshFor
}
