// Package flatrate implements the table-driven tax strategy: an effective
// percentage is resolved from the tax-class hierarchy and applied directly,
// with no network call. It is the universal fallback at the end of the
// strategy chain.
package flatrate

import (
	"context"

	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/merchkit/tax-engine/internal/domain/document"
	"github.com/merchkit/tax-engine/internal/domain/money"
	"github.com/merchkit/tax-engine/internal/domain/taxclass"
)

var one = decimal.NewFromInt(1)

// Resolver walks the tax-class chain for a line and returns the first
// defined rate. It never fails: broken or missing tax-class data falls back
// to the country default table, and ultimately to zero.
type Resolver struct {
	classes   taxclass.Repository
	countries taxclass.CountryRateTable
}

// NewResolver creates a Resolver over the given repositories.
func NewResolver(classes taxclass.Repository, countries taxclass.CountryRateTable) *Resolver {
	return &Resolver{classes: classes, countries: countries}
}

// LineRate resolves the effective rate for one line in the given country.
// Resolution order: line-level override, product tax class, product-type tax
// class, global default table (postal entry before country default), zero. A
// class that exists but defines no rate for the country falls through to the
// next link.
func (r *Resolver) LineRate(ctx context.Context, line *document.Line, country, postalCode string) decimal.Decimal {
	refs := []string{line.TaxClassOverrideID, line.ProductTaxClassID, line.ProductTypeTaxClassID}
	for _, id := range refs {
		if id == "" {
			continue
		}
		class, err := r.classes.Resolve(ctx, id)
		if err != nil {
			// Malformed or missing tax-class data is recovered, not
			// raised; the country default still applies.
			zctx.From(ctx).Warn("tax class resolution failed",
				zap.String("tax_class", id),
				zap.String("line", line.ID),
				zap.Error(err))
			continue
		}
		if rate, ok := class.RateFor(country); ok {
			return rate
		}
	}
	return r.DefaultRate(ctx, country, postalCode)
}

// DefaultRate returns the global default rate for a destination, or zero
// when the table has no entry or cannot be read. A postal code, when given,
// selects the ingested postal-level rate over the country default.
func (r *Resolver) DefaultRate(ctx context.Context, country, postalCode string) decimal.Decimal {
	var (
		rate decimal.Decimal
		err  error
	)
	if postalCode != "" {
		rate, err = r.countries.PostalRate(ctx, country, postalCode)
	} else {
		rate, err = r.countries.Default(ctx, country)
	}
	if err != nil {
		zctx.From(ctx).Warn("default rate lookup failed",
			zap.String("country", country),
			zap.String("postal_code", postalCode),
			zap.Error(err))
		return decimal.Zero
	}
	return rate
}

// ShippingRate resolves the rate applied to the shipping price. In weighted
// mode it is the average of the line rates weighted by each line's net base
// total, so mixed-rate carts tax shipping proportionally. Without taxable
// lines, or outside weighted mode, the country default applies.
func (r *Resolver) ShippingRate(ctx context.Context, doc *document.Document, weighted bool) decimal.Decimal {
	country := doc.ResolutionCountry()
	postal := doc.ResolutionPostalCode()
	if !weighted {
		return r.DefaultRate(ctx, country, postal)
	}

	weightTotal := decimal.Zero
	acc := decimal.Zero
	for i := range doc.Lines {
		line := &doc.Lines[i]
		if !line.ChargeTaxes {
			continue
		}
		rate := r.LineRate(ctx, line, country, postal)
		net := Apply(line.BaseTotal(), rate, doc.PricesEnteredWithTax).Net.Amount
		weightTotal = weightTotal.Add(net)
		acc = acc.Add(net.Mul(rate))
	}
	if weightTotal.IsZero() {
		return r.DefaultRate(ctx, country, postal)
	}
	return acc.Div(weightTotal)
}

// Apply derives a net/gross pair from a base price and a rate. When prices
// are entered with tax the base is the gross side and net is derived by
// dividing out the rate; otherwise the base is net and gross is derived by
// multiplying. Only the derived side is rounded; the given side is kept
// exactly as entered.
func Apply(base money.Money, rate decimal.Decimal, pricesEnteredWithTax bool) money.TaxedAmount {
	if rate.IsNegative() {
		rate = decimal.Zero
	}
	if pricesEnteredWithTax {
		net := base.Div(one.Add(rate)).Round()
		return money.TaxedAmount{Net: net, Gross: base}
	}
	gross := base.Mul(one.Add(rate)).Round()
	return money.TaxedAmount{Net: base, Gross: gross}
}
