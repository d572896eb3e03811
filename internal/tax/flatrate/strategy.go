package flatrate

import (
	"context"

	"github.com/merchkit/tax-engine/internal/domain/money"
	"github.com/merchkit/tax-engine/internal/domain/tax"
)

// Config controls optional flat-rate behaviour.
type Config struct {
	// WeightedShippingRate taxes shipping at the weighted average of the
	// line rates instead of the country default.
	WeightedShippingRate bool
}

var _ tax.Strategy = (*Strategy)(nil)

// Strategy answers pricing questions from the flat-rate tables. It is always
// enabled, serving as the universal fallback when no external provider
// produced a result.
type Strategy struct {
	resolver *Resolver
	cfg      Config
}

// NewStrategy creates a flat-rate strategy over the given resolver.
func NewStrategy(resolver *Resolver, cfg Config) *Strategy {
	return &Strategy{resolver: resolver, cfg: cfg}
}

// Name implements tax.Strategy.
func (s *Strategy) Name() string { return "flat_rate" }

// Enabled implements tax.Strategy.
func (s *Strategy) Enabled() bool { return true }

// Compute implements tax.Strategy.
func (s *Strategy) Compute(ctx context.Context, req tax.Request, previous money.TaxedAmount) (money.TaxedAmount, error) {
	if previous.IsTaxed() {
		return previous, nil
	}

	doc := req.Doc
	country := doc.ResolutionCountry()
	postal := doc.ResolutionPostalCode()

	switch req.Question {
	case tax.QuestionLineTotal, tax.QuestionLineUnit:
		if !req.Line.ChargeTaxes {
			return previous, nil
		}
		rate := s.resolver.LineRate(ctx, req.Line, country, postal)
		return Apply(req.Base(), rate, doc.PricesEnteredWithTax), nil

	case tax.QuestionShipping:
		if doc.Shipping == nil || !doc.Shipping.ChargeTaxes {
			return previous, nil
		}
		rate := s.resolver.ShippingRate(ctx, doc, s.cfg.WeightedShippingRate)
		return Apply(doc.Shipping.BasePrice, rate, doc.PricesEnteredWithTax), nil

	case tax.QuestionTotal:
		total := money.ZeroTaxed(doc.Currency)
		for i := range doc.Lines {
			line := &doc.Lines[i]
			part := money.Untaxed(line.BaseTotal())
			if line.ChargeTaxes {
				rate := s.resolver.LineRate(ctx, line, country, postal)
				part = Apply(line.BaseTotal(), rate, doc.PricesEnteredWithTax)
			}
			sum, err := total.Add(part)
			if err != nil {
				return money.TaxedAmount{}, err
			}
			total = sum
		}
		if doc.Shipping != nil {
			part := money.Untaxed(doc.Shipping.BasePrice)
			if doc.Shipping.ChargeTaxes {
				rate := s.resolver.ShippingRate(ctx, doc, s.cfg.WeightedShippingRate)
				part = Apply(doc.Shipping.BasePrice, rate, doc.PricesEnteredWithTax)
			}
			sum, err := total.Add(part)
			if err != nil {
				return money.TaxedAmount{}, err
			}
			total = sum
		}
		return total, nil
	}

	return previous, nil
}
