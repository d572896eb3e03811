package provider

import (
	"context"

	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/merchkit/tax-engine/internal/domain/document"
	"github.com/merchkit/tax-engine/internal/domain/money"
	"github.com/merchkit/tax-engine/internal/domain/tax"
)

var _ tax.Strategy = (*Strategy)(nil)

// Strategy answers pricing questions by delegating to an external tax
// provider through a memoizing Fetcher. A failed or partial provider answer
// makes the strategy defer: it returns the previous chain value unchanged so
// the flat-rate fallback can take over.
type Strategy struct {
	name    string
	fetcher Fetcher
	enabled bool
}

// NewStrategy builds a provider strategy. A disabled strategy (no endpoint
// configured) is skipped by the chain without building requests.
func NewStrategy(name string, fetcher Fetcher, enabled bool) *Strategy {
	return &Strategy{name: name, fetcher: fetcher, enabled: enabled}
}

// Name implements tax.Strategy.
func (s *Strategy) Name() string { return s.name }

// Enabled implements tax.Strategy.
func (s *Strategy) Enabled() bool { return s.enabled }

// Compute implements tax.Strategy.
func (s *Strategy) Compute(ctx context.Context, req tax.Request, previous money.TaxedAmount) (money.TaxedAmount, error) {
	if previous.IsTaxed() {
		return previous, nil
	}

	doc := req.Doc
	preq := BuildRequest(doc)
	if len(preq.Lines) == 0 {
		return previous, nil
	}

	resp := s.fetcher.GetOrFetch(ctx, doc.Token, preq)
	if resp.Failed() {
		zctx.From(ctx).Warn("provider strategy deferring after failed response",
			zap.String("provider", s.name),
			zap.String("document", doc.Token),
			zap.String("cause", resp.Err))
		return previous, nil
	}

	switch req.Question {
	case tax.QuestionLineTotal:
		return s.lineAmount(doc, req.Line, resp, previous, false), nil
	case tax.QuestionLineUnit:
		return s.lineAmount(doc, req.Line, resp, previous, true), nil
	case tax.QuestionShipping:
		rl, ok := resp.Line(ShippingItemCode)
		if !ok {
			return previous, nil
		}
		return toTaxedAmount(rl, doc.Currency, previous), nil
	case tax.QuestionTotal:
		return s.total(doc, resp)
	}

	return previous, nil
}

// lineAmount maps the response line for one document line. Lines the
// provider did not answer for keep their untaxed base price.
func (s *Strategy) lineAmount(doc *document.Document, line *document.Line, resp Response, previous money.TaxedAmount, unit bool) money.TaxedAmount {
	rl, ok := resp.Line(line.SKU)
	if !ok {
		return previous
	}
	total := toTaxedAmount(rl, doc.Currency, previous)
	if !unit {
		return total
	}
	// The unit price is quantized independently of the total, so
	// unit * quantity may differ from the total by one minor unit.
	qty := decimal.NewFromInt(int64(line.Quantity))
	return money.TaxedAmount{
		Net:   total.Net.Div(qty).Round(),
		Gross: total.Gross.Div(qty).Round(),
	}
}

// total sums the provider's verdicts across all lines and shipping, keeping
// the untaxed base for anything the provider did not answer for.
func (s *Strategy) total(doc *document.Document, resp Response) (money.TaxedAmount, error) {
	acc := money.ZeroTaxed(doc.Currency)
	for i := range doc.Lines {
		line := &doc.Lines[i]
		part := money.Untaxed(line.BaseTotal())
		if rl, ok := resp.Line(line.SKU); ok && line.ChargeTaxes {
			part = toTaxedAmount(rl, doc.Currency, part)
		}
		sum, err := acc.Add(part)
		if err != nil {
			return money.TaxedAmount{}, err
		}
		acc = sum
	}
	if doc.Shipping != nil {
		part := money.Untaxed(doc.Shipping.BasePrice)
		if rl, ok := resp.Line(ShippingItemCode); ok && doc.Shipping.ChargeTaxes {
			part = toTaxedAmount(rl, doc.Currency, part)
		}
		sum, err := acc.Add(part)
		if err != nil {
			return money.TaxedAmount{}, err
		}
		acc = sum
	}
	return acc, nil
}

// toTaxedAmount converts one response line, falling back to the previous
// value when the provider returned an inconsistent net/gross pair.
func toTaxedAmount(rl ResponseLine, currency string, previous money.TaxedAmount) money.TaxedAmount {
	ta, err := money.NewTaxedAmount(
		money.New(rl.Net, currency),
		money.New(rl.Gross, currency),
	)
	if err != nil {
		return previous
	}
	return ta
}
