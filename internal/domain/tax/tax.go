// Package tax defines the pricing questions the engine answers, the strategy
// interface tax computations plug into, and the ordered chain that sequences
// them.
package tax

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/merchkit/tax-engine/internal/domain/document"
	"github.com/merchkit/tax-engine/internal/domain/money"
)

// Question identifies which price a chain run computes.
type Question string

const (
	QuestionLineTotal Question = "line_total"
	QuestionLineUnit  Question = "line_unit"
	QuestionShipping  Question = "shipping"
	QuestionTotal     Question = "total"
)

// ShippingDependent reports whether answering this question involves the
// document's shipping choice, which tightens the validation predicate.
func (q Question) ShippingDependent() bool {
	return q == QuestionShipping || q == QuestionTotal
}

// Request carries one pricing question about one document. Line is set only
// for line-level questions.
type Request struct {
	Question Question
	Doc      *document.Document
	Line     *document.Line
}

// Base returns the untaxed base amount the first strategy in the chain
// starts from.
func (r Request) Base() money.Money {
	switch r.Question {
	case QuestionLineTotal:
		return r.Line.BaseTotal()
	case QuestionLineUnit:
		return r.Line.BaseUnitPrice
	case QuestionShipping:
		if r.Doc.Shipping == nil {
			return money.Zero(r.Doc.Currency)
		}
		return r.Doc.Shipping.BasePrice
	case QuestionTotal:
		total := money.Zero(r.Doc.Currency)
		for i := range r.Doc.Lines {
			total.Amount = total.Amount.Add(r.Doc.Lines[i].BaseTotal().Amount)
		}
		if r.Doc.Shipping != nil {
			total.Amount = total.Amount.Add(r.Doc.Shipping.BasePrice.Amount)
		}
		return total
	}
	return money.Zero(r.Doc.Currency)
}

// LineResult is the computed price of one document line.
type LineResult struct {
	LineID string
	Total  money.TaxedAmount
	Unit   money.TaxedAmount
	Rate   decimal.Decimal
}

// Strategy is one tax computation approach: a flat-rate table lookup or an
// external provider call. Implementations must recover provider-level
// failures internally and defer (return previous unchanged) instead of
// erroring; a returned error means the question itself cannot be answered.
type Strategy interface {
	Name() string
	Enabled() bool
	Compute(ctx context.Context, req Request, previous money.TaxedAmount) (money.TaxedAmount, error)
}

// ComputationError marks a question that could not be answered for a
// document or one of its lines. The orchestrator catches it per line and
// retains the previous stored price.
type ComputationError struct {
	Question Question
	LineID   string
	Err      error
}

func (e *ComputationError) Error() string {
	if e.LineID != "" {
		return fmt.Sprintf("compute %s for line %s: %v", e.Question, e.LineID, e.Err)
	}
	return fmt.Sprintf("compute %s: %v", e.Question, e.Err)
}

func (e *ComputationError) Unwrap() error { return e.Err }
