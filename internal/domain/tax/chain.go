package tax

import (
	"context"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/merchkit/tax-engine/internal/domain/money"
)

// Chain runs an ordered list of strategies for a pricing question. It is a
// left-to-right override chain, not a merge: the first enabled strategy that
// produces a genuine tax split (net != gross) wins, and every later strategy
// is skipped. The strategy list is assembled once from configuration at
// startup and not mutated afterwards.
type Chain struct {
	strategies []Strategy
}

// NewChain builds a chain over the given strategies in evaluation order.
func NewChain(strategies ...Strategy) *Chain {
	return &Chain{strategies: strategies}
}

// Run answers one pricing question. It validates the document against the
// question's predicate, seeds the chain with the untaxed base value, and
// hands each enabled strategy the previous strategy's result.
func (c *Chain) Run(ctx context.Context, req Request) (money.TaxedAmount, error) {
	if err := req.Doc.Validate(req.Question.ShippingDependent()); err != nil {
		cerr := &ComputationError{Question: req.Question, Err: err}
		if req.Line != nil {
			cerr.LineID = req.Line.ID
		}
		return money.TaxedAmount{}, cerr
	}

	lg := zctx.From(ctx)
	prev := money.Untaxed(req.Base())

	for _, s := range c.strategies {
		if !s.Enabled() {
			continue
		}
		// A prior strategy already produced a tax split; later ones
		// must defer so two strategies never compound.
		if prev.IsTaxed() {
			break
		}

		next, err := s.Compute(ctx, req, prev)
		if err != nil {
			cerr := &ComputationError{Question: req.Question, Err: err}
			if req.Line != nil {
				cerr.LineID = req.Line.ID
			}
			return money.TaxedAmount{}, cerr
		}

		lg.Debug("tax strategy computed",
			zap.String("strategy", s.Name()),
			zap.String("question", string(req.Question)),
			zap.String("document", req.Doc.Token))
		prev = next
	}

	return prev, nil
}
