// Package prorate distributes an aggregate discount across line totals
// proportionally, with the guarantee that the distributed shares sum exactly
// to the aggregate: no cent is lost or gained to rounding.
package prorate

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/merchkit/tax-engine/internal/domain/money"
)

// ErrNoLines is returned when there is nothing to distribute over.
var ErrNoLines = errors.New("no line totals to prorate over")

// Distribute splits discount across lineTotals by weight. Every share except
// the last is the line's weighted, rounded portion; the last line receives
// the exact remainder, which pins the sum invariant. Because of that, the
// result depends on line order: callers must pass lines in the document's
// natural, stable order. Shares are clamped at zero after rounding, so a
// discount exceeding the total never produces a negative share.
func Distribute(discount money.Money, lineTotals []money.Money) ([]money.Money, error) {
	if len(lineTotals) == 0 {
		return nil, ErrNoLines
	}
	for _, lt := range lineTotals {
		if lt.Currency != discount.Currency {
			return nil, errors.Wrapf(money.ErrCurrencyMismatch,
				"discount %s, line %s", discount.Currency, lt.Currency)
		}
	}

	discount = discount.FloorAtZero().Round()

	// Single line: it absorbs the whole discount, no weighting.
	if len(lineTotals) == 1 {
		return []money.Money{discount}, nil
	}

	total := decimal.Zero
	for _, lt := range lineTotals {
		total = total.Add(lt.Amount)
	}

	shares := make([]money.Money, len(lineTotals))
	distributed := decimal.Zero
	prec := money.Precision(discount.Currency)

	for i := 0; i < len(lineTotals)-1; i++ {
		var share decimal.Decimal
		if !total.IsZero() {
			share = lineTotals[i].Amount.Div(total).Mul(discount.Amount).Round(prec)
		}
		if share.IsNegative() {
			share = decimal.Zero
		}
		shares[i] = money.New(share, discount.Currency)
		distributed = distributed.Add(share)
	}

	// The last line takes the exact remainder rather than its own rounded
	// share. Clamp after rounding: an oversized discount may drive it
	// negative first.
	remainder := discount.Amount.Sub(distributed)
	shares[len(shares)-1] = money.New(remainder, discount.Currency).FloorAtZero()

	return shares, nil
}
