// Package recalc is the top-level entry point of the pricing engine: it
// decides when stored prices are stale, runs the strategy chain per line and
// for shipping, prorates the aggregate discount, and assembles the document
// totals. A failure on one line degrades that line to its previous stored
// price instead of aborting the whole document.
package recalc

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/merchkit/tax-engine/internal/domain/document"
	"github.com/merchkit/tax-engine/internal/domain/money"
	"github.com/merchkit/tax-engine/internal/domain/tax"
	"github.com/merchkit/tax-engine/internal/tax/prorate"
)

var one = decimal.NewFromInt(1)

// ShippingLineID is the LineID under which shipping failures appear in
// Result.Errors. It is a reporting label only: a document line that happens
// to carry the same ID is tracked separately.
const ShippingLineID = "shipping"

// ErrLineNotFound is returned by ComputeLine for an unknown line ID.
var ErrLineNotFound = errors.New("line not found")

// Config tunes the orchestrator.
type Config struct {
	// PriceFreshFor is how long a fresh document's prices stay trusted
	// before a recalculation is forced. Zero disables TTL-based expiry.
	PriceFreshFor time.Duration
}

// LineError names a line whose computation failed and was degraded to its
// previous stored price. An empty LineID refers to the total computation.
type LineError struct {
	LineID string
	Err    error
}

// Result is the outcome of one recalculation.
type Result struct {
	Lines             []tax.LineResult
	Shipping          money.TaxedAmount
	Total             money.TaxedAmount
	UndiscountedTotal money.TaxedAmount
	Errors            []LineError

	// Degraded marks a partial success: at least one value is a retained
	// previous price rather than a freshly computed one. Callers should
	// treat the next recalculation's diff against such a result with care.
	Degraded bool

	// Recomputed is false when stored prices were still fresh and were
	// returned as-is.
	Recomputed bool
}

// Engine orchestrates recalculation. It is safe for concurrent use across
// documents; two concurrent recalculations of the same document race
// benignly (last writer wins on the assembled price fields).
type Engine struct {
	chain *tax.Chain
	cfg   Config
	now   func() time.Time
}

// New creates an Engine over the given strategy chain.
func New(chain *tax.Chain, cfg Config) *Engine {
	return &Engine{chain: chain, cfg: cfg, now: time.Now}
}

// ComputeTotal answers the grand-total question without touching document
// state.
func (e *Engine) ComputeTotal(ctx context.Context, doc *document.Document) (money.TaxedAmount, error) {
	ta, err := e.chain.Run(ctx, tax.Request{Question: tax.QuestionTotal, Doc: doc})
	if err != nil {
		return money.TaxedAmount{}, err
	}
	return ta.Round(), nil
}

// ComputeSubtotal sums the per-line totals, without shipping.
func (e *Engine) ComputeSubtotal(ctx context.Context, doc *document.Document) (money.TaxedAmount, error) {
	subtotal := money.ZeroTaxed(doc.Currency)
	for i := range doc.Lines {
		lineTotal, err := e.chain.Run(ctx, tax.Request{
			Question: tax.QuestionLineTotal,
			Doc:      doc,
			Line:     &doc.Lines[i],
		})
		if err != nil {
			return money.TaxedAmount{}, err
		}
		sum, err := subtotal.Add(lineTotal)
		if err != nil {
			return money.TaxedAmount{}, err
		}
		subtotal = sum
	}
	return subtotal.Round(), nil
}

// ComputeShipping answers the shipping question without touching document
// state.
func (e *Engine) ComputeShipping(ctx context.Context, doc *document.Document) (money.TaxedAmount, error) {
	ta, err := e.chain.Run(ctx, tax.Request{Question: tax.QuestionShipping, Doc: doc})
	if err != nil {
		return money.TaxedAmount{}, err
	}
	return ta.Round(), nil
}

// ComputeLine answers both line questions for a single line.
func (e *Engine) ComputeLine(ctx context.Context, doc *document.Document, lineID string) (tax.LineResult, error) {
	line := doc.Line(lineID)
	if line == nil {
		return tax.LineResult{}, &tax.ComputationError{
			Question: tax.QuestionLineTotal,
			LineID:   lineID,
			Err:      ErrLineNotFound,
		}
	}
	return e.computeLine(ctx, doc, line)
}

func (e *Engine) computeLine(ctx context.Context, doc *document.Document, line *document.Line) (tax.LineResult, error) {
	total, err := e.chain.Run(ctx, tax.Request{Question: tax.QuestionLineTotal, Doc: doc, Line: line})
	if err != nil {
		return tax.LineResult{}, err
	}
	unit, err := e.chain.Run(ctx, tax.Request{Question: tax.QuestionLineUnit, Doc: doc, Line: line})
	if err != nil {
		return tax.LineResult{}, err
	}
	return tax.LineResult{
		LineID: line.ID,
		Total:  total.Round(),
		Unit:   unit.Round(),
		Rate:   effectiveRate(total),
	}, nil
}

// Recalculate transitions a document from stale back to fresh. It is the
// only component allowed to do so. Partial failures degrade individual
// values to their previous stored prices; only a document-level validation
// failure aborts the whole run.
func (e *Engine) Recalculate(ctx context.Context, doc *document.Document) (*Result, error) {
	if err := doc.Validate(true); err != nil {
		return nil, err
	}

	now := e.now()
	if !doc.NeedsRecalculation(now, e.cfg.PriceFreshFor) {
		return storedResult(doc), nil
	}

	lg := zctx.From(ctx)
	res := &Result{Recomputed: true}

	// Step 1: resolve prices per line, retaining the previous stored price
	// for any line whose strategy fails.
	failedLines := make(map[string]bool)
	for i := range doc.Lines {
		line := &doc.Lines[i]
		lr, err := e.computeLine(ctx, doc, line)
		if err != nil {
			lg.Error("line computation failed, retaining previous price",
				zap.String("document", doc.Token),
				zap.String("line", line.ID),
				zap.Error(err))
			res.Errors = append(res.Errors, LineError{LineID: line.ID, Err: err})
			failedLines[line.ID] = true
			lr = storedLineResult(line)
		}
		res.Lines = append(res.Lines, lr)
	}

	// Shipping is priced like a line: failure retains the stored price.
	shippingFailed := false
	shipping := money.ZeroTaxed(doc.Currency)
	if doc.Shipping != nil {
		sp, err := e.ComputeShipping(ctx, doc)
		if err != nil {
			lg.Error("shipping computation failed, retaining previous price",
				zap.String("document", doc.Token),
				zap.Error(err))
			res.Errors = append(res.Errors, LineError{LineID: ShippingLineID, Err: err})
			shippingFailed = true
			sp = doc.Shipping.StoredPrice
		}
		shipping = sp
	}
	res.Shipping = shipping

	// Steps 2-4: aggregate, prorate the discount, assemble the total.
	if err := e.assemble(doc, res); err != nil {
		lg.Error("total assembly failed, retaining previous totals",
			zap.String("document", doc.Token),
			zap.Error(err))
		res.Errors = append(res.Errors, LineError{Err: err})
		res.Total = doc.StoredTotal
		res.UndiscountedTotal = doc.StoredUndiscountedTotal
	}

	// Step 5: write the computed values back and mark the document fresh.
	// Stale-but-present data beats nothing, so this happens even on
	// partial success.
	e.persist(doc, res, failedLines, shippingFailed, now)
	res.Degraded = len(res.Errors) > 0

	return res, nil
}

// assemble sums line totals and shipping, prorates the aggregate discount,
// and rebuilds the discounted lines and total on res.
func (e *Engine) assemble(doc *document.Document, res *Result) error {
	undiscounted := res.Shipping
	for _, lr := range res.Lines {
		sum, err := undiscounted.Add(lr.Total)
		if err != nil {
			return err
		}
		undiscounted = sum
	}
	res.UndiscountedTotal = undiscounted.Round().FloorAtZero()

	discount := doc.Discount.Round()
	if !discount.IsZero() {
		if doc.DiscountTargetsShipping {
			// A shipping-targeted discount never touches the lines.
			res.Shipping = discountAmount(res.Shipping, discount.Amount)
		} else if err := e.prorateLines(doc, res, discount); err != nil {
			return err
		}
	}

	total := res.Shipping
	for _, lr := range res.Lines {
		sum, err := total.Add(lr.Total)
		if err != nil {
			return err
		}
		total = sum
	}
	res.Total = total.Round().FloorAtZero()
	return nil
}

// prorateLines distributes the discount across line totals and rebuilds each
// line's total and unit price from its discounted share. Total and unit are
// derived independently from (line total - share), each rounded once.
func (e *Engine) prorateLines(doc *document.Document, res *Result, discount money.Money) error {
	totals := make([]money.Money, len(res.Lines))
	for i, lr := range res.Lines {
		totals[i] = lr.Total.Gross
	}

	shares, err := prorate.Distribute(discount, totals)
	if err != nil {
		return err
	}

	for i := range res.Lines {
		line := doc.Line(res.Lines[i].LineID)
		qty := 1
		if line != nil && line.Quantity > 0 {
			qty = line.Quantity
		}
		res.Lines[i] = discountLine(res.Lines[i], shares[i].Amount, qty)
	}
	return nil
}

// persist writes computed values onto the document representation for the
// caller's persistence layer and marks it fresh. Lines that failed keep
// their previous stored values untouched.
func (e *Engine) persist(doc *document.Document, res *Result, failedLines map[string]bool, shippingFailed bool, now time.Time) {
	for _, lr := range res.Lines {
		if failedLines[lr.LineID] {
			continue
		}
		if line := doc.Line(lr.LineID); line != nil {
			line.StoredTotal = lr.Total
			line.StoredUnit = lr.Unit
			line.StoredRate = lr.Rate
		}
	}
	if doc.Shipping != nil && !shippingFailed {
		doc.Shipping.StoredPrice = res.Shipping
	}
	doc.StoredTotal = res.Total
	doc.StoredUndiscountedTotal = res.UndiscountedTotal
	doc.MarkFresh(now)
}

// storedResult rebuilds a Result from the document's stored prices without
// recomputation.
func storedResult(doc *document.Document) *Result {
	res := &Result{
		Total:             doc.StoredTotal,
		UndiscountedTotal: doc.StoredUndiscountedTotal,
	}
	if doc.Shipping != nil {
		res.Shipping = doc.Shipping.StoredPrice
	} else {
		res.Shipping = money.ZeroTaxed(doc.Currency)
	}
	for i := range doc.Lines {
		res.Lines = append(res.Lines, storedLineResult(&doc.Lines[i]))
	}
	return res
}

func storedLineResult(line *document.Line) tax.LineResult {
	return tax.LineResult{
		LineID: line.ID,
		Total:  line.StoredTotal,
		Unit:   line.StoredUnit,
		Rate:   line.StoredRate,
	}
}

// discountLine rebuilds one line's prices from its discounted gross total.
func discountLine(lr tax.LineResult, share decimal.Decimal, qty int) tax.LineResult {
	rate := lr.Rate
	currency := lr.Total.Currency()

	grossTotal := lr.Total.Gross.Amount.Sub(share)
	if grossTotal.IsNegative() {
		grossTotal = decimal.Zero
	}
	lr.Total = fromGross(money.New(grossTotal, currency), rate)

	grossUnit := grossTotal.Div(decimal.NewFromInt(int64(qty)))
	lr.Unit = fromGross(money.New(grossUnit, currency), rate)
	return lr
}

// discountAmount subtracts a discount from the gross side and re-derives the
// net at the amount's effective rate, flooring at zero.
func discountAmount(ta money.TaxedAmount, discount decimal.Decimal) money.TaxedAmount {
	rate := effectiveRate(ta)
	gross := ta.Gross.Amount.Sub(discount)
	if gross.IsNegative() {
		gross = decimal.Zero
	}
	return fromGross(money.New(gross, ta.Currency()), rate)
}

// fromGross derives a net/gross pair from a gross amount and a rate,
// rounding each side once.
func fromGross(gross money.Money, rate decimal.Decimal) money.TaxedAmount {
	g := gross.Round()
	if rate.IsZero() {
		return money.Untaxed(g)
	}
	net := gross.Div(one.Add(rate)).Round()
	if net.Amount.GreaterThan(g.Amount) {
		net = g
	}
	return money.TaxedAmount{Net: net, Gross: g}
}

// effectiveRate derives the tax rate embedded in a net/gross pair.
func effectiveRate(ta money.TaxedAmount) decimal.Decimal {
	if ta.Net.Amount.IsZero() || !ta.IsTaxed() {
		return decimal.Zero
	}
	return ta.Gross.Amount.Sub(ta.Net.Amount).Div(ta.Net.Amount)
}
