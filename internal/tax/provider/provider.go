// Package provider implements the external tax-authority strategy: it
// serializes a document into a provider-native request, calls the remote
// service, and maps the response back onto document lines. Transport
// failures are first-class values, never exceptions: Send returns a Response
// whose Err field marks the failed outcome, and the strategy defers to the
// next link in the chain when it sees one.
package provider

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/merchkit/tax-engine/internal/domain/document"
)

// ShippingItemCode is the synthetic item code under which the shipping price
// is sent to and matched from the provider.
const ShippingItemCode = "SHIPPING"

// Request is the provider-native payload for one document.
type Request struct {
	DocumentToken string
	Currency      string
	Country       string
	PostalCode    string
	TaxIncluded   bool
	Lines         []RequestLine
}

// RequestLine is one taxable position in a Request. Shipping travels as a
// regular line flagged with the synthetic item code.
type RequestLine struct {
	ItemCode string
	Quantity int
	Amount   decimal.Decimal
	Shipping bool
}

// Response is the provider's answer, or a memoized failure when Err is set.
type Response struct {
	Lines []ResponseLine `json:"lines"`
	Err   string         `json:"err,omitempty"`
}

// ResponseLine carries the provider's net/gross/rate verdict for one item
// code.
type ResponseLine struct {
	ItemCode string          `json:"item_code"`
	Net      decimal.Decimal `json:"net"`
	Gross    decimal.Decimal `json:"gross"`
	Rate     decimal.Decimal `json:"rate"`
}

// Failed reports whether this response memoizes a provider failure.
func (r Response) Failed() bool { return r.Err != "" }

// Line returns the response line matching the given item code. Lines with no
// match are treated by callers as "provider did not tax this line".
func (r Response) Line(itemCode string) (ResponseLine, bool) {
	for _, l := range r.Lines {
		if l.ItemCode == itemCode {
			return l, true
		}
	}
	return ResponseLine{}, false
}

// Failure builds a Response marking a failed provider call.
func Failure(err error) Response {
	return Response{Err: err.Error()}
}

// BuildRequest serializes every taxable line of a document, plus a synthetic
// shipping line when the chosen shipping method is taxed, into a Request.
// Lines flagged tax-exempt are skipped entirely.
func BuildRequest(doc *document.Document) Request {
	req := Request{
		DocumentToken: doc.Token,
		Currency:      doc.Currency,
		Country:       doc.ResolutionCountry(),
		TaxIncluded:   doc.PricesEnteredWithTax,
	}
	if doc.ShippingAddress != nil {
		req.PostalCode = doc.ShippingAddress.PostalCode
	}

	for i := range doc.Lines {
		line := &doc.Lines[i]
		if !line.ChargeTaxes {
			continue
		}
		req.Lines = append(req.Lines, RequestLine{
			ItemCode: line.SKU,
			Quantity: line.Quantity,
			Amount:   line.BaseTotal().Amount,
		})
	}

	if doc.Shipping != nil && doc.Shipping.ChargeTaxes {
		req.Lines = append(req.Lines, RequestLine{
			ItemCode: ShippingItemCode,
			Quantity: 1,
			Amount:   doc.Shipping.BasePrice.Amount,
			Shipping: true,
		})
	}

	return req
}

// Sender performs the remote call. Implementations convert every transport
// or protocol failure into a failed Response.
type Sender interface {
	Send(ctx context.Context, req Request) Response
}

// Fetcher is a Sender with response memoization in front of it.
type Fetcher interface {
	GetOrFetch(ctx context.Context, token string, req Request) Response
}
