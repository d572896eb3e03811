package document

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merchkit/tax-engine/internal/domain/money"
)

func usd(s string) money.Money {
	return money.New(decimal.RequireFromString(s), "USD")
}

func twoLineDoc() *Document {
	return &Document{
		Token:    "doc-1",
		Currency: "USD",
		Country:  "US",
		Lines: []Line{
			{ID: "l1", SKU: "SKU-1", Quantity: 2, BaseUnitPrice: usd("10.00"), ChargeTaxes: true},
			{ID: "l2", SKU: "SKU-2", Quantity: 1, BaseUnitPrice: usd("5.00"), ChargeTaxes: true},
		},
		Discount: money.Zero("USD"),
		State:    StateStale,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name              string
		mutate            func(*Document)
		shippingDependent bool
		wantErr           error
	}{
		{
			name:   "valid without shipping",
			mutate: func(*Document) {},
		},
		{
			name:    "no lines",
			mutate:  func(d *Document) { d.Lines = nil },
			wantErr: ErrNoLines,
		},
		{
			name:    "negative discount",
			mutate:  func(d *Document) { d.Discount = usd("-1.00") },
			wantErr: ErrNegativeDiscount,
		},
		{
			name:              "shipping required without address",
			mutate:            func(d *Document) { d.ShippingRequired = true },
			shippingDependent: true,
			wantErr:           ErrNoShippingAddress,
		},
		{
			name: "shipping required without method",
			mutate: func(d *Document) {
				d.ShippingRequired = true
				d.ShippingAddress = &Address{Country: "US"}
			},
			shippingDependent: true,
			wantErr:           ErrNoShippingMethod,
		},
		{
			name: "shipping satisfied",
			mutate: func(d *Document) {
				d.ShippingRequired = true
				d.ShippingAddress = &Address{Country: "US"}
				d.Shipping = &Shipping{MethodID: "std", BasePrice: usd("4.00"), ChargeTaxes: true}
			},
			shippingDependent: true,
		},
		{
			name:              "shipping not validated for line questions",
			mutate:            func(d *Document) { d.ShippingRequired = true },
			shippingDependent: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := twoLineDoc()
			tt.mutate(doc)

			err := doc.Validate(tt.shippingDependent)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.True(t, IsValidationError(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestResolutionCountry(t *testing.T) {
	doc := twoLineDoc()
	assert.Equal(t, "US", doc.ResolutionCountry())

	doc.ShippingAddress = &Address{Country: "DE"}
	assert.Equal(t, "DE", doc.ResolutionCountry())
}

func TestNeedsRecalculation(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	doc := twoLineDoc()
	assert.True(t, doc.NeedsRecalculation(now, time.Hour), "stale document")

	doc.MarkFresh(now)
	assert.False(t, doc.NeedsRecalculation(now.Add(30*time.Minute), time.Hour))
	assert.True(t, doc.NeedsRecalculation(now.Add(2*time.Hour), time.Hour), "TTL elapsed")
	assert.False(t, doc.NeedsRecalculation(now.Add(48*time.Hour), 0), "zero TTL disables expiry")

	doc.MarkStale()
	assert.True(t, doc.NeedsRecalculation(now, time.Hour))
}

func TestLineLookupAndBaseTotal(t *testing.T) {
	doc := twoLineDoc()

	l := doc.Line("l1")
	require.NotNil(t, l)
	assert.True(t, l.BaseTotal().Amount.Equal(decimal.RequireFromString("20.00")))

	assert.Nil(t, doc.Line("missing"))
}
