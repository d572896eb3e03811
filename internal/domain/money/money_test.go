package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRound_MinorUnits(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency string
		want     string
	}{
		{name: "usd half up", amount: "8.875", currency: "USD", want: "8.88"},
		{name: "usd down", amount: "8.874", currency: "USD", want: "8.87"},
		{name: "eur repeating", amount: "19.998", currency: "EUR", want: "20"},
		{name: "jpy integer", amount: "104.895", currency: "JPY", want: "105"},
		{name: "kwd three digits", amount: "1.23456", currency: "KWD", want: "1.235"},
		{name: "unknown currency defaults to two", amount: "1.005", currency: "XTS", want: "1.01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New(decimal.RequireFromString(tt.amount), tt.currency).Round()
			assert.True(t, got.Amount.Equal(decimal.RequireFromString(tt.want)),
				"want %s, got %s", tt.want, got.Amount)
		})
	}
}

func TestAdd_CurrencyMismatch(t *testing.T) {
	usd := New(decimal.NewFromInt(10), "USD")
	eur := New(decimal.NewFromInt(10), "EUR")

	_, err := usd.Add(eur)
	require.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = usd.Sub(eur)
	require.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestFloorAtZero(t *testing.T) {
	neg := New(decimal.RequireFromString("-3.50"), "USD")
	assert.True(t, neg.FloorAtZero().IsZero())

	pos := New(decimal.RequireFromString("3.50"), "USD")
	assert.True(t, pos.FloorAtZero().Equal(pos))
}

func TestNewTaxedAmount_Invariants(t *testing.T) {
	net := New(decimal.RequireFromString("10.00"), "USD")
	gross := New(decimal.RequireFromString("12.00"), "USD")

	ta, err := NewTaxedAmount(net, gross)
	require.NoError(t, err)
	assert.True(t, ta.Tax().Amount.Equal(decimal.RequireFromString("2.00")))
	assert.True(t, ta.IsTaxed())

	_, err = NewTaxedAmount(gross, net)
	require.ErrorIs(t, err, ErrGrossBelowNet)

	_, err = NewTaxedAmount(net, New(gross.Amount, "EUR"))
	require.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestUntaxed_IsNotTaxed(t *testing.T) {
	base := New(decimal.RequireFromString("10.00"), "USD")
	ta := Untaxed(base)

	assert.False(t, ta.IsTaxed())
	assert.True(t, ta.Tax().IsZero())
}

func TestTaxedAmount_Add(t *testing.T) {
	a, err := NewTaxedAmount(
		New(decimal.RequireFromString("10.00"), "USD"),
		New(decimal.RequireFromString("12.00"), "USD"),
	)
	require.NoError(t, err)
	b, err := NewTaxedAmount(
		New(decimal.RequireFromString("5.00"), "USD"),
		New(decimal.RequireFromString("5.50"), "USD"),
	)
	require.NoError(t, err)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.True(t, sum.Net.Amount.Equal(decimal.RequireFromString("15.00")))
	assert.True(t, sum.Gross.Amount.Equal(decimal.RequireFromString("17.50")))
}
