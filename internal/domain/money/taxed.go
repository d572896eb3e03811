package money

import "github.com/go-faster/errors"

// ErrGrossBelowNet is returned when a taxed amount would carry negative tax.
var ErrGrossBelowNet = errors.New("gross amount below net amount")

// TaxedAmount is a net/gross pair in a single currency. The tax portion is
// always non-negative: gross >= net.
type TaxedAmount struct {
	Net   Money
	Gross Money
}

// NewTaxedAmount builds a TaxedAmount, enforcing the currency and
// non-negative-tax invariants.
func NewTaxedAmount(net, gross Money) (TaxedAmount, error) {
	if net.Currency != gross.Currency {
		return TaxedAmount{}, errors.Wrapf(ErrCurrencyMismatch, "net %s, gross %s", net.Currency, gross.Currency)
	}
	if gross.Amount.LessThan(net.Amount) {
		return TaxedAmount{}, ErrGrossBelowNet
	}
	return TaxedAmount{Net: net, Gross: gross}, nil
}

// Untaxed returns a TaxedAmount where net and gross are both the given base.
// It is the neutral "no tax strategy has produced a result yet" value.
func Untaxed(base Money) TaxedAmount {
	return TaxedAmount{Net: base, Gross: base}
}

// ZeroTaxed returns a zero net/gross pair in the given currency.
func ZeroTaxed(currency string) TaxedAmount {
	return Untaxed(Zero(currency))
}

// Tax returns the derived tax portion, gross - net.
func (t TaxedAmount) Tax() Money {
	return Money{Amount: t.Gross.Amount.Sub(t.Net.Amount), Currency: t.Gross.Currency}
}

// IsTaxed reports whether a genuine tax split exists, i.e. net != gross.
// A strategy seeing a taxed previous value must pass it through unchanged.
func (t TaxedAmount) IsTaxed() bool {
	return !t.Net.Amount.Equal(t.Gross.Amount)
}

// Currency returns the currency code shared by net and gross.
func (t TaxedAmount) Currency() string { return t.Gross.Currency }

// Add returns the element-wise sum of two taxed amounts.
func (t TaxedAmount) Add(o TaxedAmount) (TaxedAmount, error) {
	net, err := t.Net.Add(o.Net)
	if err != nil {
		return TaxedAmount{}, err
	}
	gross, err := t.Gross.Add(o.Gross)
	if err != nil {
		return TaxedAmount{}, err
	}
	return TaxedAmount{Net: net, Gross: gross}, nil
}

// Round quantizes both sides to the currency's minor unit.
func (t TaxedAmount) Round() TaxedAmount {
	return TaxedAmount{Net: t.Net.Round(), Gross: t.Gross.Round()}
}

// FloorAtZero clamps both sides at zero.
func (t TaxedAmount) FloorAtZero() TaxedAmount {
	return TaxedAmount{Net: t.Net.FloorAtZero(), Gross: t.Gross.FloorAtZero()}
}
