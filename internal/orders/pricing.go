package orders

import (
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-backend/pkg/config"
)

// Totals are the four monetary fields stored on an order.
type Totals struct {
	Subtotal decimal.Decimal
	Shipping decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

func (t Totals) asMap() map[string]string {
	return map[string]string{
		"subtotal": t.Subtotal.StringFixed(2),
		"shipping": t.Shipping.StringFixed(2),
		"tax":      t.Tax.StringFixed(2),
		"total":    t.Total.StringFixed(2),
	}
}

// PricedLine is a quantity at a catalog unit price.
type PricedLine struct {
	UnitPrice decimal.Decimal
	Quantity  int
}

// Pricer recomputes checkout totals from catalog prices.
type Pricer struct {
	flatShipping          decimal.Decimal
	freeShippingThreshold decimal.Decimal
	taxRate               decimal.Decimal
	tolerance             decimal.Decimal
}

func NewPricer(cfg config.PricingConfig) (*Pricer, error) {
	flat, threshold, taxRate, tolerance, err := cfg.Rates()
	if err != nil {
		return nil, err
	}
	return &Pricer{
		flatShipping:          flat,
		freeShippingThreshold: threshold,
		taxRate:               taxRate,
		tolerance:             tolerance,
	}, nil
}

// Compute returns subtotal, shipping, tax (half-up to cents) and total.
func (p *Pricer) Compute(lines []PricedLine) Totals {
	subtotal := decimal.Zero
	for _, line := range lines {
		subtotal = subtotal.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	subtotal = subtotal.Round(2)

	shipping := p.flatShipping
	if subtotal.GreaterThanOrEqual(p.freeShippingThreshold) {
		shipping = decimal.Zero
	}
	tax := subtotal.Mul(p.taxRate).Round(2)

	return Totals{
		Subtotal: subtotal,
		Shipping: shipping,
		Tax:      tax,
		Total:    subtotal.Add(shipping).Add(tax),
	}
}

// Matches reports whether submitted is within tolerance of expected.
func (p *Pricer) Matches(submitted, expected decimal.Decimal) bool {
	return submitted.Sub(expected).Abs().LessThanOrEqual(p.tolerance)
}

// MatchesTotals compares every field.
func (p *Pricer) MatchesTotals(submitted, expected Totals) bool {
	return p.Matches(submitted.Subtotal, expected.Subtotal) &&
		p.Matches(submitted.Shipping, expected.Shipping) &&
		p.Matches(submitted.Tax, expected.Tax) &&
		p.Matches(submitted.Total, expected.Total)
}
