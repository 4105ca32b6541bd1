package orders

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/storefront-backend/pkg/config"
)

func defaultPricer(t *testing.T) *Pricer {
	t.Helper()
	p, err := NewPricer(config.PricingConfig{
		FlatShipping:          "5.99",
		FreeShippingThreshold: "50.00",
		TaxRate:               "0.08",
		Tolerance:             "0.01",
	})
	require.NoError(t, err)
	return p
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestComputeReconcilesCheckoutScenario(t *testing.T) {
	totals := defaultPricer(t).Compute([]PricedLine{{UnitPrice: d("9.99"), Quantity: 2}})

	require.Equal(t, "19.98", totals.Subtotal.StringFixed(2))
	require.Equal(t, "5.99", totals.Shipping.StringFixed(2))
	require.Equal(t, "1.60", totals.Tax.StringFixed(2))
	require.Equal(t, "27.57", totals.Total.StringFixed(2))
}

func TestComputeFreeShippingAtThreshold(t *testing.T) {
	totals := defaultPricer(t).Compute([]PricedLine{
		{UnitPrice: d("25.00"), Quantity: 1},
		{UnitPrice: d("12.50"), Quantity: 2},
	})
	require.True(t, totals.Subtotal.Equal(d("50")))
	require.True(t, totals.Shipping.IsZero())
	require.Equal(t, "4.00", totals.Tax.StringFixed(2))
	require.Equal(t, "54.00", totals.Total.StringFixed(2))
}

func TestComputeRoundsTaxHalfUp(t *testing.T) {
	p, err := NewPricer(config.PricingConfig{FlatShipping: "0", FreeShippingThreshold: "100", TaxRate: "0.10", Tolerance: "0.01"})
	require.NoError(t, err)

	// 0.05 * 0.10 = 0.005
	totals := p.Compute([]PricedLine{{UnitPrice: d("0.05"), Quantity: 1}})
	require.Equal(t, "0.01", totals.Tax.StringFixed(2))

	// 0.04 * 0.10 = 0.004
	totals = p.Compute([]PricedLine{{UnitPrice: d("0.04"), Quantity: 1}})
	require.Equal(t, "0.00", totals.Tax.StringFixed(2))
}

func TestMatchesUsesTolerance(t *testing.T) {
	p := defaultPricer(t)
	require.True(t, p.Matches(d("27.57"), d("27.57")))
	require.True(t, p.Matches(d("27.58"), d("27.57")))
	require.False(t, p.Matches(d("27.59"), d("27.57")))

	expected := Totals{Subtotal: d("19.98"), Shipping: d("5.99"), Tax: d("1.60"), Total: d("27.57")}
	tampered := expected
	tampered.Total = d("1.00")
	require.True(t, p.MatchesTotals(expected, expected))
	require.False(t, p.MatchesTotals(tampered, expected))
}

func TestNewPricerRejectsInvalidConfig(t *testing.T) {
	_, err := NewPricer(config.PricingConfig{FlatShipping: "abc", FreeShippingThreshold: "1", TaxRate: "0", Tolerance: "0"})
	require.Error(t, err)
}
