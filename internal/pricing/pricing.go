// Package pricing holds the effective price formula shared by notification
// planning and every client surface. Inputs and outputs are decimals so that
// identical inputs always produce identical results.
package pricing

import "github.com/shopspring/decimal"

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// CostModel carries the user's full-cost settings.
type CostModel struct {
	FullCost bool
	// TaxRate is a fraction, 0.20 == 20% VAT.
	TaxRate decimal.Decimal
	// ProviderPercentage is applied to |spot| in percent.
	ProviderPercentage decimal.Decimal
	ProviderFixedFee   decimal.Decimal
	NetworkCosts       decimal.Decimal
	// IncludeTax means NetworkCosts are already gross.
	IncludeTax bool
}

// Effective returns the price the user pays for spot (net, ct/kWh).
// In spot-only mode the spot price is returned unchanged.
func Effective(spot decimal.Decimal, m CostModel) decimal.Decimal {
	if !m.FullCost {
		return spot
	}
	taxMultiplier := one.Add(m.TaxRate)

	spotGross := spot.Mul(taxMultiplier)
	providerFee := spot.Abs().Mul(m.ProviderPercentage).Div(hundred).Add(m.ProviderFixedFee)

	network := m.NetworkCosts
	if !m.IncludeTax {
		network = network.Mul(taxMultiplier)
	}

	return spotGross.Add(providerFee).Add(network)
}
