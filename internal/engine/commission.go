package engine

import "github.com/shopspring/decimal"

// Commission policy for crypto trades: a proportional fee with a floor.
var (
	// CommissionRate is the proportional fee rate (0.06%).
	CommissionRate = decimal.NewFromFloat(0.0006)

	// MinCommission is the per-trade fee floor in dollars.
	MinCommission = decimal.NewFromInt(1)
)

// Commission returns max(notional × rate, minimum fee).
func Commission(notional decimal.Decimal) decimal.Decimal {
	return decimal.Max(notional.Mul(CommissionRate), MinCommission)
}

// BuyCashNeeded returns the cash a BUY must cover: notional plus commission.
func BuyCashNeeded(price, quantity decimal.Decimal) decimal.Decimal {
	notional := price.Mul(quantity)
	return notional.Add(Commission(notional))
}
