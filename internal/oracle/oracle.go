// Package oracle wraps market-data lookups behind a uniform reference-price
// call with failure signaling. The engine treats the underlying feed as an
// external collaborator that may fail or return stale data; a failure is
// always surfaced as an error, never as a zero price.
package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable wraps any feed failure so callers can treat all
// oracle problems as one transient category.
var ErrPriceUnavailable = errors.New("oracle: reference price unavailable")

// Source supplies the reference price for a symbol on a market. It must be
// idempotent and side-effect-free from the engine's perspective.
type Source interface {
	LastPrice(ctx context.Context, symbol, market string) (decimal.Decimal, error)
}

// Func adapts a plain function to Source.
type Func func(ctx context.Context, symbol, market string) (decimal.Decimal, error)

// LastPrice implements Source.
func (f Func) LastPrice(ctx context.Context, symbol, market string) (decimal.Decimal, error) {
	return f(ctx, symbol, market)
}

// Validate rejects non-positive prices from a source. A broken feed
// reporting zero must abort the requested operation, not fill at zero.
func Validate(price decimal.Decimal, err error) (decimal.Decimal, error) {
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ErrPriceUnavailable, err)
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: non-positive price %s", ErrPriceUnavailable, price)
	}
	return price, nil
}
