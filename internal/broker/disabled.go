package broker

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrNotConfigured is returned by the Disabled gateway for every call.
var ErrNotConfigured = errors.New("broker gateway not configured")

// Disabled is the no-op gateway used when no exchange credentials are set.
// Real-mode operations fail fast without corrupting local state.
type Disabled struct{}

// NewDisabled creates the no-op gateway.
func NewDisabled() *Disabled { return &Disabled{} }

func (*Disabled) ExecuteOrder(context.Context, OrderRequest) (OrderResult, error) {
	return OrderResult{}, ErrNotConfigured
}

func (*Disabled) CancelOrder(context.Context, string) error { return ErrNotConfigured }

func (*Disabled) GetBalance(context.Context) (decimal.Decimal, error) {
	return decimal.Zero, ErrNotConfigured
}

func (*Disabled) GetPositions(context.Context) ([]Holding, error) { return nil, ErrNotConfigured }

func (*Disabled) GetOpenOrders(context.Context) ([]RemoteOrder, error) {
	return nil, ErrNotConfigured
}

func (*Disabled) GetClosedOrders(context.Context, int) ([]RemoteOrder, error) {
	return nil, ErrNotConfigured
}
