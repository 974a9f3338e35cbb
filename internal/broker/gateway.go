// Package broker talks to the external exchange used to mirror real-mode
// fills. The engine treats it as a possibly-failing remote collaborator:
// auth failures and transport errors surface as retryable operational
// errors, while an explicit exchange rejection is terminal for the order.
package broker

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// OrderRequest describes one order to mirror on the exchange.
type OrderRequest struct {
	Symbol    string
	Side      string // "buy" or "sell"
	Quantity  decimal.Decimal
	Price     decimal.Decimal // reference price; required even for market orders
	OrderType string          // "market" or "limit"
}

// OrderResult is the exchange's acknowledgement of a placed order.
type OrderResult struct {
	TxID string
}

// Holding is one asset balance reported by the exchange.
type Holding struct {
	Symbol   string
	Quantity decimal.Decimal
}

// RemoteOrder is an order row reported by the exchange.
type RemoteOrder struct {
	TxID     string
	Symbol   string
	Side     string
	Type     string
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Status   string
}

// RejectionError is an explicit exchange rejection (bad order, insufficient
// remote funds). Unlike transport or auth errors it is terminal: the local
// order is marked FAILED and not retried.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("broker rejected order: %s", e.Reason)
}

// Gateway is the exchange client contract. Every call may block on network
// I/O and must honor ctx cancellation.
type Gateway interface {
	ExecuteOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, txid string) error
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	GetPositions(ctx context.Context) ([]Holding, error)
	GetOpenOrders(ctx context.Context) ([]RemoteOrder, error)
	GetClosedOrders(ctx context.Context, limit int) ([]RemoteOrder, error)
}
