// Package model defines the core domain types shared across the trading core.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeMode selects which ledger an account's operations target. Paper and
// real balances live in physically separate stores and must never mix.
type TradeMode string

const (
	ModePaper TradeMode = "paper"
	ModeReal  TradeMode = "real"
)

// Valid reports whether m is one of the two known modes.
func (m TradeMode) Valid() bool { return m == ModePaper || m == ModeReal }

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the order lifecycle state. PENDING is the only
// non-terminal state; no transition out of the other three is permitted.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusFailed    OrderStatus = "FAILED"
)

// Terminal reports whether the status permits no further transitions.
func (s OrderStatus) Terminal() bool { return s != StatusPending }

// Account is one trading identity within a single ledger. The same logical
// account ID may exist as independent rows in the paper and real ledgers.
type Account struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"user_id"`
	Name           string          `json:"name"`
	TradeMode      TradeMode       `json:"trade_mode"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	CurrentCash    decimal.Decimal `json:"current_cash"`
	FrozenCash     decimal.Decimal `json:"frozen_cash"`
	Active         bool            `json:"is_active"`
	AutoTrading    bool            `json:"auto_trading"`
	Model          string          `json:"model"`
	BaseURL        string          `json:"base_url,omitempty"`
	APIKey         string          `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Position is the per (account, symbol, market) aggregate holding.
// AvailableQuantity exists to support pending-sell reservation; sells are
// not reserved today, so it tracks Quantity in practice.
type Position struct {
	ID                int64           `json:"id"`
	AccountID         int64           `json:"account_id"`
	Symbol            string          `json:"symbol"`
	Name              string          `json:"name"`
	Market            string          `json:"market"`
	Quantity          decimal.Decimal `json:"quantity"`
	AvailableQuantity decimal.Decimal `json:"available_quantity"`
	AvgCost           decimal.Decimal `json:"avg_cost"`
}

// Order is a single user- or AI-originated trade intent.
// FrozenCash records the exact amount reserved at creation (BUY only) so
// the same amount can be released on fill or cancel.
type Order struct {
	ID             int64            `json:"id"`
	OrderNo        string           `json:"order_no"`
	AccountID      int64            `json:"account_id"`
	Symbol         string           `json:"symbol"`
	Name           string           `json:"name"`
	Market         string           `json:"market"`
	Side           Side             `json:"side"`
	Type           OrderType        `json:"order_type"`
	Price          *decimal.Decimal `json:"price"` // limit price; nil for MARKET
	Quantity       decimal.Decimal  `json:"quantity"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	FrozenCash     decimal.Decimal  `json:"-"`
	Status         OrderStatus      `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Trade is an immutable fill record, created exactly once per fill.
type Trade struct {
	ID         int64           `json:"id"`
	OrderID    int64           `json:"order_id"`
	AccountID  int64           `json:"account_id"`
	Symbol     string          `json:"symbol"`
	Name       string          `json:"name"`
	Market     string          `json:"market"`
	Side       Side            `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Commission decimal.Decimal `json:"commission"`
	TradeTime  time.Time       `json:"trade_time"`
}

// AssetSnapshot is a periodic point-in-time account valuation written on
// price-update events. A derived read-model, purged past retention.
type AssetSnapshot struct {
	ID             int64           `json:"id"`
	AccountID      int64           `json:"account_id"`
	TotalAssets    decimal.Decimal `json:"total_assets"`
	Cash           decimal.Decimal `json:"cash"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	TriggerSymbol  string          `json:"trigger_symbol"`
	TriggerMarket  string          `json:"trigger_market"`
	EventTime      time.Time       `json:"event_time"`
}

// TriggerMode controls when the AI decision pass runs for an account.
type TriggerMode string

const (
	TriggerRealtime  TriggerMode = "realtime"
	TriggerInterval  TriggerMode = "interval"
	TriggerTickBatch TriggerMode = "tick_batch"
)

// StrategyConfig is the per-account AI trigger configuration.
type StrategyConfig struct {
	AccountID       int64       `json:"account_id"`
	TriggerMode     TriggerMode `json:"trigger_mode"`
	IntervalSeconds int         `json:"interval_seconds,omitempty"`
	TickBatchSize   int         `json:"tick_batch_size,omitempty"`
	Enabled         bool        `json:"enabled"`
	LastTriggerAt   *time.Time  `json:"last_trigger_at,omitempty"`
}

// DecisionLog records one AI trading decision and whether it executed.
type DecisionLog struct {
	ID            int64           `json:"id"`
	AccountID     int64           `json:"account_id"`
	Operation     string          `json:"operation"`
	Symbol        string          `json:"symbol"`
	PrevPortion   decimal.Decimal `json:"prev_portion"`
	TargetPortion decimal.Decimal `json:"target_portion"`
	TotalBalance  decimal.Decimal `json:"total_balance"`
	Reason        string          `json:"reason"`
	Executed      bool            `json:"executed"`
	OrderID       *int64          `json:"order_id,omitempty"`
	DecisionTime  time.Time       `json:"decision_time"`
}
