// Package ledger defines the durable store of Account, Position, Order and
// Trade state for one trading mode. Implementations include PostgreSQL
// (source of truth) and in-memory (for testing and dev mode).
//
// The ledger exclusively owns balance and quantity mutation. Every mutating
// operation below is atomic: either the full set of cash/position/order/trade
// changes for one fill commits together, or none do.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("ledger: not found")

// ErrOrderNotPending is returned by mutators that require a PENDING order.
var ErrOrderNotPending = errors.New("ledger: order is not pending")

// InsufficientFundsError reports a BUY that current cash cannot cover.
type InsufficientFundsError struct {
	Needed    decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient cash: need $%s, available $%s",
		e.Needed.StringFixed(2), e.Available.StringFixed(2))
}

// Shortfall is the amount by which available cash misses the requirement.
func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Needed.Sub(e.Available)
}

// InsufficientPositionError reports a SELL exceeding the available holding.
type InsufficientPositionError struct {
	Symbol    string
	Needed    decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientPositionError) Error() string {
	return fmt.Sprintf("insufficient position: need %s %s, available %s",
		e.Needed.String(), e.Symbol, e.Available.String())
}

// Fill is the atomic mutation converting a PENDING order into a FILLED order
// plus a Trade record plus updated Account/Position balances. Price and
// Commission are recomputed by the engine at execution time, not creation
// time; the ledger re-validates funds/position against current state before
// committing.
type Fill struct {
	OrderID       int64
	AccountID     int64
	Symbol        string
	Name          string
	Market        string
	Side          model.Side
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Commission    decimal.Decimal
	ReleaseFrozen decimal.Decimal // BUY only; floored at zero on release
}

// Notional returns Price × Quantity.
func (f Fill) Notional() decimal.Decimal { return f.Price.Mul(f.Quantity) }

// AccountView is one consistent read of an account and its activity, taken
// at a single instant. Orders and trades are newest-first, capped at the
// recent count passed to LoadAccountView.
type AccountView struct {
	Account   *model.Account
	Positions []model.Position
	Orders    []model.Order
	Trades    []model.Trade
}

// AccountUpdate carries the mutable descriptive fields of an account.
// Balances are deliberately absent: cash moves only through order flow
// (or an explicit SetAccountCash during a real-balance sync).
type AccountUpdate struct {
	Name        *string
	Model       *string
	BaseURL     *string
	APIKey      *string
	TradeMode   *model.TradeMode
	Active      *bool
	AutoTrading *bool
}

// Ledger is the persistence contract for one trading mode.
type Ledger interface {
	// --- Accounts ---

	// CreateAccount persists a new account row. The caller sets the ID when
	// mirroring an existing logical account into this ledger; ID 0 asks the
	// store to assign one.
	CreateAccount(ctx context.Context, acc *model.Account) error
	GetAccount(ctx context.Context, id int64) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	// ListAutoTradeAccounts returns active accounts with auto-trading on.
	ListAutoTradeAccounts(ctx context.Context) ([]model.Account, error)
	// UpdateAccount applies descriptive settings only; it never touches
	// cash, frozen cash or positions.
	UpdateAccount(ctx context.Context, id int64, upd AccountUpdate) error
	// SetAccountCash overwrites current cash. Used only by the real-balance
	// sync against the broker; paper balances move through order flow.
	SetAccountCash(ctx context.Context, id int64, cash decimal.Decimal) error

	// LoadAccountView reads the account, its positions, and its most recent
	// orders and trades as one consistent point-in-time view: a fill
	// committing concurrently is either fully visible or not at all.
	LoadAccountView(ctx context.Context, accountID int64, recent int) (*AccountView, error)

	// --- Positions ---

	GetPosition(ctx context.Context, accountID int64, symbol, market string) (*model.Position, error)
	ListPositions(ctx context.Context, accountID int64) ([]model.Position, error)

	// --- Orders ---

	// CreateOrder validates funds (BUY: unfrozen cash must cover
	// order.FrozenCash) or position (SELL: available quantity must cover
	// order.Quantity), freezes order.FrozenCash for BUY, and inserts the
	// order in PENDING — all in one transaction. On validation failure no
	// order is persisted.
	CreateOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	// ListOrders returns the account's orders newest-first. limit <= 0
	// means no limit.
	ListOrders(ctx context.Context, accountID int64, limit int) ([]model.Order, error)
	// ListPendingOrders returns PENDING orders oldest-first; accountID 0
	// means all accounts.
	ListPendingOrders(ctx context.Context, accountID int64) ([]model.Order, error)

	// ApplyFill executes the whole fill atomically: re-check funds/position
	// against current state, move cash, upsert the position, insert the
	// trade row, release frozen cash, and mark the order FILLED. Any failure
	// rolls back every mutation and the order stays PENDING.
	ApplyFill(ctx context.Context, fill Fill) (*model.Trade, error)

	// CancelOrder marks a PENDING order CANCELLED and releases the given
	// frozen amount (floored at zero). Returns false without error when the
	// order is already terminal, so a second cancel is a no-op.
	CancelOrder(ctx context.Context, orderID int64, release decimal.Decimal) (bool, error)

	// MarkOrderFailed marks a PENDING order FAILED (terminal, real-mode
	// broker rejection) and releases the given frozen amount.
	MarkOrderFailed(ctx context.Context, orderID int64, release decimal.Decimal) error

	// --- Trades ---

	// ListTrades returns the account's fills newest-first. limit <= 0
	// means no limit.
	ListTrades(ctx context.Context, accountID int64, limit int) ([]model.Trade, error)

	// --- Asset snapshots ---

	InsertSnapshot(ctx context.Context, snap *model.AssetSnapshot) error
	ListSnapshots(ctx context.Context, accountID int64, since time.Time) ([]model.AssetSnapshot, error)
	// PurgeSnapshotsBefore deletes snapshots older than cutoff and returns
	// the number removed. Trades are never purged.
	PurgeSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// --- Strategy configuration ---

	GetStrategy(ctx context.Context, accountID int64) (*model.StrategyConfig, error)
	UpsertStrategy(ctx context.Context, cfg *model.StrategyConfig) error
	SetLastTrigger(ctx context.Context, accountID int64, when time.Time) error

	// --- AI decision log ---

	InsertDecision(ctx context.Context, dec *model.DecisionLog) error
	ListDecisions(ctx context.Context, accountID int64, limit int) ([]model.DecisionLog, error)
}
