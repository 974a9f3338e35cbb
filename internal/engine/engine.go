// Package engine implements order validation, fill eligibility and the
// atomic fill/cancel mutations over the dual-mode ledger.
//
// All money and quantity arithmetic uses shopspring/decimal; floats appear
// only at the JSON boundary.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/broker"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/ledger"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/metrics"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/model"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/oracle"
)

// Validation errors surfaced to the caller at Create time.
var (
	ErrInvalidQuantity  = errors.New("order quantity must be > 0")
	ErrMissingLimit     = errors.New("limit order must specify a valid price")
	ErrInvalidSide      = errors.New("invalid order side")
	ErrInvalidOrderType = errors.New("invalid order type")
)

// Notifier receives fill events for fan-out to subscribers. Implementations
// must not block: the engine publishes from inside the fill path.
type Notifier interface {
	TradeExecuted(accountID int64, trade model.Trade)
	PositionsChanged(accountID int64, positions []model.Position)
}

// Engine validates order requests, decides fill eligibility against the
// pricing oracle, and applies atomic fills through the ledger router.
type Engine struct {
	router   *ledger.Router
	prices   oracle.Source
	broker   broker.Gateway
	notifier Notifier
}

// New creates an engine. notifier may be nil when no broadcast layer is
// attached (tests, one-shot tools).
func New(router *ledger.Router, prices oracle.Source, gw broker.Gateway, notifier Notifier) *Engine {
	if gw == nil {
		gw = broker.NewDisabled()
	}
	return &Engine{router: router, prices: prices, broker: gw, notifier: notifier}
}

// Router exposes the ledger router for read-side collaborators.
func (e *Engine) Router() *ledger.Router { return e.router }

// CreateRequest carries one order placement.
type CreateRequest struct {
	AccountID int64
	Symbol    string
	Name      string
	Market    string
	Side      model.Side
	Type      model.OrderType
	Price     *decimal.Decimal // required for LIMIT, nil for MARKET
	Quantity  decimal.Decimal
}

// Create validates the request against current ledger state and persists a
// PENDING order. For a BUY the exact cash requirement (notional plus
// commission at the check price) is frozen and stored on the order row, so
// fill and cancel release precisely what was reserved. No cash or position
// moves besides the freeze.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*model.Order, error) {
	if !req.Quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return nil, ErrInvalidSide
	}
	if req.Type != model.TypeMarket && req.Type != model.TypeLimit {
		return nil, ErrInvalidOrderType
	}
	if req.Type == model.TypeLimit && (req.Price == nil || !req.Price.IsPositive()) {
		return nil, ErrMissingLimit
	}
	// Normalize before the price fetch so the funds check, the cache key,
	// and every later fill check all use the same symbol.
	req.Symbol = strings.ToUpper(req.Symbol)
	if req.Market == "" {
		req.Market = "CRYPTO"
	}
	if req.Name == "" {
		req.Name = req.Symbol
	}

	led, _, err := e.router.ForAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	// MARKET orders validate funds against the live reference price;
	// LIMIT orders against their own limit price.
	var checkPrice decimal.Decimal
	if req.Type == model.TypeMarket {
		checkPrice, err = oracle.Validate(e.prices.LastPrice(ctx, req.Symbol, req.Market))
		if err != nil {
			return nil, fmt.Errorf("market order needs a reference price: %w", err)
		}
	} else {
		checkPrice = *req.Price
	}

	order := &model.Order{
		OrderNo:   newOrderNo(),
		AccountID: req.AccountID,
		Symbol:    req.Symbol,
		Name:      req.Name,
		Market:    req.Market,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Quantity:  req.Quantity,
	}
	if req.Side == model.SideBuy {
		order.FrozenCash = BuyCashNeeded(checkPrice, req.Quantity)
	}

	if err := led.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	metrics.OrdersCreated.WithLabelValues(string(order.Side), string(modeOf(e.router, led))).Inc()
	slog.Info("order created",
		"order_no", order.OrderNo,
		"account_id", order.AccountID,
		"side", order.Side,
		"type", order.Type,
		"symbol", order.Symbol,
		"quantity", order.Quantity.String(),
	)
	return order, nil
}

func modeOf(r *ledger.Router, led ledger.Ledger) model.TradeMode {
	if led == r.Real() {
		return model.ModeReal
	}
	return model.ModePaper
}

func newOrderNo() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

// CheckAndExecute decides whether the pending order may fill against the
// current reference price and, if so, performs the atomic fill. Returns
// whether the order filled. An oracle failure leaves the order PENDING for
// the next sweep; a re-validation failure inside the fill is logged as a
// warning and leaves the order PENDING.
func (e *Engine) CheckAndExecute(ctx context.Context, mode model.TradeMode, order *model.Order) bool {
	if order.Status != model.StatusPending {
		return false
	}

	current, err := oracle.Validate(e.prices.LastPrice(ctx, order.Symbol, order.Market))
	if err != nil {
		slog.Warn("skipping order check, price unavailable",
			"order_no", order.OrderNo, "symbol", order.Symbol, "err", err)
		return false
	}

	// MARKET is always eligible; LIMIT fills at the market price once it
	// crosses the limit (price improvement goes to the trader).
	eligible := order.Type == model.TypeMarket
	if order.Type == model.TypeLimit {
		if order.Price == nil {
			// Unreachable through Create; guards hand-edited rows so a bad
			// one cannot panic the sweep.
			slog.Warn("pending limit order has no price, skipping",
				"order_no", order.OrderNo, "order_id", order.ID)
			return false
		}
		switch order.Side {
		case model.SideBuy:
			eligible = order.Price.GreaterThanOrEqual(current)
		case model.SideSell:
			eligible = order.Price.LessThanOrEqual(current)
		}
	}
	if !eligible {
		return false
	}

	return e.fill(ctx, mode, order, current)
}

// fill performs the mode-specific execution at executionPrice.
func (e *Engine) fill(ctx context.Context, mode model.TradeMode, order *model.Order, executionPrice decimal.Decimal) bool {
	led := e.router.ForMode(mode)

	notional := executionPrice.Mul(order.Quantity)
	f := ledger.Fill{
		OrderID:       order.ID,
		AccountID:     order.AccountID,
		Symbol:        order.Symbol,
		Name:          order.Name,
		Market:        order.Market,
		Side:          order.Side,
		Price:         executionPrice,
		Quantity:      order.Quantity,
		Commission:    Commission(notional),
		ReleaseFrozen: order.FrozenCash,
	}

	if mode == model.ModeReal {
		if !e.mirrorToBroker(ctx, led, order, executionPrice) {
			return false
		}
	}

	trade, err := led.ApplyFill(ctx, f)
	if err != nil {
		var funds *ledger.InsufficientFundsError
		var pos *ledger.InsufficientPositionError
		if errors.As(err, &funds) || errors.As(err, &pos) {
			// State drifted since creation; the order stays PENDING and is
			// retried on the next sweep.
			metrics.FillReverted.Inc()
			slog.Warn("fill re-validation failed", "order_no", order.OrderNo, "err", err)
			return false
		}
		if errors.Is(err, ledger.ErrOrderNotPending) {
			return false
		}
		slog.Error("fill aborted", "order_no", order.OrderNo, "err", err)
		return false
	}

	order.Status = model.StatusFilled
	order.FilledQuantity = f.Quantity

	metrics.OrdersFilled.WithLabelValues(string(order.Side), string(mode)).Inc()
	slog.Info("order filled",
		"order_no", order.OrderNo,
		"account_id", order.AccountID,
		"side", order.Side,
		"symbol", order.Symbol,
		"quantity", f.Quantity.String(),
		"price", executionPrice.String(),
		"commission", f.Commission.String(),
	)

	e.publishFill(ctx, led, order.AccountID, trade)
	return true
}

// mirrorToBroker places the order on the exchange before the local mirror
// commits. A rejection is terminal (order FAILED); a transport or auth
// error leaves the order PENDING for retry.
func (e *Engine) mirrorToBroker(ctx context.Context, led ledger.Ledger, order *model.Order, price decimal.Decimal) bool {
	res, err := e.broker.ExecuteOrder(ctx, broker.OrderRequest{
		Symbol:    order.Symbol,
		Side:      strings.ToLower(string(order.Side)),
		Quantity:  order.Quantity,
		Price:     price,
		OrderType: "market",
	})
	if err == nil {
		slog.Info("real order placed on exchange", "order_no", order.OrderNo, "txid", res.TxID)
		return true
	}

	var rej *broker.RejectionError
	if errors.As(err, &rej) {
		if ferr := led.MarkOrderFailed(ctx, order.ID, order.FrozenCash); ferr != nil {
			slog.Error("failed to mark rejected order", "order_no", order.OrderNo, "err", ferr)
			return false
		}
		order.Status = model.StatusFailed
		metrics.OrdersFailed.Inc()
		slog.Warn("real order rejected by exchange", "order_no", order.OrderNo, "reason", rej.Reason)
		return false
	}

	slog.Warn("broker unavailable, order stays pending", "order_no", order.OrderNo, "err", err)
	return false
}

// publishFill hands the fill to the broadcast layer without blocking the
// commit path; the notifier owns queuing and backpressure.
func (e *Engine) publishFill(ctx context.Context, led ledger.Ledger, accountID int64, trade *model.Trade) {
	if e.notifier == nil || trade == nil {
		return
	}
	e.notifier.TradeExecuted(accountID, *trade)

	positions, err := led.ListPositions(ctx, accountID)
	if err != nil {
		slog.Warn("failed to load positions for broadcast", "account_id", accountID, "err", err)
		return
	}
	e.notifier.PositionsChanged(accountID, positions)
}

// cancelFallbackPrice is the conservative reference used to estimate a
// frozen-cash release for legacy BUY orders that recorded neither a frozen
// amount nor a limit price.
var cancelFallbackPrice = decimal.NewFromInt(100)

// Cancel marks a PENDING order CANCELLED and releases its frozen cash.
// Idempotent: cancelling a terminal order is a no-op returning false.
func (e *Engine) Cancel(ctx context.Context, accountID, orderID int64, reason string) (bool, error) {
	led, _, err := e.router.ForAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	order, err := led.GetOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if order.AccountID != accountID {
		return false, ledger.ErrNotFound
	}
	if order.Status != model.StatusPending {
		return false, nil
	}

	release := decimal.Zero
	if order.Side == model.SideBuy {
		release = order.FrozenCash
		if release.IsZero() {
			// Legacy row without a stored reservation: estimate from the
			// order's own price, never from the current market price.
			ref := cancelFallbackPrice
			if order.Price != nil && order.Price.IsPositive() {
				ref = *order.Price
			} else {
				slog.Warn("order has no stored reservation or price, releasing conservative estimate",
					"order_no", order.OrderNo)
			}
			release = BuyCashNeeded(ref, order.Quantity)
		}
	}

	cancelled, err := led.CancelOrder(ctx, orderID, release)
	if err != nil {
		return false, err
	}
	if cancelled {
		metrics.OrdersCancelled.Inc()
		slog.Info("order cancelled", "order_no", order.OrderNo, "reason", reason)
	}
	return cancelled, nil
}

// ProcessAllPending re-checks every PENDING order across both ledgers.
// Orders are processed independently: one order's failure never blocks the
// rest. accountID 0 sweeps all accounts.
func (e *Engine) ProcessAllPending(ctx context.Context, accountID int64) (executed, checked int) {
	for _, mode := range []model.TradeMode{model.ModePaper, model.ModeReal} {
		led := e.router.ForMode(mode)
		pending, err := led.ListPendingOrders(ctx, accountID)
		if err != nil {
			slog.Error("failed to list pending orders", "mode", mode, "err", err)
			continue
		}
		for i := range pending {
			checked++
			if e.CheckAndExecute(ctx, mode, &pending[i]) {
				executed++
			}
			if ctx.Err() != nil {
				return executed, checked
			}
		}
	}
	if checked > 0 {
		slog.Info("pending sweep complete", "checked", checked, "executed", executed)
	}
	return executed, checked
}

// SyncRealBalances overwrites real-ledger cash for real-mode accounts with
// the broker-reported balance. Safe to call on an interval; errors degrade
// to keeping the previous balance.
func (e *Engine) SyncRealBalances(ctx context.Context) error {
	accounts, err := e.router.Paper().ListAccounts(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, acc := range accounts {
		if acc.TradeMode != model.ModeReal || !acc.Active {
			continue
		}
		balance, err := e.broker.GetBalance(ctx)
		if err != nil {
			slog.Warn("real balance sync failed", "account_id", acc.ID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := e.router.Real().SetAccountCash(ctx, acc.ID, balance); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			slog.Warn("failed to store synced balance", "account_id", acc.ID, "err", err)
		}
	}
	return firstErr
}
