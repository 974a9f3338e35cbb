package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/broker"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/engine"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/ledger"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/model"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/oracle"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeFeed is a mutable price source.
type fakeFeed struct {
	price decimal.Decimal
	err   error
}

func (f *fakeFeed) LastPrice(context.Context, string, string) (decimal.Decimal, error) {
	return f.price, f.err
}

// fakeBroker records ExecuteOrder calls and returns a configured error.
type fakeBroker struct {
	broker.Disabled
	execErr   error
	execCalls int
}

func (f *fakeBroker) ExecuteOrder(context.Context, broker.OrderRequest) (broker.OrderResult, error) {
	f.execCalls++
	if f.execErr != nil {
		return broker.OrderResult{}, f.execErr
	}
	return broker.OrderResult{TxID: "TX-1"}, nil
}

type testEnv struct {
	eng    *engine.Engine
	paper  *ledger.MemoryLedger
	real   *ledger.MemoryLedger
	feed   *fakeFeed
	broker *fakeBroker
}

func newTestEnv(t *testing.T, price float64) *testEnv {
	t.Helper()
	paper := ledger.NewMemoryLedger()
	real := ledger.NewMemoryLedger()
	feed := &fakeFeed{price: d(price)}
	gw := &fakeBroker{}
	return &testEnv{
		eng:    engine.New(ledger.NewRouter(paper, real), feed, gw, nil),
		paper:  paper,
		real:   real,
		feed:   feed,
		broker: gw,
	}
}

func (e *testEnv) seedAccount(t *testing.T, cash float64) *model.Account {
	t.Helper()
	acc := &model.Account{
		Name:           "tester",
		TradeMode:      model.ModePaper,
		InitialCapital: d(cash),
		CurrentCash:    d(cash),
		Active:         true,
	}
	if err := e.paper.CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return acc
}

func TestCreateMarketBuyFreezesExactCost(t *testing.T) {
	env := newTestEnv(t, 60000)
	acc := env.seedAccount(t, 50000)

	order, err := env.eng.Create(context.Background(), engine.CreateRequest{
		AccountID: acc.ID,
		Symbol:    "BTC",
		Side:      model.SideBuy,
		Type:      model.TypeMarket,
		Quantity:  d(0.5),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// 0.5 × 60000 = 30000 notional, commission 18, so 30018 frozen.
	if !order.FrozenCash.Equal(d(30018)) {
		t.Errorf("frozen = %s, want 30018", order.FrozenCash)
	}
	got, _ := env.paper.GetAccount(context.Background(), acc.ID)
	if !got.FrozenCash.Equal(d(30018)) {
		t.Errorf("account frozen = %s, want 30018", got.FrozenCash)
	}
	if order.Status != model.StatusPending {
		t.Errorf("status = %s, want PENDING", order.Status)
	}
}

func TestCreateRejectsCommissionShortfall(t *testing.T) {
	env := newTestEnv(t, 60000)
	// Covers the notional but not the commission.
	acc := env.seedAccount(t, 30000)

	_, err := env.eng.Create(context.Background(), engine.CreateRequest{
		AccountID: acc.ID,
		Symbol:    "BTC",
		Side:      model.SideBuy,
		Type:      model.TypeMarket,
		Quantity:  d(0.5),
	})
	var funds *ledger.InsufficientFundsError
	if !errors.As(err, &funds) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	if !funds.Needed.Equal(d(30018)) {
		t.Errorf("needed = %s, want 30018", funds.Needed)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t, 60000)
	acc := env.seedAccount(t, 50000)

	limit := d(100)
	zero := decimal.Zero
	tests := []struct {
		name string
		req  engine.CreateRequest
		want error
	}{
		{"zero quantity", engine.CreateRequest{AccountID: acc.ID, Symbol: "BTC", Side: model.SideBuy, Type: model.TypeMarket}, engine.ErrInvalidQuantity},
		{"bad side", engine.CreateRequest{AccountID: acc.ID, Symbol: "BTC", Side: "LONG", Type: model.TypeMarket, Quantity: d(1)}, engine.ErrInvalidSide},
		{"bad type", engine.CreateRequest{AccountID: acc.ID, Symbol: "BTC", Side: model.SideBuy, Type: "STOP", Quantity: d(1)}, engine.ErrInvalidOrderType},
		{"limit without price", engine.CreateRequest{AccountID: acc.ID, Symbol: "BTC", Side: model.SideBuy, Type: model.TypeLimit, Quantity: d(1)}, engine.ErrMissingLimit},
		{"limit zero price", engine.CreateRequest{AccountID: acc.ID, Symbol: "BTC", Side: model.SideBuy, Type: model.TypeLimit, Price: &zero, Quantity: d(1)}, engine.ErrMissingLimit},
		{"valid limit", engine.CreateRequest{AccountID: acc.ID, Symbol: "BTC", Side: model.SideSell, Type: model.TypeLimit, Price: &limit, Quantity: d(1)}, nil},
	}
	// Seed a position so the valid sell passes.
	seedPosition(t, env.paper, acc.ID, "BTC", 2, 50)

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.eng.Create(context.Background(), tc.req)
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func seedPosition(t *testing.T, led ledger.Ledger, accountID int64, symbol string, qty, price float64) {
	t.Helper()
	order := &model.Order{
		OrderNo: "seed-" + symbol, AccountID: accountID, Symbol: symbol, Market: "CRYPTO",
		Side: model.SideBuy, Type: model.TypeMarket, Quantity: d(qty),
	}
	if err := led.CreateOrder(context.Background(), order); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	if _, err := led.ApplyFill(context.Background(), ledger.Fill{
		OrderID: order.ID, AccountID: accountID, Symbol: symbol, Market: "CRYPTO",
		Side: model.SideBuy, Price: d(price), Quantity: d(qty),
	}); err != nil {
		t.Fatalf("seed fill: %v", err)
	}
}

func TestCreateMarketOrderRequiresPrice(t *testing.T) {
	env := newTestEnv(t, 0)
	env.feed.err = errors.New("feed down")
	acc := env.seedAccount(t, 50000)

	_, err := env.eng.Create(context.Background(), engine.CreateRequest{
		AccountID: acc.ID,
		Symbol:    "BTC",
		Side:      model.SideBuy,
		Type:      model.TypeMarket,
		Quantity:  d(1),
	})
	if !errors.Is(err, oracle.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestLimitBuyFillsOnlyWhenPriceCrosses(t *testing.T) {
	env := newTestEnv(t, 60000)
	acc := env.seedAccount(t, 100000)

	limit := d(59000)
	order, err := env.eng.Create(context.Background(), engine.CreateRequest{
		AccountID: acc.ID,
		Symbol:    "BTC",
		Side:      model.SideBuy,
		Type:      model.TypeLimit,
		Price:     &limit,
		Quantity:  d(1),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Market above the limit: not eligible.
	if env.eng.CheckAndExecute(context.Background(), model.ModePaper, order) {
		t.Fatal("limit buy filled above its limit")
	}
	if order.Status != model.StatusPending {
		t.Fatalf("status = %s", order.Status)
	}

	// Market drops through the limit: fills at the market price, not the limit.
	env.feed.price = d(58000)
	if !env.eng.CheckAndExecute(context.Background(), model.ModePaper, order) {
		t.Fatal("limit buy did not fill when price crossed")
	}
	trades, _ := env.paper.ListTrades(context.Background(), acc.ID, 1)
	if len(trades) != 1 {
		t.Fatalf("%d trades", len(trades))
	}
	if !trades[0].Price.Equal(d(58000)) {
		t.Errorf("execution price = %s, want market 58000", trades[0].Price)
	}
}

func TestLimitSellFillsOnlyWhenPriceCrosses(t *testing.T) {
	env := newTestEnv(t, 100)
	acc := env.seedAccount(t, 100000)
	seedPosition(t, env.paper, acc.ID, "ETH", 10, 90)

	limit := d(110)
	order, err := env.eng.Create(context.Background(), engine.CreateRequest{
		AccountID: acc.ID,
		Symbol:    "ETH",
		Side:      model.SideSell,
		Type:      model.TypeLimit,
		Price:     &limit,
		Quantity:  d(5),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if env.eng.CheckAndExecute(context.Background(), model.ModePaper, order) {
		t.Fatal("limit sell filled below its limit")
	}
	env.feed.price = d(115)
	if !env.eng.CheckAndExecute(context.Background(), model.ModePaper, order) {
		t.Fatal("limit sell did not fill when price crossed")
	}
}

func TestOracleFailureLeavesOrderPending(t *testing.T) {
	env := newTestEnv(t, 60000)
	acc := env.seedAccount(t, 100000)

	order, err := env.eng.Create(context.Background(), engine.CreateRequest{
		AccountID: acc.ID,
		Symbol:    "BTC",
		Side:      model.SideBuy,
		Type:      model.TypeMarket,
		Quantity:  d(1),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	env.feed.err = errors.New("feed down")
	if env.eng.CheckAndExecute(context.Background(), model.ModePaper, order) {
		t.Fatal("order filled with no reference price")
	}
	got, _ := env.paper.GetOrder(context.Background(), order.ID)
	if got.Status != model.StatusPending {
		t.Errorf("status = %s, want PENDING", got.Status)
	}

	// A zero price from a broken feed must equally abort the check.
	env.feed.err = nil
	env.feed.price = decimal.Zero
	if env.eng.CheckAndExecute(context.Background(), model.ModePaper, order) {
		t.Fatal("order filled at price zero")
	}
}

func TestRoundTripCostsTwoCommissions(t *testing.T) {
	env := newTestEnv(t, 50000)
	acc := env.seedAccount(t, 100000)

	buy, err := env.eng.Create(context.Background(), engine.CreateRequest{
		AccountID: acc.ID, Symbol: "BTC", Side: model.SideBuy,
		Type: model.TypeMarket, Quantity: d(1),
	})
	if err != nil {
		t.Fatalf("buy create: %v", err)
	}
	if !env.eng.CheckAndExecute(context.Background(), model.ModePaper, buy) {
		t.Fatal("buy did not fill")
	}

	sell, err := env.eng.Create(context.Background(), engine.CreateRequest{
		AccountID: acc.ID, Symbol: "BTC", Side: model.SideSell,
		Type: model.TypeMarket, Quantity: d(1),
	})
	if err != nil {
		t.Fatalf("sell create: %v", err)
	}
	if !env.eng.CheckAndExecute(context.Background(), model.ModePaper, sell) {
		t.Fatal("sell did not fill")
	}

	// Same price both ways: the account is down exactly two commissions
	// (50000 × 0.0006 = 30 each way).
	got, _ := env.paper.GetAccount(context.Background(), acc.ID)
	if !got.CurrentCash.Equal(d(100000 - 60)) {
		t.Errorf("cash = %s, want 99940", got.CurrentCash)
	}
	if !got.FrozenCash.IsZero() {
		t.Errorf("frozen = %s, want 0", got.FrozenCash)
	}
	pos, err := env.paper.GetPosition(context.Background(), acc.ID, "BTC", "CRYPTO")
	if err == nil && !pos.Quantity.IsZero() {
		t.Errorf("residual position %s", pos.Quantity)
	}
}

func TestFillRevalidationFailureLeavesPending(t *testing.T) {
	env := newTestEnv(t, 60000)
	acc := env.seedAccount(t, 100000)

	limit := d(60000)
	order, err := env.eng.Create(context.Background(), engine.CreateRequest{
		AccountID: acc.ID, Symbol: "BTC", Side: model.SideBuy,
		Type: model.TypeLimit, Price: &limit, Quantity: d(1),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Cash drains between creation and the fill check (balance sync).
	if err := env.paper.SetAccountCash(context.Background(), acc.ID, d(100)); err != nil {
		t.Fatalf("set cash: %v", err)
	}

	if env.eng.CheckAndExecute(context.Background(), model.ModePaper, order) {
		t.Fatal("fill committed without funds")
	}
	got, _ := env.paper.GetOrder(context.Background(), order.ID)
	if got.Status != model.StatusPending {
		t.Errorf("status = %s, want PENDING", got.Status)
	}
}

func TestCancelReleasesStoredFreeze(t *testing.T) {
	env := newTestEnv(t, 60000)
	acc := env.seedAccount(t, 50000)

	order, err := env.eng.Create(context.Background(), engine.CreateRequest{
		AccountID: acc.ID, Symbol: "BTC", Side: model.SideBuy,
		Type: model.TypeMarket, Quantity: d(0.5),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cancelled, err := env.eng.Cancel(context.Background(), acc.ID, order.ID, "test")
	if err != nil || !cancelled {
		t.Fatalf("cancel = (%v, %v)", cancelled, err)
	}
	got, _ := env.paper.GetAccount(context.Background(), acc.ID)
	if !got.FrozenCash.IsZero() {
		t.Errorf("frozen = %s after cancel", got.FrozenCash)
	}
	if !got.CurrentCash.Equal(d(50000)) {
		t.Errorf("cash = %s after cancel", got.CurrentCash)
	}

	// Idempotent: a second cancel neither errs nor releases again.
	cancelled, err = env.eng.Cancel(context.Background(), acc.ID, order.ID, "test")
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if cancelled {
		t.Error("second cancel reported true")
	}
}

func TestCancelRejectsWrongAccount(t *testing.T) {
	env := newTestEnv(t, 60000)
	acc := env.seedAccount(t, 50000)
	other := env.seedAccount(t, 50000)

	order, err := env.eng.Create(context.Background(), engine.CreateRequest{
		AccountID: acc.ID, Symbol: "BTC", Side: model.SideBuy,
		Type: model.TypeMarket, Quantity: d(0.1),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := env.eng.Cancel(context.Background(), other.ID, order.ID, "test"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("cross-account cancel: %v", err)
	}
}

func setupRealAccount(t *testing.T, env *testEnv, cash float64) *model.Account {
	t.Helper()
	acc := env.seedAccount(t, cash)
	mode := model.ModeReal
	if err := env.paper.UpdateAccount(context.Background(), acc.ID, ledger.AccountUpdate{TradeMode: &mode}); err != nil {
		t.Fatalf("switch mode: %v", err)
	}
	acc, _ = env.paper.GetAccount(context.Background(), acc.ID)
	router := env.eng.Router()
	if err := router.MirrorAccount(context.Background(), acc, model.ModeReal); err != nil {
		t.Fatalf("mirror: %v", err)
	}
	return acc
}

func TestRealModeBrokerRejectionFailsOrder(t *testing.T) {
	env := newTestEnv(t, 60000)
	acc := setupRealAccount(t, env, 100000)
	env.broker.execErr = &broker.RejectionError{Reason: "insufficient remote funds"}

	order, err := env.eng.Create(context.Background(), engine.CreateRequest{
		AccountID: acc.ID, Symbol: "BTC", Side: model.SideBuy,
		Type: model.TypeMarket, Quantity: d(0.5),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if env.eng.CheckAndExecute(context.Background(), model.ModeReal, order) {
		t.Fatal("rejected order reported filled")
	}

	got, _ := env.real.GetOrder(context.Background(), order.ID)
	if got.Status != model.StatusFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
	accRow, _ := env.real.GetAccount(context.Background(), acc.ID)
	if !accRow.FrozenCash.IsZero() {
		t.Errorf("frozen cash not released: %s", accRow.FrozenCash)
	}
}

func TestRealModeTransportErrorKeepsOrderPending(t *testing.T) {
	env := newTestEnv(t, 60000)
	acc := setupRealAccount(t, env, 100000)
	env.broker.execErr = errors.New("connection reset")

	order, err := env.eng.Create(context.Background(), engine.CreateRequest{
		AccountID: acc.ID, Symbol: "BTC", Side: model.SideBuy,
		Type: model.TypeMarket, Quantity: d(0.5),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if env.eng.CheckAndExecute(context.Background(), model.ModeReal, order) {
		t.Fatal("order filled despite broker outage")
	}

	got, _ := env.real.GetOrder(context.Background(), order.ID)
	if got.Status != model.StatusPending {
		t.Errorf("status = %s, want PENDING", got.Status)
	}

	// Broker recovers: the next sweep fills and mirrors locally.
	env.broker.execErr = nil
	executed, checked := env.eng.ProcessAllPending(context.Background(), 0)
	if checked != 1 || executed != 1 {
		t.Fatalf("sweep = (%d executed, %d checked)", executed, checked)
	}
	got, _ = env.real.GetOrder(context.Background(), order.ID)
	if got.Status != model.StatusFilled {
		t.Errorf("status = %s, want FILLED", got.Status)
	}
	if env.broker.execCalls != 2 {
		t.Errorf("broker calls = %d, want 2", env.broker.execCalls)
	}
}

func TestProcessAllPendingSweepsBothModes(t *testing.T) {
	env := newTestEnv(t, 60000)
	paperAcc := env.seedAccount(t, 100000)
	realAcc := setupRealAccount(t, env, 100000)

	limit := d(59000)
	for _, id := range []int64{paperAcc.ID, realAcc.ID} {
		if _, err := env.eng.Create(context.Background(), engine.CreateRequest{
			AccountID: id, Symbol: "BTC", Side: model.SideBuy,
			Type: model.TypeLimit, Price: &limit, Quantity: d(1),
		}); err != nil {
			t.Fatalf("create for %d: %v", id, err)
		}
	}

	executed, checked := env.eng.ProcessAllPending(context.Background(), 0)
	if checked != 2 {
		t.Fatalf("checked = %d, want 2", checked)
	}
	if executed != 0 {
		t.Fatalf("executed = %d above limit, want 0", executed)
	}

	env.feed.price = d(58000)
	executed, checked = env.eng.ProcessAllPending(context.Background(), 0)
	if checked != 2 || executed != 2 {
		t.Errorf("sweep = (%d executed, %d checked), want (2, 2)", executed, checked)
	}
}

func TestSyncRealBalances(t *testing.T) {
	env := newTestEnv(t, 60000)
	acc := setupRealAccount(t, env, 100000)
	// fakeBroker embeds Disabled, whose GetBalance fails; the previous
	// balance must survive.
	if err := env.eng.SyncRealBalances(context.Background()); err == nil {
		t.Fatal("expected error from unconfigured balance call")
	}
	got, _ := env.real.GetAccount(context.Background(), acc.ID)
	if !got.CurrentCash.Equal(d(100000)) {
		t.Errorf("balance overwritten on failed sync: %s", got.CurrentCash)
	}
}

// strictFeed only quotes symbols it knows, the way a real exchange index does.
type strictFeed struct {
	prices map[string]decimal.Decimal
}

func (f *strictFeed) LastPrice(_ context.Context, symbol, _ string) (decimal.Decimal, error) {
	p, ok := f.prices[symbol]
	if !ok {
		return decimal.Zero, oracle.ErrPriceUnavailable
	}
	return p, nil
}

func TestCreateNormalizesSymbolBeforePriceFetch(t *testing.T) {
	paper := ledger.NewMemoryLedger()
	feed := &strictFeed{prices: map[string]decimal.Decimal{"BTC": d(60000)}}
	eng := engine.New(ledger.NewRouter(paper, ledger.NewMemoryLedger()), feed, &fakeBroker{}, nil)
	acc := &model.Account{
		Name: "tester", TradeMode: model.ModePaper,
		InitialCapital: d(100000), CurrentCash: d(100000), Active: true,
	}
	if err := paper.CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	order, err := eng.Create(context.Background(), engine.CreateRequest{
		AccountID: acc.ID,
		Symbol:    "btc",
		Side:      model.SideBuy,
		Type:      model.TypeMarket,
		Quantity:  d(0.5),
	})
	if err != nil {
		t.Fatalf("Create with lowercase symbol: %v", err)
	}
	if order.Symbol != "BTC" {
		t.Errorf("symbol = %q, want BTC", order.Symbol)
	}
	if !eng.CheckAndExecute(context.Background(), model.ModePaper, order) {
		t.Fatal("normalized order did not fill")
	}
}

func TestSweepSkipsLimitOrderWithoutPrice(t *testing.T) {
	env := newTestEnv(t, 60000)
	acc := env.seedAccount(t, 100000)

	// Create never produces a priceless limit order; this simulates a
	// hand-edited row reaching the sweep.
	order := &model.Order{
		OrderNo: "ORD-NOPRICE", AccountID: acc.ID, Symbol: "BTC", Market: "CRYPTO",
		Side: model.SideBuy, Type: model.TypeLimit, Quantity: d(1),
	}
	if err := env.paper.CreateOrder(context.Background(), order); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	if env.eng.CheckAndExecute(context.Background(), model.ModePaper, order) {
		t.Fatal("filled a limit order with no limit price")
	}
	got, _ := env.paper.GetOrder(context.Background(), order.ID)
	if got.Status != model.StatusPending {
		t.Errorf("status = %s, want PENDING", got.Status)
	}
}
