package autotrade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/engine"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/ledger"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fixedFeed struct {
	price decimal.Decimal
}

func (f fixedFeed) LastPrice(context.Context, string, string) (decimal.Decimal, error) {
	return f.price, nil
}

type scriptedClient struct {
	decision Decision
	err      error
	briefs   []Brief
}

func (c *scriptedClient) Decide(_ context.Context, _, _, _ string, brief Brief) (Decision, error) {
	c.briefs = append(c.briefs, brief)
	return c.decision, c.err
}

type testEnv struct {
	runner *Runner
	paper  *ledger.MemoryLedger
	client *scriptedClient
}

func newTestEnv(t *testing.T, price float64, decision Decision) *testEnv {
	t.Helper()
	paper := ledger.NewMemoryLedger()
	feed := fixedFeed{price: d(price)}
	eng := engine.New(ledger.NewRouter(paper, ledger.NewMemoryLedger()), feed, nil, nil)
	client := &scriptedClient{decision: decision}
	return &testEnv{
		runner: NewRunner(eng, feed, client, nil),
		paper:  paper,
		client: client,
	}
}

func (e *testEnv) seedAccount(t *testing.T, cash float64, autoTrade bool) *model.Account {
	t.Helper()
	acc := &model.Account{
		Name:           "bot",
		TradeMode:      model.ModePaper,
		InitialCapital: d(cash),
		CurrentCash:    d(cash),
		Active:         true,
		AutoTrading:    autoTrade,
		Model:          "test-model",
		BaseURL:        "http://localhost:0",
	}
	if err := e.paper.CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return acc
}

func lastDecision(t *testing.T, led ledger.Ledger, accountID int64) model.DecisionLog {
	t.Helper()
	logs, err := led.ListDecisions(context.Background(), accountID, 1)
	if err != nil || len(logs) == 0 {
		t.Fatalf("no decision logged (err=%v)", err)
	}
	return logs[0]
}

func TestBuyDecisionExecutesMarketOrder(t *testing.T) {
	env := newTestEnv(t, 50000, Decision{
		Operation:     "buy",
		Symbol:        "BTC",
		TargetPortion: d(0.5),
		Reason:        "momentum",
	})
	acc := env.seedAccount(t, 100000, true)

	if err := env.runner.RunForAccount(context.Background(), acc.ID); err != nil {
		t.Fatalf("RunForAccount: %v", err)
	}

	log := lastDecision(t, env.paper, acc.ID)
	if !log.Executed {
		t.Fatalf("decision not executed: %s", log.Reason)
	}
	if log.OrderID == nil {
		t.Fatal("executed decision has no order id")
	}

	// cash × portion / price = 100000 × 0.5 / 50000 = 1 BTC.
	order, err := env.paper.GetOrder(context.Background(), *log.OrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if !order.Quantity.Equal(d(1)) {
		t.Errorf("quantity = %s, want 1", order.Quantity)
	}
	if order.Status != model.StatusFilled {
		t.Errorf("status = %s, want FILLED", order.Status)
	}
}

func TestHoldDecisionIsLoggedExecuted(t *testing.T) {
	env := newTestEnv(t, 50000, Decision{Operation: "hold", Reason: "choppy"})
	acc := env.seedAccount(t, 100000, true)

	if err := env.runner.RunForAccount(context.Background(), acc.ID); err != nil {
		t.Fatalf("RunForAccount: %v", err)
	}
	log := lastDecision(t, env.paper, acc.ID)
	if log.Operation != "hold" || !log.Executed {
		t.Errorf("log = %+v", log)
	}
	if log.OrderID != nil {
		t.Error("hold decision created an order")
	}
}

func TestInvalidDecisionsAreLoggedNotExecuted(t *testing.T) {
	tests := []struct {
		name     string
		decision Decision
	}{
		{"unknown operation", Decision{Operation: "short", Symbol: "BTC", TargetPortion: d(0.5)}},
		{"unsupported symbol", Decision{Operation: "buy", Symbol: "SHIB", TargetPortion: d(0.5)}},
		{"portion above one", Decision{Operation: "buy", Symbol: "BTC", TargetPortion: d(1.5)}},
		{"zero portion", Decision{Operation: "buy", Symbol: "BTC", TargetPortion: decimal.Zero}},
		{"sell with no position", Decision{Operation: "sell", Symbol: "BTC", TargetPortion: d(0.5)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, 50000, tc.decision)
			acc := env.seedAccount(t, 100000, true)

			if err := env.runner.RunForAccount(context.Background(), acc.ID); err != nil {
				t.Fatalf("RunForAccount: %v", err)
			}
			log := lastDecision(t, env.paper, acc.ID)
			if log.Executed {
				t.Error("invalid decision marked executed")
			}
			if log.OrderID != nil {
				t.Error("invalid decision created an order")
			}
		})
	}
}

func TestSellQuantityFloorsAndCaps(t *testing.T) {
	env := newTestEnv(t, 100, Decision{
		Operation: "sell", Symbol: "ETH", TargetPortion: d(0.3),
	})
	acc := env.seedAccount(t, 100000, true)
	seedHolding(t, env.paper, acc.ID, "ETH", 10, 90)

	if err := env.runner.RunForAccount(context.Background(), acc.ID); err != nil {
		t.Fatalf("RunForAccount: %v", err)
	}
	log := lastDecision(t, env.paper, acc.ID)
	if !log.Executed || log.OrderID == nil {
		t.Fatalf("sell not executed: %+v", log)
	}
	order, _ := env.paper.GetOrder(context.Background(), *log.OrderID)
	// floor(10 × 0.3) = 3 whole units.
	if !order.Quantity.Equal(d(3)) {
		t.Errorf("quantity = %s, want 3", order.Quantity)
	}
}

func seedHolding(t *testing.T, led ledger.Ledger, accountID int64, symbol string, qty, price float64) {
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

func TestDecisionClientFailureLogsNothing(t *testing.T) {
	env := newTestEnv(t, 50000, Decision{})
	env.client.err = errors.New("model endpoint down")
	acc := env.seedAccount(t, 100000, true)

	if err := env.runner.RunForAccount(context.Background(), acc.ID); err == nil {
		t.Fatal("expected error from failed client")
	}
	logs, _ := env.paper.ListDecisions(context.Background(), acc.ID, 10)
	if len(logs) != 0 {
		t.Errorf("%d decisions logged for a failed call", len(logs))
	}
}

func TestBriefCarriesPortfolioState(t *testing.T) {
	env := newTestEnv(t, 200, Decision{Operation: "hold"})
	acc := env.seedAccount(t, 10000, true)
	seedHolding(t, env.paper, acc.ID, "ETH", 5, 150)

	// Reload: the seed fill moved cash.
	acc, _ = env.paper.GetAccount(context.Background(), acc.ID)

	if err := env.runner.RunForAccount(context.Background(), acc.ID); err != nil {
		t.Fatalf("RunForAccount: %v", err)
	}
	if len(env.client.briefs) != 1 {
		t.Fatalf("%d briefs", len(env.client.briefs))
	}
	brief := env.client.briefs[0]
	if !brief.Cash.Equal(acc.CurrentCash) {
		t.Errorf("brief cash = %s, want %s", brief.Cash, acc.CurrentCash)
	}
	// 5 ETH at the live price of 200.
	wantTotal := acc.CurrentCash.Add(d(1000))
	if !brief.TotalAssets.Equal(wantTotal) {
		t.Errorf("total assets = %s, want %s", brief.TotalAssets, wantTotal)
	}
	if len(brief.Holdings) != 1 || brief.Holdings[0].Symbol != "ETH" {
		t.Errorf("holdings = %+v", brief.Holdings)
	}
}

func TestTickBatchGating(t *testing.T) {
	env := newTestEnv(t, 50000, Decision{Operation: "hold"})
	acc := env.seedAccount(t, 100000, true)
	if err := env.paper.UpsertStrategy(context.Background(), &model.StrategyConfig{
		AccountID:     acc.ID,
		TriggerMode:   model.TriggerTickBatch,
		TickBatchSize: 3,
		Enabled:       true,
	}); err != nil {
		t.Fatalf("strategy: %v", err)
	}

	for i := 0; i < 2; i++ {
		env.runner.OnPriceEvent(context.Background())
	}
	if logs, _ := env.paper.ListDecisions(context.Background(), acc.ID, 10); len(logs) != 0 {
		t.Fatalf("pass ran before batch completed: %d decisions", len(logs))
	}

	env.runner.OnPriceEvent(context.Background())
	if logs, _ := env.paper.ListDecisions(context.Background(), acc.ID, 10); len(logs) != 1 {
		t.Fatalf("batch completion ran %d passes, want 1", len(logs))
	}

	// Counter reset: the next two events must not trigger again.
	env.runner.OnPriceEvent(context.Background())
	env.runner.OnPriceEvent(context.Background())
	if logs, _ := env.paper.ListDecisions(context.Background(), acc.ID, 10); len(logs) != 1 {
		t.Errorf("counter did not reset: %d decisions", len(logs))
	}
}

func TestIntervalGating(t *testing.T) {
	env := newTestEnv(t, 50000, Decision{Operation: "hold"})
	acc := env.seedAccount(t, 100000, true)
	if err := env.paper.UpsertStrategy(context.Background(), &model.StrategyConfig{
		AccountID:       acc.ID,
		TriggerMode:     model.TriggerInterval,
		IntervalSeconds: 300,
		Enabled:         true,
	}); err != nil {
		t.Fatalf("strategy: %v", err)
	}

	now := time.Now()
	env.runner.OnSchedule(context.Background(), now)
	if logs, _ := env.paper.ListDecisions(context.Background(), acc.ID, 10); len(logs) != 1 {
		t.Fatalf("first schedule ran %d passes", len(logs))
	}

	// Inside the interval: gated.
	env.runner.OnSchedule(context.Background(), now.Add(time.Minute))
	if logs, _ := env.paper.ListDecisions(context.Background(), acc.ID, 10); len(logs) != 1 {
		t.Fatalf("pass ran inside the interval")
	}

	env.runner.OnSchedule(context.Background(), now.Add(10*time.Minute))
	if logs, _ := env.paper.ListDecisions(context.Background(), acc.ID, 10); len(logs) != 2 {
		t.Errorf("elapsed interval ran %d passes, want 2", len(logs))
	}
}

func TestDisabledStrategySkipsAccount(t *testing.T) {
	env := newTestEnv(t, 50000, Decision{Operation: "hold"})
	acc := env.seedAccount(t, 100000, true)
	if err := env.paper.UpsertStrategy(context.Background(), &model.StrategyConfig{
		AccountID:   acc.ID,
		TriggerMode: model.TriggerRealtime,
		Enabled:     false,
	}); err != nil {
		t.Fatalf("strategy: %v", err)
	}

	env.runner.OnPriceEvent(context.Background())
	if logs, _ := env.paper.ListDecisions(context.Background(), acc.ID, 10); len(logs) != 0 {
		t.Errorf("disabled strategy still ran")
	}
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Decision
		wantErr bool
	}{
		{
			name:    "bare json",
			content: `{"operation":"buy","symbol":"btc","target_portion":0.25,"reason":"dip"}`,
			want:    Decision{Operation: "buy", Symbol: "BTC", TargetPortion: d(0.25), Reason: "dip"},
		},
		{
			name:    "fenced json with prose",
			content: "Here is my decision:\n```json\n{\"operation\":\"SELL\",\"symbol\":\"eth\",\"target_portion\":0.5,\"reason\":\"top\"}\n```",
			want:    Decision{Operation: "sell", Symbol: "ETH", TargetPortion: d(0.5), Reason: "top"},
		},
		{
			name:    "no json",
			content: "I cannot decide.",
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseDecision(tc.content)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
			if err != nil {
				return
			}
			if got.Operation != tc.want.Operation || got.Symbol != tc.want.Symbol ||
				!got.TargetPortion.Equal(tc.want.TargetPortion) || got.Reason != tc.want.Reason {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}
