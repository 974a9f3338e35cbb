package autotrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/engine"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/ledger"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/model"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/oracle"
)

// Instrument is one tradable symbol the AI pass may act on.
type Instrument struct {
	Symbol string
	Name   string
	Market string
}

// DefaultInstruments is the supported crypto universe.
var DefaultInstruments = []Instrument{
	{Symbol: "BTC", Name: "Bitcoin", Market: "CRYPTO"},
	{Symbol: "ETH", Name: "Ethereum", Market: "CRYPTO"},
	{Symbol: "SOL", Name: "Solana", Market: "CRYPTO"},
	{Symbol: "XRP", Name: "Ripple", Market: "CRYPTO"},
	{Symbol: "DOGE", Name: "Dogecoin", Market: "CRYPTO"},
	{Symbol: "BNB", Name: "BNB", Market: "CRYPTO"},
}

// Runner drives the per-account AI decision pass. Strategy configuration
// gates when each account runs: realtime accounts run on every price event,
// interval accounts on the scheduler clock, tick-batch accounts after every
// N price events.
type Runner struct {
	eng         *engine.Engine
	prices      oracle.Source
	client      DecisionClient
	instruments []Instrument

	mu    sync.Mutex
	ticks map[int64]int
}

// NewRunner creates a runner over the given engine, price source and
// decision client. instruments nil means DefaultInstruments.
func NewRunner(eng *engine.Engine, prices oracle.Source, client DecisionClient, instruments []Instrument) *Runner {
	if instruments == nil {
		instruments = DefaultInstruments
	}
	return &Runner{
		eng:         eng,
		prices:      prices,
		client:      client,
		instruments: instruments,
		ticks:       make(map[int64]int),
	}
}

func (r *Runner) instrument(symbol string) (Instrument, bool) {
	for _, in := range r.instruments {
		if in.Symbol == symbol {
			return in, true
		}
	}
	return Instrument{}, false
}

// strategyFor loads the account's strategy, defaulting to enabled realtime
// when none is configured. Strategy and decision rows live in the paper
// ledger, the authoritative store for account metadata.
func (r *Runner) strategyFor(ctx context.Context, accountID int64) (*model.StrategyConfig, error) {
	cfg, err := r.eng.Router().Paper().GetStrategy(ctx, accountID)
	if errors.Is(err, ledger.ErrNotFound) {
		return &model.StrategyConfig{
			AccountID:   accountID,
			TriggerMode: model.TriggerRealtime,
			Enabled:     true,
		}, nil
	}
	return cfg, err
}

// OnPriceEvent runs the pass for realtime accounts and advances tick-batch
// counters, running accounts whose batch is complete. Called once per
// arena-wide price update.
func (r *Runner) OnPriceEvent(ctx context.Context) {
	accounts, err := r.eng.Router().Paper().ListAutoTradeAccounts(ctx)
	if err != nil {
		slog.Error("failed to list auto-trade accounts", "err", err)
		return
	}
	for _, acc := range accounts {
		cfg, err := r.strategyFor(ctx, acc.ID)
		if err != nil || !cfg.Enabled {
			continue
		}
		switch cfg.TriggerMode {
		case model.TriggerRealtime:
			r.runAndRecord(ctx, acc.ID)
		case model.TriggerTickBatch:
			if r.bumpTick(acc.ID, cfg.TickBatchSize) {
				r.runAndRecord(ctx, acc.ID)
			}
		}
	}
}

// bumpTick increments the account's tick counter and reports whether the
// batch completed, resetting the counter when it did.
func (r *Runner) bumpTick(accountID int64, batchSize int) bool {
	if batchSize <= 0 {
		batchSize = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks[accountID]++
	if r.ticks[accountID] >= batchSize {
		r.ticks[accountID] = 0
		return true
	}
	return false
}

// OnSchedule runs the pass for interval accounts whose interval has elapsed.
// Called from the scheduler tick.
func (r *Runner) OnSchedule(ctx context.Context, now time.Time) {
	accounts, err := r.eng.Router().Paper().ListAutoTradeAccounts(ctx)
	if err != nil {
		slog.Error("failed to list auto-trade accounts", "err", err)
		return
	}
	for _, acc := range accounts {
		cfg, err := r.strategyFor(ctx, acc.ID)
		if err != nil || !cfg.Enabled || cfg.TriggerMode != model.TriggerInterval {
			continue
		}
		interval := time.Duration(cfg.IntervalSeconds) * time.Second
		if interval <= 0 {
			interval = time.Minute
		}
		if cfg.LastTriggerAt != nil && now.Sub(*cfg.LastTriggerAt) < interval {
			continue
		}
		r.runAndRecord(ctx, acc.ID)
	}
}

func (r *Runner) runAndRecord(ctx context.Context, accountID int64) {
	if err := r.RunForAccount(ctx, accountID); err != nil {
		slog.Warn("ai pass failed", "account_id", accountID, "err", err)
	}
	if err := r.eng.Router().Paper().SetLastTrigger(ctx, accountID, time.Now()); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		slog.Warn("failed to record trigger time", "account_id", accountID, "err", err)
	}
}

// RunForAccount builds the portfolio brief, asks the account's model for one
// decision, validates it, and executes it as a market order. The decision is
// logged whether or not it executed.
func (r *Runner) RunForAccount(ctx context.Context, accountID int64) error {
	led, acc, err := r.eng.Router().ForAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if acc.Model == "" || acc.BaseURL == "" {
		return fmt.Errorf("account %d has no model configured", accountID)
	}

	brief, positions, err := r.buildBrief(ctx, led, acc)
	if err != nil {
		return err
	}

	decision, err := r.client.Decide(ctx, acc.Model, acc.BaseURL, acc.APIKey, brief)
	if err != nil {
		return fmt.Errorf("decision client: %w", err)
	}

	log := &model.DecisionLog{
		AccountID:     accountID,
		Operation:     decision.Operation,
		Symbol:        decision.Symbol,
		TargetPortion: decision.TargetPortion,
		TotalBalance:  brief.TotalAssets,
		Reason:        decision.Reason,
		DecisionTime:  time.Now(),
	}
	if pos := findPosition(positions, decision.Symbol); pos != nil && brief.TotalAssets.IsPositive() {
		price, perr := oracle.Validate(r.prices.LastPrice(ctx, pos.Symbol, pos.Market))
		if perr == nil {
			log.PrevPortion = price.Mul(pos.Quantity).Div(brief.TotalAssets)
		}
	}

	if err := r.execute(ctx, acc, positions, decision, log); err != nil {
		log.Reason = decision.Reason + " [rejected: " + err.Error() + "]"
	}

	if derr := r.eng.Router().Paper().InsertDecision(ctx, log); derr != nil {
		slog.Error("failed to persist decision", "account_id", accountID, "err", derr)
	}

	slog.Info("ai decision",
		"account_id", accountID,
		"operation", log.Operation,
		"symbol", log.Symbol,
		"portion", log.TargetPortion.String(),
		"executed", log.Executed,
	)
	return nil
}

// execute validates and places the decision's order, filling in the log's
// Executed and OrderID fields. A validation failure is returned so the
// caller can annotate the log; it is not an infrastructure error.
func (r *Runner) execute(ctx context.Context, acc *model.Account, positions []model.Position, d Decision, log *model.DecisionLog) error {
	switch d.Operation {
	case "hold":
		log.Executed = true
		return nil
	case "buy", "sell":
	default:
		return fmt.Errorf("unknown operation %q", d.Operation)
	}

	in, ok := r.instrument(d.Symbol)
	if !ok {
		return fmt.Errorf("unsupported symbol %q", d.Symbol)
	}
	if !d.TargetPortion.IsPositive() || d.TargetPortion.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("target portion %s outside (0,1]", d.TargetPortion)
	}

	price, err := oracle.Validate(r.prices.LastPrice(ctx, in.Symbol, in.Market))
	if err != nil {
		return err
	}

	var side model.Side
	var qty decimal.Decimal
	if d.Operation == "buy" {
		side = model.SideBuy
		qty = acc.CurrentCash.Sub(acc.FrozenCash).Mul(d.TargetPortion).Div(price).Round(6)
		if !qty.IsPositive() {
			return fmt.Errorf("buy quantity rounds to zero")
		}
	} else {
		side = model.SideSell
		pos := findPosition(positions, d.Symbol)
		if pos == nil || !pos.AvailableQuantity.IsPositive() {
			return fmt.Errorf("no position in %s to sell", d.Symbol)
		}
		qty = pos.AvailableQuantity.Mul(d.TargetPortion).Floor()
		if qty.LessThan(decimal.NewFromInt(1)) {
			qty = decimal.NewFromInt(1)
		}
		qty = decimal.Min(qty, pos.AvailableQuantity)
	}

	order, err := r.eng.Create(ctx, engine.CreateRequest{
		AccountID: acc.ID,
		Symbol:    in.Symbol,
		Name:      in.Name,
		Market:    in.Market,
		Side:      side,
		Type:      model.TypeMarket,
		Quantity:  qty,
	})
	if err != nil {
		return err
	}

	log.OrderID = &order.ID
	// Market orders execute immediately against the reference price.
	log.Executed = r.eng.CheckAndExecute(ctx, acc.TradeMode, order)
	return nil
}

// buildBrief assembles the portfolio context for the decision client. A
// position whose reference price is unavailable is valued at average cost so
// one stale feed does not abort the pass.
func (r *Runner) buildBrief(ctx context.Context, led ledger.Ledger, acc *model.Account) (Brief, []model.Position, error) {
	positions, err := led.ListPositions(ctx, acc.ID)
	if err != nil {
		return Brief{}, nil, err
	}

	brief := Brief{Cash: acc.CurrentCash, TotalAssets: acc.CurrentCash}
	for _, p := range positions {
		if !p.Quantity.IsPositive() {
			continue
		}
		value := p.AvgCost.Mul(p.Quantity)
		if price, perr := oracle.Validate(r.prices.LastPrice(ctx, p.Symbol, p.Market)); perr == nil {
			value = price.Mul(p.Quantity)
		}
		brief.Holdings = append(brief.Holdings, BriefHolding{
			Symbol:   p.Symbol,
			Quantity: p.Quantity,
			AvgCost:  p.AvgCost,
			Value:    value,
		})
		brief.TotalAssets = brief.TotalAssets.Add(value)
	}

	for _, in := range r.instruments {
		if price, perr := oracle.Validate(r.prices.LastPrice(ctx, in.Symbol, in.Market)); perr == nil {
			brief.Prices = append(brief.Prices, BriefPrice{Symbol: in.Symbol, Price: price})
		}
	}
	return brief, positions, nil
}

func findPosition(positions []model.Position, symbol string) *model.Position {
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i]
		}
	}
	return nil
}
