package hub

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/assets"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/ledger"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/model"
)

// recentRows caps the order/trade/decision lists in a snapshot.
const recentRows = 10

// Snapshot is the full account view pushed to subscribers.
type Snapshot struct {
	Type      string              `json:"type"`
	Overview  Overview            `json:"overview"`
	Positions []model.Position    `json:"positions"`
	Orders    []model.Order       `json:"orders"`
	Trades    []model.Trade       `json:"trades"`
	Decisions []model.DecisionLog `json:"ai_decisions"`
}

// Overview is the account header of a snapshot.
type Overview struct {
	AccountID      int64           `json:"account_id"`
	Name           string          `json:"name"`
	TradeMode      model.TradeMode `json:"trade_mode"`
	Cash           decimal.Decimal `json:"cash"`
	FrozenCash     decimal.Decimal `json:"frozen_cash"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	TotalAssets    decimal.Decimal `json:"total_assets"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	ProfitLoss     decimal.Decimal `json:"profit_loss"`
}

// Builder assembles snapshots from one consistent read of the account's
// ledger: everything is loaded before serialization so subscribers never see
// a half-applied fill.
type Builder struct {
	router   *ledger.Router
	recorder *assets.Recorder
}

// NewBuilder creates a snapshot builder.
func NewBuilder(router *ledger.Router, recorder *assets.Recorder) *Builder {
	return &Builder{router: router, recorder: recorder}
}

// Snapshot implements SnapshotSource.
func (b *Builder) Snapshot(ctx context.Context, accountID int64) (any, error) {
	return b.Build(ctx, accountID)
}

// Build loads the account overview, positions, and recent activity. Balances
// and activity come from one consistent ledger view so a fill committing
// mid-build never shows pre-fill cash beside post-fill positions.
func (b *Builder) Build(ctx context.Context, accountID int64) (*Snapshot, error) {
	led, _, err := b.router.ForAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	view, err := led.LoadAccountView(ctx, accountID, recentRows)
	if err != nil {
		return nil, err
	}
	acc := view.Account
	v := b.recorder.ValuePositions(ctx, acc, view.Positions)

	decisions, err := b.router.Paper().ListDecisions(ctx, accountID, recentRows)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Type: "snapshot",
		Overview: Overview{
			AccountID:      acc.ID,
			Name:           acc.Name,
			TradeMode:      acc.TradeMode,
			Cash:           acc.CurrentCash,
			FrozenCash:     acc.FrozenCash,
			PositionsValue: v.PositionsValue,
			TotalAssets:    v.TotalAssets,
			InitialCapital: acc.InitialCapital,
			ProfitLoss:     v.TotalAssets.Sub(acc.InitialCapital),
		},
		Positions: view.Positions,
		Orders:    view.Orders,
		Trades:    view.Trades,
		Decisions: decisions,
	}, nil
}

// TradeEvent is the fill notification pushed after an order executes.
type TradeEvent struct {
	Type  string      `json:"type"`
	Trade model.Trade `json:"trade"`
}

// PositionsEvent is the holdings refresh pushed after a fill.
type PositionsEvent struct {
	Type      string           `json:"type"`
	AccountID int64            `json:"account_id"`
	Positions []model.Position `json:"positions"`
}

// Notifier adapts the hub to the engine's fill broadcast contract. Events
// are queued and fanned out off the fill path; the queue drops when full
// rather than block order execution.
type Notifier struct {
	hub   *Hub
	queue chan func()
}

// NewNotifier creates the engine-facing notifier and starts its fan-out
// goroutine.
func NewNotifier(h *Hub) *Notifier {
	n := &Notifier{hub: h, queue: make(chan func(), 256)}
	go func() {
		for fn := range n.queue {
			fn()
		}
	}()
	return n
}

func (n *Notifier) enqueue(fn func()) {
	select {
	case n.queue <- fn:
	default:
		// Drop when full; subscribers catch up on the next snapshot.
	}
}

// TradeExecuted pushes a trade_update frame to the account's subscribers.
func (n *Notifier) TradeExecuted(accountID int64, trade model.Trade) {
	n.enqueue(func() {
		n.hub.Send(accountID, TradeEvent{Type: "trade_update", Trade: trade})
	})
}

// PositionsChanged pushes a position_update frame to the account's subscribers.
func (n *Notifier) PositionsChanged(accountID int64, positions []model.Position) {
	n.enqueue(func() {
		n.hub.Send(accountID, PositionsEvent{
			Type:      "position_update",
			AccountID: accountID,
			Positions: positions,
		})
	})
}
