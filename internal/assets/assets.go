// Package assets maintains the per-account valuation history: a snapshot row
// per price-update event per active account, a bounded retention window, and
// downsampled asset curves for charting.
package assets

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/ledger"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/model"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/oracle"
)

// Retention is how long snapshot rows are kept. Trades are never purged;
// snapshots are a derived read-model.
const Retention = 30 * 24 * time.Hour

// Recorder values accounts against the reference price feed and writes
// snapshot rows into each account's own ledger.
type Recorder struct {
	router *ledger.Router
	prices oracle.Source
	now    func() time.Time
}

// NewRecorder creates a recorder over the ledger router and price source.
func NewRecorder(router *ledger.Router, prices oracle.Source) *Recorder {
	return &Recorder{router: router, prices: prices, now: time.Now}
}

// Valuation is one account's point-in-time worth.
type Valuation struct {
	Cash           decimal.Decimal
	PositionsValue decimal.Decimal
	TotalAssets    decimal.Decimal
}

// Value computes the account's current valuation from its ledger. Positions
// whose reference price is unavailable are valued at average cost.
func (r *Recorder) Value(ctx context.Context, led ledger.Ledger, acc *model.Account) (Valuation, error) {
	positions, err := led.ListPositions(ctx, acc.ID)
	if err != nil {
		return Valuation{}, err
	}
	return r.ValuePositions(ctx, acc, positions), nil
}

// ValuePositions values an already-loaded position set against the reference
// feed, falling back to average cost per position when no quote is available.
func (r *Recorder) ValuePositions(ctx context.Context, acc *model.Account, positions []model.Position) Valuation {
	v := Valuation{Cash: acc.CurrentCash}
	for _, p := range positions {
		if !p.Quantity.IsPositive() {
			continue
		}
		value := p.AvgCost.Mul(p.Quantity)
		if price, perr := oracle.Validate(r.prices.LastPrice(ctx, p.Symbol, p.Market)); perr == nil {
			value = price.Mul(p.Quantity)
		}
		v.PositionsValue = v.PositionsValue.Add(value)
	}
	v.TotalAssets = v.Cash.Add(v.PositionsValue)
	return v
}

// RecordAll writes one snapshot for every active account, attributed to the
// price event that triggered it. Per-account failures are logged and skipped.
func (r *Recorder) RecordAll(ctx context.Context, triggerSymbol, triggerMarket string) {
	accounts, err := r.router.Paper().ListAccounts(ctx)
	if err != nil {
		slog.Error("failed to list accounts for snapshots", "err", err)
		return
	}
	eventTime := r.now()
	for _, acc := range accounts {
		if !acc.Active {
			continue
		}
		led, resolved, err := r.router.ForAccount(ctx, acc.ID)
		if err != nil {
			slog.Warn("skipping snapshot", "account_id", acc.ID, "err", err)
			continue
		}
		v, err := r.Value(ctx, led, resolved)
		if err != nil {
			slog.Warn("failed to value account", "account_id", acc.ID, "err", err)
			continue
		}
		snap := &model.AssetSnapshot{
			AccountID:      acc.ID,
			TotalAssets:    v.TotalAssets,
			Cash:           v.Cash,
			PositionsValue: v.PositionsValue,
			TriggerSymbol:  triggerSymbol,
			TriggerMarket:  triggerMarket,
			EventTime:      eventTime,
		}
		if err := led.InsertSnapshot(ctx, snap); err != nil {
			slog.Warn("failed to insert snapshot", "account_id", acc.ID, "err", err)
		}
	}
}

// Purge deletes snapshots past retention from both ledgers and returns the
// total number removed.
func (r *Recorder) Purge(ctx context.Context) int64 {
	cutoff := r.now().Add(-Retention)
	var total int64
	for _, led := range []ledger.Ledger{r.router.Paper(), r.router.Real()} {
		n, err := led.PurgeSnapshotsBefore(ctx, cutoff)
		if err != nil {
			slog.Warn("snapshot purge failed", "err", err)
			continue
		}
		total += n
	}
	if total > 0 {
		slog.Info("purged old snapshots", "removed", total)
	}
	return total
}

// CurvePoint is one downsampled point of an account's asset curve.
type CurvePoint struct {
	Time           time.Time       `json:"time"`
	TotalAssets    decimal.Decimal `json:"total_assets"`
	Cash           decimal.Decimal `json:"cash"`
	PositionsValue decimal.Decimal `json:"positions_value"`
}

// timeframe lookback windows and bucket widths.
var timeframes = map[string]struct {
	window time.Duration
	bucket time.Duration
}{
	"5m": {24 * time.Hour, 5 * time.Minute},
	"1h": {7 * 24 * time.Hour, time.Hour},
	"1d": {Retention, 24 * time.Hour},
}

// Curve returns the account's asset curve for a timeframe (5m, 1h or 1d),
// keeping the last snapshot per bucket.
func (r *Recorder) Curve(ctx context.Context, accountID int64, timeframe string) ([]CurvePoint, error) {
	tf, ok := timeframes[timeframe]
	if !ok {
		return nil, fmt.Errorf("unknown timeframe %q", timeframe)
	}
	led, _, err := r.router.ForAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	snaps, err := led.ListSnapshots(ctx, accountID, r.now().Add(-tf.window))
	if err != nil {
		return nil, err
	}

	var points []CurvePoint
	for _, s := range snaps {
		bucket := s.EventTime.Truncate(tf.bucket)
		p := CurvePoint{
			Time:           bucket,
			TotalAssets:    s.TotalAssets,
			Cash:           s.Cash,
			PositionsValue: s.PositionsValue,
		}
		// Snapshots arrive oldest-first; the last one in a bucket wins.
		if n := len(points); n > 0 && points[n-1].Time.Equal(bucket) {
			points[n-1] = p
			continue
		}
		points = append(points, p)
	}
	return points, nil
}
