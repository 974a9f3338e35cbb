// Package sched runs the periodic jobs: the pending-order sweep, the AI
// decision pass, snapshot retention, and the real-balance sync. Each job has
// an in-flight guard so a slow run is skipped rather than stacked.
package sched

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/assets"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/autotrade"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/engine"
	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/metrics"
)

// Intervals carries the tick cadence of each job. Zero disables the job.
type Intervals struct {
	PendingSweep time.Duration
	AIPass       time.Duration
	SnapshotTick time.Duration
	Purge        time.Duration
	BalanceSync  time.Duration
}

// DefaultIntervals match production cadence.
func DefaultIntervals() Intervals {
	return Intervals{
		PendingSweep: 10 * time.Second,
		AIPass:       time.Minute,
		SnapshotTick: time.Minute,
		Purge:        time.Hour,
		BalanceSync:  5 * time.Minute,
	}
}

// Sweeper owns the job loops.
type Sweeper struct {
	eng      *engine.Engine
	runner   *autotrade.Runner
	recorder *assets.Recorder

	sweepBusy   atomic.Bool
	aiBusy      atomic.Bool
	balanceBusy atomic.Bool
}

// New creates a sweeper. runner and recorder may be nil to disable their jobs.
func New(eng *engine.Engine, runner *autotrade.Runner, recorder *assets.Recorder) *Sweeper {
	return &Sweeper{eng: eng, runner: runner, recorder: recorder}
}

// RunPendingSweep re-checks all pending orders once. Returns false when a
// previous sweep is still in flight.
func (s *Sweeper) RunPendingSweep(ctx context.Context) bool {
	if !s.sweepBusy.CompareAndSwap(false, true) {
		slog.Warn("pending sweep still running, skipping tick")
		return false
	}
	defer s.sweepBusy.Store(false)

	start := time.Now()
	s.eng.ProcessAllPending(ctx, 0)
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	return true
}

// RunAIPass runs the scheduled AI decision pass once, gated per account by
// strategy configuration. Returns false when a previous pass is in flight.
func (s *Sweeper) RunAIPass(ctx context.Context) bool {
	if s.runner == nil {
		return false
	}
	if !s.aiBusy.CompareAndSwap(false, true) {
		slog.Warn("ai pass still running, skipping tick")
		return false
	}
	defer s.aiBusy.Store(false)

	s.runner.OnSchedule(ctx, time.Now())
	return true
}

// RunBalanceSync refreshes real-mode cash from the broker once.
func (s *Sweeper) RunBalanceSync(ctx context.Context) bool {
	if !s.balanceBusy.CompareAndSwap(false, true) {
		return false
	}
	defer s.balanceBusy.Store(false)

	if err := s.eng.SyncRealBalances(ctx); err != nil {
		slog.Warn("balance sync incomplete", "err", err)
	}
	return true
}

// Start launches the job loops and blocks until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context, iv Intervals) {
	run := func(every time.Duration, job func(context.Context)) {
		if every <= 0 {
			return
		}
		go func() {
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					job(ctx)
				}
			}
		}()
	}

	run(iv.PendingSweep, func(ctx context.Context) { s.RunPendingSweep(ctx) })
	run(iv.AIPass, func(ctx context.Context) { s.RunAIPass(ctx) })
	run(iv.BalanceSync, func(ctx context.Context) { s.RunBalanceSync(ctx) })
	if s.recorder != nil {
		run(iv.SnapshotTick, func(ctx context.Context) {
			s.recorder.RecordAll(ctx, "", "")
			if s.runner != nil {
				s.runner.OnPriceEvent(ctx)
			}
		})
		run(iv.Purge, func(ctx context.Context) { s.recorder.Purge(ctx) })
	}

	slog.Info("scheduler started",
		"pending_sweep", iv.PendingSweep,
		"ai_pass", iv.AIPass,
		"snapshot_tick", iv.SnapshotTick,
	)
	<-ctx.Done()
}
