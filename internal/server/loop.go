package server

import (
	"context"
	"time"

	"github.com/amerkoleci/rbfx/internal/logging"
	"github.com/amerkoleci/rbfx/internal/logging/replication"
	"github.com/amerkoleci/rbfx/internal/session"
	"github.com/amerkoleci/rbfx/internal/trace"
)

const (
	metricTickDuration = "server_tick_duration_micros"
	metricTickOverruns = "server_tick_overruns_total"
	metricTickClamped  = "server_tick_clamped_total"
)

// LoopConfig tunes the fixed-timestep runner.
type LoopConfig struct {
	TickRate        int
	CatchupMaxTicks int
}

// TickResult describes one executed tick.
type TickResult struct {
	Frame        trace.Frame
	Stats        session.FrameStats
	Delta        float64
	MaxDelta     float64
	ClampedDelta bool
	Duration     time.Duration
	Budget       time.Duration
}

// Overrun reports whether the tick took longer than its budget.
func (r TickResult) Overrun() bool {
	return r.Budget > 0 && r.Duration > r.Budget
}

// LoopHooks are optional callbacks around each tick.
type LoopHooks struct {
	AfterStep func(TickResult)
}

// Loop drives Hub.Step at a fixed rate.
type Loop struct {
	hub    *Hub
	config LoopConfig
	hooks  LoopHooks
	clock  logging.Clock
}

func NewLoop(hub *Hub, cfg LoopConfig, hooks LoopHooks) *Loop {
	if cfg.TickRate <= 0 {
		cfg.TickRate = hub.cfg.TickRate
	}
	return &Loop{hub: hub, config: cfg, hooks: hooks, clock: logging.ClockFunc(time.Now)}
}

func (l *Loop) budget() time.Duration {
	return time.Second / time.Duration(l.config.TickRate)
}

// Tick runs one step with the given delta and reports it to the hooks.
func (l *Loop) Tick(ctx context.Context, dt float64) TickResult {
	return l.step(ctx, TickResult{Delta: dt, MaxDelta: dt})
}

func (l *Loop) step(ctx context.Context, result TickResult) TickResult {
	result.Budget = l.budget()
	start := l.clock.Now()
	result.Stats = l.hub.Step(ctx, result.Delta)
	result.Duration = l.clock.Now().Sub(start)
	result.Frame = result.Stats.Frame
	l.report(ctx, result)
	return result
}

// Run steps the hub once per tick until ctx is cancelled. The delta fed to
// each step is the wall time since the previous one, capped at
// CatchupMaxTicks budgets so a stall does not teleport objects.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.budget())
	defer ticker.Stop()

	nominal := l.budget().Seconds()
	maxDt := nominal * float64(max(l.config.CatchupMaxTicks, 1))
	last := l.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := l.clock.Now()
		dt := now.Sub(last).Seconds()
		last = now
		result := TickResult{Delta: dt, MaxDelta: maxDt}
		switch {
		case dt <= 0:
			result.Delta = nominal
		case dt > maxDt:
			result.Delta = maxDt
			result.ClampedDelta = true
		}
		l.step(ctx, result)
	}
}

func (l *Loop) report(ctx context.Context, result TickResult) {
	metrics := l.hub.deps.Metrics
	metrics.Store(metricTickDuration, uint64(result.Duration.Microseconds()))
	if result.ClampedDelta {
		metrics.Add(metricTickClamped, 1)
	}
	if result.Overrun() {
		metrics.Add(metricTickOverruns, 1)
		replication.TickOverrun(ctx, l.hub.deps.Publisher, uint32(result.Frame), replication.OverrunPayload{
			DurationMillis: result.Duration.Milliseconds(),
			BudgetMillis:   result.Budget.Milliseconds(),
		})
	}
	if l.hooks.AfterStep != nil {
		l.hooks.AfterStep(result)
	}
}
