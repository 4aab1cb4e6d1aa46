// Package scheduler drives the ranking pipeline on a fixed tick, gates the
// agent cycle on candle closes and runs the stop-loss/take-profit sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/mr"
	"github.com/zeromicro/go-zero/core/threading"

	"tradefleet/pkg/manager"
	"tradefleet/pkg/market"
	"tradefleet/pkg/portfolio"
	"tradefleet/pkg/ranking"
)

// Pipeline runs one ranking computation.
type Pipeline interface {
	Run(ctx context.Context, tf market.Timeframe) (ranking.RunResult, error)
}

// Orchestrator runs the agent cycle of a timeframe.
type Orchestrator interface {
	RunCycle(ctx context.Context, tf market.Timeframe) (manager.CycleReport, error)
}

// Sweeper closes positions whose stop loss or take profit was hit.
type Sweeper interface {
	HeldSymbols(ctx context.Context) ([]string, error)
	Sweep(ctx context.Context, candles map[string]market.Candle) (portfolio.SweepReport, error)
}

// RunReader reads computation runs for due checks and status.
type RunReader interface {
	LatestRun(ctx context.Context, tf market.Timeframe) (*ranking.Run, error)
	LatestCompletedRun(ctx context.Context, tf market.Timeframe) (*ranking.Run, error)
}

// Report describes one timeframe run.
type Report struct {
	Timeframe    market.Timeframe
	Ranking      ranking.RunResult
	CandleClosed bool
	Cycle        *manager.CycleReport
	Sweep        *portfolio.SweepReport
}

// TimeframeStatus is the ops view of a timeframe.
type TimeframeStatus struct {
	Timeframe     market.Timeframe `json:"timeframe"`
	Cadence       string           `json:"cadence"`
	Running       bool             `json:"running"`
	LastRun       *ranking.Run     `json:"last_run,omitempty"`
	LastCompleted *ranking.Run     `json:"last_completed,omitempty"`
	LastCycle     time.Time        `json:"last_cycle,omitempty"`
	NextDue       time.Time        `json:"next_due"`
	LastError     string           `json:"last_error,omitempty"`
}

// Scheduler ties the pipeline, orchestrator and sweep together.
type Scheduler struct {
	cfg          *Config
	runs         RunReader
	pipeline     Pipeline
	orchestrator Orchestrator
	sweeper      Sweeper
	provider     market.Provider
	locker       Locker
	cycles       CycleClock
	now          func() time.Time

	mu      sync.Mutex
	running map[market.Timeframe]bool
	errs    map[market.Timeframe]string
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLocker replaces the in-process locker, e.g. with a Redis one shared by
// several processes.
func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

// WithCycleClock replaces the in-process cycle clock.
func WithCycleClock(c CycleClock) Option {
	return func(s *Scheduler) { s.cycles = c }
}

// WithOrchestrator enables agent cycles after completed runs.
func WithOrchestrator(o Orchestrator) Option {
	return func(s *Scheduler) { s.orchestrator = o }
}

// WithSweeper enables the SL/TP sweep.
func WithSweeper(sw Sweeper) Option {
	return func(s *Scheduler) { s.sweeper = sw }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New wires a scheduler. A nil cfg uses DefaultConfig.
func New(cfg *Config, runs RunReader, pipeline Pipeline, provider market.Provider, opts ...Option) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Scheduler{
		cfg:      cfg,
		runs:     runs,
		pipeline: pipeline,
		provider: provider,
		locker:   NewMemoryLocker(),
		cycles:   NewMemoryClock(),
		now:      func() time.Time { return time.Now().UTC() },
		running:  make(map[market.Timeframe]bool),
		errs:     make(map[market.Timeframe]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start ticks until ctx is done. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	logx.WithContext(ctx).Infof("scheduler: started, tick=%s timeframes=%v", s.cfg.Tick, s.cfg.Enabled())
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs every due timeframe concurrently and waits for them. A timeframe
// whose lock is taken is skipped until the next tick.
func (s *Scheduler) Tick(ctx context.Context) []Report {
	logger := logx.WithContext(ctx)
	due, err := s.Due(ctx, s.now())
	if err != nil {
		logger.Errorf("scheduler: due check: %v", err)
	}
	var (
		mu      sync.Mutex
		reports []Report
	)
	group := threading.NewRoutineGroup()
	for _, tf := range due {
		tf := tf
		group.RunSafe(func() {
			rep, err := s.run(ctx, tf)
			switch {
			case errors.Is(err, ErrBusy):
				logger.Infof("scheduler: %s busy, skipping tick", tf)
				return
			case err != nil:
				logger.Errorf("scheduler: %s run failed: %v", tf, err)
			}
			mu.Lock()
			reports = append(reports, rep)
			mu.Unlock()
		})
	}
	group.Wait()
	return reports
}

// Due returns the timeframes whose cadence boundary passed since their last
// completed run started.
func (s *Scheduler) Due(ctx context.Context, now time.Time) ([]market.Timeframe, error) {
	var (
		out  []market.Timeframe
		errs []error
	)
	for _, tf := range s.cfg.Enabled() {
		last, err := s.runs.LatestCompletedRun(ctx, tf)
		switch {
		case errors.Is(err, ranking.ErrNotFound):
			out = append(out, tf)
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", tf, err))
		case last.StartedAt.Before(boundary(now, s.cadence(tf))):
			out = append(out, tf)
		}
	}
	return out, errors.Join(errs...)
}

// Trigger runs tf now through the same lock as scheduled runs.
func (s *Scheduler) Trigger(ctx context.Context, tf market.Timeframe) (Report, error) {
	if !tf.Valid() {
		return Report{}, fmt.Errorf("scheduler: invalid timeframe %q", tf)
	}
	return s.run(ctx, tf)
}

// Status returns the state of every scheduled timeframe.
func (s *Scheduler) Status(ctx context.Context) ([]TimeframeStatus, error) {
	var errs []error
	out := make([]TimeframeStatus, 0, len(s.cfg.Enabled()))
	now := s.now()
	for _, tf := range s.cfg.Enabled() {
		cadence := s.cadence(tf)
		st := TimeframeStatus{Timeframe: tf, Cadence: cadence.String(), NextDue: boundary(now, cadence).Add(cadence)}
		s.mu.Lock()
		st.Running = s.running[tf]
		st.LastError = s.errs[tf]
		s.mu.Unlock()

		if run, err := s.runs.LatestRun(ctx, tf); err == nil {
			st.LastRun = run
		} else if !errors.Is(err, ranking.ErrNotFound) {
			errs = append(errs, err)
		}
		if run, err := s.runs.LatestCompletedRun(ctx, tf); err == nil {
			st.LastCompleted = run
			if run.StartedAt.Before(boundary(now, cadence)) {
				st.NextDue = now
			}
		} else if errors.Is(err, ranking.ErrNotFound) {
			st.NextDue = now
		} else {
			errs = append(errs, err)
		}
		if last, err := s.cycles.LastCycle(ctx, tf); err == nil {
			st.LastCycle = last
		}
		out = append(out, st)
	}
	return out, errors.Join(errs...)
}

// run executes one timeframe under its lock: ranking within the run budget,
// the agent cycle when a candle closed, then the sweep. All of it shares the
// lock's TTL as a deadline.
func (s *Scheduler) run(ctx context.Context, tf market.Timeframe) (Report, error) {
	rep := Report{Timeframe: tf}
	err := WithLock(ctx, s.locker, LockKey(tf), s.cfg.LockTTL, func(ctx context.Context) error {
		s.setRunning(tf, true)
		defer s.setRunning(tf, false)

		runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunBudget)
		res, err := s.pipeline.Run(runCtx, tf)
		cancel()
		rep.Ranking = res
		if err != nil {
			return fmt.Errorf("ranking %s: %w", tf, err)
		}

		if s.orchestrator != nil {
			now := s.now()
			last, err := s.cycles.LastCycle(ctx, tf)
			if err != nil {
				return fmt.Errorf("last cycle of %s: %w", tf, err)
			}
			rep.CandleClosed = market.HasCandleClosed(tf, last, now)
			if rep.CandleClosed {
				// Marked first so a failed cycle is not replayed for agents
				// that already decided on this candle.
				if err := s.cycles.MarkCycle(ctx, tf, now); err != nil {
					return fmt.Errorf("mark cycle of %s: %w", tf, err)
				}
				cycle, err := s.orchestrator.RunCycle(ctx, tf)
				rep.Cycle = &cycle
				if err != nil {
					return fmt.Errorf("agent cycle %s: %w", tf, err)
				}
			}
		}

		if s.sweeper != nil {
			sweep, err := s.sweep(ctx, tf)
			if err != nil {
				return fmt.Errorf("sweep %s: %w", tf, err)
			}
			rep.Sweep = &sweep
		}
		return nil
	})
	if !errors.Is(err, ErrBusy) {
		s.setError(tf, err)
	}
	return rep, err
}

// sweep checks held symbols against their last closed candle of tf.
func (s *Scheduler) sweep(ctx context.Context, tf market.Timeframe) (portfolio.SweepReport, error) {
	symbols, err := s.sweeper.HeldSymbols(ctx)
	if err != nil {
		return portfolio.SweepReport{}, err
	}
	if len(symbols) == 0 {
		return portfolio.SweepReport{}, nil
	}
	now := s.now()
	var mu sync.Mutex
	candles := make(map[string]market.Candle, len(symbols))
	mr.ForEach(func(source chan<- string) {
		for _, sym := range symbols {
			source <- sym
		}
	}, func(sym string) {
		bars, err := s.provider.Candles(ctx, sym, tf, 3)
		if err != nil {
			logx.WithContext(ctx).Errorf("scheduler: sweep candles %s %s: %v", sym, tf, err)
			return
		}
		for i := len(bars) - 1; i >= 0; i-- {
			if !bars[i].CloseTime.After(now) {
				mu.Lock()
				candles[sym] = bars[i]
				mu.Unlock()
				return
			}
		}
	}, mr.WithWorkers(s.cfg.SweepConcurrency), mr.WithContext(ctx))
	return s.sweeper.Sweep(ctx, candles)
}

func (s *Scheduler) cadence(tf market.Timeframe) time.Duration {
	if d, ok := s.cfg.Cadences[tf]; ok {
		return d
	}
	return tf.Duration()
}

func (s *Scheduler) setRunning(tf market.Timeframe, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[tf] = v
}

func (s *Scheduler) setError(tf market.Timeframe, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, tf)
		return
	}
	s.errs[tf] = err.Error()
}

// boundary is the latest multiple of cadence since UTC midnight at or
// before now.
func boundary(now time.Time, cadence time.Duration) time.Time {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if cadence <= 0 {
		return now
	}
	return midnight.Add(now.Sub(midnight).Truncate(cadence))
}
