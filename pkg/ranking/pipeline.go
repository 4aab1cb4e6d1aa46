package ranking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/mr"

	"tradefleet/pkg/events"
	"tradefleet/pkg/market"
	"tradefleet/pkg/signal"
)

// ErrNoSnapshots fails a run in which every symbol was skipped, so the
// previous completed run stays the latest ranking.
var ErrNoSnapshots = errors.New("ranking: no symbol produced a snapshot")

// Pipeline scores and ranks every active symbol for a timeframe.
type Pipeline struct {
	cfg       *Config
	provider  market.Provider
	engine    *signal.Engine
	store     Store
	cache     Cache
	publisher events.Publisher
	now       func() time.Time
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithCache refreshes c after every completed run.
func WithCache(c Cache) Option {
	return func(p *Pipeline) { p.cache = c }
}

// WithPublisher emits a ranking event after every completed run.
func WithPublisher(pub events.Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline wires a pipeline. A nil cfg uses DefaultConfig.
func NewPipeline(cfg *Config, provider market.Provider, engine *signal.Engine, store Store, opts ...Option) *Pipeline {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Pipeline{
		cfg:       cfg,
		provider:  provider,
		engine:    engine,
		store:     store,
		publisher: events.Nop{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run creates a running ComputationRun, executes it and records the outcome.
func (p *Pipeline) Run(ctx context.Context, tf market.Timeframe) (RunResult, error) {
	if !tf.Valid() {
		return RunResult{}, fmt.Errorf("ranking: invalid timeframe %q", tf)
	}
	run := &Run{
		ID:        uuid.NewString(),
		Timeframe: tf,
		Status:    RunRunning,
		StartedAt: p.now(),
	}
	if err := p.store.CreateRun(ctx, run); err != nil {
		return RunResult{}, fmt.Errorf("ranking: create run: %w", err)
	}

	res, err := p.Execute(ctx, run)
	if err != nil {
		run.Status = RunFailed
		run.Error = err.Error()
		run.FinishedAt = p.now()
		// The run context may already be cancelled by the budget.
		if ferr := p.store.FinishRun(context.WithoutCancel(ctx), run); ferr != nil {
			logx.WithContext(ctx).Errorf("ranking: mark run %s failed: %v", run.ID, ferr)
		}
		return RunResult{Run: *run, Skipped: res.Skipped}, err
	}
	return res, nil
}

// Execute performs the scoring work for an already created run.
func (p *Pipeline) Execute(ctx context.Context, run *Run) (RunResult, error) {
	logger := logx.WithContext(ctx)
	if p.cfg.DiscoverSymbols {
		if err := p.discover(ctx); err != nil {
			logger.Errorf("ranking: symbol discovery failed, using stored universe: %v", err)
		}
	}

	symbols, err := p.store.ActiveSymbols(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("ranking: load active symbols: %w", err)
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].Name < symbols[j].Name })
	if p.cfg.MaxSymbols > 0 && len(symbols) > p.cfg.MaxSymbols {
		symbols = symbols[:p.cfg.MaxSymbols]
	}

	var (
		mu        sync.Mutex
		snapshots = make([]Snapshot, 0, len(symbols))
		skipped   = make(map[string]string)
		now       = p.now()
	)
	mr.ForEach(func(source chan<- market.Symbol) {
		for _, s := range symbols {
			source <- s
		}
	}, func(sym market.Symbol) {
		snap, err := p.score(ctx, run.Timeframe, sym.Name, now)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			skipped[sym.Name] = err.Error()
			return
		}
		snapshots = append(snapshots, snap)
	}, mr.WithWorkers(p.cfg.Concurrency), mr.WithContext(ctx))

	result := RunResult{Skipped: skipped}
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("ranking: run %s aborted: %w", run.ID, err)
	}
	for name, reason := range skipped {
		logger.Infof("ranking: %s %s skipped: %s", run.Timeframe, name, reason)
	}
	if len(symbols) > 0 && len(snapshots) == 0 {
		return result, ErrNoSnapshots
	}

	Rank(snapshots)
	for i := range snapshots {
		snapshots[i].RunID = run.ID
		snapshots[i].Timeframe = run.Timeframe
		snapshots[i].CreatedAt = now
	}
	run.Status = RunCompleted
	run.FinishedAt = p.now()
	run.SymbolCount = len(snapshots)
	if err := p.store.CompleteRun(ctx, run, snapshots); err != nil {
		run.Status = RunRunning
		run.FinishedAt = time.Time{}
		return result, fmt.Errorf("ranking: persist run %s: %w", run.ID, err)
	}

	result.Run = *run
	result.Snapshots = snapshots
	logger.Infow("ranking run completed",
		logx.Field("run_id", run.ID),
		logx.Field("timeframe", run.Timeframe),
		logx.Field("ranked", len(snapshots)),
		logx.Field("skipped", len(skipped)),
		logx.Field("duration", run.FinishedAt.Sub(run.StartedAt).String()),
	)

	if p.cache != nil {
		if err := p.cache.Put(ctx, run.Timeframe, *run, snapshots); err != nil {
			logger.Errorf("ranking: refresh cache for %s: %v", run.Timeframe, err)
		}
	}
	if err := p.publisher.Publish(ctx, RankingEvent(*run, snapshots)); err != nil {
		logger.Errorf("ranking: publish %s update: %v", run.Timeframe, err)
	}
	return result, nil
}

func (p *Pipeline) discover(ctx context.Context) error {
	symbols, err := p.provider.ListSymbols(ctx)
	if err != nil {
		return err
	}
	now := p.now()
	for i := range symbols {
		if symbols[i].Active {
			symbols[i].LastSeenAt = now
		}
	}
	return p.store.UpsertSymbols(ctx, symbols)
}

func (p *Pipeline) score(ctx context.Context, tf market.Timeframe, symbol string, now time.Time) (Snapshot, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()
	candles, err := p.provider.Candles(fetchCtx, symbol, tf, p.cfg.CandleLimit)
	if err != nil {
		return Snapshot{}, err
	}
	candles = closedOnly(candles, now)
	if len(candles) == 0 {
		return Snapshot{}, market.ErrInsufficientHistory
	}
	eval, err := p.engine.Evaluate(candles)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Symbol:     symbol,
		Score:      eval.Score,
		Confidence: eval.Confidence,
		Highlights: eval.Highlights,
		Signals:    eval.Result.Map(),
		LastClose:  eval.Result.LastClose,
	}, nil
}

// closedOnly drops the candle that is still forming.
func closedOnly(candles []market.Candle, now time.Time) []market.Candle {
	end := len(candles)
	for end > 0 && candles[end-1].CloseTime.After(now) {
		end--
	}
	return candles[:end]
}

// RankingEvent builds the live-update payload for a completed run.
func RankingEvent(run Run, snapshots []Snapshot) events.Event {
	rows := make([]events.RankingRow, 0, len(snapshots))
	for _, s := range snapshots {
		texts := make([]string, 0, len(s.Highlights))
		for _, h := range s.Highlights {
			texts = append(texts, h.Text)
		}
		rows = append(rows, events.RankingRow{
			Symbol:     s.Symbol,
			Rank:       s.Rank,
			Score:      s.Score,
			Confidence: s.Confidence,
			Highlights: texts,
		})
	}
	return events.Event{
		Type:      events.RankingUpdated,
		Timeframe: run.Timeframe.String(),
		Time:      run.FinishedAt,
		RunID:     run.ID,
		Rankings:  rows,
	}
}
