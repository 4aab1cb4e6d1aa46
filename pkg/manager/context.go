package manager

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"

	"tradefleet/pkg/agent"
	"tradefleet/pkg/executor"
	"tradefleet/pkg/market"
	"tradefleet/pkg/portfolio"
	"tradefleet/pkg/ranking"
)

// Confluence labels.
const (
	LabelConfluence = "confluence"
	LabelDivergence = "divergence"
	LabelMixed      = "mixed"
)

// RankingSource returns the last good ranking of a timeframe.
type RankingSource interface {
	Latest(ctx context.Context, tf market.Timeframe) (*ranking.View, error)
}

// ContextBuilder assembles the decision context of one agent.
type ContextBuilder struct {
	cfg       ManagerConfig
	rankings  RankingSource
	provider  market.Provider
	store     agent.Store
	portfolio *portfolio.Manager
	candles   int
	now       func() time.Time
}

// NewContextBuilder wires a builder; candles is the number of recent bars
// rendered per symbol.
func NewContextBuilder(cfg ManagerConfig, rankings RankingSource, provider market.Provider, store agent.Store, pm *portfolio.Manager, candles int) *ContextBuilder {
	return &ContextBuilder{
		cfg:       cfg,
		rankings:  rankings,
		provider:  provider,
		store:     store,
		portfolio: pm,
		candles:   candles,
		now:       time.Now,
	}
}

// Built is a rendered-ready context plus the prices it was valued at.
type Built struct {
	Context *executor.Context
	Prices  map[string]decimal.Decimal
	State   *portfolio.State
}

// Build gathers rankings, candles, the valued portfolio and memories for a
// at timeframe tf. Cross agents read rankings at tf and get a confluence
// summary across every ranked timeframe.
func (b *ContextBuilder) Build(ctx context.Context, a *agent.Agent, pv *agent.PromptVersion, tf market.Timeframe) (*Built, error) {
	logger := logx.WithContext(ctx)
	now := b.now()
	c := &executor.Context{
		Now:       now,
		Timeframe: tf,
		Agent: executor.AgentView{
			ID:        a.ID,
			Name:      a.Name,
			Archetype: a.Archetype,
			Timeframe: a.Timeframe,
		},
	}
	if pv != nil {
		c.Agent.PromptVersion = pv.Version
	}

	prices := make(map[string]decimal.Decimal)
	view, err := b.rankings.Latest(ctx, tf)
	switch {
	case errors.Is(err, ranking.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("manager: ranking for %s: %w", tf, err)
	default:
		c.RankingRunID = view.Run.ID
		c.RankingAge = view.Age
		c.Top = rankedRows(ranking.Top(view.Snapshots, b.cfg.RankedSymbols))
		c.Bottom = rankedRows(ranking.Bottom(view.Snapshots, b.cfg.RankedSymbols))
		for _, s := range view.Snapshots {
			if s.LastClose > 0 {
				prices[s.Symbol] = decimal.NewFromFloat(s.LastClose)
			}
		}
	}

	if a.IsCross() {
		sets := make(map[market.Timeframe][]ranking.Snapshot)
		for _, other := range market.Timeframes() {
			v, err := b.rankings.Latest(ctx, other)
			if err != nil {
				if !errors.Is(err, ranking.ErrNotFound) {
					logger.Errorf("manager: confluence ranking %s: %v", other, err)
				}
				continue
			}
			sets[other] = v.Snapshots
		}
		c.Confluence = ComputeConfluence(sets, b.cfg.ConfluenceTop)
	}

	positions, err := b.portfolio.Snapshot(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	held := make(map[string]bool, len(positions.Positions))
	symbols := make([]string, 0, len(positions.Positions)+b.cfg.CandleSymbols)
	for _, pos := range positions.Positions {
		if !held[pos.Symbol] {
			held[pos.Symbol] = true
			symbols = append(symbols, pos.Symbol)
		}
	}
	for i, row := range c.Top {
		if i >= b.cfg.CandleSymbols {
			break
		}
		if !held[row.Symbol] {
			symbols = append(symbols, row.Symbol)
		}
	}
	for _, sym := range symbols {
		bars, err := b.recentCandles(ctx, sym, tf, now)
		if err != nil {
			logger.Errorf("manager: candles %s %s for agent %d: %v", sym, tf, a.ID, err)
			continue
		}
		if len(bars) == 0 {
			continue
		}
		prices[sym] = decimal.NewFromFloat(bars[len(bars)-1].Close)
		c.Candles = append(c.Candles, executor.SymbolCandles{Symbol: sym, Held: held[sym], Candles: bars})
	}

	state, err := b.portfolio.Valuation(ctx, a.ID, prices)
	if err != nil {
		return nil, err
	}
	c.Portfolio = portfolioView(state, prices)
	limits := b.portfolio.Limits()
	c.Limits = executor.LimitsView{
		MaxPositionShare: limits.MaxPositionShare.InexactFloat64(),
		MaxOpenPositions: limits.MaxOpenPositions,
		FeeRate:          limits.FeeRate.InexactFloat64(),
		MaxPositionSize:  state.Portfolio.Equity.Mul(limits.MaxPositionShare).InexactFloat64(),
	}

	memories, err := b.store.RecentMemories(ctx, a.ID, b.cfg.MemoryCount)
	if err != nil {
		return nil, fmt.Errorf("manager: memories of agent %d: %w", a.ID, err)
	}
	// Oldest first reads naturally in the prompt.
	for i := len(memories) - 1; i >= 0; i-- {
		c.Memories = append(c.Memories, memories[i].Content)
	}
	return &Built{Context: c, Prices: prices, State: state}, nil
}

// recentCandles returns the closed bars of symbol, oldest first.
func (b *ContextBuilder) recentCandles(ctx context.Context, symbol string, tf market.Timeframe, now time.Time) ([]market.Candle, error) {
	if b.provider == nil {
		return nil, nil
	}
	bars, err := b.provider.Candles(ctx, symbol, tf, b.candles+1)
	if err != nil {
		return nil, err
	}
	closed := bars[:0:0]
	for _, bar := range bars {
		if !bar.CloseTime.After(now) {
			closed = append(closed, bar)
		}
	}
	if len(closed) > b.candles {
		closed = closed[len(closed)-b.candles:]
	}
	return closed, nil
}

func rankedRows(snaps []ranking.Snapshot) []executor.RankedSymbol {
	out := make([]executor.RankedSymbol, 0, len(snaps))
	for _, s := range snaps {
		row := executor.RankedSymbol{
			Symbol:     s.Symbol,
			Rank:       s.Rank,
			Score:      s.Score,
			Confidence: s.Confidence,
			LastClose:  s.LastClose,
		}
		for _, h := range s.Highlights {
			row.Highlights = append(row.Highlights, h.Text)
		}
		out = append(out, row)
	}
	return out
}

func portfolioView(state *portfolio.State, prices map[string]decimal.Decimal) executor.PortfolioView {
	pv := executor.PortfolioView{
		Cash:        state.Portfolio.Cash.InexactFloat64(),
		Equity:      state.Portfolio.Equity.InexactFloat64(),
		RealizedPnL: state.Portfolio.RealizedPnL.InexactFloat64(),
		Fees:        state.Portfolio.TotalFees.InexactFloat64(),
	}
	for _, pos := range state.Positions {
		row := executor.PositionView{
			ID:            pos.ID,
			Symbol:        pos.Symbol,
			Direction:     string(pos.Direction),
			EntryPrice:    pos.EntryPrice.InexactFloat64(),
			MarkPrice:     pos.EntryPrice.InexactFloat64(),
			Size:          pos.Size.InexactFloat64(),
			UnrealizedPnL: pos.UnrealizedPnL.InexactFloat64(),
			OpenedAt:      pos.OpenedAt,
		}
		if p, ok := prices[pos.Symbol]; ok {
			row.MarkPrice = p.InexactFloat64()
		}
		if pos.StopLoss.Valid {
			v := pos.StopLoss.Decimal.InexactFloat64()
			row.StopLoss = &v
		}
		if pos.TakeProfit.Valid {
			v := pos.TakeProfit.Decimal.InexactFloat64()
			row.TakeProfit = &v
		}
		pv.Positions = append(pv.Positions, row)
	}
	return pv
}

// ComputeConfluence compares the top-n membership and scores of every symbol
// that makes a top set in at least one timeframe. A symbol in the top set of
// every available timeframe is a confluence; one whose scores straddle the
// neutral 0.5 by a wide margin is a divergence. Rows are ordered by the
// number of top sets, then average score, then symbol.
func ComputeConfluence(sets map[market.Timeframe][]ranking.Snapshot, n int) []executor.ConfluenceRow {
	if len(sets) == 0 {
		return nil
	}
	rows := make(map[string]*executor.ConfluenceRow)
	for _, tf := range market.Timeframes() {
		snaps, ok := sets[tf]
		if !ok {
			continue
		}
		top := ranking.Top(snaps, n)
		for _, s := range top {
			row, ok := rows[s.Symbol]
			if !ok {
				row = &executor.ConfluenceRow{Symbol: s.Symbol, Scores: make(map[market.Timeframe]float64)}
				rows[s.Symbol] = row
			}
			row.InTop = append(row.InTop, tf)
		}
	}
	// Scores come from every timeframe the symbol was ranked in, not only
	// the ones where it made the top set.
	for tf, snaps := range sets {
		for _, s := range snaps {
			if row, ok := rows[s.Symbol]; ok {
				row.Scores[tf] = s.Score
			}
		}
	}

	out := make([]executor.ConfluenceRow, 0, len(rows))
	for _, row := range rows {
		lo, hi, sum := math.Inf(1), math.Inf(-1), 0.0
		for _, v := range row.Scores {
			lo, hi, sum = math.Min(lo, v), math.Max(hi, v), sum+v
		}
		row.AverageScore = sum / float64(len(row.Scores))
		row.Spread = hi - lo
		switch {
		case len(row.InTop) == len(sets):
			row.Label = LabelConfluence
		case lo < 0.4 && hi > 0.6:
			row.Label = LabelDivergence
		default:
			row.Label = LabelMixed
		}
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].InTop) != len(out[j].InTop) {
			return len(out[i].InTop) > len(out[j].InTop)
		}
		if out[i].AverageScore != out[j].AverageScore {
			return out[i].AverageScore > out[j].AverageScore
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
