// Package evolution revises agent strategy prompts once enough trades have
// closed, and reverts revisions that degrade realized PnL.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/syncx"

	"tradefleet/pkg/agent"
	"tradefleet/pkg/events"
	"tradefleet/pkg/executor"
	"tradefleet/pkg/portfolio"
)

// Outcome is the result class of one evolution attempt.
type Outcome string

const (
	Applied  Outcome = "applied"
	Rejected Outcome = "rejected"
	Skipped  Outcome = "skipped"
)

var (
	ErrEmptyPrompt     = errors.New("evolution: prompt is empty")
	ErrPromptTooShort  = errors.New("evolution: prompt is implausibly short")
	ErrPromptUnchanged = errors.New("evolution: prompt is unchanged")
)

// Result describes one Evolve call.
type Result struct {
	Outcome Outcome
	// Version is the new active version when Outcome is Applied.
	Version int
	Reason  string
}

// Ledger is the read side of the portfolio store used for performance.
type Ledger interface {
	GetPortfolio(ctx context.Context, agentID int64) (*portfolio.Portfolio, error)
	Trades(ctx context.Context, agentID int64, since time.Time) ([]portfolio.Trade, error)
}

// Engine evolves prompts. Operations on one agent never overlap.
type Engine struct {
	cfg       *Config
	store     agent.Store
	ledger    Ledger
	decider   executor.Decider
	cost      executor.CostFunc
	publisher events.Publisher
	locks     syncx.LockedCalls
	now       func() time.Time

	mu       sync.Mutex
	attempts map[int64]time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithCost prices evolution calls for token accounting.
func WithCost(cost executor.CostFunc) Option {
	return func(e *Engine) { e.cost = cost }
}

// WithPublisher emits prompt.evolved and prompt.reverted events.
func WithPublisher(pub events.Publisher) Option {
	return func(e *Engine) { e.publisher = pub }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires an engine. A nil cfg uses DefaultConfig.
func NewEngine(cfg *Config, store agent.Store, ledger Ledger, decider executor.Decider, opts ...Option) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e := &Engine{
		cfg:       cfg,
		store:     store,
		ledger:    ledger,
		decider:   decider,
		publisher: events.Nop{},
		locks:     syncx.NewLockedCalls(),
		now:       func() time.Time { return time.Now().UTC() },
		attempts:  make(map[int64]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Due reports whether the agent closed at least its threshold of trades
// since the active version took over, or since the last failed attempt.
// An auto version is left alone until the regression guard has judged it.
func (e *Engine) Due(ctx context.Context, a *agent.Agent) (bool, error) {
	if a.EvolutionThreshold <= 0 {
		return false, nil
	}
	active, err := e.store.ActivePrompt(ctx, a.ID)
	if err != nil {
		return false, fmt.Errorf("evolution: active prompt for agent %d: %w", a.ID, err)
	}
	trades, err := e.ledger.Trades(ctx, a.ID, active.ActivatedAt)
	if err != nil {
		return false, fmt.Errorf("evolution: trades for agent %d: %w", a.ID, err)
	}
	if active.Source == agent.SourceAuto && len(trades) < e.cfg.RegressionWindow {
		return false, nil
	}
	since := e.lastAttempt(a.ID)
	count := 0
	for _, t := range trades {
		if t.ClosedAt.After(since) {
			count++
		}
	}
	return count >= a.EvolutionThreshold, nil
}

// Evolve asks the agent's evolution model for a revised prompt and activates
// it. Rejections and model failures leave the active version untouched and
// are re-attempted at the next threshold crossing.
func (e *Engine) Evolve(ctx context.Context, a *agent.Agent) (Result, error) {
	var res Result
	_, err := e.locks.Do(lockKey(a.ID), func() (any, error) {
		var err error
		res, err = e.evolve(ctx, a)
		return nil, err
	})
	if res.Outcome != Applied {
		e.markAttempt(a.ID)
	}
	return res, err
}

func (e *Engine) evolve(ctx context.Context, a *agent.Agent) (Result, error) {
	logger := logx.WithContext(ctx)
	active, err := e.store.ActivePrompt(ctx, a.ID)
	if err != nil {
		return Result{Outcome: Skipped, Reason: "no active prompt"}, fmt.Errorf("evolution: active prompt for agent %d: %w", a.ID, err)
	}
	perf, trades, err := e.performance(ctx, a.ID, active.ActivatedAt)
	if err != nil {
		return Result{Outcome: Skipped, Reason: "performance unavailable"}, err
	}
	decisions, err := e.store.RecentDecisions(ctx, a.ID, e.cfg.RecentDecisions)
	if err != nil {
		return Result{Outcome: Skipped, Reason: "decisions unavailable"}, fmt.Errorf("evolution: decisions for agent %d: %w", a.ID, err)
	}
	if len(trades) > e.cfg.RecentTrades {
		trades = trades[len(trades)-e.cfg.RecentTrades:]
	}
	views := make([]executor.TradeView, 0, len(trades))
	for _, t := range trades {
		views = append(views, executor.NewTradeView(t))
	}

	model := a.Models.Evolution
	if model == "" {
		model = a.Models.Trade
	}
	comp, err := e.decider.Evolve(ctx, model, &executor.EvolutionInput{
		Agent: executor.AgentView{
			ID:            a.ID,
			Name:          a.Name,
			Archetype:     a.Archetype,
			Timeframe:     a.Timeframe,
			PromptVersion: active.Version,
		},
		Version:     active.Version,
		Prompt:      active.Text,
		Performance: perf,
		Trades:      views,
		Decisions:   decisions,
	})
	if err != nil {
		return Result{Outcome: Skipped, Reason: err.Error()}, fmt.Errorf("evolution: model call for agent %d: %w", a.ID, err)
	}
	e.trackUsage(ctx, a.ID, comp)

	text := strings.TrimSpace(comp.Text)
	if err := e.checkText(text, active.Text); err != nil {
		logger.Infow("evolution rejected",
			logx.Field("agent", a.Name),
			logx.Field("version", active.Version),
			logx.Field("reason", err.Error()))
		return Result{Outcome: Rejected, Reason: err.Error()}, nil
	}

	next := &agent.PromptVersion{
		AgentID:       a.ID,
		ParentVersion: active.Version,
		Text:          text,
		Source:        agent.SourceAuto,
		Diff:          LineDiff(active.Text, text),
		Performance:   perf,
		CreatedAt:     e.now(),
	}
	if err := e.store.ActivatePrompt(ctx, next); err != nil {
		return Result{Outcome: Skipped, Reason: "activation failed"}, fmt.Errorf("evolution: activate prompt for agent %d: %w", a.ID, err)
	}
	logger.Infow("evolution applied",
		logx.Field("agent", a.Name),
		logx.Field("from", active.Version),
		logx.Field("to", next.Version),
		logx.Field("trades", perf.TradeCount),
		logx.Field("realized_pnl", perf.RealizedPnL))
	e.publish(ctx, events.PromptEvolved, a, next.Version,
		fmt.Sprintf("%s evolved v%d -> v%d", a.Name, active.Version, next.Version))
	return Result{Outcome: Applied, Version: next.Version}, nil
}

// CheckRegression reverts an auto version whose scoring window is complete
// and whose realized PnL fell by more than the configured share since it
// was activated. The abandoned version is flagged for review.
func (e *Engine) CheckRegression(ctx context.Context, a *agent.Agent) (bool, error) {
	var reverted bool
	_, err := e.locks.Do(lockKey(a.ID), func() (any, error) {
		var err error
		reverted, err = e.checkRegression(ctx, a)
		return nil, err
	})
	return reverted, err
}

func (e *Engine) checkRegression(ctx context.Context, a *agent.Agent) (bool, error) {
	active, err := e.store.ActivePrompt(ctx, a.ID)
	if err != nil {
		return false, fmt.Errorf("evolution: active prompt for agent %d: %w", a.ID, err)
	}
	if active.Source != agent.SourceAuto {
		return false, nil
	}
	perf, _, err := e.performance(ctx, a.ID, active.ActivatedAt)
	if err != nil {
		return false, err
	}
	if perf.TradeCount < e.cfg.RegressionWindow {
		return false, nil
	}
	drop := Drop(active.Performance.CumulativePnL, perf.CumulativePnL, e.cfg.MinBaseline)
	if drop <= e.cfg.RegressionDrop {
		return false, nil
	}
	target := active.ParentVersion
	if target <= 0 {
		target = active.Version - 1
	}
	if err := e.store.RevertPrompt(ctx, a.ID, target, e.now()); err != nil {
		return false, fmt.Errorf("evolution: revert agent %d to v%d: %w", a.ID, target, err)
	}
	logx.WithContext(ctx).Infow("evolution reverted",
		logx.Field("agent", a.Name),
		logx.Field("from", active.Version),
		logx.Field("to", target),
		logx.Field("baseline_pnl", active.Performance.CumulativePnL),
		logx.Field("realized_pnl", perf.CumulativePnL),
		logx.Field("drop", drop))
	e.publish(ctx, events.PromptReverted, a, target,
		fmt.Sprintf("%s reverted v%d -> v%d after %.0f%% drop, v%d flagged for review", a.Name, active.Version, target, drop*100, active.Version))
	return true, nil
}

// ApplyHumanEdit activates text as a new human-sourced version.
func (e *Engine) ApplyHumanEdit(ctx context.Context, agentID int64, text string) (*agent.PromptVersion, error) {
	text = strings.TrimSpace(text)
	var out *agent.PromptVersion
	_, err := e.locks.Do(lockKey(agentID), func() (any, error) {
		if text == "" {
			return nil, ErrEmptyPrompt
		}
		active, err := e.store.ActivePrompt(ctx, agentID)
		if err != nil && !errors.Is(err, agent.ErrNotFound) {
			return nil, fmt.Errorf("evolution: active prompt for agent %d: %w", agentID, err)
		}
		next := &agent.PromptVersion{
			AgentID:   agentID,
			Text:      text,
			Source:    agent.SourceHuman,
			CreatedAt: e.now(),
		}
		if active != nil {
			if strings.TrimSpace(active.Text) == text {
				return nil, ErrPromptUnchanged
			}
			perf, _, err := e.performance(ctx, agentID, active.ActivatedAt)
			if err != nil {
				return nil, err
			}
			next.ParentVersion = active.Version
			next.Diff = LineDiff(active.Text, text)
			next.Performance = perf
		}
		if err := e.store.ActivatePrompt(ctx, next); err != nil {
			return nil, fmt.Errorf("evolution: activate prompt for agent %d: %w", agentID, err)
		}
		out = next
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if a, err := e.store.GetAgent(ctx, agentID); err == nil {
		e.publish(ctx, events.PromptEvolved, a, out.Version, fmt.Sprintf("%s prompt edited, now v%d", a.Name, out.Version))
	}
	return out, nil
}

// Drop is the fractional fall from baseline to current, measured against
// the larger of |baseline| and floor. A gain yields a negative drop.
func Drop(baseline, current, floor float64) float64 {
	base := math.Max(math.Abs(baseline), floor)
	if base == 0 {
		return 0
	}
	return (baseline - current) / base
}

// performance summarises trades closed after since together with the
// ledger's lifetime figures.
func (e *Engine) performance(ctx context.Context, agentID int64, since time.Time) (agent.Performance, []portfolio.Trade, error) {
	var perf agent.Performance
	p, err := e.ledger.GetPortfolio(ctx, agentID)
	if err != nil {
		return perf, nil, fmt.Errorf("evolution: portfolio for agent %d: %w", agentID, err)
	}
	trades, err := e.ledger.Trades(ctx, agentID, since)
	if err != nil {
		return perf, nil, fmt.Errorf("evolution: trades for agent %d: %w", agentID, err)
	}
	var realized float64
	for _, t := range trades {
		realized += t.RealizedPnL.InexactFloat64()
		if t.Won() {
			perf.Wins++
		}
	}
	perf.RealizedPnL = realized
	perf.CumulativePnL = p.RealizedPnL.InexactFloat64()
	perf.Equity = p.Equity.InexactFloat64()
	perf.TradeCount = len(trades)
	if perf.TradeCount > 0 {
		perf.WinRate = float64(perf.Wins) / float64(perf.TradeCount)
	}
	return perf, trades, nil
}

func (e *Engine) checkText(text, current string) error {
	switch {
	case text == "":
		return ErrEmptyPrompt
	case len([]rune(text)) < e.cfg.MinPromptChars:
		return fmt.Errorf("%w: %d chars", ErrPromptTooShort, len([]rune(text)))
	case text == strings.TrimSpace(current):
		return ErrPromptUnchanged
	}
	return nil
}

func (e *Engine) trackUsage(ctx context.Context, agentID int64, comp *executor.Completion) {
	if err := e.store.UpsertTokenUsage(ctx, comp.TokenUsage(agentID, agent.TaskEvolution, e.now(), e.cost)); err != nil {
		logx.WithContext(ctx).Errorf("evolution: token usage for agent %d: %v", agentID, err)
	}
}

func (e *Engine) publish(ctx context.Context, typ events.Type, a *agent.Agent, version int, msg string) {
	err := e.publisher.Publish(ctx, events.Event{
		Type:      typ,
		Timeframe: string(a.Timeframe),
		Time:      e.now(),
		Agents: []events.AgentRow{{
			AgentID:       a.ID,
			Name:          a.Name,
			Status:        string(a.Status),
			Timeframe:     string(a.Timeframe),
			PromptVersion: version,
		}},
		Message: msg,
	})
	if err != nil {
		logx.WithContext(ctx).Errorf("evolution: publish %s: %v", typ, err)
	}
}

func (e *Engine) lastAttempt(agentID int64) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[agentID]
}

func (e *Engine) markAttempt(agentID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts[agentID] = e.now()
}

func lockKey(agentID int64) string {
	return "evolution:" + strconv.FormatInt(agentID, 10)
}
