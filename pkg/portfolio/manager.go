package portfolio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/syncx"

	"tradefleet/pkg/events"
	"tradefleet/pkg/market"
)

// Manager owns every agent ledger. All mutations for one agent run inside
// Execute, which serialises them per agent.
type Manager struct {
	store     Store
	limits    Limits
	locks     syncx.LockedCalls
	publisher events.Publisher
	now       func() time.Time
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithLimits overrides DefaultLimits.
func WithLimits(l Limits) ManagerOption {
	return func(m *Manager) { m.limits = l }
}

// WithPublisher emits portfolio events after sweeps.
func WithPublisher(pub events.Publisher) ManagerOption {
	return func(m *Manager) { m.publisher = pub }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a Manager on store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     store,
		limits:    DefaultLimits(),
		locks:     syncx.NewLockedCalls(),
		publisher: events.Nop{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Limits returns the active risk limits.
func (m *Manager) Limits() Limits {
	return m.limits
}

// Execute runs fn with exclusive access to the agent's book. Calls for the
// same agent never overlap; fn must not call Execute for that agent again.
func (m *Manager) Execute(ctx context.Context, agentID int64, fn func(*Book) error) error {
	_, err := m.locks.Do(strconv.FormatInt(agentID, 10), func() (any, error) {
		return nil, fn(&Book{m: m, agentID: agentID})
	})
	return err
}

// EnsurePortfolio creates the agent's ledger with initialBalance in cash if
// it does not exist yet.
func (m *Manager) EnsurePortfolio(ctx context.Context, agentID int64, initialBalance decimal.Decimal) (*Portfolio, error) {
	var out *Portfolio
	err := m.Execute(ctx, agentID, func(b *Book) error {
		p, err := m.store.GetPortfolio(ctx, agentID)
		if err == nil {
			out = p
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		p = &Portfolio{
			AgentID:   agentID,
			Cash:      initialBalance,
			Equity:    initialBalance,
			UpdatedAt: m.now(),
		}
		if err := m.store.CreatePortfolio(ctx, p); err != nil {
			return fmt.Errorf("portfolio: create for agent %d: %w", agentID, err)
		}
		out = p
		return nil
	})
	return out, err
}

// OpenPosition opens a position under the agent lock.
func (m *Manager) OpenPosition(ctx context.Context, req OpenRequest) (*Position, error) {
	var pos *Position
	err := m.Execute(ctx, req.AgentID, func(b *Book) error {
		var err error
		pos, err = b.Open(ctx, req)
		return err
	})
	return pos, err
}

// ClosePosition closes a position under the agent lock.
func (m *Manager) ClosePosition(ctx context.Context, req CloseRequest) (*Trade, error) {
	var trade *Trade
	err := m.Execute(ctx, req.AgentID, func(b *Book) error {
		var err error
		trade, err = b.Close(ctx, req)
		return err
	})
	return trade, err
}

// AdjustStopLoss moves a position's stop loss.
func (m *Manager) AdjustStopLoss(ctx context.Context, agentID, positionID int64, level, price decimal.Decimal) error {
	return m.Execute(ctx, agentID, func(b *Book) error {
		return b.AdjustStopLoss(ctx, positionID, level, price)
	})
}

// AdjustTakeProfit moves a position's take profit.
func (m *Manager) AdjustTakeProfit(ctx context.Context, agentID, positionID int64, level, price decimal.Decimal) error {
	return m.Execute(ctx, agentID, func(b *Book) error {
		return b.AdjustTakeProfit(ctx, positionID, level, price)
	})
}

// UpdateUnrealizedPnL marks the agent's positions to prices and stores the
// new valuation. Cash is unchanged.
func (m *Manager) UpdateUnrealizedPnL(ctx context.Context, agentID int64, prices map[string]decimal.Decimal) (*State, error) {
	var state *State
	err := m.Execute(ctx, agentID, func(b *Book) error {
		var err error
		state, err = b.State(ctx, prices)
		if err != nil {
			return err
		}
		return m.store.SaveValuation(ctx, &state.Portfolio, state.Positions)
	})
	return state, err
}

// Snapshot returns the agent's current ledger without taking the lock.
func (m *Manager) Snapshot(ctx context.Context, agentID int64) (*State, error) {
	return m.Valuation(ctx, agentID, nil)
}

// Valuation marks the agent's ledger to prices in memory. Nothing is stored;
// the sweep persists marks.
func (m *Manager) Valuation(ctx context.Context, agentID int64, prices map[string]decimal.Decimal) (*State, error) {
	return (&Book{m: m, agentID: agentID}).State(ctx, prices)
}

// HeldSymbols lists every symbol with at least one open position in the
// fleet, sorted.
func (m *Manager) HeldSymbols(ctx context.Context) ([]string, error) {
	agentIDs, err := m.store.AgentsWithPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("portfolio: list agents with positions: %w", err)
	}
	seen := make(map[string]struct{})
	for _, agentID := range agentIDs {
		positions, err := m.store.OpenPositions(ctx, agentID)
		if err != nil {
			return nil, fmt.Errorf("portfolio: positions of agent %d: %w", agentID, err)
		}
		for _, pos := range positions {
			seen[pos.Symbol] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}

// SweepReport summarises one SL/TP sweep.
type SweepReport struct {
	Checked int
	Closed  []Trade
	Failed  int
}

// Sweep checks every open position of every agent against the latest closed
// candle of its symbol. A candle that opened before the position is skipped,
// so a range printed before entry never triggers a level. Failures are
// isolated per position.
func (m *Manager) Sweep(ctx context.Context, candles map[string]market.Candle) (SweepReport, error) {
	var report SweepReport
	agentIDs, err := m.store.AgentsWithPositions(ctx)
	if err != nil {
		return report, fmt.Errorf("portfolio: list agents for sweep: %w", err)
	}
	logger := logx.WithContext(ctx)
	var rows []events.AgentRow
	for _, agentID := range agentIDs {
		var closed int
		err := m.Execute(ctx, agentID, func(b *Book) error {
			positions, err := m.store.OpenPositions(ctx, agentID)
			if err != nil {
				return err
			}
			for _, pos := range positions {
				candle, ok := candles[pos.Symbol]
				// Only candles that started while the position was held.
				if !ok || candle.OpenTime.Before(pos.OpenedAt) {
					continue
				}
				report.Checked++
				reason, price, hit := CheckStopLossTakeProfit(pos, candle)
				if !hit {
					continue
				}
				trade, err := b.Close(ctx, CloseRequest{
					AgentID:    agentID,
					PositionID: pos.ID,
					ExitPrice:  price,
					Reason:     reason,
				})
				if err != nil {
					report.Failed++
					logger.Errorf("portfolio: sweep close position %d (%s) for agent %d: %v", pos.ID, pos.Symbol, agentID, err)
					continue
				}
				closed++
				report.Closed = append(report.Closed, *trade)
			}
			prices := make(map[string]decimal.Decimal, len(candles))
			for sym, c := range candles {
				prices[sym] = decimal.NewFromFloat(c.Close)
			}
			state, err := b.State(ctx, prices)
			if err != nil {
				return err
			}
			if err := m.store.SaveValuation(ctx, &state.Portfolio, state.Positions); err != nil {
				return err
			}
			if closed > 0 {
				rows = append(rows, state.Row())
			}
			return nil
		})
		if err != nil {
			report.Failed++
			logger.Errorf("portfolio: sweep agent %d: %v", agentID, err)
		}
	}
	if len(rows) > 0 {
		if err := m.publisher.Publish(ctx, events.Event{Type: events.PortfolioUpdated, Agents: rows, Message: "stop loss / take profit sweep"}); err != nil {
			logger.Errorf("portfolio: publish sweep update: %v", err)
		}
	}
	return report, nil
}
