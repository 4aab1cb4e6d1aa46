// Package portfolio keeps the simulated ledgers of every agent: cash,
// positions, closed trades and the fee and PnL arithmetic that moves them.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradefleet/pkg/market"
)

var (
	ErrNotFound         = errors.New("portfolio: not found")
	ErrSizeLimit        = errors.New("portfolio: position size exceeds equity share")
	ErrPositionLimit    = errors.New("portfolio: open position limit reached")
	ErrInsufficientCash = errors.New("portfolio: insufficient cash")
	ErrNotOwned         = errors.New("portfolio: position belongs to another agent")
	ErrInvalidOrder     = errors.New("portfolio: invalid order")
	ErrInvalidLevel     = errors.New("portfolio: stop level on wrong side of price")
)

// IsViolation reports whether err is a risk or validation rejection rather
// than an infrastructure failure.
func IsViolation(err error) bool {
	for _, target := range []error{ErrSizeLimit, ErrPositionLimit, ErrInsufficientCash, ErrNotOwned, ErrInvalidOrder, ErrInvalidLevel} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Direction is the side of a position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Sign is +1 for longs and -1 for shorts.
func (d Direction) Sign() decimal.Decimal {
	if d == Short {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Valid reports whether d is long or short.
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// ExitReason explains why a position was closed.
type ExitReason string

const (
	ExitStopLoss      ExitReason = "stop_loss"
	ExitTakeProfit    ExitReason = "take_profit"
	ExitAgentDecision ExitReason = "agent_decision"
)

// Limits are the fleet-wide risk rules.
type Limits struct {
	MaxPositionShare decimal.Decimal
	MaxOpenPositions int
	FeeRate          decimal.Decimal
}

// DefaultLimits caps a position at 25% of equity, allows five open positions
// and charges 0.1% of notional per side.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionShare: decimal.RequireFromString("0.25"),
		MaxOpenPositions: 5,
		FeeRate:          decimal.RequireFromString("0.001"),
	}
}

// Fee returns the fee charged on a fill of the given notional size.
func (l Limits) Fee(size decimal.Decimal) decimal.Decimal {
	return size.Mul(l.FeeRate)
}

// Portfolio is the cash ledger of one agent.
type Portfolio struct {
	AgentID     int64
	Cash        decimal.Decimal
	Equity      decimal.Decimal
	RealizedPnL decimal.Decimal
	TotalFees   decimal.Decimal
	UpdatedAt   time.Time
}

// Position is an open simulated trade.
type Position struct {
	ID             int64
	AgentID        int64
	Symbol         string
	Direction      Direction
	EntryPrice     decimal.Decimal
	Size           decimal.Decimal
	EntryFee       decimal.Decimal
	StopLoss       decimal.NullDecimal
	TakeProfit     decimal.NullDecimal
	UnrealizedPnL  decimal.Decimal
	OpenDecisionID int64
	OpenedAt       time.Time
}

// Trade is the immutable record of a closed position.
type Trade struct {
	ID              int64
	AgentID         int64
	PositionID      int64
	Symbol          string
	Direction       Direction
	EntryPrice      decimal.Decimal
	ExitPrice       decimal.Decimal
	Size            decimal.Decimal
	RealizedPnL     decimal.Decimal
	Fees            decimal.Decimal
	ExitReason      ExitReason
	OpenDecisionID  int64
	CloseDecisionID int64
	OpenedAt        time.Time
	ClosedAt        time.Time
}

// Duration is how long the position was held.
func (t Trade) Duration() time.Duration {
	return t.ClosedAt.Sub(t.OpenedAt)
}

// Won reports whether the trade made money after fees.
func (t Trade) Won() bool {
	return t.RealizedPnL.IsPositive()
}

// LedgerDelta moves a stored portfolio. Stores add it to the current row
// under their own lock, so two writers never overwrite each other's cash.
type LedgerDelta struct {
	AgentID     int64
	Cash        decimal.Decimal
	Equity      decimal.Decimal
	RealizedPnL decimal.Decimal
	Fees        decimal.Decimal
	At          time.Time
}

// Apply returns p moved by the delta. It fails with ErrInsufficientCash
// instead of leaving cash below zero.
func (d LedgerDelta) Apply(p Portfolio) (Portfolio, error) {
	cash := p.Cash.Add(d.Cash)
	if cash.IsNegative() {
		return p, fmt.Errorf("%w: agent %d would hold %s", ErrInsufficientCash, p.AgentID, cash.StringFixed(2))
	}
	p.Cash = cash
	p.Equity = p.Equity.Add(d.Equity)
	p.RealizedPnL = p.RealizedPnL.Add(d.RealizedPnL)
	p.TotalFees = p.TotalFees.Add(d.Fees)
	p.UpdatedAt = d.At
	return p, nil
}

// Store persists ledgers. ApplyOpen and ApplyClose are single atomic units
// that apply their delta to the stored portfolio.
type Store interface {
	GetPortfolio(ctx context.Context, agentID int64) (*Portfolio, error)
	CreatePortfolio(ctx context.Context, p *Portfolio) error
	OpenPositions(ctx context.Context, agentID int64) ([]Position, error)
	GetPosition(ctx context.Context, id int64) (*Position, error)
	// AgentsWithPositions lists agents holding at least one position.
	AgentsWithPositions(ctx context.Context) ([]int64, error)

	ApplyOpen(ctx context.Context, delta LedgerDelta, pos *Position) error
	// ApplyClose fails with ErrNotFound when the position is already gone.
	ApplyClose(ctx context.Context, delta LedgerDelta, positionID int64, trade *Trade) error
	UpdatePosition(ctx context.Context, pos *Position) error
	SaveValuation(ctx context.Context, p *Portfolio, positions []Position) error

	// Trades returns closed trades after since, oldest first.
	Trades(ctx context.Context, agentID int64, since time.Time) ([]Trade, error)
}

// Unrealized is the mark-to-market PnL of pos at price. A position never
// loses more than its notional, which bounds a short that ran past twice
// its entry.
func Unrealized(pos Position, price decimal.Decimal) decimal.Decimal {
	if pos.EntryPrice.IsZero() {
		return decimal.Zero
	}
	pnl := pos.Direction.Sign().Mul(price.Sub(pos.EntryPrice)).Div(pos.EntryPrice).Mul(pos.Size)
	return decimal.Max(pnl, pos.Size.Neg())
}

// MarkToMarket recomputes unrealized PnL and equity from prices. Positions
// without a price keep their previous mark. Cash is never touched.
func MarkToMarket(p Portfolio, positions []Position, prices map[string]decimal.Decimal) (Portfolio, []Position) {
	marked := make([]Position, len(positions))
	equity := p.Cash
	for i, pos := range positions {
		if price, ok := prices[pos.Symbol]; ok && price.IsPositive() {
			pos.UnrealizedPnL = Unrealized(pos, price)
		}
		equity = equity.Add(pos.Size).Add(pos.UnrealizedPnL)
		marked[i] = pos
	}
	p.Equity = equity
	return p, marked
}

// ValidateLevels checks that stop-loss and take-profit sit on the correct
// side of price for the direction.
func ValidateLevels(dir Direction, price decimal.Decimal, stopLoss, takeProfit decimal.NullDecimal) error {
	if stopLoss.Valid {
		if !stopLoss.Decimal.IsPositive() {
			return fmt.Errorf("%w: stop loss %s must be positive", ErrInvalidLevel, stopLoss.Decimal)
		}
		if dir == Long && stopLoss.Decimal.GreaterThanOrEqual(price) {
			return fmt.Errorf("%w: long stop loss %s must be below %s", ErrInvalidLevel, stopLoss.Decimal, price)
		}
		if dir == Short && stopLoss.Decimal.LessThanOrEqual(price) {
			return fmt.Errorf("%w: short stop loss %s must be above %s", ErrInvalidLevel, stopLoss.Decimal, price)
		}
	}
	if takeProfit.Valid {
		if !takeProfit.Decimal.IsPositive() {
			return fmt.Errorf("%w: take profit %s must be positive", ErrInvalidLevel, takeProfit.Decimal)
		}
		if dir == Long && takeProfit.Decimal.LessThanOrEqual(price) {
			return fmt.Errorf("%w: long take profit %s must be above %s", ErrInvalidLevel, takeProfit.Decimal, price)
		}
		if dir == Short && takeProfit.Decimal.GreaterThanOrEqual(price) {
			return fmt.Errorf("%w: short take profit %s must be below %s", ErrInvalidLevel, takeProfit.Decimal, price)
		}
	}
	return nil
}

// CheckStopLossTakeProfit evaluates pos against the candle's range. When both
// levels fall inside the candle the stop loss wins. The exit price is the
// triggered level.
func CheckStopLossTakeProfit(pos Position, candle market.Candle) (ExitReason, decimal.Decimal, bool) {
	high := decimal.NewFromFloat(candle.High)
	low := decimal.NewFromFloat(candle.Low)

	var slHit, tpHit bool
	switch pos.Direction {
	case Long:
		slHit = pos.StopLoss.Valid && low.LessThanOrEqual(pos.StopLoss.Decimal)
		tpHit = pos.TakeProfit.Valid && high.GreaterThanOrEqual(pos.TakeProfit.Decimal)
	case Short:
		slHit = pos.StopLoss.Valid && high.GreaterThanOrEqual(pos.StopLoss.Decimal)
		tpHit = pos.TakeProfit.Valid && low.LessThanOrEqual(pos.TakeProfit.Decimal)
	}
	switch {
	case slHit:
		return ExitStopLoss, pos.StopLoss.Decimal, true
	case tpHit:
		return ExitTakeProfit, pos.TakeProfit.Decimal, true
	}
	return "", decimal.Zero, false
}
