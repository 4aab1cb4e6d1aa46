package portfolio

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"tradefleet/pkg/events"
)

// OpenRequest asks for a new position. Marks values the agent's other
// positions when computing equity for the size check.
type OpenRequest struct {
	AgentID    int64
	Symbol     string
	Direction  Direction
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	StopLoss   decimal.NullDecimal
	TakeProfit decimal.NullDecimal
	DecisionID int64
	Marks      map[string]decimal.Decimal
}

// CloseRequest asks to close a position.
type CloseRequest struct {
	AgentID    int64
	PositionID int64
	ExitPrice  decimal.Decimal
	Reason     ExitReason
	DecisionID int64
}

// State is a valued view of one ledger.
type State struct {
	Portfolio Portfolio
	Positions []Position
}

// Find returns the position with id, if held.
func (s *State) Find(id int64) (Position, bool) {
	for _, p := range s.Positions {
		if p.ID == id {
			return p, true
		}
	}
	return Position{}, false
}

// Row converts the state into a live-update row.
func (s *State) Row() events.AgentRow {
	return events.AgentRow{
		AgentID:       s.Portfolio.AgentID,
		Cash:          s.Portfolio.Cash.InexactFloat64(),
		Equity:        s.Portfolio.Equity.InexactFloat64(),
		RealizedPnL:   s.Portfolio.RealizedPnL.InexactFloat64(),
		Fees:          s.Portfolio.TotalFees.InexactFloat64(),
		OpenPositions: len(s.Positions),
	}
}

// Book is the agent ledger handed out by Manager.Execute. Its methods assume
// the caller holds the agent lock.
type Book struct {
	m       *Manager
	agentID int64
}

// AgentID is the owner of the book.
func (b *Book) AgentID() int64 {
	return b.agentID
}

// State loads the ledger and marks it to prices.
func (b *Book) State(ctx context.Context, prices map[string]decimal.Decimal) (*State, error) {
	p, err := b.m.store.GetPortfolio(ctx, b.agentID)
	if err != nil {
		return nil, fmt.Errorf("portfolio: load agent %d: %w", b.agentID, err)
	}
	positions, err := b.m.store.OpenPositions(ctx, b.agentID)
	if err != nil {
		return nil, fmt.Errorf("portfolio: load positions for agent %d: %w", b.agentID, err)
	}
	valued, marked := MarkToMarket(*p, positions, prices)
	return &State{Portfolio: valued, Positions: marked}, nil
}

// CheckOpen applies the risk limits to req against state without mutating
// anything.
func (b *Book) CheckOpen(state *State, req OpenRequest) error {
	return b.m.limits.CheckOpen(state, req)
}

// CheckOpen validates an open request against a valued ledger.
func (l Limits) CheckOpen(state *State, req OpenRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	}
	if !req.Direction.Valid() {
		return fmt.Errorf("%w: direction %q", ErrInvalidOrder, req.Direction)
	}
	if !req.Size.IsPositive() {
		return fmt.Errorf("%w: size must be positive", ErrInvalidOrder)
	}
	if !req.EntryPrice.IsPositive() {
		return fmt.Errorf("%w: entry price must be positive", ErrInvalidOrder)
	}
	if len(state.Positions) >= l.MaxOpenPositions {
		return fmt.Errorf("%w: %d of %d positions open", ErrPositionLimit, len(state.Positions), l.MaxOpenPositions)
	}
	maxSize := state.Portfolio.Equity.Mul(l.MaxPositionShare)
	if req.Size.GreaterThan(maxSize) {
		return fmt.Errorf("%w: size %s exceeds %s (%s of equity %s)", ErrSizeLimit, req.Size.StringFixed(2), maxSize.StringFixed(2), l.MaxPositionShare, state.Portfolio.Equity.StringFixed(2))
	}
	required := req.Size.Add(l.Fee(req.Size))
	if state.Portfolio.Cash.LessThan(required) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientCash, required.StringFixed(2), state.Portfolio.Cash.StringFixed(2))
	}
	return ValidateLevels(req.Direction, req.EntryPrice, req.StopLoss, req.TakeProfit)
}

// Open debits size plus the entry fee and creates the position.
func (b *Book) Open(ctx context.Context, req OpenRequest) (*Position, error) {
	if req.AgentID != 0 && req.AgentID != b.agentID {
		return nil, fmt.Errorf("%w: request for agent %d on book %d", ErrNotOwned, req.AgentID, b.agentID)
	}
	state, err := b.State(ctx, req.Marks)
	if err != nil {
		return nil, err
	}
	if err := b.CheckOpen(state, req); err != nil {
		return nil, err
	}

	fee := b.m.limits.Fee(req.Size)
	delta := LedgerDelta{
		AgentID: b.agentID,
		Cash:    req.Size.Add(fee).Neg(),
		Equity:  fee.Neg(),
		Fees:    fee,
		At:      b.m.now(),
	}

	pos := &Position{
		AgentID:        b.agentID,
		Symbol:         req.Symbol,
		Direction:      req.Direction,
		EntryPrice:     req.EntryPrice,
		Size:           req.Size,
		EntryFee:       fee,
		StopLoss:       req.StopLoss,
		TakeProfit:     req.TakeProfit,
		UnrealizedPnL:  decimal.Zero,
		OpenDecisionID: req.DecisionID,
		OpenedAt:       delta.At,
	}
	if err := b.m.store.ApplyOpen(ctx, delta, pos); err != nil {
		return nil, fmt.Errorf("portfolio: open %s for agent %d: %w", req.Symbol, b.agentID, err)
	}
	return pos, nil
}

// Close realises the position's PnL, credits cash and writes the trade. The
// credit is the notional plus PnL less the exit fee, and never negative: a
// wiped-out position returns nothing and pays no exit fee.
func (b *Book) Close(ctx context.Context, req CloseRequest) (*Trade, error) {
	if !req.ExitPrice.IsPositive() {
		return nil, fmt.Errorf("%w: exit price must be positive", ErrInvalidOrder)
	}
	pos, err := b.owned(ctx, req.PositionID)
	if err != nil {
		return nil, err
	}

	gross := Unrealized(*pos, req.ExitPrice)
	proceeds := pos.Size.Add(gross)
	exitFee := decimal.Min(b.m.limits.Fee(pos.Size), proceeds)
	realized := gross.Sub(pos.EntryFee).Sub(exitFee)
	now := b.m.now()

	// Equity swaps the position's last mark for its realised value.
	delta := LedgerDelta{
		AgentID:     b.agentID,
		Cash:        proceeds.Sub(exitFee),
		Equity:      gross.Sub(pos.UnrealizedPnL).Sub(exitFee),
		RealizedPnL: realized,
		Fees:        exitFee,
		At:          now,
	}

	reason := req.Reason
	if reason == "" {
		reason = ExitAgentDecision
	}
	trade := &Trade{
		AgentID:         b.agentID,
		PositionID:      pos.ID,
		Symbol:          pos.Symbol,
		Direction:       pos.Direction,
		EntryPrice:      pos.EntryPrice,
		ExitPrice:       req.ExitPrice,
		Size:            pos.Size,
		RealizedPnL:     realized,
		Fees:            pos.EntryFee.Add(exitFee),
		ExitReason:      reason,
		OpenDecisionID:  pos.OpenDecisionID,
		CloseDecisionID: req.DecisionID,
		OpenedAt:        pos.OpenedAt,
		ClosedAt:        now,
	}
	if err := b.m.store.ApplyClose(ctx, delta, pos.ID, trade); err != nil {
		return nil, fmt.Errorf("portfolio: close position %d for agent %d: %w", pos.ID, b.agentID, err)
	}
	return trade, nil
}

// AdjustStopLoss moves the stop loss after checking it against price.
func (b *Book) AdjustStopLoss(ctx context.Context, positionID int64, level, price decimal.Decimal) error {
	pos, err := b.owned(ctx, positionID)
	if err != nil {
		return err
	}
	sl := decimal.NewNullDecimal(level)
	if err := ValidateLevels(pos.Direction, price, sl, decimal.NullDecimal{}); err != nil {
		return err
	}
	pos.StopLoss = sl
	return b.m.store.UpdatePosition(ctx, pos)
}

// AdjustTakeProfit moves the take profit after checking it against price.
func (b *Book) AdjustTakeProfit(ctx context.Context, positionID int64, level, price decimal.Decimal) error {
	pos, err := b.owned(ctx, positionID)
	if err != nil {
		return err
	}
	tp := decimal.NewNullDecimal(level)
	if err := ValidateLevels(pos.Direction, price, decimal.NullDecimal{}, tp); err != nil {
		return err
	}
	pos.TakeProfit = tp
	return b.m.store.UpdatePosition(ctx, pos)
}

func (b *Book) owned(ctx context.Context, positionID int64) (*Position, error) {
	pos, err := b.m.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("portfolio: position %d: %w", positionID, err)
	}
	if pos.AgentID != b.agentID {
		return nil, fmt.Errorf("%w: position %d", ErrNotOwned, positionID)
	}
	return pos, nil
}
