package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tradefleet/pkg/agent"
	"tradefleet/pkg/portfolio"
)

// ErrNoPrice is returned when an action references a symbol without a
// current price.
var ErrNoPrice = errors.New("executor: no current price")

// Plan is a validated action ready to run against a ledger.
type Plan struct {
	Action Action
	Open   *portfolio.OpenRequest
	Close  *portfolio.CloseRequest
	// Adjust targets for stop-loss and take-profit moves.
	PositionID int64
	Level      decimal.Decimal
	Price      decimal.Decimal
}

// Outcome is what applying a plan changed.
type Outcome struct {
	Position *portfolio.Position
	Trade    *portfolio.Trade
}

// Validate checks a against the agent's valued ledger. The model output is
// never trusted: sizes, counts, cash, level sides and ownership are all
// enforced here. Every returned error is a validation failure and should be
// recorded as a hold.
func Validate(a Action, state *portfolio.State, limits portfolio.Limits, prices map[string]decimal.Decimal, decisionID int64) (*Plan, error) {
	if state == nil {
		return nil, errors.New("executor: validate without ledger state")
	}
	plan := &Plan{Action: a}

	switch a.Kind {
	case agent.ActionHold:
		return plan, nil

	case agent.ActionOpenLong, agent.ActionOpenShort:
		price, err := priceOf(prices, a.Symbol)
		if err != nil {
			return nil, err
		}
		dir := portfolio.Long
		if a.Kind == agent.ActionOpenShort {
			dir = portfolio.Short
		}
		for _, pos := range state.Positions {
			if pos.Symbol == a.Symbol && pos.Direction != dir {
				return nil, fmt.Errorf("%w: %s already held %s", portfolio.ErrInvalidOrder, a.Symbol, pos.Direction)
			}
		}
		req := portfolio.OpenRequest{
			AgentID:    state.Portfolio.AgentID,
			Symbol:     a.Symbol,
			Direction:  dir,
			Size:       a.PositionSize,
			EntryPrice: price,
			StopLoss:   a.StopLoss,
			TakeProfit: a.TakeProfit,
			DecisionID: decisionID,
			Marks:      prices,
		}
		if err := limits.CheckOpen(state, req); err != nil {
			return nil, err
		}
		plan.Open = &req
		return plan, nil

	case agent.ActionClosePosition:
		pos, err := resolvePosition(state, a)
		if err != nil {
			return nil, err
		}
		price, err := priceOf(prices, pos.Symbol)
		if err != nil {
			return nil, err
		}
		plan.Close = &portfolio.CloseRequest{
			AgentID:    state.Portfolio.AgentID,
			PositionID: pos.ID,
			ExitPrice:  price,
			Reason:     portfolio.ExitAgentDecision,
			DecisionID: decisionID,
		}
		return plan, nil

	case agent.ActionAdjustStopLoss, agent.ActionAdjustTakeProfit:
		pos, err := resolvePosition(state, a)
		if err != nil {
			return nil, err
		}
		price, err := priceOf(prices, pos.Symbol)
		if err != nil {
			return nil, err
		}
		sl, tp := decimal.NullDecimal{}, decimal.NullDecimal{}
		level := a.StopLoss
		if a.Kind == agent.ActionAdjustTakeProfit {
			level = a.TakeProfit
			tp = level
		} else {
			sl = level
		}
		if !level.Valid {
			return nil, fmt.Errorf("%w: %s requires a level", portfolio.ErrInvalidLevel, a.Kind)
		}
		if err := portfolio.ValidateLevels(pos.Direction, price, sl, tp); err != nil {
			return nil, err
		}
		plan.PositionID = pos.ID
		plan.Level = level.Decimal
		plan.Price = price
		return plan, nil
	}
	return nil, fmt.Errorf("%w: unsupported action %q", ErrMalformedAction, a.Kind)
}

// Apply runs the plan on book. The caller must hold the agent lock, which is
// the case inside portfolio.Manager.Execute.
func (p *Plan) Apply(ctx context.Context, book *portfolio.Book) (*Outcome, error) {
	switch {
	case p.Open != nil:
		pos, err := book.Open(ctx, *p.Open)
		if err != nil {
			return nil, err
		}
		return &Outcome{Position: pos}, nil
	case p.Close != nil:
		trade, err := book.Close(ctx, *p.Close)
		if err != nil {
			return nil, err
		}
		return &Outcome{Trade: trade}, nil
	case p.Action.Kind == agent.ActionAdjustStopLoss:
		return &Outcome{}, book.AdjustStopLoss(ctx, p.PositionID, p.Level, p.Price)
	case p.Action.Kind == agent.ActionAdjustTakeProfit:
		return &Outcome{}, book.AdjustTakeProfit(ctx, p.PositionID, p.Level, p.Price)
	}
	return &Outcome{}, nil
}

// Mutates reports whether applying the plan changes the ledger.
func (p *Plan) Mutates() bool {
	return p.Action.Kind != agent.ActionHold
}

// resolvePosition finds the position an action refers to. Without an id a
// symbol that matches exactly one held position is accepted.
func resolvePosition(state *portfolio.State, a Action) (portfolio.Position, error) {
	if a.PositionID != 0 {
		pos, ok := state.Find(a.PositionID)
		if !ok {
			return portfolio.Position{}, fmt.Errorf("%w: position %d", portfolio.ErrNotOwned, a.PositionID)
		}
		if a.Symbol != "" && pos.Symbol != a.Symbol {
			return portfolio.Position{}, fmt.Errorf("%w: position %d is %s, not %s", portfolio.ErrInvalidOrder, pos.ID, pos.Symbol, a.Symbol)
		}
		return pos, nil
	}
	if a.Symbol == "" {
		return portfolio.Position{}, fmt.Errorf("%w: %s needs position_id or symbol", portfolio.ErrInvalidOrder, a.Kind)
	}
	var found []portfolio.Position
	for _, pos := range state.Positions {
		if pos.Symbol == a.Symbol {
			found = append(found, pos)
		}
	}
	switch len(found) {
	case 0:
		return portfolio.Position{}, fmt.Errorf("%w: no open %s position", portfolio.ErrNotOwned, a.Symbol)
	case 1:
		return found[0], nil
	}
	return portfolio.Position{}, fmt.Errorf("%w: %d open %s positions, position_id required", portfolio.ErrInvalidOrder, len(found), a.Symbol)
}

func priceOf(prices map[string]decimal.Decimal, symbol string) (decimal.Decimal, error) {
	if symbol == "" {
		return decimal.Zero, fmt.Errorf("%w: symbol is required", portfolio.ErrInvalidOrder)
	}
	p, ok := prices[symbol]
	if !ok || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w for %s", ErrNoPrice, symbol)
	}
	return p, nil
}
