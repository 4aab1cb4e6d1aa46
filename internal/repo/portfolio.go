package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"tradefleet/pkg/portfolio"
)

const (
	portfolioColumns = `agent_id, cash, equity, realized_pnl, total_fees, updated_at`
	positionColumns  = `id, agent_id, symbol, direction, entry_price, size, entry_fee, stop_loss, take_profit, unrealized_pnl, open_decision_id, opened_at`
	tradeColumns     = `id, agent_id, position_id, symbol, direction, entry_price, exit_price, size, realized_pnl, fees, exit_reason, open_decision_id, close_decision_id, opened_at, closed_at`
)

type portfolioRow struct {
	AgentID     int64           `db:"agent_id"`
	Cash        decimal.Decimal `db:"cash"`
	Equity      decimal.Decimal `db:"equity"`
	RealizedPnL decimal.Decimal `db:"realized_pnl"`
	TotalFees   decimal.Decimal `db:"total_fees"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

func (r portfolioRow) toPortfolio() portfolio.Portfolio {
	return portfolio.Portfolio{
		AgentID:     r.AgentID,
		Cash:        r.Cash,
		Equity:      r.Equity,
		RealizedPnL: r.RealizedPnL,
		TotalFees:   r.TotalFees,
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

type positionRow struct {
	ID             int64               `db:"id"`
	AgentID        int64               `db:"agent_id"`
	Symbol         string              `db:"symbol"`
	Direction      string              `db:"direction"`
	EntryPrice     decimal.Decimal     `db:"entry_price"`
	Size           decimal.Decimal     `db:"size"`
	EntryFee       decimal.Decimal     `db:"entry_fee"`
	StopLoss       decimal.NullDecimal `db:"stop_loss"`
	TakeProfit     decimal.NullDecimal `db:"take_profit"`
	UnrealizedPnL  decimal.Decimal     `db:"unrealized_pnl"`
	OpenDecisionID int64               `db:"open_decision_id"`
	OpenedAt       time.Time           `db:"opened_at"`
}

func (r positionRow) toPosition() portfolio.Position {
	return portfolio.Position{
		ID:             r.ID,
		AgentID:        r.AgentID,
		Symbol:         r.Symbol,
		Direction:      portfolio.Direction(r.Direction),
		EntryPrice:     r.EntryPrice,
		Size:           r.Size,
		EntryFee:       r.EntryFee,
		StopLoss:       r.StopLoss,
		TakeProfit:     r.TakeProfit,
		UnrealizedPnL:  r.UnrealizedPnL,
		OpenDecisionID: r.OpenDecisionID,
		OpenedAt:       r.OpenedAt.UTC(),
	}
}

type tradeRow struct {
	ID              int64           `db:"id"`
	AgentID         int64           `db:"agent_id"`
	PositionID      int64           `db:"position_id"`
	Symbol          string          `db:"symbol"`
	Direction       string          `db:"direction"`
	EntryPrice      decimal.Decimal `db:"entry_price"`
	ExitPrice       decimal.Decimal `db:"exit_price"`
	Size            decimal.Decimal `db:"size"`
	RealizedPnL     decimal.Decimal `db:"realized_pnl"`
	Fees            decimal.Decimal `db:"fees"`
	ExitReason      string          `db:"exit_reason"`
	OpenDecisionID  int64           `db:"open_decision_id"`
	CloseDecisionID int64           `db:"close_decision_id"`
	OpenedAt        time.Time       `db:"opened_at"`
	ClosedAt        time.Time       `db:"closed_at"`
}

func (s *Store) GetPortfolio(ctx context.Context, agentID int64) (*portfolio.Portfolio, error) {
	var row portfolioRow
	query := `SELECT ` + portfolioColumns + ` FROM portfolios WHERE agent_id = $1`
	if err := s.conn.QueryRowCtx(ctx, &row, query, agentID); err != nil {
		return nil, mapNotFound(err, portfolio.ErrNotFound)
	}
	p := row.toPortfolio()
	return &p, nil
}

// CreatePortfolio is a no-op when the agent already has a ledger.
func (s *Store) CreatePortfolio(ctx context.Context, p *portfolio.Portfolio) error {
	const stmt = `
INSERT INTO portfolios (agent_id, cash, equity, realized_pnl, total_fees, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (agent_id) DO NOTHING`
	if _, err := s.conn.ExecCtx(ctx, stmt, p.AgentID, p.Cash, p.Equity, p.RealizedPnL, p.TotalFees, p.UpdatedAt); err != nil {
		return fmt.Errorf("repo.CreatePortfolio %d: %w", p.AgentID, err)
	}
	return nil
}

func (s *Store) OpenPositions(ctx context.Context, agentID int64) ([]portfolio.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE agent_id = $1 ORDER BY id`
	var rows []positionRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, query, agentID); err != nil {
		return nil, fmt.Errorf("repo.OpenPositions query: %w", err)
	}
	out := make([]portfolio.Position, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toPosition())
	}
	return out, nil
}

func (s *Store) GetPosition(ctx context.Context, id int64) (*portfolio.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`
	var row positionRow
	if err := s.conn.QueryRowCtx(ctx, &row, query, id); err != nil {
		return nil, mapNotFound(err, portfolio.ErrNotFound)
	}
	pos := row.toPosition()
	return &pos, nil
}

func (s *Store) AgentsWithPositions(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := s.conn.QueryRowsCtx(ctx, &ids, `SELECT DISTINCT agent_id FROM positions ORDER BY agent_id`); err != nil {
		return nil, fmt.Errorf("repo.AgentsWithPositions query: %w", err)
	}
	return ids, nil
}

// lockLedger reads the agent's portfolio row FOR UPDATE. Every transaction
// that touches an agent's ledger or positions takes this lock first, so
// writers in other processes queue behind it.
func lockLedger(ctx context.Context, session sqlx.Session, agentID int64) (portfolio.Portfolio, error) {
	var row portfolioRow
	query := `SELECT ` + portfolioColumns + ` FROM portfolios WHERE agent_id = $1 FOR UPDATE`
	if err := session.QueryRowCtx(ctx, &row, query, agentID); err != nil {
		return portfolio.Portfolio{}, mapNotFound(err, portfolio.ErrNotFound)
	}
	return row.toPortfolio(), nil
}

// moveLedger applies delta to the locked row as stored.
func moveLedger(ctx context.Context, session sqlx.Session, delta portfolio.LedgerDelta) error {
	current, err := lockLedger(ctx, session, delta.AgentID)
	if err != nil {
		return err
	}
	next, err := delta.Apply(current)
	if err != nil {
		return err
	}
	const stmt = `
UPDATE portfolios
SET cash = $2, equity = $3, realized_pnl = $4, total_fees = $5, updated_at = $6
WHERE agent_id = $1`
	if _, err := session.ExecCtx(ctx, stmt, next.AgentID, next.Cash, next.Equity, next.RealizedPnL, next.TotalFees, next.UpdatedAt); err != nil {
		return fmt.Errorf("update portfolio %d: %w", next.AgentID, err)
	}
	return nil
}

func (s *Store) ApplyOpen(ctx context.Context, delta portfolio.LedgerDelta, pos *portfolio.Position) error {
	const insert = `
INSERT INTO positions (agent_id, symbol, direction, entry_price, size, entry_fee, stop_loss, take_profit, unrealized_pnl, open_decision_id, opened_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING id`
	return s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		if err := moveLedger(ctx, session, delta); err != nil {
			return fmt.Errorf("repo.ApplyOpen: %w", err)
		}
		var id int64
		err := session.QueryRowCtx(ctx, &id, insert, pos.AgentID, pos.Symbol, string(pos.Direction),
			pos.EntryPrice, pos.Size, pos.EntryFee, pos.StopLoss, pos.TakeProfit, pos.UnrealizedPnL,
			pos.OpenDecisionID, pos.OpenedAt)
		if err != nil {
			return fmt.Errorf("repo.ApplyOpen insert position: %w", err)
		}
		pos.ID = id
		return nil
	})
}

func (s *Store) ApplyClose(ctx context.Context, delta portfolio.LedgerDelta, positionID int64, trade *portfolio.Trade) error {
	const insert = `
INSERT INTO trades (agent_id, position_id, symbol, direction, entry_price, exit_price, size, realized_pnl, fees, exit_reason, open_decision_id, close_decision_id, opened_at, closed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
RETURNING id`
	return s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		// Ledger first, then the position, in the same order as ApplyOpen
		// and SaveValuation.
		if err := moveLedger(ctx, session, delta); err != nil {
			return fmt.Errorf("repo.ApplyClose: %w", err)
		}
		res, err := session.ExecCtx(ctx, `DELETE FROM positions WHERE id = $1 AND agent_id = $2`, positionID, delta.AgentID)
		if err != nil {
			return fmt.Errorf("repo.ApplyClose delete position %d: %w", positionID, err)
		}
		if affected(res) == 0 {
			return portfolio.ErrNotFound
		}
		var id int64
		err = session.QueryRowCtx(ctx, &id, insert, trade.AgentID, trade.PositionID, trade.Symbol, string(trade.Direction),
			trade.EntryPrice, trade.ExitPrice, trade.Size, trade.RealizedPnL, trade.Fees, string(trade.ExitReason),
			trade.OpenDecisionID, trade.CloseDecisionID, trade.OpenedAt, trade.ClosedAt)
		if err != nil {
			return fmt.Errorf("repo.ApplyClose insert trade: %w", err)
		}
		trade.ID = id
		return nil
	})
}

func (s *Store) UpdatePosition(ctx context.Context, pos *portfolio.Position) error {
	const stmt = `
UPDATE positions SET stop_loss = $2, take_profit = $3, unrealized_pnl = $4
WHERE id = $1`
	res, err := s.conn.ExecCtx(ctx, stmt, pos.ID, pos.StopLoss, pos.TakeProfit, pos.UnrealizedPnL)
	if err != nil {
		return fmt.Errorf("repo.UpdatePosition %d: %w", pos.ID, err)
	}
	if affected(res) == 0 {
		return portfolio.ErrNotFound
	}
	return nil
}

// SaveValuation writes the position marks and derives equity from the cash
// as stored, so a valuation computed from a stale read never rewinds cash
// or equity.
func (s *Store) SaveValuation(ctx context.Context, p *portfolio.Portfolio, positions []portfolio.Position) error {
	const equity = `
UPDATE portfolios
SET equity = cash + COALESCE((SELECT SUM(size + unrealized_pnl) FROM positions WHERE agent_id = $1), 0),
    updated_at = $2
WHERE agent_id = $1`
	return s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		if _, err := lockLedger(ctx, session, p.AgentID); err != nil {
			return fmt.Errorf("repo.SaveValuation portfolio %d: %w", p.AgentID, err)
		}
		for _, pos := range positions {
			if _, err := session.ExecCtx(ctx, `UPDATE positions SET unrealized_pnl = $2 WHERE id = $1`, pos.ID, pos.UnrealizedPnL); err != nil {
				return fmt.Errorf("repo.SaveValuation position %d: %w", pos.ID, err)
			}
		}
		if _, err := session.ExecCtx(ctx, equity, p.AgentID, p.UpdatedAt); err != nil {
			return fmt.Errorf("repo.SaveValuation portfolio %d: %w", p.AgentID, err)
		}
		return nil
	})
}

func (s *Store) Trades(ctx context.Context, agentID int64, since time.Time) ([]portfolio.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE agent_id = $1 AND closed_at > $2 ORDER BY closed_at, id`
	var rows []tradeRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, query, agentID, since); err != nil {
		return nil, fmt.Errorf("repo.Trades query: %w", err)
	}
	out := make([]portfolio.Trade, 0, len(rows))
	for _, row := range rows {
		out = append(out, portfolio.Trade{
			ID:              row.ID,
			AgentID:         row.AgentID,
			PositionID:      row.PositionID,
			Symbol:          row.Symbol,
			Direction:       portfolio.Direction(row.Direction),
			EntryPrice:      row.EntryPrice,
			ExitPrice:       row.ExitPrice,
			Size:            row.Size,
			RealizedPnL:     row.RealizedPnL,
			Fees:            row.Fees,
			ExitReason:      portfolio.ExitReason(row.ExitReason),
			OpenDecisionID:  row.OpenDecisionID,
			CloseDecisionID: row.CloseDecisionID,
			OpenedAt:        row.OpenedAt.UTC(),
			ClosedAt:        row.ClosedAt.UTC(),
		})
	}
	return out, nil
}
