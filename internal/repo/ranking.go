package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"tradefleet/pkg/market"
	"tradefleet/pkg/ranking"
	"tradefleet/pkg/signal"
)

const runColumns = `id, timeframe, status, started_at, finished_at, symbol_count, error`

type symbolRow struct {
	Name       string       `db:"name"`
	Base       string       `db:"base"`
	Quote      string       `db:"quote"`
	Active     bool         `db:"is_active"`
	LastSeenAt sql.NullTime `db:"last_seen_at"`
}

type runRow struct {
	ID          string       `db:"id"`
	Timeframe   string       `db:"timeframe"`
	Status      string       `db:"status"`
	StartedAt   time.Time    `db:"started_at"`
	FinishedAt  sql.NullTime `db:"finished_at"`
	SymbolCount int          `db:"symbol_count"`
	Error       string       `db:"error"`
}

func (r runRow) toRun() *ranking.Run {
	run := &ranking.Run{
		ID:          r.ID,
		Timeframe:   market.Timeframe(r.Timeframe),
		Status:      ranking.RunStatus(r.Status),
		StartedAt:   r.StartedAt.UTC(),
		SymbolCount: r.SymbolCount,
		Error:       r.Error,
	}
	if r.FinishedAt.Valid {
		run.FinishedAt = r.FinishedAt.Time.UTC()
	}
	return run
}

type snapshotRow struct {
	RunID      string    `db:"run_id"`
	Symbol     string    `db:"symbol"`
	Timeframe  string    `db:"timeframe"`
	Score      float64   `db:"score"`
	Confidence int       `db:"confidence"`
	Rank       int       `db:"rank"`
	Highlights string    `db:"highlights"`
	Signals    string    `db:"signals"`
	LastClose  float64   `db:"last_close"`
	CreatedAt  time.Time `db:"created_at"`
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func (s *Store) UpsertSymbols(ctx context.Context, symbols []market.Symbol) error {
	if len(symbols) == 0 {
		return nil
	}
	const stmt = `
INSERT INTO symbols (name, base, quote, is_active, last_seen_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (name) DO UPDATE SET
    is_active = EXCLUDED.is_active,
    last_seen_at = COALESCE(EXCLUDED.last_seen_at, symbols.last_seen_at)`
	return s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		for _, sym := range symbols {
			if _, err := session.ExecCtx(ctx, stmt, sym.Name, sym.Base, sym.Quote, sym.Active, nullTime(sym.LastSeenAt)); err != nil {
				return fmt.Errorf("repo.UpsertSymbols %s: %w", sym.Name, err)
			}
		}
		return nil
	})
}

func (s *Store) ActiveSymbols(ctx context.Context) ([]market.Symbol, error) {
	const query = `SELECT name, base, quote, is_active, last_seen_at FROM symbols WHERE is_active ORDER BY name`
	var rows []symbolRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("repo.ActiveSymbols query: %w", err)
	}
	out := make([]market.Symbol, 0, len(rows))
	for _, row := range rows {
		sym := market.Symbol{Name: row.Name, Base: row.Base, Quote: row.Quote, Active: row.Active}
		if row.LastSeenAt.Valid {
			sym.LastSeenAt = row.LastSeenAt.Time.UTC()
		}
		out = append(out, sym)
	}
	return out, nil
}

func (s *Store) CreateRun(ctx context.Context, run *ranking.Run) error {
	const stmt = `
INSERT INTO computation_runs (id, timeframe, status, started_at, finished_at, symbol_count, error)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.conn.ExecCtx(ctx, stmt, run.ID, string(run.Timeframe), string(run.Status),
		run.StartedAt, nullTime(run.FinishedAt), run.SymbolCount, run.Error)
	if err != nil {
		return fmt.Errorf("repo.CreateRun %s: %w", run.ID, err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, run *ranking.Run) error {
	return finishRun(ctx, s.conn, run)
}

func finishRun(ctx context.Context, session sqlx.Session, run *ranking.Run) error {
	const stmt = `
UPDATE computation_runs
SET status = $2, finished_at = $3, symbol_count = $4, error = $5
WHERE id = $1`
	res, err := session.ExecCtx(ctx, stmt, run.ID, string(run.Status), nullTime(run.FinishedAt), run.SymbolCount, run.Error)
	if err != nil {
		return fmt.Errorf("repo.FinishRun %s: %w", run.ID, err)
	}
	if affected(res) == 0 {
		return ranking.ErrNotFound
	}
	return nil
}

// CompleteRun inserts every snapshot with one unnest statement and flips the
// run to completed in the same transaction.
func (s *Store) CompleteRun(ctx context.Context, run *ranking.Run, snapshots []ranking.Snapshot) error {
	var (
		symbols     = make([]string, len(snapshots))
		scores      = make([]float64, len(snapshots))
		confidences = make([]int64, len(snapshots))
		ranks       = make([]int64, len(snapshots))
		highlights  = make([]string, len(snapshots))
		signals     = make([]string, len(snapshots))
		closes      = make([]float64, len(snapshots))
		created     = make([]string, len(snapshots))
	)
	for i, snap := range snapshots {
		hl, err := json.Marshal(nonNilHighlights(snap.Highlights))
		if err != nil {
			return fmt.Errorf("repo.CompleteRun encode highlights %s: %w", snap.Symbol, err)
		}
		sig, err := json.Marshal(nonNilSignals(snap.Signals))
		if err != nil {
			return fmt.Errorf("repo.CompleteRun encode signals %s: %w", snap.Symbol, err)
		}
		symbols[i] = snap.Symbol
		scores[i] = snap.Score
		confidences[i] = int64(snap.Confidence)
		ranks[i] = int64(snap.Rank)
		highlights[i] = string(hl)
		signals[i] = string(sig)
		closes[i] = snap.LastClose
		at := snap.CreatedAt
		if at.IsZero() {
			at = run.FinishedAt
		}
		created[i] = at.UTC().Format(time.RFC3339Nano)
	}

	const insert = `
INSERT INTO ranking_snapshots (run_id, symbol, timeframe, score, confidence, rank, highlights, signals, last_close, created_at)
SELECT $1, s.symbol, $2, s.score, s.confidence, s.rank, s.highlights::jsonb, s.signals::jsonb, s.last_close, s.created_at::timestamptz
FROM unnest($3::text[], $4::float8[], $5::int8[], $6::int8[], $7::text[], $8::text[], $9::float8[], $10::text[])
    AS s(symbol, score, confidence, rank, highlights, signals, last_close, created_at)`

	return s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		if err := finishRun(ctx, session, run); err != nil {
			return err
		}
		if len(snapshots) == 0 {
			return nil
		}
		_, err := session.ExecCtx(ctx, insert, run.ID, string(run.Timeframe),
			pq.Array(symbols), pq.Array(scores), pq.Array(confidences), pq.Array(ranks),
			pq.Array(highlights), pq.Array(signals), pq.Array(closes), pq.Array(created))
		if err != nil {
			return fmt.Errorf("repo.CompleteRun insert snapshots %s: %w", run.ID, err)
		}
		return nil
	})
}

func nonNilHighlights(h []signal.Highlight) []signal.Highlight {
	if h == nil {
		return []signal.Highlight{}
	}
	return h
}

func nonNilSignals(m map[string]signal.Signal) map[string]signal.Signal {
	if m == nil {
		return map[string]signal.Signal{}
	}
	return m
}

func (s *Store) LatestRun(ctx context.Context, tf market.Timeframe) (*ranking.Run, error) {
	query := `SELECT ` + runColumns + ` FROM computation_runs WHERE timeframe = $1 ORDER BY started_at DESC LIMIT 1`
	return s.queryRun(ctx, query, string(tf))
}

func (s *Store) LatestCompletedRun(ctx context.Context, tf market.Timeframe) (*ranking.Run, error) {
	query := `SELECT ` + runColumns + ` FROM computation_runs
WHERE timeframe = $1 AND status = 'completed'
ORDER BY started_at DESC LIMIT 1`
	return s.queryRun(ctx, query, string(tf))
}

func (s *Store) queryRun(ctx context.Context, query string, args ...any) (*ranking.Run, error) {
	var row runRow
	if err := s.conn.QueryRowCtx(ctx, &row, query, args...); err != nil {
		return nil, mapNotFound(err, ranking.ErrNotFound)
	}
	return row.toRun(), nil
}

func (s *Store) Snapshots(ctx context.Context, runID string) ([]ranking.Snapshot, error) {
	const query = `
SELECT run_id, symbol, timeframe, score, confidence, rank, highlights, signals, last_close, created_at
FROM ranking_snapshots
WHERE run_id = $1
ORDER BY rank`
	var rows []snapshotRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, query, runID); err != nil {
		return nil, fmt.Errorf("repo.Snapshots query %s: %w", runID, err)
	}
	if len(rows) == 0 {
		var runs int
		if err := s.conn.QueryRowCtx(ctx, &runs, `SELECT COUNT(*) FROM computation_runs WHERE id = $1`, runID); err != nil {
			return nil, fmt.Errorf("repo.Snapshots run %s: %w", runID, err)
		}
		if runs == 0 {
			return nil, ranking.ErrNotFound
		}
		return []ranking.Snapshot{}, nil
	}
	out := make([]ranking.Snapshot, 0, len(rows))
	for _, row := range rows {
		snap := ranking.Snapshot{
			RunID:      row.RunID,
			Symbol:     row.Symbol,
			Timeframe:  market.Timeframe(row.Timeframe),
			Score:      row.Score,
			Confidence: row.Confidence,
			Rank:       row.Rank,
			LastClose:  row.LastClose,
			CreatedAt:  row.CreatedAt.UTC(),
		}
		if err := json.Unmarshal([]byte(row.Highlights), &snap.Highlights); err != nil {
			return nil, fmt.Errorf("repo.Snapshots decode highlights %s: %w", row.Symbol, err)
		}
		if err := json.Unmarshal([]byte(row.Signals), &snap.Signals); err != nil {
			return nil, fmt.Errorf("repo.Snapshots decode signals %s: %w", row.Symbol, err)
		}
		out = append(out, snap)
	}
	return out, nil
}
