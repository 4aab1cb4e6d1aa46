package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"tradefleet/pkg/agent"
	"tradefleet/pkg/market"
)

const (
	agentColumns    = `id, name, archetype, timeframe, models, status, initial_balance, evolution_threshold, created_at, updated_at`
	promptColumns   = `id, agent_id, version, parent_version, text, source, diff, performance, is_active, flagged_for_review, created_at, activated_at`
	decisionColumns = `id, agent_id, timeframe, action, symbol, position_size, confidence, summary, reasoning, prompt_version, model, prompt_tokens, completion_tokens, estimated_cost, executed, created_at`
)

type agentRow struct {
	ID                 int64     `db:"id"`
	Name               string    `db:"name"`
	Archetype          string    `db:"archetype"`
	Timeframe          string    `db:"timeframe"`
	Models             string    `db:"models"`
	Status             string    `db:"status"`
	InitialBalance     float64   `db:"initial_balance"`
	EvolutionThreshold int       `db:"evolution_threshold"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

func (r agentRow) toAgent() (*agent.Agent, error) {
	a := &agent.Agent{
		ID:                 r.ID,
		Name:               r.Name,
		Archetype:          r.Archetype,
		Timeframe:          market.Timeframe(r.Timeframe),
		Status:             agent.Status(r.Status),
		InitialBalance:     r.InitialBalance,
		EvolutionThreshold: r.EvolutionThreshold,
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Models), &a.Models); err != nil {
		return nil, fmt.Errorf("decode models of agent %d: %w", r.ID, err)
	}
	return a, nil
}

type promptRow struct {
	ID               int64     `db:"id"`
	AgentID          int64     `db:"agent_id"`
	Version          int       `db:"version"`
	ParentVersion    int       `db:"parent_version"`
	Text             string    `db:"text"`
	Source           string    `db:"source"`
	Diff             string    `db:"diff"`
	Performance      string    `db:"performance"`
	IsActive         bool      `db:"is_active"`
	FlaggedForReview bool      `db:"flagged_for_review"`
	CreatedAt        time.Time `db:"created_at"`
	ActivatedAt      time.Time `db:"activated_at"`
}

func (r promptRow) toVersion() (agent.PromptVersion, error) {
	v := agent.PromptVersion{
		ID:               r.ID,
		AgentID:          r.AgentID,
		Version:          r.Version,
		ParentVersion:    r.ParentVersion,
		Text:             r.Text,
		Source:           agent.Source(r.Source),
		Diff:             r.Diff,
		IsActive:         r.IsActive,
		FlaggedForReview: r.FlaggedForReview,
		CreatedAt:        r.CreatedAt.UTC(),
		ActivatedAt:      r.ActivatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Performance), &v.Performance); err != nil {
		return v, fmt.Errorf("decode performance of prompt %d: %w", r.ID, err)
	}
	return v, nil
}

type decisionRow struct {
	ID               int64     `db:"id"`
	AgentID          int64     `db:"agent_id"`
	Timeframe        string    `db:"timeframe"`
	Action           string    `db:"action"`
	Symbol           string    `db:"symbol"`
	PositionSize     float64   `db:"position_size"`
	Confidence       int       `db:"confidence"`
	Summary          string    `db:"summary"`
	Reasoning        string    `db:"reasoning"`
	PromptVersion    int       `db:"prompt_version"`
	Model            string    `db:"model"`
	PromptTokens     int64     `db:"prompt_tokens"`
	CompletionTokens int64     `db:"completion_tokens"`
	EstimatedCost    float64   `db:"estimated_cost"`
	Executed         bool      `db:"executed"`
	CreatedAt        time.Time `db:"created_at"`
}

type memoryRow struct {
	ID        int64     `db:"id"`
	AgentID   int64     `db:"agent_id"`
	TradeID   int64     `db:"trade_id"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
}

// limitArg maps a non-positive limit to NULL, which Postgres reads as no limit.
func limitArg(limit int) sql.NullInt64 {
	if limit <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(limit), Valid: true}
}

// ---- agents ----

func (s *Store) CreateAgent(ctx context.Context, a *agent.Agent) error {
	models, err := json.Marshal(a.Models)
	if err != nil {
		return fmt.Errorf("repo.CreateAgent encode models: %w", err)
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	const stmt = `
INSERT INTO agents (name, archetype, timeframe, models, status, initial_balance, evolution_threshold, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id`
	var id int64
	err = s.conn.QueryRowCtx(ctx, &id, stmt, a.Name, a.Archetype, string(a.Timeframe), string(models),
		string(a.Status), a.InitialBalance, a.EvolutionThreshold, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("repo.CreateAgent %s: %w", a.Name, err)
	}
	a.ID = id
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id int64) (*agent.Agent, error) {
	return s.queryAgent(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
}

func (s *Store) GetAgentByName(ctx context.Context, name string) (*agent.Agent, error) {
	return s.queryAgent(ctx, `SELECT `+agentColumns+` FROM agents WHERE name = $1`, name)
}

func (s *Store) queryAgent(ctx context.Context, query string, args ...any) (*agent.Agent, error) {
	var row agentRow
	if err := s.conn.QueryRowCtx(ctx, &row, query, args...); err != nil {
		return nil, mapNotFound(err, agent.ErrNotFound)
	}
	return row.toAgent()
}

func (s *Store) ListAgents(ctx context.Context, tf market.Timeframe) ([]*agent.Agent, error) {
	var (
		rows []agentRow
		err  error
	)
	if tf == "" {
		err = s.conn.QueryRowsCtx(ctx, &rows, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
	} else {
		err = s.conn.QueryRowsCtx(ctx, &rows, `SELECT `+agentColumns+` FROM agents WHERE timeframe = $1 ORDER BY id`, string(tf))
	}
	if err != nil {
		return nil, fmt.Errorf("repo.ListAgents query: %w", err)
	}
	out := make([]*agent.Agent, 0, len(rows))
	for _, row := range rows {
		a, err := row.toAgent()
		if err != nil {
			return nil, fmt.Errorf("repo.ListAgents: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id int64, status agent.Status) error {
	res, err := s.conn.ExecCtx(ctx, `UPDATE agents SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("repo.UpdateStatus %d: %w", id, err)
	}
	if affected(res) == 0 {
		return agent.ErrNotFound
	}
	return nil
}

// ---- prompts ----

func (s *Store) ActivePrompt(ctx context.Context, agentID int64) (*agent.PromptVersion, error) {
	var row promptRow
	query := `SELECT ` + promptColumns + ` FROM prompt_versions WHERE agent_id = $1 AND is_active`
	if err := s.conn.QueryRowCtx(ctx, &row, query, agentID); err != nil {
		return nil, mapNotFound(err, agent.ErrNotFound)
	}
	v, err := row.toVersion()
	if err != nil {
		return nil, fmt.Errorf("repo.ActivePrompt: %w", err)
	}
	return &v, nil
}

func (s *Store) PromptHistory(ctx context.Context, agentID int64) ([]agent.PromptVersion, error) {
	var rows []promptRow
	query := `SELECT ` + promptColumns + ` FROM prompt_versions WHERE agent_id = $1 ORDER BY version`
	if err := s.conn.QueryRowsCtx(ctx, &rows, query, agentID); err != nil {
		return nil, fmt.Errorf("repo.PromptHistory query: %w", err)
	}
	out := make([]agent.PromptVersion, 0, len(rows))
	for _, row := range rows {
		v, err := row.toVersion()
		if err != nil {
			return nil, fmt.Errorf("repo.PromptHistory: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// lockAgent serialises prompt switches of one agent behind its row lock.
func lockAgent(ctx context.Context, session sqlx.Session, agentID int64) error {
	var id int64
	if err := session.QueryRowCtx(ctx, &id, `SELECT id FROM agents WHERE id = $1 FOR UPDATE`, agentID); err != nil {
		return mapNotFound(err, agent.ErrNotFound)
	}
	return nil
}

func (s *Store) ActivatePrompt(ctx context.Context, v *agent.PromptVersion) error {
	perf, err := json.Marshal(v.Performance)
	if err != nil {
		return fmt.Errorf("repo.ActivatePrompt encode performance: %w", err)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if v.ActivatedAt.IsZero() {
		v.ActivatedAt = v.CreatedAt
	}
	const insert = `
INSERT INTO prompt_versions (agent_id, version, parent_version, text, source, diff, performance, is_active, flagged_for_review, created_at, activated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8, $9, $10)
RETURNING id`
	return s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		if err := lockAgent(ctx, session, v.AgentID); err != nil {
			return err
		}
		var latest int
		if err := session.QueryRowCtx(ctx, &latest, `SELECT COALESCE(MAX(version), 0) FROM prompt_versions WHERE agent_id = $1`, v.AgentID); err != nil {
			return fmt.Errorf("repo.ActivatePrompt latest version: %w", err)
		}
		if _, err := session.ExecCtx(ctx, `UPDATE prompt_versions SET is_active = FALSE WHERE agent_id = $1 AND is_active`, v.AgentID); err != nil {
			return fmt.Errorf("repo.ActivatePrompt deactivate: %w", err)
		}
		var id int64
		err := session.QueryRowCtx(ctx, &id, insert, v.AgentID, latest+1, v.ParentVersion, v.Text, string(v.Source),
			v.Diff, string(perf), v.FlaggedForReview, v.CreatedAt, v.ActivatedAt)
		if err != nil {
			return fmt.Errorf("repo.ActivatePrompt insert: %w", err)
		}
		v.ID = id
		v.Version = latest + 1
		v.IsActive = true
		return nil
	})
}

func (s *Store) RevertPrompt(ctx context.Context, agentID int64, version int, at time.Time) error {
	return s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		if err := lockAgent(ctx, session, agentID); err != nil {
			return err
		}
		var target int64
		err := session.QueryRowCtx(ctx, &target, `SELECT id FROM prompt_versions WHERE agent_id = $1 AND version = $2`, agentID, version)
		if err != nil {
			return mapNotFound(err, agent.ErrNotFound)
		}
		const flag = `
UPDATE prompt_versions SET is_active = FALSE, flagged_for_review = TRUE
WHERE agent_id = $1 AND is_active`
		if _, err := session.ExecCtx(ctx, flag, agentID); err != nil {
			return fmt.Errorf("repo.RevertPrompt flag active: %w", err)
		}
		const activate = `
UPDATE prompt_versions SET is_active = TRUE, flagged_for_review = FALSE, activated_at = $2
WHERE id = $1`
		if _, err := session.ExecCtx(ctx, activate, target, at); err != nil {
			return fmt.Errorf("repo.RevertPrompt activate v%d: %w", version, err)
		}
		return nil
	})
}

// ---- decisions ----

func (s *Store) NextDecisionID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.conn.QueryRowCtx(ctx, &id, `SELECT nextval('decisions_id_seq')`); err != nil {
		return 0, fmt.Errorf("repo.NextDecisionID: %w", err)
	}
	return id, nil
}

func (s *Store) SaveDecision(ctx context.Context, d *agent.Decision) error {
	if d.ID == 0 {
		id, err := s.NextDecisionID(ctx)
		if err != nil {
			return err
		}
		d.ID = id
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	stmt := `INSERT INTO decisions (` + decisionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err := s.conn.ExecCtx(ctx, stmt, d.ID, d.AgentID, string(d.Timeframe), string(d.Action), d.Symbol,
		d.PositionSize, d.Confidence, d.Summary, d.Reasoning, d.PromptVersion, d.Model,
		d.PromptTokens, d.CompletionTokens, d.EstimatedCost, d.Executed, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("repo.SaveDecision %d: %w", d.ID, err)
	}
	return nil
}

func (s *Store) RecentDecisions(ctx context.Context, agentID int64, limit int) ([]agent.Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions WHERE agent_id = $1 ORDER BY id DESC LIMIT $2`
	var rows []decisionRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, query, agentID, limitArg(limit)); err != nil {
		return nil, fmt.Errorf("repo.RecentDecisions query: %w", err)
	}
	out := make([]agent.Decision, 0, len(rows))
	for _, row := range rows {
		out = append(out, agent.Decision{
			ID:               row.ID,
			AgentID:          row.AgentID,
			Timeframe:        market.Timeframe(row.Timeframe),
			Action:           agent.ActionKind(row.Action),
			Symbol:           row.Symbol,
			PositionSize:     row.PositionSize,
			Confidence:       row.Confidence,
			Summary:          row.Summary,
			Reasoning:        row.Reasoning,
			PromptVersion:    row.PromptVersion,
			Model:            row.Model,
			PromptTokens:     row.PromptTokens,
			CompletionTokens: row.CompletionTokens,
			EstimatedCost:    row.EstimatedCost,
			Executed:         row.Executed,
			CreatedAt:        row.CreatedAt.UTC(),
		})
	}
	return out, nil
}

// UpsertTokenUsage adds u to the daily aggregate row.
func (s *Store) UpsertTokenUsage(ctx context.Context, u agent.TokenUsage) error {
	const stmt = `
INSERT INTO token_usage (agent_id, model, task, usage_date, prompt_tokens, completion_tokens, calls, estimated_cost)
VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8)
ON CONFLICT (agent_id, model, task, usage_date) DO UPDATE SET
    prompt_tokens = token_usage.prompt_tokens + EXCLUDED.prompt_tokens,
    completion_tokens = token_usage.completion_tokens + EXCLUDED.completion_tokens,
    calls = token_usage.calls + EXCLUDED.calls,
    estimated_cost = token_usage.estimated_cost + EXCLUDED.estimated_cost`
	date := u.Date.UTC().Format(time.DateOnly)
	_, err := s.conn.ExecCtx(ctx, stmt, u.AgentID, u.Model, string(u.Task), date,
		u.PromptTokens, u.CompletionTokens, u.Calls, u.EstimatedCost)
	if err != nil {
		return fmt.Errorf("repo.UpsertTokenUsage agent %d: %w", u.AgentID, err)
	}
	return nil
}

// ---- memories ----

func (s *Store) AddMemory(ctx context.Context, m *agent.Memory) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := s.conn.QueryRowCtx(ctx, &id, `INSERT INTO memories (agent_id, trade_id, content, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		m.AgentID, m.TradeID, m.Content, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("repo.AddMemory agent %d: %w", m.AgentID, err)
	}
	m.ID = id
	return nil
}

func (s *Store) RecentMemories(ctx context.Context, agentID int64, limit int) ([]agent.Memory, error) {
	const query = `SELECT id, agent_id, trade_id, content, created_at FROM memories WHERE agent_id = $1 ORDER BY id DESC LIMIT $2`
	var rows []memoryRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, query, agentID, limitArg(limit)); err != nil {
		return nil, fmt.Errorf("repo.RecentMemories query: %w", err)
	}
	out := make([]agent.Memory, 0, len(rows))
	for _, row := range rows {
		out = append(out, agent.Memory{
			ID:        row.ID,
			AgentID:   row.AgentID,
			TradeID:   row.TradeID,
			Content:   row.Content,
			CreatedAt: row.CreatedAt.UTC(),
		})
	}
	return out, nil
}
