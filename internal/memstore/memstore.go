// Package memstore is an in-process implementation of every store interface,
// used for local runs without Postgres and by tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"tradefleet/pkg/agent"
	"tradefleet/pkg/market"
	"tradefleet/pkg/portfolio"
	"tradefleet/pkg/ranking"
)

var (
	_ ranking.Store   = (*Store)(nil)
	_ portfolio.Store = (*Store)(nil)
	_ agent.Store     = (*Store)(nil)
)

// Store keeps all state in maps guarded by one mutex, so every method is a
// single atomic unit.
type Store struct {
	mu sync.RWMutex

	symbols   map[string]market.Symbol
	runs      []ranking.Run
	snapshots map[string][]ranking.Snapshot

	portfolios map[int64]portfolio.Portfolio
	positions  map[int64]portfolio.Position
	trades     []portfolio.Trade

	agents    map[int64]agent.Agent
	prompts   []agent.PromptVersion
	decisions []agent.Decision
	usage     map[usageKey]agent.TokenUsage
	memories  []agent.Memory

	nextAgentID    int64
	nextPositionID int64
	nextTradeID    int64
	nextPromptID   int64
	nextDecisionID int64
	nextMemoryID   int64
}

type usageKey struct {
	agentID int64
	model   string
	task    agent.Task
	date    string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		symbols:    make(map[string]market.Symbol),
		snapshots:  make(map[string][]ranking.Snapshot),
		portfolios: make(map[int64]portfolio.Portfolio),
		positions:  make(map[int64]portfolio.Position),
		agents:     make(map[int64]agent.Agent),
		usage:      make(map[usageKey]agent.TokenUsage),
	}
}

// ---- ranking ----

func (s *Store) UpsertSymbols(_ context.Context, symbols []market.Symbol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		existing, ok := s.symbols[sym.Name]
		if ok {
			existing.Active = sym.Active
			if !sym.LastSeenAt.IsZero() {
				existing.LastSeenAt = sym.LastSeenAt
			}
			s.symbols[sym.Name] = existing
			continue
		}
		s.symbols[sym.Name] = sym
	}
	return nil
}

func (s *Store) ActiveSymbols(context.Context) ([]market.Symbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]market.Symbol, 0, len(s.symbols))
	for _, sym := range s.symbols {
		if sym.Active {
			out = append(out, sym)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) CreateRun(_ context.Context, run *ranking.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, *run)
	return nil
}

func (s *Store) FinishRun(_ context.Context, run *ranking.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceRun(*run)
}

func (s *Store) CompleteRun(_ context.Context, run *ranking.Run, snapshots []ranking.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.replaceRun(*run); err != nil {
		return err
	}
	s.snapshots[run.ID] = append([]ranking.Snapshot(nil), snapshots...)
	return nil
}

func (s *Store) replaceRun(run ranking.Run) error {
	for i := range s.runs {
		if s.runs[i].ID == run.ID {
			s.runs[i] = run
			return nil
		}
	}
	return ranking.ErrNotFound
}

func (s *Store) LatestRun(_ context.Context, tf market.Timeframe) (*ranking.Run, error) {
	return s.latestRun(tf, "")
}

func (s *Store) LatestCompletedRun(_ context.Context, tf market.Timeframe) (*ranking.Run, error) {
	return s.latestRun(tf, ranking.RunCompleted)
}

func (s *Store) latestRun(tf market.Timeframe, status ranking.RunStatus) (*ranking.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.runs) - 1; i >= 0; i-- {
		r := s.runs[i]
		if r.Timeframe != tf || (status != "" && r.Status != status) {
			continue
		}
		return &r, nil
	}
	return nil, ranking.ErrNotFound
}

func (s *Store) Snapshots(_ context.Context, runID string) ([]ranking.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps, ok := s.snapshots[runID]
	if !ok {
		return nil, ranking.ErrNotFound
	}
	return append([]ranking.Snapshot(nil), snaps...), nil
}

// Runs returns every run in creation order.
func (s *Store) Runs() []ranking.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ranking.Run(nil), s.runs...)
}

// ---- portfolio ----

func (s *Store) GetPortfolio(_ context.Context, agentID int64) (*portfolio.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.portfolios[agentID]
	if !ok {
		return nil, portfolio.ErrNotFound
	}
	return &p, nil
}

func (s *Store) CreatePortfolio(_ context.Context, p *portfolio.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.portfolios[p.AgentID]; !ok {
		s.portfolios[p.AgentID] = *p
	}
	return nil
}

func (s *Store) OpenPositions(_ context.Context, agentID int64) ([]portfolio.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []portfolio.Position
	for _, p := range s.positions {
		if p.AgentID == agentID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetPosition(_ context.Context, id int64) (*portfolio.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, portfolio.ErrNotFound
	}
	return &p, nil
}

func (s *Store) AgentsWithPositions(context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[int64]struct{})
	var out []int64
	for _, p := range s.positions {
		if _, ok := seen[p.AgentID]; !ok {
			seen[p.AgentID] = struct{}{}
			out = append(out, p.AgentID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) ApplyOpen(_ context.Context, delta portfolio.LedgerDelta, pos *portfolio.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.portfolios[delta.AgentID]
	if !ok {
		return portfolio.ErrNotFound
	}
	next, err := delta.Apply(current)
	if err != nil {
		return err
	}
	s.nextPositionID++
	pos.ID = s.nextPositionID
	s.portfolios[delta.AgentID] = next
	s.positions[pos.ID] = *pos
	return nil
}

func (s *Store) ApplyClose(_ context.Context, delta portfolio.LedgerDelta, positionID int64, trade *portfolio.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[positionID]; !ok {
		return portfolio.ErrNotFound
	}
	current, ok := s.portfolios[delta.AgentID]
	if !ok {
		return portfolio.ErrNotFound
	}
	next, err := delta.Apply(current)
	if err != nil {
		return err
	}
	s.nextTradeID++
	trade.ID = s.nextTradeID
	delete(s.positions, positionID)
	s.portfolios[delta.AgentID] = next
	s.trades = append(s.trades, *trade)
	return nil
}

func (s *Store) UpdatePosition(_ context.Context, pos *portfolio.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[pos.ID]; !ok {
		return portfolio.ErrNotFound
	}
	s.positions[pos.ID] = *pos
	return nil
}

func (s *Store) SaveValuation(_ context.Context, p *portfolio.Portfolio, positions []portfolio.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.portfolios[p.AgentID]
	if !ok {
		return portfolio.ErrNotFound
	}
	current.Equity = p.Equity
	current.UpdatedAt = p.UpdatedAt
	s.portfolios[p.AgentID] = current
	for _, pos := range positions {
		if stored, ok := s.positions[pos.ID]; ok {
			stored.UnrealizedPnL = pos.UnrealizedPnL
			s.positions[pos.ID] = stored
		}
	}
	return nil
}

func (s *Store) Trades(_ context.Context, agentID int64, since time.Time) ([]portfolio.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []portfolio.Trade
	for _, t := range s.trades {
		if t.AgentID == agentID && t.ClosedAt.After(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

// ---- agents ----

func (s *Store) CreateAgent(_ context.Context, a *agent.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAgentID++
	a.ID = s.nextAgentID
	s.agents[a.ID] = *a
	return nil
}

func (s *Store) GetAgent(_ context.Context, id int64) (*agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, agent.ErrNotFound
	}
	return &a, nil
}

func (s *Store) GetAgentByName(_ context.Context, name string) (*agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.agents {
		if a.Name == name {
			return &a, nil
		}
	}
	return nil, agent.ErrNotFound
}

func (s *Store) ListAgents(_ context.Context, tf market.Timeframe) ([]*agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*agent.Agent
	for _, a := range s.agents {
		if tf != "" && a.Timeframe != tf {
			continue
		}
		a := a
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateStatus(_ context.Context, id int64, status agent.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return agent.ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	s.agents[id] = a
	return nil
}

func (s *Store) ActivePrompt(_ context.Context, agentID int64) (*agent.PromptVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.prompts {
		if v.AgentID == agentID && v.IsActive {
			return &v, nil
		}
	}
	return nil, agent.ErrNotFound
}

func (s *Store) PromptHistory(_ context.Context, agentID int64) ([]agent.PromptVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []agent.PromptVersion
	for _, v := range s.prompts {
		if v.AgentID == agentID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *Store) ActivatePrompt(_ context.Context, v *agent.PromptVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[v.AgentID]; !ok {
		return agent.ErrNotFound
	}
	maxVersion := 0
	for i := range s.prompts {
		if s.prompts[i].AgentID != v.AgentID {
			continue
		}
		if s.prompts[i].Version > maxVersion {
			maxVersion = s.prompts[i].Version
		}
		s.prompts[i].IsActive = false
	}
	s.nextPromptID++
	v.ID = s.nextPromptID
	v.Version = maxVersion + 1
	v.IsActive = true
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if v.ActivatedAt.IsZero() {
		v.ActivatedAt = v.CreatedAt
	}
	s.prompts = append(s.prompts, *v)
	return nil
}

func (s *Store) RevertPrompt(_ context.Context, agentID int64, version int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := -1
	for i := range s.prompts {
		if s.prompts[i].AgentID == agentID && s.prompts[i].Version == version {
			target = i
		}
	}
	if target < 0 {
		return agent.ErrNotFound
	}
	for i := range s.prompts {
		if s.prompts[i].AgentID == agentID && s.prompts[i].IsActive {
			s.prompts[i].IsActive = false
			s.prompts[i].FlaggedForReview = true
		}
	}
	s.prompts[target].IsActive = true
	s.prompts[target].FlaggedForReview = false
	s.prompts[target].ActivatedAt = at
	return nil
}

func (s *Store) NextDecisionID(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDecisionID++
	return s.nextDecisionID, nil
}

func (s *Store) SaveDecision(_ context.Context, d *agent.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == 0 {
		s.nextDecisionID++
		d.ID = s.nextDecisionID
	}
	s.decisions = append(s.decisions, *d)
	return nil
}

func (s *Store) RecentDecisions(_ context.Context, agentID int64, limit int) ([]agent.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []agent.Decision
	for i := len(s.decisions) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.decisions[i].AgentID == agentID {
			out = append(out, s.decisions[i])
		}
	}
	return out, nil
}

func (s *Store) UpsertTokenUsage(_ context.Context, u agent.TokenUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := usageKey{agentID: u.AgentID, model: u.Model, task: u.Task, date: u.Date.UTC().Format(time.DateOnly)}
	cur, ok := s.usage[key]
	if !ok {
		cur = agent.TokenUsage{AgentID: u.AgentID, Model: u.Model, Task: u.Task, Date: u.Date.UTC().Truncate(24 * time.Hour)}
	}
	cur.PromptTokens += u.PromptTokens
	cur.CompletionTokens += u.CompletionTokens
	cur.Calls += u.Calls
	cur.EstimatedCost += u.EstimatedCost
	s.usage[key] = cur
	return nil
}

// TokenUsage returns the aggregated rows, ordered by agent, model and task.
func (s *Store) TokenUsage() []agent.TokenUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]agent.TokenUsage, 0, len(s.usage))
	for _, u := range s.usage {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentID != out[j].AgentID {
			return out[i].AgentID < out[j].AgentID
		}
		if out[i].Model != out[j].Model {
			return out[i].Model < out[j].Model
		}
		return out[i].Task < out[j].Task
	})
	return out
}

func (s *Store) AddMemory(_ context.Context, m *agent.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMemoryID++
	m.ID = s.nextMemoryID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.memories = append(s.memories, *m)
	return nil
}

func (s *Store) RecentMemories(_ context.Context, agentID int64, limit int) ([]agent.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []agent.Memory
	for i := len(s.memories) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.memories[i].AgentID == agentID {
			out = append(out, s.memories[i])
		}
	}
	return out, nil
}
