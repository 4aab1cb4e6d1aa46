package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"tradefleet/pkg/agent"
	"tradefleet/pkg/events"
	"tradefleet/pkg/evolution"
	"tradefleet/pkg/executor"
	"tradefleet/pkg/journal"
	"tradefleet/pkg/market"
	"tradefleet/pkg/portfolio"
	"tradefleet/pkg/prompt"
)

// Evolver is the evolution engine as seen by the orchestrator.
type Evolver interface {
	Due(ctx context.Context, a *agent.Agent) (bool, error)
	Evolve(ctx context.Context, a *agent.Agent) (evolution.Result, error)
	CheckRegression(ctx context.Context, a *agent.Agent) (bool, error)
}

// AgentResult is the outcome of one agent in a cycle.
type AgentResult struct {
	AgentID    int64
	Name       string
	DecisionID int64
	Action     agent.ActionKind
	Symbol     string
	Executed   bool
	Skipped    bool
	// Reason explains a skip or a hold produced by a failure or rejection.
	Reason string
	Trade  *portfolio.Trade
}

// CycleReport summarises one RunCycle.
type CycleReport struct {
	Timeframe  market.Timeframe
	StartedAt  time.Time
	FinishedAt time.Time
	Agents     []AgentResult
	Evolutions map[int64]evolution.Result
	Reverted   []int64
}

// Orchestrator runs the decision cycle of every agent of a timeframe, one
// agent at a time.
type Orchestrator struct {
	cfg       ManagerConfig
	store     agent.Store
	portfolio *portfolio.Manager
	builder   *ContextBuilder
	decider   executor.Decider
	evolver   Evolver
	cost      executor.CostFunc
	journal   *journal.Writer
	publisher events.Publisher
	now       func() time.Time
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithEvolver enables post-cycle evolution and regression checks.
func WithEvolver(e Evolver) Option {
	return func(o *Orchestrator) { o.evolver = e }
}

// WithCost prices model calls for token accounting.
func WithCost(cost executor.CostFunc) Option {
	return func(o *Orchestrator) { o.cost = cost }
}

// WithJournal writes one audit file per decision.
func WithJournal(w *journal.Writer) Option {
	return func(o *Orchestrator) { o.journal = w }
}

// WithPublisher emits agent.updated events.
func WithPublisher(pub events.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = pub }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
		if o.builder != nil {
			o.builder.now = now
		}
	}
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(cfg ManagerConfig, store agent.Store, pm *portfolio.Manager, builder *ContextBuilder, decider executor.Decider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		store:     store,
		portfolio: pm,
		builder:   builder,
		decider:   decider,
		publisher: events.Nop{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Queue returns the ordered agents of tf. Cross agents join the queue of the
// anchor timeframe after the timeframe's own agents.
func (o *Orchestrator) Queue(ctx context.Context, tf market.Timeframe) ([]*agent.Agent, error) {
	agents, err := o.store.ListAgents(ctx, tf)
	if err != nil {
		return nil, fmt.Errorf("manager: list agents for %s: %w", tf, err)
	}
	if tf == o.cfg.CrossAnchor {
		cross, err := o.store.ListAgents(ctx, market.Cross)
		if err != nil {
			return nil, fmt.Errorf("manager: list cross agents: %w", err)
		}
		agents = append(agents, cross...)
	}
	return agents, nil
}

// RunCycle processes the queue of tf sequentially, then runs regression
// checks and queued evolutions. Validation and model failures become holds;
// only a failed ledger or decision write aborts the cycle.
func (o *Orchestrator) RunCycle(ctx context.Context, tf market.Timeframe) (CycleReport, error) {
	report := CycleReport{Timeframe: tf, StartedAt: o.now(), Evolutions: make(map[int64]evolution.Result)}
	logger := logx.WithContext(ctx)

	queue, err := o.Queue(ctx, tf)
	if err != nil {
		return report, err
	}
	var processed []*agent.Agent
	for _, queued := range queue {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		a, res, err := o.runAgent(ctx, queued.ID, tf)
		report.Agents = append(report.Agents, res)
		if err != nil {
			return report, err
		}
		if a != nil && !res.Skipped {
			processed = append(processed, a)
		}
	}

	if o.evolver != nil {
		o.postCycle(ctx, processed, &report)
	}
	report.FinishedAt = o.now()
	logger.Infow("agent cycle finished",
		logx.Field("timeframe", tf),
		logx.Field("agents", len(report.Agents)),
		logx.Field("evolutions", len(report.Evolutions)),
		logx.Field("reverted", len(report.Reverted)),
		logx.Field("duration", report.FinishedAt.Sub(report.StartedAt).String()))
	return report, nil
}

// postCycle runs regression guards first so a version being reverted is not
// evolved in the same cycle. Failures are logged and retried later.
func (o *Orchestrator) postCycle(ctx context.Context, agents []*agent.Agent, report *CycleReport) {
	logger := logx.WithContext(ctx)
	reverted := make(map[int64]bool)
	for _, a := range agents {
		ok, err := o.evolver.CheckRegression(ctx, a)
		if err != nil {
			logger.Errorf("manager: regression check for %s: %v", a.Name, err)
			continue
		}
		if ok {
			reverted[a.ID] = true
			report.Reverted = append(report.Reverted, a.ID)
		}
	}

	var queued []*agent.Agent
	for _, a := range agents {
		if reverted[a.ID] {
			continue
		}
		due, err := o.evolver.Due(ctx, a)
		if err != nil {
			logger.Errorf("manager: evolution check for %s: %v", a.Name, err)
			continue
		}
		if due {
			queued = append(queued, a)
		}
	}
	for _, a := range queued {
		res, err := o.evolver.Evolve(ctx, a)
		report.Evolutions[a.ID] = res
		if err != nil {
			logger.Errorf("manager: evolve %s: %v", a.Name, err)
		}
	}
}

// runAgent runs one agent cycle. A returned error is fatal for the cycle.
func (o *Orchestrator) runAgent(ctx context.Context, agentID int64, tf market.Timeframe) (*agent.Agent, AgentResult, error) {
	logger := logx.WithContext(ctx)
	res := AgentResult{AgentID: agentID}

	a, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		res.Skipped, res.Reason = true, err.Error()
		logger.Errorf("manager: load agent %d: %v", agentID, err)
		return nil, res, nil
	}
	res.Name = a.Name
	if !a.Active() {
		res.Skipped, res.Reason = true, "paused"
		return a, res, nil
	}
	pv, err := o.store.ActivePrompt(ctx, a.ID)
	if err != nil {
		res.Skipped, res.Reason = true, "no active prompt"
		logger.Errorf("manager: active prompt for %s: %v", a.Name, err)
		return a, res, nil
	}
	decisionID, err := o.store.NextDecisionID(ctx)
	if err != nil {
		return a, res, fmt.Errorf("manager: reserve decision id: %w", err)
	}
	res.DecisionID = decisionID

	var (
		out    *executor.DecisionOutput
		action executor.Action
		failed string
	)
	built, err := o.builder.Build(ctx, a, pv, tf)
	if err != nil {
		failed = "context unavailable: " + err.Error()
		action = executor.Hold(failed)
		logger.Errorf("manager: build context for %s: %v", a.Name, err)
	} else {
		out, err = o.decider.Decide(ctx, executor.DecisionInput{
			Model:        a.Models.Trade,
			SystemPrompt: pv.Text,
			Context:      built.Context,
		})
		switch {
		case err != nil && errors.Is(err, executor.ErrModelTimeout):
			failed = "model timed out"
			action = executor.Hold(failed)
		case err != nil:
			failed = "model call failed: " + err.Error()
			action = executor.Hold(failed)
			if out != nil {
				action = out.Action
			}
		default:
			action = out.Action
		}
		if err != nil {
			logger.Errorf("manager: decide for %s: %v", a.Name, err)
		}
	}

	var (
		outcome  *executor.Outcome
		fatalErr error
		state    *portfolio.State
	)
	if built != nil && action.Kind != agent.ActionHold {
		err := o.portfolio.Execute(ctx, a.ID, func(book *portfolio.Book) error {
			st, err := book.State(ctx, built.Prices)
			if err != nil {
				return err
			}
			plan, err := executor.Validate(action, st, o.portfolio.Limits(), built.Prices, decisionID)
			if err != nil {
				return err
			}
			outcome, err = plan.Apply(ctx, book)
			return err
		})
		switch {
		case err == nil:
		case isValidation(err):
			logger.Infow("action rejected",
				logx.Field("agent", a.Name),
				logx.Field("action", action.Kind),
				logx.Field("symbol", action.Symbol),
				logx.Field("reason", err.Error()))
			action = action.WithViolation(err.Error())
			failed = err.Error()
			outcome = nil
		default:
			fatalErr = fmt.Errorf("manager: execute %s for %s: %w", action.Kind, a.Name, err)
			action = action.WithViolation("execution failed: " + err.Error())
			failed = err.Error()
			outcome = nil
		}
	}

	d := &agent.Decision{
		ID:            decisionID,
		AgentID:       a.ID,
		Timeframe:     tf,
		Action:        action.Kind,
		Symbol:        action.Symbol,
		PositionSize:  action.PositionSize.InexactFloat64(),
		Confidence:    action.Confidence,
		Summary:       action.Summary,
		Reasoning:     action.Reasoning,
		PromptVersion: pv.Version,
		Executed:      outcome != nil,
		CreatedAt:     o.now(),
	}
	if out != nil {
		d.Model = out.Model
		d.PromptTokens = out.Usage.PromptTokens
		d.CompletionTokens = out.Usage.CompletionTokens
		if o.cost != nil {
			d.EstimatedCost = o.cost(out.Model, out.Usage.PromptTokens, out.Usage.CompletionTokens)
		}
	}
	if err := o.store.SaveDecision(ctx, d); err != nil {
		return a, res, errors.Join(fatalErr, fmt.Errorf("manager: save decision %d: %w", decisionID, err))
	}
	if fatalErr != nil {
		return a, res, fatalErr
	}
	if out != nil {
		o.trackUsage(ctx, a.ID, agent.TaskDecision, &out.Completion)
	}

	res.Action, res.Symbol, res.Executed, res.Reason = action.Kind, action.Symbol, d.Executed, failed
	if outcome != nil && outcome.Trade != nil {
		res.Trade = outcome.Trade
		o.reflect(ctx, a, outcome.Trade)
	}

	if built != nil {
		state = built.State
	}
	if snap, err := o.portfolio.Snapshot(ctx, a.ID); err == nil {
		state = snap
	}
	o.record(ctx, a, pv, d, out, built, failed)
	o.publishAgent(ctx, a, pv.Version, d, state)
	return a, res, nil
}

// reflect stores a short lesson about a closed trade. Failures only lose
// the memory.
func (o *Orchestrator) reflect(ctx context.Context, a *agent.Agent, trade *portfolio.Trade) {
	logger := logx.WithContext(ctx)
	var openReasoning string
	if trade.OpenDecisionID != 0 {
		recent, err := o.store.RecentDecisions(ctx, a.ID, 100)
		if err == nil {
			for _, d := range recent {
				if d.ID == trade.OpenDecisionID {
					openReasoning = d.Reasoning
					break
				}
			}
		}
	}
	model := a.Models.Scan
	if model == "" {
		model = a.Models.Trade
	}
	comp, err := o.decider.Reflect(ctx, model, &executor.ReflectionInput{
		Agent: executor.AgentView{
			ID:        a.ID,
			Name:      a.Name,
			Archetype: a.Archetype,
			Timeframe: a.Timeframe,
		},
		Trade:         executor.NewTradeView(*trade),
		OpenReasoning: openReasoning,
	})
	if err != nil {
		logger.Errorf("manager: reflect on trade %d for %s: %v", trade.ID, a.Name, err)
		return
	}
	o.trackUsage(ctx, a.ID, agent.TaskReflection, comp)
	if comp.Text == "" {
		return
	}
	if err := o.store.AddMemory(ctx, &agent.Memory{
		AgentID:   a.ID,
		TradeID:   trade.ID,
		Content:   comp.Text,
		CreatedAt: o.now(),
	}); err != nil {
		logger.Errorf("manager: store memory for %s: %v", a.Name, err)
	}
}

func (o *Orchestrator) trackUsage(ctx context.Context, agentID int64, task agent.Task, comp *executor.Completion) {
	if err := o.store.UpsertTokenUsage(ctx, comp.TokenUsage(agentID, task, o.now(), o.cost)); err != nil {
		logx.WithContext(ctx).Errorf("manager: token usage for agent %d: %v", agentID, err)
	}
}

func (o *Orchestrator) record(ctx context.Context, a *agent.Agent, pv *agent.PromptVersion, d *agent.Decision, out *executor.DecisionOutput, built *Built, failed string) {
	if o.journal == nil {
		return
	}
	rec := &journal.Record{
		Timestamp:     d.CreatedAt,
		AgentID:       a.ID,
		AgentName:     a.Name,
		Timeframe:     string(d.Timeframe),
		DecisionID:    d.ID,
		PromptVersion: pv.Version,
		PromptDigest:  prompt.Digest([]byte(pv.Text)),
		Action:        string(d.Action),
		Symbol:        d.Symbol,
		Summary:       d.Summary,
		Executed:      d.Executed,
		Error:         failed,
	}
	if out != nil {
		rec.Model = out.Model
		rec.Response = out.Text
		rec.ContextDigest = prompt.Digest([]byte(out.Prompt))
	}
	if built != nil {
		p := built.Context.Portfolio
		rec.Portfolio = map[string]any{
			"cash":           p.Cash,
			"equity":         p.Equity,
			"realized_pnl":   p.RealizedPnL,
			"open_positions": len(p.Positions),
		}
		for _, row := range built.Context.Top {
			rec.Candidates = append(rec.Candidates, row.Symbol)
		}
		if built.Context.RankingRunID != "" {
			rec.Extra = map[string]any{"ranking_run_id": built.Context.RankingRunID}
		}
	}
	if _, err := o.journal.Write(rec); err != nil {
		logx.WithContext(ctx).Errorf("manager: journal decision %d: %v", d.ID, err)
	}
}

func (o *Orchestrator) publishAgent(ctx context.Context, a *agent.Agent, version int, d *agent.Decision, state *portfolio.State) {
	row := events.AgentRow{AgentID: a.ID}
	if state != nil {
		row = state.Row()
	}
	row.Name = a.Name
	row.Status = string(a.Status)
	row.Timeframe = string(a.Timeframe)
	row.LastAction = string(d.Action)
	row.PromptVersion = version
	err := o.publisher.Publish(ctx, events.Event{
		Type:      events.AgentUpdated,
		Timeframe: string(d.Timeframe),
		Time:      o.now(),
		Agents:    []events.AgentRow{row},
	})
	if err != nil {
		logx.WithContext(ctx).Errorf("manager: publish agent %d: %v", a.ID, err)
	}
}

func isValidation(err error) bool {
	return portfolio.IsViolation(err) ||
		errors.Is(err, executor.ErrNoPrice) ||
		errors.Is(err, executor.ErrMalformedAction)
}
