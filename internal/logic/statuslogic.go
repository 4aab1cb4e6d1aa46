package logic

import (
	"context"
	"errors"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"tradefleet/internal/svc"
	"tradefleet/internal/types"
	"tradefleet/pkg/agent"
)

type StatusLogic struct {
	logx.Logger
	ctx    context.Context
	svcCtx *svc.ServiceContext
}

func NewStatusLogic(ctx context.Context, svcCtx *svc.ServiceContext) *StatusLogic {
	return &StatusLogic{
		Logger: logx.WithContext(ctx),
		ctx:    ctx,
		svcCtx: svcCtx,
	}
}

// Status reports scheduler state and a one-line summary per agent. Partial
// read failures are logged and the rest is still served.
func (l *StatusLogic) Status() (*types.StatusResp, error) {
	resp := &types.StatusResp{
		Env:         l.svcCtx.Config.Env,
		FeedClients: l.svcCtx.Hub.ClientCount(),
		ServerTime:  time.Now().UTC(),
	}

	statuses, err := l.svcCtx.Scheduler.Status(l.ctx)
	if err != nil {
		l.Errorf("status: scheduler: %v", err)
	}
	for _, st := range statuses {
		resp.Timeframes = append(resp.Timeframes, types.TimeframeStatus{
			Timeframe:     string(st.Timeframe),
			Cadence:       st.Cadence,
			Running:       st.Running,
			LastRun:       runInfo(st.LastRun),
			LastCompleted: runInfo(st.LastCompleted),
			LastCycle:     st.LastCycle,
			NextDue:       st.NextDue,
			LastError:     st.LastError,
		})
	}

	agents, err := l.svcCtx.Store.ListAgents(l.ctx, "")
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		summary := types.AgentSummary{
			ID:        a.ID,
			Name:      a.Name,
			Archetype: a.Archetype,
			Timeframe: string(a.Timeframe),
			Status:    string(a.Status),
		}
		if state, err := l.svcCtx.Portfolio.Snapshot(l.ctx, a.ID); err == nil {
			summary.Cash = state.Portfolio.Cash.InexactFloat64()
			summary.Equity = state.Portfolio.Equity.InexactFloat64()
			summary.RealizedPnL = state.Portfolio.RealizedPnL.InexactFloat64()
			summary.OpenPositions = len(state.Positions)
		} else {
			l.Errorf("status: portfolio of agent %d: %v", a.ID, err)
		}
		if v, err := l.svcCtx.Store.ActivePrompt(l.ctx, a.ID); err == nil {
			summary.PromptVersion = v.Version
		} else if !errors.Is(err, agent.ErrNotFound) {
			l.Errorf("status: prompt of agent %d: %v", a.ID, err)
		}
		resp.Agents = append(resp.Agents, summary)
	}
	return resp, nil
}
