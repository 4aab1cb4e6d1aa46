package logic

import (
	"context"
	"fmt"

	"github.com/zeromicro/go-zero/core/logx"

	"tradefleet/internal/svc"
	"tradefleet/internal/types"
	"tradefleet/pkg/evolution"
)

type TriggerRunLogic struct {
	logx.Logger
	ctx    context.Context
	svcCtx *svc.ServiceContext
}

func NewTriggerRunLogic(ctx context.Context, svcCtx *svc.ServiceContext) *TriggerRunLogic {
	return &TriggerRunLogic{
		Logger: logx.WithContext(ctx),
		ctx:    ctx,
		svcCtx: svcCtx,
	}
}

// TriggerRun runs the timeframe synchronously under the scheduler lock.
// Per-agent failures are reported in the response, not as an error.
func (l *TriggerRunLogic) TriggerRun(req *types.TriggerRunReq) (*types.TriggerRunResp, error) {
	tf, err := parseTimeframe(req.Timeframe)
	if err != nil {
		return nil, err
	}
	rep, err := l.svcCtx.Scheduler.Trigger(l.ctx, tf)
	if err != nil {
		return nil, err
	}
	l.Infof("manual run %s: run=%s symbols=%d candle_closed=%t", tf, rep.Ranking.Run.ID, rep.Ranking.Run.SymbolCount, rep.CandleClosed)

	resp := &types.TriggerRunResp{
		Timeframe:    string(tf),
		Run:          *runInfo(&rep.Ranking.Run),
		Skipped:      len(rep.Ranking.Skipped),
		CandleClosed: rep.CandleClosed,
	}
	if rep.Cycle != nil {
		for _, res := range rep.Cycle.Agents {
			if res.Skipped {
				continue
			}
			resp.AgentsRun++
			if res.Reason != "" && !res.Executed {
				resp.Errors = append(resp.Errors, fmt.Sprintf("agent %d: %s", res.AgentID, res.Reason))
			}
		}
		for id, ev := range rep.Cycle.Evolutions {
			if ev.Outcome == evolution.Applied {
				resp.Evolved = append(resp.Evolved, id)
			}
		}
		resp.Reverted = rep.Cycle.Reverted
	}
	if rep.Sweep != nil {
		resp.SweepClosed = len(rep.Sweep.Closed)
	}
	return resp, nil
}
