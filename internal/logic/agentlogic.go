package logic

import (
	"context"

	"github.com/zeromicro/go-zero/core/logx"

	"tradefleet/internal/svc"
	"tradefleet/internal/types"
	"tradefleet/pkg/agent"
)

type AgentStatusLogic struct {
	logx.Logger
	ctx    context.Context
	svcCtx *svc.ServiceContext
}

func NewAgentStatusLogic(ctx context.Context, svcCtx *svc.ServiceContext) *AgentStatusLogic {
	return &AgentStatusLogic{
		Logger: logx.WithContext(ctx),
		ctx:    ctx,
		svcCtx: svcCtx,
	}
}

func (l *AgentStatusLogic) Pause(req *types.AgentReq) (*types.AgentStatusResp, error) {
	if l.svcCtx.Manager == nil {
		return nil, ErrAgentsDisabled
	}
	return statusResp(l.svcCtx.Manager.Pause(l.ctx, req.ID))
}

func (l *AgentStatusLogic) Resume(req *types.AgentReq) (*types.AgentStatusResp, error) {
	if l.svcCtx.Manager == nil {
		return nil, ErrAgentsDisabled
	}
	return statusResp(l.svcCtx.Manager.Resume(l.ctx, req.ID))
}

func statusResp(a *agent.Agent, err error) (*types.AgentStatusResp, error) {
	if err != nil {
		return nil, err
	}
	return &types.AgentStatusResp{ID: a.ID, Name: a.Name, Status: string(a.Status)}, nil
}
