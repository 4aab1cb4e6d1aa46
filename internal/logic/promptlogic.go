package logic

import (
	"context"

	"github.com/zeromicro/go-zero/core/logx"

	"tradefleet/internal/svc"
	"tradefleet/internal/types"
)

type PromptHistoryLogic struct {
	logx.Logger
	ctx    context.Context
	svcCtx *svc.ServiceContext
}

func NewPromptHistoryLogic(ctx context.Context, svcCtx *svc.ServiceContext) *PromptHistoryLogic {
	return &PromptHistoryLogic{
		Logger: logx.WithContext(ctx),
		ctx:    ctx,
		svcCtx: svcCtx,
	}
}

// PromptHistory lists every version of the agent's prompt, oldest first.
func (l *PromptHistoryLogic) PromptHistory(req *types.AgentReq) (*types.PromptHistoryResp, error) {
	if _, err := l.svcCtx.Store.GetAgent(l.ctx, req.ID); err != nil {
		return nil, err
	}
	history, err := l.svcCtx.Store.PromptHistory(l.ctx, req.ID)
	if err != nil {
		return nil, err
	}
	resp := &types.PromptHistoryResp{
		AgentID:  req.ID,
		Versions: make([]types.PromptVersionItem, 0, len(history)),
	}
	for _, v := range history {
		resp.Versions = append(resp.Versions, promptItem(v))
	}
	return resp, nil
}

type UpdatePromptLogic struct {
	logx.Logger
	ctx    context.Context
	svcCtx *svc.ServiceContext
}

func NewUpdatePromptLogic(ctx context.Context, svcCtx *svc.ServiceContext) *UpdatePromptLogic {
	return &UpdatePromptLogic{
		Logger: logx.WithContext(ctx),
		ctx:    ctx,
		svcCtx: svcCtx,
	}
}

// UpdatePrompt stores a human edit as the new active version.
func (l *UpdatePromptLogic) UpdatePrompt(req *types.UpdatePromptReq) (*types.PromptVersionItem, error) {
	if l.svcCtx.Evolution == nil {
		return nil, ErrAgentsDisabled
	}
	v, err := l.svcCtx.Evolution.ApplyHumanEdit(l.ctx, req.ID, req.Text)
	if err != nil {
		return nil, err
	}
	l.Infof("agent %d prompt edited by hand: version %d", req.ID, v.Version)
	item := promptItem(*v)
	return &item, nil
}
