package logic

import (
	"context"

	"github.com/zeromicro/go-zero/core/logx"

	"tradefleet/internal/svc"
	"tradefleet/internal/types"
)

type RankingsLogic struct {
	logx.Logger
	ctx    context.Context
	svcCtx *svc.ServiceContext
}

func NewRankingsLogic(ctx context.Context, svcCtx *svc.ServiceContext) *RankingsLogic {
	return &RankingsLogic{
		Logger: logx.WithContext(ctx),
		ctx:    ctx,
		svcCtx: svcCtx,
	}
}

func (l *RankingsLogic) Rankings(req *types.RankingsReq) (*types.RankingsResp, error) {
	tf, err := parseTimeframe(req.Timeframe)
	if err != nil {
		return nil, err
	}
	view, err := l.svcCtx.Rankings.Latest(l.ctx, tf)
	if err != nil {
		return nil, err
	}

	snaps := view.Snapshots
	if req.Limit > 0 && req.Limit < len(snaps) {
		snaps = snaps[:req.Limit]
	}
	resp := &types.RankingsResp{
		Timeframe:  string(tf),
		RunID:      view.Run.ID,
		FinishedAt: view.Run.FinishedAt,
		AgeSeconds: int64(view.Age.Seconds()),
		Stale:      view.Stale,
		Rankings:   make([]types.RankingItem, 0, len(snaps)),
	}
	for _, s := range snaps {
		item := types.RankingItem{
			Rank:       s.Rank,
			Symbol:     s.Symbol,
			Score:      s.Score,
			Confidence: s.Confidence,
			LastClose:  s.LastClose,
			Highlights: make([]types.HighlightItem, 0, len(s.Highlights)),
		}
		for _, h := range s.Highlights {
			item.Highlights = append(item.Highlights, types.HighlightItem{
				Indicator: h.Indicator,
				Label:     string(h.Label),
				Strength:  h.Strength,
				Text:      h.Text,
			})
		}
		resp.Rankings = append(resp.Rankings, item)
	}
	return resp, nil
}
