package logic

import (
	"errors"
	"fmt"

	"tradefleet/internal/types"
	"tradefleet/pkg/agent"
	"tradefleet/pkg/market"
	"tradefleet/pkg/ranking"
)

var (
	ErrAgentsDisabled   = errors.New("agents are disabled: llm section not configured")
	ErrInvalidTimeframe = errors.New("invalid timeframe")
)

func parseTimeframe(s string) (market.Timeframe, error) {
	tf, err := market.ParseTimeframe(s)
	if err != nil || tf == market.Cross {
		return "", fmt.Errorf("%w: %q", ErrInvalidTimeframe, s)
	}
	return tf, nil
}

func runInfo(r *ranking.Run) *types.RunInfo {
	if r == nil {
		return nil
	}
	return &types.RunInfo{
		ID:          r.ID,
		Status:      string(r.Status),
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		SymbolCount: r.SymbolCount,
		Error:       r.Error,
	}
}

func promptItem(v agent.PromptVersion) types.PromptVersionItem {
	return types.PromptVersionItem{
		Version:          v.Version,
		ParentVersion:    v.ParentVersion,
		Source:           string(v.Source),
		Text:             v.Text,
		Diff:             v.Diff,
		IsActive:         v.IsActive,
		FlaggedForReview: v.FlaggedForReview,
		CumulativePnL:    v.Performance.CumulativePnL,
		CreatedAt:        v.CreatedAt,
		ActivatedAt:      v.ActivatedAt,
	}
}
