package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"

	"tradefleet/pkg/agent"
	"tradefleet/pkg/portfolio"
)

// Seed creates the configured agents that do not exist yet, together with
// their portfolio and initial prompt version. Existing agents keep their
// state; only a missing portfolio or active prompt is filled in.
func Seed(ctx context.Context, cfg *Config, store agent.Store, pm *portfolio.Manager) ([]*agent.Agent, error) {
	logger := logx.WithContext(ctx)
	out := make([]*agent.Agent, 0, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		a, err := store.GetAgentByName(ctx, ac.Name)
		switch {
		case errors.Is(err, agent.ErrNotFound):
			a = ac.Agent()
			now := time.Now().UTC()
			a.CreatedAt, a.UpdatedAt = now, now
			if err := store.CreateAgent(ctx, a); err != nil {
				return nil, fmt.Errorf("manager: seed agent %s: %w", ac.Name, err)
			}
			logger.Infof("manager: seeded agent %s (%d) on %s", a.Name, a.ID, a.Timeframe)
		case err != nil:
			return nil, fmt.Errorf("manager: look up agent %s: %w", ac.Name, err)
		}

		if _, err := pm.EnsurePortfolio(ctx, a.ID, decimal.NewFromFloat(a.InitialBalance)); err != nil {
			return nil, fmt.Errorf("manager: seed portfolio for %s: %w", a.Name, err)
		}

		_, err = store.ActivePrompt(ctx, a.ID)
		if errors.Is(err, agent.ErrNotFound) {
			v := &agent.PromptVersion{AgentID: a.ID, Text: ac.Prompt, Source: agent.SourceInitial, CreatedAt: time.Now().UTC()}
			if err := store.ActivatePrompt(ctx, v); err != nil {
				return nil, fmt.Errorf("manager: seed prompt for %s: %w", a.Name, err)
			}
		} else if err != nil {
			return nil, fmt.Errorf("manager: load prompt for %s: %w", a.Name, err)
		}
		out = append(out, a)
	}
	return out, nil
}
