package agent

import (
	"context"
	"time"

	"tradefleet/pkg/market"
)

// Store persists agents and their audit trail.
type Store interface {
	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id int64) (*Agent, error)
	GetAgentByName(ctx context.Context, name string) (*Agent, error)
	// ListAgents returns agents assigned to tf ordered by id. An empty tf
	// returns every agent.
	ListAgents(ctx context.Context, tf market.Timeframe) ([]*Agent, error)
	UpdateStatus(ctx context.Context, id int64, status Status) error

	PromptStore

	NextDecisionID(ctx context.Context) (int64, error)
	SaveDecision(ctx context.Context, d *Decision) error
	RecentDecisions(ctx context.Context, agentID int64, limit int) ([]Decision, error)
	UpsertTokenUsage(ctx context.Context, u TokenUsage) error

	AddMemory(ctx context.Context, m *Memory) error
	RecentMemories(ctx context.Context, agentID int64, limit int) ([]Memory, error)
}

// PromptStore manages the versioned prompt history.
type PromptStore interface {
	ActivePrompt(ctx context.Context, agentID int64) (*PromptVersion, error)
	PromptHistory(ctx context.Context, agentID int64) ([]PromptVersion, error)
	// ActivatePrompt appends v as the new active version, deactivating the
	// current one in the same atomic unit. v.Version is assigned by the store.
	ActivatePrompt(ctx context.Context, v *PromptVersion) error
	// RevertPrompt reactivates version as of at in place of the active one,
	// which is flagged for review. Both happen in one atomic unit.
	RevertPrompt(ctx context.Context, agentID int64, version int, at time.Time) error
}
