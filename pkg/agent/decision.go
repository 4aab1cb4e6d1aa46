package agent

import (
	"time"

	"tradefleet/pkg/market"
)

// ActionKind is the closed set of actions a model may request.
type ActionKind string

const (
	ActionOpenLong         ActionKind = "open_long"
	ActionOpenShort        ActionKind = "open_short"
	ActionClosePosition    ActionKind = "close_position"
	ActionAdjustStopLoss   ActionKind = "adjust_stop_loss"
	ActionAdjustTakeProfit ActionKind = "adjust_take_profit"
	ActionHold             ActionKind = "hold"
)

// Valid reports whether k belongs to the closed action set.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionOpenLong, ActionOpenShort, ActionClosePosition,
		ActionAdjustStopLoss, ActionAdjustTakeProfit, ActionHold:
		return true
	}
	return false
}

// Task labels token usage by purpose.
type Task string

const (
	TaskDecision   Task = "decision"
	TaskReflection Task = "reflection"
	TaskEvolution  Task = "evolution"
)

// Decision is the immutable audit record of one agent cycle.
type Decision struct {
	ID               int64
	AgentID          int64
	Timeframe        market.Timeframe
	Action           ActionKind
	Symbol           string
	PositionSize     float64
	Confidence       int
	Summary          string
	Reasoning        string
	PromptVersion    int
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	EstimatedCost    float64
	Executed         bool
	CreatedAt        time.Time
}

// TokenUsage is the daily aggregate keyed by agent, model, task and date.
type TokenUsage struct {
	AgentID          int64
	Model            string
	Task             Task
	Date             time.Time
	PromptTokens     int64
	CompletionTokens int64
	Calls            int64
	EstimatedCost    float64
}

// Memory is a short reflection written after a closed trade.
type Memory struct {
	ID        int64
	AgentID   int64
	TradeID   int64
	Content   string
	CreatedAt time.Time
}
