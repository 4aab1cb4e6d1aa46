// Package events defines the live-update payloads emitted after ranking and
// agent state changes, and the publishers that carry them.
package events

import (
	"context"
	"errors"
	"time"
)

// Type identifies the kind of state change.
type Type string

const (
	RankingUpdated   Type = "ranking.updated"
	AgentUpdated     Type = "agent.updated"
	PortfolioUpdated Type = "portfolio.updated"
	PromptEvolved    Type = "prompt.evolved"
	PromptReverted   Type = "prompt.reverted"
)

// Event is the push-channel contract.
type Event struct {
	Type      Type         `json:"type"`
	Timeframe string       `json:"timeframe,omitempty"`
	Time      time.Time    `json:"time"`
	RunID     string       `json:"run_id,omitempty"`
	Rankings  []RankingRow `json:"rankings,omitempty"`
	Agents    []AgentRow   `json:"agents,omitempty"`
	Message   string       `json:"message,omitempty"`
}

// RankingRow is one ranked symbol.
type RankingRow struct {
	Symbol     string   `json:"symbol"`
	Rank       int      `json:"rank"`
	Score      float64  `json:"score"`
	Confidence int      `json:"confidence"`
	Highlights []string `json:"highlights,omitempty"`
}

// AgentRow summarises an agent after a change.
type AgentRow struct {
	AgentID       int64   `json:"agent_id"`
	Name          string  `json:"name"`
	Status        string  `json:"status"`
	Timeframe     string  `json:"timeframe"`
	Cash          float64 `json:"cash"`
	Equity        float64 `json:"equity"`
	RealizedPnL   float64 `json:"realized_pnl"`
	Fees          float64 `json:"fees"`
	OpenPositions int     `json:"open_positions"`
	LastAction    string  `json:"last_action,omitempty"`
	PromptVersion int     `json:"prompt_version,omitempty"`
}

// Publisher delivers events to a transport. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
