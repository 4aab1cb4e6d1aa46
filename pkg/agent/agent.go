// Package agent holds the trading agent entities shared by the orchestrator,
// the evolution engine and the persistence layer.
package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tradefleet/pkg/market"
)

// ErrNotFound is returned by stores when an agent or prompt version is missing.
var ErrNotFound = errors.New("agent: not found")

// Status is the agent lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
)

// Models names the model used for each role.
type Models struct {
	Scan      string `json:"scan" yaml:"scan"`
	Trade     string `json:"trade" yaml:"trade"`
	Evolution string `json:"evolution" yaml:"evolution"`
}

// Agent is one autonomous trader in the fleet.
type Agent struct {
	ID                 int64
	Name               string
	Archetype          string
	Timeframe          market.Timeframe
	Models             Models
	Status             Status
	InitialBalance     float64
	EvolutionThreshold int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsCross reports whether the agent trades across every timeframe.
func (a *Agent) IsCross() bool {
	return a.Timeframe == market.Cross
}

// Active reports whether the agent takes part in decision cycles.
func (a *Agent) Active() bool {
	return a.Status == StatusActive
}

// Pause moves the agent into the paused state.
func (a *Agent) Pause(now time.Time) {
	a.Status = StatusPaused
	a.UpdatedAt = now
}

// Resume reactivates a paused agent.
func (a *Agent) Resume(now time.Time) {
	a.Status = StatusActive
	a.UpdatedAt = now
}

// Validate checks the fields required to seed an agent.
func (a *Agent) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("agent: name is required")
	}
	if strings.TrimSpace(a.Archetype) == "" {
		return fmt.Errorf("agent %s: archetype is required", a.Name)
	}
	if a.Timeframe != market.Cross && !a.Timeframe.Valid() {
		return fmt.Errorf("agent %s: invalid timeframe %q", a.Name, a.Timeframe)
	}
	if a.Models.Trade == "" {
		return fmt.Errorf("agent %s: trade model is required", a.Name)
	}
	if a.InitialBalance <= 0 {
		return fmt.Errorf("agent %s: initial balance must be positive", a.Name)
	}
	if a.EvolutionThreshold < 0 {
		return fmt.Errorf("agent %s: evolution threshold cannot be negative", a.Name)
	}
	switch a.Status {
	case StatusActive, StatusPaused:
	default:
		return fmt.Errorf("agent %s: invalid status %q", a.Name, a.Status)
	}
	return nil
}
