package manager

import (
	"context"
	"fmt"

	"github.com/zeromicro/go-zero/core/logx"

	"tradefleet/pkg/agent"
	"tradefleet/pkg/events"
)

// Pause stops the agent from taking part in cycles. Open positions stay
// under the stop-loss and take-profit sweep.
func (o *Orchestrator) Pause(ctx context.Context, agentID int64) (*agent.Agent, error) {
	return o.setStatus(ctx, agentID, agent.StatusPaused)
}

// Resume returns a paused agent to its timeframe's queue.
func (o *Orchestrator) Resume(ctx context.Context, agentID int64) (*agent.Agent, error) {
	return o.setStatus(ctx, agentID, agent.StatusActive)
}

func (o *Orchestrator) setStatus(ctx context.Context, agentID int64, status agent.Status) (*agent.Agent, error) {
	a, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("manager: load agent %d: %w", agentID, err)
	}
	if a.Status == status {
		return a, nil
	}
	if status == agent.StatusPaused {
		a.Pause(o.now())
	} else {
		a.Resume(o.now())
	}
	if err := o.store.UpdateStatus(ctx, agentID, status); err != nil {
		return nil, fmt.Errorf("manager: update status of agent %d: %w", agentID, err)
	}
	logx.WithContext(ctx).Infof("manager: agent %s is now %s", a.Name, status)

	row := events.AgentRow{AgentID: a.ID}
	if state, err := o.portfolio.Snapshot(ctx, a.ID); err == nil {
		row = state.Row()
	}
	row.Name, row.Status, row.Timeframe = a.Name, string(a.Status), string(a.Timeframe)
	if err := o.publisher.Publish(ctx, events.Event{Type: events.AgentUpdated, Time: o.now(), Agents: []events.AgentRow{row}}); err != nil {
		logx.WithContext(ctx).Errorf("manager: publish agent %d: %v", a.ID, err)
	}
	return a, nil
}
