// Package ranking runs the per-timeframe scoring pipeline and stores the
// resulting immutable snapshots.
package ranking

import (
	"context"
	"errors"
	"sort"
	"time"

	"tradefleet/pkg/market"
	"tradefleet/pkg/signal"
)

// ErrNotFound is returned when no run or snapshot matches a query.
var ErrNotFound = errors.New("ranking: not found")

// RunStatus is the ComputationRun lifecycle state.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is one pipeline execution for a timeframe.
type Run struct {
	ID          string
	Timeframe   market.Timeframe
	Status      RunStatus
	StartedAt   time.Time
	FinishedAt  time.Time
	SymbolCount int
	Error       string
}

// Snapshot is the immutable scored result for one symbol in one run.
type Snapshot struct {
	RunID      string
	Symbol     string
	Timeframe  market.Timeframe
	Score      float64
	Confidence int
	Rank       int
	Highlights []signal.Highlight
	Signals    map[string]signal.Signal
	LastClose  float64
	CreatedAt  time.Time
}

// RunResult is what Pipeline.Run returns to the scheduler.
type RunResult struct {
	Run       Run
	Snapshots []Snapshot
	// Skipped maps symbols excluded from the run to the reason.
	Skipped map[string]string
}

// Store persists symbols, runs and snapshots.
type Store interface {
	UpsertSymbols(ctx context.Context, symbols []market.Symbol) error
	ActiveSymbols(ctx context.Context) ([]market.Symbol, error)

	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, run *Run) error
	// CompleteRun writes snapshots and marks run completed in one atomic unit.
	CompleteRun(ctx context.Context, run *Run, snapshots []Snapshot) error
	LatestRun(ctx context.Context, tf market.Timeframe) (*Run, error)
	LatestCompletedRun(ctx context.Context, tf market.Timeframe) (*Run, error)
	Snapshots(ctx context.Context, runID string) ([]Snapshot, error)
}

// Cache keeps the latest ranking per timeframe for the read surface.
type Cache interface {
	Put(ctx context.Context, tf market.Timeframe, run Run, snapshots []Snapshot) error
	Get(ctx context.Context, tf market.Timeframe) (*Cached, error)
}

// Cached is the cache payload.
type Cached struct {
	Run       Run
	Snapshots []Snapshot
	CachedAt  time.Time
}

// Rank orders snapshots by score, then confidence, then symbol and assigns
// ranks starting at 1. The slice is sorted in place.
func Rank(snapshots []Snapshot) {
	sort.SliceStable(snapshots, func(i, j int) bool {
		a, b := snapshots[i], snapshots[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Symbol < b.Symbol
	})
	for i := range snapshots {
		snapshots[i].Rank = i + 1
	}
}

// Top returns the first n snapshots of a ranked slice.
func Top(snapshots []Snapshot, n int) []Snapshot {
	if n <= 0 || n >= len(snapshots) {
		return snapshots
	}
	return snapshots[:n]
}

// Bottom returns the last n snapshots of a ranked slice, worst first.
func Bottom(snapshots []Snapshot, n int) []Snapshot {
	if n <= 0 || n > len(snapshots) {
		n = len(snapshots)
	}
	out := make([]Snapshot, 0, n)
	for i := len(snapshots) - 1; i >= len(snapshots)-n; i-- {
		out = append(out, snapshots[i])
	}
	return out
}
