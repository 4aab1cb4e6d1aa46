package ranking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"tradefleet/pkg/market"
)

// View is the last known good ranking of a timeframe.
type View struct {
	Run       Run
	Snapshots []Snapshot
	// Age is the time since the run finished.
	Age time.Duration
	// Stale is set when a newer run exists that did not complete.
	Stale bool
}

// Reader serves the latest completed ranking, preferring the cache.
type Reader struct {
	store Store
	cache Cache
	now   func() time.Time
}

// NewReader builds a reader. cache may be nil.
func NewReader(store Store, cache Cache) *Reader {
	return &Reader{store: store, cache: cache, now: time.Now}
}

// Latest returns the newest completed ranking for tf, or ErrNotFound.
func (r *Reader) Latest(ctx context.Context, tf market.Timeframe) (*View, error) {
	var (
		run   Run
		snaps []Snapshot
	)
	cached, err := r.fromCache(ctx, tf)
	if err != nil {
		logx.WithContext(ctx).Errorf("ranking: cache read %s: %v", tf, err)
	}
	if cached != nil {
		run, snaps = cached.Run, cached.Snapshots
	} else {
		latest, err := r.store.LatestCompletedRun(ctx, tf)
		if err != nil {
			return nil, err
		}
		snaps, err = r.store.Snapshots(ctx, latest.ID)
		if err != nil {
			return nil, fmt.Errorf("ranking: snapshots of run %s: %w", latest.ID, err)
		}
		run = *latest
		if r.cache != nil {
			if err := r.cache.Put(ctx, tf, run, snaps); err != nil {
				logx.WithContext(ctx).Errorf("ranking: cache fill %s: %v", tf, err)
			}
		}
	}

	view := &View{Run: run, Snapshots: snaps}
	if !run.FinishedAt.IsZero() {
		view.Age = r.now().Sub(run.FinishedAt)
	}
	if newest, err := r.store.LatestRun(ctx, tf); err == nil && newest.ID != run.ID && newest.Status == RunFailed {
		view.Stale = true
	}
	return view, nil
}

func (r *Reader) fromCache(ctx context.Context, tf market.Timeframe) (*Cached, error) {
	if r.cache == nil {
		return nil, nil
	}
	cached, err := r.cache.Get(ctx, tf)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return cached, err
}
