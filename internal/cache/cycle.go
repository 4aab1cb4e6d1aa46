package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/zeromicro/go-zero/core/stores/redis"

	"tradefleet/pkg/market"
	"tradefleet/pkg/scheduler"
)

var _ scheduler.CycleClock = (*CycleClock)(nil)

// CycleClock stores the candle close each timeframe last ran agents for, so
// a restarted scheduler does not replay a cycle.
type CycleClock struct {
	store *redis.Redis
}

func NewCycleClock(store *redis.Redis) *CycleClock {
	return &CycleClock{store: store}
}

func (c *CycleClock) LastCycle(ctx context.Context, tf market.Timeframe) (time.Time, error) {
	raw, err := c.store.GetCtx(ctx, CycleKey(tf))
	if err != nil {
		return time.Time{}, fmt.Errorf("cache: read cycle %s: %w", tf, err)
	}
	if raw == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("cache: decode cycle %s: %w", tf, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (c *CycleClock) MarkCycle(ctx context.Context, tf market.Timeframe, at time.Time) error {
	value := strconv.FormatInt(at.UnixMilli(), 10)
	if err := c.store.SetexCtx(ctx, CycleKey(tf), value, int(CycleTTL().Seconds())); err != nil {
		return fmt.Errorf("cache: mark cycle %s: %w", tf, err)
	}
	return nil
}
