package cache

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/zeromicro/go-zero/core/stores/redis"

	"tradefleet/pkg/scheduler"
)

var _ scheduler.Locker = (*Locker)(nil)

// Locker hands out expiring redis locks so one run per timeframe proceeds
// across every scheduler replica.
type Locker struct {
	store *redis.Redis
}

// NewLocker wraps a go-zero redis client.
func NewLocker(store *redis.Redis) *Locker {
	return &Locker{store: store}
}

// TryLock acquires key without blocking. The lock expires after ttl, rounded
// up to whole seconds.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	lock := redis.NewRedisLock(l.store, key)
	lock.SetExpire(int(math.Ceil(ttl.Seconds())))
	ok, err := lock.AcquireCtx(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("cache: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		released, err := lock.ReleaseCtx(ctx)
		if err != nil {
			return fmt.Errorf("cache: release %s: %w", key, err)
		}
		if !released {
			return fmt.Errorf("cache: release %s: lock expired before release", key)
		}
		return nil
	}
	return release, true, nil
}
