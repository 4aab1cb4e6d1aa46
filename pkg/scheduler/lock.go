package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"tradefleet/pkg/market"
)

// ErrBusy is returned when a timeframe's lock is held by another run.
var ErrBusy = errors.New("scheduler: run already in progress")

// Locker hands out non-blocking, expiring locks. The expiry releases locks
// orphaned by a crashed holder.
type Locker interface {
	// TryLock acquires key for ttl. ok is false when another holder owns it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// WithLock runs fn while holding key. It returns ErrBusy without running fn
// when the lock is taken. fn's context expires with the lease, so work never
// outlives the lock. The lock is released on every path, including a panic
// in fn.
func WithLock(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(context.Context) error) error {
	release, ok, err := l.TryLock(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBusy
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logx.WithContext(ctx).Errorf("scheduler: release %s: %v", key, err)
		}
	}()
	leaseCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()
	return fn(leaseCtx)
}

// LockKey is the per-timeframe lock name.
func LockKey(tf market.Timeframe) string {
	return "tradefleet:lock:ranking:" + string(tf)
}

// MemoryLocker is an in-process Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]lease
	seq   uint64
	nowFn func() time.Time
}

type lease struct {
	token   uint64
	expires time.Time
}

// NewMemoryLocker returns an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]lease), nowFn: time.Now}
}

func (m *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	if cur, ok := m.held[key]; ok && now.Before(cur.expires) {
		return nil, false, nil
	}
	m.seq++
	token := m.seq
	m.held[key] = lease{token: token, expires: now.Add(ttl)}
	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		// An expired lease may have been taken over; only the owner releases.
		if cur, ok := m.held[key]; ok && cur.token == token {
			delete(m.held, key)
		}
		return nil
	}, true, nil
}

// Held reports whether key is currently locked.
func (m *MemoryLocker) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.held[key]
	return ok && m.nowFn().Before(cur.expires)
}

// CycleClock remembers when each timeframe last ran its agent cycle, so the
// candle-close gate survives across ticks and processes.
type CycleClock interface {
	LastCycle(ctx context.Context, tf market.Timeframe) (time.Time, error)
	MarkCycle(ctx context.Context, tf market.Timeframe, at time.Time) error
}

// MemoryClock is an in-process CycleClock.
type MemoryClock struct {
	mu   sync.Mutex
	last map[market.Timeframe]time.Time
}

// NewMemoryClock returns an empty clock.
func NewMemoryClock() *MemoryClock {
	return &MemoryClock{last: make(map[market.Timeframe]time.Time)}
}

func (c *MemoryClock) LastCycle(_ context.Context, tf market.Timeframe) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last[tf], nil
}

func (c *MemoryClock) MarkCycle(_ context.Context, tf market.Timeframe, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[tf] = at
	return nil
}
