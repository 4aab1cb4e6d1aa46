package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeromicro/go-zero/core/stores/redis"

	"tradefleet/pkg/market"
	"tradefleet/pkg/ranking"
)

var _ ranking.Cache = (*RankingCache)(nil)

// RankingCache keeps the latest completed ranking per timeframe as a
// msgpack blob.
type RankingCache struct {
	store *redis.Redis
	ttl   TTLSet
	now   func() time.Time
}

func NewRankingCache(store *redis.Redis, ttl TTLSet) *RankingCache {
	return &RankingCache{store: store, ttl: ttl, now: time.Now}
}

func (c *RankingCache) Put(ctx context.Context, tf market.Timeframe, run ranking.Run, snapshots []ranking.Snapshot) error {
	payload, err := msgpack.Marshal(ranking.Cached{Run: run, Snapshots: snapshots, CachedAt: c.now().UTC()})
	if err != nil {
		return fmt.Errorf("cache: encode ranking %s: %w", tf, err)
	}
	seconds := int(RankingTTL(tf, c.ttl).Seconds())
	if err := c.store.SetexCtx(ctx, RankingLatestKey(tf), string(payload), seconds); err != nil {
		return fmt.Errorf("cache: put ranking %s: %w", tf, err)
	}
	return nil
}

// Get returns ranking.ErrNotFound on a miss.
func (c *RankingCache) Get(ctx context.Context, tf market.Timeframe) (*ranking.Cached, error) {
	raw, err := c.store.GetCtx(ctx, RankingLatestKey(tf))
	if err != nil {
		return nil, fmt.Errorf("cache: get ranking %s: %w", tf, err)
	}
	if raw == "" {
		return nil, ranking.ErrNotFound
	}
	var cached ranking.Cached
	if err := msgpack.Unmarshal([]byte(raw), &cached); err != nil {
		return nil, fmt.Errorf("cache: decode ranking %s: %w", tf, err)
	}
	return &cached, nil
}
