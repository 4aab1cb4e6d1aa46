package cache

import (
	"strings"
	"time"

	"tradefleet/internal/config"
	"tradefleet/pkg/market"
)

const Namespace = "tradefleet"

// TTLSet is the root config TTL block as durations.
type TTLSet struct {
	Short  time.Duration
	Medium time.Duration
	Long   time.Duration
}

// NewTTLSet converts config seconds into durations. Zero falls back to the
// config defaults; negative disables expiry for that class.
func NewTTLSet(cfg config.CacheTTL) TTLSet {
	return TTLSet{
		Short:  seconds(cfg.Short, 10*time.Second),
		Medium: seconds(cfg.Medium, time.Minute),
		Long:   seconds(cfg.Long, 5*time.Minute),
	}
}

func seconds(n int, fallback time.Duration) time.Duration {
	switch {
	case n < 0:
		return 0
	case n == 0:
		return fallback
	default:
		return time.Duration(n) * time.Second
	}
}

// key builds tradefleet:<part>:<part>, skipping blank parts.
func key(parts ...string) string {
	var b strings.Builder
	b.WriteString(Namespace)
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			b.WriteByte(':')
			b.WriteString(p)
		}
	}
	return b.String()
}

// RankingLatestKey holds the msgpack payload of the newest completed run.
func RankingLatestKey(tf market.Timeframe) string {
	return key("ranking", "latest", string(tf))
}

// CycleKey records the candle close the last agent cycle ran for.
func CycleKey(tf market.Timeframe) string {
	return key("cycle", string(tf))
}

// RankingTTL keeps a cached ranking for two periods of its timeframe, never
// less than the long TTL.
func RankingTTL(tf market.Timeframe, ttl TTLSet) time.Duration {
	return max(2*tf.Duration(), ttl.Long)
}

// CycleTTL keeps cycle markers long enough to span a missed weekly close.
func CycleTTL() time.Duration {
	return 30 * 24 * time.Hour
}
