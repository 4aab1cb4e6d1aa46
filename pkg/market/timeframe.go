package market

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe is a candle interval such as "15m" or "1w".
type Timeframe string

const (
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
	TF1w  Timeframe = "1w"

	// Cross marks agents that reason over every ranked timeframe at once.
	Cross Timeframe = "cross"
)

var timeframeDurations = map[Timeframe]time.Duration{
	TF15m: 15 * time.Minute,
	TF1h:  time.Hour,
	TF4h:  4 * time.Hour,
	TF1d:  24 * time.Hour,
	TF1w:  7 * 24 * time.Hour,
}

// Timeframes lists the ranked timeframes, shortest first.
func Timeframes() []Timeframe {
	return []Timeframe{TF15m, TF1h, TF4h, TF1d, TF1w}
}

// ParseTimeframe normalises s into a known timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToLower(strings.TrimSpace(s)))
	if tf == Cross {
		return tf, nil
	}
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("market: unknown timeframe %q", s)
	}
	return tf, nil
}

// Duration returns the candle length; zero for Cross or unknown values.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Valid reports whether tf is a ranked timeframe.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

func (tf Timeframe) String() string {
	return string(tf)
}

// LastClose returns the most recent canonical candle-close boundary at or
// before t. Boundaries are aligned to UTC: intraday frames to multiples of
// their length since midnight, daily to midnight, weekly to Monday midnight.
func (tf Timeframe) LastClose(t time.Time) time.Time {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch tf {
	case TF1w:
		offset := (int(midnight.Weekday()) + 6) % 7 // days since Monday
		return midnight.AddDate(0, 0, -offset)
	case TF1d:
		return midnight
	}
	d := tf.Duration()
	if d <= 0 {
		return t
	}
	return midnight.Add(t.Sub(midnight).Truncate(d))
}

// NextClose returns the first boundary strictly after t.
func (tf Timeframe) NextClose(t time.Time) time.Time {
	last := tf.LastClose(t)
	if tf == TF1w {
		return last.AddDate(0, 0, 7)
	}
	if tf == TF1d {
		return last.AddDate(0, 0, 1)
	}
	return last.Add(tf.Duration())
}

// HasCandleClosed reports whether a close boundary for tf was crossed after
// lastRun and at or before now. A zero lastRun always reports true.
func HasCandleClosed(tf Timeframe, lastRun, now time.Time) bool {
	if lastRun.IsZero() {
		return true
	}
	return tf.LastClose(now).After(lastRun.UTC())
}
