package market

import (
	"context"
	"time"
)

// Provider exposes exchange-agnostic market data.
type Provider interface {
	// ListSymbols returns every symbol the venue currently lists.
	ListSymbols(ctx context.Context) ([]Symbol, error)
	// Candles returns up to limit closed-or-forming candles, oldest first.
	Candles(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Candle, error)
}

// Symbol describes a tradeable instrument.
type Symbol struct {
	Name       string    // Exchange-native symbol, e.g. "BTC"
	Base       string    // Base asset
	Quote      string    // Quote asset
	Active     bool      // Whether the symbol takes part in rankings
	LastSeenAt time.Time // Last time discovery observed the symbol
}

// Candle is a single OHLCV bar.
type Candle struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Closes extracts close prices, oldest first.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Volumes extracts traded volume, oldest first.
func Volumes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}

// LastClosed returns the most recent candle whose close time is not after now.
func LastClosed(candles []Candle, now time.Time) (Candle, bool) {
	for i := len(candles) - 1; i >= 0; i-- {
		if !candles[i].CloseTime.After(now) {
			return candles[i], true
		}
	}
	return Candle{}, false
}
