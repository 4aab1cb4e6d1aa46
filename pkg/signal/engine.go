// Package signal turns OHLCV history into normalised indicator signals, a
// composite bullish score and a confidence figure.
package signal

import (
	"errors"
	"fmt"
	"math"

	"tradefleet/pkg/market"
	"tradefleet/pkg/market/indicators"
)

// Label is the directional reading of a signal.
type Label string

const (
	Bullish Label = "bullish"
	Neutral Label = "neutral"
	Bearish Label = "bearish"
)

// ErrNoSignals is returned when no enabled indicator could be computed.
var ErrNoSignals = errors.New("signal: no indicator could be computed")

// Signal is one indicator reading. Value is the raw indicator output and
// Strength its mapping into [-1, 1]. Unavailable signals carry a Reason and
// zero numbers so they stay JSON-encodable.
type Signal struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Strength  float64 `json:"strength"`
	Label     Label   `json:"label"`
	Weight    float64 `json:"weight"`
	Available bool    `json:"available"`
	Reason    string  `json:"reason,omitempty"`
}

// Result is the full indicator read-out for one symbol.
type Result struct {
	Signals          []Signal
	Expected         int
	VolumePercentile float64
	LastClose        float64
}

// Available returns only the signals that were computed.
func (r Result) Available() []Signal {
	out := make([]Signal, 0, len(r.Signals))
	for _, s := range r.Signals {
		if s.Available {
			out = append(out, s)
		}
	}
	return out
}

// Map keys signals by indicator name.
func (r Result) Map() map[string]Signal {
	out := make(map[string]Signal, len(r.Signals))
	for _, s := range r.Signals {
		out[s.Name] = s
	}
	return out
}

type computeFunc func(candles []market.Candle, closes []float64, ic IndicatorConfig) (value, strength float64, err error)

var computers = map[string]computeFunc{
	RSI:       computeRSI,
	MACD:      computeMACD,
	EMATrend:  computeEMATrend,
	Bollinger: computeBollinger,
	ROC:       computeROC,
	Volume:    computeVolume,
}

// Engine evaluates the configured indicators.
type Engine struct {
	cfg *Config
}

// NewEngine builds an engine; a nil config selects DefaultConfig.
func NewEngine(cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Engine{cfg: cfg}
}

// Config exposes the engine configuration.
func (e *Engine) Config() *Config {
	return e.cfg
}

// Compute runs every enabled indicator over candles (oldest first).
func (e *Engine) Compute(candles []market.Candle) Result {
	names := e.cfg.Enabled()
	res := Result{
		Signals:  make([]Signal, 0, len(names)),
		Expected: len(names),
	}
	closes := market.Closes(candles)
	if len(closes) > 0 {
		res.LastClose = closes[len(closes)-1]
	}
	if pr := indicators.PercentRank(market.Volumes(candles), e.cfg.VolumeLookback); !math.IsNaN(pr) {
		res.VolumePercentile = pr
	}

	for _, name := range names {
		ic := e.cfg.Indicators[name]
		sig := Signal{Name: name, Weight: ic.Weight, Label: Neutral}
		value, strength, err := computers[name](candles, closes, ic)
		switch {
		case err != nil:
			sig.Reason = err.Error()
		case math.IsNaN(value) || math.IsNaN(strength) || math.IsInf(value, 0):
			sig.Reason = "indicator produced no value"
		default:
			sig.Available = true
			sig.Value = value
			sig.Strength = clamp(strength)
			sig.Label = Classify(sig.Strength, ic.NeutralBand)
		}
		res.Signals = append(res.Signals, sig)
	}
	return res
}

// Classify maps a strength onto a label using a symmetric neutral band.
func Classify(strength, band float64) Label {
	switch {
	case strength >= band && strength > 0:
		return Bullish
	case strength <= -band && strength < 0:
		return Bearish
	default:
		return Neutral
	}
}

func clamp(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}

func need(closes []float64, n int) error {
	if len(closes) < n {
		return fmt.Errorf("%w: need %d candles, have %d", market.ErrInsufficientHistory, n, len(closes))
	}
	return nil
}

func computeRSI(_ []market.Candle, closes []float64, ic IndicatorConfig) (float64, float64, error) {
	if err := need(closes, ic.Period+1); err != nil {
		return 0, 0, err
	}
	rsi := indicators.Last(indicators.RSI(closes, ic.Period))
	return rsi, (rsi - 50) / 25, nil
}

func computeMACD(_ []market.Candle, closes []float64, ic IndicatorConfig) (float64, float64, error) {
	if err := need(closes, ic.Slow+ic.Signal); err != nil {
		return 0, 0, err
	}
	_, _, hist := indicators.MACD(closes, ic.Fast, ic.Slow, ic.Signal)
	h := indicators.Last(hist)
	price := closes[len(closes)-1]
	if price <= 0 {
		return 0, 0, errors.New("non-positive price")
	}
	return h, math.Tanh(h / (price * ic.Scale)), nil
}

func computeEMATrend(_ []market.Candle, closes []float64, ic IndicatorConfig) (float64, float64, error) {
	if err := need(closes, ic.Slow); err != nil {
		return 0, 0, err
	}
	fast := indicators.Last(indicators.EMA(closes, ic.Fast))
	slow := indicators.Last(indicators.EMA(closes, ic.Slow))
	if slow == 0 {
		return 0, 0, errors.New("slow ema is zero")
	}
	spread := (fast - slow) / slow
	return spread, math.Tanh(spread / ic.Scale), nil
}

func computeBollinger(_ []market.Candle, closes []float64, ic IndicatorConfig) (float64, float64, error) {
	if err := need(closes, ic.Period); err != nil {
		return 0, 0, err
	}
	pb := indicators.Last(indicators.PercentB(closes, ic.Period, ic.Width))
	return pb, 2*pb - 1, nil
}

func computeROC(_ []market.Candle, closes []float64, ic IndicatorConfig) (float64, float64, error) {
	if err := need(closes, ic.Period+1); err != nil {
		return 0, 0, err
	}
	roc := indicators.Last(indicators.ROC(closes, ic.Period))
	return roc, math.Tanh(roc / ic.Scale), nil
}

// computeVolume reads a volume surge in the direction of the last bar.
// Below-average volume carries no directional weight.
func computeVolume(candles []market.Candle, closes []float64, ic IndicatorConfig) (float64, float64, error) {
	if err := need(closes, ic.Period+1); err != nil {
		return 0, 0, err
	}
	z := indicators.ZScore(market.Volumes(candles), ic.Period)
	last := candles[len(candles)-1]
	direction := 0.0
	switch {
	case last.Close > last.Open:
		direction = 1
	case last.Close < last.Open:
		direction = -1
	}
	return z, direction * math.Tanh(math.Max(z, 0)/ic.Scale), nil
}
