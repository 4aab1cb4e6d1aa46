package signal

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradefleet/pkg/market"
)

func series(n int, start, step float64) []market.Candle {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, n)
	price := start
	for i := range out {
		open := price
		price += step
		out[i] = market.Candle{
			OpenTime:  base.Add(time.Duration(i) * time.Hour),
			CloseTime: base.Add(time.Duration(i+1)*time.Hour - time.Millisecond),
			Open:      open,
			High:      maxf(open, price) * 1.002,
			Low:       minf(open, price) * 0.998,
			Close:     price,
			Volume:    1000 + float64(i%5)*10,
		}
	}
	return out
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func TestScoreRenormalisesOverAvailableSignals(t *testing.T) {
	signals := []Signal{
		{Name: "a", Strength: 1, Weight: 1, Available: true},
		{Name: "b", Strength: -0.5, Weight: 3, Available: true},
		{Name: "c", Weight: 10, Available: false},
	}
	score, ok := Score(signals)
	require.True(t, ok)
	// (1*1 + 3*-0.5)/4 = -0.125 -> 0.4375
	assert.InDelta(t, 0.4375, score, 1e-12)

	_, ok = Score([]Signal{{Name: "x", Weight: 1}})
	assert.False(t, ok)
}

func TestScoreStaysInRange(t *testing.T) {
	allBull := []Signal{{Strength: 1, Weight: 2, Available: true}, {Strength: 1, Weight: 0.1, Available: true}}
	score, _ := Score(allBull)
	assert.InDelta(t, 1.0, score, 1e-12)

	allBear := []Signal{{Strength: -1, Weight: 5, Available: true}}
	score, _ = Score(allBear)
	assert.InDelta(t, 0.0, score, 1e-12)
}

func TestConfidenceBlend(t *testing.T) {
	res := Result{
		Expected: 5,
		Signals: []Signal{
			{Name: "a", Label: Bullish, Weight: 1, Available: true, Strength: 0.5},
			{Name: "b", Label: Bullish, Weight: 1, Available: true, Strength: 0.6},
			{Name: "c", Label: Bearish, Weight: 2, Available: true, Strength: -0.4},
			{Name: "d", Weight: 1},
			{Name: "e", Weight: 1},
		},
		VolumePercentile: 0.5,
	}
	w := ConfidenceWeights{Agreement: 0.5, Completeness: 0.3, Volume: 0.2}
	// agreement 2/4, completeness 3/5, volume 0.5: 0.25 + 0.18 + 0.1
	assert.Equal(t, 53, Confidence(res, w))

	res.Signals[3].Available = true
	res.Signals[3].Label = Bullish
	// agreement 3/5, completeness 4/5: 0.3 + 0.24 + 0.1
	assert.Equal(t, 64, Confidence(res, w))
}

func TestHighlightsBoundedAndOrdered(t *testing.T) {
	signals := []Signal{
		{Name: "rsi", Strength: 0.3, Available: true, Label: Bullish},
		{Name: "macd", Strength: -0.9, Available: true, Label: Bearish},
		{Name: "roc", Strength: 0.9, Available: true, Label: Bullish},
		{Name: "volume", Strength: 0.1, Available: true, Label: Neutral},
		{Name: "bollinger", Strength: 0.5, Available: true, Label: Bullish},
		{Name: "ema_trend", Strength: 1, Available: false},
	}
	hl := Highlights(signals, 10)
	require.Len(t, hl, MaxHighlights)
	assert.Equal(t, []string{"macd", "roc", "bollinger", "rsi"},
		[]string{hl[0].Indicator, hl[1].Indicator, hl[2].Indicator, hl[3].Indicator})
	assert.True(t, strings.HasPrefix(hl[0].Text, "MACD"))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Bullish, Classify(0.2, 0.1))
	assert.Equal(t, Bearish, Classify(-0.2, 0.1))
	assert.Equal(t, Neutral, Classify(0.05, 0.1))
	assert.Equal(t, Neutral, Classify(0, 0))
}

func TestEngineUptrendScoresBullish(t *testing.T) {
	engine := NewEngine(nil)
	eval, err := engine.Evaluate(series(120, 100, 0.5))
	require.NoError(t, err)
	assert.Greater(t, eval.Score, 0.6)
	assert.GreaterOrEqual(t, eval.Confidence, 0)
	assert.LessOrEqual(t, eval.Confidence, 100)
	assert.LessOrEqual(t, len(eval.Highlights), MaxHighlights)
	assert.Len(t, eval.Result.Available(), len(engine.Config().Enabled()))
}

func TestEngineDowntrendScoresBearish(t *testing.T) {
	eval, err := NewEngine(nil).Evaluate(series(120, 200, -0.5))
	require.NoError(t, err)
	assert.Less(t, eval.Score, 0.4)
}

func TestEngineShortHistoryLowersConfidence(t *testing.T) {
	engine := NewEngine(nil)
	full, err := engine.Evaluate(series(120, 100, 0.5))
	require.NoError(t, err)

	// 30 candles: EMA(50) and MACD(26+9) cannot be computed.
	short, err := engine.Evaluate(series(30, 100, 0.5))
	require.NoError(t, err)
	m := short.Result.Map()
	assert.False(t, m[EMATrend].Available)
	assert.False(t, m[MACD].Available)
	assert.Contains(t, m[MACD].Reason, "insufficient history")
	assert.True(t, m[RSI].Available)
	assert.Less(t, Completeness(short.Result), Completeness(full.Result))
}

func TestEngineNoHistory(t *testing.T) {
	_, err := NewEngine(nil).Evaluate(series(3, 100, 1))
	require.ErrorIs(t, err, ErrNoSignals)
}

func TestLoadConfigFromReader(t *testing.T) {
	cfg, err := LoadConfigFromReader(strings.NewReader(`
confidence:
  agreement: 2
  completeness: 1
  volume: 1
indicators:
  rsi:
    weight: 3
  macd:
    disabled: true
`))
	require.NoError(t, err)
	assert.Equal(t, 14, cfg.Indicators[RSI].Period)
	assert.Equal(t, 3.0, cfg.Indicators[RSI].Weight)
	assert.Equal(t, []string{RSI}, cfg.Enabled())
	assert.Equal(t, 2.0, cfg.Confidence.Agreement)

	_, err = LoadConfigFromReader(strings.NewReader("indicators:\n  stoch:\n    weight: 1\n"))
	require.ErrorContains(t, err, "unknown indicator")
}
