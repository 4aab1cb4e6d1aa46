// Package indicators holds pure technical-indicator functions. Every series
// function returns a slice aligned with its input, NaN-padded until the
// indicator has enough history.
package indicators

import (
	"math"

	"tradefleet/pkg/market"
)

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// Last returns the final element of series, or NaN when it is empty.
func Last(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

// SMA produces the simple moving average for the supplied prices.
func SMA(prices []float64, period int) []float64 {
	if period <= 0 || len(prices) == 0 {
		return []float64{}
	}
	result := nanSeries(len(prices))
	var sum float64
	for i, p := range prices {
		sum += p
		if i >= period {
			sum -= prices[i-period]
		}
		if i >= period-1 {
			result[i] = sum / float64(period)
		}
	}
	return result
}

// EMA produces the exponential moving average, seeded with the SMA of the
// first complete window that contains no NaN values.
func EMA(prices []float64, period int) []float64 {
	if period <= 0 || len(prices) == 0 {
		return []float64{}
	}
	result := nanSeries(len(prices))
	if len(prices) < period {
		return result
	}
	multiplier := 2.0 / float64(period+1)

	start := -1
	var seed float64
	for i := period - 1; i < len(prices) && start == -1; i++ {
		sum := 0.0
		valid := true
		for j := i - period + 1; j <= i; j++ {
			if math.IsNaN(prices[j]) {
				valid = false
				break
			}
			sum += prices[j]
		}
		if valid {
			start, seed = i, sum/float64(period)
		}
	}
	if start == -1 {
		return result
	}
	result[start] = seed
	for i := start + 1; i < len(prices); i++ {
		if math.IsNaN(prices[i]) {
			result[i] = result[i-1]
			continue
		}
		result[i] = (prices[i]-result[i-1])*multiplier + result[i-1]
	}
	return result
}

// MACD returns the MACD line, its signal line and the histogram.
func MACD(prices []float64, fast, slow, signalPeriod int) ([]float64, []float64, []float64) {
	if len(prices) == 0 {
		return []float64{}, []float64{}, []float64{}
	}
	emaFast := EMA(prices, fast)
	emaSlow := EMA(prices, slow)

	line := nanSeries(len(prices))
	for i := range prices {
		if !math.IsNaN(emaFast[i]) && !math.IsNaN(emaSlow[i]) {
			line[i] = emaFast[i] - emaSlow[i]
		}
	}
	signal := EMA(line, signalPeriod)
	hist := nanSeries(len(prices))
	for i := range hist {
		if !math.IsNaN(line[i]) && !math.IsNaN(signal[i]) {
			hist[i] = line[i] - signal[i]
		}
	}
	return line, signal, hist
}

// RSI computes Wilder's Relative Strength Index.
func RSI(prices []float64, period int) []float64 {
	if period <= 0 || len(prices) == 0 {
		return []float64{}
	}
	rsi := nanSeries(len(prices))
	if len(prices) <= period {
		return rsi
	}

	var gainSum, lossSum float64
	for i := 1; i <= period; i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gainSum += change
		} else {
			lossSum -= change
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)
	rsi[period] = computeRSI(avgGain, avgLoss)

	for i := period + 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		avgGain = (avgGain*float64(period-1) + math.Max(change, 0)) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + math.Max(-change, 0)) / float64(period)
		rsi[i] = computeRSI(avgGain, avgLoss)
	}
	return rsi
}

func computeRSI(avgGain, avgLoss float64) float64 {
	switch {
	case avgLoss == 0 && avgGain == 0:
		return 50.0
	case avgLoss == 0:
		return 100.0
	case avgGain == 0:
		return 0.0
	default:
		return 100.0 - (100.0 / (1.0 + avgGain/avgLoss))
	}
}

// ATR computes the Average True Range over candles.
func ATR(candles []market.Candle, period int) []float64 {
	if period <= 0 || len(candles) == 0 {
		return []float64{}
	}
	tr := make([]float64, len(candles))
	for i, c := range candles {
		if i == 0 {
			tr[i] = c.High - c.Low
			continue
		}
		prevClose := candles[i-1].Close
		tr[i] = math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
	}
	return EMA(tr, period)
}

// PercentB returns Bollinger %B: 0 at the lower band, 1 at the upper band.
func PercentB(prices []float64, period int, width float64) []float64 {
	if period <= 1 || len(prices) == 0 {
		return []float64{}
	}
	out := nanSeries(len(prices))
	mid := SMA(prices, period)
	for i := period - 1; i < len(prices); i++ {
		sd := stddev(prices[i-period+1:i+1], mid[i])
		if sd == 0 {
			out[i] = 0.5
			continue
		}
		lower := mid[i] - width*sd
		upper := mid[i] + width*sd
		out[i] = (prices[i] - lower) / (upper - lower)
	}
	return out
}

// ROC returns the fractional rate of change over period bars.
func ROC(prices []float64, period int) []float64 {
	if period <= 0 || len(prices) == 0 {
		return []float64{}
	}
	out := nanSeries(len(prices))
	for i := period; i < len(prices); i++ {
		if prices[i-period] != 0 {
			out[i] = prices[i]/prices[i-period] - 1
		}
	}
	return out
}

// ZScore reports how many standard deviations the last value sits from the
// mean of the preceding lookback values.
func ZScore(values []float64, lookback int) float64 {
	if lookback <= 1 || len(values) < lookback+1 {
		return math.NaN()
	}
	window := values[len(values)-lookback-1 : len(values)-1]
	mean := 0.0
	for _, v := range window {
		mean += v
	}
	mean /= float64(len(window))
	sd := stddev(window, mean)
	if sd == 0 {
		return 0
	}
	return (values[len(values)-1] - mean) / sd
}

// PercentRank returns the share of the preceding lookback values that are
// less than or equal to the last value, in [0,1].
func PercentRank(values []float64, lookback int) float64 {
	if lookback <= 0 || len(values) < 2 {
		return math.NaN()
	}
	last := values[len(values)-1]
	start := len(values) - 1 - lookback
	if start < 0 {
		start = 0
	}
	window := values[start : len(values)-1]
	var below int
	for _, v := range window {
		if v <= last {
			below++
		}
	}
	return float64(below) / float64(len(window))
}

func stddev(window []float64, mean float64) float64 {
	if len(window) == 0 {
		return 0
	}
	var acc float64
	for _, v := range window {
		d := v - mean
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(window)))
}
