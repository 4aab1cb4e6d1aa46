package signal

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"tradefleet/pkg/market"
)

// Highlight is a short, human-readable call-out of a strong signal.
type Highlight struct {
	Indicator string  `json:"indicator"`
	Label     Label   `json:"label"`
	Strength  float64 `json:"strength"`
	Text      string  `json:"text"`
}

// MaxHighlights bounds the highlight list stored with a snapshot.
const MaxHighlights = 4

// Score returns the weighted average of available strengths rescaled from
// [-1,1] to [0,1]. Weights are renormalised over the available signals, so
// missing indicators are excluded rather than counted as zero. ok is false
// when nothing carried weight.
func Score(signals []Signal) (score float64, ok bool) {
	var weighted, total float64
	for _, s := range signals {
		if !s.Available || s.Weight <= 0 {
			continue
		}
		weighted += s.Weight * s.Strength
		total += s.Weight
	}
	if total == 0 {
		return 0, false
	}
	avg := weighted / total
	return math.Max(0, math.Min(1, (avg+1)/2)), true
}

// Agreement is the share of available weight behind the dominant label.
func Agreement(signals []Signal) float64 {
	byLabel := map[Label]float64{}
	var total float64
	for _, s := range signals {
		if !s.Available || s.Weight <= 0 {
			continue
		}
		byLabel[s.Label] += s.Weight
		total += s.Weight
	}
	if total == 0 {
		return 0
	}
	var best float64
	for _, w := range byLabel {
		best = math.Max(best, w)
	}
	return best / total
}

// Completeness is the fraction of expected indicators that were computed.
func Completeness(res Result) float64 {
	if res.Expected == 0 {
		return 0
	}
	return float64(len(res.Available())) / float64(res.Expected)
}

// Confidence blends agreement, completeness and volume percentile into an
// integer in [0,100].
func Confidence(res Result, w ConfidenceWeights) int {
	total := w.Agreement + w.Completeness + w.Volume
	if total <= 0 {
		return 0
	}
	avail := res.Available()
	blend := w.Agreement*Agreement(avail) +
		w.Completeness*Completeness(res) +
		w.Volume*math.Max(0, math.Min(1, res.VolumePercentile))
	c := int(math.Round(100 * blend / total))
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

// Highlights picks up to n available signals with the largest magnitude,
// ties broken by indicator name.
func Highlights(signals []Signal, n int) []Highlight {
	if n > MaxHighlights {
		n = MaxHighlights
	}
	avail := make([]Signal, 0, len(signals))
	for _, s := range signals {
		if s.Available && s.Strength != 0 {
			avail = append(avail, s)
		}
	}
	sort.SliceStable(avail, func(i, j int) bool {
		ai, aj := math.Abs(avail[i].Strength), math.Abs(avail[j].Strength)
		if ai != aj {
			return ai > aj
		}
		return avail[i].Name < avail[j].Name
	})
	if len(avail) > n {
		avail = avail[:n]
	}
	out := make([]Highlight, 0, len(avail))
	for _, s := range avail {
		out = append(out, Highlight{
			Indicator: s.Name,
			Label:     s.Label,
			Strength:  s.Strength,
			Text:      describe(s),
		})
	}
	return out
}

func describe(s Signal) string {
	name := strings.ToUpper(strings.ReplaceAll(s.Name, "_", " "))
	switch s.Name {
	case RSI:
		return fmt.Sprintf("%s %.1f (%s)", name, s.Value, s.Label)
	case Bollinger:
		return fmt.Sprintf("%s %%B %.2f (%s)", name, s.Value, s.Label)
	case ROC, EMATrend:
		return fmt.Sprintf("%s %+.2f%% (%s)", name, s.Value*100, s.Label)
	case Volume:
		return fmt.Sprintf("%s z=%.1f (%s)", name, s.Value, s.Label)
	default:
		return fmt.Sprintf("%s %.4g (%s)", name, s.Value, s.Label)
	}
}

// Evaluation is the scored form of a Result.
type Evaluation struct {
	Result     Result
	Score      float64
	Confidence int
	Highlights []Highlight
}

// Evaluate computes, scores and highlights candles in one call.
func (e *Engine) Evaluate(candles []market.Candle) (Evaluation, error) {
	if len(candles) < e.cfg.MinCandles {
		return Evaluation{}, fmt.Errorf("%w: %d candles, need %d: %w", ErrNoSignals, len(candles), e.cfg.MinCandles, market.ErrInsufficientHistory)
	}
	res := e.Compute(candles)
	score, ok := Score(res.Signals)
	if !ok {
		return Evaluation{Result: res}, ErrNoSignals
	}
	return Evaluation{
		Result:     res,
		Score:      score,
		Confidence: Confidence(res, e.cfg.Confidence),
		Highlights: Highlights(res.Signals, MaxHighlights),
	}, nil
}
