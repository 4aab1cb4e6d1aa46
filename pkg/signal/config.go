package signal

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Indicator names understood by the engine.
const (
	RSI       = "rsi"
	MACD      = "macd"
	EMATrend  = "ema_trend"
	Bollinger = "bollinger"
	ROC       = "roc"
	Volume    = "volume"
)

// Config configures indicator parameters, weights and confidence weighting.
type Config struct {
	MinCandles     int                        `yaml:"min_candles"`
	VolumeLookback int                        `yaml:"volume_lookback"`
	Confidence     ConfidenceWeights          `yaml:"confidence"`
	Indicators     map[string]IndicatorConfig `yaml:"indicators"`
}

// ConfidenceWeights blend the three confidence inputs. They need not sum to
// one; Confidence divides by their total.
type ConfidenceWeights struct {
	Agreement    float64 `yaml:"agreement"`
	Completeness float64 `yaml:"completeness"`
	Volume       float64 `yaml:"volume"`
}

// IndicatorConfig holds the knobs for one indicator. Unused fields are
// ignored by indicators that do not need them.
type IndicatorConfig struct {
	Weight      float64 `yaml:"weight"`
	Disabled    bool    `yaml:"disabled"`
	Period      int     `yaml:"period"`
	Fast        int     `yaml:"fast"`
	Slow        int     `yaml:"slow"`
	Signal      int     `yaml:"signal"`
	Width       float64 `yaml:"width"`
	Scale       float64 `yaml:"scale"`
	NeutralBand float64 `yaml:"neutral_band"`
}

// DefaultConfig returns the stock indicator set.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads signal configuration from disk.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open signal config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader constructs a Config from a reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read signal config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal signal config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var defaultIndicators = map[string]IndicatorConfig{
	RSI:       {Weight: 1.0, Period: 14, NeutralBand: 0.15},
	MACD:      {Weight: 1.5, Fast: 12, Slow: 26, Signal: 9, Scale: 0.002, NeutralBand: 0.1},
	EMATrend:  {Weight: 1.5, Fast: 20, Slow: 50, Scale: 0.02, NeutralBand: 0.1},
	Bollinger: {Weight: 0.75, Period: 20, Width: 2, NeutralBand: 0.2},
	ROC:       {Weight: 1.0, Period: 10, Scale: 0.05, NeutralBand: 0.1},
	Volume:    {Weight: 0.75, Period: 20, Scale: 2, NeutralBand: 0.1},
}

func (c *Config) applyDefaults() {
	if c.MinCandles <= 0 {
		c.MinCandles = 30
	}
	if c.VolumeLookback <= 0 {
		c.VolumeLookback = 50
	}
	if c.Confidence == (ConfidenceWeights{}) {
		c.Confidence = ConfidenceWeights{Agreement: 0.5, Completeness: 0.3, Volume: 0.2}
	}
	if len(c.Indicators) == 0 {
		c.Indicators = make(map[string]IndicatorConfig, len(defaultIndicators))
		for name, ic := range defaultIndicators {
			c.Indicators[name] = ic
		}
		return
	}
	// Partially specified indicators inherit the stock parameters.
	for name, ic := range c.Indicators {
		def, ok := defaultIndicators[name]
		if !ok {
			continue
		}
		if ic.Weight == 0 && !ic.Disabled {
			ic.Weight = def.Weight
		}
		if ic.Period == 0 {
			ic.Period = def.Period
		}
		if ic.Fast == 0 {
			ic.Fast = def.Fast
		}
		if ic.Slow == 0 {
			ic.Slow = def.Slow
		}
		if ic.Signal == 0 {
			ic.Signal = def.Signal
		}
		if ic.Width == 0 {
			ic.Width = def.Width
		}
		if ic.Scale == 0 {
			ic.Scale = def.Scale
		}
		if ic.NeutralBand == 0 {
			ic.NeutralBand = def.NeutralBand
		}
		c.Indicators[name] = ic
	}
}

// Validate checks weights and indicator names.
func (c *Config) Validate() error {
	var enabled int
	for name, ic := range c.Indicators {
		if _, ok := defaultIndicators[name]; !ok {
			return fmt.Errorf("signal config: unknown indicator %q", name)
		}
		if ic.Weight < 0 {
			return fmt.Errorf("signal config: indicator %s weight cannot be negative", name)
		}
		if ic.NeutralBand < 0 || ic.NeutralBand >= 1 {
			return fmt.Errorf("signal config: indicator %s neutral_band must be in [0,1)", name)
		}
		if !ic.Disabled && ic.Weight > 0 {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("signal config: at least one weighted indicator must be enabled")
	}
	w := c.Confidence
	if w.Agreement < 0 || w.Completeness < 0 || w.Volume < 0 {
		return fmt.Errorf("signal config: confidence weights cannot be negative")
	}
	if w.Agreement+w.Completeness+w.Volume <= 0 {
		return fmt.Errorf("signal config: confidence weights must sum to a positive value")
	}
	return nil
}

// Enabled returns the enabled indicator names in stable order.
func (c *Config) Enabled() []string {
	names := make([]string, 0, len(c.Indicators))
	for name, ic := range c.Indicators {
		if !ic.Disabled && ic.Weight > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
