package evolution

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"tradefleet/pkg/confkit"
)

// Config tunes prompt evolution and the regression guard.
type Config struct {
	// MinPromptChars rejects revisions shorter than this.
	MinPromptChars int `yaml:"min_prompt_chars"`
	// RegressionWindow is the number of trades after an evolution before the
	// guard judges it.
	RegressionWindow int `yaml:"regression_window"`
	// RegressionDrop is the fractional fall in realized PnL that reverts an
	// evolution.
	RegressionDrop float64 `yaml:"regression_drop"`
	// MinBaseline floors the PnL base the drop is measured against, so a
	// near-zero baseline cannot turn noise into a revert.
	MinBaseline float64 `yaml:"min_baseline"`
	// RecentDecisions and RecentTrades bound what the model sees.
	RecentDecisions int `yaml:"recent_decisions"`
	RecentTrades    int `yaml:"recent_trades"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads configuration from disk.
func LoadConfig(path string) (*Config, error) {
	confkit.LoadDotenvOnce()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open evolution config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader constructs a Config from a reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read evolution config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal evolution config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MinPromptChars <= 0 {
		c.MinPromptChars = 200
	}
	if c.RegressionWindow <= 0 {
		c.RegressionWindow = 20
	}
	if c.RegressionDrop <= 0 {
		c.RegressionDrop = 0.20
	}
	if c.MinBaseline <= 0 {
		c.MinBaseline = 100
	}
	if c.RecentDecisions <= 0 {
		c.RecentDecisions = 20
	}
	if c.RecentTrades <= 0 {
		c.RecentTrades = 20
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.RegressionDrop >= 1 {
		return fmt.Errorf("evolution config: regression_drop %.2f must be below 1", c.RegressionDrop)
	}
	if c.RecentDecisions > 200 || c.RecentTrades > 200 {
		return fmt.Errorf("evolution config: recent history is capped at 200 entries")
	}
	return nil
}
