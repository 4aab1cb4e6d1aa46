package ranking

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config tunes a pipeline run.
type Config struct {
	// Concurrency bounds parallel candle fetches against the provider.
	Concurrency int `yaml:"concurrency"`
	// CandleLimit is how many candles are requested per symbol.
	CandleLimit int `yaml:"candle_limit"`
	// DiscoverSymbols refreshes the symbol universe at the start of a run.
	DiscoverSymbols bool `yaml:"discover_symbols"`
	// MaxSymbols caps the universe when positive.
	MaxSymbols int `yaml:"max_symbols"`

	FetchTimeout    time.Duration `yaml:"-"`
	FetchTimeoutRaw string        `yaml:"fetch_timeout"`
}

// DefaultConfig returns the built-in pipeline settings.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	_ = cfg.parseDurations()
	return cfg
}

// LoadConfig reads a YAML pipeline config from disk.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ranking config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader parses and validates a YAML pipeline config.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read ranking config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal ranking config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.CandleLimit <= 0 {
		c.CandleLimit = 200
	}
	if strings.TrimSpace(c.FetchTimeoutRaw) == "" {
		c.FetchTimeoutRaw = "20s"
	}
}

func (c *Config) parseDurations() error {
	d, err := time.ParseDuration(strings.TrimSpace(c.FetchTimeoutRaw))
	if err != nil {
		return fmt.Errorf("ranking config: invalid fetch_timeout %q: %w", c.FetchTimeoutRaw, err)
	}
	c.FetchTimeout = d
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Concurrency > 64 {
		return fmt.Errorf("ranking config: concurrency %d exceeds 64", c.Concurrency)
	}
	if c.CandleLimit < 30 {
		return fmt.Errorf("ranking config: candle_limit must be at least 30, got %d", c.CandleLimit)
	}
	if c.MaxSymbols < 0 {
		return fmt.Errorf("ranking config: max_symbols cannot be negative")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("ranking config: fetch_timeout must be positive")
	}
	return nil
}
