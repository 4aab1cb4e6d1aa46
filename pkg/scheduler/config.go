package scheduler

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tradefleet/pkg/confkit"
	"tradefleet/pkg/market"
)

// Config controls the tick loop and per-timeframe cadences.
type Config struct {
	Tick      time.Duration                      `yaml:"-"`
	RunBudget time.Duration                      `yaml:"-"`
	LockTTL   time.Duration                      `yaml:"-"`
	Cadences  map[market.Timeframe]time.Duration `yaml:"-"`
	// Timeframes restricts which timeframes are scheduled; empty means all.
	Timeframes []string `yaml:"timeframes"`
	// SweepConcurrency bounds candle fetches during the SL/TP sweep.
	SweepConcurrency int `yaml:"sweep_concurrency"`

	TickRaw      string            `yaml:"tick"`
	RunBudgetRaw string            `yaml:"run_budget"`
	LockTTLRaw   string            `yaml:"lock_ttl"`
	CadencesRaw  map[string]string `yaml:"cadences"`
}

var defaultCadences = map[market.Timeframe]string{
	market.TF15m: "15m",
	market.TF1h:  "15m",
	market.TF4h:  "1h",
	market.TF1d:  "4h",
	market.TF1w:  "24h",
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	_ = cfg.parseDurations()
	return cfg
}

// LoadConfig reads configuration from disk.
func LoadConfig(path string) (*Config, error) {
	confkit.LoadDotenvOnce()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scheduler config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader constructs a Config from a reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read scheduler config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal scheduler config: %w", err)
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
	if strings.TrimSpace(c.TickRaw) == "" {
		c.TickRaw = "1m"
	}
	if strings.TrimSpace(c.RunBudgetRaw) == "" {
		c.RunBudgetRaw = "10m"
	}
	if strings.TrimSpace(c.LockTTLRaw) == "" {
		c.LockTTLRaw = "30m"
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = 4
	}
	if c.CadencesRaw == nil {
		c.CadencesRaw = make(map[string]string)
	}
	for tf, raw := range defaultCadences {
		if strings.TrimSpace(c.CadencesRaw[string(tf)]) == "" {
			c.CadencesRaw[string(tf)] = raw
		}
	}
}

func (c *Config) parseDurations() error {
	var err error
	if c.Tick, err = parsePositive("tick", c.TickRaw); err != nil {
		return err
	}
	if c.RunBudget, err = parsePositive("run_budget", c.RunBudgetRaw); err != nil {
		return err
	}
	if c.LockTTL, err = parsePositive("lock_ttl", c.LockTTLRaw); err != nil {
		return err
	}
	c.Cadences = make(map[market.Timeframe]time.Duration, len(c.CadencesRaw))
	for key, raw := range c.CadencesRaw {
		tf, err := market.ParseTimeframe(key)
		if err != nil || tf == market.Cross {
			return fmt.Errorf("scheduler config: cadences: unknown timeframe %q", key)
		}
		if c.Cadences[tf], err = parsePositive("cadences."+key, raw); err != nil {
			return err
		}
	}
	return nil
}

func parsePositive(field, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("scheduler config: invalid %s %q: %w", field, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("scheduler config: %s must be positive, got %s", field, d)
	}
	return d, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.LockTTL <= c.RunBudget {
		return fmt.Errorf("scheduler config: lock_ttl %s must exceed run_budget %s", c.LockTTL, c.RunBudget)
	}
	for tf, d := range c.Cadences {
		if d > 24*time.Hour || (24*time.Hour)%d != 0 {
			return fmt.Errorf("scheduler config: cadence %s for %s must divide a day", d, tf)
		}
	}
	for _, raw := range c.Timeframes {
		tf, err := market.ParseTimeframe(raw)
		if err != nil || tf == market.Cross {
			return fmt.Errorf("scheduler config: timeframes: unknown timeframe %q", raw)
		}
	}
	return nil
}

// Enabled returns the scheduled timeframes, shortest first.
func (c *Config) Enabled() []market.Timeframe {
	if len(c.Timeframes) == 0 {
		return market.Timeframes()
	}
	want := make(map[market.Timeframe]bool, len(c.Timeframes))
	for _, raw := range c.Timeframes {
		if tf, err := market.ParseTimeframe(raw); err == nil {
			want[tf] = true
		}
	}
	var out []market.Timeframe
	for _, tf := range market.Timeframes() {
		if want[tf] {
			out = append(out, tf)
		}
	}
	return out
}
