package executor

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tradefleet/pkg/confkit"
)

// Config controls the model calls made on behalf of agents.
type Config struct {
	DecisionTimeout time.Duration `yaml:"-"`
	AuxTimeout      time.Duration `yaml:"-"`
	// TimeoutRetries is how many times a timed-out call is repeated with the
	// same messages before giving up.
	TimeoutRetries int `yaml:"timeout_retries"`
	// MaxReflectionChars bounds stored reflection memories.
	MaxReflectionChars int `yaml:"max_reflection_chars"`
	// CandleCount is the number of recent bars rendered per symbol.
	CandleCount int `yaml:"candle_count"`
	// Templates override the built-in prompt templates with files.
	Templates Templates `yaml:"templates"`

	DecisionTimeoutRaw string `yaml:"decision_timeout"`
	AuxTimeoutRaw      string `yaml:"aux_timeout"`
}

// Templates names optional template files; empty entries use the defaults.
type Templates struct {
	Decision   string `yaml:"decision"`
	Reflection string `yaml:"reflection"`
	Evolution  string `yaml:"evolution"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	_ = cfg.parseDurations()
	return cfg
}

// LoadConfig reads configuration from disk. Template paths are resolved
// relative to the file.
func LoadConfig(path string) (*Config, error) {
	confkit.LoadDotenvOnce()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open executor config: %w", err)
	}
	defer file.Close()
	cfg, err := LoadConfigFromReader(file)
	if err != nil {
		return nil, err
	}
	base := confkit.BaseDir(path)
	for _, p := range []*string{&cfg.Templates.Decision, &cfg.Templates.Reflection, &cfg.Templates.Evolution} {
		if *p != "" {
			*p = confkit.ResolvePath(base, *p)
		}
	}
	return cfg, nil
}

// LoadConfigFromReader constructs a Config from a reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read executor config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal executor config: %w", err)
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
	if strings.TrimSpace(c.DecisionTimeoutRaw) == "" {
		c.DecisionTimeoutRaw = "60s"
	}
	if strings.TrimSpace(c.AuxTimeoutRaw) == "" {
		c.AuxTimeoutRaw = "30s"
	}
	if c.TimeoutRetries <= 0 {
		c.TimeoutRetries = 1
	}
	if c.MaxReflectionChars <= 0 {
		c.MaxReflectionChars = 500
	}
	if c.CandleCount <= 0 {
		c.CandleCount = 12
	}
}

func (c *Config) parseDurations() error {
	var err error
	if c.DecisionTimeout, err = parsePositive("decision_timeout", c.DecisionTimeoutRaw); err != nil {
		return err
	}
	if c.AuxTimeout, err = parsePositive("aux_timeout", c.AuxTimeoutRaw); err != nil {
		return err
	}
	return nil
}

func parsePositive(field, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("executor config: invalid %s %q: %w", field, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("executor config: %s must be positive, got %s", field, d)
	}
	return d, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.TimeoutRetries > 3 {
		return fmt.Errorf("executor config: timeout_retries %d exceeds 3", c.TimeoutRetries)
	}
	if c.CandleCount > 200 {
		return fmt.Errorf("executor config: candle_count %d exceeds 200", c.CandleCount)
	}
	return nil
}
