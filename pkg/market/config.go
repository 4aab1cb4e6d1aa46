package market

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"tradefleet/pkg/confkit"
)

// Config names the candle sources available to the pipeline.
type Config struct {
	Default   string                     `yaml:"default"`
	Providers map[string]*ProviderConfig `yaml:"providers"`
}

// ProviderConfig configures a single candle source.
type ProviderConfig struct {
	Type       string        `yaml:"type"`
	BaseURL    string        `yaml:"base_url"`
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// ProviderBuilder constructs a Provider from configuration.
type ProviderBuilder func(name string, cfg *ProviderConfig) (Provider, error)

var (
	providerRegistry   = make(map[string]ProviderBuilder)
	providerRegistryMu sync.RWMutex
)

// RegisterProvider registers a provider constructor under typeName.
func RegisterProvider(typeName string, builder ProviderBuilder) {
	providerRegistryMu.Lock()
	defer providerRegistryMu.Unlock()
	providerRegistry[normaliseType(typeName)] = builder
}

func lookupProviderBuilder(typeName string) (ProviderBuilder, bool) {
	providerRegistryMu.RLock()
	defer providerRegistryMu.RUnlock()
	builder, ok := providerRegistry[normaliseType(typeName)]
	return builder, ok
}

func normaliseType(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// LoadConfig reads market configuration from disk.
func LoadConfig(path string) (*Config, error) {
	confkit.LoadDotenvOnce()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open market config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader constructs a Config from an io.Reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read market config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal market config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalise() error {
	if c.Providers == nil {
		c.Providers = make(map[string]*ProviderConfig)
	}
	for name, p := range c.Providers {
		if p == nil {
			p = &ProviderConfig{}
			c.Providers[name] = p
		}
		p.Type = strings.TrimSpace(os.ExpandEnv(p.Type))
		p.BaseURL = strings.TrimSpace(os.ExpandEnv(p.BaseURL))
		p.TimeoutRaw = strings.TrimSpace(os.ExpandEnv(p.TimeoutRaw))
		if p.TimeoutRaw == "" {
			continue
		}
		d, err := time.ParseDuration(p.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("market provider %s: invalid timeout %q: %w", name, p.TimeoutRaw, err)
		}
		if d <= 0 {
			return fmt.Errorf("market provider %s: timeout must be positive, got %s", name, d)
		}
		p.Timeout = d
	}
	if c.Default == "" && len(c.Providers) == 1 {
		for name := range c.Providers {
			c.Default = name
		}
	}
	return nil
}

// Validate ensures the configuration is structurally sound.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("market config: providers cannot be empty")
	}
	if _, ok := c.Providers[c.Default]; !ok {
		return fmt.Errorf("market config: default provider %q not defined", c.Default)
	}
	for name, p := range c.Providers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("market config: provider name cannot be empty")
		}
		if p.Type == "" {
			return fmt.Errorf("market config: provider %s must specify type", name)
		}
		if _, ok := lookupProviderBuilder(p.Type); !ok {
			return fmt.Errorf("market config: provider %s has unsupported type %q", name, p.Type)
		}
		if p.MaxRetries < 0 {
			return fmt.Errorf("market config: provider %s max_retries cannot be negative", name)
		}
	}
	return nil
}

// BuildDefault instantiates the default provider.
func (c *Config) BuildDefault() (Provider, error) {
	p := c.Providers[c.Default]
	if p == nil {
		return nil, fmt.Errorf("market config: default provider %q not defined", c.Default)
	}
	builder, ok := lookupProviderBuilder(p.Type)
	if !ok {
		return nil, fmt.Errorf("market provider %s: unsupported type %q", c.Default, p.Type)
	}
	provider, err := builder(c.Default, p)
	if err != nil {
		return nil, fmt.Errorf("market provider %s: %w", c.Default, err)
	}
	return provider, nil
}
