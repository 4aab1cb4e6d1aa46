package llm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultBaseURL    = "https://openrouter.ai/api/v1"
	defaultTimeout    = 60 * time.Second
	defaultMaxRetries = 3

	envAPIKey       = "LLM_API_KEY"
	envBaseURL      = "LLM_BASE_URL"
	envDefaultModel = "LLM_DEFAULT_MODEL"
	envTimeout      = "LLM_TIMEOUT"
	envMaxRetries   = "LLM_MAX_RETRIES"

	modelSeparator = "/"
)

// Config holds runtime settings for the model client.
type Config struct {
	BaseURL      string                 `yaml:"base_url"`
	APIKey       string                 `yaml:"api_key"`
	DefaultModel string                 `yaml:"default_model"`
	Timeout      time.Duration          `yaml:"-"`
	MaxRetries   int                    `yaml:"max_retries"`
	Models       map[string]ModelConfig `yaml:"models"`

	TimeoutRaw string `yaml:"timeout"`
}

// ModelConfig defines defaults and pricing for a model alias. Prices are USD
// per million tokens.
type ModelConfig struct {
	Provider    string   `yaml:"provider"`
	ModelName   string   `yaml:"model_name"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxTokens   *int     `yaml:"max_tokens,omitempty"`
	InputPrice  float64  `yaml:"input_price"`
	OutputPrice float64  `yaml:"output_price"`
}

// LoadConfig reads configuration from disk.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open llm config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader constructs a Config from a reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read llm config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal llm config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.parseTimeout(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("llm config: api_key is required")
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("llm config: base_url is required")
	}
	if strings.TrimSpace(c.DefaultModel) == "" {
		return errors.New("llm config: default_model is required")
	}
	if c.Timeout <= 0 {
		return errors.New("llm config: timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New("llm config: max_retries cannot be negative")
	}
	for alias, m := range c.Models {
		if m.InputPrice < 0 || m.OutputPrice < 0 {
			return fmt.Errorf("llm config: models.%s prices cannot be negative", alias)
		}
	}
	return nil
}

// Model returns the configuration for the given alias.
func (c *Config) Model(alias string) (ModelConfig, bool) {
	m, ok := c.Models[alias]
	return m, ok
}

// Resolve maps an alias to the provider/model identifier sent on the wire.
// Unknown aliases are passed through unchanged.
func (c *Config) Resolve(alias string) (string, ModelConfig) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		alias = c.DefaultModel
	}
	m, ok := c.Model(alias)
	if !ok {
		return alias, ModelConfig{}
	}
	name := strings.TrimSpace(m.ModelName)
	if name == "" {
		name = alias
	}
	if m.Provider == "" || strings.Contains(name, modelSeparator) {
		return name, m
	}
	return m.Provider + modelSeparator + name, m
}

// Cost estimates the USD cost of a call from the alias price table.
func (c *Config) Cost(alias string, promptTokens, completionTokens int64) float64 {
	_, m := c.Resolve(alias)
	return (float64(promptTokens)*m.InputPrice + float64(completionTokens)*m.OutputPrice) / 1e6
}

// Clone returns a copy safe to mutate.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Models != nil {
		cp.Models = make(map[string]ModelConfig, len(c.Models))
		for k, v := range c.Models {
			cp.Models[k] = v
		}
	}
	return &cp
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
}

func (c *Config) applyEnvOverrides() {
	c.BaseURL = envOr(os.ExpandEnv(c.BaseURL), envBaseURL)
	c.APIKey = envOr(os.ExpandEnv(c.APIKey), envAPIKey)
	c.DefaultModel = envOr(os.ExpandEnv(c.DefaultModel), envDefaultModel)
	c.TimeoutRaw = envOr(os.ExpandEnv(c.TimeoutRaw), envTimeout)
	if raw := os.Getenv(envMaxRetries); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			c.MaxRetries = v
		}
	}
}

func (c *Config) parseTimeout() error {
	if strings.TrimSpace(c.TimeoutRaw) == "" {
		c.Timeout = defaultTimeout
		return nil
	}
	d, err := time.ParseDuration(c.TimeoutRaw)
	if err != nil {
		return fmt.Errorf("llm config: invalid timeout %q: %w", c.TimeoutRaw, err)
	}
	if d <= 0 {
		return fmt.Errorf("llm config: timeout must be positive, got %s", d)
	}
	c.Timeout = d
	return nil
}

func envOr(current, key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return current
}
