package manager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"tradefleet/pkg/agent"
	"tradefleet/pkg/market"
)

// Config defines the orchestrator settings and the seeded agent fleet.
type Config struct {
	Manager ManagerConfig `yaml:"manager"`
	Agents  []AgentConfig `yaml:"agents"`

	baseDir string
}

// ManagerConfig tunes how agent context is assembled.
type ManagerConfig struct {
	// CrossAnchor is the timeframe whose cycles also run cross agents.
	CrossAnchor market.Timeframe `yaml:"cross_anchor"`
	// RankedSymbols is how many top and bottom symbols the prompt shows.
	RankedSymbols int `yaml:"ranked_symbols"`
	// ConfluenceTop is the top-set size compared across timeframes.
	ConfluenceTop int `yaml:"confluence_top"`
	// CandleSymbols caps how many top symbols get recent candles.
	CandleSymbols int `yaml:"candle_symbols"`
	MemoryCount   int `yaml:"memory_count"`
	// JournalDir enables the per-decision journal when set.
	JournalDir string `yaml:"journal_dir"`
}

// AgentConfig seeds one agent, its portfolio and its initial prompt.
type AgentConfig struct {
	Name               string       `yaml:"name"`
	Archetype          string       `yaml:"archetype"`
	Timeframe          string       `yaml:"timeframe"`
	Models             agent.Models `yaml:"models"`
	Paused             bool         `yaml:"paused"`
	InitialBalance     float64      `yaml:"initial_balance"`
	EvolutionThreshold int          `yaml:"evolution_threshold"`
	Prompt             string       `yaml:"prompt"`
	PromptFile         string       `yaml:"prompt_file"`
}

// LoadConfig reads configuration from disk.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manager config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file, filepath.Dir(path))
}

// LoadConfigFromReader constructs a Config from a reader with the provided base directory.
func LoadConfigFromReader(r io.Reader, baseDir string) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manager config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal manager config: %w", err)
	}
	cfg.baseDir = baseDir

	cfg.applyDefaults()
	cfg.expandFields()
	if err := cfg.loadPrompts(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultManagerConfig returns the built-in orchestrator settings.
func DefaultManagerConfig() ManagerConfig {
	c := Config{}
	c.applyDefaults()
	return c.Manager
}

func (c *Config) applyDefaults() {
	if c.Manager.CrossAnchor == "" {
		c.Manager.CrossAnchor = market.TF4h
	}
	if c.Manager.RankedSymbols <= 0 {
		c.Manager.RankedSymbols = 10
	}
	if c.Manager.ConfluenceTop <= 0 {
		c.Manager.ConfluenceTop = 20
	}
	if c.Manager.CandleSymbols <= 0 {
		c.Manager.CandleSymbols = 5
	}
	if c.Manager.MemoryCount <= 0 {
		c.Manager.MemoryCount = 20
	}
	for i := range c.Agents {
		if c.Agents[i].InitialBalance == 0 {
			c.Agents[i].InitialBalance = 10000
		}
		if c.Agents[i].EvolutionThreshold == 0 {
			c.Agents[i].EvolutionThreshold = 10
		}
	}
}

func (c *Config) expandFields() {
	c.Manager.JournalDir = c.resolvePath(c.Manager.JournalDir)
	for i := range c.Agents {
		a := &c.Agents[i]
		a.Name = strings.TrimSpace(a.Name)
		a.Archetype = strings.TrimSpace(a.Archetype)
		a.Timeframe = strings.ToLower(strings.TrimSpace(a.Timeframe))
		a.PromptFile = c.resolvePath(a.PromptFile)
		a.Models.Scan = strings.TrimSpace(os.ExpandEnv(a.Models.Scan))
		a.Models.Trade = strings.TrimSpace(os.ExpandEnv(a.Models.Trade))
		a.Models.Evolution = strings.TrimSpace(os.ExpandEnv(a.Models.Evolution))
		if a.Models.Scan == "" {
			a.Models.Scan = a.Models.Trade
		}
		if a.Models.Evolution == "" {
			a.Models.Evolution = a.Models.Trade
		}
	}
}

func (c *Config) loadPrompts() error {
	for i := range c.Agents {
		a := &c.Agents[i]
		if a.PromptFile == "" {
			continue
		}
		data, err := os.ReadFile(a.PromptFile)
		if err != nil {
			return fmt.Errorf("manager config: agents[%d].prompt_file: %w", i, err)
		}
		a.Prompt = string(data)
	}
	return nil
}

func (c *Config) resolvePath(path string) string {
	path = strings.TrimSpace(os.ExpandEnv(path))
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.baseDir, path)
}

// Validate ensures configuration sanity.
func (c *Config) Validate() error {
	if !c.Manager.CrossAnchor.Valid() {
		return fmt.Errorf("manager config: manager.cross_anchor %q is not a ranked timeframe", c.Manager.CrossAnchor)
	}
	if c.Manager.ConfluenceTop > 100 {
		return errors.New("manager config: manager.confluence_top cannot exceed 100")
	}

	seen := make(map[string]struct{}, len(c.Agents))
	for i := range c.Agents {
		a := c.Agents[i]
		if _, ok := seen[a.Name]; ok {
			return fmt.Errorf("manager config: duplicate agent name %q", a.Name)
		}
		seen[a.Name] = struct{}{}
		if strings.TrimSpace(a.Prompt) == "" {
			return fmt.Errorf("manager config: agents[%d] (%s) needs prompt or prompt_file", i, a.Name)
		}
		if err := a.Agent().Validate(); err != nil {
			return fmt.Errorf("manager config: agents[%d]: %w", i, err)
		}
	}
	return nil
}

// Agent converts the seed entry to an entity without an id.
func (a AgentConfig) Agent() *agent.Agent {
	status := agent.StatusActive
	if a.Paused {
		status = agent.StatusPaused
	}
	return &agent.Agent{
		Name:               a.Name,
		Archetype:          a.Archetype,
		Timeframe:          market.Timeframe(a.Timeframe),
		Models:             a.Models,
		Status:             status,
		InitialBalance:     a.InitialBalance,
		EvolutionThreshold: a.EvolutionThreshold,
	}
}
