package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradefleet/pkg/market"
	_ "tradefleet/pkg/market/exchanges/hyperliquid"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadHydratesSections(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TF_LLM_KEY", "test-key")
	t.Setenv("TF_HL_TIMEOUT", "7s")

	writeFile(t, dir, "llm.yaml", `
base_url: https://llm.example/api/v1
api_key: ${TF_LLM_KEY}
default_model: gpt-x
timeout: 2s
`)
	writeFile(t, dir, "market.yaml", `
default: hl
providers:
  hl:
    type: hyperliquid
    timeout: ${TF_HL_TIMEOUT}
    max_retries: 2
`)
	writeFile(t, dir, "scheduler.yaml", `
tick: 30s
run_budget: 5m
lock_ttl: 20m
timeframes: [1h, 4h]
`)
	main := writeFile(t, dir, "tradefleet.yaml", `
Name: tradefleet
Host: 127.0.0.1
Port: 8890
Env: dev
Risk:
  MaxPositionShare: "0.2"
  MaxOpenPositions: 3
LLM:
  File: llm.yaml
Market:
  File: market.yaml
Scheduler:
  File: scheduler.yaml
`)

	cfg, err := Load(main)
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, dir, cfg.BaseDir())

	require.NotNil(t, cfg.LLM.Value)
	assert.Equal(t, "test-key", cfg.LLM.Value.APIKey)

	require.NotNil(t, cfg.Market.Value)
	assert.Equal(t, 7*time.Second, cfg.Market.Value.Providers["hl"].Timeout)

	sched := cfg.SchedulerConfig()
	assert.Equal(t, 30*time.Second, sched.Tick)
	assert.Equal(t, []market.Timeframe{market.TF1h, market.TF4h}, sched.Enabled())

	// Sections without a file fall back to defaults.
	assert.Nil(t, cfg.Signal.Value)
	assert.NotNil(t, cfg.SignalConfig())
	assert.NotNil(t, cfg.EvolutionConfig())

	limits, err := cfg.Limits()
	require.NoError(t, err)
	assert.True(t, limits.MaxPositionShare.Equal(decimal.RequireFromString("0.2")))
	assert.Equal(t, 3, limits.MaxOpenPositions)
	assert.True(t, limits.FeeRate.Equal(decimal.RequireFromString("0.001")))
}

func TestLoadRejectsBrokenSection(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "scheduler.yaml", "run_budget: 40m\nlock_ttl: 30m\n")
	main := writeFile(t, dir, "tradefleet.yaml", `
Name: tradefleet
Port: 8890
Scheduler:
  File: scheduler.yaml
`)
	_, err := Load(main)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			TTL:  CacheTTL{Short: 10, Medium: 60, Long: 300},
			Risk: RiskConf{MaxPositionShare: "0.25", MaxOpenPositions: 5, FeeRate: "0.001"},
		}
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "test", cfg.Env)
	assert.True(t, cfg.IsTestEnv())

	cases := map[string]func(*Config){
		"bad env":        func(c *Config) { c.Env = "staging" },
		"ttl short":      func(c *Config) { c.TTL.Short = 0 },
		"share too big":  func(c *Config) { c.Risk.MaxPositionShare = "1.5" },
		"share garbage":  func(c *Config) { c.Risk.MaxPositionShare = "lots" },
		"negative fee":   func(c *Config) { c.Risk.FeeRate = "-0.01" },
		"negative slots": func(c *Config) { c.Risk.MaxOpenPositions = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
