package market_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	market "tradefleet/pkg/market"
	_ "tradefleet/pkg/market/exchanges/hyperliquid"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "market.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMarketConfig(t *testing.T) {
	path := writeConfig(t, `
default: hyperliquid
providers:
  hyperliquid:
    type: hyperliquid
    base_url: https://api.hyperliquid.xyz/info
    timeout: 6s
    max_retries: 4
`)
	cfg, err := market.LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "hyperliquid", cfg.Default)
	require.Equal(t, 6*time.Second, cfg.Providers["hyperliquid"].Timeout)
	require.Equal(t, 4, cfg.Providers["hyperliquid"].MaxRetries)

	provider, err := cfg.BuildDefault()
	require.NoError(t, err)
	require.NotNil(t, provider)
}

func TestMarketConfigSingleProviderBecomesDefault(t *testing.T) {
	path := writeConfig(t, `
providers:
  hl:
    type: hyperliquid
`)
	cfg, err := market.LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "hl", cfg.Default)
}

func TestMarketConfigEnvExpansion(t *testing.T) {
	t.Setenv("HL_URL", "https://api.hyperliquid.test/info")
	t.Setenv("HL_TIMEOUT", "9s")
	path := writeConfig(t, `
default: hp
providers:
  hp:
    type: hyperliquid
    base_url: ${HL_URL}
    timeout: ${HL_TIMEOUT}
`)
	cfg, err := market.LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "https://api.hyperliquid.test/info", cfg.Providers["hp"].BaseURL)
	require.Equal(t, 9*time.Second, cfg.Providers["hp"].Timeout)
}

func TestMarketConfigRejectsUnknownType(t *testing.T) {
	path := writeConfig(t, `
providers:
  demo:
    type: foobar
`)
	_, err := market.LoadConfig(path)
	require.ErrorContains(t, err, "unsupported")
}
