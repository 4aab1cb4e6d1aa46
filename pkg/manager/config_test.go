package manager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradefleet/internal/memstore"
	"tradefleet/pkg/agent"
	"tradefleet/pkg/market"
	"tradefleet/pkg/portfolio"
	"tradefleet/pkg/ranking"
)

const fleetYAML = `
manager:
  cross_anchor: 1h
  journal_dir: journal
agents:
  - name: momentum-1h
    archetype: momentum
    timeframe: 1H
    models:
      trade: ${TEST_TRADE_MODEL}
    prompt: Follow strong trends.
  - name: omni
    archetype: confluence
    timeframe: cross
    paused: true
    initial_balance: 5000
    models:
      scan: cheap
      trade: smart
    prompt_file: prompts/omni.txt
`

func writeFleet(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "prompts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prompts", "omni.txt"), []byte("Trade only when timeframes agree."), 0o644))
	path := filepath.Join(dir, "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fleetYAML), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("TEST_TRADE_MODEL", "trade-model")
	path := writeFleet(t)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, market.TF1h, cfg.Manager.CrossAnchor)
	assert.Equal(t, 10, cfg.Manager.RankedSymbols)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "journal"), cfg.Manager.JournalDir)
	require.Len(t, cfg.Agents, 2)

	first := cfg.Agents[0]
	assert.Equal(t, "1h", first.Timeframe)
	assert.Equal(t, "trade-model", first.Models.Trade)
	assert.Equal(t, "trade-model", first.Models.Scan)
	assert.Equal(t, "trade-model", first.Models.Evolution)
	assert.Equal(t, 10000.0, first.InitialBalance)
	assert.Equal(t, 10, first.EvolutionThreshold)

	omni := cfg.Agents[1].Agent()
	assert.Equal(t, market.Cross, omni.Timeframe)
	assert.Equal(t, agent.StatusPaused, omni.Status)
	assert.Equal(t, "cheap", omni.Models.Scan)
	assert.Equal(t, "Trade only when timeframes agree.", cfg.Agents[1].Prompt)
}

func TestLoadConfigRejectsInvalidFleet(t *testing.T) {
	cases := map[string]string{
		"duplicate name": `
agents:
  - {name: a, archetype: x, timeframe: 1h, models: {trade: m}, prompt: p}
  - {name: a, archetype: x, timeframe: 4h, models: {trade: m}, prompt: p}`,
		"missing prompt": `
agents:
  - {name: a, archetype: x, timeframe: 1h, models: {trade: m}}`,
		"bad timeframe": `
agents:
  - {name: a, archetype: x, timeframe: 2h, models: {trade: m}, prompt: p}`,
		"cross anchor": `
manager: {cross_anchor: cross}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfigFromReader(strings.NewReader(doc), t.TempDir())
			require.Error(t, err)
		})
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	t.Setenv("TEST_TRADE_MODEL", "trade-model")
	cfg, err := LoadConfig(writeFleet(t))
	require.NoError(t, err)

	ctx := context.Background()
	store := memstore.New()
	pm := portfolio.NewManager(store)
	seeded, err := Seed(ctx, cfg, store, pm)
	require.NoError(t, err)
	require.Len(t, seeded, 2)

	again, err := Seed(ctx, cfg, store, pm)
	require.NoError(t, err)
	assert.Equal(t, seeded[0].ID, again[0].ID)

	all, err := store.ListAgents(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	p, err := store.GetPortfolio(ctx, seeded[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "5000", p.Cash.String())

	history, err := store.PromptHistory(ctx, seeded[1].ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, agent.SourceInitial, history[0].Source)
	assert.True(t, history[0].IsActive)
}

func snaps(scores map[string]float64, order ...string) []ranking.Snapshot {
	out := make([]ranking.Snapshot, 0, len(order))
	for i, sym := range order {
		out = append(out, ranking.Snapshot{Symbol: sym, Score: scores[sym], Rank: i + 1, CreatedAt: time.Time{}})
	}
	return out
}

func TestComputeConfluence(t *testing.T) {
	sets := map[market.Timeframe][]ranking.Snapshot{
		market.TF1h: snaps(map[string]float64{"BTC": 0.9, "ETH": 0.8, "SOL": 0.3, "XRP": 0.2}, "BTC", "ETH", "SOL", "XRP"),
		market.TF4h: snaps(map[string]float64{"BTC": 0.85, "SOL": 0.7, "ETH": 0.35, "XRP": 0.1}, "BTC", "SOL", "ETH", "XRP"),
	}
	rows := ComputeConfluence(sets, 2)
	require.Len(t, rows, 3)

	assert.Equal(t, "BTC", rows[0].Symbol)
	assert.Equal(t, LabelConfluence, rows[0].Label)
	assert.Equal(t, []market.Timeframe{market.TF1h, market.TF4h}, rows[0].InTop)
	assert.InDelta(t, 0.875, rows[0].AverageScore, 1e-9)

	// ETH is top on 1h only and scores straddle 0.5 widely.
	assert.Equal(t, "ETH", rows[1].Symbol)
	assert.Equal(t, LabelDivergence, rows[1].Label)
	assert.InDelta(t, 0.45, rows[1].Spread, 1e-9)

	assert.Equal(t, "SOL", rows[2].Symbol)
	assert.Equal(t, LabelDivergence, rows[2].Label)

	assert.Nil(t, ComputeConfluence(nil, 20))
}
