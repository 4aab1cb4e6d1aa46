package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeromicro/go-zero/rest/httpx"
	"github.com/zeromicro/go-zero/rest/pathvar"

	"tradefleet/internal/config"
	"tradefleet/internal/handler"
	"tradefleet/internal/logic"
	"tradefleet/internal/svc"
	"tradefleet/internal/types"
	"tradefleet/pkg/agent"
	"tradefleet/pkg/evolution"
	"tradefleet/pkg/manager"
	"tradefleet/pkg/market"
	"tradefleet/pkg/ranking"
	"tradefleet/pkg/scheduler"
)

type staticProvider struct{}

func (staticProvider) ListSymbols(context.Context) ([]market.Symbol, error) {
	return []market.Symbol{
		{Name: "BTC", Base: "BTC", Quote: "USD", Active: true},
		{Name: "ETH", Base: "ETH", Quote: "USD", Active: true},
		{Name: "SOL", Base: "SOL", Quote: "USD", Active: true},
	}, nil
}

func (staticProvider) Candles(_ context.Context, symbol string, tf market.Timeframe, limit int) ([]market.Candle, error) {
	step := map[string]float64{"BTC": 1.5, "ETH": -0.8, "SOL": 0.2}[symbol]
	d := tf.Duration()
	end := time.Now().UTC().Truncate(d)
	out := make([]market.Candle, limit)
	price := 100.0
	for i := range out {
		open := price
		price += step + math.Sin(float64(i))*0.4
		start := end.Add(-time.Duration(limit-i) * d)
		out[i] = market.Candle{
			OpenTime:  start,
			CloseTime: start.Add(d - time.Millisecond),
			Open:      open,
			High:      math.Max(open, price) + 0.5,
			Low:       math.Min(open, price) - 0.5,
			Close:     price,
			Volume:    1000 + float64(i%5)*50,
		}
	}
	return out, nil
}

func init() {
	market.RegisterProvider("static", func(string, *market.ProviderConfig) (market.Provider, error) {
		return staticProvider{}, nil
	})
	httpx.SetErrorHandlerCtx(handler.ErrorHandler)
}

const fleet = `
agents:
  - name: alpha
    archetype: momentum
    timeframe: 1h
    models: {trade: test-model}
    initial_balance: 5000
    prompt: buy strength, sell weakness
  - name: beta
    archetype: confluence
    timeframe: cross
    models: {trade: test-model}
    prompt: trade agreement across timeframes
`

func newServiceContext(t *testing.T) *svc.ServiceContext {
	t.Helper()
	var c config.Config
	c.Env = "test"
	c.Market.Value = &market.Config{
		Default:   "static",
		Providers: map[string]*market.ProviderConfig{"static": {Type: "static"}},
	}
	rankCfg := ranking.DefaultConfig()
	rankCfg.DiscoverSymbols = true
	c.Ranking.Value = rankCfg
	mgrCfg, err := manager.LoadConfigFromReader(strings.NewReader(fleet), t.TempDir())
	require.NoError(t, err)
	c.Manager.Value = mgrCfg

	svcCtx, err := svc.NewServiceContext(c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svcCtx.Close() })
	_, err = svcCtx.Seed(context.Background())
	require.NoError(t, err)
	return svcCtx
}

func serve(h http.HandlerFunc, method, target string, vars map[string]string, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	if vars != nil {
		r = pathvar.WithVars(r, vars)
	}
	w := httptest.NewRecorder()
	h(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", ranking.ErrNotFound), http.StatusNotFound},
		{agent.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: %q", logic.ErrInvalidTimeframe, "2h"), http.StatusBadRequest},
		{evolution.ErrEmptyPrompt, http.StatusBadRequest},
		{evolution.ErrPromptUnchanged, http.StatusBadRequest},
		{scheduler.ErrBusy, http.StatusConflict},
		{logic.ErrAgentsDisabled, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, handler.StatusOf(tt.err))
		})
	}

	code, body := handler.ErrorHandler(context.Background(), scheduler.ErrBusy)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, handler.ErrorBody{Error: scheduler.ErrBusy.Error()}, body)
}

func TestRankingsAfterManualRun(t *testing.T) {
	svcCtx := newServiceContext(t)
	rankings := handler.RankingsHandler(svcCtx)
	trigger := handler.TriggerRunHandler(svcCtx)

	w := serve(rankings, http.MethodGet, "/api/rankings/1h", map[string]string{"tf": "1h"}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(trigger, http.MethodPost, "/api/runs/1h", map[string]string{"tf": "1h"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	run := decode[types.TriggerRunResp](t, w)
	assert.Equal(t, "1h", run.Timeframe)
	assert.Equal(t, string(ranking.RunCompleted), run.Run.Status)
	assert.Equal(t, 3, run.Run.SymbolCount)
	assert.Zero(t, run.Skipped)
	assert.Zero(t, run.AgentsRun)

	w = serve(rankings, http.MethodGet, "/api/rankings/1h", map[string]string{"tf": "1h"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[types.RankingsResp](t, w)
	assert.Equal(t, run.Run.ID, resp.RunID)
	assert.False(t, resp.Stale)
	require.Len(t, resp.Rankings, 3)
	for i, item := range resp.Rankings {
		assert.Equal(t, i+1, item.Rank)
		if i > 0 {
			assert.LessOrEqual(t, item.Score, resp.Rankings[i-1].Score)
		}
	}

	w = serve(rankings, http.MethodGet, "/api/rankings/1h?limit=1", map[string]string{"tf": "1h"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[types.RankingsResp](t, w).Rankings, 1)

	w = serve(rankings, http.MethodGet, "/api/rankings/4h", map[string]string{"tf": "4h"}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInvalidTimeframe(t *testing.T) {
	svcCtx := newServiceContext(t)
	for _, tf := range []string{"2h", "cross"} {
		w := serve(handler.RankingsHandler(svcCtx), http.MethodGet, "/api/rankings/"+tf, map[string]string{"tf": tf}, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, tf)
		w = serve(handler.TriggerRunHandler(svcCtx), http.MethodPost, "/api/runs/"+tf, map[string]string{"tf": tf}, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, tf)
	}
}

func TestStatusListsSeededAgents(t *testing.T) {
	svcCtx := newServiceContext(t)

	w := serve(handler.StatusHandler(svcCtx), http.MethodGet, "/api/status", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[types.StatusResp](t, w)
	assert.Equal(t, "test", resp.Env)
	assert.NotEmpty(t, resp.Timeframes)
	for _, tf := range resp.Timeframes {
		assert.Nil(t, tf.LastCompleted)
		assert.False(t, tf.Running)
	}
	require.Len(t, resp.Agents, 2)
	assert.Equal(t, "alpha", resp.Agents[0].Name)
	assert.Equal(t, 5000.0, resp.Agents[0].Cash)
	assert.Equal(t, 5000.0, resp.Agents[0].Equity)
	assert.Equal(t, 1, resp.Agents[0].PromptVersion)
	assert.Equal(t, "cross", resp.Agents[1].Timeframe)
}

func TestPromptHistory(t *testing.T) {
	svcCtx := newServiceContext(t)
	alpha, err := svcCtx.Store.GetAgentByName(context.Background(), "alpha")
	require.NoError(t, err)
	id := fmt.Sprint(alpha.ID)

	w := serve(handler.PromptHistoryHandler(svcCtx), http.MethodGet, "/api/agents/"+id+"/prompts", map[string]string{"id": id}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[types.PromptHistoryResp](t, w)
	assert.Equal(t, alpha.ID, resp.AgentID)
	require.Len(t, resp.Versions, 1)
	assert.True(t, resp.Versions[0].IsActive)
	assert.Equal(t, "buy strength, sell weakness", resp.Versions[0].Text)

	w = serve(handler.PromptHistoryHandler(svcCtx), http.MethodGet, "/api/agents/999/prompts", map[string]string{"id": "999"}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(handler.PromptHistoryHandler(svcCtx), http.MethodGet, "/api/agents/abc/prompts", map[string]string{"id": "abc"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAgentRoutesNeedLLM(t *testing.T) {
	svcCtx := newServiceContext(t)
	vars := map[string]string{"id": "1"}

	w := serve(handler.PauseAgentHandler(svcCtx), http.MethodPost, "/api/agents/1/pause", vars, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = serve(handler.ResumeAgentHandler(svcCtx), http.MethodPost, "/api/agents/1/resume", vars, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = serve(handler.UpdatePromptHandler(svcCtx), http.MethodPut, "/api/agents/1/prompt", vars, `{"text":"new prompt"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "llm section not configured")
}
