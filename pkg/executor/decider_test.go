package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradefleet/pkg/agent"
	"tradefleet/pkg/llm"
	"tradefleet/pkg/market"
)

type scriptedChat struct {
	mu        sync.Mutex
	responses []func(ctx context.Context) (*llm.ChatResponse, error)
	requests  []*llm.ChatRequest
}

func (s *scriptedChat) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		s.mu.Unlock()
		return nil, errors.New("no scripted response")
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	s.mu.Unlock()
	return next(ctx)
}

func reply(content string) func(context.Context) (*llm.ChatResponse, error) {
	return func(context.Context) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Content: content, Usage: llm.Usage{PromptTokens: 100, CompletionTokens: 20}}, nil
	}
}

func hang(ctx context.Context) (*llm.ChatResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func sampleContext() *Context {
	sl := 95.0
	now := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	return &Context{
		Now:          now,
		Agent:        AgentView{ID: 1, Name: "momo", Archetype: "momentum", Timeframe: market.TF4h, PromptVersion: 2},
		Timeframe:    market.TF4h,
		RankingRunID: "run-1",
		RankingAge:   12 * time.Minute,
		Top:          []RankedSymbol{{Symbol: "BTC", Rank: 1, Score: 0.81, Confidence: 74, LastClose: 64000, Highlights: []string{"RSI 71 overbought"}}},
		Bottom:       []RankedSymbol{{Symbol: "DOGE", Rank: 40, Score: 0.12, Confidence: 55, LastClose: 0.1523}},
		Confluence: []ConfluenceRow{{
			Symbol: "BTC", InTop: []market.Timeframe{market.TF1h, market.TF4h}, AverageScore: 0.77, Spread: 0.1, Label: "confluence",
		}},
		Candles: []SymbolCandles{{Symbol: "BTC", Held: true, Candles: []market.Candle{
			{CloseTime: now, Open: 63000, High: 64500, Low: 62800, Close: 64000, Volume: 1234},
		}}},
		Portfolio: PortfolioView{
			Cash: 8498.5, Equity: 10000,
			Positions: []PositionView{{ID: 3, Symbol: "BTC", Direction: "long", EntryPrice: 63000, MarkPrice: 64000, Size: 1500, StopLoss: &sl}},
		},
		Memories: []string{"Do not chase wicks."},
		Limits:   LimitsView{MaxPositionShare: 0.25, MaxOpenPositions: 5, FeeRate: 0.001, MaxPositionSize: 2500},
	}
}

func TestDecisionTemplateRendersContext(t *testing.T) {
	r, err := NewPromptRenderer(Templates{})
	require.NoError(t, err)

	out, err := r.Decision(sampleContext())
	require.NoError(t, err)
	for _, want := range []string{
		"momo (momentum), timeframe 4h, prompt v2",
		"#1 BTC score=0.810 conf=74 close=64000.00 | RSI 71 overbought",
		"DOGE score=0.120",
		"BTC confluence avg=0.770",
		"top in [1h,4h]",
		"BTC [held]:",
		"id=3 BTC long size=1500.00",
		"sl=95.0000",
		"25.0% of equity (2500.00 now)",
		"- Do not chase wicks.",
		`"action":"open_long|open_short|close_position|adjust_stop_loss|adjust_take_profit|hold"`,
	} {
		assert.Contains(t, out, want)
	}
	assert.NotEmpty(t, r.Digest())
}

func TestPromptRendererUsesTemplateFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "decision.tmpl")
	require.NoError(t, os.WriteFile(path, []byte("agent={{ .Agent.Name }}"), 0o600))

	r, err := NewPromptRenderer(Templates{Decision: path})
	require.NoError(t, err)
	out, err := r.Decision(sampleContext())
	require.NoError(t, err)
	assert.Equal(t, "agent=momo", out)

	require.NoError(t, os.WriteFile(path, []byte("v2 {{ .Agent.ID }}"), 0o600))
	require.NoError(t, r.Reload())
	out, err = r.Decision(sampleContext())
	require.NoError(t, err)
	assert.Equal(t, "v2 1", out)
}

func TestDecideParsesAction(t *testing.T) {
	chat := &scriptedChat{responses: []func(context.Context) (*llm.ChatResponse, error){
		reply(`{"action":"close_position","position_id":3,"confidence":70,"reasoning_summary":"take profit into resistance"}`),
	}}
	dec, err := NewLLMDecider(nil, chat)
	require.NoError(t, err)

	out, err := dec.Decide(context.Background(), DecisionInput{Model: "trade", SystemPrompt: "You are momo.", Context: sampleContext()})
	require.NoError(t, err)
	assert.Equal(t, agent.ActionClosePosition, out.Action.Kind)
	assert.Equal(t, int64(3), out.Action.PositionID)
	assert.Equal(t, int64(100), out.Usage.PromptTokens)
	assert.Contains(t, out.Prompt, "momo (momentum)")

	require.Len(t, chat.requests, 1)
	req := chat.requests[0]
	assert.True(t, req.JSON)
	assert.Equal(t, "trade", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "You are momo.", req.Messages[0].Content)
}

func TestDecideMalformedReturnsHold(t *testing.T) {
	chat := &scriptedChat{responses: []func(context.Context) (*llm.ChatResponse, error){reply("I think BTC goes up")}}
	dec, err := NewLLMDecider(nil, chat)
	require.NoError(t, err)

	out, err := dec.Decide(context.Background(), DecisionInput{Model: "trade", Context: sampleContext()})
	require.ErrorIs(t, err, ErrMalformedAction)
	require.NotNil(t, out)
	assert.Equal(t, agent.ActionHold, out.Action.Kind)
	assert.Equal(t, int64(20), out.Usage.CompletionTokens)
}

func TestDecideRetriesTimeoutOnceWithSameMessages(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DecisionTimeout = 20 * time.Millisecond
	chat := &scriptedChat{responses: []func(context.Context) (*llm.ChatResponse, error){
		hang,
		reply(`{"action":"hold","reasoning":"quiet market"}`),
	}}
	dec, err := NewLLMDecider(cfg, chat)
	require.NoError(t, err)

	out, err := dec.Decide(context.Background(), DecisionInput{Model: "trade", SystemPrompt: "sys", Context: sampleContext()})
	require.NoError(t, err)
	assert.Equal(t, agent.ActionHold, out.Action.Kind)
	require.Len(t, chat.requests, 2)
	assert.Equal(t, chat.requests[0].Messages, chat.requests[1].Messages)
}

func TestDecideGivesUpAfterRepeatedTimeouts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DecisionTimeout = 10 * time.Millisecond
	chat := &scriptedChat{responses: []func(context.Context) (*llm.ChatResponse, error){hang, hang, hang}}
	dec, err := NewLLMDecider(cfg, chat)
	require.NoError(t, err)

	_, err = dec.Decide(context.Background(), DecisionInput{Model: "trade", Context: sampleContext()})
	require.ErrorIs(t, err, ErrModelTimeout)
	assert.Len(t, chat.requests, 2)
}

func TestDecideDoesNotRetryOtherErrors(t *testing.T) {
	boom := errors.New("rate limited for good")
	chat := &scriptedChat{responses: []func(context.Context) (*llm.ChatResponse, error){
		func(context.Context) (*llm.ChatResponse, error) { return nil, boom },
	}}
	dec, err := NewLLMDecider(nil, chat)
	require.NoError(t, err)

	_, err = dec.Decide(context.Background(), DecisionInput{Context: sampleContext()})
	require.ErrorIs(t, err, boom)
	assert.Len(t, chat.requests, 1)
}

func TestReflectAndEvolve(t *testing.T) {
	chat := &scriptedChat{responses: []func(context.Context) (*llm.ChatResponse, error){
		reply(strings.Repeat("lesson ", 200)),
		reply("```\nYou are momo, a disciplined momentum trader.\n```"),
	}}
	dec, err := NewLLMDecider(nil, chat)
	require.NoError(t, err)
	view := AgentView{Name: "momo", Archetype: "momentum", Timeframe: market.TF4h}

	refl, err := dec.Reflect(context.Background(), "scan", &ReflectionInput{
		Agent: view,
		Trade: TradeView{Symbol: "BTC", Direction: "long", Size: 1500, EntryPrice: 100, ExitPrice: 95, RealizedPnL: -78, ExitReason: "stop_loss", Held: 3 * time.Hour},
	})
	require.NoError(t, err)
	assert.Len(t, []rune(refl.Text), 500)
	assert.Contains(t, refl.Prompt, "pnl=-78.00 (stop_loss)")
	assert.Equal(t, "scan", chat.requests[0].Model)

	evo, err := dec.Evolve(context.Background(), "evolve", &EvolutionInput{
		Agent:       view,
		Version:     2,
		Prompt:      "You are momo.",
		Performance: agent.Performance{RealizedPnL: -120, TradeCount: 10, Wins: 3, WinRate: 0.3},
		Decisions:   []agent.Decision{{Action: agent.ActionOpenLong, Symbol: "BTC", Summary: "breakout"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "You are momo, a disciplined momentum trader.", evo.Text)
	assert.Contains(t, evo.Prompt, "win_rate=30.0%")
	assert.Contains(t, evo.Prompt, "open_long BTC: breakout")
	assert.False(t, chat.requests[1].JSON)
}

func TestLoadConfigFromReader(t *testing.T) {
	cfg, err := LoadConfigFromReader(strings.NewReader("decision_timeout: 45s\ncandle_count: 24\n"))
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.DecisionTimeout)
	assert.Equal(t, 30*time.Second, cfg.AuxTimeout)
	assert.Equal(t, 1, cfg.TimeoutRetries)
	assert.Equal(t, 24, cfg.CandleCount)

	_, err = LoadConfigFromReader(strings.NewReader("decision_timeout: soon\n"))
	assert.Error(t, err)
	_, err = LoadConfigFromReader(strings.NewReader("timeout_retries: 9\n"))
	assert.Error(t, err)
}
