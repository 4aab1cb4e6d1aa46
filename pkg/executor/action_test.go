package executor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradefleet/pkg/agent"
)

func TestParseActionOpenLong(t *testing.T) {
	raw := "```json\n" + `{"action":"open_long","symbol":"btc","position_size":"1,500","stop_loss":95,"take_profit":"120","confidence":81.6,"reasoning_summary":"breakout","reasoning":"volume expanding"}` + "\n```"

	a, err := ParseAction(raw)
	require.NoError(t, err)
	assert.Equal(t, agent.ActionOpenLong, a.Kind)
	assert.Equal(t, "BTC", a.Symbol)
	assert.Equal(t, "1500", a.PositionSize.String())
	require.True(t, a.StopLoss.Valid)
	assert.Equal(t, "95", a.StopLoss.Decimal.String())
	require.True(t, a.TakeProfit.Valid)
	assert.Equal(t, 82, a.Confidence)
	assert.Equal(t, "breakout", a.Summary)
	assert.Equal(t, "volume expanding", a.Reasoning)
}

func TestParseActionToleratesProseAndNulls(t *testing.T) {
	a, err := ParseAction(`Here you go: {"action":"CLOSE_POSITION","position_id":7,"stop_loss":null,"confidence":140} thanks`)
	require.NoError(t, err)
	assert.Equal(t, agent.ActionClosePosition, a.Kind)
	assert.Equal(t, int64(7), a.PositionID)
	assert.False(t, a.StopLoss.Valid)
	assert.Equal(t, 100, a.Confidence)
}

func TestParseActionTruncatesSummary(t *testing.T) {
	long := strings.Repeat("é", MaxSummaryChars+20)
	a, err := ParseAction(`{"action":"hold","reasoning":"` + long + `"}`)
	require.NoError(t, err)
	assert.Equal(t, MaxSummaryChars, len([]rune(a.Summary)))
	assert.Equal(t, long, a.Reasoning)
}

func TestParseActionRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"no object":      "I would hold.",
		"broken json":    `{"action":"hold",`,
		"unknown action": `{"action":"buy_the_dip"}`,
		"missing action": `{"symbol":"BTC"}`,
		"bad size":       `{"action":"open_long","symbol":"BTC","position_size":"lots"}`,
		"fractional id":  `{"action":"close_position","position_id":1.5}`,
		"negative id":    `{"action":"close_position","position_id":-3}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAction(raw)
			assert.ErrorIs(t, err, ErrMalformedAction)
		})
	}
}

func TestWithViolationKeepsRequest(t *testing.T) {
	a := Action{Kind: agent.ActionOpenShort, Symbol: "ETH", Confidence: 60, Reasoning: "fading the pump"}
	held := a.WithViolation("size exceeds 25% of equity")

	assert.Equal(t, agent.ActionHold, held.Kind)
	assert.Equal(t, 60, held.Confidence)
	assert.Contains(t, held.Summary, "rejected open_short ETH")
	assert.Contains(t, held.Reasoning, "fading the pump")
	assert.Contains(t, held.Reasoning, "size exceeds 25% of equity")
}
