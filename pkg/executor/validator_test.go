package executor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradefleet/internal/memstore"
	"tradefleet/pkg/agent"
	"tradefleet/pkg/portfolio"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func level(s string) decimal.NullDecimal { return decimal.NewNullDecimal(d(s)) }

func ledger(positions ...portfolio.Position) *portfolio.State {
	return &portfolio.State{
		Portfolio: portfolio.Portfolio{AgentID: 1, Cash: d("8000"), Equity: d("10000")},
		Positions: positions,
	}
}

var prices = map[string]decimal.Decimal{"BTC": d("100"), "ETH": d("50")}

func TestValidateOpen(t *testing.T) {
	limits := portfolio.DefaultLimits()

	plan, err := Validate(Action{Kind: agent.ActionOpenLong, Symbol: "BTC", PositionSize: d("1500"), StopLoss: level("95")}, ledger(), limits, prices, 42)
	require.NoError(t, err)
	require.NotNil(t, plan.Open)
	assert.Equal(t, portfolio.Long, plan.Open.Direction)
	assert.True(t, plan.Open.EntryPrice.Equal(d("100")))
	assert.Equal(t, int64(42), plan.Open.DecisionID)
	assert.True(t, plan.Mutates())

	cases := []struct {
		name   string
		action Action
		want   error
	}{
		{"over equity share", Action{Kind: agent.ActionOpenLong, Symbol: "BTC", PositionSize: d("2600")}, portfolio.ErrSizeLimit},
		{"stop above price", Action{Kind: agent.ActionOpenLong, Symbol: "BTC", PositionSize: d("100"), StopLoss: level("101")}, portfolio.ErrInvalidLevel},
		{"short stop below price", Action{Kind: agent.ActionOpenShort, Symbol: "BTC", PositionSize: d("100"), StopLoss: level("99")}, portfolio.ErrInvalidLevel},
		{"zero size", Action{Kind: agent.ActionOpenLong, Symbol: "BTC"}, portfolio.ErrInvalidOrder},
		{"unknown symbol", Action{Kind: agent.ActionOpenLong, Symbol: "DOGE", PositionSize: d("100")}, ErrNoPrice},
		{"missing symbol", Action{Kind: agent.ActionOpenLong, PositionSize: d("100")}, portfolio.ErrInvalidOrder},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Validate(tc.action, ledger(), limits, prices, 1)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestValidateOpenCountAndHedge(t *testing.T) {
	held := []portfolio.Position{}
	for i := 1; i <= 5; i++ {
		held = append(held, portfolio.Position{ID: int64(i), AgentID: 1, Symbol: "ETH", Direction: portfolio.Long, EntryPrice: d("50"), Size: d("100")})
	}
	_, err := Validate(Action{Kind: agent.ActionOpenLong, Symbol: "BTC", PositionSize: d("100")}, ledger(held...), portfolio.DefaultLimits(), prices, 1)
	assert.ErrorIs(t, err, portfolio.ErrPositionLimit)

	_, err = Validate(Action{Kind: agent.ActionOpenShort, Symbol: "ETH", PositionSize: d("100")}, ledger(held[0]), portfolio.DefaultLimits(), prices, 1)
	assert.ErrorIs(t, err, portfolio.ErrInvalidOrder)
}

func TestValidateCloseAndAdjust(t *testing.T) {
	pos := portfolio.Position{ID: 9, AgentID: 1, Symbol: "BTC", Direction: portfolio.Short, EntryPrice: d("110"), Size: d("500")}
	state := ledger(pos)
	limits := portfolio.DefaultLimits()

	plan, err := Validate(Action{Kind: agent.ActionClosePosition, PositionID: 9}, state, limits, prices, 5)
	require.NoError(t, err)
	require.NotNil(t, plan.Close)
	assert.Equal(t, int64(9), plan.Close.PositionID)
	assert.Equal(t, portfolio.ExitAgentDecision, plan.Close.Reason)

	plan, err = Validate(Action{Kind: agent.ActionClosePosition, Symbol: "BTC"}, state, limits, prices, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(9), plan.Close.PositionID)

	_, err = Validate(Action{Kind: agent.ActionClosePosition, PositionID: 10}, state, limits, prices, 5)
	assert.ErrorIs(t, err, portfolio.ErrNotOwned)

	_, err = Validate(Action{Kind: agent.ActionClosePosition, PositionID: 9, Symbol: "ETH"}, state, limits, prices, 5)
	assert.ErrorIs(t, err, portfolio.ErrInvalidOrder)

	plan, err = Validate(Action{Kind: agent.ActionAdjustStopLoss, PositionID: 9, StopLoss: level("105")}, state, limits, prices, 5)
	require.NoError(t, err)
	assert.True(t, plan.Level.Equal(d("105")))

	_, err = Validate(Action{Kind: agent.ActionAdjustStopLoss, PositionID: 9, StopLoss: level("95")}, state, limits, prices, 5)
	assert.ErrorIs(t, err, portfolio.ErrInvalidLevel)

	_, err = Validate(Action{Kind: agent.ActionAdjustTakeProfit, PositionID: 9}, state, limits, prices, 5)
	assert.ErrorIs(t, err, portfolio.ErrInvalidLevel)
}

func TestPlanApplyInsideExecute(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	now := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	mgr := portfolio.NewManager(store, portfolio.WithClock(func() time.Time { return now }))
	_, err := mgr.EnsurePortfolio(ctx, 1, d("10000"))
	require.NoError(t, err)

	var opened *portfolio.Position
	err = mgr.Execute(ctx, 1, func(book *portfolio.Book) error {
		state, err := book.State(ctx, prices)
		if err != nil {
			return err
		}
		plan, err := Validate(Action{Kind: agent.ActionOpenLong, Symbol: "BTC", PositionSize: d("1500"), StopLoss: level("95")}, state, mgr.Limits(), prices, 3)
		if err != nil {
			return err
		}
		out, err := plan.Apply(ctx, book)
		if err != nil {
			return err
		}
		opened = out.Position
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, opened)
	assert.Equal(t, int64(3), opened.OpenDecisionID)

	p, err := store.GetPortfolio(ctx, 1)
	require.NoError(t, err)
	assert.True(t, p.Cash.Equal(d("8498.5")), "cash %s", p.Cash)
}
