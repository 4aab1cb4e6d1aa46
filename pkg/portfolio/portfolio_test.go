package portfolio_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradefleet/internal/memstore"
	"tradefleet/pkg/market"
	"tradefleet/pkg/portfolio"
)

var t0 = time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func level(s string) decimal.NullDecimal { return decimal.NewNullDecimal(d(s)) }

func setup(t *testing.T, balance string) (*portfolio.Manager, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	m := portfolio.NewManager(store, portfolio.WithClock(func() time.Time { return t0 }))
	_, err := m.EnsurePortfolio(context.Background(), 1, d(balance))
	require.NoError(t, err)
	return m, store
}

func candle(low, high, close float64) market.Candle {
	return market.Candle{
		OpenTime:  t0,
		CloseTime: t0.Add(time.Hour),
		Open:      close, High: high, Low: low, Close: close,
	}
}

func TestStopLossScenario(t *testing.T) {
	ctx := context.Background()
	m, store := setup(t, "10000")

	pos, err := m.OpenPosition(ctx, portfolio.OpenRequest{
		AgentID: 1, Symbol: "BTC", Direction: portfolio.Long,
		Size: d("1500"), EntryPrice: d("100"), StopLoss: level("95"), DecisionID: 7,
	})
	require.NoError(t, err)
	assert.True(t, pos.EntryFee.Equal(d("1.5")))

	p, err := store.GetPortfolio(ctx, 1)
	require.NoError(t, err)
	assert.True(t, p.Cash.Equal(d("8498.5")), p.Cash.String())

	reason, price, hit := portfolio.CheckStopLossTakeProfit(*pos, candle(94, 101, 99))
	require.True(t, hit)
	assert.Equal(t, portfolio.ExitStopLoss, reason)
	assert.True(t, price.Equal(d("95")))

	report, err := m.Sweep(ctx, map[string]market.Candle{"BTC": candle(94, 101, 99)})
	require.NoError(t, err)
	require.Len(t, report.Closed, 1)
	trade := report.Closed[0]
	assert.Equal(t, portfolio.ExitStopLoss, trade.ExitReason)
	assert.True(t, trade.ExitPrice.Equal(d("95")))
	assert.True(t, trade.RealizedPnL.Equal(d("-78")), trade.RealizedPnL.String())
	assert.True(t, trade.Fees.Equal(d("3")))
	assert.Equal(t, int64(7), trade.OpenDecisionID)
	assert.Zero(t, trade.CloseDecisionID)

	p, err = store.GetPortfolio(ctx, 1)
	require.NoError(t, err)
	assert.True(t, p.Cash.Equal(d("9922")), p.Cash.String())
	assert.True(t, p.Equity.Equal(d("9922")), p.Equity.String())
	assert.True(t, p.RealizedPnL.Equal(d("-78")))
	assert.True(t, p.TotalFees.Equal(d("3")))

	open, err := store.OpenPositions(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestStopLossWinsTies(t *testing.T) {
	long := portfolio.Position{Direction: portfolio.Long, EntryPrice: d("100"), StopLoss: level("95"), TakeProfit: level("110")}
	reason, price, hit := portfolio.CheckStopLossTakeProfit(long, candle(90, 120, 100))
	require.True(t, hit)
	assert.Equal(t, portfolio.ExitStopLoss, reason)
	assert.True(t, price.Equal(d("95")))

	short := portfolio.Position{Direction: portfolio.Short, EntryPrice: d("100"), StopLoss: level("105"), TakeProfit: level("90")}
	reason, _, hit = portfolio.CheckStopLossTakeProfit(short, candle(85, 106, 100))
	require.True(t, hit)
	assert.Equal(t, portfolio.ExitStopLoss, reason)

	reason, price, hit = portfolio.CheckStopLossTakeProfit(short, candle(89, 101, 95))
	require.True(t, hit)
	assert.Equal(t, portfolio.ExitTakeProfit, reason)
	assert.True(t, price.Equal(d("90")))

	_, _, hit = portfolio.CheckStopLossTakeProfit(long, candle(96, 109, 100))
	assert.False(t, hit)
	_, _, hit = portfolio.CheckStopLossTakeProfit(portfolio.Position{Direction: portfolio.Long}, candle(1, 1000, 10))
	assert.False(t, hit)
}

func TestOpenEnforcesLimits(t *testing.T) {
	ctx := context.Background()
	m, _ := setup(t, "10000")
	open := func(size string) error {
		_, err := m.OpenPosition(ctx, portfolio.OpenRequest{
			AgentID: 1, Symbol: "ETH", Direction: portfolio.Long, Size: d(size), EntryPrice: d("10"),
		})
		return err
	}

	require.ErrorIs(t, open("2500.01"), portfolio.ErrSizeLimit)
	for i := 0; i < 5; i++ {
		require.NoError(t, open("1000"))
	}
	require.ErrorIs(t, open("10"), portfolio.ErrPositionLimit)

	_, err := m.OpenPosition(ctx, portfolio.OpenRequest{
		AgentID: 1, Symbol: "ETH", Direction: portfolio.Short, Size: d("10"), EntryPrice: d("10"), StopLoss: level("9"),
	})
	require.Error(t, err)
	assert.True(t, portfolio.IsViolation(err))
}

func TestOpenRejectsInsufficientCash(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	m := portfolio.NewManager(store, portfolio.WithLimits(portfolio.Limits{
		MaxPositionShare: d("1"),
		MaxOpenPositions: 5,
		FeeRate:          d("0.001"),
	}))
	_, err := m.EnsurePortfolio(ctx, 1, d("1000"))
	require.NoError(t, err)

	_, err = m.OpenPosition(ctx, portfolio.OpenRequest{AgentID: 1, Symbol: "BTC", Direction: portfolio.Long, Size: d("1000"), EntryPrice: d("1")})
	require.ErrorIs(t, err, portfolio.ErrInsufficientCash)

	_, err = m.OpenPosition(ctx, portfolio.OpenRequest{AgentID: 1, Symbol: "BTC", Direction: portfolio.Long, Size: d("999"), EntryPrice: d("1")})
	require.NoError(t, err)
	p, err := store.GetPortfolio(ctx, 1)
	require.NoError(t, err)
	assert.False(t, p.Cash.IsNegative())
}

func TestRejectedOpenLeavesLedgerUntouched(t *testing.T) {
	ctx := context.Background()
	m, store := setup(t, "10000")
	_, err := m.OpenPosition(ctx, portfolio.OpenRequest{AgentID: 1, Symbol: "BTC", Direction: portfolio.Long, Size: d("1000"), EntryPrice: d("50")})
	require.NoError(t, err)

	before, _ := store.GetPortfolio(ctx, 1)
	beforePos, _ := store.OpenPositions(ctx, 1)

	_, err = m.OpenPosition(ctx, portfolio.OpenRequest{AgentID: 1, Symbol: "SOL", Direction: portfolio.Long, Size: d("9000"), EntryPrice: d("20")})
	require.ErrorIs(t, err, portfolio.ErrSizeLimit)

	after, _ := store.GetPortfolio(ctx, 1)
	afterPos, _ := store.OpenPositions(ctx, 1)
	assert.Equal(t, before, after)
	assert.Equal(t, beforePos, afterPos)
}

func TestCloseChecksOwnership(t *testing.T) {
	ctx := context.Background()
	m, _ := setup(t, "10000")
	_, err := m.EnsurePortfolio(ctx, 2, d("10000"))
	require.NoError(t, err)

	pos, err := m.OpenPosition(ctx, portfolio.OpenRequest{AgentID: 1, Symbol: "BTC", Direction: portfolio.Long, Size: d("100"), EntryPrice: d("10")})
	require.NoError(t, err)

	_, err = m.ClosePosition(ctx, portfolio.CloseRequest{AgentID: 2, PositionID: pos.ID, ExitPrice: d("11")})
	require.ErrorIs(t, err, portfolio.ErrNotOwned)
	_, err = m.ClosePosition(ctx, portfolio.CloseRequest{AgentID: 1, PositionID: 999, ExitPrice: d("11")})
	require.ErrorIs(t, err, portfolio.ErrNotFound)

	trade, err := m.ClosePosition(ctx, portfolio.CloseRequest{AgentID: 1, PositionID: pos.ID, ExitPrice: d("11"), DecisionID: 3})
	require.NoError(t, err)
	assert.Equal(t, portfolio.ExitAgentDecision, trade.ExitReason)
	assert.Equal(t, int64(3), trade.CloseDecisionID)
	// +10% of 100 minus 0.1 + 0.1 fees
	assert.True(t, trade.RealizedPnL.Equal(d("9.8")), trade.RealizedPnL.String())
}

func TestRealizedPnLMatchesTradeHistory(t *testing.T) {
	ctx := context.Background()
	m, store := setup(t, "10000")
	type leg struct {
		dir         portfolio.Direction
		size, entry string
		exit        string
	}
	legs := []leg{
		{portfolio.Long, "1000", "100", "112.5"},
		{portfolio.Short, "750", "40", "44"},
		{portfolio.Long, "333.33", "7", "6.1"},
		{portfolio.Short, "2000", "250", "201.75"},
		{portfolio.Long, "1234.56", "0.37", "0.41"},
	}
	for _, l := range legs {
		pos, err := m.OpenPosition(ctx, portfolio.OpenRequest{AgentID: 1, Symbol: "X", Direction: l.dir, Size: d(l.size), EntryPrice: d(l.entry)})
		require.NoError(t, err)
		_, err = m.ClosePosition(ctx, portfolio.CloseRequest{AgentID: 1, PositionID: pos.ID, ExitPrice: d(l.exit)})
		require.NoError(t, err)
	}

	trades, err := store.Trades(ctx, 1, time.Time{})
	require.NoError(t, err)
	require.Len(t, trades, len(legs))
	sum, fees := decimal.Zero, decimal.Zero
	for _, tr := range trades {
		sum = sum.Add(tr.RealizedPnL)
		fees = fees.Add(tr.Fees)
	}
	p, err := store.GetPortfolio(ctx, 1)
	require.NoError(t, err)
	assert.True(t, sum.Equal(p.RealizedPnL), "%s != %s", sum, p.RealizedPnL)
	assert.True(t, fees.Equal(p.TotalFees))
	assert.True(t, p.Cash.Equal(d("10000").Add(p.RealizedPnL)), "%s", p.Cash)
}

func TestShortLossCappedAtNotional(t *testing.T) {
	ctx := context.Background()
	m, store := setup(t, "10000")
	var ids []int64
	for i := 0; i < 3; i++ {
		pos, err := m.OpenPosition(ctx, portfolio.OpenRequest{AgentID: 1, Symbol: "BTC", Direction: portfolio.Short, Size: d("2400"), EntryPrice: d("100")})
		require.NoError(t, err)
		ids = append(ids, pos.ID)
	}
	before, err := store.GetPortfolio(ctx, 1)
	require.NoError(t, err)
	assert.True(t, before.Cash.Equal(d("2792.8")), before.Cash.String())

	state, err := m.UpdateUnrealizedPnL(ctx, 1, map[string]decimal.Decimal{"BTC": d("450")})
	require.NoError(t, err)
	assert.True(t, state.Positions[0].UnrealizedPnL.Equal(d("-2400")))
	assert.True(t, state.Portfolio.Equity.Equal(before.Cash), state.Portfolio.Equity.String())

	trade, err := m.ClosePosition(ctx, portfolio.CloseRequest{AgentID: 1, PositionID: ids[0], ExitPrice: d("450")})
	require.NoError(t, err)
	assert.True(t, trade.RealizedPnL.Equal(d("-2402.4")), trade.RealizedPnL.String())
	assert.True(t, trade.Fees.Equal(d("2.4")), trade.Fees.String())

	after, err := store.GetPortfolio(ctx, 1)
	require.NoError(t, err)
	assert.False(t, after.Cash.IsNegative())
	assert.True(t, after.Cash.Equal(before.Cash), after.Cash.String())
	assert.True(t, after.RealizedPnL.Equal(d("-2402.4")))
}

func TestLedgerDeltaKeepsCashNonNegative(t *testing.T) {
	p := portfolio.Portfolio{AgentID: 1, Cash: d("100"), Equity: d("100")}
	_, err := portfolio.LedgerDelta{AgentID: 1, Cash: d("-100.01")}.Apply(p)
	require.ErrorIs(t, err, portfolio.ErrInsufficientCash)
	assert.True(t, portfolio.IsViolation(err))

	next, err := portfolio.LedgerDelta{AgentID: 1, Cash: d("-100"), Equity: d("-1"), Fees: d("1"), At: t0}.Apply(p)
	require.NoError(t, err)
	assert.True(t, next.Cash.IsZero())
	assert.True(t, next.Equity.Equal(d("99")))
	assert.True(t, next.TotalFees.Equal(d("1")))
	assert.Equal(t, t0, next.UpdatedAt)
}

func TestMarkToMarketDoesNotTouchCash(t *testing.T) {
	ctx := context.Background()
	m, _ := setup(t, "10000")
	_, err := m.OpenPosition(ctx, portfolio.OpenRequest{AgentID: 1, Symbol: "BTC", Direction: portfolio.Long, Size: d("1000"), EntryPrice: d("100")})
	require.NoError(t, err)
	_, err = m.OpenPosition(ctx, portfolio.OpenRequest{AgentID: 1, Symbol: "ETH", Direction: portfolio.Short, Size: d("500"), EntryPrice: d("50")})
	require.NoError(t, err)

	state, err := m.UpdateUnrealizedPnL(ctx, 1, map[string]decimal.Decimal{"BTC": d("110"), "ETH": d("55")})
	require.NoError(t, err)
	assert.True(t, state.Positions[0].UnrealizedPnL.Equal(d("100")))
	assert.True(t, state.Positions[1].UnrealizedPnL.Equal(d("-50")))
	// 10000 - 1500 - 1.5 cash, plus 1500 notional, plus 50 unrealized
	assert.True(t, state.Portfolio.Cash.Equal(d("8498.5")))
	assert.True(t, state.Portfolio.Equity.Equal(d("10048.5")), state.Portfolio.Equity.String())
}

func TestAdjustLevels(t *testing.T) {
	ctx := context.Background()
	m, store := setup(t, "10000")
	pos, err := m.OpenPosition(ctx, portfolio.OpenRequest{AgentID: 1, Symbol: "BTC", Direction: portfolio.Long, Size: d("1000"), EntryPrice: d("100"), StopLoss: level("90")})
	require.NoError(t, err)

	require.ErrorIs(t, m.AdjustStopLoss(ctx, 1, pos.ID, d("105"), d("104")), portfolio.ErrInvalidLevel)
	require.NoError(t, m.AdjustStopLoss(ctx, 1, pos.ID, d("98"), d("104")))
	require.NoError(t, m.AdjustTakeProfit(ctx, 1, pos.ID, d("120"), d("104")))
	require.ErrorIs(t, m.AdjustTakeProfit(ctx, 2, pos.ID, d("120"), d("104")), portfolio.ErrNotOwned)

	got, err := store.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, got.StopLoss.Decimal.Equal(d("98")))
	assert.True(t, got.TakeProfit.Decimal.Equal(d("120")))
}

type flakyStore struct {
	*memstore.Store
	failPosition int64
}

func (s *flakyStore) ApplyClose(ctx context.Context, delta portfolio.LedgerDelta, id int64, trade *portfolio.Trade) error {
	if id == s.failPosition {
		return errors.New("write failed")
	}
	return s.Store.ApplyClose(ctx, delta, id, trade)
}

func TestSweepIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: memstore.New()}
	m := portfolio.NewManager(store, portfolio.WithClock(func() time.Time { return t0.Add(-time.Minute) }))
	for _, id := range []int64{1, 2} {
		_, err := m.EnsurePortfolio(ctx, id, d("10000"))
		require.NoError(t, err)
	}
	bad, err := m.OpenPosition(ctx, portfolio.OpenRequest{AgentID: 1, Symbol: "BTC", Direction: portfolio.Long, Size: d("100"), EntryPrice: d("100"), StopLoss: level("95")})
	require.NoError(t, err)
	_, err = m.OpenPosition(ctx, portfolio.OpenRequest{AgentID: 1, Symbol: "ETH", Direction: portfolio.Long, Size: d("100"), EntryPrice: d("100"), TakeProfit: level("105")})
	require.NoError(t, err)
	_, err = m.OpenPosition(ctx, portfolio.OpenRequest{AgentID: 2, Symbol: "BTC", Direction: portfolio.Short, Size: d("100"), EntryPrice: d("100"), TakeProfit: level("95")})
	require.NoError(t, err)
	store.failPosition = bad.ID

	report, err := m.Sweep(ctx, map[string]market.Candle{
		"BTC": candle(94, 100, 96),
		"ETH": candle(99, 106, 105),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Closed, 2)

	left, err := store.OpenPositions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, bad.ID, left[0].ID)
}

func TestSweepSkipsCandlesBeforeOpen(t *testing.T) {
	ctx := context.Background()
	m, store := setup(t, "10000")
	_, err := m.OpenPosition(ctx, portfolio.OpenRequest{AgentID: 1, Symbol: "BTC", Direction: portfolio.Long, Size: d("100"), EntryPrice: d("100"), StopLoss: level("95")})
	require.NoError(t, err)

	stale := candle(90, 100, 92)
	stale.OpenTime, stale.CloseTime = t0.Add(-time.Hour), t0.Add(-time.Minute)
	report, err := m.Sweep(ctx, map[string]market.Candle{"BTC": stale})
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
	open, _ := store.OpenPositions(ctx, 1)
	assert.Len(t, open, 1)
}

func TestSweepSkipsCandlesSpanningOpen(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	opened := t0.Add(10 * time.Hour)
	m := portfolio.NewManager(store, portfolio.WithClock(func() time.Time { return opened }))
	_, err := m.EnsurePortfolio(ctx, 1, d("10000"))
	require.NoError(t, err)
	_, err = m.OpenPosition(ctx, portfolio.OpenRequest{AgentID: 1, Symbol: "BTC", Direction: portfolio.Long, Size: d("100"), EntryPrice: d("100"), StopLoss: level("95")})
	require.NoError(t, err)

	// A daily bar whose low printed before the entry.
	daily := market.Candle{OpenTime: t0, CloseTime: t0.Add(24 * time.Hour), Open: 96, High: 101, Low: 94, Close: 99}
	report, err := m.Sweep(ctx, map[string]market.Candle{"BTC": daily})
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
	assert.Empty(t, report.Closed)

	next := market.Candle{OpenTime: opened, CloseTime: opened.Add(time.Hour), Open: 99, High: 100, Low: 94, Close: 96}
	report, err = m.Sweep(ctx, map[string]market.Candle{"BTC": next})
	require.NoError(t, err)
	require.Len(t, report.Closed, 1)
	assert.Equal(t, portfolio.ExitStopLoss, report.Closed[0].ExitReason)
}

func TestManagersSharingAStoreKeepEveryCredit(t *testing.T) {
	ctx := context.Background()
	m, store := setup(t, "10000")
	var ids []int64
	for i := 0; i < 4; i++ {
		pos, err := m.OpenPosition(ctx, portfolio.OpenRequest{AgentID: 1, Symbol: "BTC", Direction: portfolio.Long, Size: d("1000"), EntryPrice: d("100")})
		require.NoError(t, err)
		ids = append(ids, pos.ID)
	}

	// Two managers stand in for two processes; their agent locks are not shared.
	other := portfolio.NewManager(store, portfolio.WithClock(func() time.Time { return t0 }))
	var wg sync.WaitGroup
	for i, id := range ids {
		pm := m
		if i%2 == 1 {
			pm = other
		}
		wg.Add(1)
		go func(pm *portfolio.Manager, id int64) {
			defer wg.Done()
			_, err := pm.ClosePosition(ctx, portfolio.CloseRequest{AgentID: 1, PositionID: id, ExitPrice: d("110")})
			assert.NoError(t, err)
		}(pm, id)
	}
	wg.Wait()

	// Each close credits 1000 + 100 - 1.
	p, err := store.GetPortfolio(ctx, 1)
	require.NoError(t, err)
	assert.True(t, p.Cash.Equal(d("10392")), p.Cash.String())
	assert.True(t, p.RealizedPnL.Equal(d("392")), p.RealizedPnL.String())
	assert.True(t, p.TotalFees.Equal(d("8")), p.TotalFees.String())
}

func TestExecuteSerialisesPerAgent(t *testing.T) {
	ctx := context.Background()
	m, store := setup(t, "100000")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.OpenPosition(ctx, portfolio.OpenRequest{AgentID: 1, Symbol: "BTC", Direction: portfolio.Long, Size: d("100"), EntryPrice: d("10")})
		}()
	}
	wg.Wait()
	open, err := store.OpenPositions(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, open, 5)
	p, _ := store.GetPortfolio(ctx, 1)
	assert.True(t, p.Cash.Equal(d("99499.5")), p.Cash.String())
}
