package hyperliquid

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tradefleet/pkg/market"
)

// Hyperliquid interval names for each ranked timeframe.
var intervalNames = map[market.Timeframe]string{
	market.TF15m: "15m",
	market.TF1h:  "1h",
	market.TF4h:  "4h",
	market.TF1d:  "1d",
	market.TF1w:  "1w",
}

// Candles fetches up to limit candles for symbol, oldest first.
func (c *Client) Candles(ctx context.Context, symbol string, tf market.Timeframe, limit int) ([]market.Candle, error) {
	interval, ok := intervalNames[tf]
	if !ok {
		return nil, fmt.Errorf("hyperliquid: unsupported timeframe %q", tf)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("hyperliquid: limit must be positive")
	}

	canonical, err := c.canonicalSymbolFor(ctx, symbol)
	if err != nil {
		return nil, err
	}
	endTime := time.Now().UTC()
	startTime := endTime.Add(-tf.Duration() * time.Duration(limit+2))

	var response CandleResponse
	request := InfoRequest{
		Type: "candleSnapshot",
		Req: CandleSnapshotRequest{
			Coin:      canonical,
			Interval:  interval,
			StartTime: startTime.UnixMilli(),
			EndTime:   endTime.UnixMilli(),
		},
	}
	if err := c.doRequest(ctx, request, &response); err != nil {
		return nil, err
	}
	if len(response) == 0 {
		return nil, fmt.Errorf("%w: empty candle response for %s %s", market.ErrInsufficientHistory, canonical, interval)
	}

	candles := make([]market.Candle, 0, len(response))
	for _, item := range response {
		candles = append(candles, market.Candle{
			OpenTime:  time.UnixMilli(item.T).UTC(),
			CloseTime: time.UnixMilli(item.TClose).UTC(),
			Open:      item.O,
			High:      item.H,
			Low:       item.L,
			Close:     item.C,
			Volume:    item.V,
		})
	}
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].OpenTime.Before(candles[j].OpenTime)
	})
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// ListSymbols refreshes the universe and reports every listed perpetual.
// Delisted entries are returned inactive so discovery can retire them.
func (c *Client) ListSymbols(ctx context.Context) ([]market.Symbol, error) {
	entries, err := c.refreshUniverse(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	symbols := make([]market.Symbol, 0, len(entries))
	for _, entry := range entries {
		symbols = append(symbols, market.Symbol{
			Name:       entry.Name,
			Base:       entry.Name,
			Quote:      "USD",
			Active:     !entry.IsDelisted,
			LastSeenAt: now,
		})
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].Name < symbols[j].Name })
	return symbols, nil
}
