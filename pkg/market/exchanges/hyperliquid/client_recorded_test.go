package hyperliquid

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/dnaeon/go-vcr/recorder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradefleet/pkg/market"
)

// Replays a recorded meta + candleSnapshot exchange. Set RECORD_CASSETTES=1
// and delete the cassette to re-record against the live endpoint.
func TestClientCandlesRecorded(t *testing.T) {
	cassette := filepath.Join("testdata", "cassettes", "hyperliquid_candles")
	if _, err := os.Stat(cassette + ".yaml"); os.IsNotExist(err) {
		if os.Getenv("RECORD_CASSETTES") != "1" {
			t.Skipf("cassette missing; set RECORD_CASSETTES=1 to record: %s", cassette)
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(cassette), 0o755))
	}

	r, err := recorder.New(cassette)
	require.NoError(t, err)
	defer func() { _ = r.Stop() }()

	client := NewClient(WithHTTPClient(&http.Client{Transport: r}), WithMaxRetries(0))
	ctx := context.Background()

	symbols, err := client.ListSymbols(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, symbols)

	candles, err := client.Candles(ctx, "BTC", market.TF1h, 3)
	require.NoError(t, err)
	require.Len(t, candles, 3)
	for i, c := range candles {
		assert.Greater(t, c.Close, 0.0)
		assert.GreaterOrEqual(t, c.High, c.Low)
		if i > 0 {
			assert.True(t, candles[i-1].OpenTime.Before(c.OpenTime))
		}
	}
}
