package hyperliquid

import (
	"net/http"

	"tradefleet/pkg/market"
)

func init() {
	market.RegisterProvider("hyperliquid", func(name string, cfg *market.ProviderConfig) (market.Provider, error) {
		opts := []Option{WithBaseURL(cfg.BaseURL)}
		if cfg.MaxRetries > 0 {
			opts = append(opts, WithMaxRetries(cfg.MaxRetries))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
		}
		return NewClient(opts...), nil
	})
}

var _ market.Provider = (*Client)(nil)
