package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"tradefleet/pkg/market"
)

const (
	defaultBaseURL          = "https://api.hyperliquid.xyz/info"
	defaultHTTPTimeout      = 10 * time.Second
	defaultMaxRetries       = 3
	defaultRetryBackoffBase = 150 * time.Millisecond
)

// Client wraps access to the Hyperliquid info endpoint.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	maxRetries  int
	backoffBase time.Duration

	symbolsMu   sync.RWMutex
	symbolIndex map[string]string
	universe    map[string]UniverseEntry
}

// Option configures a new Client.
type Option func(*Client)

// WithHTTPClient injects a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithBaseURL overrides the default info endpoint URL.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithMaxRetries adjusts the retry budget for transient failures.
func WithMaxRetries(max int) Option {
	return func(c *Client) {
		if max >= 0 {
			c.maxRetries = max
		}
	}
}

// WithRetryBackoff sets the first backoff step; later steps double.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.backoffBase = d
		}
	}
}

// NewClient constructs a Hyperliquid API client.
func NewClient(opts ...Option) *Client {
	client := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: defaultHTTPTimeout},
		maxRetries:  defaultMaxRetries,
		backoffBase: defaultRetryBackoffBase,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// doRequest posts an InfoRequest and decodes the response into result.
// Network failures, 429 and 5xx are retried with exponential backoff and,
// once the budget is spent, surface wrapped in market.ErrTransient.
func (c *Client) doRequest(ctx context.Context, req InfoRequest, result any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("hyperliquid: encode request: %w", err)
	}

	var lastErr error
	backoff := c.backoffBase
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		retryable, err := c.post(ctx, payload, result)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return market.Transient(ctx.Err())
		}
		if !retryable {
			return err
		}
		lastErr = err

		if attempt < c.maxRetries {
			logx.WithContext(ctx).Infof("hyperliquid: %s attempt %d failed, retrying in %s: %v", req.Type, attempt+1, backoff, err)
			select {
			case <-ctx.Done():
				return market.Transient(ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
			}
		}
	}
	return market.Transient(lastErr)
}

func (c *Client) post(ctx context.Context, payload []byte, result any) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("hyperliquid: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
			return true, fmt.Errorf("hyperliquid: transport: %w", err)
		}
		return true, fmt.Errorf("hyperliquid: do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("hyperliquid: read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return true, fmt.Errorf("hyperliquid: http status %d: %s", resp.StatusCode, truncate(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("hyperliquid: http status %d: %s", resp.StatusCode, truncate(body))
	}
	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return false, fmt.Errorf("hyperliquid: decode response: %w", err)
		}
	}
	return false, nil
}

func truncate(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func (c *Client) canonicalFromCache(symbol string) (string, bool) {
	key := normalizeKey(symbol)
	if key == "" {
		return "", false
	}
	c.symbolsMu.RLock()
	canonical, ok := c.symbolIndex[key]
	c.symbolsMu.RUnlock()
	return canonical, ok
}

func (c *Client) refreshUniverse(ctx context.Context) ([]UniverseEntry, error) {
	var payload MetaResponse
	if err := c.doRequest(ctx, InfoRequest{Type: "meta"}, &payload); err != nil {
		return nil, err
	}

	index := make(map[string]string, len(payload.Universe))
	universe := make(map[string]UniverseEntry, len(payload.Universe))
	entries := make([]UniverseEntry, 0, len(payload.Universe))
	for _, entry := range payload.Universe {
		canonical := strings.TrimSpace(entry.Name)
		key := normalizeKey(canonical)
		if key == "" {
			continue
		}
		entry.Name = canonical
		index[key] = canonical
		universe[canonical] = entry
		entries = append(entries, entry)
	}

	c.symbolsMu.Lock()
	c.symbolIndex = index
	c.universe = universe
	c.symbolsMu.Unlock()
	return entries, nil
}

func (c *Client) canonicalSymbolFor(ctx context.Context, symbol string) (string, error) {
	if canonical, ok := c.canonicalFromCache(symbol); ok {
		return canonical, nil
	}
	if _, err := c.refreshUniverse(ctx); err != nil {
		return "", err
	}
	if canonical, ok := c.canonicalFromCache(symbol); ok {
		return canonical, nil
	}
	return "", fmt.Errorf("%w: %s", market.ErrSymbolNotFound, symbol)
}

// normalizeKey folds "btcusdt", "BTC" and " btc " onto the same lookup key.
func normalizeKey(symbol string) string {
	trimmed := strings.TrimSpace(symbol)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) > 4 && strings.EqualFold(trimmed[len(trimmed)-4:], "USDT") {
		trimmed = trimmed[:len(trimmed)-4]
	}
	return strings.ToUpper(trimmed)
}
