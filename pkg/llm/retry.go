package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/openai/openai-go"
)

const (
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 4 * time.Second
	defaultBackoffFactor  = 2.0
)

// RetryConfig encapsulates exponential backoff settings.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// RetryHandler retries rate limits and upstream failures with backoff.
// Timeouts are left to the caller.
type RetryHandler struct {
	cfg   RetryConfig
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryHandler fills unset fields with defaults.
func NewRetryHandler(cfg RetryConfig) *RetryHandler {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = defaultBackoffFactor
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &RetryHandler{cfg: cfg, sleep: sleepCtx}
}

// Do runs fn until it succeeds, fails permanently or runs out of attempts.
func (r *RetryHandler) Do(ctx context.Context, fn func() error) error {
	backoff := r.cfg.InitialBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || attempt >= r.cfg.MaxRetries || !Retryable(err) {
			return err
		}
		if serr := r.sleep(ctx, backoff); serr != nil {
			return err
		}
		backoff = time.Duration(float64(backoff) * r.cfg.Multiplier)
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retryable reports whether err is a rate limit, an upstream 5xx or a
// transport failure.
func Retryable(err error) bool {
	if err == nil || IsTimeout(err) || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable:
			return true
		}
		return false
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsTimeout reports whether err is a deadline expiry on the call itself.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusRequestTimeout || apiErr.StatusCode == http.StatusGatewayTimeout
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
