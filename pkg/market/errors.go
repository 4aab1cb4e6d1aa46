package market

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks failures worth retrying: timeouts, rate limits, 5xx.
	ErrTransient = errors.New("market: transient failure")
	// ErrSymbolNotFound indicates the venue does not list the symbol.
	ErrSymbolNotFound = errors.New("market: symbol not found")
	// ErrInsufficientHistory indicates fewer candles than an indicator needs.
	ErrInsufficientHistory = errors.New("market: insufficient history")
)

// Transient wraps err so that IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err is a retryable market-data failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
