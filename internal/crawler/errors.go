package crawler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrSourceUnavailable is terminal for a source: it is gone or private.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrTransient marks unclassified provider failures worth a bounded retry.
	ErrTransient = errors.New("transient provider error")

	// ErrBrokerUnavailable is returned once publish retries are exhausted.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrStoreUnavailable wraps failures of the cursor/lock store or dedup index.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrSourceInactive rejects manual crawls of a tier 0 source.
	ErrSourceInactive = errors.New("source inactive")
)

// RateLimitedError is raised by a Provider when the upstream asks the caller
// to wait before the next request.
type RateLimitedError struct {
	RetryAfter time.Duration
}

// Error implements error.
func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// RateLimited builds a RateLimitedError.
func RateLimited(retryAfter time.Duration) error {
	return &RateLimitedError{RetryAfter: retryAfter}
}

// AsRateLimited extracts a RateLimitedError from err.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// StoreError wraps err so that errors.Is(err, ErrStoreUnavailable) holds.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
