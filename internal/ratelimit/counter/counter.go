// Package counter provides the authoritative window counters behind the
// rate limiter. Counters are keyed by window and expire with it.
package counter

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by a backend after Close.
var ErrClosed = errors.New("counter backend is closed")

// Backend stores window counters.
type Backend interface {
	// Take adds cost to the counter at key when the result stays within
	// limit. It reports whether the cost was applied and the counter value
	// afterwards. A zero cost only reads. A new counter expires after ttl.
	Take(ctx context.Context, key string, cost, limit int64, ttl time.Duration) (bool, int64, error)

	// Get returns the counter value, zero when absent or expired.
	Get(ctx context.Context, key string) (int64, error)

	// Close releases resources held by the backend.
	Close() error
}
