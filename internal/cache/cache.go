// Package cache provides the tiered stale-while-revalidate cache in front of
// the durable key store.
package cache

import (
	"context"
	"errors"
	"fmt"
)

// Tier names used in metrics and logs.
const (
	TierMemory = "memory"
	TierRedis  = "redis"
)

var (
	// ErrLoad is matched by every error returned from a failed origin load.
	ErrLoad = errors.New("cache: origin load failed")

	// ErrCorruptEntry is returned when a stored entry cannot be decoded.
	ErrCorruptEntry = errors.New("cache: corrupt entry")

	// ErrClosed is returned by tiers that have been closed.
	ErrClosed = errors.New("cache: tier closed")
)

// Tier is a single cache layer keyed by (namespace, key). Implementations
// evict entries that are expired at read time and report them as misses.
// Remove of an absent key succeeds.
type Tier interface {
	Name() string
	Get(ctx context.Context, namespace, key string) (Entry, bool, error)
	Set(ctx context.Context, namespace, key string, entry Entry) error
	Remove(ctx context.Context, namespace, key string) error
	Close() error
}

// TierError is the typed failure of a single tier operation. The tiered
// cache degrades it to a miss or a skipped write.
type TierError struct {
	Tier string
	Op   string
	Err  error
}

func (e *TierError) Error() string {
	return fmt.Sprintf("cache tier %s: %s: %v", e.Tier, e.Op, e.Err)
}

func (e *TierError) Unwrap() error {
	return e.Err
}

// Error is returned by WithCache when a miss could not be filled from the origin.
type Error struct {
	Namespace string
	Key       string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("cache: load %s/%s: %v", e.Namespace, e.Key, e.Err)
}

// Unwrap exposes both ErrLoad and the loader's own error to errors.Is.
func (e *Error) Unwrap() []error {
	return []error{ErrLoad, e.Err}
}
