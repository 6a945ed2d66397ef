package cache

import (
	"bytes"
	"encoding/json"
	"time"
)

// Default freshness windows.
const (
	DefaultFreshness = time.Minute
	DefaultStaleness = 24 * time.Hour
)

// Freshness is the read classification of an Entry.
type Freshness int

const (
	// Fresh entries are served without touching the origin.
	Fresh Freshness = iota
	// Stale entries are served while a refresh runs in the background.
	Stale
	// Expired entries are treated as misses and evicted.
	Expired
)

// String returns the metric label for f.
func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "expired"
	}
}

// nullValue is the encoded form of a negative (known absent) entry.
var nullValue = []byte("null")

// Entry is a cached value with its freshness deadlines in unix milliseconds.
// FreshUntil <= StaleUntil always holds for entries built with NewEntry.
type Entry struct {
	Value      json.RawMessage `json:"value"`
	FreshUntil int64           `json:"freshUntil"`
	StaleUntil int64           `json:"staleUntil"`
}

// NewEntry stamps value with deadlines relative to now.
func NewEntry(value []byte, now time.Time, freshness, staleness time.Duration) Entry {
	if staleness < freshness {
		staleness = freshness
	}
	if value == nil {
		value = nullValue
	}
	ms := now.UnixMilli()
	return Entry{
		Value:      value,
		FreshUntil: ms + freshness.Milliseconds(),
		StaleUntil: ms + staleness.Milliseconds(),
	}
}

// Classify reports whether the entry is fresh, stale or expired at now.
func (e Entry) Classify(now time.Time) Freshness {
	ms := now.UnixMilli()
	switch {
	case ms >= e.StaleUntil:
		return Expired
	case ms >= e.FreshUntil:
		return Stale
	default:
		return Fresh
	}
}

// IsNull reports whether the entry caches a known-absent value.
func (e Entry) IsNull() bool {
	return len(e.Value) == 0 || bytes.Equal(bytes.TrimSpace(e.Value), nullValue)
}

// TTL returns how long the entry should be retained at now.
func (e Entry) TTL(now time.Time) time.Duration {
	return time.Duration(e.StaleUntil-now.UnixMilli()) * time.Millisecond
}

// Clock returns the current time. Tests replace it to move through the
// freshness windows deterministically.
type Clock func() time.Time
