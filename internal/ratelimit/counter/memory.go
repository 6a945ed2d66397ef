package counter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// maxCASRetries bounds the compare-and-swap loop under contention.
const maxCASRetries = 100

// DefaultCleanupInterval is how often expired counters are swept.
const DefaultCleanupInterval = time.Minute

type entry struct {
	value      int64
	expiration time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiration.IsZero() && !now.Before(e.expiration)
}

// MemoryBackend keeps counters in process memory. It is authoritative for
// a single instance only.
type MemoryBackend struct {
	data     sync.Map
	now      func() time.Time
	interval time.Duration
	done     chan struct{}
	closed   atomic.Bool
	once     sync.Once
}

var _ Backend = (*MemoryBackend)(nil)

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithCleanupInterval sets how often expired counters are removed.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(m *MemoryBackend) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryBackend) {
		m.now = now
	}
}

// NewMemoryBackend creates a MemoryBackend and starts its cleanup loop.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		now:      time.Now,
		interval: DefaultCleanupInterval,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.startCleanup()

	return m
}

// Take implements Backend.
func (m *MemoryBackend) Take(ctx context.Context, key string, cost, limit int64, ttl time.Duration) (bool, int64, error) {
	if err := m.check(ctx); err != nil {
		return false, 0, err
	}

	for retries := 0; retries < maxCASRetries; retries++ {
		now := m.now()

		value, ok := m.data.Load(key)
		if !ok {
			if cost > limit {
				return false, 0, nil
			}
			if cost == 0 {
				return true, 0, nil
			}
			fresh := &entry{value: cost, expiration: now.Add(ttl)}
			if _, loaded := m.data.LoadOrStore(key, fresh); !loaded {
				return true, cost, nil
			}
			continue
		}

		e := value.(*entry)
		if e.expired(now) {
			m.data.CompareAndDelete(key, e)
			continue
		}
		if e.value+cost > limit {
			return false, e.value, nil
		}
		if cost == 0 {
			return true, e.value, nil
		}

		next := &entry{value: e.value + cost, expiration: e.expiration}
		if m.data.CompareAndSwap(key, e, next) {
			return true, next.value, nil
		}
	}

	return false, 0, fmt.Errorf("take %s: max retries (%d) exceeded", key, maxCASRetries)
}

// Get implements Backend.
func (m *MemoryBackend) Get(ctx context.Context, key string) (int64, error) {
	if err := m.check(ctx); err != nil {
		return 0, err
	}

	value, ok := m.data.Load(key)
	if !ok {
		return 0, nil
	}
	e := value.(*entry)
	if e.expired(m.now()) {
		m.data.CompareAndDelete(key, e)
		return 0, nil
	}
	return e.value, nil
}

// Len returns the number of stored counters, expired ones included.
func (m *MemoryBackend) Len() int {
	n := 0
	m.data.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close stops the cleanup loop.
func (m *MemoryBackend) Close() error {
	m.once.Do(func() {
		m.closed.Store(true)
		close(m.done)
	})
	return nil
}

func (m *MemoryBackend) check(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func (m *MemoryBackend) startCleanup() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.done:
			return
		}
	}
}

func (m *MemoryBackend) sweep() {
	now := m.now()
	m.data.Range(func(key, value any) bool {
		if e := value.(*entry); e.expired(now) {
			m.data.CompareAndDelete(key, e)
		}
		return true
	})
}
