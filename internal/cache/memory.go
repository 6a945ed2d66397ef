package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avakeys/internal/observability"
)

// cacheTracerName is the OpenTelemetry tracer name for cache operations.
const cacheTracerName = "avakeys/cache"

// Memory tier defaults.
const (
	DefaultMaxEntries      = 100000
	DefaultCleanupInterval = time.Minute
)

// MemoryTier is the in-process LRU tier. It is shared by all requests of the
// process and overwrites are last-write-wins.
type MemoryTier struct {
	logger          observability.Logger
	maxEntries      int
	cleanupInterval time.Duration
	now             Clock

	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List

	stopOnce sync.Once
	stopCh   chan struct{}
}

type memoryItem struct {
	key   string
	entry Entry
}

var _ Tier = (*MemoryTier)(nil)

// MemoryOption configures a MemoryTier.
type MemoryOption func(*MemoryTier)

// WithMaxEntries bounds the number of entries held.
func WithMaxEntries(n int) MemoryOption {
	return func(m *MemoryTier) {
		if n > 0 {
			m.maxEntries = n
		}
	}
}

// WithCleanupInterval sets how often expired entries are swept.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(m *MemoryTier) {
		if d > 0 {
			m.cleanupInterval = d
		}
	}
}

// WithMemoryClock overrides the clock used for expiry.
func WithMemoryClock(now Clock) MemoryOption {
	return func(m *MemoryTier) {
		m.now = now
	}
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(logger observability.Logger) MemoryOption {
	return func(m *MemoryTier) {
		m.logger = logger
	}
}

// NewMemoryTier creates the in-process tier and starts its cleanup loop.
func NewMemoryTier(opts ...MemoryOption) *MemoryTier {
	m := &MemoryTier{
		logger:          observability.NopLogger(),
		maxEntries:      DefaultMaxEntries,
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
		items:           make(map[string]*list.Element),
		eviction:        list.New(),
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.cleanupLoop()

	return m
}

// Name implements Tier.
func (m *MemoryTier) Name() string { return TierMemory }

func storageKey(namespace, key string) string {
	return namespace + ":" + key
}

// Get implements Tier.
func (m *MemoryTier) Get(ctx context.Context, namespace, key string) (Entry, bool, error) {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.memory.Get",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.namespace", namespace),
		),
	)
	defer span.End()

	sk := storageKey(namespace, key)

	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[sk]
	if !ok {
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return Entry{}, false, nil
	}

	item := elem.Value.(*memoryItem)
	if item.entry.Classify(m.now()) == Expired {
		m.removeElement(elem)
		GetCacheMetrics().evictionsTotal.WithLabelValues(TierMemory, "expired").Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return Entry{}, false, nil
	}

	m.eviction.MoveToFront(elem)
	span.SetAttributes(attribute.Bool("cache.hit", true))

	return item.entry, true, nil
}

// Set implements Tier.
func (m *MemoryTier) Set(ctx context.Context, namespace, key string, entry Entry) error {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.memory.Set",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.namespace", namespace),
			attribute.Int("cache.value_size", len(entry.Value)),
		),
	)
	defer span.End()

	sk := storageKey(namespace, key)

	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[sk]; ok {
		elem.Value.(*memoryItem).entry = entry
		m.eviction.MoveToFront(elem)
		return nil
	}

	m.items[sk] = m.eviction.PushFront(&memoryItem{key: sk, entry: entry})

	for m.eviction.Len() > m.maxEntries {
		if oldest := m.eviction.Back(); oldest != nil {
			m.removeElement(oldest)
			GetCacheMetrics().evictionsTotal.WithLabelValues(TierMemory, "capacity").Inc()
		}
	}

	GetCacheMetrics().sizeGauge.WithLabelValues(TierMemory).Set(float64(m.eviction.Len()))
	return nil
}

// Remove implements Tier.
func (m *MemoryTier) Remove(ctx context.Context, namespace, key string) error {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.memory.Remove",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("cache.namespace", namespace)),
	)
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[storageKey(namespace, key)]; ok {
		m.removeElement(elem)
	}
	return nil
}

// Len returns the number of entries currently held, expired ones included.
func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eviction.Len()
}

// Close stops the cleanup loop and drops all entries.
func (m *MemoryTier) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*list.Element)
	m.eviction.Init()
	GetCacheMetrics().sizeGauge.WithLabelValues(TierMemory).Set(0)

	return nil
}

// removeElement must be called with the lock held.
func (m *MemoryTier) removeElement(elem *list.Element) {
	m.eviction.Remove(elem)
	delete(m.items, elem.Value.(*memoryItem).key)
}

func (m *MemoryTier) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

func (m *MemoryTier) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for elem := m.eviction.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*memoryItem).entry.Classify(now) == Expired {
			m.removeElement(elem)
			removed++
		}
		elem = prev
	}

	if removed > 0 {
		GetCacheMetrics().evictionsTotal.WithLabelValues(TierMemory, "expired").Add(float64(removed))
		GetCacheMetrics().sizeGauge.WithLabelValues(TierMemory).Set(float64(m.eviction.Len()))
		m.logger.Debug("memory tier cleanup completed",
			observability.Int("removed", removed))
	}
}
