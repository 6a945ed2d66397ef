package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/vyrodovalexey/avakeys/internal/background"
	"github.com/vyrodovalexey/avakeys/internal/observability"
)

// DefaultLoadTimeout bounds a single origin load.
const DefaultLoadTimeout = 2 * time.Second

// Tiered composes tiers, fastest first, into one logical cache with
// stale-while-revalidate reads.
type Tiered struct {
	tiers       []Tier
	freshness   time.Duration
	staleness   time.Duration
	loadTimeout time.Duration
	now         Clock
	logger      observability.Logger
	scheduler   background.Scheduler

	loads      singleflight.Group
	refreshing sync.Map
}

// TieredOption configures a Tiered cache.
type TieredOption func(*Tiered)

// WithFreshness sets the window during which entries are served without refresh.
func WithFreshness(d time.Duration) TieredOption {
	return func(t *Tiered) {
		if d > 0 {
			t.freshness = d
		}
	}
}

// WithStaleness sets the window after which entries are no longer served.
func WithStaleness(d time.Duration) TieredOption {
	return func(t *Tiered) {
		if d > 0 {
			t.staleness = d
		}
	}
}

// WithLoadTimeout bounds origin loads.
func WithLoadTimeout(d time.Duration) TieredOption {
	return func(t *Tiered) {
		if d > 0 {
			t.loadTimeout = d
		}
	}
}

// WithClock overrides the clock used to stamp and classify entries.
func WithClock(now Clock) TieredOption {
	return func(t *Tiered) {
		t.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) TieredOption {
	return func(t *Tiered) {
		t.logger = logger
	}
}

// WithScheduler sets where background refreshes run.
func WithScheduler(s background.Scheduler) TieredOption {
	return func(t *Tiered) {
		t.scheduler = s
	}
}

// NewTiered creates a tiered cache over tiers ordered fastest first.
func NewTiered(tiers []Tier, opts ...TieredOption) *Tiered {
	t := &Tiered{
		tiers:       tiers,
		freshness:   DefaultFreshness,
		staleness:   DefaultStaleness,
		loadTimeout: DefaultLoadTimeout,
		now:         time.Now,
		logger:      observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.staleness < t.freshness {
		t.staleness = t.freshness
	}
	if t.scheduler == nil {
		t.scheduler = background.NewRunner(background.WithLogger(t.logger))
	}
	return t
}

// Tiers returns the configured tiers, fastest first.
func (t *Tiered) Tiers() []Tier {
	return t.tiers
}

// Get returns the first entry found walking the tiers in order and copies it
// into every faster tier. Tier failures are logged and treated as misses.
func (t *Tiered) Get(ctx context.Context, namespace, key string) (entry Entry, stale, found bool) {
	now := t.now()

	for i, tier := range t.tiers {
		e, ok, err := tier.Get(ctx, namespace, key)
		if err != nil {
			t.logger.WithContext(ctx).Warn("cache tier read failed, treating as miss",
				observability.String("tier", tier.Name()),
				observability.String("namespace", namespace),
				observability.Error(err))
			continue
		}
		if !ok {
			continue
		}

		freshness := e.Classify(now)
		if freshness == Expired {
			continue
		}

		if i > 0 {
			t.fanOut(ctx, "backfill", t.tiers[:i], func(ctx context.Context, tier Tier) error {
				return tier.Set(ctx, namespace, key, e)
			})
		}

		return e, freshness == Stale, true
	}

	return Entry{}, false, false
}

// Set stamps value with fresh deadlines and writes it to every tier. A nil
// value is stored as a negative entry. Tier failures never fail the write.
func (t *Tiered) Set(ctx context.Context, namespace, key string, value []byte) {
	entry := NewEntry(value, t.now(), t.freshness, t.staleness)
	t.fanOut(ctx, "set", t.tiers, func(ctx context.Context, tier Tier) error {
		return tier.Set(ctx, namespace, key, entry)
	})
}

// Remove deletes key from every tier. Absent keys are not an error.
func (t *Tiered) Remove(ctx context.Context, namespace, key string) {
	t.fanOut(ctx, "remove", t.tiers, func(ctx context.Context, tier Tier) error {
		return tier.Remove(ctx, namespace, key)
	})
}

// fanOut runs op on tiers concurrently and waits for all of them.
func (t *Tiered) fanOut(ctx context.Context, op string, tiers []Tier, fn func(context.Context, Tier) error) {
	var wg sync.WaitGroup
	for _, tier := range tiers {
		wg.Add(1)
		go func(tier Tier) {
			defer wg.Done()
			if err := fn(ctx, tier); err != nil {
				var tierErr *TierError
				if !errors.As(err, &tierErr) {
					// tiers that return untyped errors are counted here
					GetCacheMetrics().tierErrorsTotal.WithLabelValues(tier.Name(), op).Inc()
				}
				t.logger.WithContext(ctx).Warn("cache tier write failed",
					observability.String("tier", tier.Name()),
					observability.String("op", op),
					observability.Error(err))
			}
		}(tier)
	}
	wg.Wait()
}

// Close closes every tier and returns the joined errors.
func (t *Tiered) Close() error {
	var errs []error
	for _, tier := range t.tiers {
		if err := tier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s tier: %w", tier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Loader fetches a value from the origin. A nil value with a nil error
// means the origin knows the key is absent and is cached as such.
type Loader[V any] func(ctx context.Context) (*V, error)

// WithCache returns the cached value for key, loading it from the origin on
// a miss. Stale hits are returned immediately and refreshed in the
// background; only a failed load on a miss returns an error.
func WithCache[V any](ctx context.Context, t *Tiered, ns Namespace[V], key string, load Loader[V]) (*V, error) {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.WithCache")
	defer span.End()
	span.SetAttributes(attribute.String("cache.namespace", ns.name))

	metrics := GetCacheMetrics()

	entry, stale, found := t.Get(ctx, ns.name, key)
	if found {
		v, err := decode[V](entry.Value)
		if err == nil {
			freshness := Fresh
			if stale {
				freshness = Stale
				scheduleRefresh(ctx, t, ns, key, load)
			}
			metrics.hitsTotal.WithLabelValues(ns.name, freshness.String()).Inc()
			span.SetAttributes(attribute.String("cache.result", freshness.String()))
			return v, nil
		}

		t.logger.WithContext(ctx).Error("discarding undecodable cache entry",
			observability.String("namespace", ns.name),
			observability.Error(err))
		t.Remove(ctx, ns.name, key)
	}

	metrics.missesTotal.WithLabelValues(ns.name).Inc()
	span.SetAttributes(attribute.String("cache.result", "miss"))

	raw, err, _ := t.loads.Do(ns.name+"\x00"+key, func() (interface{}, error) {
		return loadAndStore(ctx, t, ns, key, load)
	})
	if err != nil {
		metrics.loadsTotal.WithLabelValues(ns.name, "error").Inc()
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, &Error{Namespace: ns.name, Key: key, Err: err}
	}
	metrics.loadsTotal.WithLabelValues(ns.name, "ok").Inc()

	// each caller decodes its own copy so shared loads never alias values
	return decode[V](raw.([]byte))
}

// Set encodes v and writes it to every tier of t.
func Set[V any](ctx context.Context, t *Tiered, ns Namespace[V], key string, v *V) error {
	raw, err := encode(v)
	if err != nil {
		return err
	}
	t.Set(ctx, ns.name, key, raw)
	return nil
}

// Peek returns the cached value for key without loading or refreshing it.
// found is false on a miss or an undecodable entry.
func Peek[V any](ctx context.Context, t *Tiered, ns Namespace[V], key string) (v *V, found bool) {
	entry, _, found := t.Get(ctx, ns.name, key)
	if !found {
		return nil, false
	}
	v, err := decode[V](entry.Value)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Remove deletes key of ns from every tier of t.
func Remove[V any](ctx context.Context, t *Tiered, ns Namespace[V], key string) {
	t.Remove(ctx, ns.name, key)
}

func loadAndStore[V any](ctx context.Context, t *Tiered, ns Namespace[V], key string, load Loader[V]) ([]byte, error) {
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.loadTimeout)
	defer cancel()

	start := time.Now()
	v, err := load(loadCtx)
	GetCacheMetrics().loadDuration.WithLabelValues(ns.name).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	raw, err := encode(v)
	if err != nil {
		return nil, err
	}
	t.Set(loadCtx, ns.name, key, raw)
	return raw, nil
}

func scheduleRefresh[V any](ctx context.Context, t *Tiered, ns Namespace[V], key string, load Loader[V]) {
	refreshKey := ns.name + "\x00" + key
	if _, running := t.refreshing.LoadOrStore(refreshKey, struct{}{}); running {
		return
	}

	t.scheduler.Go(ctx, "cache.refresh."+ns.name, func(ctx context.Context) error {
		defer t.refreshing.Delete(refreshKey)

		if _, err := loadAndStore(ctx, t, ns, key, load); err != nil {
			GetCacheMetrics().refreshesTotal.WithLabelValues(ns.name, "error").Inc()
			return fmt.Errorf("refresh %s: %w", ns.name, err)
		}
		GetCacheMetrics().refreshesTotal.WithLabelValues(ns.name, "ok").Inc()
		return nil
	})
}

func encode[V any](v *V) ([]byte, error) {
	if v == nil {
		return nullValue, nil
	}
	return json.Marshal(v)
}

func decode[V any](raw []byte) (*V, error) {
	if (Entry{Value: raw}).IsNull() {
		return nil, nil
	}
	v := new(V)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptEntry, err)
	}
	return v, nil
}
