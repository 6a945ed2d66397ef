package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avakeys/internal/background"
)

type widget struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var widgetNS = MustNamespace[widget](ApiByID)

// failingTier fails every operation.
type failingTier struct{}

func (failingTier) Name() string { return "broken" }
func (failingTier) Get(context.Context, string, string) (Entry, bool, error) {
	return Entry{}, false, errors.New("boom")
}
func (failingTier) Set(context.Context, string, string, Entry) error { return errors.New("boom") }
func (failingTier) Remove(context.Context, string, string) error     { return errors.New("boom") }
func (failingTier) Close() error                                     { return nil }

type tieredFixture struct {
	clock  *fakeClock
	fast   *MemoryTier
	slow   *MemoryTier
	runner *background.Runner
	cache  *Tiered
}

func newTieredFixture(t *testing.T) *tieredFixture {
	t.Helper()

	clock := newFakeClock()
	f := &tieredFixture{
		clock:  clock,
		fast:   NewMemoryTier(WithMemoryClock(clock.Now)),
		slow:   NewMemoryTier(WithMemoryClock(clock.Now)),
		runner: background.NewRunner(),
	}
	f.cache = NewTiered([]Tier{f.fast, f.slow},
		WithClock(clock.Now),
		WithFreshness(time.Minute),
		WithStaleness(time.Hour),
		WithScheduler(f.runner),
	)
	t.Cleanup(func() {
		_ = f.runner.Shutdown(context.Background())
		_ = f.cache.Close()
	})
	return f
}

func countingLoader(calls *atomic.Int32, v *widget, err error) Loader[widget] {
	return func(context.Context) (*widget, error) {
		calls.Add(1)
		return v, err
	}
}

func TestTiered_GetBackfillsFasterTiers(t *testing.T) {
	t.Parallel()
	f := newTieredFixture(t)
	ctx := context.Background()

	entry := NewEntry([]byte(`{"id":"w"}`), f.clock.Now(), time.Minute, time.Hour)
	require.NoError(t, f.slow.Set(ctx, ApiByID, "w", entry))

	got, stale, found := f.cache.Get(ctx, ApiByID, "w")
	require.True(t, found)
	assert.False(t, stale)
	assert.Equal(t, entry, got)

	backfilled, ok, err := f.fast.Get(ctx, ApiByID, "w")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry, backfilled)
}

func TestTiered_TierErrorsDegradeToMiss(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	healthy := NewMemoryTier(WithMemoryClock(clock.Now))
	tiered := NewTiered([]Tier{failingTier{}, healthy}, WithClock(clock.Now))
	defer tiered.Close()

	ctx := context.Background()

	_, _, found := tiered.Get(ctx, ApiByID, "x")
	assert.False(t, found)

	tiered.Set(ctx, ApiByID, "x", []byte(`{"id":"x"}`))
	_, _, found = tiered.Get(ctx, ApiByID, "x")
	assert.True(t, found)

	tiered.Remove(ctx, ApiByID, "x")
	_, _, found = tiered.Get(ctx, ApiByID, "x")
	assert.False(t, found)
}

func TestWithCache_MissLoadsAndStores(t *testing.T) {
	t.Parallel()
	f := newTieredFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	load := countingLoader(&calls, &widget{ID: "w1", Name: "first"}, nil)

	got, err := WithCache(ctx, f.cache, widgetNS, "w1", load)
	require.NoError(t, err)
	assert.Equal(t, &widget{ID: "w1", Name: "first"}, got)

	got, err = WithCache(ctx, f.cache, widgetNS, "w1", load)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)
	assert.Equal(t, int32(1), calls.Load())

	for _, tier := range []*MemoryTier{f.fast, f.slow} {
		_, ok, err := tier.Get(ctx, ApiByID, "w1")
		require.NoError(t, err)
		assert.True(t, ok, tier.Name())
	}
}

func TestWithCache_StaleServedThenRefreshed(t *testing.T) {
	t.Parallel()
	f := newTieredFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	_, err := WithCache(ctx, f.cache, widgetNS, "w", countingLoader(&calls, &widget{ID: "w", Name: "old"}, nil))
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)

	got, err := WithCache(ctx, f.cache, widgetNS, "w", countingLoader(&calls, &widget{ID: "w", Name: "new"}, nil))
	require.NoError(t, err)
	assert.Equal(t, "old", got.Name, "stale value is served immediately")

	require.NoError(t, f.runner.Wait(ctx))
	assert.Equal(t, int32(2), calls.Load())

	entry, stale, found := f.cache.Get(ctx, ApiByID, "w")
	require.True(t, found)
	assert.False(t, stale)
	assert.JSONEq(t, `{"id":"w","name":"new"}`, string(entry.Value))
}

func TestWithCache_StaleRefreshFailureKeepsServing(t *testing.T) {
	t.Parallel()
	f := newTieredFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	_, err := WithCache(ctx, f.cache, widgetNS, "w", countingLoader(&calls, &widget{ID: "w", Name: "old"}, nil))
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)

	got, err := WithCache(ctx, f.cache, widgetNS, "w", countingLoader(&calls, nil, errors.New("origin down")))
	require.NoError(t, err)
	assert.Equal(t, "old", got.Name)
	require.NoError(t, f.runner.Wait(ctx))

	_, stale, found := f.cache.Get(ctx, ApiByID, "w")
	assert.True(t, found)
	assert.True(t, stale)
}

func TestWithCache_ExpiredReloadsSynchronously(t *testing.T) {
	t.Parallel()
	f := newTieredFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	_, err := WithCache(ctx, f.cache, widgetNS, "w", countingLoader(&calls, &widget{Name: "old"}, nil))
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)

	got, err := WithCache(ctx, f.cache, widgetNS, "w", countingLoader(&calls, &widget{Name: "new"}, nil))
	require.NoError(t, err)
	assert.Equal(t, "new", got.Name)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWithCache_NegativeCaching(t *testing.T) {
	t.Parallel()
	f := newTieredFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	load := countingLoader(&calls, nil, nil)

	got, err := WithCache(ctx, f.cache, widgetNS, "missing", load)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = WithCache(ctx, f.cache, widgetNS, "missing", load)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, int32(1), calls.Load(), "absence is cached")

	entry, _, found := f.cache.Get(ctx, ApiByID, "missing")
	require.True(t, found)
	assert.True(t, entry.IsNull())
}

func TestWithCache_LoadErrorOnMiss(t *testing.T) {
	t.Parallel()
	f := newTieredFixture(t)
	ctx := context.Background()

	originErr := errors.New("db unavailable")
	var calls atomic.Int32

	got, err := WithCache(ctx, f.cache, widgetNS, "w", countingLoader(&calls, nil, originErr))
	require.Error(t, err)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrLoad)
	assert.ErrorIs(t, err, originErr)

	var cacheErr *Error
	require.ErrorAs(t, err, &cacheErr)
	assert.Equal(t, ApiByID, cacheErr.Namespace)
	assert.Equal(t, "w", cacheErr.Key)

	// failures are not cached
	_, _, found := f.cache.Get(ctx, ApiByID, "w")
	assert.False(t, found)
}

func TestWithCache_ConcurrentMissesShareOneLoad(t *testing.T) {
	t.Parallel()
	f := newTieredFixture(t)
	ctx := context.Background()

	release := make(chan struct{})
	var calls atomic.Int32
	load := func(context.Context) (*widget, error) {
		calls.Add(1)
		<-release
		return &widget{ID: "w"}, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*widget, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := WithCache(ctx, f.cache, widgetNS, "w", load)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(callers))
	for i := 1; i < callers; i++ {
		require.NotNil(t, results[i])
		assert.NotSame(t, results[0], results[i])
	}
}

func TestWithCache_CorruptEntryIsReloaded(t *testing.T) {
	t.Parallel()
	f := newTieredFixture(t)
	ctx := context.Background()

	require.NoError(t, f.fast.Set(ctx, ApiByID, "w", NewEntry([]byte(`[1,2]`), f.clock.Now(), time.Minute, time.Hour)))

	var calls atomic.Int32
	got, err := WithCache(ctx, f.cache, widgetNS, "w", countingLoader(&calls, &widget{ID: "w"}, nil))
	require.NoError(t, err)
	assert.Equal(t, "w", got.ID)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSetAndRemove_Typed(t *testing.T) {
	t.Parallel()
	f := newTieredFixture(t)
	ctx := context.Background()

	require.NoError(t, Set(ctx, f.cache, widgetNS, "w", &widget{ID: "w", Name: "set"}))

	var calls atomic.Int32
	got, err := WithCache(ctx, f.cache, widgetNS, "w", countingLoader(&calls, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, "set", got.Name)
	assert.Zero(t, calls.Load())

	Remove(ctx, f.cache, widgetNS, "w")
	_, _, found := f.cache.Get(ctx, ApiByID, "w")
	assert.False(t, found)
}

func TestTiered_StalenessClampedToFreshness(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tier := NewMemoryTier(WithMemoryClock(clock.Now))
	tiered := NewTiered([]Tier{tier}, WithClock(clock.Now), WithFreshness(time.Hour), WithStaleness(time.Minute))
	defer tiered.Close()

	tiered.Set(context.Background(), ApiByID, "k", []byte(`1`))
	entry, _, found := tiered.Get(context.Background(), ApiByID, "k")
	require.True(t, found)
	assert.Equal(t, entry.FreshUntil, entry.StaleUntil)
}

func TestPeek_DoesNotLoad(t *testing.T) {
	t.Parallel()
	f := newTieredFixture(t)
	ctx := context.Background()

	v, found := Peek(ctx, f.cache, widgetNS, "w")
	assert.False(t, found)
	assert.Nil(t, v)

	require.NoError(t, Set(ctx, f.cache, widgetNS, "w", &widget{ID: "w", Name: "cached"}))
	v, found = Peek(ctx, f.cache, widgetNS, "w")
	require.True(t, found)
	assert.Equal(t, "cached", v.Name)

	require.NoError(t, Set[widget](ctx, f.cache, widgetNS, "absent", nil))
	v, found = Peek(ctx, f.cache, widgetNS, "absent")
	assert.True(t, found)
	assert.Nil(t, v)
}
