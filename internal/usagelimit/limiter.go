// Package usagelimit tracks the remaining credits of limited keys.
//
// Credits are decremented in memory first and written back to the store on
// the background runner, so a verification never waits on the write.
package usagelimit

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/vyrodovalexey/avakeys/internal/background"
	"github.com/vyrodovalexey/avakeys/internal/observability"
	"github.com/vyrodovalexey/avakeys/internal/store"
)

// Defaults.
const (
	DefaultShards             = 64
	DefaultRevalidateInterval = 60 * time.Second
	DefaultIdleTTL            = 10 * time.Minute
)

// Response is the outcome of a Limit call. Remaining is nil for unlimited keys.
type Response struct {
	Valid     bool
	Remaining *int64
}

// Limiter serializes credit changes per key.
type Limiter struct {
	store      store.UsageStore
	scheduler  background.Scheduler
	logger     observability.Logger
	metrics    *Metrics
	now        func() time.Time
	revalidate time.Duration
	idleTTL    time.Duration
	numShards  int
	shards     []*shard
}

type shard struct {
	mu        sync.Mutex
	keys      map[string]*keyState
	lastSweep time.Time
}

// keyState is owned by one key. mu is held for the whole of a Limit or
// reload so changes to a key apply in order. writeMu is held across a
// write-back and its release from pending, and across every reload while
// anything is pending, so a reload never sees a store write that pending
// still counts. An unloaded state has nothing pending. Lock order is
// writeMu then mu.
type keyState struct {
	writeMu sync.Mutex

	// guarded by the shard lock
	refs     int
	lastUsed time.Time

	mu             sync.Mutex
	loaded         bool
	found          bool
	remaining      *int64
	pending        int64
	lastRevalidate time.Time
	revalidating   bool
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithScheduler sets the runner used for write-back and revalidation.
func WithScheduler(s background.Scheduler) Option {
	return func(l *Limiter) {
		l.scheduler = s
	}
}

// WithRevalidateInterval sets how old in-memory state may get before it is
// reloaded from the store in the background.
func WithRevalidateInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.revalidate = d
		}
	}
}

// WithIdleTTL sets how long an unused key stays in memory.
func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.idleTTL = d
		}
	}
}

// WithShards sets the number of key maps.
func WithShards(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.numShards = n
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a Limiter backed by s.
func New(s store.UsageStore, opts ...Option) *Limiter {
	l := &Limiter{
		store:      s,
		logger:     observability.NopLogger(),
		metrics:    GetMetrics(),
		now:        time.Now,
		revalidate: DefaultRevalidateInterval,
		idleTTL:    DefaultIdleTTL,
		numShards:  DefaultShards,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.scheduler == nil {
		l.scheduler = background.NewRunner(background.WithLogger(l.logger))
	}

	l.shards = make([]*shard, l.numShards)
	for i := range l.shards {
		l.shards[i] = &shard{keys: make(map[string]*keyState)}
	}
	return l
}

// Limit spends cost credits of keyID. Unknown keys are never valid. Keys
// without a limit are always valid and spend nothing.
func (l *Limiter) Limit(ctx context.Context, keyID string, cost int64) (Response, error) {
	if cost < 0 {
		return Response{}, fmt.Errorf("usage cost must not be negative, got %d", cost)
	}

	st := l.acquire(keyID)
	defer l.release(keyID, st)

	st.mu.Lock()
	// an unloaded state has nothing pending, so the store is current
	if !st.loaded {
		if err := l.load(ctx, keyID, st); err != nil {
			st.mu.Unlock()
			return Response{}, err
		}
	}
	resp, result, revalidate := l.spend(cost, st)
	st.mu.Unlock()
	l.metrics.decisionsTotal.WithLabelValues(result).Inc()

	// scheduled work takes the state locks itself and may run inline during shutdown
	if revalidate {
		l.scheduleRevalidate(ctx, keyID, st)
	}
	if result == "valid" && cost > 0 {
		l.flush(ctx, keyID, cost, st)
	}
	return resp, nil
}

// spend must be called with st.mu held on a loaded state.
func (l *Limiter) spend(cost int64, st *keyState) (Response, string, bool) {
	revalidate := !st.revalidating && l.now().Sub(st.lastRevalidate) > l.revalidate
	if revalidate {
		st.revalidating = true
	}

	switch {
	case !st.found:
		return Response{Valid: false}, "not_found", revalidate
	case st.remaining == nil:
		return Response{Valid: true}, "unlimited", revalidate
	case *st.remaining < cost:
		return Response{Valid: false, Remaining: ptr(0)}, "exceeded", revalidate
	}

	*st.remaining -= cost
	st.pending += cost
	return Response{Valid: true, Remaining: ptr(*st.remaining)}, "valid", revalidate
}

// Revalidate reloads keyID from the store before returning. It waits for
// write-backs of keyID already in progress.
func (l *Limiter) Revalidate(ctx context.Context, keyID string) error {
	st := l.acquire(keyID)
	defer l.release(keyID, st)

	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	st.mu.Lock()
	defer st.mu.Unlock()
	return l.load(ctx, keyID, st)
}

// Forget marks the in-memory credits of keyID stale. The next Limit loads
// them again, or reloads them in the background if spend is still being
// written back.
func (l *Limiter) Forget(keyID string) {
	sh := l.shard(keyID)
	sh.mu.Lock()
	st, ok := sh.keys[keyID]
	sh.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	if st.pending == 0 {
		st.loaded = false
	} else {
		st.lastRevalidate = time.Time{}
	}
	st.mu.Unlock()
}

func (l *Limiter) shard(keyID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(keyID))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// acquire returns the state of keyID and pins it in memory until release.
func (l *Limiter) acquire(keyID string) *keyState {
	sh := l.shard(keyID)
	now := l.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if now.Sub(sh.lastSweep) > l.idleTTL {
		l.sweep(sh, now)
	}
	st, ok := sh.keys[keyID]
	if !ok {
		st = &keyState{}
		sh.keys[keyID] = st
	}
	st.refs++
	st.lastUsed = now
	return st
}

func (l *Limiter) release(keyID string, st *keyState) {
	sh := l.shard(keyID)
	sh.mu.Lock()
	st.refs--
	sh.mu.Unlock()
}

// sweep drops unpinned states idle for longer than the idle TTL. A pinned
// state has a caller or a scheduled task holding it, so nothing unwritten
// is lost. Must be called with sh.mu held.
func (l *Limiter) sweep(sh *shard, now time.Time) {
	sh.lastSweep = now
	evicted := 0
	for keyID, st := range sh.keys {
		if st.refs == 0 && now.Sub(st.lastUsed) > l.idleTTL {
			delete(sh.keys, keyID)
			evicted++
		}
	}
	if evicted > 0 {
		l.metrics.evictionsTotal.Add(float64(evicted))
	}
}

// load must be called with st.mu held, and with st.writeMu held too unless
// nothing is pending. Credits still being written back are subtracted from
// what the store reports.
func (l *Limiter) load(ctx context.Context, keyID string, st *keyState) error {
	remaining, found, err := l.store.GetRemaining(ctx, keyID)
	if err != nil {
		l.metrics.loadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("load remaining credits of key %s: %w", keyID, err)
	}
	l.metrics.loadsTotal.WithLabelValues("ok").Inc()

	if remaining != nil {
		remaining = ptr(max(*remaining-st.pending, 0))
	}
	st.loaded = true
	st.found = found
	st.remaining = remaining
	st.lastRevalidate = l.now()
	return nil
}

// pin adds a reference to a state the caller already holds pinned.
func (l *Limiter) pin(keyID string, st *keyState) {
	sh := l.shard(keyID)
	sh.mu.Lock()
	st.refs++
	sh.mu.Unlock()
}

// Scheduled tasks keep st pinned until they finish.
func (l *Limiter) scheduleRevalidate(ctx context.Context, keyID string, st *keyState) {
	l.pin(keyID, st)
	l.scheduler.Go(ctx, "usagelimit.revalidate", func(ctx context.Context) error {
		defer l.release(keyID, st)

		st.writeMu.Lock()
		defer st.writeMu.Unlock()
		st.mu.Lock()
		defer st.mu.Unlock()
		st.revalidating = false
		return l.load(ctx, keyID, st)
	})
}

func (l *Limiter) flush(ctx context.Context, keyID string, cost int64, st *keyState) {
	l.pin(keyID, st)
	l.scheduler.Go(ctx, "usagelimit.flush", func(ctx context.Context) error {
		defer l.release(keyID, st)

		st.writeMu.Lock()
		err := l.store.DecrementRemaining(ctx, keyID, cost)
		st.mu.Lock()
		st.pending -= cost
		st.mu.Unlock()
		st.writeMu.Unlock()

		if err != nil {
			l.metrics.flushesTotal.WithLabelValues("error").Inc()
			l.logger.Error("failed to write back usage",
				observability.String("keyId", keyID),
				observability.Int64("cost", cost),
				observability.Error(err))
			return err
		}
		l.metrics.flushesTotal.WithLabelValues("ok").Inc()
		return nil
	})
}

func ptr(v int64) *int64 { return &v }
