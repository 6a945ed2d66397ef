// The cache is organised as an ordered list of tiers, fastest first:
//
//   - MemoryTier: per-process LRU with background expiry sweeps
//   - RedisTier: shared edge tier behind a circuit breaker and retry
//
// Every entry carries two deadlines. Until FreshUntil it is served as is;
// until StaleUntil it is served while a single background refresh reloads
// it from the origin; after that it is a miss. A JSON null value is a
// negative entry and records that the origin has no such key.
//
// Namespaces form a closed registry. Each one is bound to exactly one value
// type with MustNamespace, so a namespace cannot be read as two different
// types by two callers.
//
// # Example Usage
//
//	tiered := cache.NewTiered(
//	    []cache.Tier{cache.NewMemoryTier(), redisTier},
//	    cache.WithFreshness(time.Minute),
//	    cache.WithStaleness(24*time.Hour),
//	    cache.WithScheduler(runner),
//	)
//	defer tiered.Close()
//
//	byHash := cache.MustNamespace[Key](cache.KeyByHash)
//	key, err := cache.WithCache(ctx, tiered, byHash, hash, func(ctx context.Context) (*Key, error) {
//	    return store.FindKeyByHash(ctx, hash)
//	})
//
// Tier failures never fail a request: reads degrade to misses and writes are
// skipped. Only an origin failure on a miss is returned, as *Error.
package cache
