// Package ratelimit enforces fixed-window rate limits for keys, identities
// and free-form identifiers.
//
// A window is identified by its start, now - now%interval, and resets at
// start+interval. Counters live in a counter.Backend, either in memory for a
// single instance or in Redis when instances share limits.
//
// Requests come in two modes. Sync requests go through the actor that owns
// the identifier and get an authoritative answer. Async requests are
// answered from a local estimate and reconciled in the background, which
// trades a bounded overshoot for latency:
//
//	resp, err := limiter.Limit(ctx, ratelimit.Request{
//		Identifier: "key:key_123:requests",
//		Limit:      100,
//		Interval:   time.Minute,
//		Cost:       1,
//	})
//	if errors.Is(err, ratelimit.ErrUnavailable) {
//		// fail closed
//	}
package ratelimit
