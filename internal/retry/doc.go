// Package retry retries calls to remote dependencies with capped
// exponential backoff and jitter.
//
// It is used where a short outage should be ridden out rather than
// surfaced: connecting to the database at startup and talking to the
// Redis cache tier.
//
//	err := retry.Do(ctx, &retry.Config{MaxRetries: 5}, db.Ping, &retry.Options{
//	    OnRetry: func(attempt int, err error, backoff time.Duration) {
//	        logger.Warn("database not ready", observability.Error(err))
//	    },
//	})
//
// Wrap an error with Permanent to stop retrying immediately.
package retry
