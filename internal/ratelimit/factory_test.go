package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avakeys/internal/config"
	"github.com/vyrodovalexey/avakeys/internal/observability"
	"github.com/vyrodovalexey/avakeys/internal/ratelimit/counter"
)

func TestNewFromConfig(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	logger := observability.NopLogger()

	l, err := NewFromConfig(ctx, &config.RatelimitConfig{Backend: config.RatelimitBackendMemory, Actors: 2}, logger, nil)
	require.NoError(t, err)
	assert.IsType(t, &counter.MemoryBackend{}, l.backend)
	assert.Len(t, l.actors, 2)
	require.NoError(t, l.Close())

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	l, err = NewFromConfig(ctx, &config.RatelimitConfig{
		Backend:  config.RatelimitBackendRedis,
		RedisURL: "redis://" + mr.Addr(),
		Breaker:  config.BreakerConfig{Enabled: true},
	}, logger, nil)
	require.NoError(t, err)
	defer l.Close()
	assert.NotNil(t, l.breaker)

	resp, err := l.Limit(ctx, Request{Identifier: "id", Limit: 2, Interval: time.Second, Cost: 1})
	require.NoError(t, err)
	assert.True(t, resp.Pass)
	assert.Equal(t, int64(1), resp.Remaining)

	_, err = NewFromConfig(ctx, &config.RatelimitConfig{Backend: "etcd"}, logger, nil)
	assert.Error(t, err)
}
