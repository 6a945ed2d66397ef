package counter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisBackendFromClient(client, "test:", zaptest.NewLogger(t)), mr
}

func TestRedisBackend_Take(t *testing.T) {
	t.Parallel()

	b, mr := newTestRedisBackend(t)
	ctx := context.Background()

	ok, current, err := b.Take(ctx, "k:1000", 2, 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), current)
	assert.Equal(t, time.Second, mr.TTL("test:k:1000"))

	ok, current, err = b.Take(ctx, "k:1000", 2, 3, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(2), current)

	ok, current, err = b.Take(ctx, "k:1000", 1, 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(3), current)

	mr.FastForward(time.Second)
	v, err := b.Get(ctx, "k:1000")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestRedisBackend_PeekDoesNotCreate(t *testing.T) {
	t.Parallel()

	b, mr := newTestRedisBackend(t)

	ok, current, err := b.Take(context.Background(), "k", 0, 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), current)
	assert.False(t, mr.Exists("test:k"))
}

func TestRedisBackend_Unavailable(t *testing.T) {
	t.Parallel()

	b, mr := newTestRedisBackend(t)
	require.NoError(t, b.Ping(context.Background()))
	mr.Close()

	assert.Error(t, b.Ping(context.Background()))
	_, _, err := b.Take(context.Background(), "k", 1, 3, time.Second)
	assert.Error(t, err)
	_, err = b.Get(context.Background(), "k")
	assert.Error(t, err)
}

func TestNewRedisBackend(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	b, err := NewRedisBackend(context.Background(), RedisConfig{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	assert.Equal(t, DefaultRedisPrefix, b.prefix)
	require.NoError(t, b.Close())

	_, err = NewRedisBackend(context.Background(), RedisConfig{URL: "://bad"})
	assert.Error(t, err)
}
