package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avakeys/internal/config"
)

// setupMiniRedis creates a miniredis server for testing.
func setupMiniRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	return mr
}

func newTestRedisTier(t *testing.T, mr *miniredis.Miniredis, opts ...RedisOption) *RedisTier {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisTierFromClient(client, opts...)
}

func TestNewRedisTier(t *testing.T) {
	mr := setupMiniRedis(t)

	tests := []struct {
		name      string
		cfg       *config.RedisCacheConfig
		expectErr bool
	}{
		{
			name: "valid config",
			cfg: &config.RedisCacheConfig{
				Enabled: true,
				URL:     "redis://" + mr.Addr(),
			},
		},
		{
			name: "with pool size and prefix",
			cfg: &config.RedisCacheConfig{
				Enabled:   true,
				URL:       "redis://" + mr.Addr(),
				PoolSize:  4,
				KeyPrefix: "edge:",
			},
		},
		{
			name: "invalid URL",
			cfg: &config.RedisCacheConfig{
				Enabled: true,
				URL:     "not-a-url://",
			},
			expectErr: true,
		},
		{
			name: "unreachable",
			cfg: &config.RedisCacheConfig{
				Enabled:     true,
				URL:         "redis://127.0.0.1:1",
				DialTimeout: config.Duration(50 * time.Millisecond),
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier, err := NewRedisTier(tt.cfg)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, tier.Ping(context.Background()))
			assert.NoError(t, tier.Close())
		})
	}
}

func TestRedisTier_SetGetRemove(t *testing.T) {
	mr := setupMiniRedis(t)
	clock := newFakeClock()
	tier := newTestRedisTier(t, mr, WithRedisClock(clock.Now), WithKeyPrefix("test:"))

	ctx := context.Background()
	entry := NewEntry([]byte(`{"id":"api_1"}`), clock.Now(), time.Minute, time.Hour)

	require.NoError(t, tier.Set(ctx, ApiByID, "api_1", entry))
	assert.True(t, mr.Exists("test:apiById:api_1"))
	assert.Equal(t, time.Hour, mr.TTL("test:apiById:api_1"))

	got, ok, err := tier.Get(ctx, ApiByID, "api_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry.FreshUntil, got.FreshUntil)
	assert.Equal(t, entry.StaleUntil, got.StaleUntil)
	assert.JSONEq(t, `{"id":"api_1"}`, string(got.Value))

	require.NoError(t, tier.Remove(ctx, ApiByID, "api_1"))
	_, ok, err = tier.Get(ctx, ApiByID, "api_1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, tier.Remove(ctx, ApiByID, "absent"))
}

func TestRedisTier_NegativeEntry(t *testing.T) {
	mr := setupMiniRedis(t)
	tier := newTestRedisTier(t, mr)

	ctx := context.Background()
	require.NoError(t, tier.Set(ctx, KeyByHash, "h", NewEntry(nil, time.Now(), time.Minute, time.Hour)))

	got, ok, err := tier.Get(ctx, KeyByHash, "h")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.IsNull())
}

func TestRedisTier_ExpiredEntryIsMiss(t *testing.T) {
	mr := setupMiniRedis(t)
	clock := newFakeClock()
	tier := newTestRedisTier(t, mr, WithRedisClock(clock.Now))

	ctx := context.Background()
	require.NoError(t, tier.Set(ctx, KeyByHash, "h", NewEntry([]byte(`1`), clock.Now(), time.Second, 2*time.Second)))

	// the server TTL has not fired yet but the entry is past its stale deadline
	clock.Advance(3 * time.Second)
	_, ok, err := tier.Get(ctx, KeyByHash, "h")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists(DefaultRedisKeyPrefix+"keyByHash:h"))
}

func TestRedisTier_SkipsAlreadyExpiredWrites(t *testing.T) {
	mr := setupMiniRedis(t)
	clock := newFakeClock()
	tier := newTestRedisTier(t, mr, WithRedisClock(clock.Now))

	entry := NewEntry([]byte(`1`), clock.Now().Add(-time.Hour), time.Second, time.Second)
	require.NoError(t, tier.Set(context.Background(), KeyByHash, "old", entry))
	assert.Empty(t, mr.Keys())
}

func TestRedisTier_CorruptEntry(t *testing.T) {
	mr := setupMiniRedis(t)
	tier := newTestRedisTier(t, mr)

	require.NoError(t, mr.Set(DefaultRedisKeyPrefix+"keyByHash:bad", "{not json"))

	_, ok, err := tier.Get(context.Background(), KeyByHash, "bad")
	require.Error(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrCorruptEntry)

	var tierErr *TierError
	require.ErrorAs(t, err, &tierErr)
	assert.Equal(t, TierRedis, tierErr.Tier)
	assert.Equal(t, "get", tierErr.Op)
}

func TestRedisTier_ServerDownReturnsTierError(t *testing.T) {
	mr := setupMiniRedis(t)
	tier := newTestRedisTier(t, mr)
	mr.Close()

	_, _, err := tier.Get(context.Background(), KeyByHash, "h")
	var tierErr *TierError
	require.ErrorAs(t, err, &tierErr)
	assert.Equal(t, TierRedis, tierErr.Tier)

	err = tier.Set(context.Background(), KeyByHash, "h", NewEntry([]byte(`1`), time.Now(), time.Minute, time.Hour))
	assert.ErrorAs(t, err, &tierErr)
}

func TestApplyTTLJitter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Minute, applyTTLJitter(time.Minute, 0))
	assert.Equal(t, time.Duration(0), applyTTLJitter(0, 0.5))

	for i := 0; i < 100; i++ {
		got := applyTTLJitter(time.Minute, 0.1)
		assert.GreaterOrEqual(t, got, 54*time.Second)
		assert.LessOrEqual(t, got, 66*time.Second)
	}

	// factors above 1 are clamped and the result stays positive
	for i := 0; i < 100; i++ {
		assert.Greater(t, applyTTLJitter(time.Second, 5), time.Duration(0))
	}
}
