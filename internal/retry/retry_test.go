package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(retries int) *Config {
	return &Config{
		MaxRetries:     retries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		JitterFactor:   0.1,
	}
}

func TestConfig_Getters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     *Config
		retries int
		initial time.Duration
		max     time.Duration
		jitter  float64
	}{
		{"nil config", nil, 3, 100 * time.Millisecond, 30 * time.Second, 0.25},
		{"zero values", &Config{}, 3, 100 * time.Millisecond, 30 * time.Second, 0.25},
		{"custom", &Config{MaxRetries: 5, InitialBackoff: time.Second, MaxBackoff: time.Minute, JitterFactor: 0.5}, 5, time.Second, time.Minute, 0.5},
		{"jitter capped", &Config{JitterFactor: 3}, 3, 100 * time.Millisecond, 30 * time.Second, 1.0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.retries, tt.cfg.GetMaxRetries())
			assert.Equal(t, tt.initial, tt.cfg.GetInitialBackoff())
			assert.Equal(t, tt.max, tt.cfg.GetMaxBackoff())
			assert.Equal(t, tt.jitter, tt.cfg.GetJitterFactor())
		})
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	var retried []int
	err := Do(context.Background(), fastConfig(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, &Options{OnRetry: func(attempt int, _ error, _ time.Duration) {
		retried = append(retried, attempt)
	}})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_Exhausted(t *testing.T) {
	t.Parallel()

	calls := 0
	sentinel := errors.New("down")
	err := Do(context.Background(), fastConfig(2), func(context.Context) error {
		calls++
		return sentinel
	}, nil)

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestDo_Permanent(t *testing.T) {
	t.Parallel()

	calls := 0
	sentinel := errors.New("bad request")
	err := Do(context.Background(), fastConfig(3), func(context.Context) error {
		calls++
		return Permanent(sentinel)
	}, nil)

	assert.Same(t, sentinel, err)
	assert.Equal(t, 1, calls)
	assert.NoError(t, Permanent(nil))
}

func TestDo_ShouldRetryRejects(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastConfig(3), func(context.Context) error {
		calls++
		return errors.New("nope")
	}, &Options{ShouldRetry: func(error) bool { return false }})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, fastConfig(3), func(context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoValue(t *testing.T) {
	t.Parallel()

	calls := 0
	v, err := DoValue(context.Background(), fastConfig(1), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("first")
		}
		return "ok", nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestCalculateBackoff(t *testing.T) {
	t.Parallel()

	assert.GreaterOrEqual(t, CalculateBackoff(0, 10*time.Millisecond, time.Second, 0.25), 10*time.Millisecond)
	assert.GreaterOrEqual(t, CalculateBackoff(2, 10*time.Millisecond, time.Second, 0.25), 40*time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, CalculateBackoff(10, 10*time.Millisecond, 50*time.Millisecond, 0.25))
}
