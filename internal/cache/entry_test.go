package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEntry_Classify(t *testing.T) {
	t.Parallel()

	base := time.UnixMilli(1_700_000_000_000)
	entry := NewEntry([]byte(`"v"`), base, time.Minute, time.Hour)

	tests := []struct {
		name string
		at   time.Time
		want Freshness
	}{
		{name: "at creation", at: base, want: Fresh},
		{name: "just before fresh deadline", at: base.Add(time.Minute - time.Millisecond), want: Fresh},
		{name: "at fresh deadline", at: base.Add(time.Minute), want: Stale},
		{name: "inside stale window", at: base.Add(30 * time.Minute), want: Stale},
		{name: "at stale deadline", at: base.Add(time.Hour), want: Expired},
		{name: "long after", at: base.Add(48 * time.Hour), want: Expired},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, entry.Classify(tt.at))
		})
	}
}

func TestNewEntry_StalenessNeverBelowFreshness(t *testing.T) {
	t.Parallel()

	now := time.Now()
	entry := NewEntry([]byte(`1`), now, time.Hour, time.Minute)

	assert.LessOrEqual(t, entry.FreshUntil, entry.StaleUntil)
	assert.Equal(t, entry.FreshUntil, entry.StaleUntil)
}

func TestNewEntry_NilIsNegative(t *testing.T) {
	t.Parallel()

	entry := NewEntry(nil, time.Now(), time.Minute, time.Hour)

	assert.True(t, entry.IsNull())
	assert.Equal(t, "null", string(entry.Value))
	assert.False(t, NewEntry([]byte(`{}`), time.Now(), time.Minute, time.Hour).IsNull())
}

func TestEntry_TTL(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_000_000)
	entry := NewEntry([]byte(`1`), now, time.Second, 10*time.Second)

	assert.Equal(t, 10*time.Second, entry.TTL(now))
	assert.Equal(t, 4*time.Second, entry.TTL(now.Add(6*time.Second)))
	assert.LessOrEqual(t, entry.TTL(now.Add(time.Minute)), time.Duration(0))
}

func TestFreshness_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "fresh", Fresh.String())
	assert.Equal(t, "stale", Stale.String())
	assert.Equal(t, "expired", Expired.String())
}
