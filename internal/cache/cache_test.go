package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock returns a controllable Clock plus an advance function.
func fakeClock(start time.Time) (Clock, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestCache_PutGet(t *testing.T) {
	c := New(Limits{MaxEntries: 10, MaxBytes: 1 << 20, TTL: time.Minute}, nil)

	c.Put("k", "hello", time.Time{})
	e, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "hello", e.Data)
}

func TestCache_TTLExpiry(t *testing.T) {
	clock, advance := fakeClock(time.Unix(1000, 0))
	c := New(Limits{MaxEntries: 10, MaxBytes: 1 << 20, TTL: time.Minute}, clock)

	c.Put("k", "v", time.Time{})
	advance(61 * time.Second)

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_SweepExpired(t *testing.T) {
	clock, advance := fakeClock(time.Unix(1000, 0))
	c := New(Limits{MaxEntries: 10, MaxBytes: 1 << 20, TTL: time.Minute}, clock)

	c.Put("old", "v", time.Time{})
	advance(30 * time.Second)
	c.Put("fresh", "v", time.Time{})
	advance(45 * time.Second) // "old" is now past TTL, "fresh" is not

	assert.Equal(t, 1, c.SweepExpired())
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("fresh")
	assert.True(t, ok)
}

func TestCache_PruneByCount(t *testing.T) {
	clock, advance := fakeClock(time.Unix(1000, 0))
	c := New(Limits{MaxEntries: 10, MaxBytes: 1 << 30, TTL: time.Hour}, clock)

	for i := 0; i < 11; i++ {
		c.Put(string(rune('a'+i)), i, time.Time{})
		advance(time.Second) // distinct CachedAt for deterministic ordering
	}

	// Exceeding the cap of 10 prunes down to 80% = 8 entries, oldest first.
	assert.Equal(t, 8, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = c.Get(string(rune('a' + 10)))
	assert.True(t, ok, "newest entry should survive")
}

func TestCache_PruneByBytes(t *testing.T) {
	clock, advance := fakeClock(time.Unix(1000, 0))
	// Each 100-char ASCII string estimates at 200 bytes (UTF-16 width).
	c := New(Limits{MaxEntries: 1000, MaxBytes: 1000, TTL: time.Hour}, clock)

	big := make([]rune, 100)
	for i := range big {
		big[i] = 'x'
	}
	for i := 0; i < 6; i++ {
		c.Put(string(rune('a'+i)), string(big), time.Time{})
		advance(time.Second)
	}

	// 6*200 = 1200 > 1000 triggers pruning to <= 800 bytes = 4 entries.
	assert.LessOrEqual(t, c.Bytes(), int64(800))
	assert.Equal(t, 4, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestCache_OverwriteReplacesSize(t *testing.T) {
	c := New(Limits{MaxEntries: 10, MaxBytes: 1 << 20, TTL: time.Hour}, nil)

	c.Put("k", "aaaa", time.Time{})
	first := c.Bytes()
	c.Put("k", "bb", time.Time{})

	assert.Equal(t, 1, c.Len())
	assert.Less(t, c.Bytes(), first)
}

func TestEstimateSize(t *testing.T) {
	assert.Equal(t, int64(0), EstimateSize(nil))
	assert.Equal(t, int64(10), EstimateSize("hello")) // 5 UTF-16 units * 2
	assert.Equal(t, int64(8), EstimateSize(42))
	assert.Equal(t, int64(8), EstimateSize(3.14))
	assert.Equal(t, int64(4), EstimateSize(true))

	// Objects are measured by serialized length, not walked.
	obj := map[string]any{"a": 1}
	assert.Equal(t, int64(len(`{"a":1}`)), EstimateSize(obj))
}

func TestKey_Deterministic(t *testing.T) {
	k1 := Key("run1", "step2", []string{"a.json", "b.json"})
	k2 := Key("run1", "step2", []string{"b.json", "a.json"})
	k3 := Key("run1", "step3", []string{"a.json", "b.json"})

	assert.Equal(t, k1, k2, "input order must not change the key")
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 64)
}
