package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileCache_ServesFromCacheWithoutReRead(t *testing.T) {
	path := writeTemp(t, "a.json", `{"x":1}`)
	fc := DefaultFileCache()

	first, err := fc.Read(path)
	require.NoError(t, err)

	// Swap the read function out: a second read must not hit the disk.
	fc.read = func(string) ([]byte, error) {
		t.Fatal("unexpected re-read of unchanged file")
		return nil, nil
	}
	second, err := fc.Read(path)
	require.NoError(t, err)

	// Identical in-memory object, not a fresh copy.
	assert.Same(t, &first[0], &second[0])
}

func TestFileCache_MtimeChangeInvalidates(t *testing.T) {
	path := writeTemp(t, "a.json", `{"x":1}`)
	fc := DefaultFileCache()

	_, err := fc.Read(path)
	require.NoError(t, err)

	// Touch the file with new content and a bumped mtime.
	require.NoError(t, os.WriteFile(path, []byte(`{"x":2}`), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	data, err := fc.Read(path)
	require.NoError(t, err)
	assert.Equal(t, `{"x":2}`, string(data))
}

func TestFileCache_MissingFileIsDependencyError(t *testing.T) {
	fc := DefaultFileCache()
	_, err := fc.Read(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEPENDENCY_ERROR")
}

func TestOutputCache_MemoryThenDisk(t *testing.T) {
	persist := filepath.Join(t.TempDir(), "outputs.json")
	oc := DefaultOutputCache(persist)

	key := Key("run1", "step1", []string{"in.json"})
	oc.Put(key, map[string]any{"result": "ok"})

	// Fresh cache instance simulates a process restart; the persisted
	// record re-hydrates memory.
	oc2 := DefaultOutputCache(persist)
	got, ok := oc2.Get(key)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"result": "ok"}, got)

	// Second read is served from the re-hydrated memory.
	entries, _ := oc2.Stats()
	assert.Equal(t, 1, entries)
}

func TestOutputCache_MissWithoutPersistence(t *testing.T) {
	oc := NewOutputCache(Limits{MaxEntries: 10, MaxBytes: 1 << 20, TTL: time.Hour}, nil, "")
	_, ok := oc.Get(Key("r", "s", nil))
	assert.False(t, ok)
}

func TestOutputCache_RehydrationKeepsRemainingLifetime(t *testing.T) {
	persist := filepath.Join(t.TempDir(), "outputs.json")
	clock, advance := fakeClock(time.Unix(9000, 0))
	limits := Limits{MaxEntries: 10, MaxBytes: 1 << 20, TTL: time.Minute}

	oc := NewOutputCache(limits, clock, persist)
	key := Key("run1", "s", nil)
	oc.Put(key, "v")

	// Restart 50s in: the disk hit re-hydrates memory with the 10s that
	// remain, not a fresh minute.
	advance(50 * time.Second)
	oc2 := NewOutputCache(limits, clock, persist)
	_, ok := oc2.Get(key)
	require.True(t, ok)

	advance(11 * time.Second)
	_, ok = oc2.Get(key)
	assert.False(t, ok, "re-hydrated entry must expire at the persisted deadline")
}

func TestOutputCache_ExpiredPersistedEntryIsMiss(t *testing.T) {
	persist := filepath.Join(t.TempDir(), "outputs.json")

	clock, advance := fakeClock(time.Unix(5000, 0))
	oc := NewOutputCache(Limits{MaxEntries: 10, MaxBytes: 1 << 20, TTL: time.Minute}, clock, persist)

	key := Key("run1", "s", nil)
	oc.Put(key, "v")
	advance(2 * time.Minute)

	oc2 := NewOutputCache(Limits{MaxEntries: 10, MaxBytes: 1 << 20, TTL: time.Minute}, clock, persist)
	_, ok := oc2.Get(key)
	assert.False(t, ok)
}
