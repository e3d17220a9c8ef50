package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rendis/runway/pkg/schema"
)

// Default workflow-output cache bounds. The longer TTL reflects that a
// step's output for identical inputs stays valid across invocations.
const (
	DefaultOutputMaxEntries = 500
	DefaultOutputMaxBytes   = 100 << 20 // 100 MiB
	DefaultOutputTTL        = 24 * time.Hour
)

// OutputCache caches computed workflow outputs keyed by a content hash of
// (run, step, inputs). Entries are additionally persisted to disk so they
// survive process restarts: reads check memory first, then fall back to the
// persisted record, re-hydrating memory on hit.
type OutputCache struct {
	cache *Cache
	path  string // persistence file; empty disables persistence
	clock Clock
}

// NewOutputCache creates a workflow-output cache persisted at persistPath
// (pass "" for memory-only, used by dry runs and tests).
func NewOutputCache(limits Limits, clock Clock, persistPath string) *OutputCache {
	if clock == nil {
		clock = time.Now
	}
	return &OutputCache{
		cache: New(limits, clock),
		path:  persistPath,
		clock: clock,
	}
}

// DefaultOutputCache creates an output cache with the default bounds.
func DefaultOutputCache(persistPath string) *OutputCache {
	return NewOutputCache(Limits{
		MaxEntries: DefaultOutputMaxEntries,
		MaxBytes:   DefaultOutputMaxBytes,
		TTL:        DefaultOutputTTL,
	}, nil, persistPath)
}

// Key derives the cache key: a hex SHA-256 over run id, step id, and the
// canonical JSON of the inputs. Input order does not affect the key.
func Key(runID, stepID string, inputs []string) string {
	sorted := append([]string(nil), inputs...)
	sort.Strings(sorted)
	payload, _ := json.Marshal(struct {
		Run    string   `json:"run"`
		Step   string   `json:"step"`
		Inputs []string `json:"inputs"`
	}{runID, stepID, sorted})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Get returns a cached output, consulting memory then disk.
func (oc *OutputCache) Get(key string) (any, bool) {
	if e, ok := oc.cache.Get(key); ok {
		return e.Data, true
	}

	if oc.path == "" {
		return nil, false
	}
	persisted, err := oc.load()
	if err != nil {
		return nil, false
	}
	e, ok := persisted[key]
	if !ok || oc.clock().After(e.ExpiresAt) {
		return nil, false
	}
	// Re-hydrate memory so subsequent reads skip the disk, keeping the
	// persisted entry's remaining lifetime.
	oc.cache.PutUntil(key, e.Data, e.ExpiresAt)
	return e.Data, true
}

// Put stores an output in memory and best-effort persists the cache state.
// Persistence failures are swallowed: the cache is an optimization, never
// a correctness dependency.
func (oc *OutputCache) Put(key string, data any) {
	oc.cache.Put(key, data, time.Time{})
	if oc.path != "" {
		_ = oc.persist()
	}
}

// Prune evicts expired entries and rewrites the persisted state.
func (oc *OutputCache) Prune() {
	oc.SweepExpired()
}

// SweepExpired drops expired entries, rewrites the persisted state, and
// reports how many entries were removed.
func (oc *OutputCache) SweepExpired() int {
	removed := oc.cache.SweepExpired()
	if oc.path != "" {
		_ = oc.persist()
	}
	return removed
}

// Stats reports current in-memory occupancy.
func (oc *OutputCache) Stats() (entries int, bytes int64) {
	return oc.cache.Len(), oc.cache.Bytes()
}

type persistedEntry struct {
	Data      any       `json:"data"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (oc *OutputCache) load() (map[string]persistedEntry, error) {
	raw, err := os.ReadFile(oc.path)
	if err != nil {
		return nil, err
	}
	var out map[string]persistedEntry
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"corrupt output cache at %s: %s", oc.path, err.Error()).WithCause(err)
	}
	return out, nil
}

// persist writes the live in-memory entries, merged over any still-valid
// persisted ones, with last-writer-wins semantics across invocations.
func (oc *OutputCache) persist() error {
	merged := make(map[string]persistedEntry)
	if prev, err := oc.load(); err == nil {
		now := oc.clock()
		for k, e := range prev {
			if now.Before(e.ExpiresAt) {
				merged[k] = e
			}
		}
	}
	for _, e := range oc.cache.Snapshot() {
		merged[e.Key] = persistedEntry{Data: e.Data, CachedAt: e.CachedAt, ExpiresAt: e.ExpiresAt}
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(oc.path), 0o755); err != nil {
		return err
	}
	tmp := oc.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, oc.path)
}
