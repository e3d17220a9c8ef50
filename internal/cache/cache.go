package cache

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
	"unicode/utf16"
)

// Clock supplies the current time. Injected so tests can control expiry
// and eviction ordering deterministically.
type Clock func() time.Time

// Entry is one cached value with its bookkeeping.
type Entry struct {
	Key       string    `json:"key"`
	Data      any       `json:"data"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
	ModTime   time.Time `json:"mtime,omitempty"`

	size int64
}

// Limits bounds a cache by entry count and estimated memory. Both caps are
// enforced by eviction after every write, never by blocking writers.
type Limits struct {
	MaxEntries int
	MaxBytes   int64
	TTL        time.Duration
}

// pruneTarget is the fraction of each cap eviction shrinks the cache to.
const pruneTarget = 0.8

// Cache is the bounded store shared by the file and workflow-output caches.
// Safe for concurrent use within one process; it is deliberately not shared
// across invocations.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	total   int64
	limits  Limits
	clock   Clock
}

// New creates a bounded cache. A nil clock defaults to time.Now.
func New(limits Limits, clock Clock) *Cache {
	if clock == nil {
		clock = time.Now
	}
	return &Cache{
		entries: make(map[string]*Entry),
		limits:  limits,
		clock:   clock,
	}
}

// Get returns the cached entry if present and not expired. Expired entries
// are evicted on access.
func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.clock().After(e.ExpiresAt) {
		c.removeLocked(key)
		return nil, false
	}
	return e, true
}

// Put stores a value and prunes if either cap is exceeded.
func (c *Cache) Put(key string, data any, modTime time.Time) *Entry {
	return c.put(key, data, modTime, c.clock().Add(c.limits.TTL))
}

// PutUntil stores a value with an explicit expiry instead of a fresh TTL.
// Re-hydrating a persisted entry must not extend its remaining lifetime.
func (c *Cache) PutUntil(key string, data any, expiresAt time.Time) *Entry {
	return c.put(key, data, time.Time{}, expiresAt)
}

func (c *Cache) put(key string, data any, modTime, expiresAt time.Time) *Entry {
	e := &Entry{
		Key:       key,
		Data:      data,
		CachedAt:  c.clock(),
		ExpiresAt: expiresAt,
		ModTime:   modTime,
		size:      EstimateSize(data),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(key)
	c.entries[key] = e
	c.total += e.size
	c.pruneLocked()
	return e
}

// Delete removes a key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Bytes returns the summed estimated size of all entries.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Snapshot returns a copy of all live entries, oldest first. Used by the
// workflow-output cache to persist its state.
func (c *Cache) Snapshot() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CachedAt.Before(out[j].CachedAt) })
	return out
}

// SweepExpired drops every expired entry and reports how many were removed.
// Get already evicts lazily; the sweep exists for long-lived processes where
// cold keys would otherwise never be touched again.
func (c *Cache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	removed := 0
	for key, e := range c.entries {
		if now.After(e.ExpiresAt) {
			c.removeLocked(key)
			removed++
		}
	}
	return removed
}

func (c *Cache) removeLocked(key string) {
	if e, ok := c.entries[key]; ok {
		c.total -= e.size
		delete(c.entries, key)
	}
}

// pruneLocked evicts oldest-first until the cache is at 80% of the count
// cap AND 80% of the byte cap. Triggered only when a hard cap is exceeded.
func (c *Cache) pruneLocked() {
	countExceeded := c.limits.MaxEntries > 0 && len(c.entries) > c.limits.MaxEntries
	bytesExceeded := c.limits.MaxBytes > 0 && c.total > c.limits.MaxBytes
	if !countExceeded && !bytesExceeded {
		return
	}

	targetCount := len(c.entries)
	if c.limits.MaxEntries > 0 {
		targetCount = int(float64(c.limits.MaxEntries) * pruneTarget)
	}
	targetBytes := c.total
	if c.limits.MaxBytes > 0 {
		targetBytes = int64(float64(c.limits.MaxBytes) * pruneTarget)
	}

	ordered := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].CachedAt.Before(ordered[j].CachedAt) })

	for _, e := range ordered {
		if len(c.entries) <= targetCount && c.total <= targetBytes {
			break
		}
		c.removeLocked(e.Key)
	}
}

// EstimateSize approximates the in-memory footprint of a value. Primitives
// are sized by type (strings at UTF-16 width, numbers and bools at fixed
// width); objects and arrays are serialized and measured by byte length as
// a proxy rather than walked recursively, trading exactness for speed.
func EstimateSize(v any) int64 {
	switch val := v.(type) {
	case nil:
		return 0
	case string:
		return int64(len(utf16.Encode([]rune(val)))) * 2
	case bool:
		return 4
	case int, int32, int64, float32, float64:
		return 8
	case []byte:
		return int64(len(val))
	case json.RawMessage:
		return int64(len(val))
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return 64 // opaque value; charge a flat nominal cost
		}
		return int64(len(b))
	}
}
