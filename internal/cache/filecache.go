package cache

import (
	"os"
	"time"

	"github.com/rendis/runway/pkg/schema"
)

// Default file-cache bounds.
const (
	DefaultFileMaxEntries = 100
	DefaultFileMaxBytes   = 50 << 20 // 50 MiB
	DefaultFileTTL        = 5 * time.Minute
)

// FileCache caches file contents keyed by resolved path, invalidated by
// modification time: a read is served from cache only while the TTL holds
// and the file's current mtime still matches the one observed at cache time.
type FileCache struct {
	cache *Cache
	stat  func(string) (os.FileInfo, error)
	read  func(string) ([]byte, error)
}

// NewFileCache creates a file cache with the given limits. A nil clock
// defaults to time.Now.
func NewFileCache(limits Limits, clock Clock) *FileCache {
	return &FileCache{
		cache: New(limits, clock),
		stat:  os.Stat,
		read:  os.ReadFile,
	}
}

// DefaultFileCache creates a file cache with the default bounds.
func DefaultFileCache() *FileCache {
	return NewFileCache(Limits{
		MaxEntries: DefaultFileMaxEntries,
		MaxBytes:   DefaultFileMaxBytes,
		TTL:        DefaultFileTTL,
	}, nil)
}

// Read returns the file's content, serving from cache when the entry is
// fresh and the file is unchanged. A changed mtime evicts the entry and
// re-reads the file.
func (fc *FileCache) Read(path string) ([]byte, error) {
	info, err := fc.stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, schema.NewErrorf(schema.ErrCodeDependency, "artifact not found: %s", path)
		}
		return nil, schema.NewErrorf(schema.ErrCodeTransient, "stat %s: %s", path, err.Error()).WithCause(err)
	}

	if e, ok := fc.cache.Get(path); ok {
		if e.ModTime.Equal(info.ModTime()) {
			return e.Data.([]byte), nil
		}
		fc.cache.Delete(path)
	}

	data, err := fc.read(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransient, "read %s: %s", path, err.Error()).WithCause(err)
	}
	fc.cache.Put(path, data, info.ModTime())
	return data, nil
}

// Invalidate drops a path from the cache.
func (fc *FileCache) Invalidate(path string) {
	fc.cache.Delete(path)
}

// Prune drops expired entries so long-idle processes don't hold stale
// content. Caps are enforced on write, so this only clears expiry.
func (fc *FileCache) Prune() {
	fc.cache.SweepExpired()
}

// SweepExpired drops expired entries and reports how many were removed.
func (fc *FileCache) SweepExpired() int {
	return fc.cache.SweepExpired()
}

// Stats reports current occupancy.
func (fc *FileCache) Stats() (entries int, bytes int64) {
	return fc.cache.Len(), fc.cache.Bytes()
}
