package servers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alexschlessinger/toolbridge/tools"
	"github.com/gofrs/flock"
)

// CacheEntry is the last successful discovery for one server
type CacheEntry struct {
	CachedAt time.Time          `json:"cachedAt"`
	Tools    []tools.Definition `json:"tools"`
}

// Fresh reports whether the entry is younger than ttl
func (e CacheEntry) Fresh(ttl time.Duration, now time.Time) bool {
	return !e.CachedAt.IsZero() && now.Sub(e.CachedAt) < ttl
}

type cacheFile struct {
	Servers map[string]CacheEntry `json:"servers"`
}

// DiscoveryCache persists discovered tool lists so a restart can skip the
// cold discovery round-trip. Writers in other processes are excluded with
// a lock file next to the cache.
type DiscoveryCache struct {
	path string
	mu   sync.Mutex
}

// NewDiscoveryCache returns a cache stored at path
func NewDiscoveryCache(path string) *DiscoveryCache {
	return &DiscoveryCache{path: path}
}

// Path returns the cache file location
func (c *DiscoveryCache) Path() string {
	return c.path
}

// Load returns the cached entry for a server
func (c *DiscoveryCache) Load(ctx context.Context, serverID string) (CacheEntry, bool, error) {
	var entry CacheEntry
	var ok bool
	err := c.withLock(ctx, func(f *cacheFile) bool {
		entry, ok = f.Servers[serverID]
		return false
	})
	return entry, ok, err
}

// Store records a discovery result for a server
func (c *DiscoveryCache) Store(ctx context.Context, serverID string, defs []tools.Definition, cachedAt time.Time) error {
	return c.withLock(ctx, func(f *cacheFile) bool {
		f.Servers[serverID] = CacheEntry{CachedAt: cachedAt, Tools: defs}
		return true
	})
}

// Forget drops a server's entry
func (c *DiscoveryCache) Forget(ctx context.Context, serverID string) error {
	return c.withLock(ctx, func(f *cacheFile) bool {
		if _, ok := f.Servers[serverID]; !ok {
			return false
		}
		delete(f.Servers, serverID)
		return true
	})
}

// withLock reads the cache under the file lock and writes it back when fn
// reports a change.
func (c *DiscoveryCache) withLock(ctx context.Context, fn func(*cacheFile) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	fileLock := flock.New(c.path + ".lock")
	locked, err := fileLock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire cache lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("could not acquire cache lock within 10 seconds")
	}
	defer fileLock.Unlock()

	f, err := c.read()
	if err != nil {
		return err
	}
	if !fn(f) {
		return nil
	}
	return c.write(f)
}

func (c *DiscoveryCache) read() (*cacheFile, error) {
	f := &cacheFile{Servers: map[string]CacheEntry{}}
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read discovery cache: %w", err)
	}
	if err := json.Unmarshal(data, f); err != nil {
		// a corrupt cache is rebuilt from the next discovery
		return &cacheFile{Servers: map[string]CacheEntry{}}, nil
	}
	if f.Servers == nil {
		f.Servers = map[string]CacheEntry{}
	}
	return f, nil
}

func (c *DiscoveryCache) write(f *cacheFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode discovery cache: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write discovery cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to replace discovery cache: %w", err)
	}
	return nil
}
