// Package devicecache is the persistent per-device UUID/metadata cache
// (component D): it lets the desktop skip re-sending metadata for books
// it has already seen, by remembering what was last attached to each
// lpath.
package devicecache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/inkbridge/calibre-device/internal/calibre"
)

// purgeAfter is how long an unreferenced entry survives a Save, per
// spec.md §4.D.
const purgeAfter = 30 * 24 * time.Hour

// entry is one cached book record plus the bookkeeping field used to
// purge stale entries.
type entry struct {
	Book     calibre.BookMetadata `json:"book"`
	LastUsed string               `json:"last_used"`
}

// Cache is the in-memory, JSON-file-backed cache for one device UUID.
// It is not safe for concurrent use across goroutines beyond the
// internal locking Get/Update/Remove/Save already provide - the
// protocol session that owns it runs on a single worker, per spec.md §5.
type Cache struct {
	mu      sync.Mutex
	path    string
	entries map[string]entry
	dirty   bool
}

// Initialize loads the cache file for deviceUUID from dir, or starts an
// empty cache if the file is absent or unreadable. A read failure is a
// CacheError: non-fatal, logged by the caller, and the cache simply
// continues in memory-only mode.
func Initialize(dir, deviceUUID string) (*Cache, error) {
	c := &Cache{
		path:    filepath.Join(dir, fmt.Sprintf("calibre_cache_%s.json", deviceUUID)),
		entries: make(map[string]entry),
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, fmt.Errorf("devicecache: read %s: %w: %v", c.path, calibre.ErrCache, err)
	}
	var raw map[string]entry
	if err := json.Unmarshal(data, &raw); err != nil {
		return c, fmt.Errorf("devicecache: parse %s: %w: %v", c.path, calibre.ErrCache, err)
	}
	c.entries = raw
	return c, nil
}

// Get returns the cached metadata for lpath, if present.
func (c *Cache) Get(lpath string) (calibre.BookMetadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[lpath]
	return e.Book, ok
}

// GetUUID returns the cached uuid for lpath, if present and non-empty.
func (c *Cache) GetUUID(lpath string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[lpath]
	if !ok || e.Book.UUID == "" {
		return "", false
	}
	return e.Book.UUID, true
}

// Update stamps last_used and stores meta under its lpath, preserving
// the previously-cached uuid when the incoming one is empty - the
// invariant in spec.md §4.D.
func (c *Cache) Update(meta calibre.BookMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if meta.UUID == "" {
		if prior, ok := c.entries[meta.Lpath]; ok {
			meta.UUID = prior.Book.UUID
		}
	}
	c.entries[meta.Lpath] = entry{
		Book:     meta,
		LastUsed: time.Now().UTC().Format(time.RFC3339),
	}
	c.dirty = true
}

// Remove drops the entry for lpath, if any.
func (c *Cache) Remove(lpath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, lpath)
	c.dirty = true
}

// Save purges entries whose last_used is older than 30 days, then
// writes the cache to disk atomically (write to a temp file, then
// rename). Save is a no-op if nothing has changed since the last
// successful save. A write failure is a CacheError: the caller logs it
// and the session ends without the cache reflecting this session's
// changes.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}

	cutoff := time.Now().Add(-purgeAfter)
	for lpath, e := range c.entries {
		used, err := time.Parse(time.RFC3339, e.LastUsed)
		if err == nil && used.Before(cutoff) {
			delete(c.entries, lpath)
		}
	}

	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("devicecache: marshal: %w: %v", calibre.ErrCache, err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("devicecache: mkdir: %w: %v", calibre.ErrCache, err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("devicecache: write %s: %w: %v", tmp, calibre.ErrCache, err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("devicecache: rename to %s: %w: %v", c.path, calibre.ErrCache, err)
	}
	c.dirty = false
	return nil
}
