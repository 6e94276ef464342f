package patch

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"patchpilot/internal/atomicfile"
	"patchpilot/internal/fingerprint"
)

// hashFile is replaced in tests to count hashing work.
var hashFile = fingerprint.HashFile

type hashEntry struct {
	Size    int64  `json:"size"`
	ModTime int64  `json:"mtime"`
	MD5     string `json:"md5"`
}

// HashCache memoises file hashes keyed by path, size and modification time
// so restarted runs skip rehashing untouched files.
type HashCache struct {
	path string

	mu      sync.Mutex
	entries map[string]hashEntry
	dirty   bool
}

// LoadHashCache reads the cache at p; a missing or unreadable file yields an
// empty cache.
func LoadHashCache(p string) *HashCache {
	c := &HashCache{path: p, entries: map[string]hashEntry{}}
	data, err := os.ReadFile(p)
	if err != nil {
		return c
	}
	if err := json.Unmarshal(data, &c.entries); err != nil || c.entries == nil {
		c.entries = map[string]hashEntry{}
	}
	return c
}

// Hash returns the MD5 of the file at p, reusing a cached value when size
// and mtime are unchanged.
func (c *HashCache) Hash(p string) (string, error) {
	info, err := os.Stat(p)
	if err != nil {
		return "", err
	}
	size, mtime := info.Size(), info.ModTime().UnixNano()

	c.mu.Lock()
	entry, ok := c.entries[p]
	c.mu.Unlock()
	if ok && entry.Size == size && entry.ModTime == mtime {
		return entry.MD5, nil
	}

	sum, err := hashFile(p)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.entries[p] = hashEntry{Size: size, ModTime: mtime, MD5: sum}
	c.dirty = true
	c.mu.Unlock()
	return sum, nil
}

// Forget drops any cached value for p.
func (c *HashCache) Forget(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[p]; ok {
		delete(c.entries, p)
		c.dirty = true
	}
}

// Save persists the cache when it changed.
func (c *HashCache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty || c.path == "" {
		return nil
	}
	if err := atomicfile.WriteJSON(c.path, c.entries); err != nil {
		return fmt.Errorf("save hash cache: %w", err)
	}
	c.dirty = false
	return nil
}
