package fingerprint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"patchpilot/internal/atomicfile"
)

var nowFunc = time.Now

// LearnedCache persists fingerprints observed at runtime. It is linked to the
// bundled baseline through Merge and always wins over it.
type LearnedCache struct {
	path string

	mu       sync.Mutex
	probes   map[string]struct{}
	versions Versions
	updated  int64
	dirty    bool
}

// LoadLearned reads the learned cache at path, returning an empty cache when
// the file does not exist.
func LoadLearned(path string) (*LearnedCache, error) {
	c := &LearnedCache{path: path, probes: map[string]struct{}{}, versions: Versions{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("read learned fingerprints: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode learned fingerprints: %w", err)
	}
	for _, p := range f.SentinelFiles {
		if p = NormalizeProbe(p); p != "" {
			c.probes[p] = struct{}{}
		}
	}
	for version, hashes := range f.Versions {
		c.overlayLocked(version, hashes)
	}
	c.updated = f.Updated
	c.dirty = false
	return c, nil
}

// Add records the fingerprint of one version. Empty input, or input that is
// already stored verbatim, leaves the cache clean. It reports whether
// anything changed.
func (c *LearnedCache) Add(version string, hashes map[string]string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlayLocked(version, hashes)
}

// Merge overlays many versions at once. Incoming hashes win per probe; keys
// absent from incoming are left untouched.
func (c *LearnedCache) Merge(incoming Versions) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false
	for version, hashes := range incoming {
		if c.overlayLocked(version, hashes) {
			changed = true
		}
	}
	return changed
}

func (c *LearnedCache) overlayLocked(version string, hashes map[string]string) bool {
	if version == "" || len(hashes) == 0 {
		return false
	}
	dst, ok := c.versions[version]
	changed := false
	for probe, hash := range hashes {
		probe = NormalizeProbe(probe)
		hash = NormalizeHash(hash)
		if probe == "" || hash == "" {
			continue
		}
		if !ok {
			dst = map[string]string{}
			c.versions[version] = dst
			ok = true
		}
		if dst[probe] != hash {
			dst[probe] = hash
			changed = true
		}
		if _, seen := c.probes[probe]; !seen {
			c.probes[probe] = struct{}{}
			changed = true
		}
	}
	if changed {
		c.dirty = true
	}
	return changed
}

// Dirty reports whether there are unsaved changes.
func (c *LearnedCache) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// Versions returns a deep copy of the learned fingerprints.
func (c *LearnedCache) Versions() Versions {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(Versions, len(c.versions))
	for v, hashes := range c.versions {
		cp := make(map[string]string, len(hashes))
		for k, h := range hashes {
			cp[k] = h
		}
		out[v] = cp
	}
	return out
}

// Store returns the learned data as a Store layer.
func (c *LearnedCache) Store() Store {
	c.mu.Lock()
	probes := make([]string, 0, len(c.probes))
	for p := range c.probes {
		probes = append(probes, p)
	}
	c.mu.Unlock()
	return NewStore(probes, c.Versions())
}

// Save writes the cache atomically. It does nothing when the cache is clean.
func (c *LearnedCache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}

	probes := make([]string, 0, len(c.probes))
	for p := range c.probes {
		probes = append(probes, p)
	}
	sort.Strings(probes)
	updated := nowFunc().Unix()
	f := File{SentinelFiles: probes, Versions: c.versions, Updated: updated}
	if err := atomicfile.WriteJSON(c.path, f); err != nil {
		return fmt.Errorf("save learned fingerprints: %w", err)
	}
	c.updated = updated
	c.dirty = false
	return nil
}
