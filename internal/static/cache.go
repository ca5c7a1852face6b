package static

import (
	"path"
	"sync"
)

// ListingCache keeps rendered directory listings for directories that are
// under a filesystem watch. Any change in a directory evicts its entry.
type ListingCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	gens    map[string]uint64
	watched func(dir string) bool
}

// NewListingCache creates a cache that only stores listings of directories
// for which watched returns true. A nil watched caches nothing.
func NewListingCache(watched func(dir string) bool) *ListingCache {
	return &ListingCache{
		entries: make(map[string][]byte),
		gens:    make(map[string]uint64),
		watched: watched,
	}
}

// Get returns the cached listing of dir, plus the generation to hand back
// to Put after rendering on a miss.
func (c *ListingCache) Get(dir string) ([]byte, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	body, ok := c.entries[dir]
	return body, c.gens[dir], ok
}

// Put stores a listing rendered while the directory was at generation gen.
// If the directory changed in the meantime the listing is dropped.
func (c *ListingCache) Put(dir string, gen uint64, body []byte) {
	if c.watched == nil || !c.watched(dir) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[dir] != gen {
		return
	}
	c.entries[dir] = body
}

// Invalidate evicts the listing of name and of its parent directory.
// name is a slash-separated path relative to the document root.
func (c *ListingCache) Invalidate(name string) {
	name = cleanRequestPath(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(name)
	c.evictLocked(path.Dir(name))
}

func (c *ListingCache) evictLocked(dir string) {
	delete(c.entries, dir)
	c.gens[dir]++
}

// Len returns the number of cached listings
func (c *ListingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
