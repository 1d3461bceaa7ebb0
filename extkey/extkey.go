// Package extkey caches the overflow bodies of extended (too-long-to-inline)
// keys, keyed by the blob id holding them, so repeated comparisons against
// the same key don't re-read its blob from disk (spec §3 "Extended-key
// overflow").
package extkey

// entry pairs a cached key body with the access generation it was last
// touched at, so evictOldest can drop the least recently used entries.
type entry struct {
	body []byte
	age  uint64
}

// Cache maps blob id -> key body. Entries age out once the cache exceeds its
// configured capacity (spec §3: "entries age out").
type Cache struct {
	capacity int
	entries  map[uint64]*entry
	ageCt    uint64
}

// New constructs a Cache holding at most capacity entries.
func New(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		entries:  make(map[uint64]*entry),
	}
}

// Get returns the cached body for blobID, if resident.
func (c *Cache) Get(blobID uint64) ([]byte, bool) {
	e, ok := c.entries[blobID]
	if !ok {
		return nil, false
	}
	c.ageCt++
	e.age = c.ageCt
	return e.body, true
}

// Insert adds or replaces the cached body for blobID, evicting the oldest
// entry first if at capacity.
func (c *Cache) Insert(blobID uint64, body []byte) {
	if _, exists := c.entries[blobID]; !exists && len(c.entries) >= c.capacity && c.capacity > 0 {
		c.evictOldest()
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	c.ageCt++
	c.entries[blobID] = &entry{body: cp, age: c.ageCt}
}

// Remove drops blobID from the cache, used when its owning key is erased or
// replaced (spec §3: "freed when the owning key is erased or replaced").
func (c *Cache) Remove(blobID uint64) {
	delete(c.entries, blobID)
}

func (c *Cache) evictOldest() {
	var oldestID uint64
	var oldestAge uint64
	first := true
	for id, e := range c.entries {
		if first || e.age < oldestAge {
			oldestID, oldestAge, first = id, e.age, false
		}
	}
	if !first {
		delete(c.entries, oldestID)
	}
}

// Len reports the number of cached entries.
func (c *Cache) Len() int { return len(c.entries) }
