package cache

import (
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Factory constructs the object for a key on a cache miss.
type Factory func() (interface{}, error)

// Recorder receives hit/miss events, keyed by object type.
type Recorder interface {
	RecordCacheAccess(objectType string, hit bool)
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// Cache is the process-wide identity map for remote objects: one key, one
// instance. It is owned by the composition root and passed by reference so
// tests can isolate runs with Clear. Concurrent callers of GetOrCreate for
// the same absent key share a single construction.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]interface{}
	group   singleflight.Group
	hits    int64
	misses  int64

	recorder Recorder
}

// New creates an empty cache. recorder may be nil.
func New(recorder Recorder) *Cache {
	return &Cache{
		entries:  make(map[string]interface{}),
		recorder: recorder,
	}
}

// Key builds a cache key from an object type and its identifying fields.
// The type segment doubles as the metrics label.
func Key(objectType string, parts ...string) string {
	if len(parts) == 0 {
		return objectType
	}
	return objectType + "/" + strings.Join(parts, "/")
}

// GetOrCreate returns the cached instance for key, or runs factory to
// build it. Under concurrent callers the factory runs once; everyone gets
// the same instance. A failed factory leaves no entry, so the next call
// constructs again.
func (c *Cache) GetOrCreate(key string, factory Factory) (interface{}, error) {
	c.mu.RLock()
	value, ok := c.entries[key]
	c.mu.RUnlock()

	if ok {
		c.recordAccess(key, true)
		return value, nil
	}

	c.recordAccess(key, false)

	value, err, _ := c.group.Do(key, func() (interface{}, error) {
		// A previous flight may have stored the entry between our read
		// and joining the group.
		c.mu.RLock()
		existing, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return existing, nil
		}

		built, err := factory()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = built
		c.mu.Unlock()
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Get returns the cached instance without constructing.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.entries[key]
	return value, ok
}

// Put stores value under key, replacing any previous entry. Callers use it
// for refresh-bypassing-cache flows: fetch fresh, then Put.
func (c *Cache) Put(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
}

// Invalidate drops the entry for key. Called when the remote object is
// confirmed gone, a 404 on refresh.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear wipes the cache. Used between independent runs and in tests.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]interface{})
	c.hits = 0
	c.misses = 0
}

// GetStats returns a snapshot of hit/miss counts and current size.
func (c *Cache) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Hits:    c.hits,
		Misses:  c.misses,
		Entries: len(c.entries),
	}
}

func (c *Cache) recordAccess(key string, hit bool) {
	c.mu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.RecordCacheAccess(objectType(key), hit)
	}
}

func objectType(key string) string {
	if i := strings.IndexByte(key, '/'); i > 0 {
		return key[:i]
	}
	return key
}
