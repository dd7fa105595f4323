// Package cache stores resolved flag values keyed by flag key and a
// fingerprint of the evaluation context. Entries expire lazily after a TTL
// and are dropped wholesale whenever a new flag set is installed.
package cache

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Policy selects the eviction strategy.
type Policy string

const (
	PolicyLRU      Policy = "lru"
	PolicyInMemory Policy = "mem"
	PolicyDisabled Policy = "disabled"
)

const (
	DefaultMaxSize = 1000
	DefaultTTL     = 60 * time.Second
)

// Resolution is the cached outcome of one typed resolve.
type Resolution struct {
	Value    any
	Variant  string
	Metadata map[string]any
}

type entry struct {
	resolution Resolution
	version    uint64
	createdAt  time.Time
}

// Cache is safe for concurrent readers and writers. Expiry is lazy: an
// entry past its TTL is evicted by the Get that observes it.
type Cache struct {
	mu       sync.Mutex
	policy   Policy
	ttl      time.Duration
	disabled bool
	lru      *lru.Cache[string, entry]
	mem      map[string]entry
	now      func() time.Time
}

// New builds a cache for the given policy. maxSize caps the LRU policy and
// is ignored otherwise; ttl <= 0 falls back to DefaultTTL.
func New(policy Policy, maxSize int, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{policy: policy, ttl: ttl, now: time.Now}

	switch policy {
	case PolicyLRU:
		if maxSize <= 0 {
			maxSize = DefaultMaxSize
		}
		backing, err := lru.New[string, entry](maxSize)
		if err != nil {
			return nil, fmt.Errorf("create lru cache: %w", err)
		}
		c.lru = backing
	case PolicyInMemory:
		c.mem = make(map[string]entry)
	case PolicyDisabled:
		c.disabled = true
	default:
		return nil, fmt.Errorf("unknown cache policy %q", policy)
	}

	return c, nil
}

// Get returns the cached resolution for (flag key, context) when present,
// unexpired, and written against the given flag-set version.
func (c *Cache) Get(flagKey string, evalCtx map[string]any, version uint64) (Resolution, bool) {
	key := compositeKey(flagKey, evalCtx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled {
		return Resolution{}, false
	}

	var e entry
	var ok bool
	switch c.policy {
	case PolicyLRU:
		e, ok = c.lru.Get(key)
	case PolicyInMemory:
		e, ok = c.mem[key]
	}
	if !ok {
		return Resolution{}, false
	}

	if c.now().Sub(e.createdAt) >= c.ttl || e.version != version {
		c.removeLocked(key)
		return Resolution{}, false
	}
	return e.resolution, true
}

// Put stores a resolution. It reports whether storing it displaced another
// entry (an LRU capacity eviction). Overwriting the same key is not a
// displacement, and the unbounded policy never displaces.
func (c *Cache) Put(flagKey string, evalCtx map[string]any, res Resolution, version uint64) bool {
	key := compositeKey(flagKey, evalCtx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled {
		return false
	}

	e := entry{resolution: res, version: version, createdAt: c.now()}
	switch c.policy {
	case PolicyLRU:
		return c.lru.Add(key, e)
	case PolicyInMemory:
		c.mem[key] = e
	}
	return false
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.policy {
	case PolicyLRU:
		c.lru.Purge()
	case PolicyInMemory:
		c.mem = make(map[string]entry)
	}
}

// Disable purges the cache and makes every further Get miss and every Put a
// no-op.
func (c *Cache) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled = true
	switch c.policy {
	case PolicyLRU:
		c.lru.Purge()
	case PolicyInMemory:
		c.mem = make(map[string]entry)
	}
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.policy {
	case PolicyLRU:
		return c.lru.Len()
	case PolicyInMemory:
		return len(c.mem)
	}
	return 0
}

func (c *Cache) removeLocked(key string) {
	switch c.policy {
	case PolicyLRU:
		c.lru.Remove(key)
	case PolicyInMemory:
		delete(c.mem, key)
	}
}

func compositeKey(flagKey string, evalCtx map[string]any) string {
	return flagKey + "\x1f" + strconv.FormatUint(Fingerprint(evalCtx), 16)
}
