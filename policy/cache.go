package policy

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheTTL is how long loaded rules are reused before SSM is read again.
const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	rules  *RuleSet
	expiry time.Time
}

// CachedLoader wraps a RuleLoader with in-memory TTL-based caching.
// It is safe for concurrent use.
type CachedLoader struct {
	loader RuleLoader
	mu     sync.RWMutex
	cache  map[string]*cacheEntry
	ttl    time.Duration
	now    func() time.Time
}

// NewCachedLoader creates a new CachedLoader that wraps loader and caches
// results for ttl.
func NewCachedLoader(loader RuleLoader, ttl time.Duration) *CachedLoader {
	return &CachedLoader{
		loader: loader,
		cache:  make(map[string]*cacheEntry),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Load returns cached rules when fresh, otherwise loads from the wrapped loader.
// Errors are not cached.
func (c *CachedLoader) Load(ctx context.Context, name string) (*RuleSet, error) {
	c.mu.RLock()
	if entry, ok := c.cache[name]; ok && c.now().Before(entry.expiry) {
		c.mu.RUnlock()
		return entry.rules, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have populated the entry while we waited.
	if entry, ok := c.cache[name]; ok && c.now().Before(entry.expiry) {
		return entry.rules, nil
	}

	rules, err := c.loader.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	c.cache[name] = &cacheEntry{rules: rules, expiry: c.now().Add(c.ttl)}
	return rules, nil
}

// Invalidate drops the cached entry for name.
func (c *CachedLoader) Invalidate(name string) {
	c.mu.Lock()
	delete(c.cache, name)
	c.mu.Unlock()
}
