package ledger

import (
	"context"
	"time"
)

// Standard TTLs.
const (
	FollowerTTL  = 5 * time.Minute
	HintTTL      = 60 * time.Second
	GameLinkTTL  = 30 * time.Minute
	ChannelIDTTL = 24 * time.Hour
)

type cacheEntry struct {
	value      any
	insertedAt time.Time
	ttl        time.Duration
}

func (e cacheEntry) expired(now time.Time) bool {
	return !now.Before(e.insertedAt.Add(e.ttl))
}

// Cache is a TTL cache over a namespace of a Store. A miss or an expired entry
// looks the same to callers.
type Cache struct {
	store  *Store
	prefix string
	clock  Clock
}

// NewCache returns a cache whose keys are scoped under namespace.
func NewCache(store *Store, namespace string, clock Clock) *Cache {
	if clock == nil {
		clock = SystemClock
	}
	return &Cache{store: store, prefix: "cache:" + namespace + ":", clock: clock}
}

// Get returns the cached value for key when present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	v, ok := c.store.get(c.prefix + key)
	if !ok {
		return nil, false
	}
	e, ok := v.(cacheEntry)
	if !ok {
		return nil, false
	}
	if e.expired(c.clock.Now()) {
		c.store.remove(c.prefix + key)
		return nil, false
	}
	return e.value, true
}

// Put stores val under key for ttl.
func (c *Cache) Put(key string, val any, ttl time.Duration) {
	now := c.clock.Now()
	c.store.put(c.prefix+key, cacheEntry{value: val, insertedAt: now, ttl: ttl}, now.Add(ttl))
}

// Delete drops key.
func (c *Cache) Delete(key string) { c.store.remove(c.prefix + key) }

// Fetch returns the cached T for key, or calls fetch and caches its result
// for ttl. Errors are not cached.
func Fetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		if t, ok := v.(T); ok {
			return t, nil
		}
	}
	v, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.Put(key, v, ttl)
	return v, nil
}
