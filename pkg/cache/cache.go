package cache

import (
	"context"
	"sync"
	"time"
)

// Store is the string cache used for translation results
type Store interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string)
}

// Options configures a memory cache
type Options struct {
	TTL         time.Duration
	MaxItems    int
	PurgeWindow time.Duration
}

// Item represents a cached value with expiration
type Item struct {
	Value      string
	Expiration int64
	insertedAt int64
}

// Expired checks if the cache item has expired
func (item Item) Expired(now int64) bool {
	return item.Expiration > 0 && now > item.Expiration
}

// Cache is a thread-safe in-memory cache with expiration
type Cache struct {
	items             map[string]Item
	mu                sync.RWMutex
	defaultExpiration time.Duration
	cleanupInterval   time.Duration
	maxItems          int
	onEvicted         func(string, string)
	stop              chan struct{}
	stopOnce          sync.Once
}

// New creates a memory cache; a positive PurgeWindow starts the janitor goroutine
func New(opts Options) *Cache {
	c := &Cache{
		items:             make(map[string]Item),
		defaultExpiration: opts.TTL,
		cleanupInterval:   opts.PurgeWindow,
		maxItems:          opts.MaxItems,
		stop:              make(chan struct{}),
	}

	if c.cleanupInterval > 0 {
		go c.startCleanupTimer()
	}

	return c
}

// Get retrieves a live value from the cache
func (c *Cache) Get(_ context.Context, key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, found := c.items[key]
	if !found || item.Expired(time.Now().UnixNano()) {
		return "", false
	}
	return item.Value, true
}

// Set stores a value with the default expiration
func (c *Cache) Set(_ context.Context, key, value string) {
	c.SetWithExpiration(key, value, c.defaultExpiration)
}

// SetWithExpiration stores a value with a specific expiration; d <= 0 never expires
func (c *Cache) SetWithExpiration(key, value string, d time.Duration) {
	now := time.Now()
	var exp int64
	if d > 0 {
		exp = now.Add(d).UnixNano()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.maxItems > 0 && len(c.items) >= c.maxItems {
		c.evictOldest()
	}

	c.items[key] = Item{Value: value, Expiration: exp, insertedAt: now.UnixNano()}
}

// Count returns the number of items in the cache (including expired items)
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}

// SetOnEvicted sets the callback to be called when an item is evicted
func (c *Cache) SetOnEvicted(f func(string, string)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onEvicted = f
}

// Close stops the janitor goroutine
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) startCleanupTimer() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) deleteExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixNano()
	for k, v := range c.items {
		if v.Expired(now) {
			if c.onEvicted != nil {
				c.onEvicted(k, v.Value)
			}
			delete(c.items, k)
		}
	}
}

// evictOldest drops the earliest inserted item; caller holds the lock
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldest int64
	first := true
	for k, v := range c.items {
		if first || v.insertedAt < oldest {
			oldestKey, oldest, first = k, v.insertedAt, false
		}
	}

	if first {
		return
	}
	if c.onEvicted != nil {
		c.onEvicted(oldestKey, c.items[oldestKey].Value)
	}
	delete(c.items, oldestKey)
}
