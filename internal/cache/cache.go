// ABOUTME: In-memory TTL cache for store snapshots between syncs.
// ABOUTME: Avoids re-reading every payload from SQLite on each HTTP request; invalidated after a sync.

package cache

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultTTL             = 30 * time.Minute
	defaultCleanupInterval = 10 * time.Minute
)

type entry[V any] struct {
	data      V
	expiresAt time.Time
}

// Cache holds values keyed by name until their TTL lapses or Invalidate is called.
type Cache[V any] struct {
	entries map[string]*entry[V]
	mutex   sync.RWMutex
	ttl     time.Duration
	logger  *logrus.Logger
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts its cleanup goroutine. Call Close to stop it.
func New[V any](ttl time.Duration, logger *logrus.Logger) *Cache[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c := &Cache[V]{
		entries: make(map[string]*entry[V]),
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		stop:    make(chan struct{}),
	}

	go c.startCleanup(defaultCleanupInterval)

	return c
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var zero V
	e, exists := c.entries[key]
	if !exists {
		return zero, false
	}

	// Expired entries are left for cleanup to avoid a write lock here
	if c.now().After(e.expiresAt) {
		return zero, false
	}

	c.logger.WithField("key", key).Debug("Cache hit")
	return e.data, true
}

func (c *Cache[V]) Set(key string, value V) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries[key] = &entry[V]{
		data:      value,
		expiresAt: c.now().Add(c.ttl),
	}

	c.logger.WithField("key", key).Debug("Cached snapshot")
}

// Invalidate drops every entry.
func (c *Cache[V]) Invalidate() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if len(c.entries) > 0 {
		c.logger.WithField("entries", len(c.entries)).Debug("Cache invalidated")
	}
	c.entries = make(map[string]*entry[V])
}

// Close stops the cleanup goroutine.
func (c *Cache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache[V]) startCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *Cache[V]) cleanup() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	expiredCount := 0

	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			expiredCount++
		}
	}

	if expiredCount > 0 {
		c.logger.WithFields(logrus.Fields{
			"expired_entries":   expiredCount,
			"remaining_entries": len(c.entries),
		}).Debug("Cache cleanup completed")
	}
}

func (c *Cache[V]) Stats() (total int, expired int) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := c.now()
	total = len(c.entries)

	for _, e := range c.entries {
		if now.After(e.expiresAt) {
			expired++
		}
	}

	return total, expired
}
