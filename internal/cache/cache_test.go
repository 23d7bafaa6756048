// ABOUTME: Unit tests for the snapshot cache.
// ABOUTME: Tests TTL expiry, invalidation, and cleanup with a controllable clock.

package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, ttl time.Duration) (*Cache[[]string], *fakeClock) {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New[[]string](ttl, logger)
	c.now = clock.Now
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	snapshot := []string{"v1", "v2"}

	t.Run("cache miss", func(t *testing.T) {
		if _, ok := c.Get("vulnerabilities"); ok {
			t.Error("Expected cache miss, but got result")
		}
	})

	t.Run("cache hit", func(t *testing.T) {
		c.Set("vulnerabilities", snapshot)

		result, ok := c.Get("vulnerabilities")
		if !ok {
			t.Fatal("Expected cache hit, but got miss")
		}
		if len(result) != len(snapshot) {
			t.Errorf("Snapshot length mismatch: got %d, want %d", len(result), len(snapshot))
		}
	})

	t.Run("cache stats", func(t *testing.T) {
		total, expired := c.Stats()
		if total != 1 {
			t.Errorf("Expected 1 cache entry, got %d", total)
		}
		if expired != 0 {
			t.Errorf("Expected no expired entries, got %d", expired)
		}
	})
}

func TestCacheExpiration(t *testing.T) {
	c, clock := newTestCache(t, 100*time.Millisecond)

	c.Set("remediations", []string{"r1"})
	if _, ok := c.Get("remediations"); !ok {
		t.Error("Expected cache hit immediately after set")
	}

	clock.Advance(150 * time.Millisecond)

	if _, ok := c.Get("remediations"); ok {
		t.Error("Expected cache miss after expiration")
	}

	total, expired := c.Stats()
	if total != 1 || expired != 1 {
		t.Errorf("Expected 1 expired entry before cleanup, got total=%d expired=%d", total, expired)
	}

	c.cleanup()

	total, _ = c.Stats()
	if total != 0 {
		t.Errorf("Expected cleanup to remove expired entry, %d remain", total)
	}
}

func TestCacheInvalidate(t *testing.T) {
	c, _ := newTestCache(t, time.Hour)

	c.Set("vulnerabilities", []string{"v1"})
	c.Set("remediations", []string{"r1"})
	c.Invalidate()

	if _, ok := c.Get("vulnerabilities"); ok {
		t.Error("Expected miss after invalidate")
	}
	if total, _ := c.Stats(); total != 0 {
		t.Errorf("Expected empty cache after invalidate, got %d entries", total)
	}
}

func TestCacheCloseIsIdempotent(t *testing.T) {
	c, _ := newTestCache(t, time.Hour)
	c.Close()
	c.Close()
}
