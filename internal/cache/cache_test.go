package cache

import (
	"context"
	"testing"
	"time"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	scope := "rules"

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, scope, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, scope, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, scope, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, scope, "key2", []byte("value2"), time.Minute)

		err := cache.Delete(ctx, scope, "key2")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, scope, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, scope, "expiring", []byte("temp"), 10*time.Millisecond)

		// Should be available immediately
		val, _ := cache.Get(ctx, scope, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		// Wait for expiration
		time.Sleep(20 * time.Millisecond)

		val, _ = cache.Get(ctx, scope, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, scope, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, scope, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, scope, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, scope, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, scope, "d", []byte("4"), time.Minute)

		val, _ := smallCache.Get(ctx, scope, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		val, _ = smallCache.Get(ctx, scope, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("ScopeIsolation", func(t *testing.T) {
		_ = cache.Set(ctx, "rules", "shared", []byte("rules-value"), time.Minute)
		_ = cache.Set(ctx, "throttle", "shared", []byte("throttle-value"), time.Minute)

		val, _ := cache.Get(ctx, "rules", "shared")
		if string(val) != "rules-value" {
			t.Errorf("expected 'rules-value', got '%s'", string(val))
		}

		val, _ = cache.Get(ctx, "throttle", "shared")
		if string(val) != "throttle-value" {
			t.Errorf("expected 'throttle-value', got '%s'", string(val))
		}
	})

	t.Run("Flush", func(t *testing.T) {
		flushCache := NewLRUCache(100)
		_ = flushCache.Set(ctx, "rules", "p1", []byte("1"), time.Minute)
		_ = flushCache.Set(ctx, "rules", "p2", []byte("2"), time.Minute)
		_ = flushCache.Set(ctx, "throttle", "p1", []byte("3"), time.Minute)

		if err := flushCache.Flush(ctx, "rules"); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}

		if val, _ := flushCache.Get(ctx, "rules", "p1"); val != nil {
			t.Error("expected rules scope to be flushed")
		}
		if val, _ := flushCache.Get(ctx, "throttle", "p1"); val == nil {
			t.Error("expected throttle scope to survive")
		}

		// Flushing again is a no-op
		if err := flushCache.Flush(ctx, "rules"); err != nil {
			t.Errorf("second Flush failed: %v", err)
		}
	})

	t.Run("ScopeRequired", func(t *testing.T) {
		if _, err := cache.Get(ctx, "", "key"); err == nil {
			t.Error("expected error for empty scope")
		}
		if err := cache.Set(ctx, "", "key", nil, time.Minute); err == nil {
			t.Error("expected error for empty scope")
		}
	})
}

func TestLRUCacheCounters(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("Increment", func(t *testing.T) {
		for want := int64(1); want <= 3; want++ {
			got, err := cache.IncrementCounter(ctx, "throttle", "acct-001", time.Minute)
			if err != nil {
				t.Fatalf("IncrementCounter failed: %v", err)
			}
			if got != want {
				t.Errorf("count = %d, want %d", got, want)
			}
		}
	})

	t.Run("WindowReset", func(t *testing.T) {
		_, _ = cache.IncrementCounter(ctx, "throttle", "acct-002", 10*time.Millisecond)
		time.Sleep(20 * time.Millisecond)

		got, err := cache.IncrementCounter(ctx, "throttle", "acct-002", time.Minute)
		if err != nil {
			t.Fatalf("IncrementCounter failed: %v", err)
		}
		if got != 1 {
			t.Errorf("count after window reset = %d, want 1", got)
		}
	})
}
