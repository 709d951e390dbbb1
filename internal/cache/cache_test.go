package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-crm/shrike/internal/domain"
)

const tenantID = "tenant-001"

func TestLRUBasicOperations(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(100)
	defer c.Close()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := c.Set(ctx, tenantID, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := c.Get(ctx, tenantID, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected value1, got %s", val)
		}
	})

	t.Run("MissReturnsNil", func(t *testing.T) {
		val, err := c.Get(ctx, tenantID, "absent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil on miss, got %s", val)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		c.Set(ctx, tenantID, "key1", []byte("value2"), time.Minute)
		val, _ := c.Get(ctx, tenantID, "key1")
		if string(val) != "value2" {
			t.Errorf("expected value2, got %s", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		c.Set(ctx, tenantID, "gone", []byte("x"), time.Minute)
		if err := c.Delete(ctx, tenantID, "gone"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if val, _ := c.Get(ctx, tenantID, "gone"); val != nil {
			t.Error("value survived delete")
		}
	})

	t.Run("MissingTenant", func(t *testing.T) {
		if _, err := c.Get(ctx, "", "key1"); err == nil {
			t.Error("expected error for empty tenantID")
		}
		if err := c.Set(ctx, "", "key1", []byte("x"), time.Minute); err == nil {
			t.Error("expected error for empty tenantID")
		}
	})
}

func TestLRUTenantIsolation(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(100)
	defer c.Close()

	c.Set(ctx, "tenant-a", "shared-key", []byte("a"), time.Minute)
	c.Set(ctx, "tenant-b", "shared-key", []byte("b"), time.Minute)

	valA, _ := c.Get(ctx, "tenant-a", "shared-key")
	valB, _ := c.Get(ctx, "tenant-b", "shared-key")

	if string(valA) != "a" || string(valB) != "b" {
		t.Errorf("tenant keys collided: a=%s b=%s", valA, valB)
	}
}

func TestLRUExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(100)
	defer c.Close()

	c.Set(ctx, tenantID, "fleeting", []byte("x"), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	val, err := c.Get(ctx, tenantID, "fleeting")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != nil {
		t.Error("expired entry still readable")
	}
}

func TestLRUEviction(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(3)
	defer c.Close()

	for i := 0; i < 3; i++ {
		c.Set(ctx, tenantID, fmt.Sprintf("key%d", i), []byte("x"), time.Minute)
	}

	// Touch key0 so key1 becomes the oldest
	c.Get(ctx, tenantID, "key0")
	c.Set(ctx, tenantID, "key3", []byte("x"), time.Minute)

	if size, capacity := c.Stats(); size != 3 || capacity != 3 {
		t.Errorf("expected size 3 cap 3, got %d/%d", size, capacity)
	}
	if val, _ := c.Get(ctx, tenantID, "key1"); val != nil {
		t.Error("expected key1 evicted")
	}
	if val, _ := c.Get(ctx, tenantID, "key0"); val == nil {
		t.Error("recently used key0 should survive")
	}
}

func TestLRUCounter(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(100)
	defer c.Close()

	t.Run("Increments", func(t *testing.T) {
		for want := int64(1); want <= 3; want++ {
			got, err := c.IncrementCounter(ctx, tenantID, "merges", time.Minute)
			if err != nil {
				t.Fatalf("IncrementCounter failed: %v", err)
			}
			if got != want {
				t.Errorf("expected %d, got %d", want, got)
			}
		}
	})

	t.Run("WindowResets", func(t *testing.T) {
		c.IncrementCounter(ctx, tenantID, "short", 10*time.Millisecond)
		time.Sleep(30 * time.Millisecond)

		got, _ := c.IncrementCounter(ctx, tenantID, "short", time.Minute)
		if got != 1 {
			t.Errorf("expected fresh window at 1, got %d", got)
		}
	})

	t.Run("PerTenant", func(t *testing.T) {
		c.IncrementCounter(ctx, "tenant-a", "clicks", time.Minute)
		got, _ := c.IncrementCounter(ctx, "tenant-b", "clicks", time.Minute)
		if got != 1 {
			t.Errorf("counters shared across tenants: got %d", got)
		}
	})
}

func TestLRUDetectionConfig(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(100)
	defer c.Close()

	t.Run("MissReturnsNil", func(t *testing.T) {
		cfg, err := c.GetDetectionConfig(ctx, tenantID)
		if err != nil {
			t.Fatalf("GetDetectionConfig failed: %v", err)
		}
		if cfg != nil {
			t.Error("expected nil on miss")
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		in := domain.DefaultDetectionConfig(tenantID)
		in.Threshold = 0.91
		if err := c.SetDetectionConfig(ctx, tenantID, in, time.Minute); err != nil {
			t.Fatalf("SetDetectionConfig failed: %v", err)
		}

		out, err := c.GetDetectionConfig(ctx, tenantID)
		if err != nil {
			t.Fatalf("GetDetectionConfig failed: %v", err)
		}
		if out == nil || out.Threshold != 0.91 {
			t.Errorf("config not round-tripped: %+v", out)
		}
	})

	t.Run("InvalidatedByDelete", func(t *testing.T) {
		if err := c.Delete(ctx, tenantID, configKey); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		cfg, _ := c.GetDetectionConfig(ctx, tenantID)
		if cfg != nil {
			t.Error("config survived invalidation")
		}
	})
}

func TestNewFactory(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 10})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer c.Close()

		if _, ok := c.(*LRUCache); !ok {
			t.Errorf("expected *LRUCache, got %T", c)
		}
	})

	t.Run("Unsupported", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
