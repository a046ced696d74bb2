package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestCache_TTLExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := New(Options{Now: func() time.Time { return now }})

	c.Set("k", true, 2*time.Minute)
	if v, ok := c.Get("k"); !ok || v != true {
		t.Fatal("expected cached value before expiry")
	}

	now = now.Add(3 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected entry to expire after TTL")
	}
}

func TestCache_InvalidateVenueDate(t *testing.T) {
	c := New(Options{})
	date := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	other := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	c.Set(DateKey("v1", date, 4), true, time.Minute)
	c.Set(SlotKey("v1", date, 1140, 4, 120), false, time.Minute)
	c.Set(DateKey("v1", other, 4), true, time.Minute)
	c.Set(DateKey("v2", date, 4), true, time.Minute)

	c.InvalidateVenueDate("v1", date)

	if _, ok := c.Get(DateKey("v1", date, 4)); ok {
		t.Fatal("date entry for invalidated venue+date should be gone")
	}
	if _, ok := c.Get(SlotKey("v1", date, 1140, 4, 120)); ok {
		t.Fatal("slot entry for invalidated venue+date should be gone")
	}
	if _, ok := c.Get(DateKey("v1", other, 4)); !ok {
		t.Fatal("other date should survive")
	}
	if _, ok := c.Get(DateKey("v2", date, 4)); !ok {
		t.Fatal("other venue should survive")
	}
}

func TestCache_CapacityEviction(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := New(Options{Capacity: 10, Now: func() time.Time { return now }})

	for i := 0; i < 11; i++ {
		c.Set(fmt.Sprintf("k%d", i), i, time.Hour)
		now = now.Add(time.Second)
	}
	if c.Len() > 10 {
		t.Fatalf("cache exceeded capacity: %d", c.Len())
	}
	// k0 is the oldest entry and should have been evicted.
	if _, ok := c.Get("k0"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if _, ok := c.Get("k10"); !ok {
		t.Fatal("newest entry should remain")
	}
}

func TestCache_NilSafe(t *testing.T) {
	var c *Cache
	c.Set("k", 1, time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Fatal("nil cache should never hit")
	}
	c.InvalidateVenueDate("v", time.Now())
}
