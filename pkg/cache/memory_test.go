package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryCacheExpiry(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	mc := NewMemoryCache(WithMemoryClock(clock.Now))
	defer mc.Close()
	ctx := context.Background()

	_ = mc.Set(ctx, "short", "v", time.Minute)
	_ = mc.Set(ctx, "forever", "v", 0)
	clock.advance(2 * time.Minute)

	var got string
	if err := mc.Get(ctx, "short", &got); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after expiry, got %v", err)
	}
	if err := mc.Get(ctx, "forever", &got); err != nil || got != "v" {
		t.Fatalf("expected value without expiry, got %q %v", got, err)
	}
}

func TestMemoryCacheTypedGet(t *testing.T) {
	type payload struct {
		Name string
		N    int
	}
	mc := NewMemoryCache()
	defer mc.Close()
	ctx := context.Background()

	_ = mc.Set(ctx, "ptr", &payload{Name: "a", N: 1}, 0)
	var p *payload
	if err := mc.Get(ctx, "ptr", &p); err != nil || p.Name != "a" {
		t.Fatalf("pointer get failed: %+v %v", p, err)
	}

	_ = mc.Set(ctx, "map", map[string]interface{}{"Name": "b", "N": 2}, 0)
	var q payload
	if err := mc.Get(ctx, "map", &q); err != nil || q.N != 2 {
		t.Fatalf("json conversion failed: %+v %v", q, err)
	}

	if err := mc.Get(ctx, "ptr", q); err == nil {
		t.Fatalf("expected error for non-pointer dest")
	}
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	mc := NewMemoryCache(WithMemoryMaxSize(2), WithMemoryClock(clock.Now))
	defer mc.Close()
	ctx := context.Background()

	_ = mc.Set(ctx, "a", "1", 0)
	clock.advance(time.Second)
	_ = mc.Set(ctx, "b", "2", 0)
	clock.advance(time.Second)
	var s string
	_ = mc.Get(ctx, "a", &s) // a is now more recent than b
	clock.advance(time.Second)
	_ = mc.Set(ctx, "c", "3", 0)

	if ok, _ := mc.Exists(ctx, "b"); ok {
		t.Fatalf("expected b to be evicted")
	}
	if ok, _ := mc.Exists(ctx, "a", "c"); !ok {
		t.Fatalf("expected a and c to remain")
	}
}

func TestKey(t *testing.T) {
	if got := Key("foliopull", "emission", "last"); got != "foliopull:emission:last" {
		t.Fatalf("unexpected key %s", got)
	}
}
