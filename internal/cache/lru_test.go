package cache

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache(size int, ttl time.Duration) (*LRUCache[int], *fakeClock, *[]string) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := NewLRUCache[int](size, ttl)
	c.now = clock.Now
	evicted := &[]string{}
	c.OnEvict(func(key string, _ int) { *evicted = append(*evicted, key) })
	return c, clock, evicted
}

func TestLRUCache_GetSet(t *testing.T) {
	c, _, _ := newTestCache(2, time.Minute)
	c.Set("a", 1)

	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get(a) = %v, %v; want 1, true", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) should miss")
	}
}

func TestLRUCache_CapacityEvictsLeastRecentlyUsed(t *testing.T) {
	c, _, evicted := newTestCache(2, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a")
	c.Set("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	if len(*evicted) != 1 || (*evicted)[0] != "b" {
		t.Errorf("evicted = %v, want [b]", *evicted)
	}
	if c.Size() != 2 {
		t.Errorf("Size() = %d, want 2", c.Size())
	}
}

func TestLRUCache_SlidingExpiry(t *testing.T) {
	c, clock, evicted := newTestCache(10, time.Minute)
	c.Set("a", 1)

	clock.Advance(50 * time.Second)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("a should still be present")
	}

	// Get extended the deadline
	clock.Advance(50 * time.Second)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("a should survive after a touch")
	}

	clock.Advance(2 * time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatal("a should have expired")
	}
	if len(*evicted) != 1 {
		t.Errorf("evicted = %v, want one entry", *evicted)
	}
}

func TestLRUCache_CleanExpired(t *testing.T) {
	c, clock, evicted := newTestCache(10, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	clock.Advance(30 * time.Second)
	c.Set("c", 3)
	clock.Advance(45 * time.Second)

	if n := c.CleanExpired(); n != 2 {
		t.Errorf("CleanExpired() = %d, want 2", n)
	}
	if c.Size() != 1 {
		t.Errorf("Size() = %d, want 1", c.Size())
	}
	if len(*evicted) != 2 {
		t.Errorf("evicted = %v, want 2 entries", *evicted)
	}
}

func TestLRUCache_DeleteAndPurge(t *testing.T) {
	c, _, evicted := newTestCache(10, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	c.Delete("a")
	c.Delete("a")
	if len(*evicted) != 1 {
		t.Fatalf("evicted after Delete = %v, want [a]", *evicted)
	}

	c.Purge()
	if c.Size() != 0 {
		t.Errorf("Size() after Purge = %d, want 0", c.Size())
	}
	if len(*evicted) != 3 {
		t.Errorf("evicted after Purge = %v, want 3 entries", *evicted)
	}
}

func TestManager_StopWithoutStart(t *testing.T) {
	m := NewManager(nil)
	m.Register(NewLRUCache[int](1, time.Minute))
	m.Stop()
}

func TestManager_CleanupRuns(t *testing.T) {
	c := NewLRUCache[int](10, time.Millisecond)
	c.Set("a", 1)

	m := NewManager(nil)
	m.Register(c)
	m.StartCleanup(5 * time.Millisecond)
	defer m.Stop()

	deadline := time.Now().Add(time.Second)
	for c.Size() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Size() != 0 {
		t.Error("expired entry was not cleaned up")
	}
}
