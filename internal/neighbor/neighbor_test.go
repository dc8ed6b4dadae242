package neighbor

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
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

type profile struct {
	Alias string
	Tags  []string
}

func cloneProfile(p profile) profile {
	p.Tags = append([]string(nil), p.Tags...)
	return p
}

func TestNeighbor_TTLBoundary(t *testing.T) {
	clock := newFakeClock()
	c := NewCache[string](WithClock[string](clock.Now))
	n := c.NewNeighbor("a", "data", time.Second)

	tests := []struct {
		elapsed time.Duration
		active  bool
	}{
		{0, true},
		{999 * time.Millisecond, true},
		{time.Second - time.Nanosecond, true},
		{time.Second, false},
		{2 * time.Second, false},
	}

	for _, tc := range tests {
		now := n.UpdateTime.Add(tc.elapsed)
		if got := n.IsActive(now); got != tc.active {
			t.Errorf("IsActive after %v = %v, want %v", tc.elapsed, got, tc.active)
		}
		if got := n.IsStale(now); got == tc.active {
			t.Errorf("IsStale after %v = %v, want %v", tc.elapsed, got, !tc.active)
		}
	}
}

func TestNewNeighbor_DefaultMaxAge(t *testing.T) {
	c := NewCache[int]()
	n := c.NewNeighbor("a", 1, 0)
	if n.MaxAge != DefaultMaxAge {
		t.Errorf("MaxAge = %v, want %v", n.MaxAge, DefaultMaxAge)
	}

	c = NewCache[int](WithMaxAge[int](time.Minute))
	if n := c.NewNeighbor("a", 1, 0); n.MaxAge != time.Minute {
		t.Errorf("MaxAge = %v, want 1m", n.MaxAge)
	}
}

func TestCache_UpdateNeighbor_LastWriteWins(t *testing.T) {
	c := NewCache[string]()
	c.Touch("a", "first")
	c.Touch("a", "second")

	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
	n, ok := c.GetNeighbor("a")
	if !ok {
		t.Fatal("entry a missing")
	}
	if n.Data != "second" {
		t.Errorf("Data = %q, want second", n.Data)
	}
}

func TestCache_UpdateRefreshes(t *testing.T) {
	clock := newFakeClock()
	c := NewCache[string](WithClock[string](clock.Now))

	c.Touch("a", "x")
	clock.Advance(4 * time.Second)
	c.Touch("a", "x")
	clock.Advance(4 * time.Second)

	n, _ := c.GetNeighbor("a")
	if !n.IsActive(clock.Now()) {
		t.Error("refreshed entry should still be active")
	}
}

func TestCache_RemoveNeighbor(t *testing.T) {
	c := NewCache[string]()
	c.Touch("a", "x")
	c.RemoveNeighbor("a")
	c.RemoveNeighbor("missing")

	if _, ok := c.GetNeighbor("a"); ok {
		t.Error("entry a should be removed")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}

func TestCache_Clean(t *testing.T) {
	clock := newFakeClock()
	c := NewCache[string](WithClock[string](clock.Now))

	c.UpdateNeighbor(c.NewNeighbor("short", "x", time.Second))
	c.UpdateNeighbor(c.NewNeighbor("exact", "x", 2*time.Second))
	c.UpdateNeighbor(c.NewNeighbor("long", "x", time.Minute))

	clock.Advance(2 * time.Second)

	if removed := c.Clean(); removed != 2 {
		t.Errorf("Clean removed %d, want 2", removed)
	}
	if _, ok := c.GetNeighbor("long"); !ok {
		t.Error("active entry removed by Clean")
	}
	for id, n := range c.GetNeighbors() {
		if n.IsStale(clock.Now()) {
			t.Errorf("stale entry %s survived Clean", id)
		}
	}
}

func TestCache_GetNeighborsIncludesStale(t *testing.T) {
	clock := newFakeClock()
	c := NewCache[string](WithClock[string](clock.Now))
	c.Touch("a", "x")
	clock.Advance(time.Hour)

	if got := len(c.GetNeighbors()); got != 1 {
		t.Errorf("snapshot size = %d, want 1", got)
	}
}

func TestCache_SnapshotIsolation(t *testing.T) {
	c := NewCache[profile](WithClone[profile](cloneProfile))
	c.Touch("a", profile{Alias: "alice", Tags: []string{"one"}})

	snap := c.GetNeighbors()
	entry := snap["a"]
	entry.Data.Alias = "mallory"
	entry.Data.Tags[0] = "changed"
	snap["a"] = entry
	delete(snap, "a")
	snap["b"] = entry

	n, ok := c.GetNeighbor("a")
	if !ok {
		t.Fatal("entry a missing after snapshot mutation")
	}
	if n.Data.Alias != "alice" || n.Data.Tags[0] != "one" {
		t.Errorf("cache changed through snapshot: %+v", n.Data)
	}
	if _, ok := c.GetNeighbor("b"); ok {
		t.Error("entry added to snapshot leaked into cache")
	}

	single, _ := c.GetNeighbor("a")
	single.Data.Tags[0] = "changed"
	again, _ := c.GetNeighbor("a")
	if again.Data.Tags[0] != "one" {
		t.Error("cache changed through GetNeighbor copy")
	}
}

func TestCache_UpdateCopiesInput(t *testing.T) {
	c := NewCache[profile](WithClone[profile](cloneProfile))
	p := profile{Alias: "alice", Tags: []string{"one"}}
	c.Touch("a", p)
	p.Tags[0] = "changed"

	n, _ := c.GetNeighbor("a")
	if n.Data.Tags[0] != "one" {
		t.Error("cache aliased caller's payload")
	}
}

func TestCache_Sweep(t *testing.T) {
	clock := newFakeClock()
	c := NewCache[string](WithClock[string](clock.Now))
	c.UpdateNeighbor(c.NewNeighbor("a", "x", time.Second))
	clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	removed := make(chan int, 1)
	go c.Sweep(ctx, 5*time.Millisecond, func(n int) {
		select {
		case removed <- n:
		default:
		}
	})

	select {
	case n := <-removed:
		if n != 1 {
			t.Errorf("sweep removed %d, want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not run")
	}

	if c.Len() != 0 {
		t.Errorf("Len = %d after sweep, want 0", c.Len())
	}
}

func TestCache_SweepDisabled(t *testing.T) {
	c := NewCache[string]()
	done := make(chan struct{})
	go func() {
		c.Sweep(context.Background(), 0, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Sweep with zero interval should return immediately")
	}
}

func TestCache_Concurrent(t *testing.T) {
	c := NewCache[int]()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Touch("k", j)
				c.GetNeighbors()
				c.Clean()
			}
		}(i)
	}
	wg.Wait()
}
