// Package neighbor implements a TTL registry of remote clients and groups.
//
// Entries expire passively: staleness is computed on read and stale entries
// stay in the cache until Clean is called.
package neighbor

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxAge is the lifetime of an entry that was not refreshed.
const DefaultMaxAge = 5 * time.Second

// Neighbor is a cached, time-bounded record of a peer or group.
type Neighbor[T any] struct {
	ID         string
	Data       T
	MaxAge     time.Duration
	UpdateTime time.Time
}

// IsActive reports whether the entry is still within its lifetime at now.
func (n Neighbor[T]) IsActive(now time.Time) bool {
	return now.Before(n.UpdateTime.Add(n.MaxAge))
}

// IsStale reports whether the entry's lifetime has elapsed at now.
func (n Neighbor[T]) IsStale(now time.Time) bool {
	return !n.IsActive(now)
}

// ExpiresAt returns the instant the entry becomes stale.
func (n Neighbor[T]) ExpiresAt() time.Time {
	return n.UpdateTime.Add(n.MaxAge)
}

// CloneFunc deep-copies a payload holding references.
type CloneFunc[T any] func(T) T

// Option configures a Cache.
type Option[T any] func(*Cache[T])

// WithClock overrides the time source.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(c *Cache[T]) {
		c.now = now
	}
}

// WithClone sets the function used to copy payloads out of the cache.
func WithClone[T any](clone CloneFunc[T]) Option[T] {
	return func(c *Cache[T]) {
		c.clone = clone
	}
}

// WithMaxAge sets the lifetime given to entries created by NewNeighbor.
func WithMaxAge[T any](d time.Duration) Option[T] {
	return func(c *Cache[T]) {
		if d > 0 {
			c.maxAge = d
		}
	}
}

// Cache maps ids to neighbors. It is safe for concurrent use.
type Cache[T any] struct {
	mu        sync.RWMutex
	neighbors map[string]Neighbor[T]

	now    func() time.Time
	clone  CloneFunc[T]
	maxAge time.Duration
}

// NewCache creates an empty cache.
func NewCache[T any](opts ...Option[T]) *Cache[T] {
	c := &Cache[T]{
		neighbors: make(map[string]Neighbor[T]),
		now:       time.Now,
		maxAge:    DefaultMaxAge,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewNeighbor builds an entry stamped with the cache clock. A zero maxAge
// uses the cache default.
func (c *Cache[T]) NewNeighbor(id string, data T, maxAge time.Duration) Neighbor[T] {
	if maxAge <= 0 {
		maxAge = c.maxAge
	}
	return Neighbor[T]{
		ID:         id,
		Data:       data,
		MaxAge:     maxAge,
		UpdateTime: c.now(),
	}
}

// Touch records fresh liveness evidence for id, replacing any previous entry.
func (c *Cache[T]) Touch(id string, data T) {
	c.UpdateNeighbor(c.NewNeighbor(id, data, 0))
}

// UpdateNeighbor inserts or replaces the entry with n.ID.
func (c *Cache[T]) UpdateNeighbor(n Neighbor[T]) {
	n.Data = c.copyData(n.Data)

	c.mu.Lock()
	c.neighbors[n.ID] = n
	c.mu.Unlock()
}

// RemoveNeighbor deletes id. Removing an absent id is a no-op.
func (c *Cache[T]) RemoveNeighbor(id string) {
	c.mu.Lock()
	delete(c.neighbors, id)
	c.mu.Unlock()
}

// GetNeighbor returns a copy of the entry for id.
func (c *Cache[T]) GetNeighbor(id string) (Neighbor[T], bool) {
	c.mu.RLock()
	n, ok := c.neighbors[id]
	c.mu.RUnlock()

	if !ok {
		return Neighbor[T]{}, false
	}
	n.Data = c.copyData(n.Data)
	return n, true
}

// GetNeighbors returns a copy of every entry, stale ones included.
func (c *Cache[T]) GetNeighbors() map[string]Neighbor[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Neighbor[T], len(c.neighbors))
	for id, n := range c.neighbors {
		n.Data = c.copyData(n.Data)
		out[id] = n
	}
	return out
}

// Clean removes every stale entry and returns how many were removed.
func (c *Cache[T]) Clean() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, n := range c.neighbors {
		if n.IsStale(now) {
			delete(c.neighbors, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, stale ones included.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.neighbors)
}

// Now returns the cache clock's current time.
func (c *Cache[T]) Now() time.Time {
	return c.now()
}

func (c *Cache[T]) copyData(data T) T {
	if c.clone == nil {
		return data
	}
	return c.clone(data)
}

// Sweep calls Clean every interval until ctx is done. onClean, when non-nil,
// receives the number of entries removed by each pass that removed any.
func (c *Cache[T]) Sweep(ctx context.Context, interval time.Duration, onClean func(removed int)) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Clean(); n > 0 && onClean != nil {
				onClean(n)
			}
		}
	}
}
