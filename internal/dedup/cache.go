// Package dedup remembers recently delivered event ids so that an event
// arriving over more than one transport reaches consumers only once.
package dedup

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultHorizon must exceed the worst latency gap between the fastest
	// and slowest tier.
	DefaultHorizon = 2 * time.Minute

	DefaultMaxSize = 10000
)

// Options configures the cache.
type Options struct {
	Horizon time.Duration
	// MaxSize bounds the number of remembered ids; <= 0 disables the bound.
	MaxSize int
}

type entry struct {
	id         string
	insertedAt time.Time
}

// Cache is a bounded set of (eventId, insertedAt) entries. Entries are
// kept in insertion order so expiry only inspects the oldest ones.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	horizon time.Duration
	maxSize int
}

// New creates a cache, applying defaults for a zero horizon.
func New(opts Options) *Cache {
	horizon := opts.Horizon
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		horizon: horizon,
		maxSize: opts.MaxSize,
	}
}

// Seen returns true if id was recorded within the horizon. Otherwise it
// records id and returns false.
func (c *Cache) Seen(id string) bool {
	return c.SeenAt(id, time.Now())
}

// SeenAt is Seen with an explicit clock.
func (c *Cache) SeenAt(id string, now time.Time) bool {
	if id == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.expire(now)

	if _, ok := c.entries[id]; ok {
		// insertedAt is not refreshed: the horizon counts from first sight.
		return true
	}

	c.entries[id] = c.order.PushBack(&entry{id: id, insertedAt: now})
	c.evictOverflow()
	return false
}

// Contains reports whether id is remembered without recording it.
func (c *Cache) Contains(id string) bool {
	return c.ContainsAt(id, time.Now())
}

// ContainsAt is Contains with an explicit clock.
func (c *Cache) ContainsAt(id string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[id]
	if !ok {
		return false
	}
	return now.Sub(el.Value.(*entry).insertedAt) < c.horizon
}

// Len returns the number of remembered ids, expired ones included until
// the next write.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear forgets everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

func (c *Cache) expire(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		e := el.Value.(*entry)
		if now.Sub(e.insertedAt) < c.horizon {
			return
		}
		c.order.Remove(el)
		delete(c.entries, e.id)
	}
}

func (c *Cache) evictOverflow() {
	if c.maxSize <= 0 {
		return
	}
	for len(c.entries) > c.maxSize {
		el := c.order.Front()
		c.order.Remove(el)
		delete(c.entries, el.Value.(*entry).id)
	}
}
