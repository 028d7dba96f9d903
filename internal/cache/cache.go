// Package cache keeps the hot set of decoded nodes in memory under a byte
// budget. Clean nodes are evicted least-recently-used; dirty nodes are
// pinned until written back.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jwuensche/haura/internal/metrics"
)

// Value is a cacheable node. Evictable reports false while the node is
// dirty; such entries survive any amount of cache pressure.
type Value interface {
	CacheWeight() int64
	Evictable() bool
}

// Key addresses one node version: its logical block and the generation the
// in-memory copy represents.
type Key struct {
	Block uint64
	Gen   uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%d@%d", k.Block, k.Gen)
}

type entry struct {
	key    Key
	value  Value
	weight int64
	elem   *list.Element
}

// Cache is a byte-budgeted LRU over node versions. Concurrent loads of the
// same key are collapsed into a single storage read.
type Cache struct {
	mu         sync.Mutex
	maxBytes   int64
	totalBytes int64
	entries    map[Key]*entry
	lru        *list.List // front = most recent
	group      singleflight.Group
	pressure   chan struct{}
	logger     *zap.Logger
}

func New(maxBytes int64, logger *zap.Logger) *Cache {
	return &Cache{
		maxBytes: maxBytes,
		entries:  make(map[Key]*entry),
		lru:      list.New(),
		pressure: make(chan struct{}, 1),
		logger:   logger,
	}
}

// Get returns the cached value for key, loading it through load on a miss.
// Only one load per key runs at a time; concurrent callers share the result.
func (c *Cache) Get(ctx context.Context, key Key, load func(ctx context.Context) (Value, error)) (Value, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.lru.MoveToFront(e.elem)
		c.mu.Unlock()
		metrics.CacheHits.Inc()
		return e.value, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		// Re-check: another caller may have inserted while we queued.
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			c.lru.MoveToFront(e.elem)
			c.mu.Unlock()
			metrics.CacheHits.Inc()
			return e.value, nil
		}
		c.mu.Unlock()

		val, err := load(ctx)
		if err != nil {
			return nil, err
		}
		metrics.CacheMisses.Inc()
		c.Add(key, val)
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Value), nil
}

// Add inserts (or replaces) a value under key.
func (c *Cache) Add(key Key, v Value) {
	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.totalBytes -= old.weight
		c.lru.Remove(old.elem)
		delete(c.entries, key)
	}
	e := &entry{key: key, value: v, weight: v.CacheWeight()}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.totalBytes += e.weight
	c.evictLocked()
	metrics.CacheBytes.Set(float64(c.totalBytes))
	c.mu.Unlock()
}

// Rekey moves an entry to a new key, used when a dirty node advances to the
// pending generation.
func (c *Cache) Rekey(old, new Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[old]
	if !ok {
		return
	}
	delete(c.entries, old)
	e.key = new
	c.entries[new] = e
}

// Update re-reads the weight of an entry after its node grew or shrank.
func (c *Cache) Update(key Key) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.totalBytes += e.value.CacheWeight() - e.weight
		e.weight = e.value.CacheWeight()
		c.evictLocked()
		metrics.CacheBytes.Set(float64(c.totalBytes))
	}
	c.mu.Unlock()
}

// Remove drops an entry regardless of its state.
func (c *Cache) Remove(key Key) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.totalBytes -= e.weight
		c.lru.Remove(e.elem)
		delete(c.entries, key)
		metrics.CacheBytes.Set(float64(c.totalBytes))
	}
	c.mu.Unlock()
}

// evictLocked removes clean LRU entries until the budget holds. If only
// dirty entries remain over budget, it signals memory pressure so the
// maintenance layer schedules a write-back.
func (c *Cache) evictLocked() {
	if c.maxBytes <= 0 {
		return
	}
	elem := c.lru.Back()
	for c.totalBytes > c.maxBytes && elem != nil {
		prev := elem.Prev()
		e := elem.Value.(*entry)
		if e.value.Evictable() {
			c.totalBytes -= e.weight
			c.lru.Remove(elem)
			delete(c.entries, e.key)
			metrics.CacheEvictions.Inc()
			c.logger.Debug("evicted node from cache",
				zap.Uint64("block", e.key.Block),
				zap.Uint64("gen", e.key.Gen),
				zap.Int64("weight", e.weight),
			)
		}
		elem = prev
	}
	if c.totalBytes > c.maxBytes {
		select {
		case c.pressure <- struct{}{}:
		default:
		}
	}
}

// Pressure signals that the cache is over budget with only dirty entries
// left; the receiver should write back and return the memory.
func (c *Cache) Pressure() <-chan struct{} {
	return c.pressure
}

// Bytes returns the current cache footprint.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
