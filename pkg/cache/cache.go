// Package cache provides a bounded, sharded LRU cache with optional TTL
// expiry and eviction callbacks. It backs both the service-metadata cache
// and the compiled-handler cache.
package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"
)

// Reason describes why an entry left the cache.
type Reason string

const (
	ReasonLRU   Reason = "lru"
	ReasonTTL   Reason = "ttl"
	ReasonFlush Reason = "flush"
)

const numShards = 16

// Config configures a Cache.
type Config[V any] struct {
	// MaxEntries bounds the total number of entries. Zero means 1000.
	MaxEntries int
	// TTL expires entries after the given duration. Zero disables expiry.
	TTL time.Duration
	// OnEvict is called for every removed entry, outside the shard lock.
	OnEvict func(key string, value V, reason Reason)
}

// Cache is a sharded LRU map from string keys to values of type V.
// All operations are safe for concurrent use; no lock is held across an
// eviction callback.
type Cache[V any] struct {
	cfg    Config[V]
	shards [numShards]shard[V]
}

type shard[V any] struct {
	mu      sync.Mutex
	order   *list.List // front = most recently used
	entries map[string]*list.Element
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time // zero when TTL is disabled
}

type evicted[V any] struct {
	key    string
	value  V
	reason Reason
}

// New creates a Cache.
func New[V any](cfg Config[V]) *Cache[V] {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	c := &Cache[V]{cfg: cfg}
	for i := range c.shards {
		c.shards[i].order = list.New()
		c.shards[i].entries = make(map[string]*list.Element)
	}
	return c
}

func (c *Cache[V]) shard(key string) *shard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &c.shards[h.Sum32()%numShards]
}

// perShardMax spreads the global bound over the shards, rounding up so the
// configured maximum is never undercut by sharding.
func (c *Cache[V]) perShardMax() int {
	return (c.cfg.MaxEntries + numShards - 1) / numShards
}

// Get returns the value for key, marking it most recently used.
// Expired entries are removed and reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	s := c.shard(key)

	s.mu.Lock()
	el, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return zero, false
	}
	en := el.Value.(*entry[V])
	if !en.expiresAt.IsZero() && time.Now().After(en.expiresAt) {
		s.order.Remove(el)
		delete(s.entries, key)
		s.mu.Unlock()
		c.notify([]evicted[V]{{en.key, en.value, ReasonTTL}})
		return zero, false
	}
	s.order.MoveToFront(el)
	v := en.value
	s.mu.Unlock()
	return v, true
}

// Set inserts or replaces the value for key. A replaced value is reported
// to OnEvict with the flush reason; LRU overflow evicts the least recently
// used entry of the key's shard.
func (c *Cache[V]) Set(key string, value V) {
	s := c.shard(key)
	max := c.perShardMax()

	var out []evicted[V]

	s.mu.Lock()
	if el, ok := s.entries[key]; ok {
		en := el.Value.(*entry[V])
		out = append(out, evicted[V]{en.key, en.value, ReasonFlush})
		en.value = value
		en.expiresAt = c.deadline()
		s.order.MoveToFront(el)
	} else {
		en := &entry[V]{key: key, value: value, expiresAt: c.deadline()}
		s.entries[key] = s.order.PushFront(en)
		for len(s.entries) > max {
			oldest := s.order.Back()
			if oldest == nil {
				break
			}
			old := oldest.Value.(*entry[V])
			s.order.Remove(oldest)
			delete(s.entries, old.key)
			out = append(out, evicted[V]{old.key, old.value, ReasonLRU})
		}
	}
	s.mu.Unlock()

	c.notify(out)
}

func (c *Cache[V]) deadline() time.Time {
	if c.cfg.TTL <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.cfg.TTL)
}

// Delete removes key. Returns true if an entry was removed.
func (c *Cache[V]) Delete(key string) bool {
	s := c.shard(key)

	s.mu.Lock()
	el, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	en := el.Value.(*entry[V])
	s.order.Remove(el)
	delete(s.entries, key)
	s.mu.Unlock()

	c.notify([]evicted[V]{{en.key, en.value, ReasonFlush}})
	return true
}

// DeleteMatching removes every entry for which pred returns true and
// returns the number removed.
func (c *Cache[V]) DeleteMatching(pred func(key string, value V) bool) int {
	var out []evicted[V]

	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for key, el := range s.entries {
			en := el.Value.(*entry[V])
			if pred(key, en.value) {
				s.order.Remove(el)
				delete(s.entries, key)
				out = append(out, evicted[V]{en.key, en.value, ReasonFlush})
			}
		}
		s.mu.Unlock()
	}

	c.notify(out)
	return len(out)
}

// Clear removes everything and returns the number removed.
func (c *Cache[V]) Clear() int {
	return c.DeleteMatching(func(string, V) bool { return true })
}

// Len returns the number of live entries, counting expired-but-unreaped
// entries.
func (c *Cache[V]) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

func (c *Cache[V]) notify(out []evicted[V]) {
	if c.cfg.OnEvict == nil {
		return
	}
	for _, e := range out {
		c.cfg.OnEvict(e.key, e.value, e.reason)
	}
}
