// Package cache is the in-process TTL store used for hot configuration and
// memoized recognition results. It is an accelerant only: callers must treat a
// miss as normal and reload from the source of truth.
package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// entryOverhead approximates the map bucket, header and time fields of one entry.
const entryOverhead = 64

type entry struct {
	value     any
	createdAt time.Time
	expiresAt time.Time // zero means no expiry
	size      int
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type Stats struct {
	Hits         uint64  `json:"hits"`
	Misses       uint64  `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	Sets         uint64  `json:"sets"`
	Deletes      uint64  `json:"deletes"`
	Evictions    uint64  `json:"evictions"`
	Entries      int     `json:"entry_count"`
	ApproxMemory int64   `json:"approx_memory"`
}

type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	memory  int64
	now     func() time.Time

	hits      atomic.Uint64
	misses    atomic.Uint64
	sets      atomic.Uint64
	deletes   atomic.Uint64
	evictions atomic.Uint64
}

type Option func(*Cache)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Get(key string) (any, bool) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if e.expired(now) {
		c.evictIfStale(key, now)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Set stores value under key. ttl <= 0 keeps the entry until deleted.
func (c *Cache) Set(key string, value any, ttl time.Duration) bool {
	if key == "" {
		return false
	}
	now := c.now()
	e := entry{value: value, createdAt: now, size: approxSize(key, value)}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	if prev, ok := c.entries[key]; ok {
		c.memory -= int64(prev.size)
	}
	c.entries[key] = e
	c.memory += int64(e.size)
	c.mu.Unlock()

	c.sets.Add(1)
	return true
}

// Delete reports whether a live entry was removed.
func (c *Cache) Delete(key string) bool {
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
		c.memory -= int64(e.size)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	if e.expired(now) {
		c.evictions.Add(1)
		return false
	}
	c.deletes.Add(1)
	return true
}

// DeletePrefix drops every entry whose key starts with prefix and returns the count.
func (c *Cache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	n := 0
	for k, e := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			c.memory -= int64(e.size)
			n++
		}
	}
	c.mu.Unlock()

	c.deletes.Add(uint64(n))
	return n
}

func (c *Cache) Exists(key string) bool {
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return false
	}
	if e.expired(now) {
		c.evictIfStale(key, now)
		return false
	}
	return true
}

func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.memory = 0
	c.mu.Unlock()
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			c.memory -= int64(e.size)
			n++
		}
	}
	c.mu.Unlock()

	c.evictions.Add(uint64(n))
	return n
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	entries := len(c.entries)
	memory := c.memory
	c.mu.RUnlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:         hits,
		Misses:       misses,
		HitRate:      rate,
		Sets:         c.sets.Load(),
		Deletes:      c.deletes.Load(),
		Evictions:    c.evictions.Load(),
		Entries:      entries,
		ApproxMemory: memory,
	}
}

// evictIfStale removes key only if it still holds an expired entry; a
// concurrent Set may have replaced it since the read lock was released.
func (c *Cache) evictIfStale(key string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.expired(now) {
		return
	}
	delete(c.entries, key)
	c.memory -= int64(e.size)
	c.evictions.Add(1)
}

// Get is a typed read. A present value of another type counts as a hit but
// reports false.
func Get[T any](c *Cache, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

func approxSize(key string, value any) int {
	n := entryOverhead + len(key)
	switch v := value.(type) {
	case string:
		n += len(v)
	case []byte:
		n += len(v)
	case []string:
		for _, s := range v {
			n += len(s) + 16
		}
	case map[string]string:
		for k, s := range v {
			n += len(k) + len(s) + 32
		}
	case interface{ ApproxSize() int }:
		n += v.ApproxSize()
	default:
		n += entryOverhead
	}
	return n
}
