// Package cache provides the result-cache adapters accepted by
// orbit.Options.CacheAdapter.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/syssam/orbit"
)

// NullAdapter caches nothing. It is always a valid configuration.
type NullAdapter struct{}

// Get implements orbit.Cache.
func (NullAdapter) Get(context.Context, string) ([]byte, error) { return nil, nil }

// Set implements orbit.Cache.
func (NullAdapter) Set(context.Context, string, []byte, time.Duration) error { return nil }

// Delete implements orbit.Cache.
func (NullAdapter) Delete(context.Context, string) error { return nil }

// DeletePrefix implements orbit.Cache.
func (NullAdapter) DeletePrefix(context.Context, string) error { return nil }

// Clear implements orbit.Cache.
func (NullAdapter) Clear(context.Context) error { return nil }

type item struct {
	data    []byte
	expires time.Time // zero means no expiry
}

func (it item) expired(now time.Time) bool {
	return !it.expires.IsZero() && !it.expires.After(now)
}

// MemoryAdapter is a process-local cache. Expired entries are dropped on
// access and by Purge.
type MemoryAdapter struct {
	mu    sync.RWMutex
	items map[string]item
	now   func() time.Time
}

// NewMemoryAdapter returns an empty in-memory cache.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{items: make(map[string]item), now: time.Now}
}

// Get implements orbit.Cache.
func (c *MemoryAdapter) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if it.expired(c.now()) {
		c.mu.Lock()
		if cur, ok := c.items[key]; ok && cur.expired(c.now()) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return nil, nil
	}
	return append([]byte(nil), it.data...), nil
}

// Set implements orbit.Cache.
func (c *MemoryAdapter) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	it := item{data: append([]byte(nil), data...)}
	if ttl > 0 {
		it.expires = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = it
	c.mu.Unlock()
	return nil
}

// Delete implements orbit.Cache.
func (c *MemoryAdapter) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// DeletePrefix implements orbit.Cache.
func (c *MemoryAdapter) DeletePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			delete(c.items, k)
		}
	}
	return nil
}

// Clear implements orbit.Cache.
func (c *MemoryAdapter) Clear(context.Context) error {
	c.mu.Lock()
	c.items = make(map[string]item)
	c.mu.Unlock()
	return nil
}

// Purge drops expired entries and returns how many were dropped.
func (c *MemoryAdapter) Purge() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, it := range c.items {
		if it.expired(now) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryAdapter) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

var (
	_ orbit.Cache = NullAdapter{}
	_ orbit.Cache = (*MemoryAdapter)(nil)
)
