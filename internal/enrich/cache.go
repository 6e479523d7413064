package enrich

import (
	"sync"
	"time"
)

// Cache is the injectable cache collaborator consumed by the enricher.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, v any, ttl time.Duration)
	Expire(key string)
}

type entry struct {
	v   any
	exp time.Time
}

// MemoryTTLCache is a map-backed Cache with per-entry TTL.
type MemoryTTLCache struct {
	mu sync.RWMutex
	m  map[string]entry
}

func NewMemoryTTLCache() *MemoryTTLCache {
	return &MemoryTTLCache{m: make(map[string]entry)}
}

func (c *MemoryTTLCache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		c.Expire(key)
		return nil, false
	}
	return e.v, true
}

func (c *MemoryTTLCache) Set(key string, v any, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.m[key] = entry{v: v, exp: exp}
	c.mu.Unlock()
}

func (c *MemoryTTLCache) Expire(key string) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}
