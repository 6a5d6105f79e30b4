package crypto

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DEK cache defaults
const (
	DefaultDEKCacheSize = 1024
	DefaultDEKCacheTTL  = 15 * time.Minute
)

type dekCacheKey struct {
	subject    string
	generation int
	salt       string
}

// dekEntry owns one cached key. The key is zeroed and dropped when the
// entry leaves the cache.
type dekEntry struct {
	mu  sync.RWMutex
	key []byte
}

func (e *dekEntry) copyKey() ([]byte, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.key == nil {
		return nil, false
	}
	return clone(e.key), true
}

func (e *dekEntry) wipe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	Zero(e.key)
	e.key = nil
}

// DEKCache holds derived keys so the password-hashing step runs once per
// subject, generation and salt. It is bounded in size and age.
type DEKCache struct {
	mu  sync.Mutex // serializes inserts
	lru *expirable.LRU[dekCacheKey, *dekEntry]
}

// NewDEKCache creates an empty cache holding at most size keys for at most
// ttl each. Non-positive values pick the defaults.
func NewDEKCache(size int, ttl time.Duration) *DEKCache {
	if size <= 0 {
		size = DefaultDEKCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultDEKCacheTTL
	}

	onEvict := func(_ dekCacheKey, e *dekEntry) {
		e.wipe()
	}
	return &DEKCache{
		lru: expirable.NewLRU[dekCacheKey, *dekEntry](size, onEvict, ttl),
	}
}

// GetOrDerive returns a copy of the cached key, or calls derive and caches
// its result. Callers own the returned slice.
func (c *DEKCache) GetOrDerive(subject string, generation int, salt []byte, derive func() ([]byte, error)) ([]byte, error) {
	k := dekCacheKey{subject: subject, generation: generation, salt: string(salt)}

	if e, ok := c.lru.Get(k); ok {
		if dek, ok := e.copyKey(); ok {
			return dek, nil
		}
	}

	dek, err := derive()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lru.Peek(k); ok {
		if _, live := e.copyKey(); live {
			return dek, nil
		}
	}
	c.lru.Add(k, &dekEntry{key: clone(dek)})
	return dek, nil
}

// Purge wipes and drops every key cached for subject.
func (c *DEKCache) Purge(subject string) {
	for _, k := range c.lru.Keys() {
		if k.subject == subject {
			c.lru.Remove(k)
		}
	}
}

// Clear wipes all cached keys.
func (c *DEKCache) Clear() {
	c.lru.Purge()
}

// Len returns the number of cached keys.
func (c *DEKCache) Len() int {
	return c.lru.Len()
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
