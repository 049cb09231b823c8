package cache

import (
	"bytes"
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value  []byte
	expiry time.Time
}

// MemoryCache is an in-process Cache for development and tests.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache constructs an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

// SetClock overrides the time source used for expiry.
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	c.now = now
}

func (c *MemoryCache) lookup(key string) (memoryEntry, bool) {
	entry, ok := c.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiry.IsZero() && !c.now().Before(entry.expiry) {
		delete(c.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (c *MemoryCache) store(key string, value []byte, ttl time.Duration) {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiry = c.now().Add(ttl)
	}
	c.entries[key] = entry
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lookup(key)
	if !ok {
		return nil, ErrMiss
	}
	return append([]byte(nil), entry.value...), nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(key, value, ttl)
	return nil
}

func (c *MemoryCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lookup(key); ok {
		return false, nil
	}
	c.store(key, value, ttl)
	return true, nil
}

func (c *MemoryCache) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lookup(key)
	if !ok || !bytes.Equal(entry.value, value) {
		return false, nil
	}
	delete(c.entries, key)
	return true, nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (c *MemoryCache) Close() error {
	return nil
}

// Len reports the number of live entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for key := range c.entries {
		if _, ok := c.lookup(key); ok {
			count++
		}
	}
	return count
}
