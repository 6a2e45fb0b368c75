package cache

import (
	"context"
	"sync"
	"time"
)

// memoryClient implementa Client usando un map en memoria.
// Útil para desarrollo y testing; no sirve para multi-instancia.
type memoryClient struct {
	prefix string
	mu     sync.RWMutex
	data   map[string]memoryEntry
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
	noExpire  bool
}

// NewMemory crea un cliente de cache en memoria.
func NewMemory(prefix string) *memoryClient {
	return &memoryClient{
		prefix: prefix,
		data:   make(map[string]memoryEntry),
	}
}

func (c *memoryClient) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

func (c *memoryClient) Get(ctx context.Context, key string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.data[c.key(key)]
	if !ok {
		return "", ErrNotFound
	}
	if !entry.noExpire && time.Now().After(entry.expiresAt) {
		return "", ErrNotFound
	}
	return entry.value, nil
}

func (c *memoryClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := memoryEntry{value: value, noExpire: ttl == 0}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	c.data[c.key(key)] = entry
	return nil
}

func (c *memoryClient) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, c.key(key))
	return nil
}

func (c *memoryClient) Ping(ctx context.Context) error { return nil }

func (c *memoryClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = nil
	return nil
}
