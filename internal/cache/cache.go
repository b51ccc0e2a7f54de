// Package cache provides the status snapshot cache used by the polling API.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCacheMiss indicates a cache miss.
var ErrCacheMiss = errors.New("cache miss")

// Client defines the cache interface.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryClient implements Client with an in-process map. Used in development
// and tests where Redis is not running.
type MemoryClient struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryClient creates an empty in-memory cache.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{entries: map[string]memoryEntry{}}
}

// Get returns the cached value or ErrCacheMiss.
func (c *MemoryClient) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || (!entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt)) {
		return nil, ErrCacheMiss
	}
	return entry.value, nil
}

// Set stores the value with an optional TTL.
func (c *MemoryClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return nil
}

// Delete removes the key.
func (c *MemoryClient) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Close is a no-op for the in-memory cache.
func (c *MemoryClient) Close() error {
	return nil
}
