package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// CachedStatus is a passing routine check shared by every session of the same broker login
type CachedStatus struct {
	Authenticated bool      `json:"authenticated"`
	TokenValid    bool      `json:"tokenValid"`
	CheckedAt     time.Time `json:"checkedAt"`
}

// StatusCache stores routine check results keyed by CacheKey.
// Get returns nil, nil on a miss.
type StatusCache interface {
	Get(ctx context.Context, key string) (*CachedStatus, error)
	Put(ctx context.Context, key string, status CachedStatus, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CacheKey derives the cache key for an access token so raw tokens never reach the cache
func CacheKey(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return hex.EncodeToString(sum[:])
}

type memoryEntry struct {
	status    CachedStatus
	expiresAt time.Time
}

// MemoryCache is the in-process StatusCache
type MemoryCache struct {
	mutex   sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty in-memory cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*CachedStatus, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		return nil, nil
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return nil, nil
	}
	status := entry.status
	return &status, nil
}

func (c *MemoryCache) Put(_ context.Context, key string, status CachedStatus, ttl time.Duration) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries[key] = memoryEntry{status: status, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.entries, key)
	return nil
}

// Sweep drops expired entries and returns how many were removed
func (c *MemoryCache) Sweep() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached entries, expired or not
func (c *MemoryCache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.entries)
}
