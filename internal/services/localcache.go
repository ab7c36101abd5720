package services

import (
	"sync"
	"time"

	"github.com/yourusername/upload-gateway/internal/models"
)

type localEntry struct {
	record    *models.IdentityRecord
	expiresAt time.Time
}

// LocalCache is the zero-I/O first tier in front of Redis. It is a
// bounded map with TTL expiry and FIFO eviction: when full, the oldest
// insertion goes first regardless of use.
type LocalCache struct {
	mu       sync.RWMutex
	ttl      time.Duration
	capacity int
	data     map[string]localEntry
	order    []string // insertion order for FIFO eviction
}

func NewLocalCache(capacity int, ttl time.Duration) *LocalCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LocalCache{
		ttl:      ttl,
		capacity: capacity,
		data:     make(map[string]localEntry, capacity),
	}
}

// Get returns the cached record, or nil on miss or expiry. Expired
// entries are deleted lazily.
func (c *LocalCache) Get(key string) *models.IdentityRecord {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.data[key]; ok && time.Now().After(cur.expiresAt) {
			delete(c.data, key)
			c.removeOrder(key)
		}
		c.mu.Unlock()
		return nil
	}
	return entry.record
}

func (c *LocalCache) Set(key string, record *models.IdentityRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists {
		for len(c.data) >= c.capacity && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.data, oldest)
		}
		c.order = append(c.order, key)
	}
	c.data[key] = localEntry{record: record, expiresAt: time.Now().Add(c.ttl)}
}

func (c *LocalCache) Delete(key string) {
	c.mu.Lock()
	if _, ok := c.data[key]; ok {
		delete(c.data, key)
		c.removeOrder(key)
	}
	c.mu.Unlock()
}

// removeOrder frees key's FIFO slot so the index stays in step with
// the map. Callers hold mu.
func (c *LocalCache) removeOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *LocalCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
