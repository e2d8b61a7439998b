package rules

import (
	"sync"
	"time"

	"github.com/liamcoop/trackerrules/models"
)

// InMemorySnapshotCache is a simple in-memory implementation of SnapshotCache
// Thread-safe for concurrent access
type InMemorySnapshotCache struct {
	snapshot *Snapshot
	cachedAt time.Time
	config   CacheConfig
	now      func() time.Time
	mu       sync.RWMutex
}

// NewInMemorySnapshotCache creates a new in-memory snapshot cache
func NewInMemorySnapshotCache(config CacheConfig) *InMemorySnapshotCache {
	return &InMemorySnapshotCache{
		config: config,
		now:    time.Now,
	}
}

// Get returns a copy of the cached snapshot, or nil if invalid or expired
func (c *InMemorySnapshotCache) Get() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.validLocked() {
		return nil
	}
	return copySnapshot(c.snapshot)
}

// Set stores a copy of the snapshot
func (c *InMemorySnapshotCache) Set(snapshot *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snapshot = copySnapshot(snapshot)
	c.cachedAt = c.now()
}

// Invalidate clears the cache
func (c *InMemorySnapshotCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snapshot = nil
}

// IsValid returns true if cache contains valid data
func (c *InMemorySnapshotCache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.validLocked()
}

func (c *InMemorySnapshotCache) validLocked() bool {
	if c.snapshot == nil {
		return false
	}
	if c.config.TTL > 0 && c.now().Sub(c.cachedAt) > c.config.TTL {
		return false
	}
	return true
}

// copySnapshot copies the slices so callers cannot modify the cached lists
func copySnapshot(s *Snapshot) *Snapshot {
	if s == nil {
		return nil
	}
	rules := make([]*Rule, len(s.Rules))
	copy(rules, s.Rules)
	vars := make([]models.RuleVariable, len(s.Variables))
	copy(vars, s.Variables)
	return &Snapshot{Rules: rules, Variables: vars}
}
