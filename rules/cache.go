package rules

import (
	"time"

	"github.com/liamcoop/trackerrules/models"
)

// Snapshot is the part of a program an evaluation reads from the store
type Snapshot struct {
	Rules     []*Rule
	Variables []models.RuleVariable
}

// SnapshotCache caches the active rules and variables of a program so
// evaluations do not hit the store
type SnapshotCache interface {
	// Get retrieves the cached snapshot, returns nil if cache miss or expired
	Get() *Snapshot

	// Set stores a snapshot in cache
	Set(snapshot *Snapshot)

	// Invalidate clears the cache, forcing a refresh on next Get
	Invalidate()

	// IsValid returns true if cache has valid data
	IsValid() bool
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries
	// Set to 0 for no expiration (manual invalidation only)
	TTL time.Duration
}

// DefaultCacheConfig only invalidates on mutations
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}
