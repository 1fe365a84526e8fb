package reconcile

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// DeduplicationCache remembers recently seen position updates so a
// redelivered (routeId, timestamp) pair is applied once
type DeduplicationCache struct {
	cache *lru.Cache
}

// NewDeduplicationCache creates an LRU cache holding up to capacity keys
func NewDeduplicationCache(capacity int) *DeduplicationCache {
	if capacity <= 0 {
		capacity = 1000
	}
	c, err := lru.New(capacity)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &DeduplicationCache{cache: c}
}

// Seen records the key and reports whether it was already present
func (dc *DeduplicationCache) Seen(routeID string, timestamp int64) bool {
	found, _ := dc.cache.ContainsOrAdd(key(routeID, timestamp), struct{}{})
	return found
}

// Forget removes a key so the same update can be applied again
func (dc *DeduplicationCache) Forget(routeID string, timestamp int64) {
	dc.cache.Remove(key(routeID, timestamp))
}

// Size returns the number of cached keys
func (dc *DeduplicationCache) Size() int {
	return dc.cache.Len()
}

// Clear empties the cache
func (dc *DeduplicationCache) Clear() {
	dc.cache.Purge()
}

func key(routeID string, timestamp int64) string {
	return fmt.Sprintf("%s:%d", routeID, timestamp)
}
