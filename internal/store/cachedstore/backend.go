// Package cachedstore provides a read-through caching wrapper for Store
// implementations.
package cachedstore

import (
	"time"

	"github.com/birrpay/quotacache/internal/store"
	"github.com/birrpay/quotacache/internal/ttlcache"
)

// Backend defines the cache the store reads through.
type Backend interface {
	// Get retrieves a cached document. Returns nil, false if absent or stale.
	Get(key string) (store.Document, bool)

	// Peek is Get without counting a hit or miss.
	Peek(key string) (store.Document, bool)

	// SetWithTTL caches a document for ttl.
	SetWithTTL(key string, doc store.Document, ttl time.Duration)

	// Delete drops a cached document.
	Delete(key string)

	// Stats returns cache statistics.
	Stats() ttlcache.Stats
}

// Compile-time check that the TTL cache is a Backend.
var _ Backend = (*ttlcache.Cache)(nil)

// Quota receives one read or write per backing-store call and scales cache
// TTLs while usage is high.
type Quota interface {
	RecordRead(n int64)
	RecordWrite(n int64)
	TTLMultiplier() int
}
