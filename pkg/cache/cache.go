// Grove serves the same cache through more than one front end (RESP and HTTP).
// This module provides an interface on the cache, so ports depend on the operations they call rather than on Store.

package cache

import "time"

// Cache is the set of operations the ports serve. Store is the implementation; see its methods for semantics.
type Cache interface {
	Get(key string) ([]byte, bool)
	SetWithOptions(key string, value []byte, opts SetOptions) (SetResult, error)
	Delete(key string) int
	DeleteMany(keys []string) int
	Exists(key string) bool
	ExistsMany(keys []string) []bool
	TTL(key string) (remaining time.Duration, hasExpiry bool, found bool)
	TTLSeconds(key string) int64
	Expire(key string, ttl time.Duration) error
	Persist(key string) (bool, error)
	SetParent(child, parent string) error
	Children(key string, depth int) ([]Descendant, error)
	Info(key string) (KeyInfo, bool)
	ListKeys(pattern string, limit int) ([]string, error)
	Stats() Stats
	Flush()
	Len() int
}

var _ Cache = (*Store)(nil)
