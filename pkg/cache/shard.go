// This module distributes keys uniformly across lock shards. Every shard owns a slice of the key space together with
// its own RWMutex, so writers of unrelated keys don't contend with each other. Operations spanning several keys
// (cascades, re-parenting, snapshots) lock the shards they touch in ascending index order, which keeps any two such
// operations from deadlocking each other.

package cache

import (
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// shard holds the entries whose key hashes to it, plus the expiry index the sweeper walks.
type shard struct {
	mux     sync.RWMutex
	entries map[string]*entry
	// buckets indexes expiring keys by the sweep tick their expiry falls into, so that the sweeper only visits keys
	// that are due instead of scanning the whole shard.
	buckets map[ /*tick*/ time.Time]map[ /*key*/ string]struct{}
	tick    time.Duration // Bucket width; non-positive disables the index.
}

func newShard(tick time.Duration) *shard {
	return &shard{
		entries: make(map[string]*entry),
		buckets: make(map[time.Time]map[string]struct{}),
		tick:    tick,
	}
}

// track moves `key` from the bucket of its previous expiry to the bucket of its new one. Zero times mean no expiry.
// NOTE: Caller should hold the shard write lock.
func (sh *shard) track(key string, previous, next time.Time) {
	if sh.tick <= 0 || previous.Equal(next) {
		return
	}
	if !previous.IsZero() {
		bucketTime := getTimeBucket(previous, sh.tick)
		if bucket, exists := sh.buckets[bucketTime]; exists {
			delete(bucket, key)
			if len(bucket) == 0 {
				delete(sh.buckets, bucketTime)
			}
		}
	}
	if !next.IsZero() {
		bucketTime := getTimeBucket(next, sh.tick)
		if _, exists := sh.buckets[bucketTime]; !exists {
			sh.buckets[bucketTime] = make(map[string]struct{})
		}
		sh.buckets[bucketTime][key] = struct{}{}
	}
}

// remove drops `key` from the shard and its expiry index. NOTE: Caller should hold the shard write lock.
func (sh *shard) remove(key string) (*entry, bool) {
	e, exists := sh.entries[key]
	if !exists {
		return nil, false
	}
	sh.track(key, e.expiresAt, time.Time{})
	delete(sh.entries, key)
	return e, true
}

// reset drops everything held by the shard. NOTE: Caller should hold the shard write lock.
func (sh *shard) reset() {
	sh.entries = make(map[string]*entry)
	sh.buckets = make(map[time.Time]map[string]struct{})
}

// shardIndex maps a key to its shard; xxhash gives a fast and uniform spread over string keys.
func (s *Store) shardIndex(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(s.shards)))
}

func (s *Store) shardOf(key string) *shard {
	return s.shards[s.shardIndex(key)]
}

// lockKeys write-locks the shards owning `keys` in ascending index order and returns the matching unlock function.
// Empty keys are skipped, so callers can pass optional keys (e.g. a missing parent) as "".
func (s *Store) lockKeys(keys ...string) (unlock func()) {
	indexes := make([]int, 0, len(keys))
	for _, key := range keys {
		if key != "" {
			indexes = append(indexes, s.shardIndex(key))
		}
	}
	slices.Sort(indexes)
	indexes = slices.Compact(indexes)
	for _, idx := range indexes {
		s.shards[idx].mux.Lock()
	}
	return func() {
		for i := len(indexes) - 1; i >= 0; i-- {
			s.shards[indexes[i]].mux.Unlock()
		}
	}
}

// rlockAll read-locks every shard in ascending order. While held, no entry or edge can change.
func (s *Store) rlockAll() (unlock func()) {
	for _, sh := range s.shards {
		sh.mux.RLock()
	}
	return func() {
		for i := len(s.shards) - 1; i >= 0; i-- {
			s.shards[i].mux.RUnlock()
		}
	}
}

// lockAll write-locks every shard in ascending order.
func (s *Store) lockAll() (unlock func()) {
	for _, sh := range s.shards {
		sh.mux.Lock()
	}
	return func() {
		for i := len(s.shards) - 1; i >= 0; i-- {
			s.shards[i].mux.Unlock()
		}
	}
}
