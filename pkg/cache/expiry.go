// Expiry is reclaimed two ways. Lazily: any read-path operation finding an expired entry (or an entry below an expired
// ancestor) reaps the top-most dead key with its subtree. Actively: a background sweeper walks per-shard expiry buckets
// once per tick and reaps whatever is due. Both paths end in the same cascade as Delete.

package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/nobletooth/grove/pkg/utils"
)

// getTimeBucket rounds `timestamp` down to the start of its `tickInterval` wide bucket.
func getTimeBucket(timestamp time.Time, tickInterval time.Duration) time.Time {
	return time.Unix(0, (timestamp.UnixNano()/int64(tickInterval))*int64(tickInterval))
}

// resolve reads `key` and decides whether it is live. `dead` is the top-most expired key on the ancestor chain (the
// key itself included), which is what has to be reaped; it is empty when nothing on the chain has expired.
// Keys without a parent are resolved under their shard lock alone.
func (s *Store) resolve(key string, now time.Time) (snap snapshot, dead string, live bool) {
	snap, found := s.read(key)
	if !found {
		return snapshot{}, "", false
	}
	if !snap.hasParent {
		if snap.expiredAt(now) {
			return snap, key, false
		}
		return snap, "", true
	}
	s.topology.RLock()
	defer s.topology.RUnlock()
	return s.resolveLocked(key, now)
}

// resolveLocked walks the ancestor chain of `key` one shard lock at a time; holding the topology lock keeps the chain
// from changing under the walk. NOTE: Caller should hold the topology lock, shared or exclusive.
func (s *Store) resolveLocked(key string, now time.Time) (snap snapshot, dead string, live bool) {
	snap, found := s.read(key)
	if !found {
		return snapshot{}, "", false
	}
	for current, currentKey := snap, key; ; {
		if current.expiredAt(now) {
			dead = currentKey
		}
		if !current.hasParent {
			break
		}
		parentKey := current.parent
		parent, found := s.read(parentKey)
		if !found {
			utils.RaiseInvariant("expiry", "dangling_parent", "An entry points to a parent that doesn't exist.",
				"key", currentKey, "parent", parentKey)
			break
		}
		current, currentKey = parent, parentKey
	}
	return snap, dead, dead == ""
}

// livenessInSnapshot is resolveLocked for callers that already hold every shard lock (see rlockAll).
func (s *Store) livenessInSnapshot(key string, now time.Time) (dead string, live bool) {
	e, exists := s.shardOf(key).entries[key]
	if !exists {
		return "", false
	}
	for current, currentKey := e, key; ; {
		if current.expiredAt(now) {
			dead = currentKey
		}
		if !current.hasParent {
			break
		}
		parentKey := current.parent
		parent, found := s.shardOf(parentKey).entries[parentKey]
		if !found {
			utils.RaiseInvariant("expiry", "dangling_parent", "An entry points to a parent that doesn't exist.",
				"key", currentKey, "parent", parentKey)
			break
		}
		current, currentKey = parent, parentKey
	}
	return dead, dead == ""
}

// reap removes `key` and its subtree if `key` is still expired once the topology lock is held exclusively; a
// concurrent Set or Persist may have revived it in between. Returns the number of removed entries.
func (s *Store) reap(key string, cause removalCause) int {
	s.topology.Lock()
	defer s.topology.Unlock()
	snap, found := s.read(key)
	if !found || !snap.expiredAt(s.now()) {
		return 0
	}
	return s.removeTree(key, cause)
}

func (s *Store) sweeper(ctx context.Context) {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reaped := s.sweep(); reaped > 0 {
				slog.Debug("Swept expired keys.", "roots", reaped, "entries", s.Len())
			}
		}
	}
}

// sweep reaps every key whose expiry bucket is due and returns how many keys were reaped as roots. Candidates are
// gathered under shard read locks which are released before reaping, so that sweeping never holds a shard lock while
// waiting for the topology lock.
func (s *Store) sweep() int {
	s.sweepMux.Lock()
	defer s.sweepMux.Unlock()
	tick := s.opts.SweepInterval
	if tick <= 0 {
		return 0
	}

	current := getTimeBucket(s.now(), tick)
	var due []string
	for _, sh := range s.shards {
		sh.mux.RLock()
		for bucketTime, bucket := range sh.buckets {
			// The current bucket may still hold keys that expire later within it; reap re-checks those.
			if bucketTime.After(current) {
				continue
			}
			for key := range bucket {
				due = append(due, key)
			}
		}
		sh.mux.RUnlock()
	}

	reaped := 0
	for _, key := range due {
		if s.reap(key, causeActiveExpiry) > 0 {
			reaped++
		}
	}
	return reaped
}
