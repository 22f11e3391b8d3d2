// The entry store owns the key -> entry mapping. Values and expiries are mutated under the owning shard's write lock
// only; relationship edges additionally require the topology lock (see graph.go). Values are copied on the way in
// and on the way out, so callers can never alias the cached bytes.

package cache

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nobletooth/grove/pkg/utils"
)

// Sentinels reported by TTLSeconds; they match the Redis TTL command.
const (
	NoExpiry   int64 = -1
	KeyMissing int64 = -2
)

// entryOverhead approximates the bookkeeping of an entry beyond its key and value: the entry struct, its map slot
// and its expiry bucket slot.
const entryOverhead = 96

// entrySize is the estimated memory held by an entry, as accounted against --max_memory.
func entrySize(key string, value []byte) int64 {
	return int64(len(key)+len(value)) + entryOverhead
}

// entry is the stored state of a single key.
type entry struct {
	value     []byte
	expiresAt time.Time // Zero means the entry never expires.
	parent    string    // Only meaningful when hasParent is set.
	hasParent bool
	children  map[string]struct{}
}

func (e *entry) expiredAt(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// isolated is true for entries that can be removed without touching any other entry.
func (e *entry) isolated() bool {
	return !e.hasParent && len(e.children) == 0
}

func (e *entry) snapshot() snapshot {
	return snapshot{
		value:     e.value,
		expiresAt: e.expiresAt,
		parent:    e.parent,
		hasParent: e.hasParent,
	}
}

// snapshot is a copy of an entry's fields taken under its shard lock. The value slice is shared, which is safe since
// stored values are replaced and never written to in place.
type snapshot struct {
	value     []byte
	expiresAt time.Time
	parent    string
	hasParent bool
}

func (sn snapshot) expiredAt(now time.Time) bool {
	return !sn.expiresAt.IsZero() && !now.Before(sn.expiresAt)
}

// SetOptions extends a plain Set with the Redis SET modifiers plus a parent assignment.
type SetOptions struct {
	TTL            time.Duration // Zero means no expiry.
	KeepTTL        bool          // Keep the expiry of a live previous entry; overrides TTL in that case.
	Parent         string        // If set, the key becomes a child of Parent in the same atomic write.
	OnlyIfMissing  bool          // NX
	OnlyIfExists   bool          // XX
	ReturnPrevious bool          // GET; report the previous value in SetResult.Previous.
}

// SetResult describes the outcome of SetWithOptions.
type SetResult struct {
	Previous []byte // The previous live value if ReturnPrevious was set; nil when the key didn't exist.
	Existed  bool   // True if the key held a live entry before the call.
	Applied  bool   // False when an NX/XX condition prevented the write.
}

// Store is a concurrency-safe in-memory cache with TTL expiry and parent/child relationships between keys.
// Removing or expiring a key removes all of its descendants. Create one with New and pass the handle to whoever needs
// it; call Close to stop the background sweeper.
type Store struct {
	opts   Options
	now    func() time.Time
	shards []*shard
	// topology guards the parent/children edges. Structural writes (re-parenting, cascades, flush) hold it
	// exclusively; reads and deletes that rely on stable edges hold it shared. It is always taken before shard locks.
	topology sync.RWMutex
	entries  atomic.Int64 // Stored entries, expired but not yet reaped ones included.
	memory   atomic.Int64 // Estimated bytes held by the stored entries, see entrySize.
	stats    counters

	sweepMux sync.Mutex // Serializes sweeps.

	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	closeOnce sync.Once
}

// New is the constructor for Store. It starts the background sweeper when opts.SweepInterval is positive; the
// sweeper stops when `ctx` is cancelled or Close is called.
func New(ctx context.Context, opts Options) *Store {
	if opts.Shards <= 0 {
		utils.RaiseInvariant("cache", "non_positive_shard_count",
			"Invalid shard count has been given to the cache.", "shards", opts.Shards)
		opts.Shards = 1
	}
	if opts.GlobMaxComplexity <= 0 {
		opts.GlobMaxComplexity = 100
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(ctx)
	store := &Store{
		opts:   opts,
		now:    now,
		shards: make([]*shard, opts.Shards),
		cancel: cancel,
	}
	for i := range store.shards {
		store.shards[i] = newShard(opts.SweepInterval)
	}
	if opts.SweepInterval > 0 {
		store.waitGroup.Add(1)
		go store.sweeper(ctx)
	}
	return store
}

// Close stops the background sweeper. It is safe to call multiple times; the store stays usable afterward, only
// without active sweeping.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.waitGroup.Wait()
	})
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return errors.Wrap(ErrInvalidArgument, "expected a non-empty key")
	}
	return nil
}

// read copies the fields of `key` under its shard read lock. Expiry is not checked.
func (s *Store) read(key string) (snapshot, bool /*found*/) {
	sh := s.shardOf(key)
	sh.mux.RLock()
	defer sh.mux.RUnlock()
	e, exists := sh.entries[key]
	if !exists {
		return snapshot{}, false
	}
	return e.snapshot(), true
}

// Get returns the value of `key` if it is live. Finding the key (or one of its ancestors) expired reaps it, along with
// its subtree, before returning. A miss is a normal negative result, not an error.
func (s *Store) Get(key string) ([]byte, bool /*found*/) {
	snap, dead, live := s.resolve(key, s.now())
	if dead != "" {
		s.reap(dead, causeLazyExpiry)
	}
	if !live {
		s.stats.misses.Add(1)
		return nil, false
	}
	s.stats.hits.Add(1)
	return bytes.Clone(snap.value), true
}

// Set creates or overwrites `key`. Overwriting keeps the key's parent and children; only the value and the expiry are
// replaced. A positive ttl becomes an absolute expiry at call time, zero means no expiry. Returns the previous value
// when a live entry was overwritten.
func (s *Store) Set(key string, value []byte, ttl time.Duration) (previous []byte, existed bool, err error) {
	result, err := s.SetWithOptions(key, value, SetOptions{TTL: ttl, ReturnPrevious: true})
	return result.Previous, result.Existed, err
}

// SetWithOptions is Set with the NX / XX / KEEPTTL modifiers and an optional parent assignment.
func (s *Store) SetWithOptions(key string, value []byte, opts SetOptions) (SetResult, error) {
	if err := validateKey(key); err != nil {
		return SetResult{}, err
	}
	if opts.TTL < 0 {
		return SetResult{}, errors.Wrapf(ErrInvalidArgument, "negative ttl %s for key %q", opts.TTL, key)
	}
	if opts.OnlyIfMissing && opts.OnlyIfExists {
		return SetResult{}, errors.Wrap(ErrInvalidArgument, "NX and XX options are mutually exclusive")
	}
	if opts.Parent != "" {
		return s.setWithParent(key, value, opts)
	}

	for {
		// A dead entry is reaped first so that the write doesn't resurrect it together with its dead subtree.
		if _, dead, _ := s.resolve(key, s.now()); dead != "" {
			s.reap(dead, causeLazyExpiry)
		}
		if result, applied, err := s.setUnlinked(key, value, opts); applied {
			return result, err
		}
	}
}

// setUnlinked is the plain write path, run under the key's shard lock only. The key may have expired since it was
// resolved; an expired entry without relatives is dropped in place, one with relatives is left for the cascade path
// and `applied` is false so that the caller reaps it and retries.
func (s *Store) setUnlinked(key string, value []byte, opts SetOptions) (SetResult, bool /*applied*/, error) {
	sh := s.shardOf(key)
	sh.mux.Lock()
	defer sh.mux.Unlock()
	now := s.now()
	if e, exists := sh.entries[key]; exists && e.expiredAt(now) {
		if !e.isolated() {
			return SetResult{}, false, nil
		}
		sh.remove(key)
		s.release(key, e)
		s.stats.recordRemoval(causeLazyExpiry, 1)
	}
	_, result, err := s.applySetLocked(sh, key, value, opts, now)
	return result, true, err
}

// applySetLocked writes the value and expiry of `key` without touching its relationships.
// NOTE: Caller should hold the write lock of the key's shard.
func (s *Store) applySetLocked(sh *shard, key string, value []byte, opts SetOptions,
	now time.Time) (*entry, SetResult, error) {
	e, exists := sh.entries[key]
	live := exists && !e.expiredAt(now)
	result := SetResult{Existed: live}
	if live && opts.ReturnPrevious {
		result.Previous = bytes.Clone(e.value)
	}
	if (opts.OnlyIfMissing && live) || (opts.OnlyIfExists && !live) {
		return e, result, nil
	}

	expiresAt := time.Time{}
	if opts.KeepTTL && live {
		expiresAt = e.expiresAt
	} else if opts.TTL > 0 {
		expiresAt = now.Add(opts.TTL)
	}
	if !exists {
		size := entrySize(key, value)
		if err := s.reserveMemory(size); err != nil {
			return nil, result, errors.Wrapf(err, "set %q", key)
		}
		if err := s.reserveSlot(); err != nil {
			s.memory.Add(-size)
			return nil, result, errors.Wrapf(err, "set %q", key)
		}
		e = &entry{}
		sh.entries[key] = e
	} else if err := s.reserveMemory(int64(len(value) - len(e.value))); err != nil {
		return e, result, errors.Wrapf(err, "set %q", key)
	}
	sh.track(key, e.expiresAt, expiresAt)
	e.value = bytes.Clone(value)
	e.expiresAt = expiresAt
	s.stats.sets.Add(1)
	result.Applied = true
	return e, result, nil
}

// reserveSlot accounts for a new entry, failing when --max_keys would be exceeded.
func (s *Store) reserveSlot() error {
	for {
		current := s.entries.Load()
		if s.opts.MaxKeys > 0 && current >= int64(s.opts.MaxKeys) {
			return errors.Wrapf(ErrKeyLimitExceeded, "cache holds %d keys", current)
		}
		if s.entries.CompareAndSwap(current, current+1) {
			return nil
		}
	}
}

// reserveMemory accounts for `delta` more bytes, failing when --max_memory would be exceeded.
// Shrinking always succeeds.
func (s *Store) reserveMemory(delta int64) error {
	if delta <= 0 {
		s.memory.Add(delta)
		return nil
	}
	for {
		current := s.memory.Load()
		if s.opts.MaxMemory > 0 && current+delta > s.opts.MaxMemory {
			return errors.Wrapf(ErrMemoryLimitExceeded, "cache holds %d bytes, writing %d more", current, delta)
		}
		if s.memory.CompareAndSwap(current, current+delta) {
			return nil
		}
	}
}

// release accounts for a removed entry. NOTE: Caller should have removed `e` under its shard write lock.
func (s *Store) release(key string, e *entry) {
	s.entries.Add(-1)
	s.memory.Add(-entrySize(key, e.value))
}

// Delete removes `key` and all of its descendants and returns the number of removed entries.
// An expired key counts as absent: it is reaped but not counted.
func (s *Store) Delete(key string) int {
	if removed, handled := s.deleteIsolated(key); handled {
		return removed
	}
	s.topology.Lock()
	defer s.topology.Unlock()
	return s.deleteLocked(key, s.now())
}

// DeleteMany removes every given key with its descendants and returns the total number of removed entries.
// Keys already removed by an earlier key's cascade are not counted twice.
func (s *Store) DeleteMany(keys []string) int {
	s.topology.Lock()
	defer s.topology.Unlock()
	now := s.now()
	removed := 0
	for _, key := range keys {
		removed += s.deleteLocked(key, now)
	}
	return removed
}

// deleteIsolated removes `key` while holding the topology lock only shared, which is enough when the key has neither
// a parent nor children. `handled` is false when the key has relatives and has to go through a cascade.
func (s *Store) deleteIsolated(key string) (removed int, handled bool) {
	s.topology.RLock()
	defer s.topology.RUnlock()
	now := s.now()
	sh := s.shardOf(key)
	sh.mux.Lock()
	defer sh.mux.Unlock()

	e, exists := sh.entries[key]
	if !exists {
		return 0, true
	}
	if !e.isolated() {
		return 0, false
	}
	sh.remove(key)
	s.release(key, e)
	if e.expiredAt(now) {
		s.stats.recordRemoval(causeLazyExpiry, 1)
		return 0, true
	}
	s.stats.recordRemoval(causeDelete, 1)
	return 1, true
}

// deleteLocked removes a live `key` with its subtree; a dead one is reaped instead and reports zero.
// NOTE: Caller should hold the topology lock exclusively.
func (s *Store) deleteLocked(key string, now time.Time) int {
	_, dead, live := s.resolveLocked(key, now)
	if dead != "" {
		s.removeTree(dead, causeLazyExpiry)
	}
	if !live {
		return 0
	}
	return s.removeTree(key, causeDelete)
}

// TTL reports the time left until `key` expires. hasExpiry is false for keys that never expire; found is false for
// missing or expired keys. It never reaps.
func (s *Store) TTL(key string) (remaining time.Duration, hasExpiry bool, found bool) {
	now := s.now()
	snap, _, live := s.resolve(key, now)
	if !live {
		return 0, false, false
	}
	if snap.expiresAt.IsZero() {
		return 0, false, true
	}
	return snap.expiresAt.Sub(now), true, true
}

// TTLSeconds is TTL in whole seconds, rounded up, using the NoExpiry and KeyMissing sentinels.
func (s *Store) TTLSeconds(key string) int64 {
	remaining, hasExpiry, found := s.TTL(key)
	if !found {
		return KeyMissing
	}
	if !hasExpiry {
		return NoExpiry
	}
	return ceilSeconds(remaining)
}

func ceilSeconds(d time.Duration) int64 {
	return int64((d + time.Second - 1) / time.Second)
}

// Expire sets the expiry of `key` to now + ttl. A zero ttl expires the key right away.
func (s *Store) Expire(key string, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if ttl < 0 {
		return errors.Wrapf(ErrInvalidArgument, "negative ttl %s for key %q", ttl, key)
	}
	now := s.now()
	if err := s.requireLive(key, now); err != nil {
		return errors.Wrap(err, "expire")
	}
	_, err := s.updateExpiry(key, now, func(time.Time) time.Time { return now.Add(ttl) })
	return err
}

// Persist removes the expiry of `key`. Returns false when the key had no expiry to begin with.
func (s *Store) Persist(key string) ( /*changed*/ bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	now := s.now()
	if err := s.requireLive(key, now); err != nil {
		return false, errors.Wrap(err, "persist")
	}
	return s.updateExpiry(key, now, func(time.Time) time.Time { return time.Time{} })
}

// requireLive fails with ErrNotFound if `key` isn't live, reaping it when it turned out dead.
func (s *Store) requireLive(key string, now time.Time) error {
	_, dead, live := s.resolve(key, now)
	if dead != "" {
		s.reap(dead, causeLazyExpiry)
	}
	if !live {
		return errors.Wrapf(ErrNotFound, "key %q", key)
	}
	return nil
}

// updateExpiry replaces the expiry of `key` with next(current) under the shard write lock.
func (s *Store) updateExpiry(key string, now time.Time,
	next func(current time.Time) time.Time) ( /*changed*/ bool, error) {
	sh := s.shardOf(key)
	sh.mux.Lock()
	defer sh.mux.Unlock()
	e, exists := sh.entries[key]
	if !exists || e.expiredAt(now) { // Lost a race against a delete or an expiry.
		return false, errors.Wrapf(ErrNotFound, "key %q", key)
	}
	expiresAt := next(e.expiresAt)
	if expiresAt.Equal(e.expiresAt) {
		return false, nil
	}
	sh.track(key, e.expiresAt, expiresAt)
	e.expiresAt = expiresAt
	return true, nil
}

// Flush atomically removes every entry and every relationship. Historical operation counters are kept.
func (s *Store) Flush() {
	s.topology.Lock()
	defer s.topology.Unlock()
	unlock := s.lockAll()
	defer unlock()
	for _, sh := range s.shards {
		sh.reset()
	}
	s.entries.Store(0)
	s.memory.Store(0)
}

// MemoryBytes returns the estimated memory held by stored entries. Expired entries that weren't reaped yet are
// included.
func (s *Store) MemoryBytes() int64 {
	return s.memory.Load()
}

// Len returns the number of stored entries. Expired entries that weren't reaped yet are included.
func (s *Store) Len() int {
	return int(s.entries.Load())
}
