// Keys form a forest: every key has at most one parent and any number of children. The edges are stored on both ends
// (entry.parent and entry.children) and are only changed while holding the topology lock exclusively together with the
// write locks of every shard involved, so both ends always agree.

package cache

import (
	"bytes"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nobletooth/grove/pkg/utils"
)

// DefaultChildrenDepth is the depth Children is queried with when callers don't specify one.
const DefaultChildrenDepth = 1

type removalCause uint8

const (
	causeDelete removalCause = iota
	causeLazyExpiry
	causeActiveExpiry
)

func (c removalCause) String() string {
	switch c {
	case causeDelete:
		return "delete"
	case causeLazyExpiry:
		return "lazy_expiry"
	case causeActiveExpiry:
		return "active_expiry"
	default:
		return "unknown"
	}
}

// Descendant is a key found below another key, `Depth` hops away from it (children have depth 1).
type Descendant struct {
	Key   string `json:"key"`
	Depth int    `json:"depth"`
}

// KeyInfo is a point-in-time description of a live key.
type KeyInfo struct {
	Key       string `json:"key"`
	Value     []byte `json:"value"`
	TTL       int64  `json:"ttl"` // Remaining whole seconds, or NoExpiry.
	Parent    string `json:"parent,omitempty"`
	HasParent bool   `json:"has_parent"`
	Children  int    `json:"children"` // Live immediate children.
}

// SetParent makes `parent` the parent of `child`, replacing any previous parent. Both keys must be live and the new
// edge must not close a cycle; on failure nothing changes.
func (s *Store) SetParent(child, parent string) error {
	if err := validateKey(child); err != nil {
		return err
	}
	if err := validateKey(parent); err != nil {
		return err
	}
	if !s.opts.EnableRelations {
		return errors.Wrapf(ErrRelationsDisabled, "set parent of %q to %q", child, parent)
	}

	s.topology.Lock()
	defer s.topology.Unlock()
	now := s.now()
	s.reapDeadLocked(child, now)
	s.reapDeadLocked(parent, now)
	childSnap, found := s.read(child)
	if !found {
		return errors.Wrapf(ErrNotFound, "child %q", child)
	}
	if _, found := s.read(parent); !found {
		return errors.Wrapf(ErrNotFound, "parent %q", parent)
	}
	if err := s.checkCycleLocked(child, parent); err != nil {
		return err
	}

	unlock := s.lockKeys(child, parent, childSnap.parent)
	defer unlock()
	s.linkLocked(child, s.shardOf(child).entries[child], parent)
	return nil
}

// setWithParent is SetWithOptions for writes that also assign a parent. The value, the expiry and the edge are
// applied in one critical section, so no reader can see the key without its parent.
func (s *Store) setWithParent(key string, value []byte, opts SetOptions) (SetResult, error) {
	if err := validateKey(opts.Parent); err != nil {
		return SetResult{}, err
	}
	if !s.opts.EnableRelations {
		return SetResult{}, errors.Wrapf(ErrRelationsDisabled, "set %q with parent %q", key, opts.Parent)
	}

	s.topology.Lock()
	defer s.topology.Unlock()
	now := s.now()
	s.reapDeadLocked(key, now)
	s.reapDeadLocked(opts.Parent, now)
	if _, found := s.read(opts.Parent); !found {
		return SetResult{}, errors.Wrapf(ErrNotFound, "parent %q", opts.Parent)
	}
	if err := s.checkCycleLocked(key, opts.Parent); err != nil {
		return SetResult{}, err
	}

	current, _ := s.read(key) // A missing key has no parent to unlink.
	unlock := s.lockKeys(key, opts.Parent, current.parent)
	defer unlock()
	e, result, err := s.applySetLocked(s.shardOf(key), key, value, opts, now)
	if err != nil || !result.Applied {
		return result, err
	}
	s.linkLocked(key, e, opts.Parent)
	return result, nil
}

// reapDeadLocked reaps `key` if it or one of its ancestors expired. NOTE: Caller should hold the topology lock
// exclusively.
func (s *Store) reapDeadLocked(key string, now time.Time) {
	if _, dead, _ := s.resolveLocked(key, now); dead != "" {
		s.removeTree(dead, causeLazyExpiry)
	}
}

// checkCycleLocked fails when `parent` is `child` itself or one of its descendants, i.e. when `child` appears on the
// ancestor chain of `parent`. NOTE: Caller should hold the topology lock.
func (s *Store) checkCycleLocked(child, parent string) error {
	visited := make(map[string]struct{})
	for current, hasCurrent := parent, true; hasCurrent; {
		if current == child {
			return errors.Wrapf(ErrCycleDetected, "%q cannot become the parent of %q", parent, child)
		}
		if _, seen := visited[current]; seen {
			utils.RaiseInvariant("graph", "cyclic_ancestry", "Found a cycle on an ancestor chain.", "key", current)
			return errors.Wrapf(ErrCycleDetected, "ancestors of %q already form a cycle", parent)
		}
		visited[current] = struct{}{}
		snap, found := s.read(current)
		if !found {
			break
		}
		current, hasCurrent = snap.parent, snap.hasParent
	}
	return nil
}

// linkLocked makes `parent` the parent of `key`, unlinking its previous parent first. NOTE: Caller should hold the
// topology lock exclusively plus the write locks of the shards of `key`, `parent` and the previous parent.
func (s *Store) linkLocked(key string, e *entry, parent string) {
	if e.hasParent {
		if e.parent == parent {
			return
		}
		if previous, found := s.shardOf(e.parent).entries[e.parent]; found {
			delete(previous.children, key)
		} else {
			utils.RaiseInvariant("graph", "dangling_parent", "Unlinking from a parent that doesn't exist.",
				"key", key, "parent", e.parent)
		}
	}
	parentEntry, found := s.shardOf(parent).entries[parent]
	if !found {
		utils.RaiseInvariant("graph", "missing_parent", "Linking to a parent that doesn't exist.",
			"key", key, "parent", parent)
		e.parent, e.hasParent = "", false
		return
	}
	if parentEntry.children == nil {
		parentEntry.children = make(map[string]struct{})
	}
	parentEntry.children[key] = struct{}{}
	e.parent, e.hasParent = parent, true
}

// childrenOf returns the immediate children of `key` in sorted order.
func (s *Store) childrenOf(key string) []string {
	sh := s.shardOf(key)
	sh.mux.RLock()
	defer sh.mux.RUnlock()
	e, exists := sh.entries[key]
	if !exists {
		return nil
	}
	return slices.Sorted(maps.Keys(e.children))
}

// collectSubtreeLocked returns `root` followed by all of its descendants in breadth-first order.
// NOTE: Caller should hold the topology lock exclusively, which keeps the subtree from changing afterward.
func (s *Store) collectSubtreeLocked(root string) []string {
	if _, found := s.read(root); !found {
		return nil
	}
	subtree := []string{root}
	for i := 0; i < len(subtree); i++ {
		subtree = append(subtree, s.childrenOf(subtree[i])...)
	}
	return subtree
}

// removeTree removes `root` and every descendant in one critical section and returns the number of removed entries.
// No reader observes a partially removed subtree. NOTE: Caller should hold the topology lock exclusively.
func (s *Store) removeTree(root string, cause removalCause) int {
	subtree := s.collectSubtreeLocked(root)
	if len(subtree) == 0 {
		return 0
	}
	rootSnap, _ := s.read(root)

	unlock := s.lockKeys(append([]string{rootSnap.parent}, subtree...)...)
	defer unlock()
	// Plain writes don't take the topology lock, so an expired root may have been rewritten since it was resolved.
	if rootEntry, found := s.shardOf(root).entries[root]; !found ||
		(cause != causeDelete && !rootEntry.expiredAt(s.now())) {
		return 0
	}
	if rootSnap.hasParent {
		if parent, found := s.shardOf(rootSnap.parent).entries[rootSnap.parent]; found {
			delete(parent.children, root)
		} else {
			utils.RaiseInvariant("graph", "dangling_parent", "Removing a subtree whose parent doesn't exist.",
				"root", root, "parent", rootSnap.parent)
		}
	}
	removed := 0
	for _, key := range subtree {
		e, found := s.shardOf(key).remove(key)
		if !found {
			utils.RaiseInvariant("graph", "vanished_descendant", "A descendant vanished during a cascade.",
				"root", root, "key", key)
			continue
		}
		s.release(key, e)
		removed++
	}
	s.stats.recordRemoval(cause, removed)
	if removed > 1 {
		slog.Debug("Cascaded removal.", "root", root, "removed", removed, "cause", cause)
	}
	return removed
}

// Children lists the live descendants of `key` up to `depth` hops below it, level by level, each level in key order.
// A missing or dead `key` yields an empty result. It never reaps.
func (s *Store) Children(key string, depth int) ([]Descendant, error) {
	if depth < 1 {
		return nil, errors.Wrapf(ErrInvalidArgument, "depth must be at least 1, got %d", depth)
	}
	s.topology.RLock()
	defer s.topology.RUnlock()
	now := s.now()
	if _, _, live := s.resolveLocked(key, now); !live {
		return nil, nil
	}

	var descendants []Descendant
	level := []string{key}
	for hops := 1; hops <= depth && len(level) > 0; hops++ {
		var next []string
		for _, parent := range level {
			for _, child := range s.childrenOf(parent) {
				snap, found := s.read(child)
				if !found || snap.expiredAt(now) { // An expired child hides its whole subtree.
					continue
				}
				descendants = append(descendants, Descendant{Key: child, Depth: hops})
				next = append(next, child)
			}
		}
		level = next
	}
	return descendants, nil
}

// Parent returns the parent of a live `key`. `found` is false if the key is missing, dead or a root.
func (s *Store) Parent(key string) (parent string, found bool) {
	s.topology.RLock()
	defer s.topology.RUnlock()
	snap, _, live := s.resolveLocked(key, s.now())
	if !live || !snap.hasParent {
		return "", false
	}
	return snap.parent, true
}

// Info describes a live `key`. It never reaps.
func (s *Store) Info(key string) (KeyInfo, bool /*found*/) {
	s.topology.RLock()
	defer s.topology.RUnlock()
	now := s.now()
	snap, _, live := s.resolveLocked(key, now)
	if !live {
		return KeyInfo{}, false
	}

	info := KeyInfo{
		Key:       key,
		Value:     bytes.Clone(snap.value),
		TTL:       NoExpiry,
		Parent:    snap.parent,
		HasParent: snap.hasParent,
	}
	if !snap.expiresAt.IsZero() {
		info.TTL = ceilSeconds(snap.expiresAt.Sub(now))
	}
	for _, child := range s.childrenOf(key) {
		if childSnap, found := s.read(child); found && !childSnap.expiredAt(now) {
			info.Children++
		}
	}
	return info, true
}
