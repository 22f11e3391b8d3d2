// Queries that span many keys run against a snapshot: every shard is read-locked (in ascending order) for the whole
// evaluation, so a single call never observes a half-applied write or a half-removed subtree. Dead keys found while
// evaluating are reaped after the snapshot is released.

package cache

import (
	"iter"
	"maps"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/nobletooth/grove/pkg/scan"
)

// Exists reports whether `key` is live, reaping it if it turned out dead.
func (s *Store) Exists(key string) bool {
	_, dead, live := s.resolve(key, s.now())
	if dead != "" {
		s.reap(dead, causeLazyExpiry)
	}
	return live
}

// ExistsMany reports the liveness of every given key, in order, as of a single point in time.
func (s *Store) ExistsMany(keys []string) []bool {
	now := s.now()
	exists := make([]bool, len(keys))
	var dead []string
	func() {
		unlock := s.rlockAll()
		defer unlock()
		for i, key := range keys {
			deadRoot, live := s.livenessInSnapshot(key, now)
			exists[i] = live
			if deadRoot != "" {
				dead = append(dead, deadRoot)
			}
		}
	}()
	s.reapAll(dead)
	return exists
}

func (s *Store) reapAll(keys []string) {
	slices.Sort(keys)
	for _, key := range slices.Compact(keys) {
		s.reap(key, causeLazyExpiry)
	}
}

// ListKeys returns the live keys matching the glob `pattern` in ascending order. A positive `limit` caps the result
// to the first `limit` keys of that order. It never reaps.
func (s *Store) ListKeys(pattern string, limit int) ([]string, error) {
	glob, err := scan.ParseGlob(pattern, s.opts.GlobMaxComplexity)
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidArgument)
	}
	now := s.now()

	unlock := s.rlockAll()
	defer unlock()
	if literal, ok := glob.Literal(); ok { // A pattern without wildcards can match a single key only.
		if _, live := s.livenessInSnapshot(literal, now); live {
			return []string{literal}, nil
		}
		return []string{}, nil
	}

	perShard := make([]iter.Seq[string], 0, len(s.shards))
	for _, sh := range s.shards {
		var matched []string
		for key := range scan.MatchGlob(glob, maps.Keys(sh.entries)) {
			if _, live := s.livenessInSnapshot(key, now); live {
				matched = append(matched, key)
			}
		}
		if len(matched) > 0 {
			slices.Sort(matched)
			perShard = append(perShard, slices.Values(matched))
		}
	}
	merged, err := scan.MergeSorted(strings.Compare, perShard)
	if err != nil {
		return nil, errors.Wrap(err, "failed to merge shard listings")
	}

	keys := make([]string, 0)
	for key := range merged {
		if limit > 0 && len(keys) >= limit {
			break
		}
		keys = append(keys, key)
	}
	return keys, nil
}
