package cache

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats_Counters(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock)
	assert.Equal(t, Stats{}, store.Stats())
	assert.Zero(t, store.Stats().HitRatio())

	setTree(t, store, []string{"a", "b"}, nil)
	_, _, err := store.Set("short", []byte("v"), time.Second)
	require.NoError(t, err)
	store.Get("a")
	store.Get("a")
	store.Get("missing")
	store.Delete("b")
	clock.Advance(time.Second)
	store.Get("short")

	stats := store.Stats()
	assert.Equal(t, Stats{
		Hits:            2,
		Misses:          2,
		Sets:            3,
		Deletes:         1,
		LazyExpirations: 1,
		Entries:         1,
		MemoryBytes:     entrySize("a", []byte("a")),
	}, stats)
	assert.Equal(t, uint64(1), stats.Expirations())
	assert.InDelta(t, 0.5, stats.HitRatio(), 1e-9)
}

func TestStats_SkippedWritesAreNotCounted(t *testing.T) {
	store := newTestStore(t, newFakeClock())
	setTree(t, store, []string{"a"}, nil)
	_, err := store.SetWithOptions("a", []byte("v"), SetOptions{OnlyIfMissing: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), store.Stats().Sets)
}

func TestStats_Collector(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock)
	setTree(t, store, []string{"a"}, [][2]string{{"b", "a"}})
	store.Get("a")
	store.Get("missing")
	require.NoError(t, store.Expire("a", 0 /*ttl*/))
	assert.Equal(t, 1, store.sweep())

	collector := NewCollector(store)
	assert.Equal(t, 8, testutil.CollectAndCount(collector))
	expected := `
# HELP grove_cache_deletes_total The total number of removed entries, cascaded descendants included.
# TYPE grove_cache_deletes_total counter
grove_cache_deletes_total 1
# HELP grove_cache_entries The number of entries currently stored.
# TYPE grove_cache_entries gauge
grove_cache_entries 0
# HELP grove_cache_expirations_total The total number of expired keys by reclamation mode.
# TYPE grove_cache_expirations_total counter
grove_cache_expirations_total{mode="active"} 1
grove_cache_expirations_total{mode="lazy"} 0
# HELP grove_cache_gets_total The total number of get operations by result.
# TYPE grove_cache_gets_total counter
grove_cache_gets_total{result="hit"} 1
grove_cache_gets_total{result="miss"} 1
# HELP grove_cache_memory_bytes The estimated memory held by stored entries, in bytes.
# TYPE grove_cache_memory_bytes gauge
grove_cache_memory_bytes 0
`
	assert.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"grove_cache_deletes_total", "grove_cache_entries", "grove_cache_expirations_total", "grove_cache_gets_total",
		"grove_cache_memory_bytes"))
}
