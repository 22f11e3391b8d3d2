package cache

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// counters are the monotonic operation counters of a Store. They are plain atomics so that recording never blocks.
type counters struct {
	hits              atomic.Uint64
	misses            atomic.Uint64
	sets              atomic.Uint64
	deletes           atomic.Uint64
	lazyExpirations   atomic.Uint64
	activeExpirations atomic.Uint64
}

// recordRemoval accounts for `removed` entries leaving the store. An expiry counts once for the expired root, the
// descendants it took with it count as deletes.
func (c *counters) recordRemoval(cause removalCause, removed int) {
	if removed <= 0 {
		return
	}
	switch cause {
	case causeLazyExpiry:
		c.lazyExpirations.Add(1)
		removed--
	case causeActiveExpiry:
		c.activeExpirations.Add(1)
		removed--
	}
	c.deletes.Add(uint64(removed))
}

// Stats is a point-in-time snapshot of the store counters.
type Stats struct {
	Hits              uint64 `json:"hits"`
	Misses            uint64 `json:"misses"`
	Sets              uint64 `json:"sets"`
	Deletes           uint64 `json:"deletes"` // Explicit deletes plus cascaded descendants.
	LazyExpirations   uint64 `json:"lazy_expirations"`
	ActiveExpirations uint64 `json:"active_expirations"`
	Entries           int    `json:"entries"`      // Stored entries, expired but not yet reaped ones included.
	MemoryBytes       int64  `json:"memory_bytes"` // Estimated memory held by those entries.
}

// Expirations is the total of lazy and active expirations.
func (s Stats) Expirations() uint64 {
	return s.LazyExpirations + s.ActiveExpirations
}

// HitRatio is hits over gets; zero before the first get.
func (s Stats) HitRatio() float64 {
	gets := s.Hits + s.Misses
	if gets == 0 {
		return 0
	}
	return float64(s.Hits) / float64(gets)
}

// Stats returns a snapshot of the operation counters. Counters are read one by one, so a snapshot taken under load
// may be off by the operations that ran while reading it.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:              s.stats.hits.Load(),
		Misses:            s.stats.misses.Load(),
		Sets:              s.stats.sets.Load(),
		Deletes:           s.stats.deletes.Load(),
		LazyExpirations:   s.stats.lazyExpirations.Load(),
		ActiveExpirations: s.stats.activeExpirations.Load(),
		Entries:           s.Len(),
		MemoryBytes:       s.MemoryBytes(),
	}
}

var (
	getsDesc = prometheus.NewDesc("grove_cache_gets_total",
		"The total number of get operations by result.", []string{"result"}, nil)
	setsDesc = prometheus.NewDesc("grove_cache_sets_total",
		"The total number of applied set operations.", nil, nil)
	deletesDesc = prometheus.NewDesc("grove_cache_deletes_total",
		"The total number of removed entries, cascaded descendants included.", nil, nil)
	expirationsDesc = prometheus.NewDesc("grove_cache_expirations_total",
		"The total number of expired keys by reclamation mode.", []string{"mode"}, nil)
	entriesDesc = prometheus.NewDesc("grove_cache_entries",
		"The number of entries currently stored.", nil, nil)
	memoryDesc = prometheus.NewDesc("grove_cache_memory_bytes",
		"The estimated memory held by stored entries, in bytes.", nil, nil)
)

// collector exposes Store stats to Prometheus; values are read at scrape time.
type collector struct {
	store *Store
}

var _ prometheus.Collector = (*collector)(nil)

// NewCollector returns a Prometheus collector reporting the stats of `store`.
func NewCollector(store *Store) prometheus.Collector {
	return &collector{store: store}
}

func (c *collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- getsDesc
	descs <- setsDesc
	descs <- deletesDesc
	descs <- expirationsDesc
	descs <- entriesDesc
	descs <- memoryDesc
}

func (c *collector) Collect(metrics chan<- prometheus.Metric) {
	stats := c.store.Stats()
	metrics <- prometheus.MustNewConstMetric(getsDesc, prometheus.CounterValue, float64(stats.Hits), "hit")
	metrics <- prometheus.MustNewConstMetric(getsDesc, prometheus.CounterValue, float64(stats.Misses), "miss")
	metrics <- prometheus.MustNewConstMetric(setsDesc, prometheus.CounterValue, float64(stats.Sets))
	metrics <- prometheus.MustNewConstMetric(deletesDesc, prometheus.CounterValue, float64(stats.Deletes))
	metrics <- prometheus.MustNewConstMetric(expirationsDesc, prometheus.CounterValue,
		float64(stats.LazyExpirations), "lazy")
	metrics <- prometheus.MustNewConstMetric(expirationsDesc, prometheus.CounterValue,
		float64(stats.ActiveExpirations), "active")
	metrics <- prometheus.MustNewConstMetric(entriesDesc, prometheus.GaugeValue, float64(stats.Entries))
	metrics <- prometheus.MustNewConstMetric(memoryDesc, prometheus.GaugeValue, float64(stats.MemoryBytes))
}
