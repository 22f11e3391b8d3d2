package cache

import (
	"flag"
	"time"
)

var (
	shardCount = flag.Int("cache_shards", 32,
		"Number of lock shards keys are distributed over; more shards means less contention between writers.")
	sweepInterval = flag.Duration("sweep_interval", time.Second,
		"Rate of the background sweeper removing expired keys. Zero or negative disables active sweeping.")
	maxKeys = flag.Int("max_keys", 0,
		"Maximum number of keys the cache accepts; new keys beyond it are rejected. Zero means unbounded.")
	maxMemory = flag.Int64("max_memory", 0,
		"Maximum estimated memory in bytes held by keys and values; writes growing beyond it are rejected. "+
			"Zero means unbounded.")
	enableRelations = flag.Bool("enable_relations", true,
		"Allow parent/child relationships between keys.")
	globMaxComplexity = flag.Int("glob_max_complexity", 100,
		"Bounds the work of a single glob match to this factor times the key length.")
)

// Options configures a Store.
type Options struct {
	Shards int
	// SweepInterval is both the sweeper tick and the width of the expiry buckets it clears.
	// Non-positive values disable active sweeping; lazy reclamation still applies.
	SweepInterval     time.Duration
	MaxKeys           int   // Non-positive means unbounded.
	MaxMemory         int64 // Bytes, as estimated by entrySize. Non-positive means unbounded.
	EnableRelations   bool
	GlobMaxComplexity int

	now func() time.Time // Overridden by tests; defaults to time.Now.
}

// OptionsFromFlags builds Options out of the cache command line flags.
func OptionsFromFlags() Options {
	return Options{
		Shards:            *shardCount,
		SweepInterval:     *sweepInterval,
		MaxKeys:           *maxKeys,
		MaxMemory:         *maxMemory,
		EnableRelations:   *enableRelations,
		GlobMaxComplexity: *globMaxComplexity,
	}
}
