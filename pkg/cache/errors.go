package cache

import "github.com/cockroachdb/errors"

// Errors returned by the cache. Call sites wrap them with the offending key(s), so callers should classify them with
// errors.Is. A plain Get miss is never an error; these are reserved for operations that could not be applied.
var (
	// ErrNotFound is returned when an operation requires an existing, live key.
	ErrNotFound = errors.New("key was not found")
	// ErrCycleDetected is returned when a relationship write would turn the key forest into a graph with a cycle.
	ErrCycleDetected = errors.New("relationship would create a cycle")
	// ErrInvalidArgument is returned for inputs the cache validates itself, e.g. negative TTLs or empty patterns.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrRelationsDisabled is returned by relationship writes when the cache runs with --enable_relations=false.
	ErrRelationsDisabled = errors.New("relationships are disabled")
	// ErrKeyLimitExceeded is returned when creating a key would exceed --max_keys.
	ErrKeyLimitExceeded = errors.New("key count limit exceeded")
	// ErrMemoryLimitExceeded is returned when a write would grow the estimated memory usage beyond --max_memory.
	ErrMemoryLimitExceeded = errors.New("memory limit exceeded")
)
