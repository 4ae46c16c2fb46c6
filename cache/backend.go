package cache

import "context"

// Backend is the byte-level storage underneath a persistent Store. Keys and
// values are opaque. A Backend enforces its own capacity by evicting least
// recently used values.
type Backend interface {
	// Get returns the value for key and refreshes its recency. A missing key
	// returns ErrNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)
	// Put stores value under key. A value larger than the backend's capacity
	// is silently not stored.
	Put(ctx context.Context, key []byte, value []byte) error
	// DeleteAll removes every value owned by the backend.
	DeleteAll(ctx context.Context) error
	// Close releases resources held by the backend.
	Close() error
}

// BackendStats is the occupancy of a Backend.
type BackendStats struct {
	Entries int64
	Bytes   int64
}

// BackendStatser is implemented by backends that can report their occupancy.
type BackendStatser interface {
	Stats(ctx context.Context) (BackendStats, error)
}
