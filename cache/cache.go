package cache

import (
	"context"
	"strings"
	"time"

	"github.com/agentuity/plotcache/resilience"
	"github.com/agentuity/plotcache/sizing"
	"github.com/cockroachdb/errors"
)

var (
	// ErrStoreUnavailable marks any fault of a store's backing storage. It is
	// never fatal: callers treat it as a miss.
	ErrStoreUnavailable = errors.New("cache: store unavailable")
	// ErrNotFound is returned by a Backend when a key is absent.
	ErrNotFound = errors.New("cache: not found")
	// ErrUnknownScope is returned by ParseScope.
	ErrUnknownScope = errors.New("cache: unknown scope")
)

// Scope is the sharing and lifetime domain of a store.
type Scope int

const (
	// ScopeDefault resolves to whatever scope the caller's coordinator is configured with.
	ScopeDefault Scope = iota
	// ScopeProcess is shared by every principal and lives until the process exits.
	ScopeProcess
	// ScopeSession is private to one session and discarded when it ends.
	ScopeSession
	// ScopePersistent survives restarts and is only invalidated explicitly.
	ScopePersistent
)

func (s Scope) String() string {
	switch s {
	case ScopeDefault:
		return "default"
	case ScopeProcess:
		return "process"
	case ScopeSession:
		return "session"
	case ScopePersistent:
		return "persistent"
	default:
		return "unknown"
	}
}

// ParseScope parses the textual form of a scope.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return ScopeDefault, nil
	case "process", "app":
		return ScopeProcess, nil
	case "session":
		return ScopeSession, nil
	case "persistent", "disk":
		return ScopePersistent, nil
	}
	return ScopeDefault, errors.Wrapf(ErrUnknownScope, "%q", s)
}

// DefaultMaxBytes is the default capacity of a store.
const DefaultMaxBytes int64 = 10_000_000

// DefaultQueryTimeout is the per-operation timeout for backends that
// perform I/O (SQLite, Redis).
const DefaultQueryTimeout = 5 * time.Second

// entryOverhead approximates the bookkeeping cost of one entry beyond its payload.
const entryOverhead = 256

// Entry is a rendered artifact as held by a store. Entries are immutable
// once stored; callers must not modify Data.
type Entry struct {
	Data        []byte      `msgpack:"d"`
	ContentType string      `msgpack:"t"`
	Size        sizing.Size `msgpack:"s"`
	CreatedAt   time.Time   `msgpack:"c"`
}

// Footprint is the approximate number of bytes the entry occupies.
func (e *Entry) Footprint() int64 {
	return int64(len(e.Data)+len(e.ContentType)) + entryOverhead
}

// Stats is a point in time view of a store's counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Errors    uint64
	Entries   int
	Bytes     int64
	MaxBytes  int64
}

// Store is a capacity bounded Key to Entry map.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: only faults of backing storage are returned, marked ErrStoreUnavailable.
// A miss is (nil, false, nil).
type Store interface {
	// Get retrieves an entry and refreshes its recency.
	Get(ctx context.Context, key Key) (*Entry, bool, error)
	// Put stores an entry, evicting least recently used entries until it fits.
	// An entry larger than the store's capacity is silently not stored.
	Put(ctx context.Context, key Key, entry *Entry) error
	// Purge removes every entry.
	Purge(ctx context.Context) error
	// Stats returns the store's counters.
	Stats() Stats
	// Close releases the store. A closed store misses on Get and drops Puts.
	Close() error
}

// config holds the resolved configuration for a store or backend.
type config struct {
	maxBytes     int64
	queryTimeout time.Duration
	prefix       string
	breaker      resilience.BreakerConfig
}

// Option configures a Store or Backend implementation.
type Option func(*config)

func defaultConfig() config {
	return config{
		maxBytes:     DefaultMaxBytes,
		queryTimeout: DefaultQueryTimeout,
		prefix:       "plotcache",
		breaker:      resilience.DefaultBreakerConfig(),
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithMaxBytes sets the capacity in bytes. For backends, zero or less means
// unbounded. Defaults to DefaultMaxBytes.
func WithMaxBytes(n int64) Option {
	return func(c *config) { c.maxBytes = n }
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed backends
// (SQLite, Redis). Defaults to DefaultQueryTimeout (5 seconds).
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithPrefix sets the key prefix for namespacing entries.
// Applies to the Redis backend. Defaults to "plotcache".
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithBreaker configures the circuit breaker guarding a persistent store's backend.
func WithBreaker(b resilience.BreakerConfig) Option {
	return func(c *config) { c.breaker = b }
}

func unavailable(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrStoreUnavailable)
}
