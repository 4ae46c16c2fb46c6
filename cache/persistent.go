package cache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/agentuity/plotcache/resilience"
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

type persistentStore struct {
	backend   Backend
	breaker   *resilience.Breaker
	maxBytes  int64
	hits      atomic.Uint64
	misses    atomic.Uint64
	errors    atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ Store = (*persistentStore)(nil)

// NewPersistent returns a Store that keeps msgpack encoded entries in backend.
// Every backend call goes through a circuit breaker; while the breaker is open
// calls fail fast with ErrStoreUnavailable instead of waiting on the backend.
func NewPersistent(backend Backend, opts ...Option) Store {
	cfg := applyOptions(opts)
	return &persistentStore{
		backend:  backend,
		breaker:  resilience.NewBreaker(cfg.breaker),
		maxBytes: cfg.maxBytes,
	}
}

func (c *persistentStore) fail(err error, format string, args ...interface{}) error {
	c.errors.Add(1)
	return unavailable(err, format, args...)
}

func (c *persistentStore) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	if c.closed.Load() {
		return nil, false, nil
	}
	var data []byte
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		data, err = c.backend.Get(ctx, key.Bytes())
		if errors.Is(err, ErrNotFound) {
			data = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, false, c.fail(err, "get %s", key)
	}
	if data == nil {
		c.misses.Add(1)
		return nil, false, nil
	}
	var entry Entry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		return nil, false, c.fail(err, "decode %s", key)
	}
	c.hits.Add(1)
	return &entry, true, nil
}

func (c *persistentStore) Put(ctx context.Context, key Key, entry *Entry) error {
	if c.closed.Load() {
		return nil
	}
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return c.fail(err, "encode %s", key)
	}
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.backend.Put(ctx, key.Bytes(), data)
	})
	if err != nil {
		return c.fail(err, "put %s", key)
	}
	return nil
}

func (c *persistentStore) Purge(ctx context.Context) error {
	if err := c.backend.DeleteAll(ctx); err != nil {
		return c.fail(err, "purge")
	}
	return nil
}

func (c *persistentStore) Stats() Stats {
	s := Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Errors:   c.errors.Load(),
		MaxBytes: c.maxBytes,
	}
	if statser, ok := c.backend.(BackendStatser); ok && !c.closed.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultQueryTimeout)
		defer cancel()
		if bs, err := statser.Stats(ctx); err == nil {
			s.Entries = int(bs.Entries)
			s.Bytes = bs.Bytes
		}
	}
	return s
}

func (c *persistentStore) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.backend.Close()
	})
	return c.closeErr
}
