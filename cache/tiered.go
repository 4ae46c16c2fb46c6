package cache

import (
	"context"
)

type tieredStore struct {
	stores []Store
}

var _ Store = (*tieredStore)(nil)

// NewTiered returns a Store that chains multiple stores together, fastest first.
// Get checks stores in order and copies a hit into every store above the one
// that had it. A store that fails is skipped, its error is only returned when
// no store had the entry.
// Put writes to all stores and returns the first error.
// At least one store must be provided; panics if empty.
func NewTiered(stores ...Store) Store {
	if len(stores) == 0 {
		panic("cache: NewTiered requires at least one store")
	}
	return &tieredStore{stores: stores}
}

func (c *tieredStore) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	var firstErr error
	for i, store := range c.stores {
		entry, found, err := store.Get(ctx, key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if found {
			for _, upper := range c.stores[:i] {
				_ = upper.Put(ctx, key, entry)
			}
			return entry, true, nil
		}
	}
	return nil, false, firstErr
}

func (c *tieredStore) Put(ctx context.Context, key Key, entry *Entry) error {
	var firstErr error
	for _, store := range c.stores {
		if err := store.Put(ctx, key, entry); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *tieredStore) Purge(ctx context.Context) error {
	var firstErr error
	for _, store := range c.stores {
		if err := store.Purge(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats reports the first store's occupancy. Hits and misses are summed
// over all stores with the misses of the lower stores dropped, so a lookup
// answered by any tier counts as one hit and a lookup missed by all as one miss.
func (c *tieredStore) Stats() Stats {
	s := c.stores[0].Stats()
	for _, store := range c.stores[1:] {
		lower := store.Stats()
		s.Hits += lower.Hits
		s.Misses -= min(s.Misses, lower.Hits)
		s.Evictions += lower.Evictions
		s.Errors += lower.Errors
	}
	return s
}

func (c *tieredStore) Close() error {
	var firstErr error
	for _, store := range c.stores {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
