package cache

import (
	"container/list"
	"context"
	"sync"
)

type memoryItem struct {
	key       Key
	entry     *Entry
	footprint int64
}

// memoryStore keeps entries in a recency list: the front is the most recently
// used entry, the back is the next eviction victim. A Put counts as a use, so
// entries never read since insertion leave in insertion order.
type memoryStore struct {
	mutex     sync.Mutex
	items     map[Key]*list.Element
	order     *list.List
	bytes     int64
	maxBytes  int64
	hits      uint64
	misses    uint64
	evictions uint64
	closed    bool
}

var _ Store = (*memoryStore)(nil)

// NewMemory returns a new in-memory Store bounded by WithMaxBytes.
func NewMemory(opts ...Option) Store {
	cfg := applyOptions(opts)
	if cfg.maxBytes <= 0 {
		cfg.maxBytes = DefaultMaxBytes
	}
	return &memoryStore{
		items:    make(map[Key]*list.Element),
		order:    list.New(),
		maxBytes: cfg.maxBytes,
	}
}

func (c *memoryStore) Get(_ context.Context, key Key) (*Entry, bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false, nil
	}
	c.order.MoveToFront(el)
	c.hits++
	return el.Value.(*memoryItem).entry, true, nil
}

func (c *memoryStore) Put(_ context.Context, key Key, entry *Entry) error {
	footprint := entry.Footprint()
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return nil
	}
	if el, ok := c.items[key]; ok {
		c.remove(el)
	}
	if footprint > c.maxBytes {
		return nil
	}
	for c.bytes+footprint > c.maxBytes {
		c.remove(c.order.Back())
		c.evictions++
	}
	c.items[key] = c.order.PushFront(&memoryItem{key: key, entry: entry, footprint: footprint})
	c.bytes += footprint
	return nil
}

func (c *memoryStore) remove(el *list.Element) {
	item := c.order.Remove(el).(*memoryItem)
	delete(c.items, item.key)
	c.bytes -= item.footprint
}

func (c *memoryStore) Purge(_ context.Context) error {
	c.mutex.Lock()
	c.items = make(map[Key]*list.Element)
	c.order.Init()
	c.bytes = 0
	c.mutex.Unlock()
	return nil
}

func (c *memoryStore) Stats() Stats {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   len(c.items),
		Bytes:     c.bytes,
		MaxBytes:  c.maxBytes,
	}
}

func (c *memoryStore) Close() error {
	c.mutex.Lock()
	c.closed = true
	c.mutex.Unlock()
	return c.Purge(context.Background())
}
