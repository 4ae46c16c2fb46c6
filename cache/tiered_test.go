package cache

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTieredPanicOnEmpty(t *testing.T) {
	assert.Panics(t, func() {
		NewTiered()
	})
}

func TestTieredGetOrder(t *testing.T) {
	ctx := context.Background()
	l1 := NewMemory()
	l2 := NewMemory()
	c := NewTiered(l1, l2)
	defer c.Close()

	require.NoError(t, l1.Put(ctx, testKey("a"), &Entry{Data: []byte("from-l1")}))
	require.NoError(t, l2.Put(ctx, testKey("a"), &Entry{Data: []byte("from-l2")}))

	entry, found, err := c.Get(ctx, testKey("a"))
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "from-l1", string(entry.Data))
}

func TestTieredPromotesLowerHit(t *testing.T) {
	ctx := context.Background()
	l1 := NewMemory()
	l2 := NewMemory()
	c := NewTiered(l1, l2)
	defer c.Close()

	require.NoError(t, l2.Put(ctx, testKey("a"), &Entry{Data: []byte("deep")}))

	entry, found, err := c.Get(ctx, testKey("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "deep", string(entry.Data))

	entry, found, _ = l1.Get(ctx, testKey("a"))
	require.True(t, found, "hit copied into the upper tier")
	assert.Equal(t, "deep", string(entry.Data))
}

func TestTieredPutWritesAll(t *testing.T) {
	ctx := context.Background()
	l1 := NewMemory()
	l2 := NewMemory()
	c := NewTiered(l1, l2)
	defer c.Close()

	require.NoError(t, c.Put(ctx, testKey("a"), testEntry(1)))
	_, found, _ := l1.Get(ctx, testKey("a"))
	assert.True(t, found)
	_, found, _ = l2.Get(ctx, testKey("a"))
	assert.True(t, found)

	require.NoError(t, c.Purge(ctx))
	assert.Equal(t, 0, l1.Stats().Entries)
	assert.Equal(t, 0, l2.Stats().Entries)
}

func TestTieredLowerFaultIsReportedOnMiss(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.setFail(errDisk)
	l1 := NewMemory()
	c := NewTiered(l1, NewPersistent(backend))
	defer c.Close()

	_, found, err := c.Get(ctx, testKey("a"))
	assert.False(t, found)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))

	// the upper tier still answers while the lower one is down.
	err = c.Put(ctx, testKey("a"), testEntry(1))
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	_, found, err = c.Get(ctx, testKey("a"))
	assert.NoError(t, err)
	assert.True(t, found)
}

func TestTieredStats(t *testing.T) {
	ctx := context.Background()
	l1 := NewMemory()
	l2 := NewMemory()
	c := NewTiered(l1, l2)
	defer c.Close()

	require.NoError(t, l2.Put(ctx, testKey("a"), testEntry(1)))
	_, _, _ = c.Get(ctx, testKey("a")) // l2 hit
	_, _, _ = c.Get(ctx, testKey("a")) // l1 hit
	_, _, _ = c.Get(ctx, testKey("b")) // miss

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}
