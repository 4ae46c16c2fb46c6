package coordinator

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentuity/plotcache/cache"
	"github.com/agentuity/plotcache/logger"
	"github.com/agentuity/plotcache/sizing"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type renderCounter struct {
	calls atomic.Int32
	sizes chan sizing.Size
}

func (r *renderCounter) render(ctx context.Context, size sizing.Size) (*Artifact, error) {
	r.calls.Add(1)
	if r.sizes != nil {
		r.sizes <- size
	}
	return &Artifact{Data: []byte("plot@" + size.String()), ContentType: "text/plain"}, nil
}

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *logger.TestLogger, *sdkmetric.ManualReader) {
	t.Helper()
	log := logger.NewTestLogger()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	c, err := New(append([]Option{WithLogger(log), WithMeterProvider(mp)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, log, reader
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string, scope cache.Scope) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, name)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value("scope"); ok && v.AsString() == scope.String() {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func TestFetchReusesNearbySizes(t *testing.T) {
	ctx := context.Background()
	c, _, reader := newTestCoordinator(t)
	r := &renderCounter{}
	req := Request{ArtifactID: "plot", KeyParts: []any{"sales", 2024}, Width: 247, Height: 189}

	first, err := c.Fetch(ctx, req, r.render)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, "plot@320x220", string(first.Data))
	assert.Equal(t, 320, first.Width)
	assert.Equal(t, 220, first.Height)
	assert.Equal(t, 247, first.DisplayWidth)
	assert.Equal(t, 189, first.DisplayHeight)

	req.Width, req.Height = 251, 190
	second, err := c.Fetch(ctx, req, func(context.Context, sizing.Size) (*Artifact, error) {
		t.Fatal("second fetch must be served from the cache")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, 251, second.DisplayWidth)
	assert.Equal(t, 190, second.DisplayHeight)

	assert.Equal(t, int32(1), r.calls.Load())
	assert.Equal(t, int64(1), counterValue(t, reader, "plotcache.fetch.hits", cache.ScopeProcess))
	assert.Equal(t, int64(1), counterValue(t, reader, "plotcache.fetch.misses", cache.ScopeProcess))
	assert.Equal(t, int64(1), counterValue(t, reader, "plotcache.renders", cache.ScopeProcess))
}

func TestFetchRendersAtCanonicalSize(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	r := &renderCounter{sizes: make(chan sizing.Size, 1)}
	_, err := c.Fetch(context.Background(), Request{ArtifactID: "plot", Width: 101, Height: 1599}, r.render)
	require.NoError(t, err)
	assert.Equal(t, sizing.Size{Width: 150, Height: 1600}, <-r.sizes)
}

func TestFetchAboveLadderNeverUpscales(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	r := &renderCounter{}
	art, err := c.Fetch(context.Background(), Request{ArtifactID: "plot", Width: 4000, Height: 90}, r.render)
	require.NoError(t, err)
	assert.Equal(t, 1600, art.Width)
	assert.Equal(t, 100, art.Height)
	assert.Equal(t, 1600, art.DisplayWidth)
	assert.Equal(t, 90, art.DisplayHeight)
}

func TestFetchKeyPartsSeparateEntries(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t)
	r := &renderCounter{}
	for _, parts := range [][]any{{"a"}, {"b"}, {"a"}, {"b"}} {
		_, err := c.Fetch(ctx, Request{ArtifactID: "plot", KeyParts: parts, Width: 300, Height: 300}, r.render)
		require.NoError(t, err)
	}
	_, err := c.Fetch(ctx, Request{ArtifactID: "other", KeyParts: []any{"a"}, Width: 300, Height: 300}, r.render)
	require.NoError(t, err)
	assert.Equal(t, int32(3), r.calls.Load())
}

func TestFetchSingleFlight(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	release := make(chan struct{})
	var calls atomic.Int32
	render := func(ctx context.Context, size sizing.Size) (*Artifact, error) {
		calls.Add(1)
		<-release
		return &Artifact{Data: []byte("shared"), ContentType: "text/plain"}, nil
	}

	const n = 32
	var wg sync.WaitGroup
	results := make([]*Artifact, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Fetch(context.Background(), Request{ArtifactID: "plot", Width: 151 + i, Height: 200}, render)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", string(results[i].Data))
		assert.Equal(t, 151+i, results[i].DisplayWidth)
	}
}

func TestFetchRenderFailure(t *testing.T) {
	ctx := context.Background()
	c, log, reader := newTestCoordinator(t)
	boom := errors.New("boom")
	release := make(chan struct{})
	var calls atomic.Int32
	failing := func(ctx context.Context, size sizing.Size) (*Artifact, error) {
		calls.Add(1)
		<-release
		return nil, boom
	}
	req := Request{ArtifactID: "plot", Width: 300, Height: 300}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Fetch(ctx, req, failing)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	// every waiter of the flight gets the failure.
	assert.Equal(t, int32(1), calls.Load())
	for _, err := range errs {
		assert.True(t, errors.Is(err, ErrRenderFailed))
		assert.True(t, errors.Is(err, boom))
		assert.Contains(t, err.Error(), "boom")
	}
	assert.Equal(t, int64(1), counterValue(t, reader, "plotcache.render.errors", cache.ScopeProcess))
	assert.NotEmpty(t, log.Find("DEBUG", "boom"))

	// nothing was cached, so the next fetch renders again.
	r := &renderCounter{}
	art, err := c.Fetch(ctx, req, r.render)
	require.NoError(t, err)
	assert.False(t, art.Cached)
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestFetchRenderPanic(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	_, err := c.Fetch(context.Background(), Request{ArtifactID: "plot", Width: 300, Height: 300},
		func(context.Context, sizing.Size) (*Artifact, error) {
			panic("kaboom")
		})
	assert.True(t, errors.Is(err, ErrRenderFailed))
	assert.Contains(t, err.Error(), "kaboom")
}

func TestFetchRenderNilArtifact(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	_, err := c.Fetch(context.Background(), Request{ArtifactID: "plot", Width: 300, Height: 300},
		func(context.Context, sizing.Size) (*Artifact, error) {
			return nil, nil
		})
	assert.True(t, errors.Is(err, ErrRenderFailed))
}

func TestFetchCallerCancellation(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	release := make(chan struct{})
	done := make(chan error, 1)
	var calls atomic.Int32
	render := func(ctx context.Context, size sizing.Size) (*Artifact, error) {
		calls.Add(1)
		<-release
		done <- ctx.Err()
		return &Artifact{Data: []byte("late"), ContentType: "text/plain"}, nil
	}
	req := Request{ArtifactID: "plot", Width: 300, Height: 300}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctx, req, render)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(release)
	assert.NoError(t, <-done, "the shared render is not cancelled with its caller")

	// the abandoned render still populated the cache.
	require.Eventually(t, func() bool {
		stats, err := c.Stats(context.Background(), cache.ScopeProcess)
		return err == nil && stats.Entries == 1
	}, time.Second, 5*time.Millisecond)
	art, err := c.Fetch(context.Background(), req, render)
	require.NoError(t, err)
	assert.True(t, art.Cached)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchAlreadyCancelledDoesNotRender(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	r := &renderCounter{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Fetch(ctx, Request{ArtifactID: "plot", Width: 300, Height: 300}, r.render)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), r.calls.Load())

	stats, err := c.Stats(context.Background(), cache.ScopeProcess)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Entries)
}

func TestFetchKeepsRenderedSize(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t)
	var canonical sizing.Size
	render := func(ctx context.Context, size sizing.Size) (*Artifact, error) {
		canonical = size
		return &Artifact{Data: []byte("small"), ContentType: "text/plain", Width: 200, Height: 120}, nil
	}
	req := Request{ArtifactID: "plot", Width: 151, Height: 101}

	for _, cached := range []bool{false, true} {
		art, err := c.Fetch(ctx, req, render)
		require.NoError(t, err)
		assert.Equal(t, cached, art.Cached)
		assert.Equal(t, 200, art.Width)
		assert.Equal(t, 120, art.Height)
		assert.Equal(t, 151, art.DisplayWidth)
		assert.Equal(t, 101, art.DisplayHeight)
	}
	assert.NotEqual(t, sizing.Size{Width: 200, Height: 120}, canonical)
}

func TestFetchImageFitUsesRenderedSize(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t, WithFitter(ImageFit{}))
	small := pngEntry(t, 200, 120)
	render := func(ctx context.Context, size sizing.Size) (*Artifact, error) {
		return &Artifact{Data: small.Data, ContentType: small.ContentType, Width: 200, Height: 120}, nil
	}

	// the request is larger than the render, so nothing is scaled up.
	art, err := c.Fetch(ctx, Request{ArtifactID: "plot", Width: 250, Height: 130}, render)
	require.NoError(t, err)
	assert.Equal(t, small.Data, art.Data)
	assert.Equal(t, 200, art.Width)
	assert.Equal(t, 120, art.Height)

	art, err = c.Fetch(ctx, Request{ArtifactID: "plot", Width: 151, Height: 101}, render)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(art.Data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 151, 101), img.Bounds())
}

func TestFetchWithoutRenderedSizeUsesCanonical(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	r := &renderCounter{}
	art, err := c.Fetch(context.Background(), Request{ArtifactID: "plot", Width: 247, Height: 189}, r.render)
	require.NoError(t, err)
	assert.Equal(t, 320, art.Width)
	assert.Equal(t, 220, art.Height)
}

func TestFetchInvalidDimension(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	r := &renderCounter{}
	for _, req := range []Request{{Width: 0, Height: 10}, {Width: 10, Height: -1}} {
		_, err := c.Fetch(context.Background(), req, r.render)
		assert.True(t, errors.Is(err, sizing.ErrInvalidDimension))
	}
	assert.Equal(t, int32(0), r.calls.Load())
}

func TestFetchEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	// room for two of the rendered entries.
	entrySize := (&cache.Entry{Data: []byte("plot@320x320"), ContentType: "text/plain"}).Footprint()
	c, _, _ := newTestCoordinator(t, WithProcessStore(cache.NewMemory(cache.WithMaxBytes(2*entrySize))))
	r := &renderCounter{}
	fetch := func(id string) {
		_, err := c.Fetch(ctx, Request{ArtifactID: id, Width: 300, Height: 300}, r.render)
		require.NoError(t, err)
	}

	fetch("a")
	fetch("b")
	fetch("a") // hit, a is now the most recent
	fetch("c") // evicts b
	assert.Equal(t, int32(3), r.calls.Load())
	fetch("a")
	assert.Equal(t, int32(3), r.calls.Load())
	fetch("b")
	assert.Equal(t, int32(4), r.calls.Load())
}

func TestFetchPersistentNotConfigured(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	_, err := c.Fetch(context.Background(), Request{ArtifactID: "plot", Width: 300, Height: 300, Scope: cache.ScopePersistent}, (&renderCounter{}).render)
	assert.True(t, errors.Is(err, ErrScopeNotConfigured))

	_, err = New(WithDefaultScope(cache.ScopePersistent))
	assert.True(t, errors.Is(err, ErrScopeNotConfigured))
}

type brokenBackend struct{}

var errBroken = errors.New("backend broken")

func (brokenBackend) Get(context.Context, []byte) ([]byte, error) { return nil, errBroken }
func (brokenBackend) Put(context.Context, []byte, []byte) error   { return errBroken }
func (brokenBackend) DeleteAll(context.Context) error             { return errBroken }
func (brokenBackend) Close() error                                { return nil }

func TestFetchStoreUnavailableFallsBackToRender(t *testing.T) {
	ctx := context.Background()
	c, log, reader := newTestCoordinator(t,
		WithPersistentStore(cache.NewPersistent(brokenBackend{})),
		WithDefaultScope(cache.ScopePersistent),
	)
	r := &renderCounter{}
	for i := 0; i < 2; i++ {
		art, err := c.Fetch(ctx, Request{ArtifactID: "plot", Width: 300, Height: 300}, r.render)
		require.NoError(t, err)
		assert.Equal(t, "plot@320x320", string(art.Data))
		assert.False(t, art.Cached)
	}
	assert.Equal(t, int32(2), r.calls.Load())
	assert.NotEmpty(t, log.Find("WARNING", "backend broken"))
	// a get and a put per fetch, plus the re-check inside the flight.
	assert.Equal(t, int64(6), counterValue(t, reader, "plotcache.store.errors", cache.ScopePersistent))
}

func TestFetchPersistentTiered(t *testing.T) {
	ctx := context.Background()
	backend, err := cache.NewSQLiteBackend(ctx, "")
	require.NoError(t, err)
	c, _, _ := newTestCoordinator(t, WithPersistentStore(cache.NewTiered(cache.NewMemory(), cache.NewPersistent(backend))))
	r := &renderCounter{}
	req := Request{ArtifactID: "plot", Width: 300, Height: 300, Scope: cache.ScopePersistent}

	_, err = c.Fetch(ctx, req, r.render)
	require.NoError(t, err)
	art, err := c.Fetch(ctx, req, r.render)
	require.NoError(t, err)
	assert.True(t, art.Cached)
	assert.Equal(t, int32(1), r.calls.Load())

	require.NoError(t, c.Purge(ctx, cache.ScopePersistent))
	_, err = c.Fetch(ctx, req, r.render)
	require.NoError(t, err)
	assert.Equal(t, int32(2), r.calls.Load())
}
