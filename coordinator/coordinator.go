// Package coordinator serves rendered artifacts through the cache.
//
// A [Coordinator] canonicalizes the requested size, derives the cache key,
// looks the key up in the store of the requested scope and, on a miss, renders
// once no matter how many callers are waiting for the same key. The rendered
// entry is stored at its canonical size and fit to each caller's request on
// the way out.
//
//	c, err := coordinator.New(coordinator.WithLogger(log))
//	...
//	art, err := c.Fetch(ctx, coordinator.Request{
//	    ArtifactID: "sales-by-region",
//	    KeyParts:   []any{region, year},
//	    Width:      w,
//	    Height:     h,
//	}, func(ctx context.Context, size sizing.Size) (*coordinator.Artifact, error) {
//	    return renderChart(ctx, region, year, size)
//	})
//
// Store faults never fail a Fetch: they are logged and the lookup continues as
// a miss. Render failures are returned to every caller waiting on that render
// and are not cached.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/agentuity/plotcache/cache"
	"github.com/agentuity/plotcache/logger"
	"github.com/agentuity/plotcache/session"
	"github.com/agentuity/plotcache/sizing"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrRenderFailed marks an error returned, or a panic raised, by a RenderFunc.
	ErrRenderFailed = errors.New("render failed")
	// ErrNoSession is returned for session scoped requests whose context
	// carries no live session.
	ErrNoSession = errors.New("no live session")
	// ErrScopeNotConfigured is returned for persistent requests when no
	// persistent store is configured.
	ErrScopeNotConfigured = errors.New("cache scope not configured")
)

// Request describes one artifact fetch.
type Request struct {
	// ArtifactID identifies the output, for example the id of the chart widget.
	ArtifactID string
	// KeyParts are the inputs the render depends on, in a fixed order.
	KeyParts []any
	// Width and Height are the size the viewer asked for, in pixels.
	Width  int
	Height int
	// Scope selects the store. The zero value uses the coordinator's default.
	Scope cache.Scope
}

// Artifact is a rendered output. Data is shared with the cache and must not
// be modified.
type Artifact struct {
	Data        []byte
	ContentType string
	// Width and Height are the pixel size of Data.
	Width  int
	Height int
	// DisplayWidth and DisplayHeight are the size to show Data at.
	DisplayWidth  int
	DisplayHeight int
	// Cached is set when the artifact came from a store without rendering.
	Cached bool
}

// RenderFunc renders an artifact at size. Data and ContentType of the returned
// artifact are cached. Width and Height, when both are set, are the size Data
// actually came out at; otherwise Data is taken to be size. It runs detached
// from the caller's cancellation, so it should bound its own running time.
type RenderFunc func(ctx context.Context, size sizing.Size) (*Artifact, error)

type Coordinator struct {
	policy       *sizing.Policy
	keys         cache.KeyBuilder
	process      cache.Store
	persistent   cache.Store
	sessions     *session.Manager
	defaultScope cache.Scope
	fitter       Fitter
	log          logger.Logger
	meter        metric.MeterProvider
	metrics      *metrics
	tracer       trace.Tracer
	traces       trace.TracerProvider
	group        singleflight.Group
	closeOnce    sync.Once
	closeErr     error
}

type Option func(*Coordinator)

// WithLogger sets the logger. Defaults to a console logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithMeterProvider sets the provider of the fetch counters. Defaults to the
// global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Coordinator) { c.meter = mp }
}

// WithTracerProvider sets the provider of the fetch and render spans.
// Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) { c.traces = tp }
}

// WithPolicy sets the sizing policy. Defaults to the default ladder.
func WithPolicy(p *sizing.Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithProcessStore sets the process wide store. Defaults to a memory store.
func WithProcessStore(s cache.Store) Option {
	return func(c *Coordinator) { c.process = s }
}

// WithPersistentStore enables the persistent scope.
func WithPersistentStore(s cache.Store) Option {
	return func(c *Coordinator) { c.persistent = s }
}

// WithSessions sets the session manager. Defaults to one giving each session
// a memory store.
func WithSessions(m *session.Manager) Option {
	return func(c *Coordinator) { c.sessions = m }
}

// WithFitter sets how stored entries are fit to a request. Defaults to ClientFit.
func WithFitter(f Fitter) Option {
	return func(c *Coordinator) { c.fitter = f }
}

// WithDefaultScope sets the scope of requests that do not name one.
// Defaults to cache.ScopeProcess.
func WithDefaultScope(s cache.Scope) Option {
	return func(c *Coordinator) { c.defaultScope = s }
}

// New returns a Coordinator. It owns the stores and the session manager it is
// given and closes them on Close.
func New(opts ...Option) (*Coordinator, error) {
	c := &Coordinator{defaultScope: cache.ScopeProcess}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy == nil {
		policy, err := sizing.New()
		if err != nil {
			return nil, err
		}
		c.policy = policy
	}
	if c.process == nil {
		c.process = cache.NewMemory()
	}
	if c.sessions == nil {
		c.sessions = session.NewManager(nil)
	}
	if c.fitter == nil {
		c.fitter = ClientFit{}
	}
	if c.log == nil {
		c.log = logger.NewConsoleLogger()
	}
	c.log = c.log.WithPrefix("[plotcache]")
	if c.meter == nil {
		c.meter = otel.GetMeterProvider()
	}
	if c.traces == nil {
		c.traces = otel.GetTracerProvider()
	}
	c.tracer = c.traces.Tracer(tracerName)
	if c.defaultScope == cache.ScopeDefault {
		c.defaultScope = cache.ScopeProcess
	}
	if c.defaultScope == cache.ScopePersistent && c.persistent == nil {
		return nil, errors.Wrap(ErrScopeNotConfigured, "default scope persistent")
	}
	m, err := newMetrics(c.meter)
	if err != nil {
		return nil, errors.Wrap(err, "error creating metrics")
	}
	c.metrics = m
	return c, nil
}

// Policy returns the sizing policy.
func (c *Coordinator) Policy() *sizing.Policy {
	return c.policy
}

// Sessions returns the session manager. Hosts start and end sessions through it.
func (c *Coordinator) Sessions() *session.Manager {
	return c.sessions
}

// DefaultScope returns the scope used by requests that do not name one.
func (c *Coordinator) DefaultScope() cache.Scope {
	return c.defaultScope
}

func (c *Coordinator) resolve(scope cache.Scope) cache.Scope {
	if scope == cache.ScopeDefault {
		return c.defaultScope
	}
	return scope
}

// storeFor returns the store serving scope and the session id that belongs in
// the key, which is empty outside the session scope.
func (c *Coordinator) storeFor(ctx context.Context, scope cache.Scope) (cache.Store, string, error) {
	switch scope {
	case cache.ScopeProcess:
		return c.process, "", nil
	case cache.ScopeSession:
		id, ok := session.FromContext(ctx)
		if !ok {
			return nil, "", ErrNoSession
		}
		store, ok := c.sessions.Store(id)
		if !ok {
			return nil, "", errors.Wrapf(ErrNoSession, "session %q has ended", id)
		}
		return store, id, nil
	case cache.ScopePersistent:
		if c.persistent == nil {
			return nil, "", ErrScopeNotConfigured
		}
		return c.persistent, "", nil
	}
	return nil, "", errors.Wrapf(cache.ErrUnknownScope, "%d", int(scope))
}

type flight struct {
	entry  *cache.Entry
	cached bool
}

// Fetch returns the artifact for req, rendering it with render on a miss.
//
// Concurrent fetches of the same key share one render. A caller whose ctx is
// done stops waiting and gets ctx.Err(); the render carries on for the others
// and its result is still stored.
func (c *Coordinator) Fetch(ctx context.Context, req Request, render RenderFunc) (*Artifact, error) {
	ctx, span := c.startFetch(ctx, req)
	artifact, err := c.fetch(ctx, req, render)
	if artifact != nil {
		span.SetAttributes(attribute.Bool("plotcache.cached", artifact.Cached))
	}
	endSpan(span, err)
	return artifact, err
}

func (c *Coordinator) fetch(ctx context.Context, req Request, render RenderFunc) (*Artifact, error) {
	size, err := c.policy.Canonicalize(req.Width, req.Height)
	if err != nil {
		return nil, err
	}
	scope := c.resolve(req.Scope)
	store, sessionID, err := c.storeFor(ctx, scope)
	if err != nil {
		return nil, err
	}
	key := c.keys.Build(req.ArtifactID, req.KeyParts, size, sessionID)
	annotate(ctx, scope, size)
	requested := sizing.Size{Width: req.Width, Height: req.Height}

	if entry, ok := c.lookup(ctx, scope, store, key); ok {
		c.metrics.hit(ctx, scope)
		c.log.Trace("hit %s scope=%s", key, scope)
		return c.fit(entry, requested, true), nil
	}
	c.metrics.miss(ctx, scope)
	c.log.Trace("miss %s scope=%s", key, scope)

	// a caller that has already gone must not start a render.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := c.group.DoChan(scope.String()+":"+key.String(), func() (interface{}, error) {
		return c.render(context.WithoutCancel(ctx), scope, store, key, render)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		f := res.Val.(*flight)
		return c.fit(f.entry, requested, f.cached), nil
	}
}

// render runs as the single flight for key.
func (c *Coordinator) render(ctx context.Context, scope cache.Scope, store cache.Store, key cache.Key, render RenderFunc) (*flight, error) {
	// a flight for key may have finished between our lookup and joining the group.
	if entry, ok := c.lookup(ctx, scope, store, key); ok {
		return &flight{entry: entry, cached: true}, nil
	}

	c.metrics.render(ctx, scope)
	started := time.Now()
	rctx, span := c.startRender(ctx, key)
	artifact, err := invoke(rctx, key.Size(), render)
	endSpan(span, err)
	if err != nil {
		c.metrics.renderError(ctx, scope)
		c.log.Debug("render of %s failed after %v: %v", key, time.Since(started), err)
		return nil, errors.Mark(errors.Wrapf(err, "render %q at %s", key.Artifact, key.Size()), ErrRenderFailed)
	}
	c.log.Trace("rendered %s in %v (%d bytes)", key, time.Since(started), len(artifact.Data))

	entry := &cache.Entry{
		Data:        artifact.Data,
		ContentType: artifact.ContentType,
		Size:        renderedSize(artifact, key.Size()),
		CreatedAt:   time.Now(),
	}
	if err := store.Put(ctx, key, entry); err != nil {
		c.storeFault(ctx, scope, "put", key, err)
	}
	return &flight{entry: entry}, nil
}

// renderedSize is the size the renderer reports for artifact, or canonical
// when it reports none.
func renderedSize(artifact *Artifact, canonical sizing.Size) sizing.Size {
	if artifact.Width > 0 && artifact.Height > 0 {
		return sizing.Size{Width: artifact.Width, Height: artifact.Height}
	}
	return canonical
}

func invoke(ctx context.Context, size sizing.Size, render RenderFunc) (artifact *Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			artifact = nil
			err = errors.Newf("render panicked: %v", r)
		}
	}()
	artifact, err = render(ctx, size)
	if err == nil && artifact == nil {
		err = errors.New("render returned no artifact")
	}
	return artifact, err
}

func (c *Coordinator) lookup(ctx context.Context, scope cache.Scope, store cache.Store, key cache.Key) (*cache.Entry, bool) {
	entry, found, err := store.Get(ctx, key)
	if err != nil {
		c.storeFault(ctx, scope, "get", key, err)
		return nil, false
	}
	return entry, found
}

func (c *Coordinator) storeFault(ctx context.Context, scope cache.Scope, op string, key cache.Key, err error) {
	c.metrics.storeError(ctx, scope)
	c.log.Warn("cache %s of %s failed, continuing without cache: %v", op, key, err)
}

func (c *Coordinator) fit(entry *cache.Entry, requested sizing.Size, cached bool) *Artifact {
	artifact, err := c.fitter.Fit(entry, requested)
	if err != nil {
		c.log.Warn("fit of %s entry to %s failed, leaving it to the client: %v", entry.Size, requested, err)
		artifact, _ = ClientFit{}.Fit(entry, requested)
	}
	artifact.Cached = cached
	return artifact
}

// Stats returns the counters of the store serving scope. Session stats need a
// ctx carrying the session.
func (c *Coordinator) Stats(ctx context.Context, scope cache.Scope) (cache.Stats, error) {
	store, _, err := c.storeFor(ctx, c.resolve(scope))
	if err != nil {
		return cache.Stats{}, err
	}
	return store.Stats(), nil
}

// Purge removes every entry of the store serving scope. It is the only way
// persistent entries are invalidated.
func (c *Coordinator) Purge(ctx context.Context, scope cache.Scope) error {
	scope = c.resolve(scope)
	store, _, err := c.storeFor(ctx, scope)
	if err != nil {
		return err
	}
	c.log.Info("purging %s cache", scope)
	return store.Purge(ctx)
}

// Close ends every session and closes the stores.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		err := c.sessions.Close()
		err = errors.CombineErrors(err, c.process.Close())
		if c.persistent != nil {
			err = errors.CombineErrors(err, c.persistent.Close())
		}
		c.closeErr = err
	})
	return c.closeErr
}
