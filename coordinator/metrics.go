package coordinator

import (
	"context"

	"github.com/agentuity/plotcache/cache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/agentuity/plotcache/coordinator"

// metrics records fetch outcomes per scope.
type metrics struct {
	hits         metric.Int64Counter
	misses       metric.Int64Counter
	renders      metric.Int64Counter
	renderErrors metric.Int64Counter
	storeErrors  metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(meterName)
	m := &metrics{}
	for _, c := range []struct {
		dst         *metric.Int64Counter
		name        string
		description string
		unit        string
	}{
		{&m.hits, "plotcache.fetch.hits", "Fetches served from a cache store", "{fetch}"},
		{&m.misses, "plotcache.fetch.misses", "Fetches not found in a cache store", "{fetch}"},
		{&m.renders, "plotcache.renders", "Renders run on a cache miss", "{render}"},
		{&m.renderErrors, "plotcache.render.errors", "Renders that failed or panicked", "{error}"},
		{&m.storeErrors, "plotcache.store.errors", "Cache store faults treated as misses", "{error}"},
	} {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return m, nil
}

func scopeAttr(scope cache.Scope) metric.AddOption {
	return metric.WithAttributes(attribute.String("scope", scope.String()))
}

func (m *metrics) hit(ctx context.Context, scope cache.Scope) {
	m.hits.Add(ctx, 1, scopeAttr(scope))
}

func (m *metrics) miss(ctx context.Context, scope cache.Scope) {
	m.misses.Add(ctx, 1, scopeAttr(scope))
}

func (m *metrics) render(ctx context.Context, scope cache.Scope) {
	m.renders.Add(ctx, 1, scopeAttr(scope))
}

func (m *metrics) renderError(ctx context.Context, scope cache.Scope) {
	m.renderErrors.Add(ctx, 1, scopeAttr(scope))
}

func (m *metrics) storeError(ctx context.Context, scope cache.Scope) {
	m.storeErrors.Add(ctx, 1, scopeAttr(scope))
}
