package coordinator

import (
	"context"

	"github.com/agentuity/plotcache/cache"
	"github.com/agentuity/plotcache/sizing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/agentuity/plotcache/coordinator"

func (c *Coordinator) startFetch(ctx context.Context, req Request) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "plotcache.fetch",
		trace.WithAttributes(
			attribute.String("plotcache.artifact", req.ArtifactID),
			attribute.Int("plotcache.width", req.Width),
			attribute.Int("plotcache.height", req.Height),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// annotate adds what the fetch resolved to onto the span in ctx.
func annotate(ctx context.Context, scope cache.Scope, size sizing.Size) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("plotcache.scope", scope.String()),
		attribute.String("plotcache.size", size.String()),
	)
}

func (c *Coordinator) startRender(ctx context.Context, key cache.Key) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "plotcache.render",
		trace.WithAttributes(
			attribute.String("plotcache.artifact", key.Artifact),
			attribute.String("plotcache.size", key.Size().String()),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// endSpan ends the span and records the error status if present.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
