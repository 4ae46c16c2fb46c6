// Package telemetry exports logs and traces over OTLP/HTTP.
//
// [New] installs global OpenTelemetry logger and tracer providers, so the
// coordinator spans and counters of a host that calls it are exported without
// further wiring.
package telemetry

import (
	"context"
	"net/url"
	"time"

	"github.com/agentuity/plotcache/logger"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

const exportTimeout = 10 * time.Second

type ShutdownFunc func()

// endpoints returns the log and trace URLs below the OTLP server URL.
func endpoints(serverURL string) (string, string, bool, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", "", false, errors.Wrap(err, "error parsing otlp server url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", false, errors.Newf("otlp server url %q must be http or https", serverURL)
	}
	logs, traces := *u, *u
	logs.Path = "/v1/logs"
	traces.Path = "/v1/traces"
	return logs.String(), traces.String(), u.Scheme == "http", nil
}

// New exports logs and traces of serviceName to the OTLP server at serverURL
// and returns a logger emitting to it at level. authToken, when set, is sent
// as a bearer token. ShutdownFunc flushes and stops both exporters.
func New(ctx context.Context, serverURL string, authToken string, serviceName string, level logger.LogLevel) (logger.Logger, ShutdownFunc, error) {
	logURL, traceURL, insecure, err := endpoints(serverURL)
	if err != nil {
		return nil, nil, err
	}

	res, err := resource.New(
		ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	// a partial resource still names the service.
	if err != nil && !errors.Is(err, resource.ErrPartialResource) && !errors.Is(err, resource.ErrSchemaURLConflict) {
		return nil, nil, errors.Wrap(err, "error creating resource")
	}

	headers := make(map[string]string)
	if authToken != "" {
		headers["Authorization"] = "Bearer " + authToken
	}

	logOpts := []otlploghttp.Option{
		otlploghttp.WithEndpointURL(logURL),
		otlploghttp.WithHeaders(headers),
		otlploghttp.WithTimeout(exportTimeout),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	}
	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpointURL(traceURL),
		otlptracehttp.WithHeaders(headers),
		otlptracehttp.WithTimeout(exportTimeout),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if insecure {
		logOpts = append(logOpts, otlploghttp.WithInsecure())
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}

	logExporter, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating log exporter")
	}
	traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		_ = logExporter.Shutdown(ctx)
		return nil, nil, errors.Wrap(err, "error creating trace exporter")
	}

	logProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	global.SetLoggerProvider(logProvider)
	otel.SetTracerProvider(traceProvider)

	log := logger.NewOtelLogger(logProvider.Logger(serviceName), level)

	return log, func() {
		ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
		defer cancel()
		_ = traceProvider.Shutdown(ctx)
		_ = logProvider.Shutdown(ctx)
	}, nil
}
