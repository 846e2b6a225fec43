package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/iliyamo/event-access/internal/apperr"
)

const tracerName = "github.com/iliyamo/event-access"

// SetupTracing installs a global OTLP/HTTP tracer provider.  Tracing is
// opt-in: with an empty endpoint it returns a no-op shutdown and spans go
// to the default no-op provider.  The returned shutdown flushes pending
// spans and should be deferred by the caller.
func SetupTracing(ctx context.Context, serviceName, endpoint string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return noop, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return noop, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

// StartSpan opens a span on the service tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan closes span, marking it failed when err is non-nil.  Expected
// business outcomes (conflicts, expired tokens) are still errors to the
// caller, so the kind is recorded as an attribute for filtering.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		kind := string(apperr.KindOf(err))
		span.SetAttributes(attribute.String("error.kind", kind), attribute.String("error.reason", apperr.ReasonOf(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
	}
	span.End()
}
