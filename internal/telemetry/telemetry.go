package telemetry

import (
	"context"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const defaultTracerName = "llm-gateway"

// tracer holds the tracer installed by Init. Until then Tracer falls back to
// the otel global provider.
var tracer atomic.Pointer[trace.Tracer]

func setTracer(t trace.Tracer) {
	tracer.Store(&t)
}

// Init installs an OTLP exporter when otlpEndpoint is set. The returned
// function flushes and stops the provider.
func Init(ctx context.Context, serviceName, version, otlpEndpoint string) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		setTracer(otel.Tracer(serviceName))
		slog.Info("telemetry disabled, no OTLP endpoint configured")
		return func(ctx context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	setTracer(tp.Tracer(serviceName))

	slog.Info("telemetry initialized", "endpoint", otlpEndpoint)

	return tp.Shutdown, nil
}

func Tracer() trace.Tracer {
	if t := tracer.Load(); t != nil {
		return *t
	}
	return otel.Tracer(defaultTracerName)
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

func AddRequestAttributes(span trace.Span, operation, bucket, requestID string) {
	span.SetAttributes(
		attribute.String("gateway.operation", operation),
		attribute.String("ratelimit.bucket", bucket),
		attribute.String("request.id", requestID),
	)
}

func AddAttemptAttributes(span trace.Span, provider string, attempt int) {
	span.SetAttributes(
		attribute.String("provider", provider),
		attribute.Int("attempt", attempt),
	)
}

func AddResponseAttributes(span trace.Span, provider, model string, latencyMs int64) {
	span.SetAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.Int64("latency.ms", latencyMs),
	)
}

func AddTokenAttributes(span trace.Span, inputTokens, outputTokens int) {
	span.SetAttributes(
		attribute.Int("tokens.input", inputTokens),
		attribute.Int("tokens.output", outputTokens),
		attribute.Int("tokens.total", inputTokens+outputTokens),
	)
}

func AddCostAttribute(span trace.Span, costUSD float64) {
	span.SetAttributes(
		attribute.Float64("cost.usd", costUSD),
	)
}

func AddCacheAttribute(span trace.Span, cacheHit bool) {
	span.SetAttributes(
		attribute.Bool("cache.hit", cacheHit),
	)
}

func AddErrorAttribute(span trace.Span, err error) {
	span.SetAttributes(
		attribute.String("error.message", err.Error()),
	)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
