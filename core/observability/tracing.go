package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/searchktools/fast-httpd/core/http"
)

const tracerName = "github.com/searchktools/fast-httpd"

// Tracer starts one server span per handled request. A nil *Tracer is valid.
type Tracer struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewTracer creates a Tracer on tp, extracting W3C trace context from requests.
func NewTracer(tp trace.TracerProvider) *Tracer {
	return &Tracer{
		tracer:     tp.Tracer(tracerName),
		propagator: propagation.TraceContext{},
	}
}

// Start opens a span for req under any parent carried in its headers.
func (t *Tracer) Start(ctx context.Context, req *http.Request) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx = t.propagator.Extract(ctx, propagation.HeaderCarrier(req.Header))
	ctx, span := t.tracer.Start(ctx, req.Method+" "+req.Path(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.target", req.Target),
			attribute.String("http.flavor", req.Version),
			attribute.Int("http.request_content_length", len(req.Body)),
		),
	)
	return ctx, span
}

// End closes span with the response status.
func (t *Tracer) End(span trace.Span, status int, panicked bool) {
	if t == nil {
		return
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	switch {
	case panicked:
		span.SetStatus(codes.Error, "handler panic")
	case status >= 500:
		span.SetStatus(codes.Error, "HTTP error")
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// NewOTLPProvider builds a batching tracer provider exporting to an OTLP/HTTP
// collector at endpoint (host:port).
func NewOTLPProvider(ctx context.Context, endpoint, serviceName string, insecure bool) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(sdkresource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	), nil
}
