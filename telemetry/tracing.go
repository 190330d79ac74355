package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// defaultSampleRatio applies when OTEL_TRACES_SAMPLER_ARG is unset. Probes
// run every minute for every tracked pair.
const defaultSampleRatio = 0.25

var tracerProvider *sdktrace.TracerProvider

// sampleRatio parses OTEL_TRACES_SAMPLER_ARG, clamped to [0, 1].
func sampleRatio(raw string) float64 {
	if raw == "" {
		return defaultSampleRatio
	}
	r, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(r) {
		slog.Warn("invalid OTEL_TRACES_SAMPLER_ARG, using default", slog.String("value", raw))
		return defaultSampleRatio
	}
	return math.Min(1, math.Max(0, r))
}

// InitTracing initializes OpenTelemetry tracing with an OTLP/gRPC exporter.
// If OTEL_EXPORTER_OTLP_ENDPOINT is not set, tracing is disabled (no-op).
func InitTracing(serviceName, serviceVersion string) (func(), error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		slog.Info("tracing disabled: OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(endpoint),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	ratio := sampleRatio(os.Getenv("OTEL_TRACES_SAMPLER_ARG"))
	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)

	otel.SetTracerProvider(tracerProvider)
	slog.Info("tracing initialized",
		slog.String("service", serviceName),
		slog.String("endpoint", endpoint),
		slog.Float64("sample_ratio", ratio))

	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown tracer provider", slog.Any("err", err))
		}
	}, nil
}

// StartSpan starts a span with attrs and the correlation ID from ctx.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if corr := GetCorrelation(ctx); corr != "" {
		attrs = append(attrs, attribute.String("correlation_id", corr))
	}
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError records an error on the span and sets error status.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess sets span status to OK.
func SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Probe span attributes.
func EntityAttr(id string) attribute.KeyValue { return attribute.String("live.entity_id", id) }
func PlatformAttr(p string) attribute.KeyValue { return attribute.String("live.platform", p) }
func HandleAttr(h string) attribute.KeyValue { return attribute.String("live.handle", h) }
func MethodAttr(m string) attribute.KeyValue { return attribute.String("live.method", m) }
func ActionAttr(a string) attribute.KeyValue { return attribute.String("live.action", a) }
func HTTPMethodAttr(m string) attribute.KeyValue { return semconv.HTTPMethod(m) }
func HTTPRouteAttr(r string) attribute.KeyValue { return semconv.HTTPRoute(r) }
func HTTPStatusAttr(code int) attribute.KeyValue { return semconv.HTTPStatusCode(code) }

// SetSpanHTTPStatus records the response status and marks 5xx as errors.
func SetSpanHTTPStatus(span trace.Span, code int) {
	span.SetAttributes(HTTPStatusAttr(code))
	if code >= 500 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", code))
	}
}
