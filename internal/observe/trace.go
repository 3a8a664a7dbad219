package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the EchoNet tracer.
const tracerName = "github.com/bbureau12/echonet"

// Pipeline span attribute keys, set by [StartPipelineSpan] to carry event
// identity through the capture → route → fan-out path, as distinct from the
// generic HTTP attributes the request [Middleware] sets.
const (
	attrSourceID = attribute.Key("echonet.source_id")
	attrRoom     = attribute.Key("echonet.room")
)

// Tracer returns the package-level [trace.Tracer] for EchoNet. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartPipelineSpan starts a span for one stage of the capture → route →
// fan-out pipeline (spec.md §4.G), named "pipeline.<stage>" and tagged with
// the originating source_id and room. Unlike an HTTP request span, a
// pipeline span's identity comes from the TextEvent being processed, not
// from the transport that delivered it — the same source_id can arrive from
// the ASR Worker or POST /text and still produce a comparable trace.
func StartPipelineSpan(ctx context.Context, stage, sourceID, room string) (context.Context, trace.Span) {
	return StartSpan(ctx, "pipeline."+stage, trace.WithAttributes(
		attrSourceID.String(sourceID),
		attrRoom.String(room),
	))
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
// The trace ID serves as the correlation identifier.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. When no active span is present, the returned
// logger is the default slog logger without extra attributes.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
