package observability

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/claimflow/internal/config"
	"github.com/pitabwire/claimflow/model"
)

// ServiceName identifies claimflow in logs and trace resources.
const ServiceName = "claimflow"

const (
	tracerName         = "github.com/pitabwire/claimflow"
	defaultSampleRatio = 0.1
)

// Span attributes recorded on claim operations.
var (
	AttrClaimID    = attribute.Key("claim.id")
	AttrDocumentID = attribute.Key("claim.document_id")
	AttrAction     = attribute.Key("claim.action")
	AttrFromStatus = attribute.Key("claim.from_status")
	AttrToStatus   = attribute.Key("claim.to_status")
	AttrActorRole  = attribute.Key("claim.actor_role")
	AttrErrorCode  = attribute.Key("claim.error_code")
)

// InitTracing installs the global tracer provider and W3C propagators. With
// tracing disabled it installs nothing and returns a no-op shutdown.
func InitTracing(ctx context.Context, cfg config.TracingConfig, version string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SamplingRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "otlp":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return nil, fmt.Errorf("unsupported exporter %q (want otlp or stdout)", cfg.Exporter)
}

// newSampler samples root spans at ratio, clamped to (0, 1], and follows the
// caller's decision for spans that arrive with a parent.
func newSampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio <= 0:
		ratio = defaultSampleRatio
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartSpan starts a span on the claimflow tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// ActorAttrs returns the span attributes describing the caller, or nil
// without a RequestContext. Subject ids are left to the logs.
func ActorAttrs(rctx *model.RequestContext) []attribute.KeyValue {
	if rctx == nil {
		return nil
	}
	return []attribute.KeyValue{AttrActorRole.String(string(rctx.Role))}
}

// EndSpanWithError ends span. A non-nil err is recorded, marks the span as
// failed and, when it carries an error envelope, tags the span with its code.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		if code := model.CodeOf(err); code != "" {
			span.SetAttributes(AttrErrorCode.String(code))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SpanIDs returns the hex trace and span ids of the span in ctx, or empty
// strings when there is none.
func SpanIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		spanID = sc.SpanID().String()
	}
	return traceID, spanID
}

// TracingMiddleware opens the server span for each request, continuing a
// trace the caller propagated, and writes the trace context back on the
// response.
func TracingMiddleware(next http.Handler) http.Handler {
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		otel.GetTextMapPropagator().Inject(r.Context(), propagation.HeaderCarrier(w.Header()))
		next.ServeHTTP(w, r)
	})
	return otelhttp.NewHandler(echo, ServiceName,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}
