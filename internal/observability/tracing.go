package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
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

	"github.com/pitabwire/droponboard/internal/config"
	"github.com/pitabwire/droponboard/model"
)

const tracerName = "github.com/pitabwire/droponboard"

// Span attribute keys.
var (
	AttrWizardID    = attribute.Key("drop.wizard_id")
	AttrSessionID   = attribute.Key("drop.session_id")
	AttrStepID      = attribute.Key("drop.step_id")
	AttrStepIndex   = attribute.Key("drop.step_index")
	AttrAttemptID   = attribute.Key("drop.attempt_id")
	AttrAttempt     = attribute.Key("drop.attempt")
	AttrSuperseded  = attribute.Key("drop.superseded_attempt_id")
	AttrOperationID = attribute.Key("drop.operation_id")
	AttrEncoding    = attribute.Key("drop.encoding")
	AttrBackend     = attribute.Key("drop.backend")
	AttrReplayed    = attribute.Key("drop.idempotent_replay")
	AttrErrorCode   = attribute.Key("drop.error_code")
)

// InitTracing installs the global TracerProvider and W3C propagators. The
// returned shutdown flushes pending spans.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
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
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout)", cfg.Exporter)
	}
}

// newSampler samples a ratio of root traces and follows the parent decision
// otherwise. A zero rate means 10%; rates above 1 are clamped.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	rate := cfg.SamplingRate
	switch {
	case rate <= 0:
		rate = 0.1
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartWizardSpan starts the span for one controller operation, named
// "wizard.<op>" and tagged with the session.
func StartWizardSpan(ctx context.Context, op, sessionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "wizard."+op, AttrSessionID.String(sessionID))
}

// StartBackendSpan starts a client span for a call to a named backend.
func StartBackendSpan(ctx context.Context, backend string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "backend."+backend,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrBackend.String(backend)),
	)
}

// TagStep records the 1-based step the operation acted on.
func TagStep(span trace.Span, index int, stepID string) {
	span.SetAttributes(AttrStepIndex.Int(index), AttrStepID.String(stepID))
}

// TagAttempt records the submission attempt that was claimed. superseded is
// the stale attempt it took over, if any.
func TagAttempt(span trace.Span, attemptID string, attempt int, superseded string) {
	span.SetAttributes(AttrAttemptID.String(attemptID), AttrAttempt.Int(attempt))
	if superseded != "" {
		span.SetAttributes(AttrSuperseded.String(superseded))
	}
}

// serverFaults are the error codes that mark a span as failed. Every other
// envelope is the vendor's doing (bad input, wrong step, rejection) and is
// only tagged with its code.
var serverFaults = map[string]bool{
	model.ErrInternalError:      true,
	model.ErrBackendUnavailable: true,
	model.ErrMalformedResponse:  true,
}

// Finish ends span, recording err. Errors without an envelope count as
// server faults.
func Finish(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		return
	}
	if ee, ok := model.AsEnvelope(err); ok {
		span.SetAttributes(AttrErrorCode.String(ee.Code))
		if !serverFaults[ee.Code] {
			return
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceContext returns the active span's trace and span IDs, or empty
// strings outside a sampled or remote span.
func TraceContext(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}

// TracingMiddleware starts a server span per request, continuing any W3C
// traceparent sent by the caller. Once the router has matched, the span is
// renamed to the route pattern and tagged with the wizard and session IDs
// from the path.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		sw := &tracingStatusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := routePattern(r); pattern != r.URL.Path {
				span.SetName(r.Method + " " + pattern)
				span.SetAttributes(semconv.HTTPRoute(pattern))
			}
			if id := rc.URLParam("wizardId"); id != "" {
				span.SetAttributes(AttrWizardID.String(id))
			}
			if id := rc.URLParam("sessionId"); id != "" {
				span.SetAttributes(AttrSessionID.String(id))
			}
		}

		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

// InjectTraceHeaders injects the current trace context into outbound HTTP
// request headers for propagation to backend services.
func InjectTraceHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// tracingStatusWriter wraps http.ResponseWriter to capture the status code.
type tracingStatusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *tracingStatusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingStatusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
