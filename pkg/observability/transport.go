package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// httpStatusServerError is the threshold for HTTP server errors.
const httpStatusServerError = 500

// Transport is an [http.RoundTripper] that creates a client span per outbound
// request and injects W3C trace context into its headers. It wraps the fetch
// client's transport so every provider call is traceable and, when RED
// metrics are wired, measured.
type Transport struct {
	inner  http.RoundTripper
	tracer trace.Tracer
	red    *REDMetrics
}

// NewTransport wraps an [http.RoundTripper] with tracing and, when red is
// non-nil, RED metric recording. A nil inner uses [http.DefaultTransport].
func NewTransport(inner http.RoundTripper, tracer trace.Tracer, red *REDMetrics) *Transport {
	if inner == nil {
		inner = http.DefaultTransport
	}

	return &Transport{inner: inner, tracer: tracer, red: red}
}

// RoundTrip implements [http.RoundTripper]. Span names use "METHOD host".
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	spanName := req.Method + " " + req.URL.Host

	ctx, span := t.tracer.Start(req.Context(), spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(req.Method),
			attribute.String("http.target", req.URL.Path),
			attribute.String("http.host", req.URL.Host),
		),
	)
	defer span.End()

	// Propagate traceparent/tracestate/baggage to the provider.
	out := req.Clone(ctx)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out.Header))

	if t.red != nil {
		defer t.red.TrackInflight(ctx, spanName)()
	}

	start := time.Now()

	resp, err := t.inner.RoundTrip(out)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())

		if t.red != nil {
			t.red.RecordRequest(ctx, spanName, statusError, time.Since(start))
		}

		return nil, fmt.Errorf("traced round trip: %w", err)
	}

	if t.red != nil {
		t.red.RecordRequest(ctx, spanName, strconv.Itoa(resp.StatusCode), time.Since(start))
	}

	span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))

	if resp.StatusCode >= httpStatusServerError {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}

	return resp, nil
}
