package invokez

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// W3C trace context header names.
const (
	TraceParentHeader = "traceparent"
	TraceStateHeader  = "tracestate"
)

// TextMapCarrier is the transport-specific storage of propagated context.
type TextMapCarrier = propagation.TextMapCarrier

// HeaderCarrier adapts http.Header.
type HeaderCarrier = propagation.HeaderCarrier

// MapCarrier adapts a plain string map, e.g. an envelope or message attributes.
type MapCarrier = propagation.MapCarrier

// AcceptFunc decides whether inbound trace context may be adopted.
type AcceptFunc func(ctx context.Context, carrier TextMapCarrier) bool

// IncludeFunc decides whether trace context is sent to an outbound target.
type IncludeFunc func(ctx context.Context, target string) bool

// AcceptAll adopts any well-formed inbound context.
func AcceptAll(context.Context, TextMapCarrier) bool { return true }

// IncludeAll propagates to every target.
func IncludeAll(context.Context, string) bool { return true }

var w3c = propagation.TraceContext{}

// TraceContext encodes span contexts using the W3C traceparent/tracestate
// format and moves them in and out of the invocation's context bundle.
type TraceContext struct{}

// Inject writes the span context active in ctx into carrier.
// Nothing is written when there is no valid span context.
func (TraceContext) Inject(ctx context.Context, carrier TextMapCarrier) {
	sc := SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return
	}
	w3c.Inject(trace.ContextWithSpanContext(context.Background(), sc), carrier)
}

// Extract returns ctx with the carrier's context as the remote parent.
// A missing or malformed traceparent leaves ctx unchanged.
func (tc TraceContext) Extract(ctx context.Context, carrier TextMapCarrier) context.Context {
	sc, err := tc.SpanContext(carrier)
	if err != nil {
		return ctx
	}
	return ContextWithRemoteSpanContext(ctx, sc)
}

// SpanContext decodes the carrier into a remote span context. An invalid
// tracestate is discarded without rejecting the traceparent.
func (TraceContext) SpanContext(carrier TextMapCarrier) (trace.SpanContext, error) {
	sc := trace.SpanContextFromContext(w3c.Extract(context.Background(), carrier))
	if !sc.IsValid() {
		return trace.SpanContext{}, fmt.Errorf("%w: %q", ErrInvalidTraceParent, carrier.Get(TraceParentHeader))
	}
	return sc, nil
}

// FormatTraceParent encodes sc as a version 00 traceparent value.
func FormatTraceParent(sc trace.SpanContext) string {
	carrier := MapCarrier{}
	w3c.Inject(trace.ContextWithSpanContext(context.Background(), sc), carrier)
	return carrier.Get(TraceParentHeader)
}

// ParseTraceParent decodes a traceparent value into a remote span context.
func ParseTraceParent(value string) (trace.SpanContext, error) {
	return TraceContext{}.SpanContext(MapCarrier{TraceParentHeader: strings.TrimSpace(value)})
}
