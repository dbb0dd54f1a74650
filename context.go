package invokez

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// bundleKeyType is a private type for context keys to avoid collisions.
type bundleKeyType string

const (
	bundleKey bundleKeyType = "invokez"
)

// contextBundle holds the invocation, the active span and any remote parent
// in one value to keep context chains short.
type contextBundle struct {
	inv    *Invocation
	span   *ActiveSpan
	remote trace.SpanContext
}

func bundleFrom(ctx context.Context) contextBundle {
	if ctx == nil {
		return contextBundle{}
	}
	if b, ok := ctx.Value(bundleKey).(*contextBundle); ok {
		return *b
	}
	return contextBundle{}
}

func withBundle(ctx context.Context, b contextBundle) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, bundleKey, &b)
}

// ContextWithSpan returns a copy of ctx in which span is the active span.
func ContextWithSpan(ctx context.Context, span *ActiveSpan) context.Context {
	b := bundleFrom(ctx)
	b.span = span
	if span != nil && span.inv != nil {
		b.inv = span.inv
	}
	return withBundle(ctx, b)
}

// SpanFromContext returns the active span, or nil when there is none.
func SpanFromContext(ctx context.Context) *ActiveSpan {
	return bundleFrom(ctx).span
}

// ContextWithRemoteSpanContext marks sc as the remote parent for the next
// span started from the returned context. Any active local span is cleared.
func ContextWithRemoteSpanContext(ctx context.Context, sc trace.SpanContext) context.Context {
	b := bundleFrom(ctx)
	b.span = nil
	b.remote = sc.WithRemote(true)
	return withBundle(ctx, b)
}

// SpanContextFromContext returns the context new spans would be parented to:
// the active local span if any, otherwise the remote parent.
func SpanContextFromContext(ctx context.Context) trace.SpanContext {
	b := bundleFrom(ctx)
	if b.span != nil {
		return b.span.SpanContext()
	}
	return b.remote
}

// InvocationFromContext returns the invocation bound to ctx, or nil.
func InvocationFromContext(ctx context.Context) *Invocation {
	return bundleFrom(ctx).inv
}

// Run calls fn with a context in which span is active. The caller keeps
// ownership of the span; Run does not end it.
func Run(ctx context.Context, span *ActiveSpan, fn func(ctx context.Context) error) error {
	return fn(ContextWithSpan(ctx, span))
}

// WithSpan starts a span, runs fn under it and ends it. An error returned
// by fn is recorded on the span and returned unchanged. A panic is recorded
// and re-raised with its original value.
func WithSpan(ctx context.Context, tracer *Tracer, name string, fn func(ctx context.Context) error, opts ...SpanStartOption) (err error) {
	ctx, span := tracer.Start(ctx, name, opts...)
	defer func() {
		if r := recover(); r != nil {
			span.RecordError(panicError{value: r})
			span.End()
			panic(r)
		}
		span.End()
	}()

	err = fn(ctx)
	if err != nil {
		span.RecordError(err)
	}
	return err
}
