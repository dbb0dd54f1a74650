package invokez

import "context"

// TargetKey is the envelope field naming the RPC target the payload is for.
const TargetKey = "invokez-target"

// Envelope carries an RPC payload together with its trace context, so the
// receiving side decodes propagation explicitly instead of relying on
// argument position.
type Envelope[T any] struct {
	Payload      T          `json:"payload"`
	TraceContext MapCarrier `json:"traceContext,omitempty"`
}

// Target returns the target name recorded by the sender, if any.
func (e Envelope[T]) Target() string {
	if e.TraceContext == nil {
		return ""
	}
	return e.TraceContext.Get(TargetKey)
}

// WrapEnvelope wraps payload for target. The context active in ctx is
// injected when the invocation's include policy allows it.
func WrapEnvelope[T any](ctx context.Context, target string, payload T) Envelope[T] {
	env := Envelope[T]{Payload: payload}
	carrier := MapCarrier{}
	if inv := InvocationFromContext(ctx); inv != nil {
		inv.Inject(ctx, carrier, target)
	} else {
		TraceContext{}.Inject(ctx, carrier)
	}
	if len(carrier) > 0 {
		carrier.Set(TargetKey, target)
		env.TraceContext = carrier
	}
	return env
}

// UnwrapEnvelope strips the trace context off env and returns the payload
// with a context whose remote parent is the sender's span (if accepted).
// Without an accepted sender context the next span starts a new trace, even
// if a span is active in ctx.
func UnwrapEnvelope[T any](ctx context.Context, env Envelope[T]) (context.Context, T) {
	if inv := InvocationFromContext(ctx); inv != nil {
		return inv.Extract(ctx, env.TraceContext), env.Payload
	}
	sc, _ := TraceContext{}.SpanContext(env.TraceContext)
	return ContextWithRemoteSpanContext(ctx, sc), env.Payload
}
