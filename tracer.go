package invokez

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultScope names spans started through the package-level Start.
const DefaultScope = "github.com/zoobzio/invokez"

var zeroSpanContext trace.SpanContext

// Tracer starts spans for one instrumentation scope within an invocation.
// A Tracer without an invocation starts non-recording spans.
type Tracer struct {
	inv   *Invocation
	scope Scope
}

// TracerOption configures the instrumentation scope of a Tracer.
type TracerOption func(*Scope)

// WithInstrumentationVersion sets the scope version.
func WithInstrumentationVersion(version string) TracerOption {
	return func(s *Scope) { s.Version = version }
}

// TracerFromContext returns a tracer bound to the invocation in ctx.
func TracerFromContext(ctx context.Context, name string, opts ...TracerOption) *Tracer {
	if inv := InvocationFromContext(ctx); inv != nil {
		return inv.Tracer(name, opts...)
	}
	scope := Scope{Name: name}
	for _, opt := range opts {
		opt(&scope)
	}
	return &Tracer{scope: scope}
}

// Start starts a span with the default scope under the invocation in ctx.
func Start(ctx context.Context, name string, opts ...SpanStartOption) (context.Context, *ActiveSpan) {
	return TracerFromContext(ctx, DefaultScope).Start(ctx, name, opts...)
}

// SpanStartOption configures a new span.
type SpanStartOption func(*spanConfig)

type spanConfig struct {
	timestamp time.Time
	attrs     []attribute.KeyValue
	links     []Link
	kind      trace.SpanKind
	newRoot   bool
}

// WithSpanKind sets the span kind.
func WithSpanKind(kind trace.SpanKind) SpanStartOption {
	return func(c *spanConfig) { c.kind = kind }
}

// WithAttributes sets initial attributes, visible to the head sampler.
func WithAttributes(kvs ...attribute.KeyValue) SpanStartOption {
	return func(c *spanConfig) { c.attrs = append(c.attrs, kvs...) }
}

// WithLinks links the new span to other span contexts.
func WithLinks(links ...Link) SpanStartOption {
	return func(c *spanConfig) { c.links = append(c.links, links...) }
}

// WithTimestamp overrides the start time.
func WithTimestamp(t time.Time) SpanStartOption {
	return func(c *spanConfig) { c.timestamp = t }
}

// WithNewRoot ignores any parent in the context and starts a new trace.
func WithNewRoot() SpanStartOption {
	return func(c *spanConfig) { c.newRoot = true }
}

// Start creates a span as a child of the span context active in ctx and
// returns a context in which the new span is active. The first local root
// of a trace (no parent, or a remote one) gets the head sampling decision;
// every later span of that trace in the invocation reuses its flags.
func (t *Tracer) Start(ctx context.Context, name string, opts ...SpanStartOption) (context.Context, *ActiveSpan) {
	// Handle nil context by creating a new one.
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := spanConfig{kind: trace.SpanKindInternal}
	for _, opt := range opts {
		opt(&cfg)
	}

	var parent trace.SpanContext
	if !cfg.newRoot {
		parent = SpanContextFromContext(ctx)
	}

	inv := t.inv
	if inv == nil {
		inv = InvocationFromContext(ctx)
	}
	if inv == nil {
		return ContextWithSpan(ctx, nonRecording(parent)), nonRecording(parent)
	}
	p := inv.provider

	var (
		traceID trace.TraceID
		flags   trace.TraceFlags
		state   trace.TraceState
	)
	if parent.IsValid() {
		traceID = parent.TraceID()
		state = parent.TraceState()
	} else {
		traceID = p.ids.NewTraceID()
	}

	if parent.IsValid() && !parent.IsRemote() {
		flags = parent.TraceFlags()
	} else {
		flags = inv.buffer.headFlags(traceID, func() trace.TraceFlags {
			decision := p.headSample(SamplingParameters{
				ParentContext: parent,
				TraceID:       traceID,
				Name:          name,
				Kind:          cfg.kind,
				Attributes:    cfg.attrs,
			})
			return trace.TraceFlags(0).WithSampled(decision.Sampled)
		})
	}

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     p.ids.NewSpanID(),
		TraceFlags: flags,
		TraceState: state,
	})

	start := cfg.timestamp
	if start.IsZero() {
		start = p.clock.Now()
	}

	span := &ActiveSpan{
		sc:       sc,
		inv:      inv,
		name:     name,
		kind:     cfg.kind,
		scope:    t.scope,
		start:    start,
		recorded: true,
	}
	if parent.IsValid() {
		span.parent = parent.SpanID()
	}
	for _, kv := range cfg.attrs {
		span.attrs.set(kv)
	}
	for _, l := range cfg.links {
		if l.SpanContext.IsValid() {
			span.links = append(span.links, l)
		}
	}

	if !inv.buffer.register(span) {
		span.recorded = false
		p.logDebug("span started after shutdown is not recorded", span.sc, ErrInvocationClosed)
		return ContextWithSpan(ctx, span), span
	}
	p.stats.spansStarted.Add(1)

	return ContextWithSpan(ctx, span), span
}
