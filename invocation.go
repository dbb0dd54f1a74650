package invokez

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Invocation is the tracing state of a single request. Its span buffer is
// exclusive to the request and must never be reused across invocations.
// Safe for concurrent use by the goroutines serving that request.
type Invocation struct {
	provider     *Provider
	host         Host
	buffer       *spanBuffer
	scheduler    *FlushScheduler
	shutdownOnce sync.Once
	shutdownErr  error
}

func newInvocation(p *Provider, host Host) *Invocation {
	if host == nil {
		host = InlineHost{}
	}
	inv := &Invocation{provider: p, host: host}
	inv.buffer = newSpanBuffer(inv.complete)
	inv.scheduler = NewFlushScheduler(host, p.export)
	return inv
}

// Provider returns the shared configuration this invocation runs with.
func (inv *Invocation) Provider() *Provider {
	return inv.provider
}

// Context binds the invocation to ctx so that TracerFromContext, envelopes
// and instrumentation wrappers can find it.
func (inv *Invocation) Context(ctx context.Context) context.Context {
	b := bundleFrom(ctx)
	b.inv = inv
	return withBundle(ctx, b)
}

// Tracer returns a tracer for the named instrumentation scope.
func (inv *Invocation) Tracer(name string, opts ...TracerOption) *Tracer {
	scope := Scope{Name: name}
	for _, opt := range opts {
		opt(&scope)
	}
	return &Tracer{inv: inv, scope: scope}
}

// Extract binds the invocation to ctx and adopts the carrier's trace context
// as remote parent. If the context is absent, malformed or rejected by the
// accept policy, the next span starts a fresh trace.
func (inv *Invocation) Extract(ctx context.Context, carrier TextMapCarrier) context.Context {
	ctx = inv.Context(ctx)
	if carrier == nil || !inv.provider.accept(ctx, carrier) {
		return ContextWithRemoteSpanContext(ctx, zeroSpanContext)
	}
	sc, err := inv.provider.propagator.SpanContext(carrier)
	if err != nil {
		if carrier.Get(TraceParentHeader) != "" {
			inv.provider.logger.Debug("ignoring inbound trace context", zap.Error(err))
		}
		return ContextWithRemoteSpanContext(ctx, zeroSpanContext)
	}
	return ContextWithRemoteSpanContext(ctx, sc)
}

// Inject writes the context active in ctx into carrier if the include policy
// permits propagation to target. It reports whether anything was written.
func (inv *Invocation) Inject(ctx context.Context, carrier TextMapCarrier, target string) bool {
	if carrier == nil || !inv.provider.include(ctx, target) {
		return false
	}
	if !SpanContextFromContext(ctx).IsValid() {
		return false
	}
	inv.provider.propagator.Inject(ctx, carrier)
	return true
}

// WaitUntil runs task on the invocation's host, after the response path.
func (inv *Invocation) WaitUntil(task func(ctx context.Context)) {
	inv.host.WaitUntil(task)
}

// Pending returns the number of traces that have not completed yet.
func (inv *Invocation) Pending() int {
	return inv.buffer.pending()
}

// Shutdown ends the invocation: it waits for outstanding host work, force-ends
// every span still open (status "unterminated"), schedules the flush of
// their traces and waits for every flush, all bounded by ctx. If ctx ends
// first, the host's tasks are cancelled on return; a flush that has not
// reached its exporter by then is lost. Spans started afterwards are not
// recorded. Subsequent calls return the first result.
func (inv *Invocation) Shutdown(ctx context.Context) error {
	inv.shutdownOnce.Do(func() {
		waiter, canWait := inv.host.(Waiter)
		if canWait {
			if err := waiter.Wait(ctx); err != nil {
				inv.shutdownErr = multierr.Append(inv.shutdownErr, err)
			}
		}

		if n := inv.buffer.forceComplete(inv.provider.clock.Now()); n > 0 {
			inv.provider.logger.Debug("forced completion of open traces", zap.Int("traces", n))
		}

		// Traces completed by spans ended on other goroutines may still be
		// on their way to the scheduler.
		if err := inv.buffer.awaitCompletions(ctx); err != nil && inv.shutdownErr == nil {
			inv.shutdownErr = err
		}

		if canWait {
			if err := waiter.Wait(ctx); err != nil && inv.shutdownErr == nil {
				inv.shutdownErr = err
			}
		}
		if inv.shutdownErr != nil {
			if c, ok := inv.host.(Canceler); ok {
				c.Cancel()
			}
			inv.provider.logger.Warn("invocation shutdown cut short", zap.Error(inv.shutdownErr))
		}
	})
	return inv.shutdownErr
}

// complete turns a finished trace entry into a batch and schedules it.
func (inv *Invocation) complete(c completion) {
	p := inv.provider
	e := c.entry

	spans := make([]Span, len(e.spans))
	rootIndex := -1
	for i, s := range e.spans {
		spans[i] = s.Snapshot()
		if s == e.root {
			rootIndex = i
		}
	}

	if e.late {
		for i := range spans {
			spans[i].Attributes = append(spans[i].Attributes, LateAttributeKey.Bool(true))
		}
		batch := newBatch(e.id, p.resource, spans)
		batch.Late = true
		batch.Forced = c.forced
		p.stats.lateBatches.Add(1)
		p.logger.Debug("exporting late spans",
			zap.String("trace_id", e.id.String()),
			zap.Int("spans", len(spans)),
		)
		inv.scheduler.Schedule(batch)
		return
	}

	p.stats.tracesCompleted.Add(1)
	if c.forced {
		p.stats.tracesForced.Add(1)
	}

	t := Trace{ID: e.id, Spans: spans, Forced: c.forced}
	if rootIndex >= 0 {
		t.LocalRoot = spans[rootIndex]
		t.HeadSampled = t.LocalRoot.TraceFlags.IsSampled()
	}
	if !p.tailSample(t) {
		p.stats.tracesSampledOut.Add(1)
		p.logger.Debug("trace sampled out", zap.String("trace_id", e.id.String()))
		return
	}

	batch := newBatch(e.id, p.resource, spans)
	batch.Forced = c.forced
	inv.scheduler.Schedule(batch)
}
