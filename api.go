// Package invokez traces serverless invocations.
//
// A serverless isolate serves many requests and may be frozen the moment a
// response is returned. invokez therefore keeps every piece of tracing state
// per invocation: spans are buffered by trace, each trace is exported
// exactly once when its local root and all of its descendants have ended,
// and the export is handed to the host's waitUntil hook so that it survives
// the response.
//
// Core Components:
//   - Provider: Shared configuration (exporter, samplers, policies, resource).
//   - Invocation: Per-request state; owns the span buffer and flush scheduler.
//   - Tracer: Starts spans for an instrumentation scope.
//   - ActiveSpan: Thread-safe handle of an in-progress span.
//   - TraceContext: W3C traceparent/tracestate propagation.
//   - Exporter: Destination for completed batches (see MultiExporter, RetryExporter, Collector).
//
// Basic Usage:
//
//	provider := invokez.NewProvider(invokez.WithExporter(exporter))
//
//	// Per request.
//	host := invokez.NewBackgroundHost()
//	inv := provider.NewInvocation(host)
//	ctx = inv.Extract(ctx, invokez.HeaderCarrier(r.Header))
//
//	ctx, span := inv.Tracer("handler").Start(ctx, "GET /users")
//	defer span.End()
//
//	// Outbound calls.
//	inv.Inject(ctx, invokez.HeaderCarrier(req.Header), req.URL.Host)
//
//	// After the response.
//	inv.Shutdown(ctx)
//
// Sampling:
//
// The head decision is made once per trace, at its first local root, and is
// inherited by every descendant. All spans are recorded regardless; the tail
// sampler decides on the complete trace whether it is exported. By default
// a trace is exported if it was head sampled or its root ended in error.
//
// Failure Handling:
//
// Tracing never fails the application. Exporter, sampler and
// post-processor failures are recovered, logged through the provider's
// zap logger and counted in Provider.Stats.
package invokez
