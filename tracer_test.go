package invokez

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func TestTracerStartNoParent(t *testing.T) {
	p, _ := newTestProvider(t)
	inv := p.NewInvocation(InlineHost{})

	ctx, span := inv.Tracer("checkout", WithInstrumentationVersion("1.2.0")).Start(context.Background(), "operation")
	defer span.End()

	snap := span.Snapshot()
	if snap.Name != "operation" {
		t.Errorf("Expected span name 'operation', got %s", snap.Name)
	}
	if !snap.TraceID.IsValid() || !snap.SpanID.IsValid() {
		t.Error("Expected valid ids")
	}
	if snap.HasParent() {
		t.Error("Expected no parent for root span")
	}
	if snap.Kind != trace.SpanKindInternal {
		t.Errorf("Expected internal kind by default, got %v", snap.Kind)
	}
	if snap.Scope != (Scope{Name: "checkout", Version: "1.2.0"}) {
		t.Errorf("Expected scope checkout@1.2.0, got %+v", snap.Scope)
	}
	if SpanFromContext(ctx) != span {
		t.Error("Expected span to be active in returned context")
	}
	if InvocationFromContext(ctx) != inv {
		t.Error("Expected invocation to be bound to returned context")
	}
}

func TestTracerStartWithParent(t *testing.T) {
	p, _ := newTestProvider(t)
	inv := p.NewInvocation(InlineHost{})
	tracer := inv.Tracer("test")

	parentCtx, parent := tracer.Start(context.Background(), "parent")
	_, child := tracer.Start(parentCtx, "child", WithSpanKind(trace.SpanKindClient))

	if child.TraceID() != parent.TraceID() {
		t.Error("Expected child to share the parent's trace")
	}
	snap := child.Snapshot()
	if snap.ParentSpanID != parent.SpanID() {
		t.Errorf("Expected parent %s, got %s", parent.SpanID(), snap.ParentSpanID)
	}
	if snap.Kind != trace.SpanKindClient {
		t.Errorf("Expected client kind, got %v", snap.Kind)
	}
	if child.SpanContext().TraceFlags() != parent.SpanContext().TraceFlags() {
		t.Error("Expected child to inherit flags")
	}
}

func TestChildInheritsUnsampledDecision(t *testing.T) {
	calls := 0
	sampler := SamplerFunc(func(SamplingParameters) bool {
		calls++
		return calls > 1
	})
	p, _ := newTestProvider(t, WithSampler(sampler))
	inv := p.NewInvocation(InlineHost{})
	tracer := inv.Tracer("test")

	ctx, root := tracer.Start(context.Background(), "root")
	_, child := tracer.Start(ctx, "child")

	if calls != 1 {
		t.Errorf("Expected sampler to run for the root only, ran %d times", calls)
	}
	if root.SpanContext().IsSampled() || child.SpanContext().IsSampled() {
		t.Error("Expected descendants to inherit the root's decision")
	}
}

func TestSamplerSeesStartAttributes(t *testing.T) {
	var params SamplingParameters
	sampler := SamplerFunc(func(sp SamplingParameters) bool {
		params = sp
		return true
	})
	p, _ := newTestProvider(t, WithSampler(sampler))
	inv := p.NewInvocation(InlineHost{})

	_, span := inv.Tracer("test").Start(context.Background(), "GET /health",
		WithSpanKind(trace.SpanKindServer),
		WithAttributes(attribute.String("url.path", "/health")),
	)
	defer span.End()

	if params.Name != "GET /health" || params.Kind != trace.SpanKindServer {
		t.Errorf("Unexpected sampling parameters: %+v", params)
	}
	if len(params.Attributes) != 1 || params.Attributes[0].Value.AsString() != "/health" {
		t.Errorf("Expected start attributes to reach the sampler, got %v", params.Attributes)
	}
	if params.TraceID != span.TraceID() {
		t.Error("Expected sampler to see the new trace id")
	}
}

func TestTracerWithoutInvocation(t *testing.T) {
	ctx, span := Start(context.Background(), "orphan")

	if span.IsRecording() {
		t.Error("Expected non-recording span without an invocation")
	}
	if span.SpanContext().IsValid() {
		t.Error("Expected empty span context")
	}
	span.SetAttributes(attribute.Int("n", 1))
	span.End()
	if SpanFromContext(ctx) == nil {
		t.Error("Expected non-recording span to be in context")
	}
}

func TestTracerFromContextKeepsRemoteParent(t *testing.T) {
	remote, err := ParseTraceParent("00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	if err != nil {
		t.Fatalf("Unexpected parse error: %v", err)
	}

	_, span := Start(ContextWithRemoteSpanContext(context.Background(), remote), "orphan")
	if !span.SpanContext().Equal(remote) {
		t.Error("Expected non-recording span to carry the remote context")
	}
}

func TestTracerNilContext(t *testing.T) {
	p, _ := newTestProvider(t)
	inv := p.NewInvocation(InlineHost{})

	//nolint:staticcheck // Exercising nil context handling.
	ctx, span := inv.Tracer("test").Start(nil, "nil-ctx")
	defer span.End()
	if ctx == nil {
		t.Fatal("Expected a usable context")
	}
	if !span.IsRecording() {
		t.Error("Expected recording span")
	}
}

func TestTracerWithFakeClock(t *testing.T) {
	clock := clockz.NewFakeClockAt(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	p, collector := newTestProvider(t, WithClock(clock))
	inv := p.NewInvocation(InlineHost{})

	_, span := inv.Tracer("test").Start(context.Background(), "timed")
	clock.Advance(150 * time.Millisecond)
	span.AddEvent("checkpoint")
	clock.Advance(50 * time.Millisecond)
	span.End()

	spans := collector.Spans()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if !s.StartTime.Equal(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected start time %v", s.StartTime)
	}
	if s.Duration() != 200*time.Millisecond {
		t.Errorf("Expected duration 200ms, got %v", s.Duration())
	}
	if len(s.Events) != 1 || s.Events[0].Time.Sub(s.StartTime) != 150*time.Millisecond {
		t.Errorf("Expected event at +150ms, got %+v", s.Events)
	}
}

func TestExplicitTimestamps(t *testing.T) {
	p, collector := newTestProvider(t)
	inv := p.NewInvocation(InlineHost{})

	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	_, span := inv.Tracer("test").Start(context.Background(), "replayed", WithTimestamp(start))
	span.End(WithEndTimestamp(start.Add(time.Second)))

	s := collector.Spans()[0]
	if !s.StartTime.Equal(start) || s.Duration() != time.Second {
		t.Errorf("Expected explicit timestamps, got start=%v duration=%v", s.StartTime, s.Duration())
	}
}

func TestStartWithLinks(t *testing.T) {
	p, collector := newTestProvider(t)
	inv := p.NewInvocation(InlineHost{})
	tracer := inv.Tracer("test")

	_, other := tracer.Start(context.Background(), "producer")
	other.End()

	_, span := tracer.Start(context.Background(), "consumer",
		WithLinks(
			Link{SpanContext: other.SpanContext(), Attributes: []attribute.KeyValue{attribute.String("link.kind", "batch")}},
			Link{},
		),
	)
	span.End()

	consumer, ok := findSpan(collector.Spans(), "consumer")
	if !ok {
		t.Fatal("Expected consumer span")
	}
	if len(consumer.Links) != 1 {
		t.Fatalf("Expected invalid link to be skipped, got %d links", len(consumer.Links))
	}
	if consumer.Links[0].SpanContext.SpanID() != other.SpanID() {
		t.Error("Expected link to point at the producer")
	}
}

func TestWithSpanRecordsError(t *testing.T) {
	p, collector := newTestProvider(t)
	inv := p.NewInvocation(InlineHost{})
	ctx := inv.Context(context.Background())

	want := errors.New("query failed")
	err := WithSpan(ctx, TracerFromContext(ctx, "db"), "query", func(ctx context.Context) error {
		if SpanFromContext(ctx) == nil {
			t.Error("Expected span in callback context")
		}
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("Expected error to pass through unchanged, got %v", err)
	}

	spans := collector.Spans()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Message != "query failed" {
		t.Errorf("Expected error status, got %+v", spans[0].Status)
	}
}

func TestWithSpanRepanics(t *testing.T) {
	p, collector := newTestProvider(t)
	inv := p.NewInvocation(InlineHost{})
	ctx := inv.Context(context.Background())

	defer func() {
		r := recover()
		if r != "kaboom" {
			t.Errorf("Expected original panic value, got %v", r)
		}
		spans := collector.Spans()
		if len(spans) != 1 {
			t.Fatalf("Expected span to be ended and exported, got %d", len(spans))
		}
		if spans[0].Status.Message != "panic: kaboom" {
			t.Errorf("Expected panic recorded, got %+v", spans[0].Status)
		}
	}()

	_ = WithSpan(ctx, TracerFromContext(ctx, "test"), "explodes", func(context.Context) error {
		panic("kaboom")
	})
}

func TestRunActivatesSpan(t *testing.T) {
	p, _ := newTestProvider(t)
	inv := p.NewInvocation(InlineHost{})
	_, span := inv.Tracer("test").Start(context.Background(), "outer")
	defer span.End()

	err := Run(context.Background(), span, func(ctx context.Context) error {
		if SpanFromContext(ctx) != span {
			t.Error("Expected span to be active")
		}
		if InvocationFromContext(ctx) != inv {
			t.Error("Expected invocation to follow the span")
		}
		return nil
	})
	if err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if !span.IsRecording() {
		t.Error("Expected Run to leave the span open")
	}
}
