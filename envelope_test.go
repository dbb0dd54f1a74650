package invokez

import (
	"context"
	"testing"

	"github.com/bytedance/sonic"
)

type order struct {
	ID    string `json:"id"`
	Total int    `json:"total"`
}

func TestEnvelopeCarriesTraceAcrossServices(t *testing.T) {
	caller, collector := newTestProvider(t)
	callerInv := caller.NewInvocation(InlineHost{})
	ctx, client := callerInv.Tracer("gateway").Start(callerInv.Context(context.Background()), "rpc.call")

	env := WrapEnvelope(ctx, "orders", order{ID: "o-1", Total: 30})
	if env.Target() != "orders" {
		t.Errorf("Expected target orders, got %q", env.Target())
	}

	wire, err := sonic.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var received Envelope[order]
	if err := sonic.Unmarshal(wire, &received); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	callee := callerInv.Provider()
	calleeInv := callee.NewInvocation(InlineHost{})
	calleeCtx, payload := UnwrapEnvelope(calleeInv.Context(context.Background()), received)
	if payload != (order{ID: "o-1", Total: 30}) {
		t.Errorf("Unexpected payload %+v", payload)
	}

	_, server := Start(calleeCtx, "rpc.serve")
	server.End()
	client.End()

	spans := collector.Spans()
	if len(spans) != 2 {
		t.Fatalf("Expected 2 spans, got %d", len(spans))
	}
	serve, _ := findSpan(spans, "rpc.serve")
	if serve.TraceID != client.TraceID() || serve.ParentSpanID != client.SpanID() {
		t.Error("Expected callee span to continue the caller's trace")
	}
}

func TestEnvelopeWithoutTraceContext(t *testing.T) {
	env := WrapEnvelope(context.Background(), "orders", 42)
	if env.TraceContext != nil {
		t.Errorf("Expected no trace context, got %v", env.TraceContext)
	}
	if env.Target() != "" {
		t.Error("Expected no target without trace context")
	}

	wire, err := sonic.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(wire) != `{"payload":42}` {
		t.Errorf("Expected trace context to be omitted, got %s", wire)
	}

	ctx, payload := UnwrapEnvelope(context.Background(), env)
	if payload != 42 || SpanContextFromContext(ctx).IsValid() {
		t.Error("Expected plain payload and no parent")
	}
}

func TestEnvelopeHonorsIncludePolicy(t *testing.T) {
	deny := func(context.Context, string) bool { return false }
	p, _ := newTestProvider(t, WithIncludeOutbound(deny))
	inv := p.NewInvocation(InlineHost{})
	ctx, span := inv.Tracer("test").Start(inv.Context(context.Background()), "call")
	defer span.End()

	env := WrapEnvelope(ctx, "partner", "payload")
	if env.TraceContext != nil {
		t.Errorf("Expected denied target to get no context, got %v", env.TraceContext)
	}
}

func TestEnvelopeWithoutInvocation(t *testing.T) {
	remote, err := ParseTraceParent("00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	env := WrapEnvelope(ContextWithRemoteSpanContext(context.Background(), remote), "svc", "x")
	if env.TraceContext.Get(TraceParentHeader) == "" {
		t.Fatal("Expected plain propagation without an invocation")
	}

	ctx, _ := UnwrapEnvelope(context.Background(), env)
	if SpanContextFromContext(ctx).SpanID() != remote.SpanID() {
		t.Error("Expected remote parent to be restored")
	}
}

func TestUnwrapWithoutTraceContextStartsNewTrace(t *testing.T) {
	p, collector := newTestProvider(t)
	inv := p.NewInvocation(InlineHost{})
	ctx, consumer := inv.Tracer("queue").Start(inv.Context(context.Background()), "consume")

	handleCtx, payload := UnwrapEnvelope(ctx, Envelope[int]{Payload: 1})
	if payload != 1 {
		t.Errorf("Unexpected payload %d", payload)
	}
	_, handle := Start(handleCtx, "handle")
	handle.End()
	consumer.End()

	spans := collector.Spans()
	got, ok := findSpan(spans, "handle")
	if !ok {
		t.Fatal("Expected handle span to be exported")
	}
	if got.HasParent() {
		t.Errorf("Expected a new root, got parent %s", got.ParentSpanID)
	}
	if got.TraceID == consumer.TraceID() {
		t.Error("Expected a trace of its own")
	}
}
