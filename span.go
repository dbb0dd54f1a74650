package invokez

import (
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys written by the engine itself.
const (
	LateAttributeKey         = attribute.Key("invokez.late")
	UnterminatedAttributeKey = attribute.Key("invokez.unterminated")
)

// UnterminatedStatus is the status message of spans force-ended at shutdown.
const UnterminatedStatus = "unterminated"

// Scope identifies the instrumentation that produced a span.
type Scope struct {
	Name    string
	Version string
}

// Status is the outcome of a span.
type Status struct {
	Code    codes.Code
	Message string
}

// Event is a timestamped sub-record of a span.
type Event struct {
	Time       time.Time
	Name       string
	Attributes []attribute.KeyValue
}

// Link references a span in another (or the same) trace.
type Link struct {
	SpanContext trace.SpanContext
	Attributes  []attribute.KeyValue
}

// Span is an immutable snapshot of a single unit of work.
//
//nolint:govet // Field order follows the export wire order
type Span struct {
	TraceID           trace.TraceID
	SpanID            trace.SpanID
	ParentSpanID      trace.SpanID
	TraceFlags        trace.TraceFlags
	Name              string
	Kind              trace.SpanKind
	Scope             Scope
	StartTime         time.Time
	EndTime           time.Time
	Status            Status
	Attributes        []attribute.KeyValue
	Events            []Event
	Links             []Link
	DroppedAttributes int
	Ended             bool
}

// HasParent reports whether the span was started under another span.
func (s Span) HasParent() bool {
	return s.ParentSpanID.IsValid()
}

// Duration returns the elapsed time between start and end.
// Zero for spans that have not ended.
func (s Span) Duration() time.Duration {
	if !s.Ended {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// Attribute looks up an attribute by key.
func (s Span) Attribute(key attribute.Key) (attribute.Value, bool) {
	for _, kv := range s.Attributes {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

// Clone returns a deep copy of the span.
func (s Span) Clone() Span {
	c := s
	if s.Attributes != nil {
		c.Attributes = append([]attribute.KeyValue(nil), s.Attributes...)
	}
	if s.Events != nil {
		c.Events = make([]Event, len(s.Events))
		for i, e := range s.Events {
			c.Events[i] = e
			c.Events[i].Attributes = append([]attribute.KeyValue(nil), e.Attributes...)
		}
	}
	if s.Links != nil {
		c.Links = make([]Link, len(s.Links))
		for i, l := range s.Links {
			c.Links[i] = l
			c.Links[i].Attributes = append([]attribute.KeyValue(nil), l.Attributes...)
		}
	}
	return c
}

// ActiveSpan is the mutable handle of a span that is still in progress.
// Safe for concurrent use by multiple goroutines.
// A nil or non-recording ActiveSpan accepts every call as a no-op.
//
//nolint:govet // Field order optimized for readability
type ActiveSpan struct {
	sc       trace.SpanContext
	parent   trace.SpanID
	inv      *Invocation
	entry    *traceEntry
	name     string
	kind     trace.SpanKind
	scope    Scope
	start    time.Time
	end      time.Time
	status   Status
	attrs    attributeSet
	events   []Event
	links    []Link
	mu       sync.Mutex
	ended    bool
	recorded bool
}

// nonRecording returns a span that only carries a span context.
func nonRecording(sc trace.SpanContext) *ActiveSpan {
	return &ActiveSpan{sc: sc}
}

// IsRecording reports whether calls on the span are recorded.
func (a *ActiveSpan) IsRecording() bool {
	if a == nil || !a.recorded {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.ended
}

// SpanContext returns the immutable identity of the span.
func (a *ActiveSpan) SpanContext() trace.SpanContext {
	if a == nil {
		return trace.SpanContext{}
	}
	return a.sc
}

// TraceID returns the trace ID of this span.
func (a *ActiveSpan) TraceID() trace.TraceID {
	return a.SpanContext().TraceID()
}

// SpanID returns the span ID of this span.
func (a *ActiveSpan) SpanID() trace.SpanID {
	return a.SpanContext().SpanID()
}

// mutate runs fn under the lock if the span is still recording.
func (a *ActiveSpan) mutate(fn func()) bool {
	if a == nil || !a.recorded {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	// Don't modify finished spans.
	if a.ended {
		return false
	}
	fn()
	return true
}

// SetName replaces the span name.
func (a *ActiveSpan) SetName(name string) {
	a.mutate(func() { a.name = name })
}

// SetAttributes records typed attributes. Invalid attributes are dropped.
func (a *ActiveSpan) SetAttributes(kvs ...attribute.KeyValue) {
	var dropped int
	a.mutate(func() {
		before := a.attrs.dropped
		for _, kv := range kvs {
			a.attrs.set(kv)
		}
		dropped = a.attrs.dropped - before
	})
	a.countDropped(dropped)
}

// SetAttribute records an untyped value. Nested maps are flattened into
// dot-separated keys; values that cannot be represented are dropped.
func (a *ActiveSpan) SetAttribute(key string, value any) {
	kvs, err := FlattenAttribute(key, value)
	if err != nil {
		a.countDropped(1)
		a.debug("attribute dropped", err)
	}
	if len(kvs) > 0 {
		a.SetAttributes(kvs...)
	}
}

// SetStatus sets the span status. Ok is final; Error only replaces Unset or Error.
// The message is kept only for Error.
func (a *ActiveSpan) SetStatus(code codes.Code, message string) {
	a.mutate(func() {
		if a.status.Code == codes.Ok || code == codes.Unset {
			return
		}
		a.status = Status{Code: code}
		if code == codes.Error {
			a.status.Message = message
		}
	})
}

// AddEvent records a timestamped event.
func (a *ActiveSpan) AddEvent(name string, kvs ...attribute.KeyValue) {
	if a == nil || !a.recorded {
		return
	}
	now := a.inv.provider.clock.Now()
	a.mutate(func() {
		attrs := append([]attribute.KeyValue(nil), kvs...)
		a.events = append(a.events, Event{Time: now, Name: name, Attributes: attrs})
	})
}

// RecordError records err as an exception event and marks the span as failed.
// The error itself is left untouched for the caller to return.
func (a *ActiveSpan) RecordError(err error, kvs ...attribute.KeyValue) {
	if err == nil {
		return
	}
	attrs := append([]attribute.KeyValue{
		attribute.String("exception.type", fmt.Sprintf("%T", err)),
		attribute.String("exception.message", err.Error()),
	}, kvs...)
	a.AddEvent("exception", attrs...)
	a.SetStatus(codes.Error, err.Error())
}

// AddLink links another span context to this span.
func (a *ActiveSpan) AddLink(link Link) {
	if !link.SpanContext.IsValid() {
		return
	}
	a.mutate(func() { a.links = append(a.links, link) })
}

// End completes the span and reports it to the invocation's buffer.
// Safe to call multiple times - subsequent calls are no-ops.
func (a *ActiveSpan) End(opts ...EndOption) {
	if a == nil || !a.recorded {
		return
	}
	cfg := endConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.timestamp.IsZero() {
		cfg.timestamp = a.inv.provider.clock.Now()
	}

	a.mu.Lock()
	// Prevent double-finishing.
	if a.ended {
		a.mu.Unlock()
		return
	}
	a.ended = true
	a.end = cfg.timestamp
	a.mu.Unlock()

	a.inv.buffer.spanEnded(a)
}

// forceEnd ends a span that never finished on its own. It reports whether
// the span was still open. The caller owns the buffer bookkeeping.
func (a *ActiveSpan) forceEnd(at time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ended {
		return false
	}
	a.ended = true
	a.end = at
	a.status = Status{Code: codes.Error, Message: UnterminatedStatus}
	a.attrs.set(UnterminatedAttributeKey.Bool(true))
	return true
}

// Snapshot returns an immutable copy of the span's current state.
func (a *ActiveSpan) Snapshot() Span {
	if a == nil {
		return Span{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Span{
		TraceID:           a.sc.TraceID(),
		SpanID:            a.sc.SpanID(),
		ParentSpanID:      a.parent,
		TraceFlags:        a.sc.TraceFlags(),
		Name:              a.name,
		Kind:              a.kind,
		Scope:             a.scope,
		StartTime:         a.start,
		EndTime:           a.end,
		Status:            a.status,
		Attributes:        a.attrs.list(),
		DroppedAttributes: a.attrs.dropped,
		Ended:             a.ended,
	}
	if len(a.events) > 0 {
		s.Events = append([]Event(nil), a.events...)
	}
	if len(a.links) > 0 {
		s.Links = append([]Link(nil), a.links...)
	}
	return s
}

func (a *ActiveSpan) countDropped(n int) {
	if n > 0 && a != nil && a.recorded {
		a.inv.provider.stats.attributesDropped.Add(uint64(n))
	}
}

func (a *ActiveSpan) debug(msg string, err error) {
	if a != nil && a.recorded {
		a.inv.provider.logDebug(msg, a.sc, err)
	}
}

// EndOption configures End.
type EndOption func(*endConfig)

type endConfig struct {
	timestamp time.Time
}

// WithEndTimestamp overrides the end time of a span.
func WithEndTimestamp(t time.Time) EndOption {
	return func(c *endConfig) { c.timestamp = t }
}
