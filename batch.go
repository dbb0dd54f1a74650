package invokez

import (
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Resource attribute keys for the service identity.
const (
	ServiceNameKey      = attribute.Key("service.name")
	ServiceVersionKey   = attribute.Key("service.version")
	ServiceNamespaceKey = attribute.Key("service.namespace")
)

// Resource describes the entity producing spans.
type Resource struct {
	Attributes []attribute.KeyValue
}

// NewResource builds a resource for a service. Empty values are omitted.
func NewResource(name, version, namespace string, extra ...attribute.KeyValue) Resource {
	var kvs []attribute.KeyValue
	if name != "" {
		kvs = append(kvs, ServiceNameKey.String(name))
	}
	if version != "" {
		kvs = append(kvs, ServiceVersionKey.String(version))
	}
	if namespace != "" {
		kvs = append(kvs, ServiceNamespaceKey.String(namespace))
	}
	return Resource{Attributes: append(kvs, extra...)}
}

// ScopeSpans is a group of spans produced by one instrumentation scope.
type ScopeSpans struct {
	Scope Scope
	Spans []Span
}

// Batch is an ordered set of finished, kept spans of one trace, ready for export.
//
//nolint:govet // Field order follows the wire grouping
type Batch struct {
	ID       string
	TraceID  trace.TraceID
	Resource Resource
	Spans    []Span
	Late     bool
	Forced   bool
}

func newBatch(traceID trace.TraceID, res Resource, spans []Span) Batch {
	return Batch{
		ID:       uuid.NewString(),
		TraceID:  traceID,
		Resource: res,
		Spans:    spans,
	}
}

// ScopeSpans groups the batch by instrumentation scope in first-seen order.
func (b Batch) ScopeSpans() []ScopeSpans {
	var groups []ScopeSpans
	index := make(map[Scope]int)
	for _, s := range b.Spans {
		i, ok := index[s.Scope]
		if !ok {
			i = len(groups)
			index[s.Scope] = i
			groups = append(groups, ScopeSpans{Scope: s.Scope})
		}
		groups[i].Spans = append(groups[i].Spans, s)
	}
	return groups
}

// Clone returns a deep copy of the batch.
func (b Batch) Clone() Batch {
	c := b
	c.Resource.Attributes = append([]attribute.KeyValue(nil), b.Resource.Attributes...)
	if b.Spans != nil {
		c.Spans = make([]Span, len(b.Spans))
		for i, s := range b.Spans {
			c.Spans[i] = s.Clone()
		}
	}
	return c
}
