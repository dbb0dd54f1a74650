package otlphttp

import (
	"math"
	"strconv"
	"time"

	"github.com/zoobzio/invokez"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// OTLP/JSON payload. Enums are numeric, 64-bit integers are strings and ids
// are lowercase hex, as the OTLP/HTTP JSON mapping requires.
type exportRequest struct {
	ResourceSpans []resourceSpans `json:"resourceSpans"`
}

type resourceSpans struct {
	Resource   resource     `json:"resource"`
	ScopeSpans []scopeSpans `json:"scopeSpans"`
}

type resource struct {
	Attributes []keyValue `json:"attributes"`
}

type scopeSpans struct {
	Scope scope  `json:"scope"`
	Spans []span `json:"spans"`
}

type scope struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type span struct {
	TraceID                string     `json:"traceId"`
	SpanID                 string     `json:"spanId"`
	ParentSpanID           string     `json:"parentSpanId,omitempty"`
	Flags                  uint32     `json:"flags,omitempty"`
	Name                   string     `json:"name"`
	Kind                   int        `json:"kind"`
	StartTimeUnixNano      string     `json:"startTimeUnixNano"`
	EndTimeUnixNano        string     `json:"endTimeUnixNano"`
	Attributes             []keyValue `json:"attributes,omitempty"`
	DroppedAttributesCount uint32     `json:"droppedAttributesCount,omitempty"`
	Events                 []event    `json:"events,omitempty"`
	Links                  []link     `json:"links,omitempty"`
	Status                 status     `json:"status"`
}

type event struct {
	TimeUnixNano string     `json:"timeUnixNano"`
	Name         string     `json:"name"`
	Attributes   []keyValue `json:"attributes,omitempty"`
}

type link struct {
	TraceID    string     `json:"traceId"`
	SpanID     string     `json:"spanId"`
	Attributes []keyValue `json:"attributes,omitempty"`
}

type status struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type keyValue struct {
	Key   string   `json:"key"`
	Value anyValue `json:"value"`
}

type anyValue struct {
	StringValue *string     `json:"stringValue,omitempty"`
	BoolValue   *bool       `json:"boolValue,omitempty"`
	IntValue    *string     `json:"intValue,omitempty"`
	DoubleValue *float64    `json:"doubleValue,omitempty"`
	ArrayValue  *arrayValue `json:"arrayValue,omitempty"`
}

type arrayValue struct {
	Values []anyValue `json:"values"`
}

// OTLP status codes differ from the otel/codes numbering.
const (
	statusUnset = 0
	statusOk    = 1
	statusError = 2
)

// encode converts a batch into one OTLP resource span group. It returns the
// number of attributes dropped because they cannot be represented (non-finite floats).
func encode(batch invokez.Batch) (exportRequest, int) {
	enc := encoder{}
	rs := resourceSpans{
		Resource: resource{Attributes: enc.attributes(batch.Resource.Attributes)},
	}
	for _, group := range batch.ScopeSpans() {
		ss := scopeSpans{
			Scope: scope{Name: group.Scope.Name, Version: group.Scope.Version},
			Spans: make([]span, 0, len(group.Spans)),
		}
		for i := range group.Spans {
			ss.Spans = append(ss.Spans, enc.span(&group.Spans[i]))
		}
		rs.ScopeSpans = append(rs.ScopeSpans, ss)
	}
	return exportRequest{ResourceSpans: []resourceSpans{rs}}, enc.dropped
}

type encoder struct {
	dropped int
}

func (e *encoder) span(s *invokez.Span) span {
	out := span{
		TraceID:           s.TraceID.String(),
		SpanID:            s.SpanID.String(),
		Flags:             uint32(s.TraceFlags),
		Name:              s.Name,
		Kind:              int(s.Kind),
		StartTimeUnixNano: unixNano(s.StartTime),
		EndTimeUnixNano:   unixNano(s.EndTime),
		Status:            encodeStatus(s.Status),
	}
	if s.HasParent() {
		out.ParentSpanID = s.ParentSpanID.String()
	}

	before := e.dropped
	out.Attributes = e.attributes(s.Attributes)
	out.DroppedAttributesCount = uint32(s.DroppedAttributes + e.dropped - before)

	for _, ev := range s.Events {
		out.Events = append(out.Events, event{
			TimeUnixNano: unixNano(ev.Time),
			Name:         ev.Name,
			Attributes:   e.attributes(ev.Attributes),
		})
	}
	for _, l := range s.Links {
		out.Links = append(out.Links, link{
			TraceID:    l.SpanContext.TraceID().String(),
			SpanID:     l.SpanContext.SpanID().String(),
			Attributes: e.attributes(l.Attributes),
		})
	}
	return out
}

func (e *encoder) attributes(kvs []attribute.KeyValue) []keyValue {
	if len(kvs) == 0 {
		return nil
	}
	out := make([]keyValue, 0, len(kvs))
	for _, kv := range kvs {
		v, ok := encodeValue(kv.Value)
		if !ok {
			e.dropped++
			continue
		}
		out = append(out, keyValue{Key: string(kv.Key), Value: v})
	}
	return out
}

func encodeValue(v attribute.Value) (anyValue, bool) {
	switch v.Type() {
	case attribute.BOOL:
		b := v.AsBool()
		return anyValue{BoolValue: &b}, true
	case attribute.INT64:
		return intValue(v.AsInt64()), true
	case attribute.FLOAT64:
		return floatValue(v.AsFloat64())
	case attribute.STRING:
		s := v.AsString()
		return anyValue{StringValue: &s}, true
	case attribute.BOOLSLICE:
		src := v.AsBoolSlice()
		values := make([]anyValue, len(src))
		for i := range src {
			b := src[i]
			values[i] = anyValue{BoolValue: &b}
		}
		return anyValue{ArrayValue: &arrayValue{Values: values}}, true
	case attribute.INT64SLICE:
		src := v.AsInt64Slice()
		values := make([]anyValue, len(src))
		for i, n := range src {
			values[i] = intValue(n)
		}
		return anyValue{ArrayValue: &arrayValue{Values: values}}, true
	case attribute.FLOAT64SLICE:
		src := v.AsFloat64Slice()
		values := make([]anyValue, len(src))
		for i, f := range src {
			fv, ok := floatValue(f)
			if !ok {
				return anyValue{}, false
			}
			values[i] = fv
		}
		return anyValue{ArrayValue: &arrayValue{Values: values}}, true
	case attribute.STRINGSLICE:
		src := v.AsStringSlice()
		values := make([]anyValue, len(src))
		for i := range src {
			s := src[i]
			values[i] = anyValue{StringValue: &s}
		}
		return anyValue{ArrayValue: &arrayValue{Values: values}}, true
	}
	return anyValue{}, false
}

func intValue(n int64) anyValue {
	s := strconv.FormatInt(n, 10)
	return anyValue{IntValue: &s}
}

// JSON has no representation for NaN or ±Inf.
func floatValue(f float64) (anyValue, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return anyValue{}, false
	}
	return anyValue{DoubleValue: &f}, true
}

func encodeStatus(s invokez.Status) status {
	switch s.Code {
	case codes.Error:
		return status{Code: statusError, Message: s.Message}
	case codes.Ok:
		return status{Code: statusOk}
	default:
		return status{Code: statusUnset}
	}
}

func unixNano(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}
