package invokez

import (
	"encoding/binary"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SamplingParameters are the inputs to a head sampling decision.
type SamplingParameters struct {
	ParentContext trace.SpanContext
	TraceID       trace.TraceID
	Name          string
	Kind          trace.SpanKind
	Attributes    []attribute.KeyValue
}

// SamplingDecision is the outcome of a sampling stage.
type SamplingDecision struct {
	Sampled bool
	Reason  string
}

// Sampler makes the head sampling decision for a new local root span.
// Implementations must be pure functions of their parameters.
type Sampler interface {
	ShouldSample(p SamplingParameters) SamplingDecision
	Description() string
}

// SamplerFunc adapts a predicate to the Sampler interface.
type SamplerFunc func(p SamplingParameters) bool

// ShouldSample calls f.
func (f SamplerFunc) ShouldSample(p SamplingParameters) SamplingDecision {
	if f(p) {
		return SamplingDecision{Sampled: true, Reason: "custom predicate"}
	}
	return SamplingDecision{Reason: "custom predicate"}
}

// Description implements Sampler.
func (SamplerFunc) Description() string { return "SamplerFunc" }

type alwaysSample struct{}

func (alwaysSample) ShouldSample(SamplingParameters) SamplingDecision {
	return SamplingDecision{Sampled: true, Reason: "always"}
}

func (alwaysSample) Description() string { return "AlwaysOnSampler" }

// AlwaysSample samples every trace.
func AlwaysSample() Sampler { return alwaysSample{} }

type neverSample struct{}

func (neverSample) ShouldSample(SamplingParameters) SamplingDecision {
	return SamplingDecision{Reason: "never"}
}

func (neverSample) Description() string { return "AlwaysOffSampler" }

// NeverSample samples no trace.
func NeverSample() Sampler { return neverSample{} }

type traceIDRatio struct {
	upperBound  uint64
	description string
}

func (s traceIDRatio) ShouldSample(p SamplingParameters) SamplingDecision {
	x := binary.BigEndian.Uint64(p.TraceID[8:16]) >> 1
	if x < s.upperBound {
		return SamplingDecision{Sampled: true, Reason: s.description}
	}
	return SamplingDecision{Reason: s.description}
}

func (s traceIDRatio) Description() string { return s.description }

// TraceIDRatioBased samples a fraction of traces. The decision depends only
// on the trace id, so re-evaluating the same trace gives the same answer.
func TraceIDRatioBased(fraction float64) Sampler {
	if fraction >= 1 {
		return AlwaysSample()
	}
	if fraction <= 0 {
		return NeverSample()
	}
	return traceIDRatio{
		upperBound:  uint64(fraction * (1 << 63)),
		description: fmt.Sprintf("TraceIDRatioBased{%g}", fraction),
	}
}

type parentBased struct {
	root         Sampler
	acceptRemote bool
}

func (s parentBased) ShouldSample(p SamplingParameters) SamplingDecision {
	parent := p.ParentContext
	if parent.IsValid() {
		if !parent.IsRemote() {
			return SamplingDecision{Sampled: parent.IsSampled(), Reason: "local parent"}
		}
		if s.acceptRemote {
			return SamplingDecision{Sampled: parent.IsSampled(), Reason: "remote parent"}
		}
	}
	return s.root.ShouldSample(p)
}

func (s parentBased) Description() string {
	return fmt.Sprintf("ParentBased{root:%s,acceptRemote:%t}", s.root.Description(), s.acceptRemote)
}

// ParentBased honors a remote parent's sampled flag when acceptRemote is set
// and falls back to root otherwise.
func ParentBased(root Sampler, acceptRemote bool) Sampler {
	if root == nil {
		root = AlwaysSample()
	}
	return parentBased{root: root, acceptRemote: acceptRemote}
}

// RatioHead is the {ratio, acceptRemote} head sampling configuration.
func RatioHead(ratio float64, acceptRemote bool) Sampler {
	return ParentBased(TraceIDRatioBased(ratio), acceptRemote)
}
