package invokez

import (
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Trace is the read-only view handed to tail samplers once a trace is complete.
type Trace struct {
	ID          trace.TraceID
	Spans       []Span
	LocalRoot   Span
	HeadSampled bool
	Forced      bool
}

// TailSampler decides whether a completed trace is exported.
// Implementations must be pure functions of the trace.
type TailSampler func(t Trace) bool

// HeadSampledTail keeps traces whose head decision was to sample.
func HeadSampledTail(t Trace) bool {
	return t.HeadSampled
}

// RootErrorTail keeps traces whose local root ended with an error status.
func RootErrorTail(t Trace) bool {
	return t.LocalRoot.Status.Code == codes.Error
}

// AnyTail keeps a trace if any sampler keeps it. A sampler that panics
// counts as not keeping the trace; the remaining samplers still run.
// Pass samplers to WithTailSampler directly to have panics logged and counted.
func AnyTail(samplers ...TailSampler) TailSampler {
	return func(t Trace) bool {
		for _, s := range samplers {
			if keep, _ := evalTail(s, t); keep {
				return true
			}
		}
		return false
	}
}

// DefaultTailSampler keeps head-sampled traces and traces whose root failed.
func DefaultTailSampler() TailSampler {
	return AnyTail(defaultTails()...)
}

func defaultTails() []TailSampler {
	return []TailSampler{HeadSampledTail, RootErrorTail}
}

// evalTail runs s and converts a panic into a "not sampled" decision.
func evalTail(s TailSampler, t Trace) (keep bool, recovered any) {
	if s == nil {
		return false, nil
	}
	defer func() {
		if r := recover(); r != nil {
			keep, recovered = false, r
		}
	}()
	return s(t), nil
}
