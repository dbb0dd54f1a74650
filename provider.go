package invokez

import (
	"context"
	"sync/atomic"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Provider holds the configuration shared by every invocation: exporter,
// samplers, post-processing, propagation policies and identity.
// A Provider is immutable after construction and safe to share; all
// per-request state lives in an Invocation.
//
//nolint:govet // Field order optimized for functionality over memory
type Provider struct {
	exporter   Exporter
	sampler    Sampler
	tails      []TailSampler
	post       PostProcessor
	accept     AcceptFunc
	include    IncludeFunc
	propagator TraceContext
	resource   Resource
	logger     *zap.Logger
	clock      clockz.Clock
	ids        IDGenerator
	stats      counters
}

// Option configures a Provider.
type Option func(*Provider)

// WithExporter sets the destination of exported batches. Several exporters
// are combined into a MultiExporter.
func WithExporter(exporters ...Exporter) Option {
	return func(p *Provider) {
		switch len(exporters) {
		case 0:
			p.exporter = nil
		case 1:
			p.exporter = exporters[0]
		default:
			p.exporter = NewMultiExporter(exporters...)
		}
	}
}

// WithSampler sets the head sampler.
func WithSampler(s Sampler) Option {
	return func(p *Provider) {
		if s != nil {
			p.sampler = s
		}
	}
}

// WithHeadSampling configures head sampling by ratio.
func WithHeadSampling(ratio float64, acceptRemote bool) Option {
	return WithSampler(RatioHead(ratio, acceptRemote))
}

// WithTailSampler sets the tail sampling policy. Several samplers are
// combined with logical OR. Nil samplers are ignored; with none left the
// current policy is kept.
func WithTailSampler(samplers ...TailSampler) Option {
	return func(p *Provider) {
		if len(samplers) == 0 {
			p.tails = defaultTails()
			return
		}
		tails := make([]TailSampler, 0, len(samplers))
		for _, s := range samplers {
			if s != nil {
				tails = append(tails, s)
			}
		}
		if len(tails) > 0 {
			p.tails = tails
		}
	}
}

// WithPostProcessor sets a transform applied to each batch before export.
func WithPostProcessor(pp PostProcessor) Option {
	return func(p *Provider) { p.post = pp }
}

// WithAcceptInbound sets the policy for adopting inbound trace context.
func WithAcceptInbound(accept AcceptFunc) Option {
	return func(p *Provider) {
		if accept != nil {
			p.accept = accept
		}
	}
}

// WithIncludeOutbound sets the policy for propagating to outbound targets.
func WithIncludeOutbound(include IncludeFunc) Option {
	return func(p *Provider) {
		if include != nil {
			p.include = include
		}
	}
}

// WithResource sets the service identity attached to every batch.
func WithResource(r Resource) Option {
	return func(p *Provider) { p.resource = r }
}

// WithLogger sets the logger for tracing-internal failures.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock sets the clock used for span timestamps.
// Enables clock injection for deterministic testing.
func WithClock(clock clockz.Clock) Option {
	return func(p *Provider) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithIDGenerator replaces the random id source.
func WithIDGenerator(gen IDGenerator) Option {
	return func(p *Provider) {
		if gen != nil {
			p.ids = gen
		}
	}
}

// NewProvider creates a provider. Without options every trace is head
// sampled, the default tail sampler applies and nothing is exported.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{
		sampler: RatioHead(1, true),
		tails:   defaultTails(),
		accept:  AcceptAll,
		include: IncludeAll,
		logger:  zap.NewNop(),
		clock:   clockz.RealClock,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.ids == nil {
		p.ids = newRandomIDGenerator(p.clock)
	}
	return p
}

// NewInvocation starts the per-request state for one invocation running on host.
func (p *Provider) NewInvocation(host Host) *Invocation {
	return newInvocation(p, host)
}

// Resource returns the configured resource.
func (p *Provider) Resource() Resource {
	return p.resource
}

// Logger returns the logger for tracing-internal events.
func (p *Provider) Logger() *zap.Logger {
	return p.logger
}

// Close releases background resources held by the provider.
func (p *Provider) Close() {
	if g, ok := p.ids.(*randomIDGenerator); ok {
		g.close()
	}
}

// headSample runs the head sampler, treating a panic as "not sampled".
func (p *Provider) headSample(params SamplingParameters) (decision SamplingDecision) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.panicsRecovered.Add(1)
			p.logger.Error("head sampler panicked",
				zap.String("sampler", p.sampler.Description()),
				zap.String("trace_id", params.TraceID.String()),
				zap.Any("panic", r),
			)
			decision = SamplingDecision{Reason: "sampler panic"}
		}
	}()
	return p.sampler.ShouldSample(params)
}

// tailSample keeps t if any tail sampler keeps it. Each panic is logged,
// counted and treated as "not sampled" for that sampler only.
func (p *Provider) tailSample(t Trace) bool {
	for i, s := range p.tails {
		keep, r := evalTail(s, t)
		if r != nil {
			p.stats.panicsRecovered.Add(1)
			p.logger.Error("tail sampler panicked",
				zap.Int("sampler", i),
				zap.String("trace_id", t.ID.String()),
				zap.Any("panic", r),
			)
			continue
		}
		if keep {
			return true
		}
	}
	return false
}

// postProcess applies the post-processor to a copy of batch. Any failure
// yields the original batch.
func (p *Provider) postProcess(batch Batch) (out Batch) {
	if p.post == nil {
		return batch
	}
	defer func() {
		if r := recover(); r != nil {
			p.stats.panicsRecovered.Add(1)
			p.logger.Error("post-processor panicked, exporting original batch",
				zap.String("batch_id", batch.ID),
				zap.Any("panic", r),
			)
			out = batch
		}
	}()

	processed, err := p.post(batch.Clone())
	if err != nil {
		p.logger.Warn("post-processor failed, exporting original batch",
			zap.String("batch_id", batch.ID),
			zap.Error(err),
		)
		return batch
	}
	return processed
}

// export runs the post-processor and the exporter. Failures are logged and
// counted, never returned to application code.
func (p *Provider) export(ctx context.Context, batch Batch) {
	if p.exporter == nil {
		p.logger.Debug("no exporter configured, dropping batch", zap.String("batch_id", batch.ID))
		return
	}

	out := p.postProcess(batch)
	if err := safeExport(ctx, p.exporter, out); err != nil {
		p.stats.exportFailures.Add(1)
		p.logger.Warn("export failed",
			zap.String("batch_id", batch.ID),
			zap.String("trace_id", batch.TraceID.String()),
			zap.Int("spans", len(out.Spans)),
			zap.Error(err),
		)
		return
	}
	p.stats.batchesExported.Add(1)
}

func (p *Provider) logDebug(msg string, sc trace.SpanContext, err error) {
	p.logger.Debug(msg,
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
		zap.Error(err),
	)
}

// Stats is a point-in-time copy of the provider's internal counters.
type Stats struct {
	SpansStarted      uint64
	TracesCompleted   uint64
	TracesForced      uint64
	TracesSampledOut  uint64
	LateBatches       uint64
	BatchesExported   uint64
	ExportFailures    uint64
	AttributesDropped uint64
	PanicsRecovered   uint64
}

type counters struct {
	spansStarted      atomic.Uint64
	tracesCompleted   atomic.Uint64
	tracesForced      atomic.Uint64
	tracesSampledOut  atomic.Uint64
	lateBatches       atomic.Uint64
	batchesExported   atomic.Uint64
	exportFailures    atomic.Uint64
	attributesDropped atomic.Uint64
	panicsRecovered   atomic.Uint64
}

// Stats returns the provider's counters.
func (p *Provider) Stats() Stats {
	return Stats{
		SpansStarted:      p.stats.spansStarted.Load(),
		TracesCompleted:   p.stats.tracesCompleted.Load(),
		TracesForced:      p.stats.tracesForced.Load(),
		TracesSampledOut:  p.stats.tracesSampledOut.Load(),
		LateBatches:       p.stats.lateBatches.Load(),
		BatchesExported:   p.stats.batchesExported.Load(),
		ExportFailures:    p.stats.exportFailures.Load(),
		AttributesDropped: p.stats.attributesDropped.Load(),
		PanicsRecovered:   p.stats.panicsRecovered.Load(),
	}
}
