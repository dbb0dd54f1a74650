// Package promstats exposes the internal counters of an invokez Provider
// as Prometheus metrics.
package promstats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zoobzio/invokez"
)

// StatsSource is implemented by *invokez.Provider.
type StatsSource interface {
	Stats() invokez.Stats
}

// Metrics holds the registered counters. They read the source on every scrape.
type Metrics struct {
	SpansStarted      prometheus.CounterFunc
	TracesCompleted   prometheus.CounterFunc
	TracesForced      prometheus.CounterFunc
	TracesSampledOut  prometheus.CounterFunc
	LateBatches       prometheus.CounterFunc
	BatchesExported   prometheus.CounterFunc
	ExportFailures    prometheus.CounterFunc
	AttributesDropped prometheus.CounterFunc
	PanicsRecovered   prometheus.CounterFunc
}

// Options configures metric naming.
type Options struct {
	Namespace   string
	ConstLabels prometheus.Labels
}

// Register creates the counters for source and registers them with reg.
// A nil reg creates unregistered counters. Registering the same names
// twice on one registry panics, as promauto does.
func Register(reg prometheus.Registerer, source StatsSource, opts Options) *Metrics {
	if opts.Namespace == "" {
		opts.Namespace = "invokez"
	}
	factory := promauto.With(reg)
	counter := func(name, help string, read func(invokez.Stats) uint64) prometheus.CounterFunc {
		return factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, func() float64 {
			return float64(read(source.Stats()))
		})
	}

	return &Metrics{
		SpansStarted: counter("spans_started_total", "Total number of recording spans started",
			func(s invokez.Stats) uint64 { return s.SpansStarted }),
		TracesCompleted: counter("traces_completed_total", "Total number of traces that reached completion",
			func(s invokez.Stats) uint64 { return s.TracesCompleted }),
		TracesForced: counter("traces_forced_total", "Total number of traces completed by invocation shutdown",
			func(s invokez.Stats) uint64 { return s.TracesForced }),
		TracesSampledOut: counter("traces_sampled_out_total", "Total number of completed traces rejected by the tail sampler",
			func(s invokez.Stats) uint64 { return s.TracesSampledOut }),
		LateBatches: counter("late_batches_total", "Total number of batches of spans that ended after their trace completed",
			func(s invokez.Stats) uint64 { return s.LateBatches }),
		BatchesExported: counter("batches_exported_total", "Total number of batches delivered to the exporter",
			func(s invokez.Stats) uint64 { return s.BatchesExported }),
		ExportFailures: counter("export_failures_total", "Total number of batches the exporter failed to deliver",
			func(s invokez.Stats) uint64 { return s.ExportFailures }),
		AttributesDropped: counter("attributes_dropped_total", "Total number of span attributes dropped",
			func(s invokez.Stats) uint64 { return s.AttributesDropped }),
		PanicsRecovered: counter("panics_recovered_total", "Total number of panics recovered in head samplers, tail samplers and post-processors",
			func(s invokez.Stats) uint64 { return s.PanicsRecovered }),
	}
}
