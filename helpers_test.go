package invokez

import (
	"encoding/binary"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

// seqIDs hands out predictable ids: trace 1, 2, ... and span 1, 2, ...
type seqIDs struct {
	mu    sync.Mutex
	trace uint64
	span  uint64
}

func (g *seqIDs) NewTraceID() trace.TraceID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trace++
	var id trace.TraceID
	binary.BigEndian.PutUint64(id[8:], g.trace)
	return id
}

func (g *seqIDs) NewSpanID() trace.SpanID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.span++
	var id trace.SpanID
	binary.BigEndian.PutUint64(id[:], g.span)
	return id
}

// newTestProvider returns a provider exporting synchronously into a collector.
func newTestProvider(t *testing.T, opts ...Option) (*Provider, *Collector) {
	t.Helper()
	collector := NewCollector("test", 64)
	collector.SetSyncMode(true)
	t.Cleanup(collector.Close)

	base := []Option{WithExporter(collector), WithIDGenerator(&seqIDs{})}
	p := NewProvider(append(base, opts...)...)
	t.Cleanup(p.Close)
	return p, collector
}

func findSpan(spans []Span, name string) (Span, bool) {
	for _, s := range spans {
		if s.Name == name {
			return s, true
		}
	}
	return Span{}, false
}
