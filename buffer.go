package invokez

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// traceEntry tracks the spans of one trace inside one invocation.
// Late entries collect spans that arrive after their trace completed.
type traceEntry struct {
	id        trace.TraceID
	spans     []*ActiveSpan
	members   map[trace.SpanID]struct{}
	root      *ActiveSpan
	open      int
	rootEnded bool
	late      bool
	done      bool
}

func newTraceEntry(id trace.TraceID, late bool) *traceEntry {
	return &traceEntry{
		id:      id,
		members: make(map[trace.SpanID]struct{}),
		late:    late,
	}
}

func (e *traceEntry) contains(id trace.SpanID) bool {
	_, ok := e.members[id]
	return ok
}

// completion is emitted exactly once per trace entry.
type completion struct {
	entry  *traceEntry
	forced bool
}

// spanBuffer groups an invocation's spans by trace and detects completion.
// It is owned by a single invocation and never shared.
type spanBuffer struct {
	traces     map[trace.TraceID]*traceEntry
	late       map[trace.TraceID]*traceEntry
	finished   map[trace.TraceID]struct{}
	onComplete func(completion)
	mu         sync.Mutex
	closed     bool

	// completing counts completions retired under mu but still running
	// onComplete on the goroutine that ended the last span.
	completing sync.WaitGroup

	// Head decisions outlive their trace entries so late spans reuse them.
	decideMu  sync.Mutex
	decisions map[trace.TraceID]trace.TraceFlags
}

func newSpanBuffer(onComplete func(completion)) *spanBuffer {
	return &spanBuffer{
		traces:     make(map[trace.TraceID]*traceEntry),
		late:       make(map[trace.TraceID]*traceEntry),
		finished:   make(map[trace.TraceID]struct{}),
		onComplete: onComplete,
		decisions:  make(map[trace.TraceID]trace.TraceFlags),
	}
}

// headFlags returns the head sampling flags of trace id, calling decide only
// for the first local root of that trace.
func (b *spanBuffer) headFlags(id trace.TraceID, decide func() trace.TraceFlags) trace.TraceFlags {
	b.decideMu.Lock()
	defer b.decideMu.Unlock()
	if flags, ok := b.decisions[id]; ok {
		return flags
	}
	flags := decide()
	b.decisions[id] = flags
	return flags
}

// register adds a started span to its trace and counts it as open. It
// reports false once the buffer has been force-completed.
func (b *spanBuffer) register(s *ActiveSpan) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	id := s.sc.TraceID()
	var e *traceEntry
	if _, done := b.finished[id]; done {
		e = b.late[id]
		if e == nil {
			e = newTraceEntry(id, true)
			b.late[id] = e
		}
	} else {
		e = b.traces[id]
		if e == nil {
			e = newTraceEntry(id, false)
			b.traces[id] = e
		}
	}

	// The first span whose parent is absent or outside the trace is the local root.
	if !e.late && e.root == nil && !e.contains(s.parent) {
		e.root = s
	}

	e.spans = append(e.spans, s)
	e.members[s.sc.SpanID()] = struct{}{}
	e.open++
	s.entry = e
	return true
}

// spanEnded decrements the open count of the span's trace and completes it
// when nothing is left open. Spans of an already completed entry are ignored.
func (b *spanBuffer) spanEnded(s *ActiveSpan) {
	b.mu.Lock()
	e := s.entry
	if e == nil || e.done {
		b.mu.Unlock()
		return
	}

	e.open--
	if s == e.root {
		e.rootEnded = true
	}
	if e.open > 0 || (!e.late && !e.rootEnded) {
		b.mu.Unlock()
		return
	}

	b.retire(e)
	b.completing.Add(1)
	b.mu.Unlock()

	defer b.completing.Done()
	b.onComplete(completion{entry: e})
}

// retire marks e done and evicts it. Must hold b.mu.
func (b *spanBuffer) retire(e *traceEntry) {
	e.done = true
	if e.late {
		delete(b.late, e.id)
		return
	}
	delete(b.traces, e.id)
	b.finished[e.id] = struct{}{}
}

// forceComplete ends every open span and completes every pending trace,
// regardless of open counts. Used when the invocation is torn down; later
// registrations are refused.
func (b *spanBuffer) forceComplete(at time.Time) int {
	b.mu.Lock()
	b.closed = true
	pending := make([]*traceEntry, 0, len(b.traces)+len(b.late))
	for _, e := range b.traces {
		pending = append(pending, e)
	}
	for _, e := range b.late {
		pending = append(pending, e)
	}
	for _, e := range pending {
		for _, s := range e.spans {
			s.forceEnd(at)
		}
		e.open = 0
		b.retire(e)
	}
	b.mu.Unlock()

	for _, e := range pending {
		b.onComplete(completion{entry: e, forced: true})
	}
	return len(pending)
}

// awaitCompletions blocks until every completion started before
// forceComplete has been handed off, or ctx is done.
func (b *spanBuffer) awaitCompletions(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.completing.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pending reports the number of traces not yet completed.
func (b *spanBuffer) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.traces) + len(b.late)
}
