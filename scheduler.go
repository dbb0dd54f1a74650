package invokez

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
)

// Host is the runtime's "keep the execution context alive for this task"
// primitive: tasks handed to WaitUntil run after the response path and
// before the invocation is reclaimed.
type Host interface {
	WaitUntil(task func(ctx context.Context))
}

// Waiter is implemented by hosts that can block until their tasks finish.
// Wait returns ctx.Err() when ctx ends first; the tasks keep running.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Canceler is implemented by hosts that can abandon their running tasks.
type Canceler interface {
	Cancel()
}

// BackgroundHost runs each task on its own goroutine and tracks it until
// Wait. Cancel ends the context of in-flight tasks; whatever they were doing
// is lost. Tasks submitted after a Wait returned run as usual and are tracked
// by the next Wait; after Cancel they start with a done context.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type BackgroundHost struct {
	ctx       context.Context
	cancel    context.CancelFunc
	panicHook func(r any)
	mu        sync.Mutex
	active    int64
	idle      chan struct{}
	panics    atomic.Uint64
}

// NewBackgroundHost creates a host for one invocation.
func NewBackgroundHost() *BackgroundHost {
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &BackgroundHost{ctx: ctx, cancel: cancel, idle: idle}
}

// SetPanicHook sets a function to be called when a task panics.
func (h *BackgroundHost) SetPanicHook(hook func(r any)) {
	h.panicHook = hook
}

// WaitUntil implements Host.
func (h *BackgroundHost) WaitUntil(task func(ctx context.Context)) {
	if task == nil {
		return
	}
	h.mu.Lock()
	if h.active == 0 {
		h.idle = make(chan struct{})
	}
	h.active++
	h.mu.Unlock()

	go func() {
		defer h.taskDone()
		h.safeCall(task)
	}()
}

func (h *BackgroundHost) taskDone() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active--
	if h.active == 0 {
		close(h.idle)
	}
}

func (h *BackgroundHost) safeCall(task func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			h.panics.Add(1)
			if h.panicHook != nil {
				h.panicHook(r)
			}
		}
	}()
	task(h.ctx)
}

// Wait blocks until no task is running or ctx is done. Tasks started by
// running tasks are waited for too.
func (h *BackgroundHost) Wait(ctx context.Context) error {
	h.mu.Lock()
	if h.active == 0 {
		h.mu.Unlock()
		return nil
	}
	idle := h.idle
	h.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel cancels the context handed to tasks.
func (h *BackgroundHost) Cancel() {
	h.cancel()
}

// InFlight returns the number of tasks still running.
func (h *BackgroundHost) InFlight() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Panics returns the number of tasks that panicked.
func (h *BackgroundHost) Panics() uint64 {
	return h.panics.Load()
}

// InlineHost runs tasks synchronously on the calling goroutine.
// This makes tests deterministic by eliminating async behavior.
type InlineHost struct{}

// WaitUntil implements Host.
func (InlineHost) WaitUntil(task func(ctx context.Context)) {
	if task != nil {
		task(context.Background())
	}
}

// FlushScheduler hands batches to the host exactly once per batch id, and
// exactly once per trace for regular (non-late) batches.
type FlushScheduler struct {
	host      Host
	export    func(ctx context.Context, batch Batch)
	batches   map[string]struct{}
	traces    map[trace.TraceID]struct{}
	mu        sync.Mutex
	scheduled atomic.Uint64
}

// NewFlushScheduler creates a scheduler that runs export through host.
func NewFlushScheduler(host Host, export func(ctx context.Context, batch Batch)) *FlushScheduler {
	if host == nil {
		host = InlineHost{}
	}
	return &FlushScheduler{
		host:    host,
		export:  export,
		batches: make(map[string]struct{}),
		traces:  make(map[trace.TraceID]struct{}),
	}
}

// Schedule queues batch for export. It returns false if the batch (or, for
// regular batches, its trace) was already scheduled.
func (s *FlushScheduler) Schedule(batch Batch) bool {
	s.mu.Lock()
	if _, dup := s.batches[batch.ID]; dup {
		s.mu.Unlock()
		return false
	}
	if !batch.Late {
		if _, dup := s.traces[batch.TraceID]; dup {
			s.mu.Unlock()
			return false
		}
		s.traces[batch.TraceID] = struct{}{}
	}
	s.batches[batch.ID] = struct{}{}
	s.mu.Unlock()

	s.scheduled.Add(1)
	s.host.WaitUntil(func(ctx context.Context) {
		s.export(ctx, batch)
	})
	return true
}

// Scheduled returns the number of batches handed to the host.
func (s *FlushScheduler) Scheduled() uint64 {
	return s.scheduled.Load()
}
