package invokez

import (
	"crypto/rand"
	"encoding/binary"
	"runtime"
	"sync"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/trace"
)

// IDPool manages a pool of pre-generated IDs to amortize crypto/rand overhead.
type IDPool[T any] struct {
	factory func() T
	ids     chan T
	stopCh  chan struct{}
	mu      sync.Mutex
	closed  bool
}

// NewIDPool creates a new ID pool with the specified capacity.
func NewIDPool[T any](capacity int, factory func() T) *IDPool[T] {
	pool := &IDPool[T]{
		ids:     make(chan T, capacity),
		factory: factory,
		stopCh:  make(chan struct{}),
	}
	// Start background refill goroutine.
	go pool.refill()
	return pool
}

// Get retrieves an ID from the pool or generates one if pool is empty.
func (p *IDPool[T]) Get() T {
	select {
	case id := <-p.ids:
		return id
	default:
		// Pool empty, generate directly (fallback for burst load).
		return p.factory()
	}
}

func (p *IDPool[T]) refill() {
	for {
		select {
		case <-p.stopCh:
			return
		case p.ids <- p.factory():
		}
	}
}

// Close stops the refill goroutine. Get keeps working afterwards.
func (p *IDPool[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		close(p.stopCh)
		p.closed = true
	}
}

// IDGenerator produces trace and span ids.
type IDGenerator interface {
	NewTraceID() trace.TraceID
	NewSpanID() trace.SpanID
}

// randomIDGenerator draws ids from crypto/rand through pools.
type randomIDGenerator struct {
	clock    clockz.Clock
	traceIDs *IDPool[trace.TraceID]
	spanIDs  *IDPool[trace.SpanID]
	once     sync.Once
}

func newRandomIDGenerator(clock clockz.Clock) *randomIDGenerator {
	return &randomIDGenerator{clock: clock}
}

// ensurePools initializes ID pools if not already created.
func (g *randomIDGenerator) ensurePools() {
	g.once.Do(func() {
		// Pool size based on number of CPUs for optimal contention balance.
		poolSize := runtime.NumCPU() * 64

		g.traceIDs = NewIDPool(poolSize, func() trace.TraceID {
			var id trace.TraceID
			for !id.IsValid() {
				if _, err := rand.Read(id[:]); err != nil {
					// Fallback to time-based ID if crypto/rand fails.
					binary.BigEndian.PutUint64(id[:8], uint64(g.clock.Now().UnixNano()))
					binary.BigEndian.PutUint64(id[8:], uint64(g.clock.Now().UnixNano())*2654435761)
				}
			}
			return id
		})

		g.spanIDs = NewIDPool(poolSize, func() trace.SpanID {
			var id trace.SpanID
			for !id.IsValid() {
				if _, err := rand.Read(id[:]); err != nil {
					binary.BigEndian.PutUint64(id[:], uint64(g.clock.Now().UnixNano()))
				}
			}
			return id
		})
	})
}

func (g *randomIDGenerator) NewTraceID() trace.TraceID {
	g.ensurePools()
	return g.traceIDs.Get()
}

func (g *randomIDGenerator) NewSpanID() trace.SpanID {
	g.ensurePools()
	return g.spanIDs.Get()
}

func (g *randomIDGenerator) close() {
	if g.traceIDs != nil {
		g.traceIDs.Close()
	}
	if g.spanIDs != nil {
		g.spanIDs.Close()
	}
}
