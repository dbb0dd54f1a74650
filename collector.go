package invokez

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is an in-memory Exporter that buffers batches until drained.
// Useful for tests and for hosts that ship telemetry themselves.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Collector struct {
	batches      []Batch
	batchCh      chan Batch
	stopCh       chan struct{}
	done         chan struct{}
	droppedCount atomic.Int64
	spanCount    atomic.Int64
	name         string
	mu           sync.Mutex
	closed       atomic.Bool
	closeOnce    sync.Once
	syncMode     bool // Bypass channel for synchronous collection.
}

// NewCollector creates a collector with the specified name and queue size.
func NewCollector(name string, bufferSize int) *Collector {
	c := &Collector{
		name:    name,
		batches: make([]Batch, 0, 8),
		batchCh: make(chan Batch, bufferSize),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.start()
	return c
}

// Name returns the collector name.
func (c *Collector) Name() string {
	return c.name
}

func (c *Collector) start() {
	defer close(c.done)

	for {
		select {
		case <-c.stopCh:
			// Drain remaining batches before shutdown.
			for {
				select {
				case b := <-c.batchCh:
					c.buffer(b)
				default:
					return
				}
			}
		case b := <-c.batchCh:
			c.buffer(b)
		}
	}
}

// Close stops the collector. Queued batches are kept; later exports are dropped.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stopCh)
		select {
		case <-c.done:
		case <-time.After(100 * time.Millisecond):
		}
	})
}

// Export buffers a copy of batch. If the queue is full the batch is dropped
// and the drop counter incremented; dropping is not an export error.
func (c *Collector) Export(_ context.Context, batch Batch) error {
	if c.closed.Load() {
		c.droppedCount.Add(1)
		return nil
	}
	b := batch.Clone()

	if c.syncMode {
		c.buffer(b)
		return nil
	}

	select {
	case c.batchCh <- b:
	default:
		c.droppedCount.Add(1)
	}
	return nil
}

func (c *Collector) buffer(b Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.batches) >= cap(c.batches) {
		currentCap := cap(c.batches)
		var newCap int
		if currentCap < 1024 {
			newCap = currentCap * 2
		} else {
			// Grow by 50% for large buffers.
			newCap = currentCap + currentCap/2
		}
		if newCap < 32 {
			newCap = 32
		}
		grown := make([]Batch, len(c.batches), newCap)
		copy(grown, c.batches)
		c.batches = grown
	}
	c.batches = append(c.batches, b)
	c.spanCount.Add(int64(len(b.Spans)))
}

// Drain returns all buffered batches and clears the buffer.
// The returned slice is safe to modify without affecting the collector.
func (c *Collector) Drain() []Batch {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.batches) == 0 {
		return nil
	}
	result := make([]Batch, len(c.batches))
	copy(result, c.batches)

	// Only shrink if buffer is very oversized to avoid allocation churn.
	if cap(c.batches) > 256 && len(c.batches) < cap(c.batches)/8 {
		newCap := cap(c.batches) / 4
		if newCap < 32 {
			newCap = 32
		}
		c.batches = make([]Batch, 0, newCap)
	} else {
		c.batches = c.batches[:0]
	}
	c.spanCount.Store(0)
	return result
}

// Batches returns a copy of the buffered batches without clearing them.
func (c *Collector) Batches() []Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]Batch, len(c.batches))
	for i, b := range c.batches {
		result[i] = b.Clone()
	}
	return result
}

// Spans returns every buffered span in export order.
func (c *Collector) Spans() []Span {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Span
	for _, b := range c.batches {
		for _, s := range b.Spans {
			out = append(out, s.Clone())
		}
	}
	return out
}

// Count returns the number of buffered batches.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

// SpanCount returns the number of buffered spans.
func (c *Collector) SpanCount() int {
	return int(c.spanCount.Load())
}

// DroppedCount returns the number of batches dropped due to backpressure.
func (c *Collector) DroppedCount() int64 {
	return c.droppedCount.Load()
}

// SetSyncMode enables synchronous collection for testing.
// When enabled, batches are buffered directly without using the channel.
func (c *Collector) SetSyncMode(sync bool) {
	c.syncMode = sync
}

// Reset clears all buffered batches and the drop counter.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.batches = c.batches[:0]
	c.spanCount.Store(0)
	c.droppedCount.Store(0)
}
