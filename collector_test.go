package invokez

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector("test-collector", 100)
	defer collector.Close()

	if collector.Name() != "test-collector" {
		t.Errorf("Expected name test-collector, got %s", collector.Name())
	}
	if collector.Count() != 0 {
		t.Errorf("Expected 0 batches initially, got %d", collector.Count())
	}
	if collector.DroppedCount() != 0 {
		t.Errorf("Expected 0 dropped batches initially, got %d", collector.DroppedCount())
	}
}

func TestCollectorAsyncCollection(t *testing.T) {
	collector := NewCollector("async", 10)
	defer collector.Close()

	if err := collector.Export(context.Background(), testBatch(Span{Name: "a"}, Span{Name: "b"})); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	waitFor(t, func() bool { return collector.Count() == 1 })

	if collector.SpanCount() != 2 {
		t.Errorf("Expected 2 spans, got %d", collector.SpanCount())
	}
}

func TestCollectorDropsAfterClose(t *testing.T) {
	collector := NewCollector("small", 1)
	collector.Close()

	// A closed collector drops without error.
	for i := 0; i < 3; i++ {
		if err := collector.Export(context.Background(), testBatch()); err != nil {
			t.Fatalf("Expected drops to be silent, got %v", err)
		}
	}
	if collector.DroppedCount() != 3 {
		t.Errorf("Expected 3 dropped, got %d", collector.DroppedCount())
	}
}

func TestCollectorBufferGrowth(t *testing.T) {
	collector := NewCollector("growth", 10)
	collector.SetSyncMode(true)
	defer collector.Close()

	for i := 0; i < 100; i++ {
		_ = collector.Export(context.Background(), testBatch(Span{Name: fmt.Sprintf("s%d", i)}))
	}
	if collector.Count() != 100 {
		t.Errorf("Expected 100 batches, got %d", collector.Count())
	}

	drained := collector.Drain()
	if len(drained) != 100 {
		t.Errorf("Expected to drain 100 batches, got %d", len(drained))
	}
	if drained[99].Spans[0].Name != "s99" {
		t.Error("Expected export order to be kept")
	}
	if collector.Count() != 0 || collector.SpanCount() != 0 {
		t.Error("Expected drain to clear the collector")
	}
	if collector.Drain() != nil {
		t.Error("Expected nil from empty drain")
	}
}

func TestCollectorStoresCopies(t *testing.T) {
	collector := NewCollector("copies", 10)
	collector.SetSyncMode(true)
	defer collector.Close()

	batch := testBatch(Span{Name: "original"})
	_ = collector.Export(context.Background(), batch)
	batch.Spans[0].Name = "changed after export"

	got := collector.Batches()
	if got[0].Spans[0].Name != "original" {
		t.Error("Expected collector to keep its own copy")
	}
	got[0].Spans[0].Name = "changed by reader"
	if collector.Spans()[0].Name != "original" {
		t.Error("Expected readers to get copies")
	}
}

func TestCollectorReset(t *testing.T) {
	collector := NewCollector("reset", 10)
	collector.SetSyncMode(true)
	defer collector.Close()

	_ = collector.Export(context.Background(), testBatch(Span{}))
	collector.Reset()

	if collector.Count() != 0 || collector.SpanCount() != 0 || collector.DroppedCount() != 0 {
		t.Error("Expected reset to clear everything")
	}
}

func TestCollectorShutdownKeepsQueued(t *testing.T) {
	collector := NewCollector("shutdown", 10)
	for i := 0; i < 5; i++ {
		_ = collector.Export(context.Background(), testBatch())
	}
	collector.Close()
	collector.Close()

	waitFor(t, func() bool { return collector.Count() == 5 })
}

func TestCollectorConcurrentExport(t *testing.T) {
	collector := NewCollector("concurrent", 1000)
	defer collector.Close()

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = collector.Export(context.Background(), testBatch(Span{}))
			}
		}()
	}
	wg.Wait()

	waitFor(t, func() bool {
		return int64(collector.Count())+collector.DroppedCount() == 500
	})
}

func TestCollectorDrainsProviderOutput(t *testing.T) {
	p, collector := newTestProvider(t)
	for i := 0; i < 3; i++ {
		inv := p.NewInvocation(NewBackgroundHost())
		_, span := inv.Tracer("test").Start(context.Background(), "request")
		span.End()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := inv.Shutdown(ctx); err != nil {
			t.Errorf("Unexpected shutdown error: %v", err)
		}
		cancel()
	}
	if got := len(collector.Drain()); got != 3 {
		t.Errorf("Expected 3 batches, got %d", got)
	}
}
