package invokez

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zoobzio/clockz"
	"go.uber.org/multierr"
)

// Exporter delivers a batch of finished spans to a sink.
// Exporters are shared configuration and must be safe for concurrent use.
type Exporter interface {
	Export(ctx context.Context, batch Batch) error
}

// ExporterFunc adapts a function to the Exporter interface.
type ExporterFunc func(ctx context.Context, batch Batch) error

// Export calls f.
func (f ExporterFunc) Export(ctx context.Context, batch Batch) error {
	return f(ctx, batch)
}

// PostProcessor transforms a batch right before it is exported, e.g. for redaction.
// It receives a private copy; returning an error (or panicking) makes the
// original batch go out unchanged.
type PostProcessor func(batch Batch) (Batch, error)

// MultiExporter fans every batch out to several exporters.
// A failing or panicking exporter never prevents delivery to the others.
type MultiExporter struct {
	exporters []Exporter
}

// NewMultiExporter creates a new multi-exporter.
func NewMultiExporter(exporters ...Exporter) *MultiExporter {
	list := make([]Exporter, 0, len(exporters))
	for _, e := range exporters {
		if e != nil {
			list = append(list, e)
		}
	}
	return &MultiExporter{exporters: list}
}

// Export sends a copy of batch to every exporter concurrently and combines their errors.
func (m *MultiExporter) Export(ctx context.Context, batch Batch) error {
	if len(m.exporters) == 1 {
		return safeExport(ctx, m.exporters[0], batch)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for i, exp := range m.exporters {
		wg.Add(1)
		go func(i int, exp Exporter) {
			defer wg.Done()
			if err := safeExport(ctx, exp, batch.Clone()); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("exporter %d: %w", i, err))
				mu.Unlock()
			}
		}(i, exp)
	}
	wg.Wait()
	return errs
}

// safeExport converts a panicking exporter into an error.
func safeExport(ctx context.Context, exp Exporter, batch Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{value: r}
		}
	}()
	return exp.Export(ctx, batch)
}

// RetryPolicy bounds the retries of a RetryExporter.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy keeps the total retry budget well inside a short invocation.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

// RetryExporter retries a failing exporter with exponential backoff for a
// fixed number of attempts, then drops the batch and counts the failure.
type RetryExporter struct {
	next     Exporter
	clock    clockz.Clock
	policy   RetryPolicy
	attempts atomic.Uint64
	failures atomic.Uint64
}

// WithRetry wraps next with bounded retries.
func WithRetry(next Exporter, policy RetryPolicy) *RetryExporter {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultRetryPolicy().InitialInterval
	}
	if policy.MaxInterval < policy.InitialInterval {
		policy.MaxInterval = policy.InitialInterval
	}
	return &RetryExporter{next: next, policy: policy, clock: clockz.RealClock}
}

// WithClock returns the exporter with the specified clock driving backoff waits.
func (r *RetryExporter) WithClock(clock clockz.Clock) *RetryExporter {
	r.clock = clock
	return r
}

// Export implements Exporter.
func (r *RetryExporter) Export(ctx context.Context, batch Batch) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.policy.InitialInterval
	bo.MaxInterval = r.policy.MaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.policy.MaxAttempts-1)), ctx)
	op := func() error {
		r.attempts.Add(1)
		return safeExport(ctx, r.next, batch)
	}

	if err := backoff.RetryNotifyWithTimer(op, policy, nil, &clockTimer{clock: r.clock}); err != nil {
		r.failures.Add(1)
		return fmt.Errorf("export %s dropped after %d attempts: %w", batch.ID, r.policy.MaxAttempts, err)
	}
	return nil
}

// Attempts returns the number of export attempts made.
func (r *RetryExporter) Attempts() uint64 {
	return r.attempts.Load()
}

// Failures returns the number of batches dropped after exhausting retries.
func (r *RetryExporter) Failures() uint64 {
	return r.failures.Load()
}

// clockTimer drives backoff waits from a clockz.Clock.
type clockTimer struct {
	clock clockz.Clock
	c     <-chan time.Time
}

func (t *clockTimer) Start(d time.Duration) { t.c = t.clock.After(d) }

func (t *clockTimer) Stop() {}

func (t *clockTimer) C() <-chan time.Time { return t.c }
