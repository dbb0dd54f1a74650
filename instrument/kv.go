// Package instrument provides tracing decorators for the capabilities an
// invocation talks to: key-value stores, inbound HTTP and outbound HTTP.
// Each decorator implements the same interface as what it wraps and starts
// spans under the invocation bound to the call's context.
package instrument

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/zoobzio/invokez"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope of spans created by this package.
const ScopeName = "github.com/zoobzio/invokez/instrument"

// KV is a key-value store binding.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// TraceKV wraps kv so that every operation runs in a CLIENT span named
// "kv.<op>". namespace identifies the store in span attributes.
func TraceKV(kv KV, namespace string) KV {
	return &tracedKV{next: kv, namespace: namespace}
}

type tracedKV struct {
	next      KV
	namespace string
}

func (k *tracedKV) run(ctx context.Context, op string, fn func(ctx context.Context) error, kvs ...attribute.KeyValue) error {
	tracer := invokez.TracerFromContext(ctx, ScopeName)
	attrs := append([]attribute.KeyValue{
		attribute.String("db.system", "kv"),
		attribute.String("db.operation", op),
		attribute.String("kv.namespace", k.namespace),
	}, kvs...)
	return invokez.WithSpan(ctx, tracer, "kv."+op, fn,
		invokez.WithSpanKind(trace.SpanKindClient),
		invokez.WithAttributes(attrs...),
	)
}

func (k *tracedKV) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	err = k.run(ctx, "get", func(ctx context.Context) error {
		var err error
		value, ok, err = k.next.Get(ctx, key)
		invokez.SpanFromContext(ctx).SetAttributes(attribute.Bool("kv.hit", ok))
		return err
	}, attribute.String("kv.key", key))
	return value, ok, err
}

func (k *tracedKV) Put(ctx context.Context, key string, value []byte) error {
	return k.run(ctx, "put", func(ctx context.Context) error {
		return k.next.Put(ctx, key, value)
	}, attribute.String("kv.key", key), attribute.Int("kv.value_size", len(value)))
}

func (k *tracedKV) Delete(ctx context.Context, key string) error {
	return k.run(ctx, "delete", func(ctx context.Context) error {
		return k.next.Delete(ctx, key)
	}, attribute.String("kv.key", key))
}

func (k *tracedKV) List(ctx context.Context, prefix string) (keys []string, err error) {
	err = k.run(ctx, "list", func(ctx context.Context) error {
		var err error
		keys, err = k.next.List(ctx, prefix)
		invokez.SpanFromContext(ctx).SetAttributes(attribute.Int("kv.keys", len(keys)))
		return err
	}, attribute.String("kv.prefix", prefix))
	return keys, err
}

// MemoryKV is an in-process KV for tests and local runs.
// Safe for concurrent use by multiple goroutines.
type MemoryKV struct {
	data map[string][]byte
	mu   sync.RWMutex
}

// NewMemoryKV creates an empty store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryKV) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// List returns the keys with prefix in lexical order.
func (m *MemoryKV) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
