// Package integration exercises complete request lifecycles: HTTP services
// instrumented with invokez, exporting over OTLP/HTTP to a fake receiver.
package integration

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/gzip"
	"github.com/zoobzio/invokez"
	"github.com/zoobzio/invokez/config"
	"github.com/zoobzio/invokez/instrument"
)

// ReceivedValue is an OTLP AnyValue as it arrives on the wire.
type ReceivedValue struct {
	StringValue *string  `json:"stringValue"`
	BoolValue   *bool    `json:"boolValue"`
	IntValue    *string  `json:"intValue"`
	DoubleValue *float64 `json:"doubleValue"`
}

// ReceivedAttribute is an OTLP KeyValue.
type ReceivedAttribute struct {
	Key   string        `json:"key"`
	Value ReceivedValue `json:"value"`
}

// ReceivedSpan is the subset of an OTLP span the tests inspect.
//
//nolint:govet // Field order follows the wire format
type ReceivedSpan struct {
	TraceID      string              `json:"traceId"`
	SpanID       string              `json:"spanId"`
	ParentSpanID string              `json:"parentSpanId"`
	Name         string              `json:"name"`
	Kind         int                 `json:"kind"`
	Attributes   []ReceivedAttribute `json:"attributes"`
	Status       struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"status"`

	// Filled from the enclosing resource and scope.
	Service string `json:"-"`
	Scope   string `json:"-"`
	Request int    `json:"-"`
}

// Attr returns the string, int or bool attribute value as text.
func (s ReceivedSpan) Attr(key string) (string, bool) {
	for _, a := range s.Attributes {
		if a.Key != key {
			continue
		}
		switch {
		case a.Value.StringValue != nil:
			return *a.Value.StringValue, true
		case a.Value.IntValue != nil:
			return *a.Value.IntValue, true
		case a.Value.BoolValue != nil:
			if *a.Value.BoolValue {
				return "true", true
			}
			return "false", true
		}
		return "", true
	}
	return "", false
}

type otlpRequest struct {
	ResourceSpans []struct {
		Resource struct {
			Attributes []ReceivedAttribute `json:"attributes"`
		} `json:"resource"`
		ScopeSpans []struct {
			Scope struct {
				Name string `json:"name"`
			} `json:"scope"`
			Spans []ReceivedSpan `json:"spans"`
		} `json:"scopeSpans"`
	} `json:"resourceSpans"`
}

// Receiver is a fake OTLP/HTTP collector.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for test helper readability
type Receiver struct {
	*httptest.Server
	t        *testing.T
	spans    []ReceivedSpan
	headers  []http.Header
	requests int
	failWith atomic.Int32
	mu       sync.Mutex
}

// NewReceiver starts a receiver that accepts POST /v1/traces.
func NewReceiver(t *testing.T) *Receiver {
	t.Helper()
	r := &Receiver{t: t}
	r.Server = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.Close)
	return r
}

// Endpoint is the traces URL exporters should post to.
func (r *Receiver) Endpoint() string {
	return r.URL + "/v1/traces"
}

// FailWith makes every following request fail with status; zero restores success.
func (r *Receiver) FailWith(status int) {
	r.failWith.Store(int32(status))
}

func (r *Receiver) serve(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.requests++
	n := r.requests
	r.headers = append(r.headers, req.Header.Clone())
	r.mu.Unlock()

	if status := int(r.failWith.Load()); status != 0 {
		http.Error(w, "receiver unavailable", status)
		return
	}
	if req.Method != http.MethodPost || req.URL.Path != "/v1/traces" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	var body io.Reader = req.Body
	if req.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer zr.Close()
		body = zr
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var payload otlpRequest
	if err := sonic.Unmarshal(raw, &payload); err != nil {
		r.t.Errorf("receiver got invalid OTLP JSON: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var got []ReceivedSpan
	for _, rs := range payload.ResourceSpans {
		service := ""
		for _, a := range rs.Resource.Attributes {
			if a.Key == string(invokez.ServiceNameKey) && a.Value.StringValue != nil {
				service = *a.Value.StringValue
			}
		}
		for _, ss := range rs.ScopeSpans {
			for _, s := range ss.Spans {
				s.Service = service
				s.Scope = ss.Scope.Name
				s.Request = n
				got = append(got, s)
			}
		}
	}

	r.mu.Lock()
	r.spans = append(r.spans, got...)
	r.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// Spans returns every span received so far.
func (r *Receiver) Spans() []ReceivedSpan {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ReceivedSpan(nil), r.spans...)
}

// Requests returns the number of export requests, failed ones included.
func (r *Receiver) Requests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests
}

// Headers returns the headers of the i-th request.
func (r *Receiver) Headers(i int) http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headers[i]
}

// WaitForSpans waits until at least n spans arrived.
func (r *Receiver) WaitForSpans(n int, timeout time.Duration) []ReceivedSpan {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if spans := r.Spans(); len(spans) >= n {
			return spans
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.t.Fatalf("expected %d spans, got %d", n, len(r.Spans()))
	return nil
}

// ByName indexes spans by name. Later spans win on duplicates.
func ByName(spans []ReceivedSpan) map[string]ReceivedSpan {
	out := make(map[string]ReceivedSpan, len(spans))
	for _, s := range spans {
		out[s.Name] = s
	}
	return out
}

// ByTrace groups spans by trace id.
func ByTrace(spans []ReceivedSpan) map[string][]ReceivedSpan {
	out := make(map[string][]ReceivedSpan)
	for _, s := range spans {
		out[s.TraceID] = append(out[s.TraceID], s)
	}
	return out
}

// Service is an HTTP service traced by its own provider.
type Service struct {
	Name     string
	Provider *invokez.Provider
	Server   *httptest.Server
	Client   *http.Client
}

// ServiceOption adjusts the configuration of a Service before it starts.
type ServiceOption func(cfg *config.Config)

// NewService starts handler behind instrument.Handler, exporting to receiver.
// Shutdown blocks so a finished response means the export has happened.
func NewService(t *testing.T, name string, receiver *Receiver, handler http.Handler, opts []ServiceOption, providerOpts ...invokez.Option) *Service {
	t.Helper()

	cfg := config.Default()
	cfg.Service.Name = name
	cfg.Service.Version = "1.0.0"
	cfg.Exporter.URL = receiver.Endpoint()
	cfg.Retry.MaxAttempts = 1
	cfg.Logging.Level = "error"
	for _, opt := range opts {
		opt(cfg)
	}

	p, err := config.NewProvider(cfg, providerOpts...)
	if err != nil {
		t.Fatalf("provider for %s: %v", name, err)
	}
	t.Cleanup(p.Close)

	svc := &Service{
		Name:     name,
		Provider: p,
		Client:   &http.Client{Transport: instrument.Transport(nil), Timeout: 5 * time.Second},
	}
	svc.Server = httptest.NewServer(instrument.Handler(p, handler, instrument.WithBlockingShutdown()))
	t.Cleanup(svc.Server.Close)
	return svc
}

// Call performs a plain (untraced) request and returns the status code once
// the body has been consumed.
func Call(t *testing.T, method, url string, header http.Header) int {
	t.Helper()
	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("call %s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}
