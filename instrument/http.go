package instrument

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/zoobzio/invokez"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// HandlerOption configures Handler.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	spanName        func(r *http.Request) string
	newHost         func() invokez.Host
	onShutdown      func(inv *invokez.Invocation, err error)
	shutdownTimeout time.Duration
	blocking        bool
}

// WithSpanName overrides the root span name (default "METHOD /path").
func WithSpanName(fn func(r *http.Request) string) HandlerOption {
	return func(c *handlerConfig) {
		if fn != nil {
			c.spanName = fn
		}
	}
}

// WithHost sets the factory for the per-request host.
func WithHost(fn func() invokez.Host) HandlerOption {
	return func(c *handlerConfig) {
		if fn != nil {
			c.newHost = fn
		}
	}
}

// WithShutdownTimeout bounds how long an invocation may flush after the response.
func WithShutdownTimeout(d time.Duration) HandlerOption {
	return func(c *handlerConfig) {
		if d > 0 {
			c.shutdownTimeout = d
		}
	}
}

// WithBlockingShutdown makes the handler flush before returning. Use it on
// runtimes that freeze the process as soon as the handler returns.
func WithBlockingShutdown() HandlerOption {
	return func(c *handlerConfig) { c.blocking = true }
}

// WithShutdownHook is called once the invocation finished flushing.
func WithShutdownHook(fn func(inv *invokez.Invocation, err error)) HandlerOption {
	return func(c *handlerConfig) { c.onShutdown = fn }
}

// Handler makes every request served by next an invocation: it extracts the
// inbound trace context, runs next under a SERVER span and shuts the
// invocation down after the response has been written.
func Handler(p *invokez.Provider, next http.Handler, opts ...HandlerOption) http.Handler {
	cfg := handlerConfig{
		spanName:        func(r *http.Request) string { return r.Method + " " + r.URL.Path },
		newHost:         func() invokez.Host { return invokez.NewBackgroundHost() },
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inv := p.NewInvocation(cfg.newHost())
		ctx := inv.Extract(r.Context(), invokez.HeaderCarrier(r.Header))
		ctx, span := inv.Tracer(ScopeName).Start(ctx, cfg.spanName(r),
			invokez.WithSpanKind(trace.SpanKindServer),
			invokez.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("server.address", r.Host),
				attribute.String("user_agent.original", r.UserAgent()),
			),
		)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if rv := recover(); rv != nil {
				span.RecordError(fmt.Errorf("panic: %v", rv))
				span.SetAttributes(attribute.Int("http.response.status_code", http.StatusInternalServerError))
				span.End()
				finish(p, inv, r.Context(), cfg)
				panic(rv)
			}
		}()

		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		span.End()

		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		finish(p, inv, r.Context(), cfg)
	})
}

// finish shuts the invocation down, detached from the request unless the
// handler is configured to block.
func finish(p *invokez.Provider, inv *invokez.Invocation, reqCtx context.Context, cfg handlerConfig) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), cfg.shutdownTimeout)
		defer cancel()
		err := inv.Shutdown(ctx)
		if err != nil {
			p.Logger().Warn("invocation did not flush in time", zap.Error(err))
		}
		if cfg.onShutdown != nil {
			cfg.onShutdown(inv, err)
		}
	}
	if cfg.blocking {
		run()
		return
	}
	go run()
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Transport wraps base (http.DefaultTransport when nil) so that each request
// runs in a CLIENT span and carries traceparent when the invocation's
// include policy permits the target host.
func Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &transport{base: base}
}

type transport struct {
	base http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	ctx, span := invokez.TracerFromContext(ctx, ScopeName).Start(ctx, "HTTP "+req.Method,
		invokez.WithSpanKind(trace.SpanKindClient),
		invokez.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("server.address", req.URL.Host),
			attribute.String("url.path", req.URL.Path),
		),
	)
	defer span.End()

	// RoundTrippers must not modify the caller's request.
	out := req.Clone(ctx)
	if inv := invokez.InvocationFromContext(ctx); inv != nil {
		inv.Inject(ctx, invokez.HeaderCarrier(out.Header), req.URL.Host)
	}

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	return resp, nil
}
