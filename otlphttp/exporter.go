// Package otlphttp exports invokez batches as OTLP/JSON over HTTP.
package otlphttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"github.com/zoobzio/invokez"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrNoEndpoint is returned by New when no collector URL is configured.
var ErrNoEndpoint = errors.New("otlphttp: endpoint is required")

// Compression values.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
)

// Config configures the exporter.
type Config struct {
	Endpoint     string
	Headers      map[string]string
	Token        string
	AuthHeader   string // Header carrying Token verbatim; empty means "Authorization: Bearer".
	Compression  string
	Timeout      time.Duration
	RetryMax     int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	RateLimit    float64 // Exports per second; zero is unlimited.
}

// DefaultConfig returns settings sized for short-lived invocations.
func DefaultConfig() Config {
	return Config{
		Compression:  CompressionNone,
		Timeout:      5 * time.Second,
		RetryMax:     2,
		RetryWait:    100 * time.Millisecond,
		RetryMaxWait: time.Second,
	}
}

// StatusError reports a non-2xx collector response after retries.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("otlphttp: collector responded %d: %s", e.StatusCode, e.Body)
}

// Exporter posts batches to an OTLP/HTTP traces endpoint.
// Safe for concurrent use by multiple goroutines.
type Exporter struct {
	endpoint string
	client   *resty.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
	gzip     bool
	dropped  atomic.Uint64
	sent     atomic.Uint64
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithLogger sets the logger for dropped values and retries.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Exporter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an exporter for cfg.
func New(cfg Config, opts ...Option) (*Exporter, error) {
	if cfg.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("otlphttp: invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("otlphttp: unsupported endpoint scheme %q", u.Scheme)
	}
	switch cfg.Compression {
	case "", CompressionNone, CompressionGzip:
	default:
		return nil, fmt.Errorf("otlphttp: unsupported compression %q", cfg.Compression)
	}

	defaults := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = defaults.RetryWait
	}
	if cfg.RetryMaxWait < cfg.RetryWait {
		cfg.RetryMaxWait = cfg.RetryWait
	}

	e := &Exporter{
		endpoint: cfg.Endpoint,
		limiter:  rate.NewLimiter(rate.Inf, 0), // Unlimited by default
		logger:   zap.NewNop(),
		gzip:     cfg.Compression == CompressionGzip,
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(e)
	}

	// Pooled transport and retry classification come from retryablehttp.
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil

	e.client = resty.New().
		SetTransport(retryClient.HTTPClient.Transport).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryMax).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		AddRetryCondition(e.shouldRetry).
		SetLogger(e.logger.Sugar()).
		SetHeader("User-Agent", "invokez-otlphttp/1.0").
		SetHeaders(cfg.Headers)

	if cfg.Token != "" {
		if cfg.AuthHeader != "" {
			e.client.SetHeader(cfg.AuthHeader, cfg.Token)
		} else {
			e.client.SetAuthToken(cfg.Token)
		}
	}
	return e, nil
}

// shouldRetry retries connection errors, 429 and 5xx (except 501).
func (e *Exporter) shouldRetry(r *resty.Response, err error) bool {
	ctx := context.Background()
	var raw *http.Response
	if r != nil {
		raw = r.RawResponse
		if r.Request != nil {
			ctx = r.Request.Context()
		}
	}
	retry, _ := retryablehttp.DefaultRetryPolicy(ctx, raw, err)
	if retry {
		e.logger.Debug("retrying export", zap.Error(err), zap.Int("status", statusOf(r)))
	}
	return retry
}

// Export implements invokez.Exporter.
func (e *Exporter) Export(ctx context.Context, batch invokez.Batch) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("otlphttp: rate limit: %w", err)
	}

	payload, dropped := encode(batch)
	if dropped > 0 {
		e.dropped.Add(uint64(dropped))
		e.logger.Debug("dropped non-finite attribute values",
			zap.String("batch_id", batch.ID),
			zap.Int("dropped", dropped),
		)
	}

	body, err := sonic.Marshal(payload)
	if err != nil {
		return fmt.Errorf("otlphttp: encode: %w", err)
	}

	req := e.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json")
	if e.gzip {
		body, err = compress(body)
		if err != nil {
			return fmt.Errorf("otlphttp: compress: %w", err)
		}
		req.SetHeader("Content-Encoding", "gzip")
	}

	resp, err := req.SetBody(body).Post(e.endpoint)
	if err != nil {
		return fmt.Errorf("otlphttp: post: %w", err)
	}
	if resp.IsError() {
		msg := resp.String()
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return &StatusError{StatusCode: resp.StatusCode(), Body: msg}
	}
	e.sent.Add(1)
	return nil
}

// Dropped returns the number of attribute values dropped at encode time.
func (e *Exporter) Dropped() uint64 {
	return e.dropped.Load()
}

// Sent returns the number of batches accepted by the collector.
func (e *Exporter) Sent() uint64 {
	return e.sent.Load()
}

func statusOf(r *resty.Response) int {
	if r == nil || r.RawResponse == nil {
		return 0
	}
	return r.StatusCode()
}

var gzipWriters = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
		return w
	},
}

func compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzipWriters.Get().(*gzip.Writer)
	defer gzipWriters.Put(w)

	w.Reset(&buf)
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
