package config

import (
	"fmt"

	"github.com/zoobzio/invokez"
	"github.com/zoobzio/invokez/otlphttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger builds the zap logger described by the logging section.
func (c *Config) Logger() (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return nil, fmt.Errorf("config: invalid log level %q: %w", c.Logging.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	if c.Logging.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.OutputPaths = []string{"stderr"}
	zapCfg.DisableStacktrace = !c.Logging.Development

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named("invokez"), nil
}

// Resource returns the service identity.
func (c *Config) Resource() invokez.Resource {
	return invokez.NewResource(c.Service.Name, c.Service.Version, c.Service.Namespace)
}

// NewExporter builds the OTLP/HTTP exporter, or nil when no URL is configured.
func (c *Config) NewExporter(logger *zap.Logger) (invokez.Exporter, error) {
	if c.Exporter.URL == "" {
		return nil, nil
	}
	exp, err := otlphttp.New(otlphttp.Config{
		Endpoint:     c.Exporter.URL,
		Headers:      c.Exporter.Headers,
		Token:        c.Exporter.Token,
		AuthHeader:   c.Exporter.AuthHeader,
		Compression:  c.Exporter.Compression,
		Timeout:      c.Exporter.Timeout,
		RetryMax:     c.Retry.MaxAttempts - 1,
		RetryWait:    c.Retry.MinWait,
		RetryMaxWait: c.Retry.MaxWait,
		RateLimit:    c.Exporter.RateLimit,
	}, otlphttp.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return exp, nil
}

// NewProvider builds a Provider from cfg. Options in opts are applied last
// and override anything derived from cfg.
func NewProvider(cfg *Config, opts ...invokez.Option) (*invokez.Provider, error) {
	if cfg == nil {
		cfg = Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := cfg.Logger()
	if err != nil {
		return nil, err
	}
	exp, err := cfg.NewExporter(logger)
	if err != nil {
		return nil, err
	}

	base := []invokez.Option{
		invokez.WithLogger(logger),
		invokez.WithResource(cfg.Resource()),
		invokez.WithHeadSampling(cfg.Sampling.Ratio, cfg.Sampling.AcceptRemote),
	}
	if exp != nil {
		base = append(base, invokez.WithExporter(exp))
	} else {
		logger.Debug("no exporter URL configured, spans will not leave the process")
	}
	return invokez.NewProvider(append(base, opts...)...), nil
}
