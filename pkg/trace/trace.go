package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"
)

// Config enables span export of lease, update and push operations
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Endpoint    string  `yaml:"endpoint"`     // collector host:port, defaults by protocol
	Protocol    string  `yaml:"protocol"`     // grpc or http
	Insecure    bool    `yaml:"insecure"`     // plain text connection to the collector
	SamplerRate float64 `yaml:"sampler_rate"` // clamped to 0..1
	Environment string  `yaml:"environment"`
}

func (c *Config) protocol() string {
	if c.Protocol == ProtocolHTTP {
		return ProtocolHTTP
	}
	return ProtocolGRPC
}

func (c *Config) endpoint() string {
	switch {
	case c.Endpoint != "":
		return c.Endpoint
	case c.protocol() == ProtocolHTTP:
		return "localhost:4318"
	default:
		return "localhost:4317"
	}
}

func newExporter(ctx context.Context, cfg *Config) (sdktrace.SpanExporter, error) {
	if cfg.protocol() == ProtocolHTTP {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.endpoint())}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.endpoint())}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// InitTracing installs the global tracer provider and returns its shutdown.
// Disabled tracing keeps the no-op provider.
func InitTracing(ctx context.Context, cfg *Config, lg *zap.Logger) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", cfg.protocol(), err)
	}

	rate := min(max(cfg.SamplerRate, 0), 1)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	lg.Info("tracing enabled",
		zap.String("endpoint", cfg.endpoint()),
		zap.String("protocol", cfg.protocol()),
		zap.Float64("sampler_rate", rate))
	return tp.Shutdown, nil
}

// Span is an operation span of the named tracer. A nil Span is a no-op.
type Span struct {
	span trace.Span
}

// Start opens a span below ctx and returns the derived context
func Start(ctx context.Context, tracer, name string, attrs ...attribute.KeyValue) (context.Context, *Span) {
	ctx, sp := otel.Tracer(tracer).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, &Span{span: sp}
}

// Set adds attributes known only once the operation ran
func (s *Span) Set(attrs ...attribute.KeyValue) {
	if s != nil {
		s.span.SetAttributes(attrs...)
	}
}

// Fail marks the span failed, nil errors are ignored
func (s *Span) Fail(err error) {
	if s == nil || err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *Span) End() {
	if s != nil {
		s.span.End()
	}
}
