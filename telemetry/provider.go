// Package telemetry wires the coordination core to OpenTelemetry. It owns
// the tracer and meter providers, adapts them to the core.Telemetry
// interface, and guards metric label cardinality so that per-agent or
// per-task values cannot blow up the metric backend.
//
// The package is optional: every component in this module accepts a nil
// core.Telemetry and falls back to a no-op. Init is called once from the
// composition root when telemetry is enabled in configuration.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/agentmesh/agentmesh/core"
)

// instrumentationName identifies spans and instruments created here.
const instrumentationName = "github.com/agentmesh/agentmesh/telemetry"

// Config controls how the provider exports telemetry.
type Config struct {
	// ServiceName appears as service.name on every span and metric.
	ServiceName string

	// Endpoint is an OTLP gRPC collector address (host:port). When empty
	// the provider falls back to stdout export if StdoutFallback is set.
	Endpoint string

	// Insecure disables TLS on the OTLP connection. Local collectors and
	// in-cluster sidecars typically run without certificates.
	Insecure bool

	// StdoutFallback exports spans to stdout when no endpoint is
	// configured. Useful in development; off means Init fails without an
	// endpoint.
	StdoutFallback bool

	// SampleRate is the fraction of traces to sample in (0, 1]. Zero or
	// one samples everything. Child spans follow their parent's decision.
	SampleRate float64

	// Logger receives provider lifecycle events. Nil means silent.
	Logger core.Logger
}

// Provider owns the OpenTelemetry SDK objects for this process. It
// implements core.Telemetry so components can record spans and metrics
// without importing OpenTelemetry themselves.
type Provider struct {
	tracer         trace.Tracer
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	instruments    *instrumentCache
	cardinality    *cardinalityGuard
	logger         core.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// Init builds a Provider from cfg and installs it as the process-global
// OpenTelemetry provider. It returns an error when no export path is
// available or the exporter cannot be constructed.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "agentmesh"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	exporter, err := newTraceExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate > 0 && cfg.SampleRate < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	// Metrics stay in-process until a reader is attached; instruments are
	// still real so recording paths are exercised and a pull exporter can
	// be added without touching callers.
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p := &Provider{
		tracer:         tracerProvider.Tracer(instrumentationName),
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
		instruments:    newInstrumentCache(meterProvider.Meter(instrumentationName)),
		cardinality:    newCardinalityGuard(defaultLabelValueCap),
		logger:         logger,
	}

	logger.Info("Telemetry provider initialized", map[string]interface{}{
		"operation":       "telemetry_init",
		"service_name":    cfg.ServiceName,
		"endpoint":        cfg.Endpoint,
		"stdout_fallback": cfg.Endpoint == "" && cfg.StdoutFallback,
		"sample_rate":     cfg.SampleRate,
	})
	return p, nil
}

func newTraceExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if cfg.Endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, core.NewIntegrationError("telemetry",
				fmt.Sprintf("failed to create OTLP exporter for %s", cfg.Endpoint), err)
		}
		return exporter, nil
	}
	if cfg.StdoutFallback {
		exporter, err := stdouttrace.New()
		if err != nil {
			return nil, core.NewIntegrationError("telemetry", "failed to create stdout exporter", err)
		}
		return exporter, nil
	}
	return nil, core.NewValidationError("telemetry",
		"no telemetry export path: set an endpoint or enable the stdout fallback")
}

// Telemetry returns the provider as the interface the rest of the module
// consumes.
func (p *Provider) Telemetry() core.Telemetry { return p }

// StartSpan begins a span under the current trace in ctx.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric adds value to the named counter. Labels pass through the
// per-metric allow-list and the cardinality guard before reaching the
// instrument; disallowed labels are dropped, excess values collapse to
// "other".
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	counter, err := p.instruments.counter(name)
	if err != nil {
		p.logger.Warn("Failed to create metric instrument", map[string]interface{}{
			"operation": "record_metric",
			"metric":    name,
			"error":     err.Error(),
		})
		return
	}
	counter.Add(context.Background(), value, p.attributes(name, labels))
}

// Shutdown flushes and stops both providers. Safe to call more than once;
// later calls return the first result.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.shutdownErr = fmt.Errorf("tracer provider shutdown: %w", err)
		}
		if err := p.meterProvider.Shutdown(ctx); err != nil && p.shutdownErr == nil {
			p.shutdownErr = fmt.Errorf("meter provider shutdown: %w", err)
		}
		p.logger.Info("Telemetry provider stopped", map[string]interface{}{
			"operation": "telemetry_shutdown",
		})
	})
	return p.shutdownErr
}
