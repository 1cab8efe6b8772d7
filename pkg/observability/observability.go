// Package observability wires OpenTelemetry tracing and metrics around the
// decision pipeline: one span per decision round, RED metrics keyed by
// outcome and risk tier, OTLP export over gRPC.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/arbiter-sh/arbiter/pkg/intent"
)

const instrumentationName = "arbiter.core"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // gRPC endpoint, e.g. "localhost:4317"
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // span batch flush interval
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults. Production deployments set
// Environment and the endpoint explicitly.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "arbiter-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Provider manages the trace and metric providers and the pipeline's
// instruments. A disabled provider is a safe no-op.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	decisionCounter metric.Int64Counter
	denialCounter   metric.Int64Counter
	errorCounter    metric.Int64Counter
	decideLatency   metric.Float64Histogram
	activeRounds    metric.Int64UpDownCounter
	ledgerHead      metric.Int64Gauge
}

// New creates the provider and installs it globally.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: traces: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: metrics: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.decisionCounter, err = p.meter.Int64Counter("arbiter.decisions.total",
		metric.WithDescription("Decisions rendered, by outcome, rationale and risk tier"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}
	p.denialCounter, err = p.meter.Int64Counter("arbiter.denials.total",
		metric.WithDescription("Denied intents, by rationale"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}
	p.errorCounter, err = p.meter.Int64Counter("arbiter.errors.total",
		metric.WithDescription("Submissions that ended in an internal error"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}
	p.decideLatency, err = p.meter.Float64Histogram("arbiter.decision.duration",
		metric.WithDescription("End-to-end decision latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 115),
	)
	if err != nil {
		return err
	}
	p.activeRounds, err = p.meter.Int64UpDownCounter("arbiter.rounds.active",
		metric.WithDescription("Decision rounds currently in flight"),
		metric.WithUnit("{round}"),
	)
	if err != nil {
		return err
	}
	p.ledgerHead, err = p.meter.Int64Gauge("arbiter.ledger.head",
		metric.WithDescription("Highest committed audit sequence"),
		metric.WithUnit("{entry}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// StartRound opens a span for one decision round and marks it active.
// The returned func closes the span and records the outcome metrics.
func (p *Provider) StartRound(ctx context.Context, in *intent.Intent) (context.Context, func(*intent.Decision, error)) {
	start := time.Now()
	attrs := []attribute.KeyValue{
		attribute.String("arbiter.actor", string(in.Actor)),
		attribute.String("arbiter.action", string(in.Action)),
		attribute.String("arbiter.risk_tier", string(in.RiskTier)),
	}
	ctx, span := p.Tracer().Start(ctx, "arbiter.decide",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if p.activeRounds != nil {
		p.activeRounds.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(d *intent.Decision, err error) {
		if p.activeRounds != nil {
			p.activeRounds.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p.decideLatency != nil {
			p.decideLatency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		switch {
		case err != nil:
			span.RecordError(err)
			if p.errorCounter != nil {
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
			}
		case d != nil:
			outcomeAttrs := append(attrs,
				attribute.String("arbiter.outcome", string(d.Outcome)),
				attribute.String("arbiter.rationale", d.Rationale),
			)
			span.SetAttributes(outcomeAttrs...)
			if p.decisionCounter != nil {
				p.decisionCounter.Add(ctx, 1, metric.WithAttributes(outcomeAttrs...))
			}
			if d.Outcome == intent.OutcomeDeny && p.denialCounter != nil {
				p.denialCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("arbiter.rationale", d.Rationale)))
			}
		}
		span.End()
	}
}

// RecordLedgerHead publishes the chain head sequence.
func (p *Provider) RecordLedgerHead(ctx context.Context, seq uint64) {
	if p.ledgerHead != nil {
		p.ledgerHead.Record(ctx, int64(seq))
	}
}
