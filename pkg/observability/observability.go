// Package observability provides OpenTelemetry-based telemetry for the
// treasury engine: OTLP trace and metric export plus the engine-level
// counters and histograms.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317" for gRPC
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "treasury-engine",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers and exposes the
// treasury metric instruments. It implements treasury.Metrics.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	proposalsCreated   metric.Int64Counter
	confirmations      metric.Int64Counter
	proposalsExecuted  metric.Int64Counter
	proposalsExpired   metric.Int64Counter
	proposalsCancelled metric.Int64Counter
	emergencies        metric.Int64Counter
	executionDuration  metric.Float64Histogram
	balanceGauge       metric.Int64Gauge
	reservedGauge      metric.Int64Gauge
}

// New creates a provider. With Enabled false (or a nil config's default),
// all recording methods are safe no-ops.
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
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("treasury.engine",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("treasury.engine",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.proposalsCreated, err = p.meter.Int64Counter("treasury.proposals.created",
		metric.WithDescription("Withdrawal proposals created")); err != nil {
		return err
	}
	if p.confirmations, err = p.meter.Int64Counter("treasury.confirmations",
		metric.WithDescription("Confirmations recorded")); err != nil {
		return err
	}
	if p.proposalsExecuted, err = p.meter.Int64Counter("treasury.proposals.executed",
		metric.WithDescription("Proposals executed")); err != nil {
		return err
	}
	if p.proposalsExpired, err = p.meter.Int64Counter("treasury.proposals.expired",
		metric.WithDescription("Proposals expired by the timelock")); err != nil {
		return err
	}
	if p.proposalsCancelled, err = p.meter.Int64Counter("treasury.proposals.cancelled",
		metric.WithDescription("Proposals cancelled")); err != nil {
		return err
	}
	if p.emergencies, err = p.meter.Int64Counter("treasury.emergency_withdrawals",
		metric.WithDescription("Owner-only emergency withdrawals")); err != nil {
		return err
	}
	if p.executionDuration, err = p.meter.Float64Histogram("treasury.execution.duration",
		metric.WithDescription("Confirmation-to-executed latency"),
		metric.WithUnit("s")); err != nil {
		return err
	}
	if p.balanceGauge, err = p.meter.Int64Gauge("treasury.balance",
		metric.WithDescription("Treasury balance in smallest unit")); err != nil {
		return err
	}
	if p.reservedGauge, err = p.meter.Int64Gauge("treasury.reserved",
		metric.WithDescription("Funds reserved by non-terminal proposals")); err != nil {
		return err
	}
	return nil
}

// Tracer returns the treasury tracer (nil-safe when disabled).
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// --- treasury.Metrics ---

func (p *Provider) ProposalCreated(ctx context.Context) {
	if p.proposalsCreated != nil {
		p.proposalsCreated.Add(ctx, 1)
	}
}

func (p *Provider) ConfirmationAdded(ctx context.Context) {
	if p.confirmations != nil {
		p.confirmations.Add(ctx, 1)
	}
}

func (p *Provider) ProposalExecuted(ctx context.Context, took time.Duration) {
	if p.proposalsExecuted != nil {
		p.proposalsExecuted.Add(ctx, 1)
	}
	if p.executionDuration != nil {
		p.executionDuration.Record(ctx, took.Seconds())
	}
}

func (p *Provider) ProposalsExpired(ctx context.Context, n int) {
	if p.proposalsExpired != nil {
		p.proposalsExpired.Add(ctx, int64(n))
	}
}

func (p *Provider) ProposalCancelled(ctx context.Context) {
	if p.proposalsCancelled != nil {
		p.proposalsCancelled.Add(ctx, 1)
	}
}

func (p *Provider) EmergencyWithdrawal(ctx context.Context) {
	if p.emergencies != nil {
		p.emergencies.Add(ctx, 1)
	}
}

func (p *Provider) TreasuryBalance(ctx context.Context, balance, reserved int64) {
	if p.balanceGauge != nil {
		p.balanceGauge.Record(ctx, balance)
	}
	if p.reservedGauge != nil {
		p.reservedGauge.Record(ctx, reserved)
	}
}
