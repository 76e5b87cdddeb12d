package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// WithAttrs returns a metric.MeasurementOption from attribute key-value pairs.
func WithAttrs(attrs ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(attrs...)
}

// InitMeter initializes the OpenTelemetry MeterProvider with a periodic OTLP
// gRPC reader. Disabled (global noop provider) without an endpoint.
func InitMeter(ctx context.Context, cluster string) (ShutdownFunc, error) {
	if !Enabled() {
		return noopShutdown, nil
	}

	exporter, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP metric exporter: %w", err)
	}

	res, err := newResource(cluster)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	slog.Info("telemetry: metrics enabled")
	return mp.Shutdown, nil
}

// Meters holds pre-created OTel metric instruments for the verifier.
type Meters struct {
	RequestDuration metric.Float64Histogram
	RequestCount    metric.Int64Counter

	RunDuration   metric.Float64Histogram
	ProbeDuration metric.Float64Histogram
	TargetResults metric.Int64Counter
	PeerResults   metric.Int64Counter
	ErrorsTotal   metric.Int64Counter
}

// NewMeters creates all OTel metric instruments from the global MeterProvider.
func NewMeters() (*Meters, error) {
	meter := otel.Meter(ServiceName)

	requestDuration, err := meter.Float64Histogram(
		"gen_ai.server.request.duration",
		metric.WithDescription("Duration of MCP tool call execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	requestCount, err := meter.Int64Counter(
		"gen_ai.server.request.count",
		metric.WithDescription("Number of MCP tool call requests"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"netcheck.run.duration",
		metric.WithDescription("Duration of a full verification run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	probeDuration, err := meter.Float64Histogram(
		"netcheck.probe.duration",
		metric.WithDescription("Duration of a single node or control-plane probe in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	targetResults, err := meter.Int64Counter(
		"netcheck.target.results",
		metric.WithDescription("Per-target outcomes by kind and status"),
	)
	if err != nil {
		return nil, err
	}

	peerResults, err := meter.Int64Counter(
		"netcheck.peer.results",
		metric.WithDescription("Directional node-to-node classifications"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"netcheck.errors.total",
		metric.WithDescription("Classified errors by code"),
	)
	if err != nil {
		return nil, err
	}

	return &Meters{
		RequestDuration: requestDuration,
		RequestCount:    requestCount,
		RunDuration:     runDuration,
		ProbeDuration:   probeDuration,
		TargetResults:   targetResults,
		PeerResults:     peerResults,
		ErrorsTotal:     errorsTotal,
	}, nil
}

// RecordError counts a classified error. Safe on a nil receiver.
func (m *Meters) RecordError(ctx context.Context, code string) {
	if m == nil || code == "" {
		return
	}
	m.ErrorsTotal.Add(ctx, 1, WithAttrs(attribute.String("error.code", code)))
}
