package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// InitLogs creates an OTLP LoggerProvider and returns a slog handler bridged
// onto it. The handler is nil when OTLP export is disabled.
func InitLogs(ctx context.Context, cluster string) (slog.Handler, ShutdownFunc, error) {
	if !Enabled() {
		return nil, noopShutdown, nil
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("creating OTLP log exporter: %w", err)
	}

	res, err := newResource(cluster)
	if err != nil {
		return nil, nil, fmt.Errorf("creating resource: %w", err)
	}

	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithResource(res),
	)

	return otelslog.NewHandler(ServiceName, otelslog.WithLoggerProvider(lp)), lp.Shutdown, nil
}
