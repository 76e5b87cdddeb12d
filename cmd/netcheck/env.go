package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/isitobservable/netcheck/pkg/config"
	"github.com/isitobservable/netcheck/pkg/k8s"
	"github.com/isitobservable/netcheck/pkg/telemetry"
	"github.com/isitobservable/netcheck/pkg/verifier"
)

const shutdownTimeout = 30 * time.Second

// env is everything a command needs to run verifications.
type env struct {
	cfg      *config.Config
	clients  *k8s.Clients
	meters   *telemetry.Meters
	runner   *verifier.Runner
	shutdown []telemetry.ShutdownFunc
}

// setup loads configuration, starts telemetry and connects to the cluster.
// close must be called on the returned env even when setup fails halfway.
func setup(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	e := &env{cfg: cfg}

	// NewClients only reads the kubeconfig.
	e.clients, err = k8s.NewClients(cfg.Kubeconfig, k8s.WithExecTimeout(cfg.ExecTimeout))
	if err != nil {
		return e, err
	}
	cluster := clusterName(cfg, e.clients.Config.Host)

	tracerShutdown, err := telemetry.InitTracer(ctx, cluster)
	if err != nil {
		return e, fmt.Errorf("initializing tracer: %w", err)
	}
	e.shutdown = append(e.shutdown, tracerShutdown)

	meterShutdown, err := telemetry.InitMeter(ctx, cluster)
	if err != nil {
		return e, fmt.Errorf("initializing meter: %w", err)
	}
	e.shutdown = append(e.shutdown, meterShutdown)

	logHandler, logShutdown, err := telemetry.InitLogs(ctx, cluster)
	if err != nil {
		return e, fmt.Errorf("initializing log export: %w", err)
	}
	e.shutdown = append(e.shutdown, logShutdown)
	if logHandler != nil {
		config.SetupLogging(cfg.LogLevel, logHandler)
	} else {
		config.SetupLogging(cfg.LogLevel)
	}

	e.meters, err = telemetry.NewMeters()
	if err != nil {
		slog.Warn("netcheck: failed to create OTel meters, metrics will be unavailable", "error", err)
	}

	slog.Info("netcheck: connected", "cluster", e.clients.String(), "version", version)

	opts := verifier.OptionsFromConfig(cfg)
	opts.Cluster = cluster
	e.runner = verifier.NewRunner(e.clients.Clientset, e.clients, opts, e.meters)
	return e, nil
}

// clusterName prefers the configured name over the API server host.
func clusterName(cfg *config.Config, host string) string {
	if cfg.ClusterName != "" {
		return cfg.ClusterName
	}
	return host
}

// close flushes telemetry. It is safe on a nil env.
func (e *env) close() {
	if e == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(e.shutdown) - 1; i >= 0; i-- {
		errs = append(errs, e.shutdown[i](ctx))
	}
	if err := errors.Join(errs...); err != nil {
		slog.Error("netcheck: telemetry shutdown error", "error", err)
	}
}
