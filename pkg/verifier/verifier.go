// Package verifier orchestrates one connectivity run: snapshot, agent
// acquisition, the node and control-plane phases, and the verdict.
package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"

	"github.com/isitobservable/netcheck/pkg/config"
	"github.com/isitobservable/netcheck/pkg/controlplane"
	"github.com/isitobservable/netcheck/pkg/inventory"
	"github.com/isitobservable/netcheck/pkg/k8s"
	"github.com/isitobservable/netcheck/pkg/nodeprobe"
	"github.com/isitobservable/netcheck/pkg/probes"
	"github.com/isitobservable/netcheck/pkg/report"
	"github.com/isitobservable/netcheck/pkg/telemetry"
	"github.com/isitobservable/netcheck/pkg/types"
)

// Scope selects what a run tests.
type Scope struct {
	Nodes         bool     `json:"nodes"`
	ControlPlanes bool     `json:"control_planes"`
	Seeds         []string `json:"seeds,omitempty"`
}

// Validate rejects a scope that tests nothing.
func (s Scope) Validate() error {
	if !s.Nodes && !s.ControlPlanes {
		return types.Errorf(types.ErrCodeInvalidInput, "", "at least one of nodes or control-planes must be selected")
	}
	if len(s.Seeds) > 0 && !s.ControlPlanes {
		return types.Errorf(types.ErrCodeInvalidInput, "", "seeds restrict control-plane checks and require control-planes")
	}
	return nil
}

// Options configures a Runner.
type Options struct {
	Agent              probes.Options
	ControlPlane       controlplane.Options
	ControlPlanePrefix string
	PingmanyPath       string
	// Cluster names the target cluster in result metadata.
	Cluster     string
	Concurrency int
	RunTimeout  time.Duration
}

// OptionsFromConfig maps the environment configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Agent: probes.Options{
			Namespace:    cfg.AgentNamespace,
			Name:         cfg.AgentName,
			Image:        cfg.AgentImage,
			StaleAfter:   cfg.AgentStaleAfter,
			PollInterval: cfg.ReadyPollInterval,
			MaxAttempts:  cfg.ReadyMaxAttempts,
		},
		ControlPlane: controlplane.Options{
			APIServerPrefix: cfg.APIServerPrefix,
			EtcdPodPrefix:   cfg.EtcdPodPrefix,
			ImageMarker:     cfg.APIServerImageMarker,
			EtcdPort:        cfg.EtcdPort,
			Concurrency:     cfg.ProbeConcurrency,
		},
		ControlPlanePrefix: cfg.ControlPlanePrefix,
		PingmanyPath:       cfg.PingmanyPath,
		Concurrency:        cfg.ProbeConcurrency,
		RunTimeout:         cfg.RunTimeout,
	}
}

// Runner executes verification runs against one cluster.
type Runner struct {
	clientset kubernetes.Interface
	exec      k8s.Executor
	opts      Options
	meters    *telemetry.Meters
}

// NewRunner creates a Runner. meters may be nil.
func NewRunner(clientset kubernetes.Interface, exec k8s.Executor, opts Options, meters *telemetry.Meters) *Runner {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 15 * time.Minute
	}
	if opts.ControlPlanePrefix == "" {
		opts.ControlPlanePrefix = "shoot--"
	}
	return &Runner{clientset: clientset, exec: exec, opts: opts, meters: meters}
}

// Run performs one verification pass. The returned error is set only for
// failures that abort the whole run; everything else is in the result.
// The agents are torn down before Run returns on every path.
func (r *Runner) Run(ctx context.Context, scope Scope) (report.RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.RunTimeout)
	defer cancel()

	ctx, span := telemetry.Tracer().Start(ctx, "verify")
	defer span.End()
	span.SetAttributes(
		attribute.Bool("netcheck.scope.nodes", scope.Nodes),
		attribute.Bool("netcheck.scope.control_planes", scope.ControlPlanes),
		attribute.StringSlice("netcheck.scope.seeds", scope.Seeds),
	)

	slog.Info("verifier: starting run", "scope", scope.String())
	start := time.Now()
	res, err := r.run(ctx, scope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.meters.RecordError(ctx, types.CodeOf(err))
		slog.Error("verifier: run aborted", "error", err)
		return report.RunResult{}, err
	}

	span.SetAttributes(attribute.Bool("netcheck.success", res.Success))
	if !res.Success {
		span.SetStatus(codes.Error, "connectivity checks failed")
	}
	if r.meters != nil {
		r.meters.RunDuration.Record(ctx, time.Since(start).Seconds(),
			telemetry.WithAttrs(attribute.Bool("netcheck.success", res.Success)))
	}
	slog.Info("verifier: run finished", "run", res.Metadata.RunID, "success", res.Success, "nodes", len(res.Nodes),
		"controlPlanes", len(res.ControlPlanes), "duration", res.Metadata.Duration().Round(time.Millisecond))
	return res, nil
}

func (r *Runner) run(ctx context.Context, scope Scope) (report.RunResult, error) {
	startedAt := time.Now().UTC()
	if err := scope.Validate(); err != nil {
		return report.RunResult{}, err
	}
	if scope.Nodes {
		if err := checkArtifact(r.opts.PingmanyPath); err != nil {
			return report.RunResult{}, err
		}
	}

	snap, err := inventory.NewCollector(r.clientset).Collect(ctx)
	if err != nil {
		return report.RunResult{}, err
	}

	var namespaces []string
	if scope.ControlPlanes {
		namespaces, err = selectControlPlanes(snap, r.opts.ControlPlanePrefix, scope.Seeds)
		if err != nil {
			return report.RunResult{}, err
		}
	}

	mgr := probes.NewManager(r.clientset, r.opts.Agent)
	lease := mgr.Acquire(ctx, len(snap.Nodes))
	defer lease.Release()

	agg := report.NewAggregator()
	var g errgroup.Group

	if !lease.Ready() {
		slog.Error("verifier: agents not ready", "run", mgr.RunID(), "running", len(lease.Agents),
			"nodes", len(snap.Nodes), "error", lease.Err)
		r.meters.RecordError(ctx, types.CodeOf(lease.Err))
	}

	if scope.Nodes {
		if lease.Ready() {
			prober := nodeprobe.NewProber(r.exec, r.opts.PingmanyPath, r.opts.Concurrency, r.meters)
			g.Go(func() error {
				prober.ProbeAll(ctx, snap.Nodes, lease.Agents, agg)
				return nil
			})
		} else {
			agg.SetPhaseError(report.PhaseNodes, lease.Err)
		}
	}

	if scope.ControlPlanes {
		switch {
		case !lease.Ready() && len(lease.Agents) == 0:
			agg.SetPhaseError(report.PhaseControlPlanes, lease.Err)
		case !lease.Ready():
			slog.Warn("verifier: control-plane phase continues with partial agents", "running", len(lease.Agents), "nodes", len(snap.Nodes))
		}
		checker := controlplane.NewChecker(r.exec, r.opts.ControlPlane, r.meters)
		g.Go(func() error {
			checker.CheckAll(ctx, snap, namespaces, lease.Agents, agg)
			return nil
		})
	}

	_ = g.Wait()
	lease.Release()

	res := agg.Result()
	res.Metadata = types.RunMetadata{
		Cluster:    r.opts.Cluster,
		RunID:      mgr.RunID(),
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
	}
	return res, nil
}

// selectControlPlanes returns the namespaces to check: every control-plane
// namespace, or exactly the seeds when given.
func selectControlPlanes(snap *inventory.Snapshot, prefix string, seeds []string) ([]string, error) {
	all := snap.ControlPlaneNamespaces(prefix)
	if len(all) == 0 {
		return nil, types.Errorf(types.ErrCodeInvalidInput, "", "no control planes in this cluster (no namespace with prefix %q)", prefix)
	}
	if len(seeds) == 0 {
		return all, nil
	}

	selected := make([]string, 0, len(seeds))
	for _, seed := range seeds {
		if !slices.Contains(all, seed) {
			if snap.HasNamespace(seed) {
				return nil, types.Errorf(types.ErrCodeInvalidInput, seed, "namespace is not a control plane (prefix %q)", prefix)
			}
			return nil, types.Errorf(types.ErrCodeInvalidInput, seed, "unknown control plane; known control planes: %v", all)
		}
		if !slices.Contains(selected, seed) {
			selected = append(selected, seed)
		}
	}
	sort.Strings(selected)
	return selected, nil
}

// checkArtifact verifies the local pingmany helper exists.
func checkArtifact(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return types.Wrap(types.ErrCodeMissingArtifact, path, "pingmany helper not found", err)
	}
	if !info.Mode().IsRegular() {
		return types.Errorf(types.ErrCodeMissingArtifact, path, "pingmany helper is not a regular file")
	}
	return nil
}

// String describes the scope for logs.
func (s Scope) String() string {
	return fmt.Sprintf("nodes=%t control-planes=%t seeds=%v", s.Nodes, s.ControlPlanes, s.Seeds)
}
