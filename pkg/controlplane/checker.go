// Package controlplane verifies that each hosted control plane's API server
// can open a TCP connection to its etcd, from inside the API server's
// network namespace.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/isitobservable/netcheck/pkg/inventory"
	"github.com/isitobservable/netcheck/pkg/k8s"
	"github.com/isitobservable/netcheck/pkg/probes"
	"github.com/isitobservable/netcheck/pkg/report"
	"github.com/isitobservable/netcheck/pkg/telemetry"
	"github.com/isitobservable/netcheck/pkg/types"
)

const apiServerContainerName = "kube-apiserver"

// Options configures pod resolution and the probe.
type Options struct {
	APIServerPrefix string
	EtcdPodPrefix   string
	ImageMarker     string
	EtcdPort        int
	Concurrency     int
}

// Sink receives each namespace's result as soon as its check finishes.
type Sink interface {
	AddControlPlane(report.ControlPlaneResult)
}

// Checker runs the API server to etcd probe through the agent on the API
// server's host.
type Checker struct {
	exec   k8s.Executor
	opts   Options
	meters *telemetry.Meters
}

// NewChecker creates a Checker.
func NewChecker(exec k8s.Executor, opts Options, meters *telemetry.Meters) *Checker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.EtcdPort == 0 {
		opts.EtcdPort = 2379
	}
	return &Checker{exec: exec, opts: opts, meters: meters}
}

// CheckAll checks every namespace concurrently and reports to sink.
func (c *Checker) CheckAll(ctx context.Context, snap *inventory.Snapshot, namespaces []string, agents []probes.Agent, sink Sink) {
	byHostIP := make(map[string]probes.Agent, len(agents))
	for _, a := range agents {
		if a.HostIP != "" {
			byHostIP[a.HostIP] = a
		}
	}

	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for _, ns := range namespaces {
		pods := snap.PodsByNamespace[ns]
		g.Go(func() error {
			sink.AddControlPlane(c.CheckNamespace(ctx, ns, pods, byHostIP))
			return nil
		})
	}
	_ = g.Wait()
}

// CheckNamespace checks one control plane. Failures are confined to the
// returned result.
func (c *Checker) CheckNamespace(ctx context.Context, namespace string, pods []inventory.Pod, agentsByHostIP map[string]probes.Agent) report.ControlPlaneResult {
	ctx, span := telemetry.Tracer().Start(ctx, "check_control_plane "+namespace)
	defer span.End()
	span.SetAttributes(attribute.String("k8s.namespace.name", namespace))

	start := time.Now()
	res := c.check(ctx, namespace, pods, agentsByHostIP)
	span.SetAttributes(attribute.String("netcheck.status", string(res.Status)))

	switch res.Status {
	case report.StatusSuccess:
		slog.Info("controlplane: etcd reachable", "namespace", namespace, "apiserver", res.APIServer, "etcd", res.Etcd)
	case report.StatusSkipped:
		slog.Info("controlplane: skipped", "namespace", namespace, "reason", res.Detail)
	default:
		span.SetStatus(codes.Error, res.Detail)
		slog.Error("controlplane: check failed", "namespace", namespace, "code", res.ErrorCode, "detail", res.Detail)
		c.meters.RecordError(ctx, res.ErrorCode)
	}

	if c.meters != nil {
		kind := attribute.String("netcheck.target.kind", "control-plane")
		c.meters.ProbeDuration.Record(ctx, time.Since(start).Seconds(), telemetry.WithAttrs(kind))
		c.meters.TargetResults.Add(ctx, 1, telemetry.WithAttrs(kind, attribute.String("netcheck.status", string(res.Status))))
	}
	return res
}

func (c *Checker) check(ctx context.Context, namespace string, pods []inventory.Pod, agentsByHostIP map[string]probes.Agent) report.ControlPlaneResult {
	res := report.ControlPlaneResult{Namespace: namespace}

	apiServer, err := uniquePod(pods, c.opts.APIServerPrefix)
	if err != nil {
		return skipped(res, types.Wrap(types.ErrCodeControlPlaneResolution, namespace, "resolving API server", err))
	}
	res.APIServer = apiServer.Name

	etcd, err := uniquePod(pods, c.opts.EtcdPodPrefix)
	if err != nil {
		return skipped(res, types.Wrap(types.ErrCodeControlPlaneResolution, namespace, "resolving etcd", err))
	}
	res.Etcd = etcd.Name

	if !apiServer.Running() {
		res.Status = report.StatusSkipped
		res.Detail = fmt.Sprintf("%s is %s, not Running", apiServer.Name, phaseOf(apiServer))
		return res
	}
	if etcd.PodIP == "" {
		return failed(res, types.Errorf(types.ErrCodeControlPlaneProbe, namespace, "%s has no pod IP", etcd.Name))
	}

	container, err := apiServerContainer(apiServer, apiServerContainerName, c.opts.ImageMarker)
	if err != nil {
		return failed(res, types.Wrap(types.ErrCodeControlPlaneProbe, namespace, "locating API server container", err))
	}
	rt, id, err := ParseContainerID(container.ID)
	if err != nil {
		return failed(res, types.Wrap(types.ErrCodeControlPlaneProbe, namespace, "container "+container.Name, err))
	}

	agent, ok := agentsByHostIP[apiServer.HostIP]
	if !ok {
		return failed(res, types.Errorf(types.ErrCodeControlPlaneProbe, namespace,
			"no running probe agent on host %s of %s", apiServer.HostIP, apiServer.Name))
	}
	helper := k8s.Target{Namespace: agent.Namespace, Pod: agent.PodName, Container: agent.Container}

	pid, err := c.resolvePID(ctx, namespace, helper, rt, id)
	if err != nil {
		return failed(res, err)
	}

	req := k8s.ExecRequest{
		Target:  helper,
		Command: []string{"nsenter", "-t", strconv.Itoa(pid), "-n", "--", "nc", "-vz", "-w", "2", etcd.PodIP, strconv.Itoa(c.opts.EtcdPort)},
	}
	out, err := c.exec.Exec(ctx, req)
	if err != nil {
		return failed(res, &types.CheckError{
			Code:    types.ErrCodeControlPlaneProbe,
			Target:  namespace,
			Message: req.CommandLine() + " failed",
			Detail:  out.Output(),
			Err:     err,
		})
	}
	if out.ExitCode != 0 {
		return failed(res, &types.CheckError{
			Code:    types.ErrCodeControlPlaneProbe,
			Target:  namespace,
			Message: fmt.Sprintf("%s returned with code %d", req.CommandLine(), out.ExitCode),
			Detail:  out.Output(),
		})
	}

	res.Status = report.StatusSuccess
	return res
}

func (c *Checker) resolvePID(ctx context.Context, namespace string, helper k8s.Target, rt Runtime, id string) (int, error) {
	req := k8s.ExecRequest{Target: helper, Command: InspectCommand(rt, id)}
	out, err := c.exec.Exec(ctx, req)
	if err != nil {
		return 0, types.Wrap(types.ErrCodeControlPlaneProbe, namespace, req.CommandLine()+" failed", err)
	}
	if out.ExitCode != 0 {
		return 0, &types.CheckError{
			Code:    types.ErrCodeControlPlaneProbe,
			Target:  namespace,
			Message: fmt.Sprintf("%s returned with code %d", req.CommandLine(), out.ExitCode),
			Detail:  out.Output(),
		}
	}
	pid, err := ParsePID(rt, out.Stdout)
	if err != nil {
		return 0, types.Wrap(types.ErrCodeControlPlaneProbe, namespace, "resolving API server PID", err)
	}
	return pid, nil
}

func skipped(res report.ControlPlaneResult, err *types.CheckError) report.ControlPlaneResult {
	res.Status = report.StatusSkipped
	res.ErrorCode = err.Code
	res.Detail = err.Error()
	return res
}

func failed(res report.ControlPlaneResult, err error) report.ControlPlaneResult {
	res.Status = report.StatusFailure
	res.ErrorCode = types.CodeOf(err)
	res.Detail = err.Error()
	return res
}

func phaseOf(p inventory.Pod) string {
	if p.Phase == "" {
		return "Unknown"
	}
	return string(p.Phase)
}
