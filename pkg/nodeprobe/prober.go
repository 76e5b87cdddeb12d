package nodeprobe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
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

const (
	// RemoteHelperPath is where pingmany is staged inside an agent.
	RemoteHelperPath = "/tmp/pingmany"

	cleanupTimeout = 10 * time.Second
)

// Sink receives each node's result as soon as its probe finishes.
type Sink interface {
	AddNode(report.NodeResult)
}

// Prober runs pingmany from every node's agent against every other node.
type Prober struct {
	exec        k8s.Executor
	helperPath  string
	concurrency int
	meters      *telemetry.Meters
}

// NewProber creates a Prober that stages the local helper at helperPath.
func NewProber(exec k8s.Executor, helperPath string, concurrency int, meters *telemetry.Meters) *Prober {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Prober{exec: exec, helperPath: helperPath, concurrency: concurrency, meters: meters}
}

// ProbeAll probes every node concurrently and reports each result to sink.
// It returns when all probes finished; per-node failures never abort others.
func (p *Prober) ProbeAll(ctx context.Context, nodes []inventory.Node, agents []probes.Agent, sink Sink) {
	byNode := make(map[string]probes.Agent, len(agents))
	byHostIP := make(map[string]probes.Agent, len(agents))
	for _, a := range agents {
		byNode[a.NodeName] = a
		byHostIP[a.HostIP] = a
	}

	if missing := Unaddressed(nodes); len(missing) > 0 {
		slog.Warn("nodeprobe: nodes without an address are excluded from every peer list", "nodes", missing)
	}

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for _, node := range nodes {
		agent, ok := byNode[node.Name]
		if !ok {
			agent, ok = byHostIP[node.IP]
		}
		peers := Peers(nodes, node)
		g.Go(func() error {
			var a *probes.Agent
			if ok {
				a = &agent
			}
			sink.AddNode(p.ProbeNode(ctx, node, peers, a))
			return nil
		})
	}
	_ = g.Wait()
}

// Peers returns the sorted IPs of every node other than self.
func Peers(nodes []inventory.Node, self inventory.Node) []string {
	peers := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.Name == self.Name || n.IP == "" || n.IP == self.IP {
			continue
		}
		peers = append(peers, n.IP)
	}
	sort.Strings(peers)
	return peers
}

// Unaddressed returns the sorted names of nodes no peer can probe.
func Unaddressed(nodes []inventory.Node) []string {
	var out []string
	for _, n := range nodes {
		if n.IP == "" {
			out = append(out, n.Name)
		}
	}
	sort.Strings(out)
	return out
}

// ProbeNode runs one node's probe. The classification is derived only from
// this node's own output.
func (p *Prober) ProbeNode(ctx context.Context, node inventory.Node, peers []string, agent *probes.Agent) report.NodeResult {
	ctx, span := telemetry.Tracer().Start(ctx, "probe_node "+node.Name)
	defer span.End()
	span.SetAttributes(
		attribute.String("k8s.node.name", node.Name),
		attribute.String("netcheck.node.ip", node.IP),
		attribute.Int("netcheck.peers", len(peers)),
	)

	start := time.Now()
	res := report.NodeResult{Name: node.Name, IP: node.IP, Reachable: []string{}, Unreachable: []string{}}

	rep, err := p.probe(ctx, node, peers, agent)
	if err != nil {
		res.Status = report.StatusFailure
		res.ErrorCode = types.CodeOf(err)
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("nodeprobe: probe failed", "node", node.Name, "ip", node.IP, "error", err)
		p.meters.RecordError(ctx, res.ErrorCode)
	} else {
		res.Reachable = append(res.Reachable, rep.Reachable...)
		res.Unreachable = append(res.Unreachable, rep.Unreachable...)
		res.Status = report.StatusSuccess
		if len(rep.Unreachable) > 0 {
			res.Status = report.StatusFailure
			slog.Warn("nodeprobe: unreachable peers", "node", node.Name, "ip", node.IP, "unreachable", rep.Unreachable)
		} else {
			slog.Info("nodeprobe: all peers reachable", "node", node.Name, "ip", node.IP, "peers", len(peers))
		}
	}

	p.record(ctx, res, time.Since(start))
	return res
}

func (p *Prober) probe(ctx context.Context, node inventory.Node, peers []string, agent *probes.Agent) (Report, error) {
	if node.IP == "" {
		return Report{}, types.Errorf(types.ErrCodeNodeProbe, node.Name, "node has no address and is excluded from every peer's probe")
	}
	if len(peers) == 0 {
		return Report{}, nil
	}
	if agent == nil {
		return Report{}, types.Errorf(types.ErrCodeNodeProbe, node.Name, "no running probe agent on node")
	}
	target := k8s.Target{Namespace: agent.Namespace, Pod: agent.PodName, Container: agent.Container}

	defer p.cleanup(ctx, node, target)

	if err := k8s.CopyFile(ctx, p.exec, target, p.helperPath, RemoteHelperPath); err != nil {
		return Report{}, types.Wrap(types.ErrCodeNodeProbe, node.Name, "staging pingmany", err)
	}

	req := k8s.ExecRequest{Target: target, Command: append([]string{RemoteHelperPath}, peers...)}
	out, err := p.exec.Exec(ctx, req)
	if err != nil {
		return Report{}, &types.CheckError{
			Code:    types.ErrCodeNodeProbe,
			Target:  node.Name,
			Message: fmt.Sprintf("%s failed", req.CommandLine()),
			Detail:  out.Output(),
			Err:     err,
		}
	}
	if out.ExitCode != 0 {
		return Report{}, &types.CheckError{
			Code:    types.ErrCodeNodeProbe,
			Target:  node.Name,
			Message: fmt.Sprintf("%s returned with code %d", req.CommandLine(), out.ExitCode),
			Detail:  out.Output(),
		}
	}

	rep, err := ParseReport(out.Stdout, peers)
	if err != nil {
		var ce *types.CheckError
		if errors.As(err, &ce) {
			ce.Target = node.Name
			ce.Message = fmt.Sprintf("unexpected output of %s: %s", req.CommandLine(), ce.Message)
			ce.Detail = ce.Detail + "; output: " + out.Output()
		}
		return Report{}, err
	}
	return rep, nil
}

// cleanup removes the staged helper. It runs even when the run context is
// cancelled and only logs failures.
func (p *Prober) cleanup(ctx context.Context, node inventory.Node, target k8s.Target) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	res, err := p.exec.Exec(ctx, k8s.ExecRequest{Target: target, Command: []string{"rm", "-f", RemoteHelperPath}})
	if err != nil || res.ExitCode != 0 {
		slog.Debug("nodeprobe: helper cleanup failed", "node", node.Name, "pod", target.Pod, "exitCode", res.ExitCode, "error", err)
	}
}

func (p *Prober) record(ctx context.Context, res report.NodeResult, d time.Duration) {
	if p.meters == nil {
		return
	}
	kind := attribute.String("netcheck.target.kind", "node")
	p.meters.ProbeDuration.Record(ctx, d.Seconds(), telemetry.WithAttrs(kind))
	p.meters.TargetResults.Add(ctx, 1, telemetry.WithAttrs(kind, attribute.String("netcheck.status", string(res.Status))))
	if len(res.Reachable) > 0 {
		p.meters.PeerResults.Add(ctx, int64(len(res.Reachable)), telemetry.WithAttrs(attribute.Bool("netcheck.reachable", true)))
	}
	if len(res.Unreachable) > 0 {
		p.meters.PeerResults.Add(ctx, int64(len(res.Unreachable)), telemetry.WithAttrs(attribute.Bool("netcheck.reachable", false)))
	}
}
