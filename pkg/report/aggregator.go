package report

import (
	"sort"
	"sync"

	"github.com/isitobservable/netcheck/pkg/types"
)

// Aggregator collects per-target results from concurrent probes.
// All writes are serialized by its lock.
type Aggregator struct {
	mu            sync.Mutex
	nodes         map[string]NodeResult
	controlPlanes map[string]ControlPlaneResult
	phaseErrors   map[Phase]PhaseError
}

// NewAggregator returns an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		nodes:         make(map[string]NodeResult),
		controlPlanes: make(map[string]ControlPlaneResult),
		phaseErrors:   make(map[Phase]PhaseError),
	}
}

// AddNode records one node's result, replacing any earlier one for the node.
func (a *Aggregator) AddNode(r NodeResult) {
	r.Reachable = sortedCopy(r.Reachable)
	r.Unreachable = sortedCopy(r.Unreachable)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nodes[r.Name] = r
}

// AddControlPlane records one namespace's result.
func (a *Aggregator) AddControlPlane(r ControlPlaneResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.controlPlanes[r.Namespace] = r
}

// SetPhaseError marks a phase as failed before its targets could be probed.
func (a *Aggregator) SetPhaseError(phase Phase, err error) {
	if err == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.phaseErrors[phase] = PhaseError{Phase: phase, Code: types.CodeOf(err), Error: err.Error()}
}

// Result builds the RunResult from everything collected so far. The result
// does not share mutable state with the Aggregator.
func (a *Aggregator) Result() RunResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Build(a.nodes, a.controlPlanes, a.phaseErrors)
}

// Build computes the verdict: the AND over every executed target, with
// skipped targets excluded and any phase error failing the run.
func Build(nodes map[string]NodeResult, controlPlanes map[string]ControlPlaneResult, phaseErrors map[Phase]PhaseError) RunResult {
	res := RunResult{Success: true}

	if len(nodes) > 0 {
		res.Nodes = make(map[string]NodeResult, len(nodes))
		for name, n := range nodes {
			n.Reachable = sortedCopy(n.Reachable)
			n.Unreachable = sortedCopy(n.Unreachable)
			res.Nodes[name] = n
			if n.Status == StatusFailure {
				res.Success = false
			}
		}
	}

	if len(controlPlanes) > 0 {
		res.ControlPlanes = make(map[string]ControlPlaneResult, len(controlPlanes))
		for ns, cp := range controlPlanes {
			res.ControlPlanes[ns] = cp
			if !cp.Passed() {
				res.Success = false
			}
		}
	}

	for _, pe := range phaseErrors {
		res.PhaseErrors = append(res.PhaseErrors, pe)
		res.Success = false
	}
	sort.Slice(res.PhaseErrors, func(i, j int) bool { return res.PhaseErrors[i].Phase < res.PhaseErrors[j].Phase })

	return res
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
