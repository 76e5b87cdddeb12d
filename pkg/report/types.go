package report

import "github.com/isitobservable/netcheck/pkg/types"

// Status is the outcome of one target.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusSkipped Status = "skipped"
)

// Phase names a test scope.
type Phase string

const (
	PhaseNodes         Phase = "nodes"
	PhaseControlPlanes Phase = "control-planes"
)

// NodeResult is the directional reachability outcome of one node's probe.
type NodeResult struct {
	Name        string   `json:"name"`
	IP          string   `json:"ip"`
	Status      Status   `json:"status"`
	Reachable   []string `json:"reachable"`
	Unreachable []string `json:"unreachable"`
	// ErrorCode classifies Error, e.g. NODE_PROBE or PARSE.
	ErrorCode string `json:"errorCode,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ControlPlaneResult is the API-server to etcd outcome of one namespace.
type ControlPlaneResult struct {
	Namespace string `json:"namespace"`
	Status    Status `json:"status"`
	APIServer string `json:"apiServer,omitempty"`
	Etcd      string `json:"etcd,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Passed reports whether the namespace counts as passing (skips do).
func (r ControlPlaneResult) Passed() bool { return r.Status != StatusFailure }

// PhaseError is a failure that prevented a whole phase from running.
type PhaseError struct {
	Phase Phase  `json:"phase"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

// RunResult is the immutable outcome of one run.
type RunResult struct {
	Nodes         map[string]NodeResult         `json:"nodes,omitempty"`
	ControlPlanes map[string]ControlPlaneResult `json:"controlPlanes,omitempty"`
	PhaseErrors   []PhaseError                  `json:"phaseErrors,omitempty"`
	Success       bool                          `json:"success"`
	Metadata      types.RunMetadata             `json:"metadata"`
}

// ExitCode maps the verdict onto the process exit status.
func (r RunResult) ExitCode() int {
	if r.Success {
		return 0
	}
	return 1
}
