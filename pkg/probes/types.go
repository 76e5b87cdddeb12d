package probes

import "time"

// State is a step of the agent lifecycle.
type State int

const (
	StateNotDeployed State = iota
	StateDeploying
	StateWaitingReady
	StateReady
	StateTearingDown
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateNotDeployed:
		return "NotDeployed"
	case StateDeploying:
		return "Deploying"
	case StateWaitingReady:
		return "WaitingReady"
	case StateReady:
		return "Ready"
	case StateTearingDown:
		return "TearingDown"
	case StateRemoved:
		return "Removed"
	}
	return "Unknown"
}

// Agent is one running probe agent pod, bound to the node hosting it.
type Agent struct {
	NodeName  string `json:"nodeName"`
	PodName   string `json:"podName"`
	Namespace string `json:"namespace"`
	Container string `json:"container"`
	HostIP    string `json:"hostIP"`
}

// Options configures the agent DaemonSet and readiness polling.
type Options struct {
	Namespace    string
	Name         string
	Image        string
	StaleAfter   time.Duration
	PollInterval time.Duration
	MaxAttempts  int
}

const (
	// LabelManagedBy is the label key identifying objects managed by the verifier.
	LabelManagedBy = "app.kubernetes.io/managed-by"
	// LabelManagedByValue is the label value for agent objects.
	LabelManagedByValue = "netcheck"
	// LabelApp selects agent pods.
	LabelApp = "k8s-app"
	// AnnotationCreatedAt records the DaemonSet creation timestamp for stale detection.
	AnnotationCreatedAt = "netcheck/created-at"
	// AnnotationRunID ties the DaemonSet to the run that created it.
	AnnotationRunID = "netcheck/run-id"

	// AgentContainer is the container name in the embedded manifest.
	AgentContainer = "agent"

	teardownTimeout = 10 * time.Second
)
