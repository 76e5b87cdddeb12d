package probes

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/isitobservable/netcheck/pkg/types"
)

// Manager handles the lifecycle of the per-node probe agent DaemonSet.
// One Manager serves one run.
type Manager struct {
	clientset kubernetes.Interface
	opts      Options
	runID     string
	now       func() time.Time

	mu        sync.Mutex
	state     State
	teardowns int
	uid       string
}

// NewManager creates a Manager with a fresh run ID.
func NewManager(clientset kubernetes.Interface, opts Options) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 20
	}
	return &Manager{
		clientset: clientset,
		opts:      opts,
		runID:     uuid.NewString(),
		now:       time.Now,
	}
}

// RunID identifies the run owning the DaemonSet.
func (m *Manager) RunID() string { return m.runID }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Teardowns counts how many times teardown ran.
func (m *Manager) Teardowns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teardowns
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slog.Debug("agent: state change", "from", m.state.String(), "to", s.String(), "run", m.runID)
	m.state = s
}

// Deploy submits the agent DaemonSet. A live DaemonSet from another run is a
// DeploymentError and leaves the state at NotDeployed so teardown never
// touches the other run's objects.
func (m *Manager) Deploy(ctx context.Context) error {
	if err := m.clearStale(ctx); err != nil {
		return err
	}

	ds, err := buildDaemonSet(m.opts, m.runID, m.now())
	if err != nil {
		return types.Wrap(types.ErrCodeDeployment, m.opts.Name, "building agent definition", err)
	}

	m.setState(StateDeploying)
	created, err := m.clientset.AppsV1().DaemonSets(m.opts.Namespace).Create(ctx, ds, metav1.CreateOptions{})
	if err != nil {
		if k8serrors.IsAlreadyExists(err) {
			m.setState(StateNotDeployed)
			return types.Wrap(types.ErrCodeDeployment, m.target(), "agent DaemonSet created concurrently by another run", err)
		}
		return types.Wrap(types.ErrCodeDeployment, m.target(), "agent DaemonSet rejected", err)
	}

	m.mu.Lock()
	m.uid = string(created.UID)
	m.mu.Unlock()

	slog.Info("agent: deployed DaemonSet", "daemonset", m.target(), "run", m.runID, "image", ds.Spec.Template.Spec.Containers[0].Image)
	return nil
}

// AwaitReady polls agent pods until expected of them are Running or
// maxAttempts polls have been made. The first poll happens immediately.
// On failure the agents seen running at the last successful poll are
// returned with the error.
func (m *Manager) AwaitReady(ctx context.Context, expected int, interval time.Duration, maxAttempts int) ([]Agent, error) {
	m.setState(StateWaitingReady)

	running := 0
	var last []Agent
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		agents, err := m.runningAgents(ctx)
		if err != nil {
			slog.Debug("agent: readiness poll failed", "attempt", attempt, "error", err)
		} else {
			last = agents
			running = len(agents)
			slog.Debug("agent: readiness poll", "attempt", attempt, "running", running, "expected", expected)
			if running == expected {
				m.setState(StateReady)
				slog.Info("agent: all agents running", "count", running, "attempts", attempt)
				return agents, nil
			}
		}

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return last, types.Wrap(types.ErrCodeReadyTimeout, m.target(),
				fmt.Sprintf("readiness wait cancelled with %d/%d agents running", running, expected), ctx.Err())
		case <-time.After(interval):
		}
	}

	return last, types.Errorf(types.ErrCodeReadyTimeout, m.target(),
		"%d/%d agents running after %d attempts", running, expected, maxAttempts)
}

// runningAgents lists the agent pods in phase Running.
func (m *Manager) runningAgents(ctx context.Context) ([]Agent, error) {
	pods, err := m.clientset.CoreV1().Pods(m.opts.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: LabelApp + "=" + m.opts.Name,
	})
	if err != nil {
		return nil, err
	}

	agents := make([]Agent, 0, len(pods.Items))
	for _, pod := range pods.Items {
		if pod.Status.Phase != corev1.PodRunning || pod.DeletionTimestamp != nil {
			continue
		}
		agents = append(agents, Agent{
			NodeName:  pod.Spec.NodeName,
			PodName:   pod.Name,
			Namespace: pod.Namespace,
			Container: AgentContainer,
			HostIP:    pod.Status.HostIP,
		})
	}
	return agents, nil
}

// Teardown removes the DaemonSet. It runs at most once, does nothing if
// deployment never started, and only logs failures. It uses its own context
// so it still runs after the run context is cancelled.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.state == StateNotDeployed || m.state == StateTearingDown || m.state == StateRemoved {
		m.mu.Unlock()
		return
	}
	m.state = StateTearingDown
	m.teardowns++
	uid := m.uid
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	policy := metav1.DeletePropagationForeground
	opts := metav1.DeleteOptions{PropagationPolicy: &policy}
	if uid != "" {
		opts.Preconditions = metav1.NewUIDPreconditions(uid)
	}

	err := m.clientset.AppsV1().DaemonSets(m.opts.Namespace).Delete(ctx, m.opts.Name, opts)
	switch {
	case err == nil:
		slog.Info("agent: removed DaemonSet", "daemonset", m.target(), "run", m.runID)
	case k8serrors.IsNotFound(err):
		slog.Debug("agent: DaemonSet already gone", "daemonset", m.target())
	default:
		slog.Warn("agent: failed to delete DaemonSet", "daemonset", m.target(), "run", m.runID, "error", err)
	}

	m.setState(StateRemoved)
}

func (m *Manager) target() string {
	return m.opts.Namespace + "/" + m.opts.Name
}

// Lease is a scoped acquisition of the agents. Release must be deferred as
// soon as the Lease is obtained; it is safe on every path.
type Lease struct {
	// Agents are the running agents; partial when Err is a ReadyError.
	Agents []Agent
	// Err is the DeploymentError or ReadyError that prevented readiness.
	Err     error
	manager *Manager
}

// Acquire deploys the agents and waits for one per node. It always returns
// a Lease; a failure is reported in Lease.Err.
func (m *Manager) Acquire(ctx context.Context, expected int) *Lease {
	lease := &Lease{manager: m}
	if err := m.Deploy(ctx); err != nil {
		lease.Err = err
		return lease
	}
	lease.Agents, lease.Err = m.AwaitReady(ctx, expected, m.opts.PollInterval, m.opts.MaxAttempts)
	return lease
}

// Ready reports whether every expected agent came up.
func (l *Lease) Ready() bool { return l.Err == nil }

// Release tears the agents down.
func (l *Lease) Release() {
	if l == nil || l.manager == nil {
		return
	}
	l.manager.Teardown()
}
