package inventory

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/isitobservable/netcheck/pkg/types"
)

// Collector reads nodes, pods and namespaces from the cluster API.
// It never retries: a failed read is a ClusterAccessError.
type Collector struct {
	clientset kubernetes.Interface
}

// NewCollector creates a Collector on the given clientset.
func NewCollector(clientset kubernetes.Interface) *Collector {
	return &Collector{clientset: clientset}
}

// ListNodes returns every node with its primary address.
func (c *Collector) ListNodes(ctx context.Context) ([]Node, error) {
	list, err := c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, types.Wrap(types.ErrCodeClusterAccess, "nodes", "listing nodes", err)
	}

	nodes := make([]Node, 0, len(list.Items))
	for i := range list.Items {
		n := &list.Items[i]
		ip := nodeIP(n)
		if ip == "" {
			slog.Warn("inventory: node has no address", "node", n.Name)
		}
		nodes = append(nodes, Node{Name: n.Name, IP: ip})
	}
	return nodes, nil
}

// nodeIP prefers the InternalIP address and falls back to the first address.
func nodeIP(n *corev1.Node) string {
	for _, addr := range n.Status.Addresses {
		if addr.Type == corev1.NodeInternalIP && addr.Address != "" {
			return addr.Address
		}
	}
	if len(n.Status.Addresses) > 0 {
		return n.Status.Addresses[0].Address
	}
	return ""
}

// ListPods returns pods across all namespaces matching the optional selectors.
func (c *Collector) ListPods(ctx context.Context, fieldSelector, labelSelector string) ([]Pod, error) {
	list, err := c.clientset.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: fieldSelector,
		LabelSelector: labelSelector,
	})
	if err != nil {
		return nil, types.Wrap(types.ErrCodeClusterAccess, "pods", "listing pods", err)
	}

	pods := make([]Pod, 0, len(list.Items))
	for i := range list.Items {
		pods = append(pods, FromPod(&list.Items[i]))
	}
	return pods, nil
}

// FromPod converts an API pod into a snapshot Pod.
func FromPod(p *corev1.Pod) Pod {
	pod := Pod{
		Name:      p.Name,
		Namespace: p.Namespace,
		NodeName:  p.Spec.NodeName,
		HostIP:    p.Status.HostIP,
		PodIP:     p.Status.PodIP,
		Phase:     p.Status.Phase,
		Labels:    p.Labels,
	}
	for _, cs := range p.Status.ContainerStatuses {
		pod.Containers = append(pod.Containers, Container{
			Name:  cs.Name,
			ID:    cs.ContainerID,
			Image: cs.Image,
		})
	}
	return pod
}

// ListNamespaces returns every namespace.
func (c *Collector) ListNamespaces(ctx context.Context) ([]Namespace, error) {
	list, err := c.clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, types.Wrap(types.ErrCodeClusterAccess, "namespaces", "listing namespaces", err)
	}

	namespaces := make([]Namespace, 0, len(list.Items))
	for _, ns := range list.Items {
		namespaces = append(namespaces, Namespace{Name: ns.Name})
	}
	return namespaces, nil
}

// Snapshot is the single authoritative view of the cluster for one run.
type Snapshot struct {
	Nodes      []Node
	Namespaces []Namespace
	Pods       []Pod

	PodsByNamespace map[string][]Pod
}

// Collect takes one snapshot of nodes, namespaces and pods.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	nodes, err := c.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	namespaces, err := c.ListNamespaces(ctx)
	if err != nil {
		return nil, err
	}
	pods, err := c.ListPods(ctx, "", "")
	if err != nil {
		return nil, err
	}

	snap := NewSnapshot(nodes, namespaces, pods)
	slog.Info("inventory: collected snapshot", "nodes", len(nodes), "namespaces", len(namespaces), "pods", len(pods))
	return snap, nil
}

// NewSnapshot indexes the given objects.
func NewSnapshot(nodes []Node, namespaces []Namespace, pods []Pod) *Snapshot {
	s := &Snapshot{
		Nodes:           nodes,
		Namespaces:      namespaces,
		Pods:            pods,
		PodsByNamespace: make(map[string][]Pod),
	}
	for _, p := range pods {
		s.PodsByNamespace[p.Namespace] = append(s.PodsByNamespace[p.Namespace], p)
	}
	return s
}

// ControlPlaneNamespaces returns the sorted names of namespaces with prefix.
func (s *Snapshot) ControlPlaneNamespaces(prefix string) []string {
	var out []string
	for _, ns := range s.Namespaces {
		if strings.HasPrefix(ns.Name, prefix) {
			out = append(out, ns.Name)
		}
	}
	sort.Strings(out)
	return out
}

// HasNamespace reports whether name exists in the snapshot.
func (s *Snapshot) HasNamespace(name string) bool {
	for _, ns := range s.Namespaces {
		if ns.Name == name {
			return true
		}
	}
	return false
}
