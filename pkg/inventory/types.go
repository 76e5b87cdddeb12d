package inventory

import corev1 "k8s.io/api/core/v1"

// Node is a cluster host identified by name and primary IP.
type Node struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
}

// Container is one container status of a pod.
type Container struct {
	Name  string `json:"name"`
	ID    string `json:"id"`
	Image string `json:"image"`
}

// Pod is a read-only snapshot of a pod.
type Pod struct {
	Name       string            `json:"name"`
	Namespace  string            `json:"namespace"`
	NodeName   string            `json:"nodeName,omitempty"`
	HostIP     string            `json:"hostIP,omitempty"`
	PodIP      string            `json:"podIP,omitempty"`
	Phase      corev1.PodPhase   `json:"phase"`
	Labels     map[string]string `json:"labels,omitempty"`
	Containers []Container       `json:"containers,omitempty"`
}

// Running reports whether the pod phase is Running.
func (p Pod) Running() bool { return p.Phase == corev1.PodRunning }

// Namespace is a cluster namespace.
type Namespace struct {
	Name string `json:"name"`
}
