package inventory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	clientgotesting "k8s.io/client-go/testing"

	"github.com/isitobservable/netcheck/pkg/types"
)

func node(name string, addrs ...corev1.NodeAddress) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status:     corev1.NodeStatus{Addresses: addrs},
	}
}

func TestListNodes_AddressSelection(t *testing.T) {
	clientset := fake.NewClientset(
		node("internal-second",
			corev1.NodeAddress{Type: corev1.NodeHostName, Address: "host-a"},
			corev1.NodeAddress{Type: corev1.NodeInternalIP, Address: "10.0.0.1"},
		),
		node("external-only", corev1.NodeAddress{Type: corev1.NodeExternalIP, Address: "34.1.1.1"}),
		node("no-address"),
	)

	nodes, err := NewCollector(clientset).ListNodes(context.Background())
	require.NoError(t, err)

	byName := map[string]string{}
	for _, n := range nodes {
		byName[n.Name] = n.IP
	}
	assert.Equal(t, "10.0.0.1", byName["internal-second"])
	assert.Equal(t, "34.1.1.1", byName["external-only"])
	assert.Equal(t, "", byName["no-address"])
}

func TestListPods_ContainerStatusesAndLabels(t *testing.T) {
	clientset := fake.NewClientset(
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "kube-apiserver-7d9", Namespace: "shoot--p--a", Labels: map[string]string{"app": "kubernetes"}},
			Spec:       corev1.PodSpec{NodeName: "node-a"},
			Status: corev1.PodStatus{
				Phase:  corev1.PodRunning,
				HostIP: "10.0.0.1",
				PodIP:  "100.96.0.5",
				ContainerStatuses: []corev1.ContainerStatus{
					{Name: "kube-apiserver", ContainerID: "containerd://abc", Image: "registry.k8s.io/kube-apiserver:v1.30.0"},
				},
			},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "other", Namespace: "default", Labels: map[string]string{"app": "other"}},
		},
	)

	pods, err := NewCollector(clientset).ListPods(context.Background(), "", "app=kubernetes")
	require.NoError(t, err)
	require.Len(t, pods, 1)

	p := pods[0]
	assert.Equal(t, "kube-apiserver-7d9", p.Name)
	assert.Equal(t, "node-a", p.NodeName)
	assert.Equal(t, "10.0.0.1", p.HostIP)
	assert.Equal(t, "100.96.0.5", p.PodIP)
	assert.True(t, p.Running())
	require.Len(t, p.Containers, 1)
	assert.Equal(t, Container{Name: "kube-apiserver", ID: "containerd://abc", Image: "registry.k8s.io/kube-apiserver:v1.30.0"}, p.Containers[0])
}

func TestCollect_BuildsIndexes(t *testing.T) {
	clientset := fake.NewClientset(
		node("node-a", corev1.NodeAddress{Type: corev1.NodeInternalIP, Address: "10.0.0.1"}),
		node("node-b", corev1.NodeAddress{Type: corev1.NodeInternalIP, Address: "10.0.0.2"}),
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "shoot--b"}},
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "kube-system"}},
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "shoot--a"}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "etcd-main-0", Namespace: "shoot--a"}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "kube-apiserver-1", Namespace: "shoot--a"}},
	)

	snap, err := NewCollector(clientset).Collect(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []Node{{Name: "node-a", IP: "10.0.0.1"}, {Name: "node-b", IP: "10.0.0.2"}}, snap.Nodes)
	assert.Len(t, snap.PodsByNamespace["shoot--a"], 2)
	assert.Equal(t, []string{"shoot--a", "shoot--b"}, snap.ControlPlaneNamespaces("shoot--"))
	assert.True(t, snap.HasNamespace("kube-system"))
	assert.False(t, snap.HasNamespace("shoot--c"))
}

func TestCollect_ClusterAccessError(t *testing.T) {
	for _, resource := range []string{"nodes", "namespaces", "pods"} {
		t.Run(resource, func(t *testing.T) {
			clientset := fake.NewClientset()
			clientset.PrependReactor("list", resource, func(action clientgotesting.Action) (bool, runtime.Object, error) {
				return true, nil, assert.AnError
			})

			_, err := NewCollector(clientset).Collect(context.Background())
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrCodeClusterAccess))
			assert.ErrorIs(t, err, assert.AnError)
		})
	}
}

func TestNewSnapshot_GroupsPodsByNamespace(t *testing.T) {
	snap := NewSnapshot(nil, nil, []Pod{
		{Name: "etcd-main-0", Namespace: "shoot--a"},
		{Name: "kube-apiserver-1", Namespace: "shoot--a"},
		{Name: "etcd-main-0", Namespace: "shoot--b"},
	})
	assert.Len(t, snap.PodsByNamespace["shoot--a"], 2)
	assert.Len(t, snap.PodsByNamespace["shoot--b"], 1)
	assert.Empty(t, snap.PodsByNamespace["kube-system"])
}
