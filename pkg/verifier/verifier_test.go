package verifier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	clientgotesting "k8s.io/client-go/testing"

	"github.com/isitobservable/netcheck/pkg/controlplane"
	"github.com/isitobservable/netcheck/pkg/inventory"
	"github.com/isitobservable/netcheck/pkg/k8s"
	"github.com/isitobservable/netcheck/pkg/k8s/fakeexec"
	"github.com/isitobservable/netcheck/pkg/nodeprobe"
	"github.com/isitobservable/netcheck/pkg/probes"
	"github.com/isitobservable/netcheck/pkg/report"
	"github.com/isitobservable/netcheck/pkg/types"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	helper := filepath.Join(t.TempDir(), "pingmany")
	require.NoError(t, os.WriteFile(helper, []byte("#!/bin/sh\n"), 0o755))
	return Options{
		Agent: probes.Options{
			Namespace:    "kube-system",
			Name:         "network-test",
			Image:        "example.com/agent:1",
			StaleAfter:   10 * time.Minute,
			PollInterval: time.Millisecond,
			MaxAttempts:  3,
		},
		ControlPlane: controlplane.Options{
			APIServerPrefix: "kube-apiserver",
			EtcdPodPrefix:   "etcd-main-0",
			ImageMarker:     "kube-apiserver",
			EtcdPort:        2379,
			Concurrency:     4,
		},
		ControlPlanePrefix: "shoot--",
		PingmanyPath:       helper,
		Concurrency:        4,
		RunTimeout:         time.Minute,
	}
}

func nodeObj(name, ip string) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status:     corev1.NodeStatus{Addresses: []corev1.NodeAddress{{Type: corev1.NodeInternalIP, Address: ip}}},
	}
}

func nsObj(name string) *corev1.Namespace {
	return &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
}

func agentObj(node, ip string, phase corev1.PodPhase) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "network-test-" + node,
			Namespace: "kube-system",
			Labels:    map[string]string{probes.LabelApp: "network-test"},
		},
		Spec:   corev1.PodSpec{NodeName: node},
		Status: corev1.PodStatus{Phase: phase, HostIP: ip},
	}
}

func apiServerObj(ns, hostIP string, phase corev1.PodPhase) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "kube-apiserver-5b7d", Namespace: ns},
		Status: corev1.PodStatus{
			Phase:  phase,
			HostIP: hostIP,
			ContainerStatuses: []corev1.ContainerStatus{
				{Name: "kube-apiserver", ContainerID: "containerd://" + ns, Image: "kube-apiserver:v1.30"},
			},
		},
	}
}

func etcdObj(ns, ip string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "etcd-main-0", Namespace: ns},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning, PodIP: ip},
	}
}

// cluster is three nodes with agents and three healthy control planes.
func cluster(mutate ...func([]runtime.Object) []runtime.Object) *fake.Clientset {
	objs := []runtime.Object{
		nodeObj("a", "10.0.0.1"), nodeObj("b", "10.0.0.2"), nodeObj("c", "10.0.0.3"),
		nsObj("kube-system"), nsObj("shoot--p--one"), nsObj("shoot--p--two"), nsObj("shoot--p--three"),
		agentObj("a", "10.0.0.1", corev1.PodRunning),
		agentObj("b", "10.0.0.2", corev1.PodRunning),
		agentObj("c", "10.0.0.3", corev1.PodRunning),
		apiServerObj("shoot--p--one", "10.0.0.1", corev1.PodRunning), etcdObj("shoot--p--one", "100.96.0.1"),
		apiServerObj("shoot--p--two", "10.0.0.2", corev1.PodRunning), etcdObj("shoot--p--two", "100.96.0.2"),
		apiServerObj("shoot--p--three", "10.0.0.3", corev1.PodRunning), etcdObj("shoot--p--three", "100.96.0.3"),
	}
	for _, m := range mutate {
		objs = m(objs)
	}
	return fake.NewClientset(objs...)
}

func replace(name string, obj runtime.Object) func([]runtime.Object) []runtime.Object {
	return func(objs []runtime.Object) []runtime.Object {
		for i, o := range objs {
			if m, ok := o.(metav1.Object); ok && m.GetName() == name && sameNamespace(o, obj) {
				if obj == nil {
					return append(objs[:i], objs[i+1:]...)
				}
				objs[i] = obj
				return objs
			}
		}
		return objs
	}
}

func sameNamespace(a, b runtime.Object) bool {
	if b == nil {
		return true
	}
	return a.(metav1.Object).GetNamespace() == b.(metav1.Object).GetNamespace()
}

// healthyExec answers like a cluster where every path works.
func healthyExec() *fakeexec.Executor {
	return fakeexec.New(func(call fakeexec.Call) (k8s.CommandResult, error) {
		switch call.Command[0] {
		case nodeprobe.RemoteHelperPath:
			var b strings.Builder
			for _, ip := range call.Command[1:] {
				fmt.Fprintf(&b, "--- %s ping statistics ---\n1 packets transmitted, 1 received, 0%% packet loss\n", ip)
			}
			return k8s.CommandResult{Stdout: b.String()}, nil
		case "chroot":
			return k8s.CommandResult{Stdout: `{"info": {"pid": 321}}`}, nil
		}
		return k8s.CommandResult{}, nil
	})
}

func deletes(clientset *fake.Clientset) int {
	n := 0
	for _, a := range clientset.Actions() {
		if a.GetVerb() == "delete" && a.GetResource().Resource == "daemonsets" {
			n++
		}
	}
	return n
}

func assertTornDown(t *testing.T, clientset *fake.Clientset) {
	t.Helper()
	_, err := clientset.AppsV1().DaemonSets("kube-system").Get(context.Background(), "network-test", metav1.GetOptions{})
	assert.True(t, k8serrors.IsNotFound(err), "agent DaemonSet left behind")
	assert.Equal(t, 1, deletes(clientset))
}

func TestRun_AllPassing(t *testing.T) {
	clientset := cluster()
	ex := healthyExec()

	res, err := NewRunner(clientset, ex, testOptions(t), nil).Run(context.Background(), Scope{Nodes: true, ControlPlanes: true})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode())
	assert.NotEmpty(t, res.Metadata.RunID)
	assert.False(t, res.Metadata.FinishedAt.Before(res.Metadata.StartedAt))
	require.Len(t, res.Nodes, 3)
	for name, n := range res.Nodes {
		assert.Equal(t, report.StatusSuccess, n.Status, name)
		assert.Len(t, n.Reachable, 2, name)
	}
	require.Len(t, res.ControlPlanes, 3)
	for ns, cp := range res.ControlPlanes {
		assert.Equal(t, report.StatusSuccess, cp.Status, "%s: %s", ns, cp.Detail)
	}
	assertTornDown(t, clientset)

	// The control plane on node b is probed through b's agent.
	var nsenter []fakeexec.Call
	for _, c := range ex.CallsTo("network-test-b") {
		if c.Command[0] == "nsenter" {
			nsenter = append(nsenter, c)
		}
	}
	require.Len(t, nsenter, 1)
	assert.Equal(t, "nsenter -t 321 -n -- nc -vz -w 2 100.96.0.2 2379", nsenter[0].Line())
}

func TestRun_PendingAPIServerIsSkipped(t *testing.T) {
	clientset := cluster(replace("kube-apiserver-5b7d", apiServerObj("shoot--p--two", "10.0.0.2", corev1.PodPending)))

	res, err := NewRunner(clientset, healthyExec(), testOptions(t), nil).Run(context.Background(), Scope{ControlPlanes: true})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Empty(t, res.Nodes)
	assert.Equal(t, report.StatusSkipped, res.ControlPlanes["shoot--p--two"].Status)
	assert.Equal(t, report.StatusSuccess, res.ControlPlanes["shoot--p--one"].Status)
}

func TestRun_MissingEtcdIsSkipped(t *testing.T) {
	clientset := cluster(replace("etcd-main-0", nil))

	res, err := NewRunner(clientset, healthyExec(), testOptions(t), nil).Run(context.Background(), Scope{ControlPlanes: true})
	require.NoError(t, err)

	skippedCount := 0
	for _, cp := range res.ControlPlanes {
		if cp.Status == report.StatusSkipped {
			skippedCount++
			assert.Equal(t, types.ErrCodeControlPlaneResolution, cp.ErrorCode)
		}
	}
	assert.Equal(t, 1, skippedCount)
	assert.True(t, res.Success)
}

func TestRun_ReadyTimeout(t *testing.T) {
	clientset := cluster(replace("network-test-c", agentObj("c", "10.0.0.3", corev1.PodPending)))
	ex := healthyExec()

	res, err := NewRunner(clientset, ex, testOptions(t), nil).Run(context.Background(), Scope{Nodes: true, ControlPlanes: true})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.ExitCode())
	assert.Empty(t, res.Nodes)
	require.Len(t, res.PhaseErrors, 1)
	assert.Equal(t, report.PhaseNodes, res.PhaseErrors[0].Phase)
	assert.Equal(t, types.ErrCodeReadyTimeout, res.PhaseErrors[0].Code)

	// Control planes on hosts with a running agent are still checked.
	assert.Equal(t, report.StatusSuccess, res.ControlPlanes["shoot--p--one"].Status)
	assert.Equal(t, report.StatusFailure, res.ControlPlanes["shoot--p--three"].Status)
	assert.Contains(t, res.ControlPlanes["shoot--p--three"].Detail, "no running probe agent on host 10.0.0.3")

	for _, c := range ex.Calls() {
		assert.NotEqual(t, nodeprobe.RemoteHelperPath, c.Command[0], "node probe must not run")
	}
	assertTornDown(t, clientset)
}

func TestRun_ControlPlanesOnlyReportsDeployFailure(t *testing.T) {
	clientset := cluster()
	clientset.PrependReactor("create", "daemonsets", func(action clientgotesting.Action) (bool, runtime.Object, error) {
		return true, nil, context.DeadlineExceeded
	})

	res, err := NewRunner(clientset, healthyExec(), testOptions(t), nil).Run(context.Background(), Scope{ControlPlanes: true})
	require.NoError(t, err)

	assert.False(t, res.Success)
	require.Len(t, res.PhaseErrors, 1)
	assert.Equal(t, report.PhaseControlPlanes, res.PhaseErrors[0].Phase)
	assert.Equal(t, types.ErrCodeDeployment, res.PhaseErrors[0].Code)
	assert.Contains(t, res.PhaseErrors[0].Error, "agent DaemonSet rejected")
}

func TestRun_CancelledStillTearsDown(t *testing.T) {
	clientset := cluster()
	ctx, cancel := context.WithCancel(context.Background())
	ex := fakeexec.New(func(call fakeexec.Call) (k8s.CommandResult, error) {
		cancel()
		return k8s.CommandResult{}, context.Canceled
	})

	res, err := NewRunner(clientset, ex, testOptions(t), nil).Run(ctx, Scope{Nodes: true})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assertTornDown(t, clientset)
}

func TestRun_FatalErrors(t *testing.T) {
	tests := []struct {
		name      string
		clientset func() *fake.Clientset
		opts      func(o *Options)
		scope     Scope
		code      string
	}{
		{
			name:      "empty scope",
			clientset: func() *fake.Clientset { return cluster() },
			scope:     Scope{},
			code:      types.ErrCodeInvalidInput,
		},
		{
			name:      "seed without control planes",
			clientset: func() *fake.Clientset { return cluster() },
			scope:     Scope{Nodes: true, Seeds: []string{"shoot--p--one"}},
			code:      types.ErrCodeInvalidInput,
		},
		{
			name:      "unknown seed",
			clientset: func() *fake.Clientset { return cluster() },
			scope:     Scope{ControlPlanes: true, Seeds: []string{"shoot--nope"}},
			code:      types.ErrCodeInvalidInput,
		},
		{
			name:      "seed is not a control plane",
			clientset: func() *fake.Clientset { return cluster() },
			scope:     Scope{ControlPlanes: true, Seeds: []string{"kube-system"}},
			code:      types.ErrCodeInvalidInput,
		},
		{
			name:      "no control planes",
			clientset: func() *fake.Clientset { return fake.NewClientset(nodeObj("a", "10.0.0.1"), nsObj("default")) },
			scope:     Scope{ControlPlanes: true},
			code:      types.ErrCodeInvalidInput,
		},
		{
			name:      "missing pingmany",
			clientset: func() *fake.Clientset { return cluster() },
			opts:      func(o *Options) { o.PingmanyPath = "/does/not/exist/pingmany" },
			scope:     Scope{Nodes: true},
			code:      types.ErrCodeMissingArtifact,
		},
		{
			name: "cluster unreachable",
			clientset: func() *fake.Clientset {
				c := fake.NewClientset()
				c.PrependReactor("list", "nodes", func(action clientgotesting.Action) (bool, runtime.Object, error) {
					return true, nil, assert.AnError
				})
				return c
			},
			scope: Scope{Nodes: true},
			code:  types.ErrCodeClusterAccess,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions(t)
			if tt.opts != nil {
				tt.opts(&opts)
			}
			clientset := tt.clientset()

			_, err := NewRunner(clientset, healthyExec(), opts, nil).Run(context.Background(), tt.scope)
			require.Error(t, err)
			assert.True(t, types.IsCode(err, tt.code), err.Error())
			assert.True(t, types.IsFatal(err))
			assert.Zero(t, deletes(clientset), "nothing was deployed")
		})
	}
}

func TestSelectControlPlanes_NamesNonControlPlaneSeed(t *testing.T) {
	snap := inventory.NewSnapshot(nil, []inventory.Namespace{{Name: "kube-system"}, {Name: "shoot--a"}}, nil)

	_, err := selectControlPlanes(snap, "shoot--", []string{"kube-system"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a control plane")

	_, err = selectControlPlanes(snap, "shoot--", []string{"shoot--gone"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown control plane")
}

func TestRun_SeedsRestrictControlPlanes(t *testing.T) {
	res, err := NewRunner(cluster(), healthyExec(), testOptions(t), nil).Run(context.Background(),
		Scope{ControlPlanes: true, Seeds: []string{"shoot--p--two", "shoot--p--two"}})
	require.NoError(t, err)
	require.Len(t, res.ControlPlanes, 1)
	assert.Contains(t, res.ControlPlanes, "shoot--p--two")
}
