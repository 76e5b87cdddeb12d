package k8s

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/isitobservable/netcheck/pkg/types"
)

const defaultExecTimeout = 60 * time.Second

// Clients is the cluster-access context for one run. It is built once and
// passed to every component; nothing needs closing beyond idle connections.
type Clients struct {
	Clientset kubernetes.Interface
	// Config is the unwrapped REST config; exec streams use it directly so the
	// SPDY upgrade is not intercepted by the tracing transport.
	Config      *rest.Config
	ExecTimeout time.Duration
}

// ClientOption configures Clients.
type ClientOption func(*Clients)

// WithExecTimeout bounds every remote command.
func WithExecTimeout(d time.Duration) ClientOption {
	return func(c *Clients) {
		if d > 0 {
			c.ExecTimeout = d
		}
	}
}

// NewClients builds the clientset from the kubeconfig at path.
func NewClients(kubeconfigPath string, opts ...ClientOption) (*Clients, error) {
	if err := CheckKubeconfig(kubeconfigPath); err != nil {
		return nil, err
	}

	cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	if err != nil {
		return nil, types.Wrap(types.ErrCodeClusterAccess, kubeconfigPath, "loading kubeconfig", err)
	}

	apiCfg := rest.CopyConfig(cfg)
	apiCfg.Wrap(func(rt http.RoundTripper) http.RoundTripper {
		return otelhttp.NewTransport(rt)
	})

	clientset, err := kubernetes.NewForConfig(apiCfg)
	if err != nil {
		return nil, types.Wrap(types.ErrCodeClusterAccess, kubeconfigPath, "creating clientset", err)
	}

	c := &Clients{
		Clientset:   clientset,
		Config:      cfg,
		ExecTimeout: defaultExecTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CheckKubeconfig verifies that path names a readable regular file.
func CheckKubeconfig(path string) error {
	if path == "" {
		return types.Errorf(types.ErrCodeClusterAccess, "", "no KUBECONFIG set")
	}
	info, err := os.Stat(path)
	if err != nil {
		return types.Wrap(types.ErrCodeClusterAccess, path, "referenced KUBECONFIG file is not accessible", err)
	}
	if !info.Mode().IsRegular() {
		return types.Errorf(types.ErrCodeClusterAccess, path, "referenced KUBECONFIG is not a regular file")
	}
	f, err := os.Open(path)
	if err != nil {
		return types.Wrap(types.ErrCodeClusterAccess, path, "referenced KUBECONFIG file is not readable", err)
	}
	_ = f.Close()
	return nil
}

// String identifies the API server for logs.
func (c *Clients) String() string {
	if c == nil || c.Config == nil {
		return "<nil>"
	}
	return fmt.Sprintf("kube-apiserver %s", c.Config.Host)
}
