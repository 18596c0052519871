// Package kube maps workbench sessions onto Kubernetes resources. A session
// is a dedicated namespace holding one pod, exposed through a NodePort
// service, an ExternalName service in the system namespace and an ingress
// rule on a per-session subdomain.
package kube

import (
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	apperrors "github.com/workbench-sh/workbench/pkg/errors"
)

// Config carries the cluster-level settings of the session layer.
type Config struct {
	// Host is the base domain; sessions are exposed at <id>.<Host>.
	Host string
	// SystemNamespace holds the shared ingress, the ExternalName services
	// and the template ConfigMap.
	SystemNamespace string
	// IngressName is the shared ingress patched with per-session rules.
	IngressName string
}

// SetDefaults fills the zero fields.
func (c *Config) SetDefaults() {
	if c.SystemNamespace == "" {
		c.SystemNamespace = "workbench-system"
	}
	if c.IngressName == "" {
		c.IngressName = "ingress"
	}
}

// Cluster is the Kubernetes-backed session store.
type Cluster struct {
	client kubernetes.Interface
	cfg    Config
}

// NewCluster wraps an existing clientset. Used directly by tests with a fake
// clientset.
func NewCluster(client kubernetes.Interface, cfg Config) *Cluster {
	cfg.SetDefaults()
	return &Cluster{client: client, cfg: cfg}
}

// Connect builds a Cluster from the in-cluster service account, falling back
// to the local kubeconfig when running outside a pod.
func Connect(cfg Config) (*Cluster, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			home, homeErr := os.UserHomeDir()
			if homeErr != nil {
				return nil, apperrors.New(apperrors.ErrCodeInternal, "failed to locate kubeconfig", homeErr)
			}
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrCodeInternal, "failed to load kubernetes configuration", err)
		}
	}

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInternal, "failed to create kubernetes client", err)
	}
	return NewCluster(client, cfg), nil
}

// Host returns the base domain sessions are exposed under.
func (c *Cluster) Host() string {
	return c.cfg.Host
}
