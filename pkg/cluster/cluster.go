package cluster

import (
	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client/config"
)

const (
	// StorageNamespace hosts the externally managed dataset pods and database
	// services the orchestrator discovers claims and endpoints from.
	StorageNamespace = "storage"

	// NFSServer is the cluster DNS name of the NFS export behind every PV this
	// service creates.
	NFSServer = "nfs.secd"

	// StorageClassNFS is the storage class of every PV/PVC this service touches.
	StorageClassNFS = "nfs"
)

// Client is a thin typed wrapper over the Kubernetes API, split by object
// kind. It carries no cache: the API server is the single source of truth for
// both the orchestrator and the reaper.
type Client struct {
	clientset kubernetes.Interface
	logger    logr.Logger
}

func NewClient(clientset kubernetes.Interface, logger logr.Logger) *Client {
	return &Client{
		clientset: clientset,
		logger:    logger.WithValues("component", "cluster"),
	}
}

// NewClientset builds a clientset from the given kubeconfig path, falling
// back to the ambient configuration (in-cluster service account or
// KUBECONFIG) when the path is empty.
func NewClientset(configPath string) (kubernetes.Interface, error) {
	var restConfig *rest.Config
	var err error
	if configPath != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", configPath)
	} else {
		restConfig, err = config.GetConfig()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to build kubernetes config")
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create kubernetes clientset")
	}

	return clientset, nil
}
