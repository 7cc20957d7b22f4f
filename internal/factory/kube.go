package factory

import (
	"fmt"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/eventwatch/eventwatch/internal/config"
)

// CreateKubeClient uses conf.Kubeconfig when set, the in-cluster config
// otherwise, and falls back to the default loading rules (KUBECONFIG, ~/.kube/config).
func CreateKubeClient(conf config.Kube) (kubernetes.Interface, error) {
	restConfig, err := createRestConfig(conf.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}

	ret, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	return ret, nil
}

func createRestConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		ret, err := rest.InClusterConfig()
		if err == nil {
			return ret, nil
		}
	}

	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	loadingRules.ExplicitPath = kubeconfig

	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
}
