package kube

import (
	"errors"
	"fmt"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// SourceKind names where credentials come from.
type SourceKind string

const (
	// SourceExplicit is a kubeconfig path given on the command line or in
	// the environment.
	SourceExplicit SourceKind = "kubeconfig"

	// SourceInCluster is the pod's service account.
	SourceInCluster SourceKind = "in-cluster"

	// SourceDefault is clientcmd's default discovery (~/.kube/config).
	SourceDefault SourceKind = "default"
)

// Source is a fixed credential source. It is chosen once at startup and
// every refresh re-reads the same source.
type Source struct {
	Kind SourceKind
	Path string

	// WarningHandler, when set, receives API server warnings.
	WarningHandler rest.WarningHandler
}

// inClusterConfig is swapped in tests.
var inClusterConfig = rest.InClusterConfig

// ResolveSource picks the credential source in precedence order: explicit
// path, in-cluster service account, default discovery location.
func ResolveSource(kubeconfig string) Source {
	if kubeconfig != "" {
		return Source{Kind: SourceExplicit, Path: kubeconfig}
	}
	if _, err := inClusterConfig(); err == nil {
		return Source{Kind: SourceInCluster}
	}
	return Source{Kind: SourceDefault}
}

// String describes the source for logs.
func (s Source) String() string {
	if s.Kind == SourceExplicit {
		return fmt.Sprintf("%s %s", s.Kind, s.Path)
	}
	return string(s.Kind)
}

// RESTConfig derives a fresh rest.Config from the source.
func (s Source) RESTConfig() (*rest.Config, error) {
	var (
		cfg *rest.Config
		err error
	)
	switch s.Kind {
	case SourceExplicit:
		cfg, err = clientcmd.BuildConfigFromFlags("", s.Path)
	case SourceInCluster:
		cfg, err = inClusterConfig()
	case SourceDefault:
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	default:
		return nil, fmt.Errorf("unknown credential source %q", s.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s credentials: %w", s, err)
	}
	if cfg == nil {
		return nil, errors.New("credential source returned no config")
	}
	if s.WarningHandler != nil {
		cfg.WarningHandler = s.WarningHandler
	}
	return cfg, nil
}

// Load builds a new Client from the source.
func (s Source) Load() (Client, error) {
	cfg, err := s.RESTConfig()
	if err != nil {
		return nil, err
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return NewClientset(cs), nil
}
