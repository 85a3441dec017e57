// Package kube is the narrow view of the Kubernetes API the watcher needs:
// list, watch and get pods in a namespace, and read container logs.
package kube

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
)

// Client abstracts the pod operations used by the watcher so they can be
// replaced by a fake in tests.
type Client interface {
	// ListPods lists all pods in a namespace.
	ListPods(ctx context.Context, namespace string) (*corev1.PodList, error)

	// WatchPods opens a pod watch stream. resourceVersion may be empty.
	// The server closes the stream after timeoutSeconds.
	WatchPods(ctx context.Context, namespace, resourceVersion string, timeoutSeconds int64) (watch.Interface, error)

	// GetPod fetches a pod by name.
	GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error)

	// PodLogs returns the log text of a container. An empty container lets
	// the server pick the pod's only container. previous selects the prior
	// instance of a restarted container.
	PodLogs(ctx context.Context, namespace, pod, container string, previous bool) (string, error)
}

// Clientset implements Client on top of a typed clientset.
type Clientset struct {
	Interface kubernetes.Interface
}

// NewClientset wraps a typed clientset.
func NewClientset(cs kubernetes.Interface) *Clientset {
	return &Clientset{Interface: cs}
}

// ListPods implements Client.
func (c *Clientset) ListPods(ctx context.Context, namespace string) (*corev1.PodList, error) {
	return c.Interface.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
}

// WatchPods implements Client.
func (c *Clientset) WatchPods(ctx context.Context, namespace, resourceVersion string, timeoutSeconds int64) (watch.Interface, error) {
	opts := metav1.ListOptions{
		ResourceVersion: resourceVersion,
		TimeoutSeconds:  &timeoutSeconds,
	}
	return c.Interface.CoreV1().Pods(namespace).Watch(ctx, opts)
}

// GetPod implements Client.
func (c *Clientset) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	return c.Interface.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
}

// PodLogs implements Client.
func (c *Clientset) PodLogs(ctx context.Context, namespace, pod, container string, previous bool) (string, error) {
	opts := &corev1.PodLogOptions{
		Container: container,
		Previous:  previous,
	}
	raw, err := c.Interface.CoreV1().Pods(namespace).GetLogs(pod, opts).DoRaw(ctx)
	if err != nil {
		return "", fmt.Errorf("reading logs of %s/%s: %w", pod, containerLabel(container), err)
	}
	return string(raw), nil
}

func containerLabel(container string) string {
	if container == "" {
		return "<default>"
	}
	return container
}
