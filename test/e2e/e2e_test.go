//go:build e2e

package e2e

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/ppiankov/pod-log-watcher/internal/capture"
	"github.com/ppiankov/pod-log-watcher/internal/credential"
	"github.com/ppiankov/pod-log-watcher/internal/dedup"
	"github.com/ppiankov/pod-log-watcher/internal/kube"
	"github.com/ppiankov/pod-log-watcher/internal/retry"
	"github.com/ppiankov/pod-log-watcher/internal/watcher"
)

const e2eNamespace = "pod-log-watcher-e2e"

func getClient(t *testing.T) (*kubernetes.Clientset, kube.Source) {
	t.Helper()
	source := kube.ResolveSource(os.Getenv("KUBECONFIG"))
	cfg, err := source.RESTConfig()
	if err != nil {
		t.Fatalf("building rest config: %v", err)
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		t.Fatalf("creating clientset: %v", err)
	}
	return cs, source
}

func TestE2E_FailedPodIsCaptured(t *testing.T) {
	cs, source := getClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: e2eNamespace}}
	_, err := cs.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		t.Fatalf("creating namespace: %v", err)
	}
	defer func() {
		_ = cs.CoreV1().Namespaces().Delete(context.Background(), ns.Name, metav1.DeleteOptions{})
	}()

	creds, err := credential.NewManager(source.Load, time.Hour, nil, nil)
	if err != nil {
		t.Fatalf("loading credentials: %v", err)
	}
	exec := retry.NewExecutor(creds, 3, time.Second, nil)
	dir := t.TempDir()
	session := &watcher.Session{
		ID:           "e2e",
		Namespace:    ns.Name,
		Exec:         exec,
		Capturer:     capture.New(exec, ns.Name, dir, nil),
		Tracker:      dedup.NewTracker(nil),
		WatchTimeout: 30,
	}

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- session.Run(runCtx) }()

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "e2e-crash", Namespace: ns.Name},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:    "app",
				Image:   "busybox:1.36",
				Command: []string{"sh", "-c", "echo e2e-marker; exit 3"},
			}},
		},
	}
	if _, err := cs.CoreV1().Pods(ns.Name).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		t.Fatalf("creating pod: %v", err)
	}

	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		if session.Tracker.Seen(pod.Name) {
			break
		}
		time.Sleep(2 * time.Second)
	}
	stop()
	if err := <-done; err != nil {
		t.Fatalf("session returned error: %v", err)
	}
	if !session.Tracker.Seen(pod.Name) {
		t.Fatal("timed out waiting for the failed pod to be captured")
	}

	matches, err := filepath.Glob(filepath.Join(dir, pod.Name+"_*.log"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one capture file, got %v (%v)", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Pod: e2e-crash", "Container: app", "e2e-marker"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("expected capture to contain %q, got:\n%s", want, data)
		}
	}
}
