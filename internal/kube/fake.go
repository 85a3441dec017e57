package kube

import (
	"context"
	"fmt"
	"sync"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
)

// Method names accepted by FakeClient.FailNext and FakeClient.Calls.
const (
	MethodListPods  = "ListPods"
	MethodWatchPods = "WatchPods"
	MethodGetPod    = "GetPod"
	MethodPodLogs   = "PodLogs"
)

var podsResource = schema.GroupResource{Resource: "pods"}

// LogKey addresses one log fetch on FakeClient.
type LogKey struct {
	Pod       string
	Container string
	Previous  bool
}

// Stream is one scripted watch stream. The stream delivers Events in order
// and then closes, as a server-side timeout would. If Err is set, opening
// the stream fails instead.
type Stream struct {
	Events []watch.Event
	Err    error
}

// FakeClient is an in-memory Client for tests.
type FakeClient struct {
	mu sync.Mutex

	pods            []*corev1.Pod
	logs            map[LogKey]string
	errs            map[string][]error
	calls           map[string]int
	streams         []Stream
	resourceVersion string
	watchVersions   []string

	// OnStreamsExhausted runs when WatchPods is called with no scripted
	// streams left. Tests typically cancel their context here.
	OnStreamsExhausted func()
}

// NewFakeClient returns a FakeClient holding the given pods.
func NewFakeClient(pods ...*corev1.Pod) *FakeClient {
	return &FakeClient{
		pods:  pods,
		logs:  make(map[LogKey]string),
		errs:  make(map[string][]error),
		calls: make(map[string]int),
	}
}

// SetPods replaces the pods returned by ListPods and GetPod.
func (f *FakeClient) SetPods(pods ...*corev1.Pod) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pods = pods
}

// SetResourceVersion sets the list resource version.
func (f *FakeClient) SetResourceVersion(rv string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resourceVersion = rv
}

// SetLogs registers log text for a container fetch.
func (f *FakeClient) SetLogs(pod, container string, previous bool, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[LogKey{Pod: pod, Container: container, Previous: previous}] = text
}

// AddStream queues a scripted watch stream.
func (f *FakeClient) AddStream(s Stream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, s)
}

// FailNext makes the next calls of method return errs, one per call.
func (f *FakeClient) FailNext(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[method] = append(f.errs[method], errs...)
}

// Calls returns how many times method was invoked.
func (f *FakeClient) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// WatchVersions returns the resource versions passed to WatchPods.
func (f *FakeClient) WatchVersions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.watchVersions...)
}

// begin records a call and pops a queued error. Caller holds f.mu.
func (f *FakeClient) begin(method string) error {
	f.calls[method]++
	queued := f.errs[method]
	if len(queued) == 0 {
		return nil
	}
	f.errs[method] = queued[1:]
	return queued[0]
}

// ListPods implements Client.
func (f *FakeClient) ListPods(_ context.Context, namespace string) (*corev1.PodList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(MethodListPods); err != nil {
		return nil, err
	}
	list := &corev1.PodList{}
	list.ResourceVersion = f.resourceVersion
	for _, p := range f.pods {
		if p.Namespace == namespace || p.Namespace == "" {
			list.Items = append(list.Items, *p.DeepCopy())
		}
	}
	return list, nil
}

// WatchPods implements Client.
func (f *FakeClient) WatchPods(_ context.Context, _, resourceVersion string, _ int64) (watch.Interface, error) {
	f.mu.Lock()
	if err := f.begin(MethodWatchPods); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.watchVersions = append(f.watchVersions, resourceVersion)

	if len(f.streams) == 0 {
		hook := f.OnStreamsExhausted
		f.mu.Unlock()
		if hook != nil {
			hook()
		}
		w := watch.NewFake()
		w.Stop()
		return w, nil
	}

	s := f.streams[0]
	f.streams = f.streams[1:]
	f.mu.Unlock()

	if s.Err != nil {
		return nil, s.Err
	}
	w := watch.NewFakeWithChanSize(len(s.Events), false)
	for _, ev := range s.Events {
		w.Action(ev.Type, ev.Object)
	}
	w.Stop()
	return w, nil
}

// GetPod implements Client.
func (f *FakeClient) GetPod(_ context.Context, _, name string) (*corev1.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(MethodGetPod); err != nil {
		return nil, err
	}
	for _, p := range f.pods {
		if p.Name == name {
			return p.DeepCopy(), nil
		}
	}
	return nil, apierrors.NewNotFound(podsResource, name)
}

// PodLogs implements Client. Unregistered previous-instance fetches fail
// with BadRequest as the API server does for containers that never
// restarted; other unregistered fetches fail with NotFound.
func (f *FakeClient) PodLogs(_ context.Context, _, pod, container string, previous bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(MethodPodLogs); err != nil {
		return "", err
	}
	text, ok := f.logs[LogKey{Pod: pod, Container: container, Previous: previous}]
	if ok {
		return text, nil
	}
	if previous {
		return "", apierrors.NewBadRequest(fmt.Sprintf("previous terminated container %q in pod %q not found", container, pod))
	}
	return "", apierrors.NewNotFound(podsResource, pod)
}
