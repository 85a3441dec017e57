// Package detector classifies pod snapshots as failed and explains why.
package detector

import (
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// ContainerState is exactly one of Waiting, Running or Terminated.
type ContainerState interface {
	isContainerState()
}

// Waiting is a container that has not started or is backing off.
type Waiting struct {
	Reason  string
	Message string
}

// Running is a started container.
type Running struct{}

// Terminated is a container that has exited.
type Terminated struct {
	Reason   string
	ExitCode int32
}

func (Waiting) isContainerState()    {}
func (Running) isContainerState()    {}
func (Terminated) isContainerState() {}

// ContainerStatus is the name and current state of one container. State is
// nil when the API reported no state at all.
type ContainerStatus struct {
	Name  string
	State ContainerState
}

// Condition is a pod condition reduced to the fields classification reads.
type Condition struct {
	Type   corev1.PodConditionType
	Status corev1.ConditionStatus
	Reason string
}

// PodSnapshot is an immutable view of a pod taken from a single event.
type PodSnapshot struct {
	Name           string
	Namespace      string
	Phase          corev1.PodPhase
	Containers     []ContainerStatus
	InitContainers []ContainerStatus
	Conditions     []Condition
}

// Failure is a classified pod failure handed to log capture.
type Failure struct {
	PodName    string
	Namespace  string
	Reason     string
	DetectedAt time.Time
}

const (
	reasonPhaseFailed = "Pod phase: Failed"
	reasonSucceeded   = "Pod completed successfully"
	reasonFallback    = "Pod failure detected"

	// ReasonDeleted is the failure reason for pods removed from the cluster.
	ReasonDeleted = "Pod deleted"
)

var waitingFailureReasons = map[string]bool{
	"CrashLoopBackOff": true,
	"ImagePullBackOff": true,
	"ErrImagePull":     true,
}

var notReadyReasons = map[string]bool{
	"ContainersNotReady": true,
	"PodCompleted":       true,
}

// FromPod converts an API pod into a snapshot.
func FromPod(pod *corev1.Pod) PodSnapshot {
	snap := PodSnapshot{
		Name:           pod.Name,
		Namespace:      pod.Namespace,
		Phase:          pod.Status.Phase,
		Containers:     fromStatuses(pod.Status.ContainerStatuses),
		InitContainers: fromStatuses(pod.Status.InitContainerStatuses),
	}
	for _, c := range pod.Status.Conditions {
		snap.Conditions = append(snap.Conditions, Condition{
			Type:   c.Type,
			Status: c.Status,
			Reason: c.Reason,
		})
	}
	return snap
}

func fromStatuses(statuses []corev1.ContainerStatus) []ContainerStatus {
	if len(statuses) == 0 {
		return nil
	}
	out := make([]ContainerStatus, 0, len(statuses))
	for _, cs := range statuses {
		out = append(out, ContainerStatus{Name: cs.Name, State: fromState(cs.State)})
	}
	return out
}

func fromState(s corev1.ContainerState) ContainerState {
	switch {
	case s.Terminated != nil:
		return Terminated{Reason: s.Terminated.Reason, ExitCode: s.Terminated.ExitCode}
	case s.Waiting != nil:
		return Waiting{Reason: s.Waiting.Reason, Message: s.Waiting.Message}
	case s.Running != nil:
		return Running{}
	default:
		return nil
	}
}

// IsFailed reports whether the pod should have its logs captured. Completed
// pods count: their final logs are kept too.
func IsFailed(snap PodSnapshot) bool {
	if snap.Phase == corev1.PodFailed || snap.Phase == corev1.PodSucceeded {
		return true
	}
	if containersFailed(snap.Containers) || containersFailed(snap.InitContainers) {
		return true
	}
	return stoppedNotReady(snap)
}

// stoppedNotReady reports Ready=False (ContainersNotReady or PodCompleted) on
// a pod whose containers have all exited. Starting pods carry the same
// condition and must not match.
func stoppedNotReady(snap PodSnapshot) bool {
	if len(snap.Containers) == 0 {
		return false
	}
	for _, cs := range snap.Containers {
		if _, ok := cs.State.(Terminated); !ok {
			return false
		}
	}
	for _, c := range snap.Conditions {
		if c.Type == corev1.PodReady && c.Status == corev1.ConditionFalse && notReadyReasons[c.Reason] {
			return true
		}
	}
	return false
}

func containersFailed(statuses []ContainerStatus) bool {
	for _, cs := range statuses {
		switch st := cs.State.(type) {
		case Terminated:
			if st.ExitCode != 0 {
				return true
			}
		case Waiting:
			if waitingFailureReasons[st.Reason] {
				return true
			}
		case Running, nil:
		}
	}
	return false
}

// Reason returns a human-readable failure reason. Phase wins, then the
// first terminated container, then the first waiting container. Regular
// containers are scanned fully before init containers.
func Reason(snap PodSnapshot) string {
	switch snap.Phase {
	case corev1.PodFailed:
		return reasonPhaseFailed
	case corev1.PodSucceeded:
		return reasonSucceeded
	}
	if r, ok := containerReason(snap.Containers); ok {
		return r
	}
	if r, ok := containerReason(snap.InitContainers); ok {
		return r
	}
	return reasonFallback
}

func containerReason(statuses []ContainerStatus) (string, bool) {
	for _, cs := range statuses {
		if t, ok := cs.State.(Terminated); ok {
			return fmt.Sprintf("Container terminated: %s (exit code: %d)", t.Reason, t.ExitCode), true
		}
	}
	for _, cs := range statuses {
		if w, ok := cs.State.(Waiting); ok {
			return fmt.Sprintf("Container waiting: %s - %s", w.Reason, w.Message), true
		}
	}
	return "", false
}

// Detect classifies snap and returns a Failure stamped with now.
func Detect(snap PodSnapshot, now time.Time) (Failure, bool) {
	if !IsFailed(snap) {
		return Failure{}, false
	}
	return Failure{
		PodName:    snap.Name,
		Namespace:  snap.Namespace,
		Reason:     Reason(snap),
		DetectedAt: now,
	}, true
}
