// Package events records capture outcomes as Kubernetes events on the pod.
package events

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/tools/events"
)

const (
	// ReasonLogsCaptured indicates the pod's logs were written to disk.
	ReasonLogsCaptured = "PodLogsCaptured"

	// ReasonLogsUnavailable indicates a capture file was written but no
	// container yielded log content.
	ReasonLogsUnavailable = "PodLogsUnavailable"

	actionCaptured = "Captured"
)

// Emitter emits Kubernetes events for pod log captures. A nil *Emitter
// emits nothing.
type Emitter struct {
	Recorder events.EventRecorder
}

// NewEmitter creates an Emitter with the given recorder.
func NewEmitter(recorder events.EventRecorder) *Emitter {
	return &Emitter{Recorder: recorder}
}

// EmitLogsCaptured emits a Warning event naming the capture file.
func (e *Emitter) EmitLogsCaptured(pod *corev1.Pod, reason, path string) {
	if e == nil || pod == nil {
		return
	}
	e.Recorder.Eventf(
		pod, nil, corev1.EventTypeWarning, ReasonLogsCaptured, actionCaptured,
		"Pod failed (%s); logs saved to %s",
		reason, path,
	)
}

// EmitLogsUnavailable emits a Warning event when no container logs could
// be read.
func (e *Emitter) EmitLogsUnavailable(pod *corev1.Pod, reason string) {
	if e == nil || pod == nil {
		return
	}
	e.Recorder.Eventf(
		pod, nil, corev1.EventTypeWarning, ReasonLogsUnavailable, actionCaptured,
		"Pod failed (%s); no container logs could be retrieved",
		reason,
	)
}
