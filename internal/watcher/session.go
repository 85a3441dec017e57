// Package watcher drives the list-then-watch loop that finds failed pods
// and hands them to log capture.
package watcher

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/utils/clock"

	"github.com/ppiankov/pod-log-watcher/internal/capture"
	"github.com/ppiankov/pod-log-watcher/internal/dedup"
	"github.com/ppiankov/pod-log-watcher/internal/detector"
	"github.com/ppiankov/pod-log-watcher/internal/events"
	"github.com/ppiankov/pod-log-watcher/internal/kube"
	"github.com/ppiankov/pod-log-watcher/internal/metrics"
	"github.com/ppiankov/pod-log-watcher/internal/notify"
	"github.com/ppiankov/pod-log-watcher/internal/retry"
)

// State is a Session state.
type State int32

const (
	StateCatchup State = iota
	StateStreaming
	StateReconnectWait
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCatchup:
		return "CATCHUP"
	case StateStreaming:
		return "STREAMING"
	case StateReconnectWait:
		return "RECONNECT_WAIT"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Capturer writes the logs of one pod.
type Capturer interface {
	Capture(ctx context.Context, podName, reason string) (capture.Result, error)
}

// Session watches one namespace until its context ends or a non-retryable
// error occurs. Events are handled one at a time in stream order; a Session
// must not be run twice concurrently.
type Session struct {
	ID        string
	Namespace string
	Exec      *retry.Executor
	Capturer  Capturer
	Tracker   *dedup.Tracker
	Logger    *zap.SugaredLogger

	// WatchTimeout bounds each watch stream in seconds. The server closes
	// the stream when it elapses and the session relists.
	WatchTimeout int64

	// Limiter caps how often CATCHUP is re-entered. Nil means no cap.
	Limiter *rate.Limiter

	Metrics  *metrics.Counters
	Emitter  *events.Emitter
	Notifier *notify.Notifier
	Clock    clock.Clock

	state           atomic.Int32
	resourceVersion string
	streamFailures  int
	reconnectDelay  time.Duration
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.Logger.Debugf("Session state %s -> %s", prev, st)
	}
}

func (s *Session) defaults() {
	if s.Logger == nil {
		s.Logger = zap.NewNop().Sugar()
	}
	if s.Clock == nil {
		s.Clock = clock.RealClock{}
	}
	if s.Tracker == nil {
		s.Tracker = dedup.NewTracker(s.Clock)
	}
}

// Run executes the state machine. It returns nil when ctx is cancelled and
// an error when the stream fails in a way that cannot be recovered.
func (s *Session) Run(ctx context.Context) error {
	s.defaults()
	s.Logger.Infof("Starting to watch pods in namespace: %s", s.Namespace)
	s.Logger.Debugf("Watch session id: %s", s.ID)
	s.setState(StateCatchup)

	for {
		if ctx.Err() != nil {
			s.Logger.Info("Received interrupt signal, stopping watcher...")
			s.setState(StateStopped)
			return nil
		}

		switch s.State() {
		case StateCatchup:
			s.catchUp(ctx)
			s.setState(StateStreaming)

		case StateStreaming:
			err := s.stream(ctx)
			if ctx.Err() != nil {
				continue
			}
			if fatal := s.afterStream(err); fatal != nil {
				s.setState(StateStopped)
				return fatal
			}
			s.setState(StateReconnectWait)

		case StateReconnectWait:
			if err := s.waitReconnect(ctx); err != nil {
				continue
			}
			s.setState(StateCatchup)

		default:
			return nil
		}
	}
}

// catchUp lists the namespace and captures failed pods not yet handled.
// Errors are logged; streaming starts either way.
func (s *Session) catchUp(ctx context.Context) {
	s.Logger.Info("Checking for existing failed pods...")
	list, err := retry.Value(ctx, s.Exec, func(ctx context.Context, c kube.Client) (*corev1.PodList, error) {
		return c.ListPods(ctx, s.Namespace)
	})
	if err != nil {
		s.resourceVersion = ""
		if ctx.Err() == nil {
			s.Logger.Errorf("Error checking existing pods: %v", err)
		}
		return
	}
	s.resourceVersion = list.ResourceVersion

	for i := range list.Items {
		if ctx.Err() != nil {
			return
		}
		pod := &list.Items[i]
		if s.Tracker.Seen(pod.Name) {
			continue
		}
		f, ok := detector.Detect(detector.FromPod(pod), s.Clock.Now())
		if !ok {
			continue
		}
		s.Logger.Infof("Found existing failed pod: %s - %s", pod.Name, f.Reason)
		if err := s.handle(ctx, pod, f.Reason); err != nil {
			s.Logger.Errorf("Error processing pod %s: %v", pod.Name, err)
		}
	}
}

// stream opens one watch and consumes it until it closes. A nil return
// means the server ended the stream normally.
func (s *Session) stream(ctx context.Context) error {
	w, err := retry.Value(ctx, s.Exec, func(ctx context.Context, c kube.Client) (watch.Interface, error) {
		return c.WatchPods(ctx, s.Namespace, s.resourceVersion, s.WatchTimeout)
	})
	if err != nil {
		return fmt.Errorf("opening watch: %w", err)
	}
	defer w.Stop()

	s.Logger.Info("Watching for pod events...")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.ResultChan():
			if !ok {
				s.Logger.Debug("Watch stream closed, reconnecting")
				return nil
			}
			switch ev.Type {
			case watch.Error:
				return apierrors.FromObject(ev.Object)
			case watch.Bookmark:
				continue
			}
			if err := s.handleEvent(ctx, ev); err != nil {
				s.Logger.Errorf("Error processing pod event: %v", err)
				s.Metrics.RecordEventError()
			}
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, ev watch.Event) error {
	pod, ok := ev.Object.(*corev1.Pod)
	if !ok {
		return fmt.Errorf("unexpected object %T in %s event", ev.Object, ev.Type)
	}
	s.Logger.Debugf("Pod event: %s - %s", ev.Type, pod.Name)

	if s.Tracker.Seen(pod.Name) {
		return nil
	}

	switch ev.Type {
	case watch.Deleted:
		s.Logger.Infof("Pod %s was deleted", pod.Name)
		return s.handle(ctx, pod, detector.ReasonDeleted)
	case watch.Added, watch.Modified:
		f, ok := detector.Detect(detector.FromPod(pod), s.Clock.Now())
		if !ok {
			return nil
		}
		s.Logger.Infof("Pod %s failed: %s", pod.Name, f.Reason)
		return s.handle(ctx, pod, f.Reason)
	}
	return nil
}

// handle captures an unseen pod and marks it. The mark happens whether or
// not any logs were obtained, so a pod is never captured twice.
func (s *Session) handle(ctx context.Context, pod *corev1.Pod, reason string) error {
	if s.Tracker.Seen(pod.Name) {
		return nil
	}
	s.Metrics.RecordDetected()

	// An interrupt lets the current file finish.
	res, err := s.Capturer.Capture(context.WithoutCancel(ctx), pod.Name, reason)
	s.Tracker.Mark(pod.Name)
	s.Metrics.SetTracked(s.Tracker.Len())
	s.Metrics.RecordCapture(err == nil && res.Saved())
	if err != nil {
		return fmt.Errorf("capturing %s: %w", pod.Name, err)
	}

	if res.Saved() {
		s.Emitter.EmitLogsCaptured(pod, reason, res.Path)
	} else {
		s.Emitter.EmitLogsUnavailable(pod, reason)
	}
	if err := s.Notifier.NotifyCapture(ctx, pod.Name, reason, res); err != nil {
		s.Logger.Warnf("Webhook notification failed for pod %s: %v", pod.Name, err)
	}
	return nil
}

// afterStream classifies a stream error and sets the reconnect delay. It
// returns a non-nil error only when the session must stop.
func (s *Session) afterStream(err error) error {
	delay := s.Exec.Delay
	if err == nil {
		s.streamFailures = 0
		s.reconnectDelay = 0
		s.Metrics.RecordReconnect("timeout")
		return nil
	}
	if retry.IsExpired(err) {
		s.Logger.Infof("Watch resource version expired, relisting: %v", err)
		s.resourceVersion = ""
		s.reconnectDelay = 0
		s.Metrics.RecordReconnect("expired")
		return nil
	}

	s.streamFailures++
	class := retry.Classify(err)
	switch class {
	case retry.ClassAuth:
		s.Logger.Warnf("Authentication failed during watch: %v", err)
		s.Logger.Info("Attempting to refresh authentication and reconnect...")
		if rerr := s.Exec.Creds.ForceRefresh(); rerr != nil {
			s.Logger.Errorf("Failed to refresh authentication: %v", rerr)
		} else {
			s.Metrics.RecordRefresh()
			s.Logger.Info("Authentication refreshed, reconnecting watch stream...")
		}
		s.reconnectDelay = delay

	case retry.ClassThrottled:
		s.Logger.Warnf("Retryable error during watch (attempt %d): %v", s.streamFailures, err)
		n := s.streamFailures
		if s.Exec.MaxRetries > 0 && n > s.Exec.MaxRetries {
			n = s.Exec.MaxRetries
		}
		s.reconnectDelay = delay * time.Duration(n)

	case retry.ClassTransient:
		s.Logger.Errorf("Unexpected error during watch: %v", err)
		s.reconnectDelay = delay

	default:
		s.Logger.Errorf("Non-retryable error during watch: %v", err)
		return fmt.Errorf("watching namespace %s: %w", s.Namespace, err)
	}
	s.Metrics.RecordReconnect(class.String())
	return nil
}

func (s *Session) waitReconnect(ctx context.Context) error {
	if s.reconnectDelay > 0 {
		s.Logger.Infof("Reconnecting in %s...", s.reconnectDelay)
	}
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return retry.Sleep(ctx, s.Clock, s.reconnectDelay)
}
