// Package capture writes the logs of a failed pod to a flat file.
package capture

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/utils/clock"

	"github.com/ppiankov/pod-log-watcher/internal/kube"
	"github.com/ppiankov/pod-log-watcher/internal/retry"
)

const (
	headerRule    = 80
	containerRule = 40

	// NoLogsLine is written for a container section without content.
	NoLogsLine = "No logs available"

	fileTimeLayout   = "20060102_150405"
	headerTimeLayout = "2006-01-02T15:04:05.000000"
)

// Source says where a container's log text came from.
type Source int

const (
	SourceNone Source = iota
	SourcePrevious
	SourceCurrent
)

func (s Source) String() string {
	switch s {
	case SourcePrevious:
		return "previous"
	case SourceCurrent:
		return "current"
	default:
		return "none"
	}
}

// LogResult is the outcome of fetching one container's logs. Source is
// SourceNone when both the previous and the current fetch failed; Err then
// holds the current fetch's error.
type LogResult struct {
	Container string
	Source    Source
	Text      string
	Err       error
}

// HasContent reports whether the fetch produced non-empty log text.
func (r LogResult) HasContent() bool {
	return r.Source != SourceNone && r.Text != ""
}

// Result describes one written capture file.
type Result struct {
	Path       string
	Containers []LogResult
}

// Saved reports whether any container yielded log content.
func (r Result) Saved() bool {
	for _, c := range r.Containers {
		if c.HasContent() {
			return true
		}
	}
	return false
}

// Capturer writes one log file per failed pod into Dir.
type Capturer struct {
	Exec      *retry.Executor
	Namespace string
	Dir       string
	Logger    *zap.SugaredLogger
	Clock     clock.PassiveClock
}

// New creates a Capturer.
func New(exec *retry.Executor, namespace, dir string, logger *zap.SugaredLogger) *Capturer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Capturer{
		Exec:      exec,
		Namespace: namespace,
		Dir:       dir,
		Logger:    logger,
		Clock:     clock.RealClock{},
	}
}

var captureFileRE = regexp.MustCompile(`_\d{8}_\d{6}\.log$`)

// IsCaptureFile reports whether name looks like a file written by Capture.
func IsCaptureFile(name string) bool {
	return captureFileRE.MatchString(name)
}

// FileName returns the capture file name for a pod at the given time.
func FileName(podName string, at time.Time) string {
	safe := strings.NewReplacer("/", "_", ":", "_").Replace(podName)
	return fmt.Sprintf("%s_%s.log", safe, at.Format(fileTimeLayout))
}

// Capture writes the pod's logs to a new file. A failure on one container
// never stops the others. The error is non-nil only when the file itself
// could not be written.
func (c *Capturer) Capture(ctx context.Context, podName, reason string) (Result, error) {
	now := c.Clock.Now()
	res := Result{Path: filepath.Join(c.Dir, FileName(podName, now))}

	containers := c.containers(ctx, podName)

	f, err := os.Create(res.Path)
	if err != nil {
		c.Logger.Errorf("Error saving logs for pod %s: %v", podName, err)
		return res, fmt.Errorf("creating %s: %w", res.Path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	fmt.Fprintf(w, "Pod: %s\n", podName)
	fmt.Fprintf(w, "Namespace: %s\n", c.Namespace)
	fmt.Fprintf(w, "Failure Reason: %s\n", reason)
	fmt.Fprintf(w, "Timestamp: %s\n", now.Format(headerTimeLayout))
	fmt.Fprintf(w, "%s\n\n", strings.Repeat("=", headerRule))

	for _, name := range containers {
		lr := c.fetch(ctx, podName, name)
		res.Containers = append(res.Containers, lr)

		if name != "" {
			fmt.Fprintf(w, "Container: %s\n", name)
			fmt.Fprintf(w, "%s\n", strings.Repeat("-", containerRule))
		}
		switch {
		case lr.HasContent():
			fmt.Fprintf(w, "%s\n\n", lr.Text)
		case lr.Source == SourceNone:
			c.Logger.Warnf("Error retrieving logs for container %s: %v", containerLabel(name), lr.Err)
			fmt.Fprintf(w, "%s\n\n", NoLogsLine)
		default:
			fmt.Fprintf(w, "%s\n\n", NoLogsLine)
		}
	}

	if err := w.Flush(); err != nil {
		c.Logger.Errorf("Error saving logs for pod %s: %v", podName, err)
		return res, fmt.Errorf("writing %s: %w", res.Path, err)
	}
	if err := f.Close(); err != nil {
		c.Logger.Errorf("Error saving logs for pod %s: %v", podName, err)
		return res, fmt.Errorf("closing %s: %w", res.Path, err)
	}

	if res.Saved() {
		c.Logger.Infof("Logs for pod %s saved to %s", podName, res.Path)
	} else {
		c.Logger.Warnf("No logs could be retrieved for pod %s", podName)
	}
	return res, nil
}

// containers returns the container names to capture, init containers that
// ran first. On failure it returns a single unnamed container so the server
// picks the default.
func (c *Capturer) containers(ctx context.Context, podName string) []string {
	pod, err := retry.Value(ctx, c.Exec, func(ctx context.Context, kc kube.Client) (*corev1.Pod, error) {
		return kc.GetPod(ctx, c.Namespace, podName)
	})
	if err != nil {
		c.Logger.Debugf("Could not read pod %s, capturing default container: %v", podName, err)
		return []string{""}
	}

	started := make(map[string]bool, len(pod.Status.InitContainerStatuses))
	for _, cs := range pod.Status.InitContainerStatuses {
		started[cs.Name] = true
	}
	var names []string
	for _, ic := range pod.Spec.InitContainers {
		if started[ic.Name] {
			names = append(names, ic.Name)
		}
	}
	for _, ct := range pod.Spec.Containers {
		names = append(names, ct.Name)
	}
	if len(names) == 0 {
		return []string{""}
	}
	return names
}

// fetch tries the previous instance first, then the current one.
func (c *Capturer) fetch(ctx context.Context, podName, container string) LogResult {
	if lr := c.attempt(ctx, podName, container, SourcePrevious); lr.Err == nil {
		return lr
	}
	return c.attempt(ctx, podName, container, SourceCurrent)
}

func (c *Capturer) attempt(ctx context.Context, podName, container string, src Source) LogResult {
	text, err := retry.Value(ctx, c.Exec, func(ctx context.Context, kc kube.Client) (string, error) {
		return kc.PodLogs(ctx, c.Namespace, podName, container, src == SourcePrevious)
	})
	if err != nil {
		c.Logger.Debugf("Fetching %s logs of %s/%s failed: %v", src, podName, containerLabel(container), err)
		return LogResult{Container: container, Source: SourceNone, Err: err}
	}
	return LogResult{Container: container, Source: src, Text: text}
}

func containerLabel(name string) string {
	if name == "" {
		return "<default>"
	}
	return name
}
