// Package notify posts capture outcomes to a webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"k8s.io/utils/clock"

	"github.com/ppiankov/pod-log-watcher/internal/capture"
)

// Event types.
const (
	TypeCaptured    = "captured"
	TypeUnavailable = "unavailable"
)

const defaultTimeout = 5 * time.Second

// ContainerOutcome is where one container's logs came from.
type ContainerOutcome struct {
	Name   string `json:"name,omitempty"`
	Source string `json:"source"`
	Error  string `json:"error,omitempty"`
}

// Event is the webhook payload for one handled pod.
type Event struct {
	Type       string             `json:"type"`
	PodName    string             `json:"pod_name"`
	Namespace  string             `json:"namespace"`
	Reason     string             `json:"reason"`
	LogFile    string             `json:"log_file,omitempty"`
	Containers []ContainerOutcome `json:"containers,omitempty"`
	SessionID  string             `json:"session_id,omitempty"`
	Timestamp  string             `json:"timestamp"`
}

// Notifier posts one Event per handled pod. Delivery is best effort; the
// caller logs a returned error and moves on.
type Notifier struct {
	URL       string
	Namespace string
	SessionID string

	// Types limits which event types are sent. Empty sends all.
	Types map[string]bool

	HTTPClient *http.Client
	Clock      clock.PassiveClock
}

// NewNotifier creates a Notifier for one watcher session.
func NewNotifier(url, namespace, sessionID string, types []string) *Notifier {
	n := &Notifier{
		URL:        url,
		Namespace:  namespace,
		SessionID:  sessionID,
		Types:      make(map[string]bool, len(types)),
		HTTPClient: &http.Client{Timeout: defaultTimeout},
		Clock:      clock.RealClock{},
	}
	for _, t := range types {
		n.Types[t] = true
	}
	return n
}

// EventFor builds the payload describing res. Pods whose containers all
// came back empty are reported as unavailable.
func (n *Notifier) EventFor(podName, reason string, res capture.Result) Event {
	evt := Event{
		Type:      TypeUnavailable,
		PodName:   podName,
		Namespace: n.Namespace,
		Reason:    reason,
		LogFile:   res.Path,
		SessionID: n.SessionID,
		Timestamp: n.Clock.Now().UTC().Format(time.RFC3339),
	}
	if res.Saved() {
		evt.Type = TypeCaptured
	}
	for _, c := range res.Containers {
		out := ContainerOutcome{Name: c.Container, Source: c.Source.String()}
		if c.Err != nil {
			out.Error = c.Err.Error()
		}
		evt.Containers = append(evt.Containers, out)
	}
	return evt
}

// NotifyCapture reports the outcome of capturing podName.
func (n *Notifier) NotifyCapture(ctx context.Context, podName, reason string, res capture.Result) error {
	if n == nil || n.URL == "" {
		return nil
	}
	evt := n.EventFor(podName, reason, res)
	if len(n.Types) > 0 && !n.Types[evt.Type] {
		return nil
	}
	return n.post(ctx, evt)
}

func (n *Notifier) post(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encoding %s event for %s: %w", evt.Type, evt.PodName, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting %s event for %s: %w", evt.Type, evt.PodName, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook answered %d for %s", resp.StatusCode, evt.PodName)
	}
	return nil
}
