package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Counters holds all pod-log-watcher Prometheus metrics. A nil *Counters is
// valid and records nothing.
type Counters struct {
	DetectedFailures  prometheus.Counter
	CapturesSaved     prometheus.Counter
	CapturesEmpty     prometheus.Counter
	Reconnects        *prometheus.CounterVec
	CredentialRefresh prometheus.Counter
	Retries           *prometheus.CounterVec
	EventErrors       prometheus.Counter
	TrackedPods       prometheus.Gauge
}

// NewCounters creates and registers Prometheus counters with the given registry.
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		DetectedFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pod_log_watcher_detected_failures_total",
			Help: "Total number of failed pods seen for the first time.",
		}),
		CapturesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pod_log_watcher_captures_saved_total",
			Help: "Total number of capture files that contain log content.",
		}),
		CapturesEmpty: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pod_log_watcher_captures_empty_total",
			Help: "Total number of capture files written without any log content.",
		}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pod_log_watcher_reconnects_total",
			Help: "Total number of watch reconnects by cause.",
		}, []string{"reason"}),
		CredentialRefresh: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pod_log_watcher_credential_refreshes_total",
			Help: "Total number of forced credential refreshes after auth failures.",
		}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pod_log_watcher_api_retries_total",
			Help: "Total number of retried cluster API calls by error class.",
		}, []string{"class"}),
		EventErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pod_log_watcher_event_errors_total",
			Help: "Total number of watch events that could not be handled.",
		}),
		TrackedPods: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pod_log_watcher_tracked_pods",
			Help: "Number of pods already captured in this session.",
		}),
	}

	reg.MustRegister(
		c.DetectedFailures,
		c.CapturesSaved,
		c.CapturesEmpty,
		c.Reconnects,
		c.CredentialRefresh,
		c.Retries,
		c.EventErrors,
		c.TrackedPods,
	)

	return c
}

// RecordDetected increments the detected failures counter.
func (c *Counters) RecordDetected() {
	if c == nil {
		return
	}
	c.DetectedFailures.Inc()
}

// RecordCapture counts a finished capture by whether any logs were saved.
func (c *Counters) RecordCapture(saved bool) {
	if c == nil {
		return
	}
	if saved {
		c.CapturesSaved.Inc()
		return
	}
	c.CapturesEmpty.Inc()
}

// RecordReconnect increments the reconnect counter for reason.
func (c *Counters) RecordReconnect(reason string) {
	if c == nil {
		return
	}
	c.Reconnects.WithLabelValues(reason).Inc()
}

// RecordRefresh increments the forced credential refresh counter.
func (c *Counters) RecordRefresh() {
	if c == nil {
		return
	}
	c.CredentialRefresh.Inc()
}

// RecordRetry increments the retry counter for an error class.
func (c *Counters) RecordRetry(class string) {
	if c == nil {
		return
	}
	c.Retries.WithLabelValues(class).Inc()
}

// RecordEventError increments the per-event error counter.
func (c *Counters) RecordEventError() {
	if c == nil {
		return
	}
	c.EventErrors.Inc()
}

// SetTracked sets the tracked pods gauge.
func (c *Counters) SetTracked(n int) {
	if c == nil {
		return
	}
	c.TrackedPods.Set(float64(n))
}
