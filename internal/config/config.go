package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// EnvLogDir overrides the default log directory.
	EnvLogDir = "POD_LOG_DIR"

	// EnvKubeconfig names the default credential file.
	EnvKubeconfig = "KUBECONFIG"

	// DefaultLogDir is where captured pod logs and watcher.log are written.
	DefaultLogDir = "./pod_logs"

	// WatcherLogFile is the operational log inside the log directory.
	WatcherLogFile = "watcher.log"

	// DefaultRefreshInterval is how long a client handle is used before
	// credentials are re-derived from their source.
	DefaultRefreshInterval = time.Hour

	// DefaultMaxRetries is the attempt budget for a single cluster call.
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the base delay between attempts.
	DefaultRetryDelay = 5 * time.Second

	// DefaultWatchTimeout bounds one watch stream before it is reopened.
	DefaultWatchTimeout = 300 * time.Second

	// DefaultReconnectInterval is the minimum spacing between catch-up scans.
	DefaultReconnectInterval = time.Second

	// DefaultRetentionInterval is how often the reaper sweeps the log directory.
	DefaultRetentionInterval = 10 * time.Minute

	// DefaultLogMaxSizeMB rotates watcher.log at this size.
	DefaultLogMaxSizeMB = 100

	// DefaultLogMaxBackups is the number of rotated watcher.log files kept.
	DefaultLogMaxBackups = 5
)

// Config holds watcher runtime configuration.
type Config struct {
	// Namespace is the namespace whose pods are watched.
	Namespace string

	// LogDir receives one file per captured pod plus watcher.log.
	LogDir string

	// Kubeconfig is an explicit credential file. Empty means in-cluster
	// credentials, then the default discovery location.
	Kubeconfig string

	// Verbose raises the operational log to DEBUG.
	Verbose bool

	// RefreshInterval is the credential refresh period.
	RefreshInterval time.Duration

	// MaxRetries is the attempt budget of the retry executor.
	MaxRetries int

	// RetryDelay is the base backoff delay.
	RetryDelay time.Duration

	// WatchTimeout bounds a single watch stream.
	WatchTimeout time.Duration

	// ReconnectInterval rate-limits re-entry into the catch-up scan.
	ReconnectInterval time.Duration

	// Retention deletes captured log files older than this. 0 disables.
	Retention time.Duration

	// RetentionInterval is the reaper sweep period.
	RetentionInterval time.Duration

	// MetricsAddr serves Prometheus metrics when non-empty.
	MetricsAddr string

	// NotifyURL receives a webhook per captured pod when non-empty.
	NotifyURL string

	// NotifyEvents filters webhook event types. Empty sends all.
	NotifyEvents []string

	// EmitEvents records a Kubernetes Event on each captured pod.
	EmitEvents bool

	// SuppressWarnings drops operational log lines containing any of these
	// substrings (case-insensitive).
	SuppressWarnings []string

	// LogMaxSizeMB, LogMaxBackups and LogMaxAgeDays control watcher.log rotation.
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

// New creates a Config with default values.
func New() Config {
	return Config{
		LogDir:            DefaultLogDir,
		RefreshInterval:   DefaultRefreshInterval,
		MaxRetries:        DefaultMaxRetries,
		RetryDelay:        DefaultRetryDelay,
		WatchTimeout:      DefaultWatchTimeout,
		ReconnectInterval: DefaultReconnectInterval,
		RetentionInterval: DefaultRetentionInterval,
		LogMaxSizeMB:      DefaultLogMaxSizeMB,
		LogMaxBackups:     DefaultLogMaxBackups,
	}
}

// FromEnv returns New() with POD_LOG_DIR and KUBECONFIG applied.
func FromEnv() Config {
	cfg := New()
	if dir := os.Getenv(EnvLogDir); dir != "" {
		cfg.LogDir = dir
	}
	cfg.Kubeconfig = os.Getenv(EnvKubeconfig)
	return cfg
}

// fileConfig is the YAML shape of --config. Durations are Go duration strings.
type fileConfig struct {
	LogDir            string   `yaml:"logDir"`
	Kubeconfig        string   `yaml:"kubeconfig"`
	Verbose           *bool    `yaml:"verbose"`
	RefreshInterval   string   `yaml:"refreshInterval"`
	MaxRetries        *int     `yaml:"maxRetries"`
	RetryDelay        string   `yaml:"retryDelay"`
	WatchTimeout      string   `yaml:"watchTimeout"`
	ReconnectInterval string   `yaml:"reconnectInterval"`
	Retention         string   `yaml:"retention"`
	RetentionInterval string   `yaml:"retentionInterval"`
	MetricsAddr       string   `yaml:"metricsAddr"`
	NotifyURL         string   `yaml:"notifyURL"`
	NotifyEvents      []string `yaml:"notifyEvents"`
	EmitEvents        *bool    `yaml:"emitEvents"`
	SuppressWarnings  []string `yaml:"suppressWarnings"`
	LogMaxSizeMB      *int     `yaml:"logMaxSizeMB"`
	LogMaxBackups     *int     `yaml:"logMaxBackups"`
	LogMaxAgeDays     *int     `yaml:"logMaxAgeDays"`
}

// LoadFile applies the YAML file at path on top of cfg. Fields absent from
// the file keep their current value.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if fc.LogDir != "" {
		cfg.LogDir = fc.LogDir
	}
	if fc.Kubeconfig != "" {
		cfg.Kubeconfig = fc.Kubeconfig
	}
	if fc.Verbose != nil {
		cfg.Verbose = *fc.Verbose
	}
	if fc.MaxRetries != nil {
		cfg.MaxRetries = *fc.MaxRetries
	}
	if fc.MetricsAddr != "" {
		cfg.MetricsAddr = fc.MetricsAddr
	}
	if fc.NotifyURL != "" {
		cfg.NotifyURL = fc.NotifyURL
	}
	if len(fc.NotifyEvents) > 0 {
		cfg.NotifyEvents = fc.NotifyEvents
	}
	if fc.EmitEvents != nil {
		cfg.EmitEvents = *fc.EmitEvents
	}
	if len(fc.SuppressWarnings) > 0 {
		cfg.SuppressWarnings = fc.SuppressWarnings
	}
	if fc.LogMaxSizeMB != nil {
		cfg.LogMaxSizeMB = *fc.LogMaxSizeMB
	}
	if fc.LogMaxBackups != nil {
		cfg.LogMaxBackups = *fc.LogMaxBackups
	}
	if fc.LogMaxAgeDays != nil {
		cfg.LogMaxAgeDays = *fc.LogMaxAgeDays
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"refreshInterval", fc.RefreshInterval, &cfg.RefreshInterval},
		{"retryDelay", fc.RetryDelay, &cfg.RetryDelay},
		{"watchTimeout", fc.WatchTimeout, &cfg.WatchTimeout},
		{"reconnectInterval", fc.ReconnectInterval, &cfg.ReconnectInterval},
		{"retention", fc.Retention, &cfg.Retention},
		{"retentionInterval", fc.RetentionInterval, &cfg.RetentionInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Namespace == "" {
		return errors.New("namespace is required")
	}
	if c.LogDir == "" {
		return errors.New("log directory must not be empty")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay must not be negative, got %v", c.RetryDelay)
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh interval must be positive, got %v", c.RefreshInterval)
	}
	if c.WatchTimeout <= 0 {
		return fmt.Errorf("watch timeout must be positive, got %v", c.WatchTimeout)
	}
	if c.Retention < 0 {
		return fmt.Errorf("retention must not be negative, got %v", c.Retention)
	}
	if c.Retention > 0 && c.RetentionInterval <= 0 {
		return fmt.Errorf("retention interval must be positive when retention is set, got %v", c.RetentionInterval)
	}
	return nil
}

// WatchTimeoutSeconds is the server-side watch bound in whole seconds.
func (c Config) WatchTimeoutSeconds() int64 {
	secs := int64(c.WatchTimeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
