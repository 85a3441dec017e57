package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	k8sevents "k8s.io/client-go/tools/events"
	ctrl "sigs.k8s.io/controller-runtime"
	"k8s.io/utils/clock"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/ppiankov/pod-log-watcher/internal/capture"
	"github.com/ppiankov/pod-log-watcher/internal/cleanup"
	"github.com/ppiankov/pod-log-watcher/internal/config"
	"github.com/ppiankov/pod-log-watcher/internal/credential"
	"github.com/ppiankov/pod-log-watcher/internal/dedup"
	"github.com/ppiankov/pod-log-watcher/internal/events"
	"github.com/ppiankov/pod-log-watcher/internal/kube"
	"github.com/ppiankov/pod-log-watcher/internal/logging"
	"github.com/ppiankov/pod-log-watcher/internal/metrics"
	"github.com/ppiankov/pod-log-watcher/internal/notify"
	"github.com/ppiankov/pod-log-watcher/internal/retry"
	"github.com/ppiankov/pod-log-watcher/internal/version"
	"github.com/ppiankov/pod-log-watcher/internal/watcher"
)

const componentName = "pod-log-watcher"

func main() {
	if err := newRootCmd(run).Execute(); err != nil {
		os.Exit(1)
	}
}

type flagValues struct {
	configPath        string
	logDir            string
	kubeconfig        string
	verbose           bool
	refreshInterval   time.Duration
	maxRetries        int
	retryDelay        time.Duration
	watchTimeout      time.Duration
	reconnectInterval time.Duration
	retention         time.Duration
	retentionInterval time.Duration
	metricsAddr       string
	notifyURL         string
	notifyEvents      []string
	emitEvents        bool
	suppress          []string
}

func newRootCmd(runFn func(config.Config) error) *cobra.Command {
	var fv flagValues
	defaults := config.FromEnv()

	cmd := &cobra.Command{
		Use:          componentName + " <namespace>",
		Short:        "Watch a namespace and save the logs of pods that fail",
		Version:      version.Version,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, args[0], fv)
			if err != nil {
				return err
			}
			return runFn(cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&fv.configPath, "config", "", "path to a YAML config file")
	f.StringVar(&fv.logDir, "log-dir", defaults.LogDir, "directory to save pod logs (env "+config.EnvLogDir+")")
	f.StringVar(&fv.kubeconfig, "kubeconfig", defaults.Kubeconfig, "path to kubeconfig file (env "+config.EnvKubeconfig+")")
	f.BoolVarP(&fv.verbose, "verbose", "v", false, "enable verbose logging")
	f.DurationVar(&fv.refreshInterval, "refresh-interval", defaults.RefreshInterval, "how often credentials are re-derived")
	f.IntVar(&fv.maxRetries, "max-retries", defaults.MaxRetries, "attempts per cluster API call")
	f.DurationVar(&fv.retryDelay, "retry-delay", defaults.RetryDelay, "base delay between attempts")
	f.DurationVar(&fv.watchTimeout, "watch-timeout", defaults.WatchTimeout, "server-side bound of one watch stream")
	f.DurationVar(&fv.reconnectInterval, "reconnect-interval", defaults.ReconnectInterval, "minimum spacing between catch-up scans")
	f.DurationVar(&fv.retention, "retention", 0, "delete captured logs older than this (0 = keep forever)")
	f.DurationVar(&fv.retentionInterval, "retention-interval", defaults.RetentionInterval, "how often expired logs are swept")
	f.StringVar(&fv.metricsAddr, "metrics-addr", "", "address for the metrics endpoint (empty = disabled)")
	f.StringVar(&fv.notifyURL, "notify-url", "", "webhook URL notified after each capture (empty = disabled)")
	f.StringSliceVar(&fv.notifyEvents, "notify-events", nil, "webhook event types to send (captured, unavailable; empty = all)")
	f.BoolVar(&fv.emitEvents, "emit-events", false, "record a Kubernetes Event on each captured pod")
	f.StringSliceVar(&fv.suppress, "suppress-warning", nil, "drop log lines containing this text (repeatable)")

	return cmd
}

// buildConfig layers defaults, environment, the optional YAML file and the
// flags the user set explicitly, in that order.
func buildConfig(cmd *cobra.Command, namespace string, fv flagValues) (config.Config, error) {
	cfg := config.FromEnv()
	if fv.configPath != "" {
		if err := config.LoadFile(fv.configPath, &cfg); err != nil {
			return cfg, err
		}
	}
	cfg.Namespace = namespace

	changed := cmd.Flags().Changed
	if changed("log-dir") {
		cfg.LogDir = fv.logDir
	}
	if changed("kubeconfig") {
		cfg.Kubeconfig = fv.kubeconfig
	}
	if changed("verbose") {
		cfg.Verbose = fv.verbose
	}
	if changed("refresh-interval") {
		cfg.RefreshInterval = fv.refreshInterval
	}
	if changed("max-retries") {
		cfg.MaxRetries = fv.maxRetries
	}
	if changed("retry-delay") {
		cfg.RetryDelay = fv.retryDelay
	}
	if changed("watch-timeout") {
		cfg.WatchTimeout = fv.watchTimeout
	}
	if changed("reconnect-interval") {
		cfg.ReconnectInterval = fv.reconnectInterval
	}
	if changed("retention") {
		cfg.Retention = fv.retention
	}
	if changed("retention-interval") {
		cfg.RetentionInterval = fv.retentionInterval
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = fv.metricsAddr
	}
	if changed("notify-url") {
		cfg.NotifyURL = fv.notifyURL
	}
	if changed("notify-events") {
		cfg.NotifyEvents = fv.notifyEvents
	}
	if changed("emit-events") {
		cfg.EmitEvents = fv.emitEvents
	}
	if changed("suppress-warning") {
		cfg.SuppressWarnings = append(cfg.SuppressWarnings, fv.suppress...)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(cfg config.Config) error {
	logger, closeLog, err := logging.New(logging.Options{
		Dir:        cfg.LogDir,
		FileName:   config.WatcherLogFile,
		Verbose:    cfg.Verbose,
		Suppress:   cfg.SuppressWarnings,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()
	ctrl.SetLogger(zapr.NewLogger(logger.Desugar()))

	if err := runWatcher(cfg, logger); err != nil {
		logger.Errorf("Error: %v", err)
		return err
	}
	return nil
}

func runWatcher(cfg config.Config, logger *zap.SugaredLogger) error {
	sessionID := uuid.New().String()
	source := kube.ResolveSource(cfg.Kubeconfig)
	source.WarningHandler = logging.WarningHandler{Logger: logger}
	logger.Infof("Pod log watcher %s starting (session=%s, namespace=%s, credentials=%s, log dir=%s)",
		version.Version, sessionID, cfg.Namespace, source, cfg.LogDir)

	creds, err := credential.NewManager(source.Load, cfg.RefreshInterval, nil, logger.Named("credentials"))
	if err != nil {
		return err
	}

	m := metrics.NewCounters(ctrlmetrics.Registry)
	exec := retry.NewExecutor(creds, cfg.MaxRetries, cfg.RetryDelay, logger.Named("retry"))
	exec.Metrics = m

	ctx := ctrl.SetupSignalHandler()
	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	clk := clock.RealClock{}
	session := &watcher.Session{
		ID:           sessionID,
		Namespace:    cfg.Namespace,
		Exec:         exec,
		Capturer:     capture.New(exec, cfg.Namespace, cfg.LogDir, logger.Named("capture")),
		Tracker:      dedup.NewTracker(clk),
		Logger:       logger,
		WatchTimeout: cfg.WatchTimeoutSeconds(),
		Limiter:      rate.NewLimiter(rate.Every(cfg.ReconnectInterval), 1),
		Metrics:      m,
		Clock:        clk,
	}
	if cfg.NotifyURL != "" {
		session.Notifier = notify.NewNotifier(cfg.NotifyURL, cfg.Namespace, sessionID, cfg.NotifyEvents)
	}

	var restCfg *rest.Config
	if cfg.EmitEvents || cfg.MetricsAddr != "" {
		if restCfg, err = source.RESTConfig(); err != nil {
			return err
		}
	}

	if cfg.EmitEvents {
		cs, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return fmt.Errorf("creating events client: %w", err)
		}
		broadcaster := k8sevents.NewBroadcaster(&k8sevents.EventSinkImpl{Interface: cs.EventsV1()})
		if err := broadcaster.StartRecordingToSinkWithContext(runCtx); err != nil {
			return fmt.Errorf("starting event recorder: %w", err)
		}
		defer broadcaster.Shutdown()
		session.Emitter = events.NewEmitter(broadcaster.NewRecorder(scheme.Scheme, componentName))
	}

	if cfg.MetricsAddr != "" {
		httpClient, err := rest.HTTPClientFor(restCfg)
		if err != nil {
			return fmt.Errorf("creating metrics http client: %w", err)
		}
		srv, err := metricsserver.NewServer(metricsserver.Options{BindAddress: cfg.MetricsAddr}, restCfg, httpClient)
		if err != nil {
			return fmt.Errorf("creating metrics server: %w", err)
		}
		logger.Infof("Serving metrics on %s", cfg.MetricsAddr)
		g.Go(func() error { return srv.Start(runCtx) })
	}

	if cfg.Retention > 0 {
		reaper := cleanup.NewReaper(cfg.LogDir, cfg.Retention, cfg.RetentionInterval, logger.Named("cleanup"))
		g.Go(func() error { return reaper.Start(runCtx) })
	}

	g.Go(func() error {
		defer stop()
		return session.Run(runCtx)
	})

	err = g.Wait()
	logger.Infof("Watcher stopped after capturing %d pod(s)", session.Tracker.Len())
	return err
}
