// Package credential owns the authenticated cluster client and refreshes it
// on a timer and on demand.
package credential

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/ppiankov/pod-log-watcher/internal/kube"
)

// Loader derives a new client from the credential source fixed at startup.
type Loader func() (kube.Client, error)

// Manager holds the current client handle and its refresh state. Callers
// only read the handle through Client; refreshes happen inside the Manager.
type Manager struct {
	mu          sync.Mutex
	load        Loader
	clock       clock.PassiveClock
	interval    time.Duration
	client      kube.Client
	lastRefresh time.Time
	refreshes   int
	logger      *zap.SugaredLogger
}

// NewManager loads the initial client. A failure here is fatal to startup.
func NewManager(load Loader, interval time.Duration, clk clock.PassiveClock, logger *zap.SugaredLogger) (*Manager, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	client, err := load()
	if err != nil {
		return nil, fmt.Errorf("loading initial credentials: %w", err)
	}
	return &Manager{
		load:        load,
		clock:       clk,
		interval:    interval,
		client:      client,
		lastRefresh: clk.Now(),
		logger:      logger,
	}, nil
}

// Client returns the current client handle.
func (m *Manager) Client() kube.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// EnsureFresh refreshes the client if the refresh interval has elapsed.
func (m *Manager) EnsureFresh() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clock.Since(m.lastRefresh) <= m.interval {
		return nil
	}
	m.logger.Info("Refreshing Kubernetes token...")
	return m.refreshLocked()
}

// ForceRefresh refreshes the client unconditionally and resets the timer.
// Used after an authentication failure.
func (m *Manager) ForceRefresh() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.Info("Forcing token refresh due to auth failure...")
	return m.refreshLocked()
}

// Refreshes returns the number of successful refreshes since construction.
func (m *Manager) Refreshes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshes
}

// LastRefresh returns when the client was last derived.
func (m *Manager) LastRefresh() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRefresh
}

func (m *Manager) refreshLocked() error {
	client, err := m.load()
	if err != nil {
		m.logger.Errorf("Failed to refresh token: %v", err)
		return fmt.Errorf("refreshing credentials: %w", err)
	}
	m.client = client
	m.lastRefresh = m.clock.Now()
	m.refreshes++
	m.logger.Info("Token refreshed successfully")
	return nil
}
