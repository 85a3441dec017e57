// Package retry runs cluster API calls with classification-driven retries.
package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/ppiankov/pod-log-watcher/internal/kube"
	"github.com/ppiankov/pod-log-watcher/internal/metrics"
)

// Credentials is the part of the credential manager the executor needs.
type Credentials interface {
	Client() kube.Client
	EnsureFresh() error
	ForceRefresh() error
}

// Executor wraps idempotent cluster calls with retry and backoff.
type Executor struct {
	Creds      Credentials
	MaxRetries int
	Delay      time.Duration
	Logger     *zap.SugaredLogger
	Metrics    *metrics.Counters
	Clock      clock.Clock
}

// NewExecutor creates an Executor.
func NewExecutor(creds Credentials, maxRetries int, delay time.Duration, logger *zap.SugaredLogger) *Executor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Executor{
		Creds:      creds,
		MaxRetries: maxRetries,
		Delay:      delay,
		Logger:     logger,
		Clock:      clock.RealClock{},
	}
}

// Do runs op until it succeeds, fails permanently, or the attempt budget is
// spent. Each attempt sees the client current at that moment.
//
// Auth errors force a credential refresh and wait Delay. Throttled errors
// wait Delay*attempt. Transient errors wait Delay. Permanent errors return
// immediately. The last error is returned once MaxRetries attempts are used.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context, c kube.Client) error) error {
	attempts := e.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		if err := e.Creds.EnsureFresh(); err != nil {
			return err
		}

		err := op(ctx, e.Creds.Client())
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		class := Classify(err)
		last := attempt >= attempts
		var wait time.Duration

		switch class {
		case ClassAuth:
			e.Logger.Warnf("Authentication failed (attempt %d/%d): %v", attempt, attempts, err)
			if last {
				e.Logger.Errorf("Max retries exceeded for auth failure: %v", err)
				return err
			}
			if rerr := e.Creds.ForceRefresh(); rerr != nil {
				e.Logger.Errorf("Failed to refresh token after auth failure: %v", rerr)
				return fmt.Errorf("refreshing after auth failure: %w", rerr)
			}
			e.Metrics.RecordRefresh()
			wait = e.Delay

		case ClassThrottled:
			e.Logger.Warnf("Retryable error (attempt %d/%d): %v", attempt, attempts, err)
			if last {
				e.Logger.Errorf("Max retries exceeded for error: %v", err)
				return err
			}
			wait = e.Delay * time.Duration(attempt)

		case ClassTransient:
			if last {
				return err
			}
			e.Logger.Warnf("Unexpected error (attempt %d/%d): %v", attempt, attempts, err)
			wait = e.Delay

		default:
			return err
		}

		e.Metrics.RecordRetry(class.String())
		if serr := e.sleep(ctx, wait); serr != nil {
			return err
		}
	}
}

// Value is Do for operations that return a result.
func Value[T any](ctx context.Context, e *Executor, op func(ctx context.Context, c kube.Client) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, func(ctx context.Context, c kube.Client) error {
		v, err := op(ctx, c)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	return Sleep(ctx, e.Clock, d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	t := clk.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}
