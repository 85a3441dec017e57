package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/utils/clock"

	"github.com/ppiankov/pod-log-watcher/internal/kube"
)

type fakeCreds struct {
	client     kube.Client
	ensures    int
	refreshes  int
	refreshErr error
}

func (f *fakeCreds) Client() kube.Client { return f.client }
func (f *fakeCreds) EnsureFresh() error  { f.ensures++; return nil }
func (f *fakeCreds) ForceRefresh() error {
	if f.refreshErr != nil {
		return f.refreshErr
	}
	f.refreshes++
	return nil
}

// recordingClock fires every timer immediately and records its duration.
type recordingClock struct {
	clock.RealClock
	waits []time.Duration
}

func (c *recordingClock) NewTimer(d time.Duration) clock.Timer {
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return firedTimer{ch: ch}
}

type firedTimer struct{ ch chan time.Time }

func (t firedTimer) C() <-chan time.Time      { return t.ch }
func (t firedTimer) Stop() bool               { return false }
func (t firedTimer) Reset(time.Duration) bool { return false }

func newTestExecutor(creds *fakeCreds) (*Executor, *recordingClock) {
	clk := &recordingClock{}
	e := NewExecutor(creds, 3, 5*time.Second, nil)
	e.Clock = clk
	return e, clk
}

func TestDo_Success(t *testing.T) {
	creds := &fakeCreds{}
	e, clk := newTestExecutor(creds)

	calls := 0
	err := e.Do(context.Background(), func(context.Context, kube.Client) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if creds.ensures != 1 {
		t.Errorf("expected EnsureFresh before the call, got %d", creds.ensures)
	}
	if len(clk.waits) != 0 {
		t.Errorf("expected no waits, got %v", clk.waits)
	}
}

func TestDo_RetryableExhaustsBudget(t *testing.T) {
	creds := &fakeCreds{}
	e, clk := newTestExecutor(creds)
	want := apierrors.NewTooManyRequests("slow down", 1)

	calls := 0
	err := e.Do(context.Background(), func(context.Context, kube.Client) error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected the retryable error to propagate, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 invocations, got %d", calls)
	}
	expected := []time.Duration{5 * time.Second, 10 * time.Second}
	if fmt.Sprint(clk.waits) != fmt.Sprint(expected) {
		t.Errorf("expected linear backoff %v, got %v", expected, clk.waits)
	}
}

func TestDo_ServerErrorsAreRetryable(t *testing.T) {
	for _, err := range []error{
		apierrors.NewForbidden(schema.GroupResource{Resource: "pods"}, "x", errors.New("denied")),
		apierrors.NewInternalError(errors.New("etcd")),
		apierrors.NewServiceUnavailable("down"),
		apierrors.NewGenericServerResponse(502, "get", schema.GroupResource{Resource: "pods"}, "x", "", 0, true),
		apierrors.NewGenericServerResponse(504, "get", schema.GroupResource{Resource: "pods"}, "x", "", 0, true),
	} {
		if got := Classify(err); got != ClassThrottled {
			t.Errorf("expected %v to be throttled, got %v", err, got)
		}
	}
}

func TestDo_AuthThenSuccess(t *testing.T) {
	creds := &fakeCreds{}
	e, clk := newTestExecutor(creds)

	calls := 0
	got, err := Value(context.Background(), e, func(context.Context, kube.Client) (string, error) {
		calls++
		if calls == 1 {
			return "", apierrors.NewUnauthorized("token expired")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("expected ok, got %q", got)
	}
	if creds.refreshes != 1 {
		t.Errorf("expected exactly 1 refresh, got %d", creds.refreshes)
	}
	if len(clk.waits) != 1 || clk.waits[0] != 5*time.Second {
		t.Errorf("expected one fixed delay, got %v", clk.waits)
	}
}

func TestDo_AuthExhausted(t *testing.T) {
	creds := &fakeCreds{}
	e, _ := newTestExecutor(creds)

	calls := 0
	err := e.Do(context.Background(), func(context.Context, kube.Client) error {
		calls++
		return apierrors.NewUnauthorized("token expired")
	})
	if !apierrors.IsUnauthorized(err) {
		t.Fatalf("expected unauthorized to propagate, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 invocations, got %d", calls)
	}
	if creds.refreshes != 2 {
		t.Errorf("expected 2 refreshes (none after the last attempt), got %d", creds.refreshes)
	}
}

func TestDo_RefreshFailureIsFatal(t *testing.T) {
	creds := &fakeCreds{refreshErr: errors.New("token file unreadable")}
	e, _ := newTestExecutor(creds)

	calls := 0
	err := e.Do(context.Background(), func(context.Context, kube.Client) error {
		calls++
		return apierrors.NewUnauthorized("token expired")
	})
	if err == nil {
		t.Fatal("expected refresh failure to surface")
	}
	if calls != 1 {
		t.Errorf("expected no further attempts after refresh failure, got %d calls", calls)
	}
}

func TestDo_PermanentNotRetried(t *testing.T) {
	creds := &fakeCreds{}
	e, clk := newTestExecutor(creds)

	calls := 0
	err := e.Do(context.Background(), func(context.Context, kube.Client) error {
		calls++
		return apierrors.NewNotFound(schema.GroupResource{Resource: "pods"}, "gone")
	})
	if !apierrors.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if len(clk.waits) != 0 {
		t.Errorf("expected no waits, got %v", clk.waits)
	}
}

func TestDo_TransientFlatDelay(t *testing.T) {
	creds := &fakeCreds{}
	e, clk := newTestExecutor(creds)

	calls := 0
	err := e.Do(context.Background(), func(context.Context, kube.Client) error {
		calls++
		return io.ErrUnexpectedEOF
	})
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected EOF error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	expected := []time.Duration{5 * time.Second, 5 * time.Second}
	if fmt.Sprint(clk.waits) != fmt.Sprint(expected) {
		t.Errorf("expected flat delays %v, got %v", expected, clk.waits)
	}
}

func TestDo_CancelledDuringWait(t *testing.T) {
	creds := &fakeCreds{}
	e := NewExecutor(creds, 3, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := e.Do(ctx, func(context.Context, kube.Client) error {
		calls++
		cancel()
		return io.EOF
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected cancellation to stop retries, got %d calls", calls)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"unauthorized", apierrors.NewUnauthorized("x"), ClassAuth},
		{"wrapped unauthorized", fmt.Errorf("listing: %w", apierrors.NewUnauthorized("x")), ClassAuth},
		{"too many", apierrors.NewTooManyRequests("x", 1), ClassThrottled},
		{"bad request", apierrors.NewBadRequest("x"), ClassPermanent},
		{"not found", apierrors.NewNotFound(schema.GroupResource{Resource: "pods"}, "p"), ClassPermanent},
		{"plain", errors.New("connection reset by peer"), ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestIsExpired(t *testing.T) {
	if !IsExpired(apierrors.NewResourceExpired("too old resource version")) {
		t.Error("expected resource expired to be detected")
	}
	if IsExpired(apierrors.NewBadRequest("x")) {
		t.Error("expected bad request not to be expired")
	}
}
