package credential

import (
	"errors"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/ppiankov/pod-log-watcher/internal/kube"
)

type countingLoader struct {
	loads int
	err   error
}

func (l *countingLoader) load() (kube.Client, error) {
	l.loads++
	if l.err != nil {
		return nil, l.err
	}
	return kube.NewFakeClient(), nil
}

func TestNewManager_LoadsInitialClient(t *testing.T) {
	l := &countingLoader{}
	m, err := NewManager(l.load, time.Hour, testingclock.NewFakeClock(time.Now()), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Client() == nil {
		t.Fatal("expected client handle")
	}
	if l.loads != 1 {
		t.Errorf("expected 1 load, got %d", l.loads)
	}
	if m.Refreshes() != 0 {
		t.Errorf("expected 0 refreshes, got %d", m.Refreshes())
	}
}

func TestNewManager_InitialFailure(t *testing.T) {
	l := &countingLoader{err: errors.New("no kubeconfig")}
	if _, err := NewManager(l.load, time.Hour, nil, nil); err == nil {
		t.Error("expected error when initial load fails")
	}
}

func TestEnsureFresh_WithinInterval(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	l := &countingLoader{}
	m, err := NewManager(l.load, time.Hour, clk, nil)
	if err != nil {
		t.Fatal(err)
	}

	clk.Step(59 * time.Minute)
	if err := m.EnsureFresh(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clk.Step(time.Minute)
	if err := m.EnsureFresh(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Refreshes() != 0 {
		t.Errorf("expected no refresh at exactly the interval, got %d", m.Refreshes())
	}
}

func TestEnsureFresh_AfterInterval(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	l := &countingLoader{}
	m, err := NewManager(l.load, time.Hour, clk, nil)
	if err != nil {
		t.Fatal(err)
	}
	before := m.Client()

	clk.Step(time.Hour + time.Second)
	if err := m.EnsureFresh(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Refreshes() != 1 {
		t.Errorf("expected 1 refresh, got %d", m.Refreshes())
	}
	if m.Client() == before {
		t.Error("expected a new client handle after refresh")
	}
	if !m.LastRefresh().Equal(clk.Now()) {
		t.Errorf("expected last refresh %v, got %v", clk.Now(), m.LastRefresh())
	}

	if err := m.EnsureFresh(); err != nil {
		t.Fatal(err)
	}
	if m.Refreshes() != 1 {
		t.Errorf("expected timer reset after refresh, got %d refreshes", m.Refreshes())
	}
}

func TestForceRefresh_ResetsTimer(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	l := &countingLoader{}
	m, err := NewManager(l.load, time.Hour, clk, nil)
	if err != nil {
		t.Fatal(err)
	}

	clk.Step(50 * time.Minute)
	if err := m.ForceRefresh(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clk.Step(50 * time.Minute)
	if err := m.EnsureFresh(); err != nil {
		t.Fatal(err)
	}
	if m.Refreshes() != 1 {
		t.Errorf("expected only the forced refresh, got %d", m.Refreshes())
	}
}

func TestForceRefresh_Failure(t *testing.T) {
	l := &countingLoader{}
	m, err := NewManager(l.load, time.Hour, testingclock.NewFakeClock(time.Now()), nil)
	if err != nil {
		t.Fatal(err)
	}
	before := m.Client()

	l.err = errors.New("token file unreadable")
	if err := m.ForceRefresh(); err == nil {
		t.Fatal("expected refresh error to surface")
	}
	if m.Client() != before {
		t.Error("expected previous client to be kept after failed refresh")
	}
	if m.Refreshes() != 0 {
		t.Errorf("expected 0 refreshes, got %d", m.Refreshes())
	}
}
