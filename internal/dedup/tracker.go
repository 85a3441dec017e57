// Package dedup remembers which pods have already been captured.
package dedup

import (
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Tracker is the set of handled pod names for one process lifetime. Entries
// are never evicted and never persisted. Thread-safe.
type Tracker struct {
	mu    sync.Mutex
	clock clock.PassiveClock
	pods  map[string]time.Time
}

// NewTracker creates an empty tracker stamping marks with clk. A nil clk
// uses the real clock.
func NewTracker(clk clock.PassiveClock) *Tracker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Tracker{clock: clk, pods: make(map[string]time.Time)}
}

// Seen reports whether name has been marked.
func (t *Tracker) Seen(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pods[name]
	return ok
}

// Mark records name as handled. Marking twice keeps the first time.
func (t *Tracker) Mark(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pods[name]; !ok {
		t.pods[name] = t.clock.Now()
	}
}

// MarkIfUnseen marks name and returns true, or returns false if it was
// already marked. For callers that capture from more than one goroutine.
func (t *Tracker) MarkIfUnseen(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pods[name]; ok {
		return false
	}
	t.pods[name] = t.clock.Now()
	return true
}

// MarkedAt returns when name was marked.
func (t *Tracker) MarkedAt(name string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.pods[name]
	return at, ok
}

// Names returns the marked pod names, sorted.
func (t *Tracker) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.pods))
	for n := range t.pods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of marked pods.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pods)
}
