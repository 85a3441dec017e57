package dedup

import (
	"sync"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"
)

func TestMarkAndSeen(t *testing.T) {
	tr := NewTracker(nil)
	if tr.Seen("api-0") {
		t.Fatal("expected empty tracker")
	}
	tr.Mark("api-0")
	if !tr.Seen("api-0") {
		t.Error("expected api-0 to be seen after mark")
	}
	if tr.Seen("api-1") {
		t.Error("expected api-1 to be unseen")
	}
	if tr.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", tr.Len())
	}
}

func TestMark_Idempotent(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	clk := testingclock.NewFakePassiveClock(start)
	tr := NewTracker(clk)

	tr.Mark("api-0")
	clk.SetTime(start.Add(time.Minute))
	tr.Mark("api-0")

	at, ok := tr.MarkedAt("api-0")
	if !ok {
		t.Fatal("expected api-0 to be marked")
	}
	if !at.Equal(start) {
		t.Errorf("expected first mark time %v to be kept, got %v", start, at)
	}
	if tr.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", tr.Len())
	}
}

func TestMarkIfUnseen_StampsClock(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	tr := NewTracker(testingclock.NewFakePassiveClock(now))
	tr.MarkIfUnseen("job-1")
	if at, _ := tr.MarkedAt("job-1"); !at.Equal(now) {
		t.Errorf("expected mark time %v, got %v", now, at)
	}
	if _, ok := tr.MarkedAt("job-2"); ok {
		t.Error("expected job-2 to be unmarked")
	}
}

func TestMarkIfUnseen(t *testing.T) {
	tr := NewTracker(nil)
	if !tr.MarkIfUnseen("job-1") {
		t.Error("expected first MarkIfUnseen to win")
	}
	if tr.MarkIfUnseen("job-1") {
		t.Error("expected second MarkIfUnseen to lose")
	}
}

func TestMarkIfUnseen_Concurrent(t *testing.T) {
	tr := NewTracker(nil)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.MarkIfUnseen("job-1") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly 1 winner, got %d", wins)
	}
}

func TestNames(t *testing.T) {
	tr := NewTracker(nil)
	tr.Mark("c")
	tr.Mark("a")
	tr.Mark("b")
	got := tr.Names()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("expected [a b c], got %v", got)
	}
}
