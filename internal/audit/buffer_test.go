package audit

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// collectSink records appended IDs; optionally blocks until released or fails.
type collectSink struct {
	mu      sync.Mutex
	ids     []string
	failAll bool
	gate    chan struct{}
}

func (s *collectSink) Append(rec Record) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errors.New("sink down")
	}
	s.ids = append(s.ids, rec.ID)
	return nil
}

func (s *collectSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

func TestBufferDeliversInOrder(t *testing.T) {
	sink := &collectSink{}
	b := NewBuffer(sink, 16)

	for i := 0; i < 5; i++ {
		b.Append(Record{ID: fmt.Sprintf("r%d", i)})
	}
	b.Close()

	got := sink.snapshot()
	if len(got) != 5 {
		t.Fatalf("delivered = %d records, want 5", len(got))
	}
	for i, id := range got {
		if want := fmt.Sprintf("r%d", i); id != want {
			t.Errorf("record %d = %s, want %s", i, id, want)
		}
	}
}

func TestBufferDropsOldestOnOverflow(t *testing.T) {
	// Hold the writer on the first record so the queue fills.
	gate := make(chan struct{})
	sink := &collectSink{gate: gate}
	b := NewBuffer(sink, 3)

	b.Append(Record{ID: "blocker"})
	time.Sleep(20 * time.Millisecond) // let the writer take it and block

	for i := 0; i < 5; i++ {
		b.Append(Record{ID: fmt.Sprintf("q%d", i)})
	}
	if got := b.Dropped(); got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}

	close(gate)
	b.Close()

	got := sink.snapshot()
	// blocker plus the newest 3 queued records survive.
	want := []string{"blocker", "q2", "q3", "q4"}
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered %v, want %v", got, want)
		}
	}
}

func TestBufferSinkFailureDoesNotPropagate(t *testing.T) {
	sink := &collectSink{failAll: true}
	b := NewBuffer(sink, 4)

	if err := b.Append(Record{ID: "x"}); err != nil {
		t.Fatalf("Append returned %v, want nil even with a failing sink", err)
	}
	b.Close()
}

func TestBufferCloseIsIdempotentAndFinal(t *testing.T) {
	sink := &collectSink{}
	b := NewBuffer(sink, 4)

	b.Append(Record{ID: "before"})
	b.Close()
	b.Close()

	// Discarded silently after close.
	if err := b.Append(Record{ID: "after"}); err != nil {
		t.Fatalf("Append after close returned %v", err)
	}

	got := sink.snapshot()
	if len(got) != 1 || got[0] != "before" {
		t.Errorf("delivered %v, want [before]", got)
	}
}
