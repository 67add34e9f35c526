package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/haricheung/numerus/internal/bus"
	"github.com/haricheung/numerus/internal/types"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *bus.Bus) {
	t.Helper()
	b := bus.New()
	s := New(b, filepath.Join(t.TempDir(), "memory.db"), ttl)
	return s, b
}

// runUntilEmpty persists everything queued so far. It drains the write queue
// directly instead of going through Run, because Run closes the database when
// stopped and the tests query it afterwards.
func runUntilEmpty(s *Store) {
	// Give any Tail goroutine a moment to forward bus events into the queue.
	time.Sleep(20 * time.Millisecond)
	s.drainWriteQueue()
}

func TestWriteAndQueryJob(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	s.Write(types.Event{Timestamp: time.Now(), JobID: "job1", EventType: types.EventTaskCompleted})
	s.Write(types.Event{Timestamp: time.Now(), JobID: "job1", EventType: types.EventTaskFailed})
	s.Write(types.Event{Timestamp: time.Now(), JobID: "job2", EventType: types.EventTaskCompleted})
	runUntilEmpty(s)

	events, err := s.QueryJob("job1")
	if err != nil {
		t.Fatalf("QueryJob: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
}

func TestQueryJob_EmptyForUnknownJob(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	events, err := s.QueryJob("does-not-exist")
	if err != nil {
		t.Fatalf("QueryJob: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("got %d events, want 0", len(events))
	}
}

func TestSweep_DeletesExpiredEvents(t *testing.T) {
	s, _ := newTestStore(t, time.Millisecond)
	s.Write(types.Event{Timestamp: time.Now().Add(-time.Hour), JobID: "job1", EventType: types.EventTaskCompleted})
	runUntilEmpty(s)

	scanned, deleted := s.sweep()
	if scanned != 1 || deleted != 1 {
		t.Fatalf("sweep() = (%d, %d), want (1, 1)", scanned, deleted)
	}

	events, _ := s.QueryJob("job1")
	if len(events) != 0 {
		t.Fatalf("expected event to be pruned, got %d", len(events))
	}
}

func TestWrite_DropsWhenQueueFull(t *testing.T) {
	b := bus.New()
	s := New(b, filepath.Join(t.TempDir(), "memory.db"), time.Hour)
	defer func() {
		stop := make(chan struct{})
		close(stop)
		s.Run(stop)
	}()

	for i := 0; i < cap(s.writeCh)+10; i++ {
		s.Write(types.Event{JobID: "job1", EventType: types.EventTaskCompleted})
	}
	// Must not block or panic; back-pressure is drop-and-warn.
}

func TestTail_MirrorsBusEvents(t *testing.T) {
	s, b := newTestStore(t, time.Hour)
	s.Tail()

	b.Publish("job.task_completed", types.Event{JobID: "job3", EventType: types.EventTaskCompleted, Timestamp: time.Now()})
	time.Sleep(20 * time.Millisecond)
	runUntilEmpty(s)

	events, err := s.QueryJob("job3")
	if err != nil {
		t.Fatalf("QueryJob: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
}
