package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/haricheung/numerus/internal/bus"
	"github.com/haricheung/numerus/internal/types"
)

func newTestAuditor(t *testing.T, b *bus.Bus, maxRetry int) *Auditor {
	t.Helper()
	dir := t.TempDir()
	return New(b, filepath.Join(dir, "audit.ndjson"), filepath.Join(dir, "stats.json"), 0, maxRetry)
}

func TestProcess_CountsTaskOutcomes(t *testing.T) {
	b := bus.New()
	a := newTestAuditor(t, b, 3)
	stop := make(chan struct{})
	go a.Run(stop)
	defer close(stop)

	reportCh, unsub := b.Subscribe("audit.report")
	defer unsub()

	b.Publish("job.task_completed", types.Event{EventType: types.EventTaskCompleted, TaskID: "t1"})
	b.Publish("job.task_failed", types.Event{EventType: types.EventTaskFailed, TaskID: "t2"})
	time.Sleep(20 * time.Millisecond)

	a.publishReport("test")
	env := recv(t, reportCh)
	snap, ok := env.Payload.(Snapshot)
	if !ok {
		t.Fatalf("expected Snapshot payload, got %T", env.Payload)
	}
	if snap.TasksCompleted != 1 || snap.TasksFailed != 1 {
		t.Fatalf("got %+v", snap)
	}
}

func TestProcess_RetryAlertAtThreshold(t *testing.T) {
	b := bus.New()
	a := newTestAuditor(t, b, 2)
	stop := make(chan struct{})
	go a.Run(stop)
	defer close(stop)

	b.Publish("job.task_failed", types.Event{EventType: types.EventTaskFailed, TaskID: "t1"})
	b.Publish("job.task_failed", types.Event{EventType: types.EventTaskFailed, TaskID: "t1"})
	time.Sleep(20 * time.Millisecond)

	a.mu.Lock()
	n := a.retriesByTask["t1"]
	a.mu.Unlock()
	if n < a.maxRetry {
		t.Fatalf("expected retriesByTask[t1] >= %d, got %d", a.maxRetry, n)
	}
}

func TestProcess_StarvationAlertAfterRepeatedBlocks(t *testing.T) {
	b := bus.New()
	a := newTestAuditor(t, b, 0)
	stop := make(chan struct{})
	go a.Run(stop)
	defer close(stop)

	for i := 0; i < 10; i++ {
		b.Publish("job.claim_blocked", types.Event{EventType: types.EventClaimBlocked, TaskID: "t1"})
	}
	time.Sleep(20 * time.Millisecond)

	a.mu.Lock()
	streak := a.parkStreak["t1"]
	a.mu.Unlock()
	if streak != 10 {
		t.Fatalf("expected parkStreak[t1] == 10, got %d", streak)
	}
}

func TestPublishReport_ResetsWindow(t *testing.T) {
	b := bus.New()
	a := newTestAuditor(t, b, 3)
	stop := make(chan struct{})
	go a.Run(stop)
	defer close(stop)

	b.Publish("job.task_completed", types.Event{EventType: types.EventTaskCompleted, TaskID: "t1"})
	time.Sleep(20 * time.Millisecond)
	a.publishReport("test")

	a.mu.Lock()
	completed := a.tasksCompleted
	a.mu.Unlock()
	if completed != 0 {
		t.Fatalf("expected window to reset, got tasksCompleted=%d", completed)
	}
}

func recv(t *testing.T, ch <-chan bus.Envelope) bus.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return bus.Envelope{}
	}
}
