package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haricheung/numerus/internal/types"
)

func readEvents(t *testing.T, path string) []types.Event {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("readEvents: %v", err)
	}
	var events []types.Event
	for _, line := range splitLines(string(data)) {
		if line == "" {
			continue
		}
		var e types.Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("readEvents: unmarshal %q: %v", line, err)
		}
		events = append(events, e)
	}
	return events
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func TestOpenJob_CreatesFileAndAppends(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	jj := r.OpenJob("job1")
	if jj == nil {
		t.Fatal("expected non-nil JobJournal")
	}
	if err := jj.Append(types.Event{Timestamp: time.Now(), EventType: types.EventPlanCreated, JobID: "job1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	r.CloseJob("job1")

	events := readEvents(t, filepath.Join(dir, "job1", "events.ndjson"))
	if len(events) != 1 || events[0].EventType != types.EventPlanCreated {
		t.Fatalf("got %+v", events)
	}
}

func TestOpenJob_IdempotentAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	jj1 := r.OpenJob("job1")
	jj2 := r.OpenJob("job1")
	if jj1 != jj2 {
		t.Fatal("expected same *JobJournal pointer on second OpenJob")
	}
	r.CloseJob("job1")
}

func TestOpenTask_WritesUnderJobDir(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	tj := r.OpenTask("job1", "t1")
	if tj == nil {
		t.Fatal("expected non-nil TaskJournal")
	}
	if err := tj.Append(types.Event{EventType: types.EventTerminalStarted, JobID: "job1", TaskID: "t1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	path := filepath.Join(dir, "job1", "t1", "events.ndjson")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file at %s: %v", path, err)
	}
}

func TestAppend_NilSafe(t *testing.T) {
	var jj *JobJournal
	if err := jj.Append(types.Event{}); err != nil {
		t.Fatalf("nil JobJournal.Append should no-op, got %v", err)
	}
	var tj *TaskJournal
	if err := tj.Append(types.Event{}); err != nil {
		t.Fatalf("nil TaskJournal.Append should no-op, got %v", err)
	}
}

func TestCloseJob_UnknownIsNoop(t *testing.T) {
	r := NewRegistry(t.TempDir())
	r.CloseJob("does-not-exist") // must not panic
}

func TestAppend_AfterCloseFails(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	jj := r.OpenJob("job1")
	r.CloseJob("job1")
	if err := jj.Append(types.Event{EventType: types.EventTaskCompleted}); err == nil {
		t.Fatal("expected error writing to a closed journal")
	}
}
