package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haricheung/numerus/internal/arbiter"
	"github.com/haricheung/numerus/internal/bus"
	"github.com/haricheung/numerus/internal/config"
	"github.com/haricheung/numerus/internal/journal"
	"github.com/haricheung/numerus/internal/metrics"
	"github.com/haricheung/numerus/internal/store"
	"github.com/haricheung/numerus/internal/terminal"
	"github.com/haricheung/numerus/internal/types"
)

// writeFakeAgent writes a shell script standing in for the external agent
// binary. It reads only the first line of stdin (the mode header) — never
// the whole stream — since the PTY master stays open until the child exits,
// and a blocking read of all of stdin (e.g. `cat`) would never see EOF and
// hang forever (see internal/terminal's own fake-process tests, which use
// the same `read -r line` idiom rather than `cat`).
func writeFakeAgent(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-agent.sh")
	script := "#!/bin/sh\nread -r header\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake agent: %v", err)
	}
	return path
}

func newTestRunner(t *testing.T, agentBin string) (*Runner, *bus.Bus) {
	t.Helper()
	return newTestRunnerWithConfig(t, agentBin, 1)
}

// newTestRunnerWithConfig is newTestRunner with a caller-chosen retry limit,
// for tests that need to exercise the retry-then-success or retries-then-fail
// paths (spec §8 scenario S4).
func newTestRunnerWithConfig(t *testing.T, agentBin string, retryLimit int) (*Runner, *bus.Bus) {
	t.Helper()
	b := bus.New()
	arb := arbiter.New(b)
	term := terminal.New(b, 100, time.Minute, time.Minute)
	jreg := journal.NewRegistry(t.TempDir())
	mx := metrics.NewCollector()

	st, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Config{
		RunsDir: t.TempDir(), StorePath: "", AgentBin: agentBin, MaxParallelTasks: 4,
		TaskTimeout: 5 * time.Second, PlanTimeout: 5 * time.Second, ClaimTimeout: 5 * time.Second,
		ExecuteTimeout: 5 * time.Second, RetryLimit: retryLimit, CancelGracePeriod: 200 * time.Millisecond,
	}
	return New(cfg, st, arb, term, b, jreg, mx), b
}

func waitForJobTerminal(t *testing.T, r *Runner, jobID string, want types.JobStatus) types.JobSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := r.Status(context.Background(), jobID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if snap.Job.Status == want {
			return snap
		}
		if isTerminalJob(snap.Job.Status) && snap.Job.Status != want {
			t.Fatalf("job reached terminal status %s, want %s", snap.Job.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for job %s to reach %s", jobID, want)
	return types.JobSnapshot{}
}

// TestRunner_SingleTaskSuccess drives one dependency-free task through
// pending -> analysis_pending -> awaiting_go -> executing -> completed, and
// the job to done (spec §8 scenario S1).
func TestRunner_SingleTaskSuccess(t *testing.T) {
	planBody := `case "$header" in
	"NUMERUS_PLAN V1")
		echo '{"objective":"demo","tasks":[{"id":"t1","summary":"write a file","dependencies":[],"resources":{"reads":[],"writes":["out.txt"]}}]}'
		;;
	"NUMERUS_CLAIM V1")
		echo '{"task_id":"t1","resources":{"reads":[],"writes":["out.txt"]},"execution":{"commands":["echo hi > out.txt"]}}'
		;;
	"NUMERUS_EXECUTE V1")
		exit 0
		;;
	esac
`
	agentBin := writeFakeAgent(t, planBody)
	r, _ := newTestRunner(t, agentBin)

	jobID, err := r.Submit(context.Background(), "demo", t.TempDir())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := waitForJobTerminal(t, r, jobID, types.JobDone)
	if len(snap.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(snap.Tasks))
	}
	if snap.Tasks[0].State != types.TaskCompleted {
		t.Fatalf("expected task completed, got %s", snap.Tasks[0].State)
	}
}

// TestRunner_DependencyCycleFailsJob exercises the plan-parse failure path
// (spec §8 scenario S3): a cyclic plan must fail the job before any task
// ever starts the claim/execute phases.
func TestRunner_DependencyCycleFailsJob(t *testing.T) {
	planBody := `case "$header" in
	"NUMERUS_PLAN V1")
		echo '{"objective":"demo","tasks":[{"id":"t1","summary":"a","dependencies":["t2"],"resources":{"reads":[],"writes":[]}},{"id":"t2","summary":"b","dependencies":["t1"],"resources":{"reads":[],"writes":[]}}]}'
		;;
	esac
`
	agentBin := writeFakeAgent(t, planBody)
	r, _ := newTestRunner(t, agentBin)

	jobID, err := r.Submit(context.Background(), "demo", t.TempDir())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := waitForJobTerminal(t, r, jobID, types.JobFailed)
	if len(snap.Tasks) != 0 {
		t.Fatalf("expected no tasks to have been persisted, got %d", len(snap.Tasks))
	}
}

// TestTieBreakOrder is a pure unit test of the ready-task ordering rule
// (spec §4.1): fewer declared writes first, then lexicographic task id.
func TestTieBreakOrder(t *testing.T) {
	mk := func(id string, writes ...string) *types.Task {
		return &types.Task{TaskID: id, Resources: types.Resources{Writes: writes}}
	}
	in := []*types.Task{
		mk("c", "a.txt", "b.txt"),
		mk("a"),
		mk("b", "x.txt"),
	}
	out := sortReady(in)
	var ids []string
	for _, tk := range out {
		ids = append(ids, tk.TaskID)
	}
	want := []string{"a", "b", "c"}
	for i, id := range want {
		if ids[i] != id {
			t.Fatalf("sortReady order = %v, want %v", ids, want)
		}
	}
}

// TestCascadeCancelPropagatesToDependents is a pure unit test of the
// descendant-collection helper cascade-cancellation relies on once a task
// exhausts its retries (spec §4.1 cascade semantics).
func TestCascadeCancelPropagatesToDependents(t *testing.T) {
	// t1 -> t2 -> t4
	//   \-> t3
	dependents := map[string][]string{
		"t1": {"t2", "t3"},
		"t2": {"t4"},
	}
	got := collectDescendants("t1", dependents)
	want := map[string]bool{"t2": true, "t3": true, "t4": true}
	if len(got) != len(want) {
		t.Fatalf("collectDescendants = %v, want members of %v", got, want)
	}
	for _, id := range got {
		if !want[id] {
			t.Fatalf("unexpected descendant %q in %v", id, got)
		}
	}
}

func TestCascadeCancelPropagatesToDependents_NoDescendants(t *testing.T) {
	got := collectDescendants("lonely", map[string][]string{})
	if len(got) != 0 {
		t.Fatalf("expected no descendants, got %v", got)
	}
}

func TestDepsCompleted(t *testing.T) {
	tasks := map[string]*types.Task{
		"t1": {TaskID: "t1", State: types.TaskCompleted},
		"t2": {TaskID: "t2", State: types.TaskFailed},
	}
	done := &types.Task{TaskID: "t3", Dependencies: []string{"t1"}}
	notDone := &types.Task{TaskID: "t4", Dependencies: []string{"t1", "t2"}}
	if !depsCompleted(done, tasks) {
		t.Fatal("expected deps on t1 alone to be satisfied")
	}
	if depsCompleted(notDone, tasks) {
		t.Fatal("expected deps including failed t2 to be unsatisfied")
	}
}

// TestRunner_WriteConflictBlocksThenUnblocks exercises the Arbiter
// write/write conflict path end to end (spec §8 scenario S2): two
// dependency-free tasks claim the same write path, one is parked, and once
// the holder releases, the parked claim is granted and both tasks complete.
func TestRunner_WriteConflictBlocksThenUnblocks(t *testing.T) {
	planBody := `case "$header" in
	"NUMERUS_PLAN V1")
		echo '{"objective":"demo","tasks":[{"id":"t1","summary":"a","dependencies":[],"resources":{"reads":[],"writes":["shared.txt"]}},{"id":"t2","summary":"b","dependencies":[],"resources":{"reads":[],"writes":["shared.txt"]}}]}'
		;;
	"NUMERUS_CLAIM V1")
		echo '{"task_id":"shared","resources":{"reads":[],"writes":["shared.txt"]},"execution":{"commands":["true"]}}'
		;;
	"NUMERUS_EXECUTE V1")
		sleep 0.3
		exit 0
		;;
	esac
`
	agentBin := writeFakeAgent(t, planBody)
	r, b := newTestRunner(t, agentBin)

	blocked, unsubscribe := b.Subscribe(string(types.EventClaimBlocked))
	defer unsubscribe()

	jobID, err := r.Submit(context.Background(), "demo", t.TempDir())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a write-conflict claim_blocked event")
	}

	snap := waitForJobTerminal(t, r, jobID, types.JobDone)
	if len(snap.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(snap.Tasks))
	}
	for _, tk := range snap.Tasks {
		if tk.State != types.TaskCompleted {
			t.Fatalf("task %s: expected completed, got %s", tk.TaskID, tk.State)
		}
	}
}

// TestRunner_RetryThenSucceeds exercises the bounded-retry path (spec §8
// scenario S4): an execute-phase failure consumes one attempt and is
// re-dispatched rather than failing the job, and a subsequent success
// completes it normally.
func TestRunner_RetryThenSucceeds(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "attempted")
	planBody := `case "$header" in
	"NUMERUS_PLAN V1")
		echo '{"objective":"demo","tasks":[{"id":"t1","summary":"a","dependencies":[],"resources":{"reads":[],"writes":["out.txt"]}}]}'
		;;
	"NUMERUS_CLAIM V1")
		echo '{"task_id":"t1","resources":{"reads":[],"writes":["out.txt"]},"execution":{"commands":["true"]}}'
		;;
	"NUMERUS_EXECUTE V1")
		if [ -f "` + marker + `" ]; then
			exit 0
		fi
		touch "` + marker + `"
		exit 1
		;;
	esac
`
	agentBin := writeFakeAgent(t, planBody)
	r, _ := newTestRunnerWithConfig(t, agentBin, 2)

	jobID, err := r.Submit(context.Background(), "demo", t.TempDir())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := waitForJobTerminal(t, r, jobID, types.JobDone)
	if len(snap.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(snap.Tasks))
	}
	if snap.Tasks[0].State != types.TaskCompleted {
		t.Fatalf("expected task completed after retry, got %s", snap.Tasks[0].State)
	}
	if snap.Tasks[0].Attempt != 1 {
		t.Fatalf("expected 1 recorded retry, got attempt=%d", snap.Tasks[0].Attempt)
	}
}

// TestRunner_CancelMidExecuteCancelsTask exercises mid-flight cancellation
// (spec §8 scenario S5): Cancel delivers SIGTERM to a task's executing PTY
// and the task lands in cancelled rather than failed or completed, even
// though its subprocess was killed rather than exiting 0.
func TestRunner_CancelMidExecuteCancelsTask(t *testing.T) {
	planBody := `case "$header" in
	"NUMERUS_PLAN V1")
		echo '{"objective":"demo","tasks":[{"id":"t1","summary":"a","dependencies":[],"resources":{"reads":[],"writes":["out.txt"]}}]}'
		;;
	"NUMERUS_CLAIM V1")
		echo '{"task_id":"t1","resources":{"reads":[],"writes":["out.txt"]},"execution":{"commands":["true"]}}'
		;;
	"NUMERUS_EXECUTE V1")
		sleep 5
		exit 0
		;;
	esac
`
	agentBin := writeFakeAgent(t, planBody)
	r, _ := newTestRunner(t, agentBin)

	jobID, err := r.Submit(context.Background(), "demo", t.TempDir())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := r.Status(context.Background(), jobID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if len(snap.Tasks) == 1 && snap.Tasks[0].State == types.TaskExecuting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for task to reach executing")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := r.Cancel(context.Background(), jobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	snap := waitForJobTerminal(t, r, jobID, types.JobCancelled)
	if len(snap.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(snap.Tasks))
	}
	if snap.Tasks[0].State != types.TaskCancelled {
		t.Fatalf("expected task cancelled, got %s", snap.Tasks[0].State)
	}
}

// TestRunner_ResumeResetsInterruptedTaskToFailed exercises crash-recovery
// (spec §8 scenario S6): a task persisted mid-flight (executing) with no
// retries left is reset to failed — the disposition recorded in
// DESIGN.md's Open Question decisions — without ever re-invoking the agent
// binary, since that attempt's subprocess is gone for good.
func TestRunner_ResumeResetsInterruptedTaskToFailed(t *testing.T) {
	r, _ := newTestRunnerWithConfig(t, filepath.Join(t.TempDir(), "no-such-agent"), 0)
	ctx := context.Background()

	job := types.Job{JobID: "job1", Objective: "demo", CreatedAt: time.Now().UTC(), Status: types.JobRunning, WorkingDir: t.TempDir()}
	if err := r.store.SaveJob(ctx, job); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	task := types.Task{JobID: "job1", TaskID: "t1", State: types.TaskExecuting}
	if err := r.store.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	if err := r.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	snap, err := r.Status(ctx, "job1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(snap.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(snap.Tasks))
	}
	if snap.Tasks[0].State != types.TaskFailed {
		t.Fatalf("expected task reset to failed, got %s", snap.Tasks[0].State)
	}
	if snap.Job.Status != types.JobFailed {
		t.Fatalf("expected job failed, got %s", snap.Job.Status)
	}
}
