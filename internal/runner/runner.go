// Package runner implements the Job Runner (spec C7): the per-task state
// machine that coordinates the Plan Parser, Resource Arbiter, Terminal
// Manager and Store to drive every task of a job through
// pending → analysis_pending → awaiting_go → executing → completed|failed,
// with retry, cancellation and crash-recovery semantics layered on top.
//
// There is no teacher analogue for this orchestration — haricheung's
// dispatcher drives a fixed sequence-numbered subtask list
// (internal/roles/planner + cmd/agsh/main.go's goroutine wiring), not a
// general dependency DAG with a lock-arbitrated critical path. The
// goroutine-per-unit-of-work plus bounded-semaphore shape is grounded on
// ChuLiYu-raft-recovery's internal/worker/worker_pool.go (fixed capacity,
// task handed to the next free slot, WaitGroup-tracked shutdown) adapted
// from a fixed pool of long-lived workers to a semaphore bounding
// dynamically spawned per-task goroutines, since each task's lifecycle
// (claim → maybe-park → execute → maybe-retry) is its own small state
// machine rather than a uniform unit of work pulled off one queue.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/numerus/internal/agent"
	"github.com/haricheung/numerus/internal/arbiter"
	"github.com/haricheung/numerus/internal/bus"
	"github.com/haricheung/numerus/internal/config"
	"github.com/haricheung/numerus/internal/journal"
	"github.com/haricheung/numerus/internal/metrics"
	"github.com/haricheung/numerus/internal/planparse"
	"github.com/haricheung/numerus/internal/store"
	"github.com/haricheung/numerus/internal/terminal"
	"github.com/haricheung/numerus/internal/types"
)

// ErrJobNotFound is returned by Status/Cancel for an unknown job id.
var ErrJobNotFound = fmt.Errorf("runner: job not found")

// jobState is the Job Runner's in-memory mirror of one job: its task table,
// the dependents index (for advancing the DAG and cascading cancellation),
// a semaphore bounding concurrent claim/execute work, and the live PTY
// sessions of executing tasks (so Cancel can signal them).
type jobState struct {
	mu         sync.Mutex
	job        types.Job
	tasks      map[string]*types.Task
	dependents map[string][]string // taskID -> tasks that depend on it
	sem        chan struct{}
	cancelling bool
	sessions   map[string]string // taskID -> terminal session id, while executing
}

// Runner is the Job Runner. One Runner drives every job submitted to it;
// jobs run concurrently, but each job's own task-state transitions are
// serialized through that job's jobState mutex.
type Runner struct {
	cfg   config.Config
	store *store.Store
	arb   *arbiter.Arbiter
	term  *terminal.Manager
	b     *bus.Bus
	jreg  *journal.Registry
	mx    *metrics.Collector

	mu   sync.Mutex
	jobs map[string]*jobState
}

// New builds a Runner wired to every collaborator component (spec §2's data
// flow: Runner invokes the Terminal Manager, parses through the Plan
// Parser, submits to the Arbiter, and persists through the Store).
func New(cfg config.Config, st *store.Store, arb *arbiter.Arbiter, term *terminal.Manager, b *bus.Bus, jreg *journal.Registry, mx *metrics.Collector) *Runner {
	return &Runner{cfg: cfg, store: st, arb: arb, term: term, b: b, jreg: jreg, mx: mx, jobs: make(map[string]*jobState)}
}

// Submit persists a new Job and kicks off planning asynchronously,
// returning the job id immediately (spec §4.1 "submit(...) → job_id").
func (r *Runner) Submit(ctx context.Context, objective, workingDir string) (string, error) {
	jobID := uuid.New().String()
	job := types.Job{JobID: jobID, Objective: objective, CreatedAt: time.Now().UTC(), Status: types.JobPlanning, WorkingDir: workingDir}
	if err := r.store.SaveJob(ctx, job); err != nil {
		return "", fmt.Errorf("runner: save job: %w", err)
	}

	js := &jobState{
		job:        job,
		tasks:      make(map[string]*types.Task),
		dependents: make(map[string][]string),
		sem:        make(chan struct{}, maxInt(1, r.cfg.MaxParallelTasks)),
		sessions:   make(map[string]string),
	}
	r.mu.Lock()
	r.jobs[jobID] = js
	r.mu.Unlock()

	go r.runPlan(jobID)
	return jobID, nil
}

// Status returns the current snapshot of every task in job_id, preferring
// the in-memory mirror (fresher than the last Store upsert) and falling
// back to the Store for jobs this process did not originate (e.g. after a
// restart, before Resume has re-hydrated them — see cmd/numerus).
func (r *Runner) Status(ctx context.Context, jobID string) (types.JobSnapshot, error) {
	r.mu.Lock()
	js, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return r.store.LoadJobSnapshot(ctx, jobID)
	}

	js.mu.Lock()
	defer js.mu.Unlock()
	tasks := make([]types.Task, 0, len(js.tasks))
	for _, t := range js.tasks {
		tasks = append(tasks, *t)
	}
	return types.JobSnapshot{Job: js.job, Tasks: tasks}, nil
}

// Cancel marks job_id cancelling, refuses new task starts, and delivers
// SIGTERM then (after the configured grace period) SIGKILL to every
// executing task's PTY (spec §5 cancellation semantics).
func (r *Runner) Cancel(ctx context.Context, jobID string) error {
	r.mu.Lock()
	js, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}

	js.mu.Lock()
	if isTerminalJob(js.job.Status) {
		js.mu.Unlock()
		return nil
	}
	js.cancelling = true
	js.job.Status = types.JobCancelling
	sessions := make([]string, 0, len(js.sessions))
	for _, sid := range js.sessions {
		sessions = append(sessions, sid)
	}
	jobCopy := js.job
	js.mu.Unlock()

	if err := r.store.SaveJob(ctx, jobCopy); err != nil {
		log.Printf("[RUNNER] job=%s cancel: save job: %v", jobID, err)
	}

	for _, sid := range sessions {
		_ = r.term.Kill(sid, syscall.SIGTERM)
	}
	if len(sessions) > 0 {
		grace := r.cfg.CancelGracePeriod
		go func() {
			time.Sleep(grace)
			for _, sid := range sessions {
				_ = r.term.Kill(sid, syscall.SIGKILL)
			}
		}()
	}
	r.checkJobCompletion(jobID)
	return nil
}

// Resume rehydrates every non-terminal job found in the Store into an
// in-memory jobState so it keeps being driven after a restart. Call once at
// startup, after the Arbiter has already been seeded via
// store.RecoverStaleLocks + Arbiter.Restore (spec §4.5/§8 scenario S6: "the
// Store shows t1 reset from executing to failed ... and its stale locks are
// cleared" — the "reset to failed" half happens here, the lock half already
// happened in the Arbiter before Resume is called).
func (r *Runner) Resume(ctx context.Context) error {
	jobs, err := r.store.LoadNonTerminalJobs(ctx)
	if err != nil {
		return fmt.Errorf("runner: load non-terminal jobs: %w", err)
	}
	for _, job := range jobs {
		if err := r.resumeJob(ctx, job); err != nil {
			log.Printf("[RUNNER] job=%s: resume: %v", job.JobID, err)
		}
	}
	return nil
}

// resumeJob rebuilds one job's in-memory state from its last persisted
// snapshot, fails out whatever task was caught mid-flight when the process
// died (its agent subprocess is long gone, so that attempt is unsalvageable),
// cascades that failure exactly as a live one would, then re-dispatches
// whatever was merely queued and never got the chance to start.
func (r *Runner) resumeJob(ctx context.Context, job types.Job) error {
	snap, err := r.store.LoadJobSnapshot(ctx, job.JobID)
	if err != nil {
		return err
	}

	js := &jobState{
		job:        job,
		tasks:      make(map[string]*types.Task),
		dependents: make(map[string][]string),
		sem:        make(chan struct{}, maxInt(1, r.cfg.MaxParallelTasks)),
		sessions:   make(map[string]string),
	}
	for i := range snap.Tasks {
		t := snap.Tasks[i]
		js.tasks[t.TaskID] = &t
	}
	for _, t := range js.tasks {
		for _, dep := range t.Dependencies {
			js.dependents[dep] = append(js.dependents[dep], t.TaskID)
		}
	}

	r.mu.Lock()
	r.jobs[job.JobID] = js
	r.mu.Unlock()

	if job.Status == types.JobPlanning && len(js.tasks) == 0 {
		// Crashed before any plan ever landed — nothing to rehydrate into,
		// so just start over.
		go r.runPlan(job.JobID)
		return nil
	}

	// Cascade any failure that was already terminal at crash time but whose
	// downstream cancellation may not have finished.
	js.mu.Lock()
	var preFailed []string
	for id, t := range js.tasks {
		if t.State == types.TaskFailed {
			preFailed = append(preFailed, id)
		}
	}
	js.mu.Unlock()
	for _, id := range preFailed {
		r.failJobAfterStart(job.JobID, id)
	}

	// Whatever was mid-flight (claim or execute) lost its subprocess along
	// with the crash: record the attempt failed and route it through the
	// normal retry/cascade path.
	js.mu.Lock()
	var interrupted []string
	for id, t := range js.tasks {
		switch t.State {
		case types.TaskAnalysisPending, types.TaskAwaitingGo, types.TaskExecuting:
			t.State = types.TaskFailed
			t.BlockingReason = "interrupted by process restart"
			interrupted = append(interrupted, id)
		}
	}
	js.mu.Unlock()
	for _, id := range interrupted {
		js.mu.Lock()
		snapshot := *js.tasks[id]
		js.mu.Unlock()
		r.persistTask(ctx, snapshot)
		jj := r.jreg.OpenJob(job.JobID)
		evt := types.Event{Timestamp: time.Now().UTC(), EventType: types.EventTaskFailed, JobID: job.JobID, TaskID: id, Payload: snapshot}
		jj.Append(evt)
		r.b.Publish(string(types.EventTaskFailed), evt)
		r.mx.RecordTaskFailed()
		r.handleFailure(job.JobID, id)
	}

	// Whatever was merely queued with its dependencies already satisfied
	// never got to dispatch before the crash — kick it off now.
	js.mu.Lock()
	var ready []*types.Task
	for _, t := range js.tasks {
		if t.State == types.TaskPending && depsCompleted(t, js.tasks) {
			ready = append(ready, t)
		}
	}
	js.mu.Unlock()
	for _, t := range sortReady(ready) {
		r.dispatch(job.JobID, t.TaskID)
	}

	r.checkJobCompletion(job.JobID)
	return nil
}

// runPlan invokes the agent in plan mode, validates the reply through the
// Plan Parser, persists the resulting task DAG, and dispatches every
// dependency-free task (spec §2's data-flow narrative).
func (r *Runner) runPlan(jobID string) {
	ctx := context.Background()
	js := r.job(jobID)

	env := os.Environ()
	inv := agent.PlanInvocation(r.cfg.AgentBin, jobID, js.job.Objective, js.job.WorkingDir, env)
	out, exitCode, _, err := r.invoke(ctx, inv, r.cfg.PlanTimeout, jobID, "")
	if err == nil && exitCode != 0 {
		err = fmt.Errorf("agent: plan invocation exited %d", exitCode)
	}
	if err != nil {
		r.failJobBeforeStart(jobID, types.EventPlanInvalid, err)
		return
	}

	plan, err := planparse.ParsePlan(out)
	if err != nil {
		r.failJobBeforeStart(jobID, types.EventPlanInvalid, err)
		return
	}

	js.mu.Lock()
	for _, pt := range plan.Tasks {
		js.tasks[pt.ID] = &types.Task{
			JobID: jobID, TaskID: pt.ID, Summary: pt.Summary, Description: pt.Description,
			Dependencies: pt.Dependencies, Resources: pt.Resources, Role: roleOrDefault(pt.Role),
			State: types.TaskPending,
		}
	}
	for _, t := range js.tasks {
		for _, dep := range t.Dependencies {
			js.dependents[dep] = append(js.dependents[dep], t.TaskID)
		}
	}
	js.job.Status = types.JobRunning
	jobCopy := js.job
	tasksCopy := make([]types.Task, 0, len(js.tasks))
	for _, t := range js.tasks {
		tasksCopy = append(tasksCopy, *t)
	}
	js.mu.Unlock()

	if err := r.store.SaveJob(ctx, jobCopy); err != nil {
		log.Printf("[RUNNER] job=%s: save job after plan: %v", jobID, err)
	}
	for _, t := range tasksCopy {
		if err := r.store.SaveTask(ctx, t); err != nil {
			log.Printf("[RUNNER] job=%s task=%s: save task after plan: %v", jobID, t.TaskID, err)
		}
	}
	r.writePlanFile(jobID, plan)

	jj := r.jreg.OpenJob(jobID)
	planEvt := types.Event{Timestamp: time.Now().UTC(), EventType: types.EventPlanCreated, JobID: jobID, Payload: plan}
	jj.Append(planEvt)
	r.b.Publish(string(types.EventPlanCreated), planEvt)

	rolesEvt := types.Event{Timestamp: time.Now().UTC(), EventType: types.EventRolesAssigned, JobID: jobID, Payload: tasksCopy}
	jj.Append(rolesEvt)
	r.b.Publish(string(types.EventRolesAssigned), rolesEvt)

	var ready []*types.Task
	js.mu.Lock()
	for _, t := range js.tasks {
		if len(t.Dependencies) == 0 {
			ready = append(ready, t)
		}
	}
	js.mu.Unlock()

	for _, t := range sortReady(ready) {
		r.dispatch(jobID, t.TaskID)
	}
}

// dispatch bumps a pending task to analysis_pending and starts its
// goroutine; called only while holding no lock that runTask itself needs.
func (r *Runner) dispatch(jobID, taskID string) {
	js := r.job(jobID)
	js.mu.Lock()
	if js.cancelling {
		js.mu.Unlock()
		return
	}
	t := js.tasks[taskID]
	if t == nil || t.State != types.TaskPending {
		js.mu.Unlock()
		return
	}
	js.mu.Unlock()
	go r.runTask(jobID, taskID)
}

// runTask drives one task's claim phase: acquire a slot, invoke the agent
// in claim mode, parse and submit the claim to the Arbiter. On GO it hands
// off to beginExecute still holding the slot; on NO-GO it releases the slot
// and returns — the task stays parked until some other task's release
// wakes it (see beginExecute's handling of Arbiter.Release's return value).
func (r *Runner) runTask(jobID, taskID string) {
	ctx := context.Background()
	js := r.job(jobID)

	js.sem <- struct{}{}

	js.mu.Lock()
	if js.cancelling {
		js.mu.Unlock()
		<-js.sem
		r.cancelTask(jobID, taskID)
		return
	}
	t := js.tasks[taskID]
	t.State = types.TaskAnalysisPending
	snapshot := *t
	jobWorkingDir := js.job.WorkingDir
	js.mu.Unlock()
	r.persistTask(ctx, snapshot)

	env := os.Environ()
	inv := agent.ClaimInvocation(r.cfg.AgentBin, jobID, jobWorkingDir, snapshot, env)
	out, exitCode, _, err := r.invoke(ctx, inv, r.cfg.ClaimTimeout, jobID, taskID)
	if err == nil && exitCode != 0 {
		err = fmt.Errorf("agent: claim invocation exited %d", exitCode)
	}
	if err != nil {
		<-js.sem
		r.failAttempt(jobID, taskID, err)
		return
	}

	parsed, err := planparse.ParseClaimReply(out)
	if err != nil {
		<-js.sem
		r.failAttempt(jobID, taskID, err)
		return
	}

	claim := types.Claim{
		JobID: jobID, TaskID: taskID, Attempt: snapshot.Attempt,
		Reads:     normalizeAll(jobWorkingDir, parsed.Resources.Reads),
		Writes:    normalizeAll(jobWorkingDir, parsed.Resources.Writes),
		Commands:  parsed.Commands,
		Timestamp: time.Now().UTC(),
		Decision:  types.ClaimPending,
	}
	if err := r.store.RecordClaim(ctx, claim); err != nil {
		log.Printf("[RUNNER] job=%s task=%s: record claim: %v", jobID, taskID, err)
	}
	r.writeClaimFile(jobID, taskID, claim)

	js.mu.Lock()
	t = js.tasks[taskID]
	t.State = types.TaskAwaitingGo
	awaitingSnapshot := *t
	js.mu.Unlock()
	r.persistTask(ctx, awaitingSnapshot)
	jj := r.jreg.OpenJob(jobID)
	recEvt := types.Event{Timestamp: time.Now().UTC(), EventType: types.EventClaimRecorded, JobID: jobID, TaskID: taskID, Payload: claim}
	jj.Append(recEvt)
	r.b.Publish(string(types.EventClaimRecorded), recEvt)

	decidedClaim, granted := r.arb.Submit(claim)
	if err := r.store.RecordClaim(ctx, decidedClaim); err != nil {
		log.Printf("[RUNNER] job=%s task=%s: record claim decision: %v", jobID, taskID, err)
	}
	if !granted {
		js.mu.Lock()
		t = js.tasks[taskID]
		t.BlockingReason = decidedClaim.BlockingReason
		blockedSnapshot := *t
		js.mu.Unlock()
		r.persistTask(ctx, blockedSnapshot)
		<-js.sem
		return
	}
	r.beginExecute(jobID, taskID, decidedClaim)
}

// beginExecute runs a GO-decided claim's execute phase: persist the task
// transition to executing together with its granted locks in one Store
// transaction, invoke the agent in execute mode, wait for exit, release the
// locks, and fan out to whatever that release unblocked. Always releases
// the caller's semaphore slot on return, whether it arrived already holding
// one (the direct GO path in runTask) or had to acquire its own (the
// woken-by-release path).
func (r *Runner) beginExecute(jobID, taskID string, claim types.Claim) {
	defer func() { <-r.job(jobID).sem }()

	ctx := context.Background()
	js := r.job(jobID)

	js.mu.Lock()
	if js.cancelling {
		js.mu.Unlock()
		r.wakeUnblocked(jobID, r.arb.Release(jobID, taskID))
		r.cancelTask(jobID, taskID)
		return
	}
	t := js.tasks[taskID]
	t.State = types.TaskExecuting
	t.LastClaimRef = fmt.Sprintf("runs/%s/%s_claim.json", jobID, taskID)
	jobWorkingDir := js.job.WorkingDir
	role := t.Role
	snapshot := *t
	js.mu.Unlock()

	if err := r.store.ApplyLockTransition(ctx, snapshot, "", locksFromClaim(claim)); err != nil {
		log.Printf("[RUNNER] job=%s task=%s: apply lock transition: %v", jobID, taskID, err)
	}

	env := os.Environ()
	inv := agent.ExecuteInvocation(r.cfg.AgentBin, jobID, jobWorkingDir, claim, role, env)
	start := time.Now()
	_, exitCode, sessionID, err := r.invoke(ctx, inv, r.cfg.ExecuteTimeout, jobID, taskID)
	if sessionID != "" {
		js.mu.Lock()
		delete(js.sessions, taskID)
		js.mu.Unlock()
	}

	js.mu.Lock()
	cancelling := js.cancelling
	js.mu.Unlock()

	success := err == nil && exitCode == 0

	released := r.arb.Release(jobID, taskID)

	js.mu.Lock()
	t = js.tasks[taskID]
	switch {
	case cancelling:
		t.State = types.TaskCancelled
	case success:
		t.State = types.TaskCompleted
	default:
		t.State = types.TaskFailed
	}
	t.LastExitCode = intPtr(exitCode)
	t.LastDiffSummary = fmt.Sprintf("exit_code=%d", exitCode)
	finalState := t.State
	finalSnapshot := *t
	js.mu.Unlock()

	if err := r.store.ApplyLockTransition(ctx, finalSnapshot, taskID, nil); err != nil {
		log.Printf("[RUNNER] job=%s task=%s: release lock transition: %v", jobID, taskID, err)
	}

	jj := r.jreg.OpenJob(jobID)
	var evtType types.EventType
	switch finalState {
	case types.TaskCompleted:
		evtType = types.EventTaskCompleted
		r.mx.RecordTaskCompleted(time.Since(start).Seconds())
	case types.TaskCancelled:
		evtType = types.EventTaskCancelled
	default:
		evtType = types.EventTaskFailed
		r.mx.RecordTaskFailed()
	}
	evt := types.Event{Timestamp: time.Now().UTC(), EventType: evtType, JobID: jobID, TaskID: taskID, Payload: finalSnapshot}
	jj.Append(evt)
	r.b.Publish(string(evtType), evt)

	r.wakeUnblocked(jobID, released)

	switch finalState {
	case types.TaskCompleted:
		r.advanceDependents(jobID, taskID)
		r.checkJobCompletion(jobID)
	case types.TaskCancelled:
		r.checkJobCompletion(jobID)
	case types.TaskFailed:
		r.handleFailure(jobID, taskID)
	}
}

// handleFailure retries a failed task up to the configured limit, restarting
// it at analysis_pending with attempt+=1 (spec §4.1 retry policy). Past the
// limit, the job is marked failed and every downstream task is cancelled.
func (r *Runner) handleFailure(jobID, taskID string) {
	js := r.job(jobID)

	js.mu.Lock()
	cancelling := js.cancelling
	t := js.tasks[taskID]
	canRetry := !cancelling && t.Attempt < r.cfg.RetryLimit
	if canRetry {
		t.Attempt++
		t.State = types.TaskPending
	}
	js.mu.Unlock()

	if canRetry {
		r.mx.RecordTaskRetried()
		r.dispatch(jobID, taskID)
		return
	}
	if cancelling {
		r.checkJobCompletion(jobID)
		return
	}

	r.failJobAfterStart(jobID, taskID)
}

// failAttempt records a claim-phase error (parse failure or spawn failure)
// as a failed attempt and routes it through the same retry/cascade path as
// an execute-phase failure.
func (r *Runner) failAttempt(jobID, taskID string, cause error) {
	ctx := context.Background()
	js := r.job(jobID)

	js.mu.Lock()
	t := js.tasks[taskID]
	t.State = types.TaskFailed
	t.BlockingReason = cause.Error()
	snapshot := *t
	js.mu.Unlock()
	r.persistTask(ctx, snapshot)

	jj := r.jreg.OpenJob(jobID)
	evt := types.Event{Timestamp: time.Now().UTC(), EventType: types.EventTaskFailed, JobID: jobID, TaskID: taskID, Payload: snapshot}
	jj.Append(evt)
	r.b.Publish(string(types.EventTaskFailed), evt)
	r.mx.RecordTaskFailed()

	r.handleFailure(jobID, taskID)
}

// failJobAfterStart marks the job failed once a task has exhausted its
// retries, and cancels every task downstream of it.
func (r *Runner) failJobAfterStart(jobID, failedTaskID string) {
	ctx := context.Background()
	js := r.job(jobID)

	js.mu.Lock()
	if !isTerminalJob(js.job.Status) {
		js.job.Status = types.JobFailed
	}
	jobCopy := js.job
	descendants := collectDescendants(failedTaskID, js.dependents)
	js.mu.Unlock()

	if err := r.store.SaveJob(ctx, jobCopy); err != nil {
		log.Printf("[RUNNER] job=%s: save job after failure: %v", jobID, err)
	}

	for _, id := range descendants {
		r.cancelTask(jobID, id)
	}
	r.checkJobCompletion(jobID)
}

// cancelTask transitions one non-terminal task straight to cancelled —
// used both for job-level cancellation sweeps and for cascading a failure
// to its dependents.
func (r *Runner) cancelTask(jobID, taskID string) {
	ctx := context.Background()
	js := r.job(jobID)

	js.mu.Lock()
	t, ok := js.tasks[taskID]
	if !ok || isTerminalTask(t.State) {
		js.mu.Unlock()
		return
	}
	t.State = types.TaskCancelled
	snapshot := *t
	js.mu.Unlock()

	r.arb.Unpark(taskID)
	if err := r.store.ApplyLockTransition(ctx, snapshot, taskID, nil); err != nil {
		log.Printf("[RUNNER] job=%s task=%s: release locks on cancel: %v", jobID, taskID, err)
	}
	jj := r.jreg.OpenJob(jobID)
	evt := types.Event{Timestamp: time.Now().UTC(), EventType: types.EventTaskCancelled, JobID: jobID, TaskID: taskID, Payload: snapshot}
	jj.Append(evt)
	r.b.Publish(string(types.EventTaskCancelled), evt)
}

// advanceDependents moves every dependent of a just-completed task from
// pending to analysis_pending once ALL of its dependencies are completed,
// guarding against double-dispatch when two parents finish concurrently.
func (r *Runner) advanceDependents(jobID, completedTaskID string) {
	js := r.job(jobID)

	var toDispatch []string
	js.mu.Lock()
	for _, depID := range js.dependents[completedTaskID] {
		dt := js.tasks[depID]
		if dt.State != types.TaskPending {
			continue
		}
		if depsCompleted(dt, js.tasks) {
			toDispatch = append(toDispatch, depID)
		}
	}
	js.mu.Unlock()

	for _, id := range sortReadyIDs(toDispatch) {
		r.dispatch(jobID, id)
	}
}

// checkJobCompletion marks the job done or cancelled once every task has
// reached a terminal state; a job failure is recorded immediately by
// failJobAfterStart instead of waiting here.
func (r *Runner) checkJobCompletion(jobID string) {
	ctx := context.Background()
	js := r.job(jobID)

	js.mu.Lock()
	if isTerminalJob(js.job.Status) {
		js.mu.Unlock()
		return
	}
	allTerminal := true
	for _, t := range js.tasks {
		if !isTerminalTask(t.State) {
			allTerminal = false
			break
		}
	}
	if len(js.tasks) == 0 {
		// Still planning (or a plan with zero tasks is impossible per
		// planparse, so this only happens mid-plan): only a cancellation
		// requested before planning finished has anywhere to go.
		if !js.cancelling {
			js.mu.Unlock()
			return
		}
		js.job.Status = types.JobCancelled
		jobCopy := js.job
		js.mu.Unlock()
		if err := r.store.SaveJob(ctx, jobCopy); err != nil {
			log.Printf("[RUNNER] job=%s: save job on completion: %v", jobID, err)
		}
		return
	}
	if !allTerminal {
		js.mu.Unlock()
		return
	}
	if js.cancelling {
		js.job.Status = types.JobCancelled
	} else {
		js.job.Status = types.JobDone
	}
	jobCopy := js.job
	js.mu.Unlock()

	if err := r.store.SaveJob(ctx, jobCopy); err != nil {
		log.Printf("[RUNNER] job=%s: save job on completion: %v", jobID, err)
	}
}

// failJobBeforeStart handles a plan-phase failure (invalid JSON, parse
// error, cycle): the job fails before any task ever starts (spec §7
// PlanParseError/CycleDetected disposition).
func (r *Runner) failJobBeforeStart(jobID string, evtType types.EventType, cause error) {
	ctx := context.Background()
	js := r.job(jobID)

	js.mu.Lock()
	js.job.Status = types.JobFailed
	jobCopy := js.job
	js.mu.Unlock()

	if err := r.store.SaveJob(ctx, jobCopy); err != nil {
		log.Printf("[RUNNER] job=%s: save job after plan failure: %v", jobID, err)
	}
	jj := r.jreg.OpenJob(jobID)
	evt := types.Event{Timestamp: time.Now().UTC(), EventType: evtType, JobID: jobID, Payload: cause.Error()}
	jj.Append(evt)
	r.b.Publish(string(evtType), evt)
	log.Printf("[RUNNER] job=%s: plan failed: %v", jobID, cause)
}

// invoke spawns the agent binary for one invocation, collects its stdout
// text until exit, and returns the text, exit code, and the terminal session
// id. An execute-mode session is entered in the job's session table as soon
// as it is spawned, so Cancel can signal it while it runs; the caller removes
// it after invoke returns. When taskID is
// non-empty every terminal event is also mirrored into that task's journal
// (runs/<job_id>/<task_id>/events.ndjson) — the plan phase has no task yet,
// so runPlan passes an empty taskID and gets no per-task mirror.
func (r *Runner) invoke(ctx context.Context, inv agent.Invocation, timeout time.Duration, jobID, taskID string) (output string, exitCode int, sessionID string, err error) {
	sess, err := r.term.Spawn(ctx, inv.Argv, inv.Cwd, inv.Env, inv.Stdin, timeout)
	if err != nil {
		r.mx.RecordSpawnFailure()
		return "", -1, "", err
	}
	r.mx.RecordSpawn()
	if inv.Mode == agent.ModeExecute {
		js := r.job(jobID)
		js.mu.Lock()
		js.sessions[taskID] = sess.ID
		js.mu.Unlock()
	}

	events, unsubscribe, err := r.term.Subscribe(sess.ID)
	if err != nil {
		return "", -1, sess.ID, err
	}
	defer unsubscribe()

	var tj *journal.TaskJournal
	if taskID != "" {
		tj = r.jreg.OpenTask(jobID, taskID)
	}

	var out strings.Builder
	for ev := range events {
		mirrorTerminalEvent(tj, jobID, taskID, ev)
		switch ev.Kind {
		case terminal.EventStdout:
			out.Write(ev.Chunk)
		case terminal.EventExit:
			return out.String(), ev.ExitCode, sess.ID, nil
		}
	}
	return out.String(), -1, sess.ID, fmt.Errorf("runner: event stream closed before exit")
}

func mirrorTerminalEvent(tj *journal.TaskJournal, jobID, taskID string, ev terminal.TerminalEvent) {
	if tj == nil {
		return
	}
	var evtType types.EventType
	switch ev.Kind {
	case terminal.EventStarted:
		evtType = types.EventTerminalStarted
	case terminal.EventStdout:
		evtType = types.EventTerminalStdout
	case terminal.EventStderr:
		evtType = types.EventTerminalStderr
	case terminal.EventExit:
		evtType = types.EventTerminalExit
	default:
		return
	}
	_ = tj.Append(types.Event{Timestamp: ev.Timestamp, EventType: evtType, JobID: jobID, TaskID: taskID, Payload: ev})
}

func (r *Runner) persistTask(ctx context.Context, t types.Task) {
	if err := r.store.SaveTask(ctx, t); err != nil {
		log.Printf("[RUNNER] job=%s task=%s: save task: %v", t.JobID, t.TaskID, err)
	}
}

func (r *Runner) writePlanFile(jobID string, plan types.Plan) {
	dir := filepath.Join(r.cfg.RunsDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("[RUNNER] job=%s: mkdir runs dir: %v", jobID, err)
		return
	}
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		log.Printf("[RUNNER] job=%s: marshal plan: %v", jobID, err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, "plan.json"), data, 0o644); err != nil {
		log.Printf("[RUNNER] job=%s: write plan.json: %v", jobID, err)
	}
}

func (r *Runner) writeClaimFile(jobID, taskID string, claim types.Claim) {
	dir := filepath.Join(r.cfg.RunsDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("[RUNNER] job=%s task=%s: mkdir runs dir: %v", jobID, taskID, err)
		return
	}
	data, err := json.MarshalIndent(claim, "", "  ")
	if err != nil {
		log.Printf("[RUNNER] job=%s task=%s: marshal claim: %v", jobID, taskID, err)
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_claim.json", taskID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Printf("[RUNNER] job=%s task=%s: write claim file: %v", jobID, taskID, err)
	}
}

// wakeUnblocked acquires a semaphore slot for every claim the Arbiter just
// unblocked and starts its execute phase — the Arbiter already re-decided
// these in park-sequence order, so no further evaluation is needed here.
func (r *Runner) wakeUnblocked(jobID string, released []types.Claim) {
	js := r.job(jobID)
	for _, g := range released {
		g := g
		js.sem <- struct{}{}
		go r.beginExecute(jobID, g.TaskID, g)
	}
}

func (r *Runner) job(jobID string) *jobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[jobID]
}

func isTerminalJob(s types.JobStatus) bool {
	return s == types.JobDone || s == types.JobFailed || s == types.JobCancelled
}

func isTerminalTask(s types.TaskState) bool {
	return s == types.TaskCompleted || s == types.TaskFailed || s == types.TaskCancelled
}

func normalizeAll(workingDir string, paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = arbiter.NormalizePath(workingDir, p)
	}
	return out
}

func intPtr(v int) *int { return &v }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func sortReadyIDs(ids []string) []string {
	out := append([]string{}, ids...)
	sort.Strings(out)
	return out
}
