// Package journal implements the Event Journal (spec C3): an append-only,
// per-job NDJSON mirror of every job.* event, plus a per-task NDJSON mirror
// of terminal events, each fsync'd on append for crash-consistent durability.
//
// It is a direct generalization of the teacher's tasklog.Registry/TaskLog
// (haricheung-agentic-shell/internal/tasklog) — one JSONL file per unit of
// work, nil-safe methods so callers never need a nil check, single owner of
// file handles — reshaped from "one file per task" to "one file per job,
// plus a terminal sub-log per task" to match spec §6's on-disk layout:
//
//	runs/<job_id>/events.ndjson
//	runs/<job_id>/<task_id>/events.ndjson
package journal

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/haricheung/numerus/internal/types"
)

// JobJournal is a handle for appending job-scoped events to
// runs/<job_id>/events.ndjson. All methods are nil-safe.
type JobJournal struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// TaskJournal is a handle for appending terminal events to
// runs/<job_id>/<task_id>/events.ndjson. All methods are nil-safe.
type TaskJournal struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Registry is the sole owner of journal file handles, keyed by job id and by
// (job id, task id).
type Registry struct {
	runsDir string

	mu    sync.Mutex
	jobs  map[string]*JobJournal
	tasks map[string]*TaskJournal // keyed "jobID/taskID"
}

// NewRegistry creates a Registry rooted at runsDir (spec §6 RUNS_DIR).
func NewRegistry(runsDir string) *Registry {
	return &Registry{
		runsDir: runsDir,
		jobs:    make(map[string]*JobJournal),
		tasks:   make(map[string]*TaskJournal),
	}
}

// OpenJob returns the JobJournal for jobID, opening runs/<job_id>/events.ndjson
// if it is not already open. Idempotent across calls.
func (r *Registry) OpenJob(jobID string) *JobJournal {
	r.mu.Lock()
	defer r.mu.Unlock()

	if jj, ok := r.jobs[jobID]; ok {
		return jj
	}
	dir := filepath.Join(r.runsDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("[JOURNAL] could not create dir %s: %v", dir, err)
		return nil
	}
	path := filepath.Join(dir, "events.ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[JOURNAL] could not open %s: %v", path, err)
		return nil
	}
	jj := &JobJournal{f: f, path: path}
	r.jobs[jobID] = jj
	return jj
}

// OpenTask returns the TaskJournal for (jobID, taskID), opening
// runs/<job_id>/<task_id>/events.ndjson if not already open.
func (r *Registry) OpenTask(jobID, taskID string) *TaskJournal {
	key := jobID + "/" + taskID
	r.mu.Lock()
	defer r.mu.Unlock()

	if tj, ok := r.tasks[key]; ok {
		return tj
	}
	dir := filepath.Join(r.runsDir, jobID, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("[JOURNAL] could not create dir %s: %v", dir, err)
		return nil
	}
	path := filepath.Join(dir, "events.ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[JOURNAL] could not open %s: %v", path, err)
		return nil
	}
	tj := &TaskJournal{f: f, path: path}
	r.tasks[key] = tj
	return tj
}

// CloseJob flushes and closes jobID's journal file and forgets it. Safe to
// call on an unknown jobID.
func (r *Registry) CloseJob(jobID string) {
	r.mu.Lock()
	jj, ok := r.jobs[jobID]
	if ok {
		delete(r.jobs, jobID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	jj.mu.Lock()
	defer jj.mu.Unlock()
	if jj.f != nil {
		_ = jj.f.Close()
		jj.f = nil
	}
}

// Append writes e as one JSON line to the job journal, fsyncing immediately
// after — spec §4.6 requires durability on every append, stronger than the
// teacher's best-effort tasklog writes.
func (jj *JobJournal) Append(e types.Event) error {
	if jj == nil {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal event: %w", err)
	}
	jj.mu.Lock()
	defer jj.mu.Unlock()
	if jj.f == nil {
		return fmt.Errorf("journal: file closed for %s", jj.path)
	}
	if _, err := fmt.Fprintf(jj.f, "%s\n", data); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	return jj.f.Sync()
}

// Append writes e as one JSON line to the per-task terminal journal and
// fsyncs immediately.
func (tj *TaskJournal) Append(e types.Event) error {
	if tj == nil {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal event: %w", err)
	}
	tj.mu.Lock()
	defer tj.mu.Unlock()
	if tj.f == nil {
		return fmt.Errorf("journal: file closed for %s", tj.path)
	}
	if _, err := fmt.Fprintf(tj.f, "%s\n", data); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	return tj.f.Sync()
}
