// Package store is the durable system of record behind the Job Runner: a
// single-writer SQLite database holding jobs, tasks, claims, and locks
// (spec §4.5) — the authoritative append-only record of orchestration
// events themselves lives in the NDJSON journal (internal/journal), not
// here. Every mutation that changes a task's state alongside
// its lock footprint goes through one sql.Tx, so a crash can never leave a
// task marked executing with no matching lock row, or vice versa.
//
// There is no teacher analogue for a relational store — the teacher persists
// nothing beyond NDJSON task logs — so this package is grounded on the rest
// of the retrieval pack: the facade-over-driver shape and pragma set come
// from 88lin-divinesense's store/db/sqlite/sqlite.go, and the
// single-source-of-truth-map-plus-status-indexes idea behind LoadJobSnapshot
// comes from ChuLiYu-raft-recovery's internal/jobmanager/job_manager.go
// (adapted here as SQL queries rather than an in-memory map, since SQLite
// already gives Numerus a durable index for free).
//
// modernc.org/sqlite is used instead of the pack's other SQLite driver
// (mattn/go-sqlite3, which 88lin-divinesense actually imports) because that
// one requires cgo; a cgo-free static binary matches the teacher's own build
// posture (see DESIGN.md).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haricheung/numerus/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id      TEXT PRIMARY KEY,
	objective   TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	status      TEXT NOT NULL,
	working_dir TEXT NOT NULL,
	plan_ref    TEXT
);

CREATE TABLE IF NOT EXISTS tasks (
	job_id            TEXT NOT NULL REFERENCES jobs(job_id),
	task_id           TEXT NOT NULL,
	summary           TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	dependencies      TEXT NOT NULL DEFAULT '[]',
	reads             TEXT NOT NULL DEFAULT '[]',
	writes            TEXT NOT NULL DEFAULT '[]',
	role              TEXT NOT NULL DEFAULT '',
	state             TEXT NOT NULL,
	attempt           INTEGER NOT NULL DEFAULT 0,
	last_claim_ref    TEXT NOT NULL DEFAULT '',
	last_exit_code    INTEGER,
	last_diff_summary TEXT NOT NULL DEFAULT '',
	blocking_reason   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (job_id, task_id)
);

CREATE TABLE IF NOT EXISTS claims (
	job_id          TEXT NOT NULL,
	task_id         TEXT NOT NULL,
	attempt         INTEGER NOT NULL,
	reads           TEXT NOT NULL,
	writes          TEXT NOT NULL,
	commands        TEXT NOT NULL,
	ts              TEXT NOT NULL,
	decision        TEXT NOT NULL,
	blocking_reason TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (job_id, task_id, attempt)
);

CREATE TABLE IF NOT EXISTS locks (
	path           TEXT NOT NULL,
	mode           TEXT NOT NULL,
	holder_task_id TEXT NOT NULL,
	holder_job_id  TEXT NOT NULL,
	acquired_at    TEXT NOT NULL,
	PRIMARY KEY (path, holder_task_id)
);
`

// Store is a facade over a single *sql.DB. Safe for concurrent use — the
// underlying connection pool is capped at one connection (below), matching
// SQLite's single-writer nature under WAL.
type Store struct {
	db *sql.DB
}

// Open creates (or reopens) the SQLite database at path, applies pragmas,
// and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: set pragma %q: %w", pragma, err)
		}
	}
	// One connection: WAL still serializes writers, and a single conn avoids
	// "database is locked" churn against modernc.org/sqlite's own locking.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveJob upserts a Job row.
func (s *Store) SaveJob(ctx context.Context, job types.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, objective, created_at, status, working_dir, plan_ref)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			plan_ref = excluded.plan_ref`,
		job.JobID, job.Objective, job.CreatedAt.Format(time.RFC3339Nano), job.Status, job.WorkingDir, job.PlanRef)
	if err != nil {
		return fmt.Errorf("store: save job %s: %w", job.JobID, err)
	}
	return nil
}

// SaveTask upserts a Task row, independent of any lock mutation. Used for
// transitions that don't touch the lock table (e.g. pending -> analysis_pending).
func (s *Store) SaveTask(ctx context.Context, task types.Task) error {
	return saveTask(ctx, s.db, task)
}

func saveTask(ctx context.Context, ex execer, task types.Task) error {
	deps, _ := json.Marshal(task.Dependencies)
	reads, _ := json.Marshal(task.Resources.Reads)
	writes, _ := json.Marshal(task.Resources.Writes)
	var exitCode any
	if task.LastExitCode != nil {
		exitCode = *task.LastExitCode
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO tasks (job_id, task_id, summary, description, dependencies, reads, writes, role, state, attempt, last_claim_ref, last_exit_code, last_diff_summary, blocking_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, task_id) DO UPDATE SET
			state = excluded.state,
			attempt = excluded.attempt,
			last_claim_ref = excluded.last_claim_ref,
			last_exit_code = excluded.last_exit_code,
			last_diff_summary = excluded.last_diff_summary,
			blocking_reason = excluded.blocking_reason`,
		task.JobID, task.TaskID, task.Summary, task.Description, string(deps), string(reads), string(writes),
		string(task.Role), string(task.State), task.Attempt, task.LastClaimRef, exitCode, task.LastDiffSummary, task.BlockingReason)
	if err != nil {
		return fmt.Errorf("store: save task %s/%s: %w", task.JobID, task.TaskID, err)
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// RecordClaim inserts one Claim row, keyed by (job, task, attempt); recording
// the same key again updates its decision and blocking reason.
func (s *Store) RecordClaim(ctx context.Context, claim types.Claim) error {
	reads, _ := json.Marshal(claim.Reads)
	writes, _ := json.Marshal(claim.Writes)
	commands, _ := json.Marshal(claim.Commands)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO claims (job_id, task_id, attempt, reads, writes, commands, ts, decision, blocking_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, task_id, attempt) DO UPDATE SET
			decision = excluded.decision,
			blocking_reason = excluded.blocking_reason`,
		claim.JobID, claim.TaskID, claim.Attempt, string(reads), string(writes), string(commands),
		claim.Timestamp.Format(time.RFC3339Nano), string(claim.Decision), claim.BlockingReason)
	if err != nil {
		return fmt.Errorf("store: record claim %s/%s#%d: %w", claim.JobID, claim.TaskID, claim.Attempt, err)
	}
	return nil
}

// ApplyLockTransition is the one multi-table mutation that must be atomic:
// it upserts task's new state in the same transaction as clearing every
// lock it previously held and installing the locks it (or claims unblocked
// by its release) now holds. A crash between "task marked executing" and
// "lock row written" — or the reverse — would desynchronize the Store from
// the in-memory Arbiter; wrapping both in one sql.Tx rules that out.
func (s *Store) ApplyLockTransition(ctx context.Context, task types.Task, releaseTaskID string, granted []types.Lock) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := saveTask(ctx, tx, task); err != nil {
		return err
	}
	if releaseTaskID != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE holder_task_id = ?`, releaseTaskID); err != nil {
			return fmt.Errorf("store: clear locks for %s: %w", releaseTaskID, err)
		}
	}
	for _, l := range granted {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO locks (path, mode, holder_task_id, holder_job_id, acquired_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(path, holder_task_id) DO UPDATE SET
				mode = excluded.mode, acquired_at = excluded.acquired_at`,
			l.Path, string(l.Mode), l.HolderTask, l.HolderJob, l.AcquiredAt.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("store: insert lock %s: %w", l.Path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit lock transition: %w", err)
	}
	return nil
}

// LoadJobSnapshot returns a Job plus every one of its Tasks, for the
// status() read model (spec §4.1).
func (s *Store) LoadJobSnapshot(ctx context.Context, jobID string) (types.JobSnapshot, error) {
	var snap types.JobSnapshot

	row := s.db.QueryRowContext(ctx, `SELECT job_id, objective, created_at, status, working_dir, plan_ref FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return snap, fmt.Errorf("store: load job %s: %w", jobID, err)
	}
	snap.Job = job

	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, task_id, summary, description, dependencies, reads, writes, role, state, attempt, last_claim_ref, last_exit_code, last_diff_summary, blocking_reason
		FROM tasks WHERE job_id = ? ORDER BY task_id`, jobID)
	if err != nil {
		return snap, fmt.Errorf("store: load tasks for %s: %w", jobID, err)
	}
	defer rows.Close()
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return snap, err
		}
		snap.Tasks = append(snap.Tasks, task)
	}
	return snap, rows.Err()
}

// LoadNonTerminalJobs returns every job not in a terminal status (done,
// failed, cancelled), for crash-recovery rehydration at startup (spec §4.5).
func (s *Store) LoadNonTerminalJobs(ctx context.Context) ([]types.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, objective, created_at, status, working_dir, plan_ref FROM jobs
		WHERE status NOT IN (?, ?, ?)`,
		types.JobDone, types.JobFailed, types.JobCancelled)
	if err != nil {
		return nil, fmt.Errorf("store: load non-terminal jobs: %w", err)
	}
	defer rows.Close()

	var jobs []types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RecoverStaleLocks clears every lock row whose holder task is not currently
// in the executing state, and returns the locks that remain valid (i.e. the
// set the Arbiter should be seeded with via Restore) — spec §4.5: "locks
// whose holder isn't `executing` cleared as stale".
func (s *Store) RecoverStaleLocks(ctx context.Context) ([]types.Lock, error) {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM locks WHERE holder_task_id NOT IN (
			SELECT task_id FROM tasks WHERE state = ?
		)`, types.TaskExecuting); err != nil {
		return nil, fmt.Errorf("store: clear stale locks: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT path, mode, holder_task_id, holder_job_id, acquired_at FROM locks`)
	if err != nil {
		return nil, fmt.Errorf("store: load remaining locks: %w", err)
	}
	defer rows.Close()

	var locks []types.Lock
	for rows.Next() {
		var l types.Lock
		var mode string
		var acquiredAt string
		if err := rows.Scan(&l.Path, &mode, &l.HolderTask, &l.HolderJob, &acquiredAt); err != nil {
			return nil, fmt.Errorf("store: scan lock: %w", err)
		}
		l.Mode = types.LockMode(mode)
		l.AcquiredAt, _ = time.Parse(time.RFC3339Nano, acquiredAt)
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (types.Job, error) {
	var job types.Job
	var createdAt string
	var status string
	var planRef sql.NullString
	if err := sc.Scan(&job.JobID, &job.Objective, &createdAt, &status, &job.WorkingDir, &planRef); err != nil {
		return job, err
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	job.Status = types.JobStatus(status)
	job.PlanRef = planRef.String
	return job, nil
}

func scanTask(sc scanner) (types.Task, error) {
	var task types.Task
	var deps, reads, writes, role, state string
	var exitCode sql.NullInt64
	if err := sc.Scan(&task.JobID, &task.TaskID, &task.Summary, &task.Description, &deps, &reads, &writes,
		&role, &state, &task.Attempt, &task.LastClaimRef, &exitCode, &task.LastDiffSummary, &task.BlockingReason); err != nil {
		return task, fmt.Errorf("store: scan task: %w", err)
	}
	_ = json.Unmarshal([]byte(deps), &task.Dependencies)
	_ = json.Unmarshal([]byte(reads), &task.Resources.Reads)
	_ = json.Unmarshal([]byte(writes), &task.Resources.Writes)
	task.Role = types.Role(role)
	task.State = types.TaskState(state)
	if exitCode.Valid {
		v := int(exitCode.Int64)
		task.LastExitCode = &v
	}
	return task, nil
}
