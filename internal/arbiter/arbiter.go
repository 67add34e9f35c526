// Package arbiter implements the Resource Arbiter (spec C5): a per-file
// read/write lock table with a single serializing critical section around
// evaluate+acquire and around release, FIFO starvation mitigation via a
// monotonic park sequence, and path normalization before any comparison.
//
// There is no teacher analogue for a lock table — haricheung-agentic-shell
// has no concept of filesystem claims — so this package is new, grounded on
// the teacher's path-resolution helpers (tools/workspace.go) for
// NormalizePath and on its nil-safe, mutex-guarded, bus-publishing component
// shape (internal/bus callers publish directly rather than return events for
// someone else to forward).
package arbiter

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/haricheung/numerus/internal/bus"
	"github.com/haricheung/numerus/internal/types"
)

// heldLock is one arbiter-internal grant on a normalized path.
type heldLock struct {
	mode       types.LockMode
	jobID      string
	taskID     string
	acquiredAt time.Time
}

// pathState is the lock state for one normalized path: at most one writer,
// or any number of readers, never both (spec §3 Lock invariants).
type pathState struct {
	writer  *heldLock
	readers map[string]*heldLock // taskID -> heldLock
}

func (ps *pathState) empty() bool {
	return ps.writer == nil && len(ps.readers) == 0
}

type parkedEntry struct {
	claim types.Claim
	seq   uint64
}

// Arbiter is the lock table. All exported methods are safe for concurrent
// use; internally every operation runs inside a single mutex-guarded
// critical section (spec §4.2 "single serializing critical section").
type Arbiter struct {
	b *bus.Bus

	mu      sync.Mutex
	paths   map[string]*pathState
	parked  []*parkedEntry
	nextSeq uint64
}

// New creates an empty Arbiter publishing lock-lifecycle events on b.
func New(b *bus.Bus) *Arbiter {
	return &Arbiter{
		b:     b,
		paths: make(map[string]*pathState),
	}
}

// Submit evaluates claim and, within the same critical section, either
// acquires its locks (GO) or parks it (NO-GO). claim.Reads/Writes must
// already be normalized (see NormalizePath) by the caller — the Plan
// Parser / Job Runner normalize at claim-construction time so the Arbiter
// never needs working-directory context.
//
// Returns the claim with Decision/BlockingReason set, and whether it was
// granted immediately.
func (a *Arbiter) Submit(claim types.Claim) (types.Claim, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	writes, reads := effectiveSets(claim.Reads, claim.Writes)

	ok, conflicts := a.canGrant(claim.TaskID, writes, reads)
	if ok {
		a.acquire(claim.JobID, claim.TaskID, writes, reads)
		claim.Decision = types.ClaimApproved
		claim.BlockingReason = ""
		a.publish(types.EventClaimApproved, claim.JobID, claim.TaskID, claim)
		return claim, true
	}

	claim.Decision = types.ClaimBlocked
	claim.BlockingReason = blockingReason(conflicts)
	a.nextSeq++
	a.parked = append(a.parked, &parkedEntry{claim: claim, seq: a.nextSeq})
	a.publish(types.EventClaimBlocked, claim.JobID, claim.TaskID, claim)
	return claim, false
}

// Release removes every lock held by taskID, publishes locks_released, then
// re-evaluates parked claims in FIFO (park-sequence) order, granting every
// one now compatible with the freed state. Returns the claims that were
// unblocked and granted, in the order they were granted — callers (the Job
// Runner) must transition each to executing.
func (a *Arbiter) Release(jobID, taskID string) []types.Claim {
	a.mu.Lock()
	defer a.mu.Unlock()

	released := a.removeLocksForTask(taskID)
	if len(released) > 0 {
		a.publish(types.EventLocksReleased, jobID, taskID, released)
	}

	var granted []types.Claim
	var remaining []*parkedEntry
	for _, pe := range a.parked {
		writes, reads := effectiveSets(pe.claim.Reads, pe.claim.Writes)
		ok, _ := a.canGrant(pe.claim.TaskID, writes, reads)
		if !ok {
			remaining = append(remaining, pe)
			continue
		}
		a.acquire(pe.claim.JobID, pe.claim.TaskID, writes, reads)
		pe.claim.Decision = types.ClaimApproved
		pe.claim.BlockingReason = ""
		a.publish(types.EventClaimUnblocked, pe.claim.JobID, pe.claim.TaskID, pe.claim)
		a.publish(types.EventClaimApproved, pe.claim.JobID, pe.claim.TaskID, pe.claim)
		granted = append(granted, pe.claim)
	}
	a.parked = remaining
	return granted
}

// Unpark removes any claim parked on behalf of taskID without granting it —
// used when a task is cancelled (directly, or cascaded from an upstream
// failure) while still waiting on a conflicting lock, so a stale parked
// claim can never be granted to a task the Job Runner has already retired.
func (a *Arbiter) Unpark(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var remaining []*parkedEntry
	for _, pe := range a.parked {
		if pe.claim.TaskID != taskID {
			remaining = append(remaining, pe)
		}
	}
	a.parked = remaining
}

// ActiveLocks returns a snapshot of every currently held lock, sorted by
// path then by holder task id — used by cmd/numerus to feed the
// internal/metrics lock-count gauge.
func (a *Arbiter) ActiveLocks() []types.Lock {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []types.Lock
	for path, ps := range a.paths {
		if ps.writer != nil {
			out = append(out, toLock(path, ps.writer))
		}
		for _, r := range ps.readers {
			out = append(out, toLock(path, r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].HolderTask < out[j].HolderTask
	})
	return out
}

// ParkedCount reports how many claims are currently parked — used by
// cmd/numerus to feed the internal/metrics parked-claims gauge.
func (a *Arbiter) ParkedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.parked)
}

// Restore seeds the lock table from a persisted snapshot (spec §4.5 crash
// recovery: only locks whose holder task is still `executing` are restored;
// the Store is responsible for having already filtered those).
func (a *Arbiter) Restore(locks []types.Lock) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, l := range locks {
		ps, ok := a.paths[l.Path]
		if !ok {
			ps = &pathState{readers: make(map[string]*heldLock)}
			a.paths[l.Path] = ps
		}
		hl := &heldLock{mode: l.Mode, jobID: l.HolderJob, taskID: l.HolderTask, acquiredAt: l.AcquiredAt}
		if l.Mode == types.LockWrite {
			ps.writer = hl
		} else {
			ps.readers[l.HolderTask] = hl
		}
	}
}

// canGrant reports whether taskID may acquire writes+reads given the
// current table, and if not, the distinct holder task ids it conflicts
// with. Must be called with a.mu held.
func (a *Arbiter) canGrant(taskID string, writes, reads []string) (bool, []string) {
	conflictSet := make(map[string]struct{})

	for _, p := range writes {
		if ps, ok := a.paths[p]; ok {
			if ps.writer != nil && ps.writer.taskID != taskID {
				conflictSet[ps.writer.taskID] = struct{}{}
			}
			for holder := range ps.readers {
				if holder != taskID {
					conflictSet[holder] = struct{}{}
				}
			}
		}
	}
	for _, p := range reads {
		if ps, ok := a.paths[p]; ok {
			if ps.writer != nil && ps.writer.taskID != taskID {
				conflictSet[ps.writer.taskID] = struct{}{}
			}
		}
	}

	if len(conflictSet) == 0 {
		return true, nil
	}
	conflicts := make([]string, 0, len(conflictSet))
	for t := range conflictSet {
		conflicts = append(conflicts, t)
	}
	sort.Strings(conflicts)
	return false, conflicts
}

// acquire installs lock records for writes+reads. Must only be called
// immediately after canGrant returned true, under the same critical section.
func (a *Arbiter) acquire(jobID, taskID string, writes, reads []string) {
	now := time.Now().UTC()
	for _, p := range writes {
		ps, ok := a.paths[p]
		if !ok {
			ps = &pathState{readers: make(map[string]*heldLock)}
			a.paths[p] = ps
		}
		ps.writer = &heldLock{mode: types.LockWrite, jobID: jobID, taskID: taskID, acquiredAt: now}
	}
	for _, p := range reads {
		ps, ok := a.paths[p]
		if !ok {
			ps = &pathState{readers: make(map[string]*heldLock)}
			a.paths[p] = ps
		}
		ps.readers[taskID] = &heldLock{mode: types.LockRead, jobID: jobID, taskID: taskID, acquiredAt: now}
	}
}

// removeLocksForTask deletes every lock held by taskID and returns them.
func (a *Arbiter) removeLocksForTask(taskID string) []types.Lock {
	var released []types.Lock
	for path, ps := range a.paths {
		if ps.writer != nil && ps.writer.taskID == taskID {
			released = append(released, toLock(path, ps.writer))
			ps.writer = nil
		}
		if r, ok := ps.readers[taskID]; ok {
			released = append(released, toLock(path, r))
			delete(ps.readers, taskID)
		}
		if ps.empty() {
			delete(a.paths, path)
		}
	}
	return released
}

func (a *Arbiter) publish(evt types.EventType, jobID, taskID string, payload any) {
	a.b.Publish(string(evt), types.Event{
		Timestamp: time.Now().UTC(),
		EventType: evt,
		JobID:     jobID,
		TaskID:    taskID,
		Payload:   payload,
	})
	log.Printf("[ARBITER] %s job=%s task=%s", evt, jobID, taskID)
}

func toLock(path string, hl *heldLock) types.Lock {
	return types.Lock{
		Path:       path,
		Mode:       hl.mode,
		HolderTask: hl.taskID,
		HolderJob:  hl.jobID,
		AcquiredAt: hl.acquiredAt,
	}
}

// effectiveSets applies "write dominates": a path declared in both reads
// and writes is treated as write-only (spec §4.2).
func effectiveSets(reads, writes []string) (effWrites, effReads []string) {
	writeSet := make(map[string]struct{}, len(writes))
	for _, w := range writes {
		writeSet[w] = struct{}{}
	}
	effWrites = append(effWrites, writes...)
	for _, r := range reads {
		if _, dominated := writeSet[r]; !dominated {
			effReads = append(effReads, r)
		}
	}
	return effWrites, effReads
}

func blockingReason(conflicts []string) string {
	if len(conflicts) == 0 {
		return "blocked"
	}
	reason := "blocked by: "
	for i, c := range conflicts {
		if i > 0 {
			reason += ", "
		}
		reason += c
	}
	return reason
}
