package runner

import (
	"sort"

	"github.com/haricheung/numerus/internal/types"
)

// sortReady orders ready tasks by (declared_write_count asc, task_id
// lexicographic asc) — spec §4.1's tie-break, biasing dispatch toward
// narrower write footprints to reduce head-of-line blocking. Dispatch order
// here governs the order claim invocations are kicked off; the Arbiter's
// own park-sequence FIFO is what actually resolves simultaneous conflicting
// claims (see internal/arbiter), since claim-invocation duration varies and
// strict Arbiter-arrival ordering can't be promised from dispatch order
// alone.
func sortReady(tasks []*types.Task) []*types.Task {
	out := append([]*types.Task{}, tasks...)
	sort.Slice(out, func(i, j int) bool {
		wi, wj := len(out[i].Resources.Writes), len(out[j].Resources.Writes)
		if wi != wj {
			return wi < wj
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// roleOrDefault falls back to RoleExecutor when the plan didn't annotate a
// task with a role — role is pass-through metadata only (spec Open
// Questions), never a gate on state transitions.
func roleOrDefault(r types.Role) types.Role {
	if r == "" {
		return types.RoleExecutor
	}
	return r
}

// locksFromClaim builds the Lock records an approved claim installs.
func locksFromClaim(claim types.Claim) []types.Lock {
	locks := make([]types.Lock, 0, len(claim.Writes)+len(claim.Reads))
	for _, p := range claim.Writes {
		locks = append(locks, types.Lock{Path: p, Mode: types.LockWrite, HolderTask: claim.TaskID, HolderJob: claim.JobID, AcquiredAt: claim.Timestamp})
	}
	writeSet := make(map[string]struct{}, len(claim.Writes))
	for _, p := range claim.Writes {
		writeSet[p] = struct{}{}
	}
	for _, p := range claim.Reads {
		if _, dominated := writeSet[p]; dominated {
			continue
		}
		locks = append(locks, types.Lock{Path: p, Mode: types.LockRead, HolderTask: claim.TaskID, HolderJob: claim.JobID, AcquiredAt: claim.Timestamp})
	}
	return locks
}

// depsCompleted reports whether every dependency of task is in the
// completed state.
func depsCompleted(task *types.Task, tasks map[string]*types.Task) bool {
	for _, dep := range task.Dependencies {
		dt, ok := tasks[dep]
		if !ok || dt.State != types.TaskCompleted {
			return false
		}
	}
	return true
}

// collectDescendants returns every task id reachable from taskID through
// the dependents graph (exclusive of taskID itself), used by
// failJobAfterStart to cancel a whole downstream subtree after a task
// exhausts its retries.
func collectDescendants(taskID string, dependents map[string][]string) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(string)
	walk = func(id string) {
		for _, child := range dependents[id] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			walk(child)
		}
	}
	walk(taskID)
	return out
}
