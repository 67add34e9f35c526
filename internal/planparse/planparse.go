// Package planparse validates the two JSON shapes the agent binary contract
// defines (spec §6): the plan-mode reply ({objective, tasks:[...]}) and the
// claim-mode reply ({task_id, resources:{reads,writes}, execution:{commands}}).
// It turns raw extracted JSON into a structurally-sound types.Plan — unique
// task ids, dependencies that resolve, an acyclic dependency graph, and
// present (if possibly empty) reads/writes arrays — or a typed error naming
// the first offending field (spec §4.4).
//
// There is no teacher analogue for plan validation; this package is grounded
// on samgonzalez27-script-weaver's internal/graph package — its three-color
// DFS cycle detector (validate.go) and its sentinel-error-plus-typed-wrapper
// error design (errors.go) — adapted from a general node/edge graph to
// Numerus's task/dependency shape. script-weaver carries no third-party
// dependencies for this, so neither does this package; JSON extraction
// itself is internal/agent's job, not this package's.
package planparse

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/haricheung/numerus/internal/agent"
	"github.com/haricheung/numerus/internal/types"
)

// Sentinel errors for errors.Is() — mirrors script-weaver's ErrSchema/ErrStructural split.
var (
	ErrSchema     = errors.New("planparse: schema error")
	ErrStructural = errors.New("planparse: structural error")
)

// SchemaError names the first offending field in a malformed reply.
type SchemaError struct {
	Field string
	Msg   string
}

func (e *SchemaError) Error() string { return fmt.Sprintf("%s: %s: %s", ErrSchema, e.Field, e.Msg) }
func (e *SchemaError) Unwrap() error { return ErrSchema }

// StructuralError names a DAG-level violation: duplicate id, dangling
// dependency, or cycle.
type StructuralError struct {
	Kind string // "duplicate_id" | "dangling_dependency" | "cycle"
	Msg  string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrStructural, e.Kind, e.Msg)
}
func (e *StructuralError) Unwrap() error { return ErrStructural }

// planDTO mirrors the plan-mode reply shape. Presence (vs. zero value) is
// distinguished by the pointer fields of the nested task DTOs, not here.
type planDTO struct {
	Objective string    `json:"objective"`
	Tasks     []taskDTO `json:"tasks"`
}

type taskDTO struct {
	ID           string        `json:"id"`
	Summary      string        `json:"summary"`
	Description  string        `json:"description"`
	Dependencies []string      `json:"dependencies"`
	Resources    *resourcesDTO `json:"resources"`
	Role         string        `json:"role"`
}

type resourcesDTO struct {
	Reads  *[]string `json:"reads"`
	Writes *[]string `json:"writes"`
}

// ParsePlan extracts and validates a plan-mode reply, returning a
// types.Plan whose Tasks are free of duplicate ids, dangling dependencies,
// and cycles.
func ParsePlan(raw string) (types.Plan, error) {
	obj, err := agent.ExtractJSON(raw)
	if err != nil {
		return types.Plan{}, &SchemaError{Field: "objective", Msg: err.Error()}
	}

	var dto planDTO
	if err := json.Unmarshal([]byte(obj), &dto); err != nil {
		return types.Plan{}, &SchemaError{Field: "<root>", Msg: err.Error()}
	}
	if dto.Objective == "" {
		return types.Plan{}, &SchemaError{Field: "objective", Msg: "must be non-empty"}
	}
	if len(dto.Tasks) == 0 {
		return types.Plan{}, &SchemaError{Field: "tasks", Msg: "must contain at least one task"}
	}

	tasks := make([]types.PlanTask, 0, len(dto.Tasks))
	for i, t := range dto.Tasks {
		if t.ID == "" {
			return types.Plan{}, &SchemaError{Field: fmt.Sprintf("tasks[%d].id", i), Msg: "must be non-empty"}
		}
		if t.Resources == nil {
			return types.Plan{}, &SchemaError{Field: fmt.Sprintf("tasks[%d].resources", i), Msg: "must be present"}
		}
		if t.Resources.Reads == nil {
			return types.Plan{}, &SchemaError{Field: fmt.Sprintf("tasks[%s].resources.reads", t.ID), Msg: "must be present (may be empty)"}
		}
		if t.Resources.Writes == nil {
			return types.Plan{}, &SchemaError{Field: fmt.Sprintf("tasks[%s].resources.writes", t.ID), Msg: "must be present (may be empty)"}
		}
		for _, p := range append(append([]string{}, *t.Resources.Reads...), *t.Resources.Writes...) {
			if p == "" {
				return types.Plan{}, &SchemaError{Field: fmt.Sprintf("tasks[%s].resources", t.ID), Msg: "paths must be non-empty strings"}
			}
		}
		tasks = append(tasks, types.PlanTask{
			ID:           t.ID,
			Summary:      t.Summary,
			Description:  t.Description,
			Dependencies: t.Dependencies,
			Resources:    types.Resources{Reads: *t.Resources.Reads, Writes: *t.Resources.Writes},
			Role:         types.Role(t.Role),
		})
	}

	if err := validateDAG(tasks); err != nil {
		return types.Plan{}, err
	}
	return types.Plan{Objective: dto.Objective, Tasks: tasks}, nil
}

// validateDAG checks unique ids, dependency existence, and acyclicity via a
// three-color DFS (white/gray/black), same shape as script-weaver's
// internal/graph.Validate.
func validateDAG(tasks []types.PlanTask) error {
	byID := make(map[string]types.PlanTask, len(tasks))
	for _, t := range tasks {
		if _, dup := byID[t.ID]; dup {
			return &StructuralError{Kind: "duplicate_id", Msg: fmt.Sprintf("duplicate task id %q", t.ID)}
		}
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				return &StructuralError{Kind: "dangling_dependency", Msg: fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep)}
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	var path []string

	var dfs func(id string) error
	dfs = func(id string) error {
		color[id] = gray
		path = append(path, id)

		deps := append([]string{}, byID[id].Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch color[dep] {
			case gray:
				return &StructuralError{Kind: "cycle", Msg: fmt.Sprintf("cycle detected: %v", append(path, dep))}
			case white:
				if err := dfs(dep); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	ids := make([]string, 0, len(tasks))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			if err := dfs(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// TopologicalOrder returns task ids in an order where every task's
// dependencies precede it, breaking ties lexicographically for determinism.
// Assumes tasks already passed validateDAG (ParsePlan guarantees this).
func TopologicalOrder(tasks []types.PlanTask) []string {
	byID := make(map[string]types.PlanTask, len(tasks))
	indegree := make(map[string]int, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		if _, ok := indegree[t.ID]; !ok {
			indegree[t.ID] = 0
		}
	}
	dependents := make(map[string][]string)
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			dependents[dep] = append(dependents[dep], t.ID)
			indegree[t.ID]++
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		next := append([]string{}, dependents[id]...)
		sort.Strings(next)
		for _, d := range next {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
				sort.Strings(ready)
			}
		}
	}
	return order
}

// claimDTO mirrors the claim-mode reply shape.
type claimDTO struct {
	TaskID    string        `json:"task_id"`
	Resources *resourcesDTO `json:"resources"`
	Execution *executionDTO `json:"execution"`
}

type executionDTO struct {
	Commands *[]string `json:"commands"`
}

// ParsedClaim is a claim-mode reply that has passed schema validation.
type ParsedClaim struct {
	TaskID    string
	Resources types.Resources
	Commands  []string
}

// ParseClaimReply extracts and validates a claim-mode reply.
func ParseClaimReply(raw string) (ParsedClaim, error) {
	obj, err := agent.ExtractJSON(raw)
	if err != nil {
		return ParsedClaim{}, &SchemaError{Field: "task_id", Msg: err.Error()}
	}
	var dto claimDTO
	if err := json.Unmarshal([]byte(obj), &dto); err != nil {
		return ParsedClaim{}, &SchemaError{Field: "<root>", Msg: err.Error()}
	}
	if dto.TaskID == "" {
		return ParsedClaim{}, &SchemaError{Field: "task_id", Msg: "must be non-empty"}
	}
	if dto.Resources == nil || dto.Resources.Reads == nil || dto.Resources.Writes == nil {
		return ParsedClaim{}, &SchemaError{Field: "resources", Msg: "reads/writes arrays must both be present"}
	}
	if dto.Execution == nil || dto.Execution.Commands == nil {
		return ParsedClaim{}, &SchemaError{Field: "execution.commands", Msg: "must be present (may be empty)"}
	}
	return ParsedClaim{
		TaskID:    dto.TaskID,
		Resources: types.Resources{Reads: *dto.Resources.Reads, Writes: *dto.Resources.Writes},
		Commands:  *dto.Execution.Commands,
	}, nil
}
