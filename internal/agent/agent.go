// Package agent builds the argv/env/stdin contract for invoking the external
// agent binary (spec §6) and extracts the JSON object from its stdout reply.
// It knows nothing about PTYs or process lifecycles — internal/terminal owns
// the actual child process; this package only shapes the three prompt headers
// (NUMERUS_PLAN V1 / NUMERUS_CLAIM V1 / NUMERUS_EXECUTE V1) and their bodies.
// Schema validation of the extracted JSON belongs to internal/planparse, not
// here — this package's job ends at "find the balanced {...} object".
//
// The subprocess-invocation shape (argv, working directory, environment as
// given by the caller; no env filtering or output trimming) is grounded on the teacher's runCC helper (internal/roles/planner/planner.go);
// ExtractJSON is grounded on the teacher's llm.StripFences/StripThinkBlocks
// (internal/llm/client.go) — both practice "discard everything around the
// payload before parsing" — generalized here from "strip known wrappers" to
// "extract the first balanced {...} object", since the agent binary contract
// makes no fence/think-tag promise.
package agent

import (
	"encoding/json"
	"fmt"

	"github.com/haricheung/numerus/internal/types"
)

// Mode is one of the three prompt headers the agent binary contract
// recognizes on stdin.
type Mode string

const (
	ModePlan    Mode = "NUMERUS_PLAN V1"
	ModeClaim   Mode = "NUMERUS_CLAIM V1"
	ModeExecute Mode = "NUMERUS_EXECUTE V1"
)

// Invocation is everything internal/terminal needs to spawn one agent call:
// argv, working directory, environment, and the text to write to stdin once
// the PTY is ready.
type Invocation struct {
	Argv   []string
	Cwd    string
	Env    []string
	Stdin  string
	Mode   Mode
	JobID  string
	TaskID string
}

// PlanInvocation builds the argv/stdin for a plan-mode call: the agent
// receives the objective and must reply with {objective, tasks:[...]}.
func PlanInvocation(agentBin, jobID, objective, workingDir string, env []string) Invocation {
	stdin := fmt.Sprintf("%s\n\nObjective: %s\n", ModePlan, objective)
	return Invocation{
		Argv:  []string{agentBin},
		Cwd:   workingDir,
		Env:   env,
		Stdin: stdin,
		Mode:  ModePlan,
		JobID: jobID,
	}
}

// ClaimInvocation builds the argv/stdin for a claim-mode call: the agent
// receives one task's summary/description/dependencies and must reply with
// {task_id, resources:{reads,writes}, execution:{commands:[...]}}.
func ClaimInvocation(agentBin, jobID, workingDir string, task types.Task, env []string) Invocation {
	body, _ := json.Marshal(struct {
		TaskID       string   `json:"task_id"`
		Summary      string   `json:"summary"`
		Description  string   `json:"description"`
		Dependencies []string `json:"dependencies"`
	}{task.TaskID, task.Summary, task.Description, task.Dependencies})

	stdin := fmt.Sprintf("%s\n\nTask: %s\n", ModeClaim, body)
	return Invocation{
		Argv:   []string{agentBin},
		Cwd:    workingDir,
		Env:    env,
		Stdin:  stdin,
		Mode:   ModeClaim,
		JobID:  jobID,
		TaskID: task.TaskID,
	}
}

// ExecuteInvocation builds the argv/stdin for an execute-mode call: the
// agent receives the approved claim and "APPROVAL: GO", performs its work,
// and exits 0 on success / non-zero on failure. No JSON reply is expected.
func ExecuteInvocation(agentBin, jobID, workingDir string, claim types.Claim, role types.Role, env []string) Invocation {
	body, _ := json.Marshal(struct {
		TaskID   string     `json:"task_id"`
		Attempt  int        `json:"attempt"`
		Reads    []string   `json:"reads"`
		Writes   []string   `json:"writes"`
		Commands []string   `json:"commands"`
		Role     types.Role `json:"role,omitempty"`
	}{claim.TaskID, claim.Attempt, claim.Reads, claim.Writes, claim.Commands, role})

	stdin := fmt.Sprintf("%s\n\nApproved claim: %s\nAPPROVAL: GO\n", ModeExecute, body)
	return Invocation{
		Argv:   []string{agentBin},
		Cwd:    workingDir,
		Env:    env,
		Stdin:  stdin,
		Mode:   ModeExecute,
		JobID:  jobID,
		TaskID: claim.TaskID,
	}
}

// ExtractJSON scans s for the first '{' and walks brace depth — respecting
// quoted strings and backslash escapes — to find the matching close,
// discarding any prose before or after (spec §6: "JSON is extracted from the
// stdout stream by locating the outermost balanced {…} object").
//
// Returns an error if no balanced object is found.
func ExtractJSON(s string) (string, error) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		if start == -1 {
			if c == '{' {
				start = i
				depth = 1
				inString = false
				escaped = false
			}
			continue
		}

		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], nil
				}
			}
		}
	}
	return "", fmt.Errorf("agent: no balanced JSON object found in output")
}
