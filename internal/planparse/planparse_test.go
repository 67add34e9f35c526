package planparse

import (
	"errors"
	"testing"
)

func TestParsePlan_ValidLinearChain(t *testing.T) {
	raw := `{"objective":"build x","tasks":[
		{"id":"t1","summary":"s1","dependencies":[],"resources":{"reads":[],"writes":["a.txt"]}},
		{"id":"t2","summary":"s2","dependencies":["t1"],"resources":{"reads":["a.txt"],"writes":["b.txt"]}}
	]}`
	plan, err := ParsePlan(raw)
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	if len(plan.Tasks) != 2 {
		t.Fatalf("got %+v", plan)
	}
	order := TopologicalOrder(plan.Tasks)
	if len(order) != 2 || order[0] != "t1" || order[1] != "t2" {
		t.Fatalf("expected [t1 t2], got %v", order)
	}
}

func TestParsePlan_DuplicateID(t *testing.T) {
	raw := `{"objective":"o","tasks":[
		{"id":"t1","dependencies":[],"resources":{"reads":[],"writes":[]}},
		{"id":"t1","dependencies":[],"resources":{"reads":[],"writes":[]}}
	]}`
	_, err := ParsePlan(raw)
	var structErr *StructuralError
	if !errors.As(err, &structErr) || structErr.Kind != "duplicate_id" {
		t.Fatalf("expected duplicate_id structural error, got %v", err)
	}
}

func TestParsePlan_DanglingDependency(t *testing.T) {
	raw := `{"objective":"o","tasks":[
		{"id":"t1","dependencies":["ghost"],"resources":{"reads":[],"writes":[]}}
	]}`
	_, err := ParsePlan(raw)
	var structErr *StructuralError
	if !errors.As(err, &structErr) || structErr.Kind != "dangling_dependency" {
		t.Fatalf("expected dangling_dependency structural error, got %v", err)
	}
}

func TestParsePlan_Cycle(t *testing.T) {
	raw := `{"objective":"o","tasks":[
		{"id":"t1","dependencies":["t2"],"resources":{"reads":[],"writes":[]}},
		{"id":"t2","dependencies":["t1"],"resources":{"reads":[],"writes":[]}}
	]}`
	_, err := ParsePlan(raw)
	var structErr *StructuralError
	if !errors.As(err, &structErr) || structErr.Kind != "cycle" {
		t.Fatalf("expected cycle structural error, got %v", err)
	}
	if !errors.Is(err, ErrStructural) {
		t.Fatalf("expected errors.Is(err, ErrStructural), got %v", err)
	}
}

func TestParsePlan_MissingResourcesIsSchemaError(t *testing.T) {
	raw := `{"objective":"o","tasks":[{"id":"t1","dependencies":[]}]}`
	_, err := ParsePlan(raw)
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestParsePlan_EmptyObjectiveRejected(t *testing.T) {
	raw := `{"objective":"","tasks":[{"id":"t1","dependencies":[],"resources":{"reads":[],"writes":[]}}]}`
	if _, err := ParsePlan(raw); err == nil {
		t.Fatal("expected error for empty objective")
	}
}

func TestParsePlan_EmptyPathRejected(t *testing.T) {
	raw := `{"objective":"o","tasks":[{"id":"t1","dependencies":[],"resources":{"reads":[""],"writes":[]}}]}`
	if _, err := ParsePlan(raw); err == nil {
		t.Fatal("expected error for empty path string")
	}
}

func TestParseClaimReply_Valid(t *testing.T) {
	raw := `{"task_id":"t1","resources":{"reads":["b.txt"],"writes":["a.txt"]},"execution":{"commands":["echo hi"]}}`
	c, err := ParseClaimReply(raw)
	if err != nil {
		t.Fatalf("ParseClaimReply: %v", err)
	}
	if c.TaskID != "t1" || len(c.Resources.Writes) != 1 || len(c.Commands) != 1 {
		t.Fatalf("got %+v", c)
	}
}

func TestParseClaimReply_MissingResourcesRejected(t *testing.T) {
	raw := `{"task_id":"t1","execution":{"commands":[]}}`
	if _, err := ParseClaimReply(raw); err == nil {
		t.Fatal("expected schema error for missing resources")
	}
}

func TestParseClaimReply_EmptyArraysAreValid(t *testing.T) {
	raw := `{"task_id":"t1","resources":{"reads":[],"writes":[]},"execution":{"commands":[]}}`
	c, err := ParseClaimReply(raw)
	if err != nil {
		t.Fatalf("expected empty-but-present arrays to validate, got %v", err)
	}
	if c.Resources.Reads == nil || c.Commands == nil {
		t.Fatalf("expected non-nil empty slices, got %+v", c)
	}
}
