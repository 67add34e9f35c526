package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"RUNS_DIR", "STORE_PATH", "AGENT_BIN", "MAX_PARALLEL_TASKS", "TASK_TIMEOUT_SECONDS",
		"PLAN_TIMEOUT_SECONDS", "CLAIM_TIMEOUT_SECONDS", "EXECUTE_TIMEOUT_SECONDS", "RETRY_LIMIT",
		"CANCEL_GRACE_PERIOD_SECONDS", "SPAWN_FAILURE_THRESHOLD", "SPAWN_FAILURE_WINDOW_SECONDS",
		"SPAWN_COOLDOWN_SECONDS", "METRICS_ADDR",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_DefaultsApplyWhenUnset(t *testing.T) {
	clearEnv(t)
	t.Setenv("AGENT_BIN", "/usr/local/bin/fake-agent")

	cfg, err := Load("/nonexistent/.env")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RunsDir != "./runs" {
		t.Fatalf("expected default runs_dir, got %q", cfg.RunsDir)
	}
	if cfg.StorePath != "./store/tasks.db" {
		t.Fatalf("expected default store_path, got %q", cfg.StorePath)
	}
	if cfg.MaxParallelTasks != 4 {
		t.Fatalf("expected default max_parallel_tasks=4, got %d", cfg.MaxParallelTasks)
	}
	if cfg.TaskTimeout != 300*time.Second {
		t.Fatalf("expected default task timeout 300s, got %v", cfg.TaskTimeout)
	}
	if cfg.RetryLimit != 2 {
		t.Fatalf("expected default retry limit 2, got %d", cfg.RetryLimit)
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("AGENT_BIN", "/bin/fake-agent")
	t.Setenv("RUNS_DIR", "/tmp/numerus-runs")
	t.Setenv("MAX_PARALLEL_TASKS", "8")
	t.Setenv("TASK_TIMEOUT_SECONDS", "45")
	t.Setenv("RETRY_LIMIT", "5")

	cfg, err := Load("/nonexistent/.env")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RunsDir != "/tmp/numerus-runs" {
		t.Fatalf("expected env override, got %q", cfg.RunsDir)
	}
	if cfg.MaxParallelTasks != 8 {
		t.Fatalf("expected 8, got %d", cfg.MaxParallelTasks)
	}
	if cfg.TaskTimeout != 45*time.Second {
		t.Fatalf("expected 45s, got %v", cfg.TaskTimeout)
	}
	if cfg.RetryLimit != 5 {
		t.Fatalf("expected 5, got %d", cfg.RetryLimit)
	}
}

func TestLoad_MissingAgentBinRejected(t *testing.T) {
	clearEnv(t)
	if _, err := Load("/nonexistent/.env"); err == nil {
		t.Fatal("expected error when AGENT_BIN is unset")
	}
}

func TestLoad_InvalidMaxParallelTasksRejected(t *testing.T) {
	clearEnv(t)
	t.Setenv("AGENT_BIN", "/bin/fake-agent")
	t.Setenv("MAX_PARALLEL_TASKS", "0")

	if _, err := Load("/nonexistent/.env"); err == nil {
		t.Fatal("expected error for max_parallel_tasks < 1")
	}
}
