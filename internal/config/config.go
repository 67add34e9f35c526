// Package config resolves Numerus's runtime configuration: the environment
// variables of spec §6 (RUNS_DIR, STORE_PATH, AGENT_BIN, MAX_PARALLEL_TASKS,
// TASK_TIMEOUT_SECONDS) plus the per-phase timeouts and retry limit the
// runner needs that the distilled spec left implicit.
//
// Grounded on 88lin-divinesense's cmd/divinesense/main.go: viper.SetDefault
// for defaults, viper.AutomaticEnv plus explicit viper.BindEnv per key. That
// file binds cobra flags via BindPFlag and uses a dotted/dashed
// SetEnvKeyReplacer convention — Numerus's env vars are already
// SCREAMING_SNAKE_CASE with no flag equivalents, so this package binds each
// key directly to its spec-mandated name instead of adopting the replacer.
// .env loading is the teacher's own pattern, `_ = godotenv.Load(".env")` in
// cmd/agsh/main.go, reused verbatim in Load.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every value the runner, store, and terminal manager need at
// startup.
type Config struct {
	RunsDir          string
	StorePath        string
	AgentBin         string
	MaxParallelTasks int
	TaskTimeout      time.Duration

	PlanTimeout    time.Duration
	ClaimTimeout   time.Duration
	ExecuteTimeout time.Duration
	RetryLimit     int

	CancelGracePeriod time.Duration

	SpawnFailureThreshold int
	SpawnFailureWindow    time.Duration
	SpawnCooldown         time.Duration

	MetricsAddr string
}

// Load reads an optional .env file (teacher's pattern: missing file is not
// an error), then resolves Config from environment variables with the
// defaults spec §6 names.
func Load(envFile string) (Config, error) {
	_ = godotenv.Load(envFile)

	v := viper.New()
	v.SetDefault("runs_dir", "./runs")
	v.SetDefault("store_path", "./store/tasks.db")
	v.SetDefault("agent_bin", "")
	v.SetDefault("max_parallel_tasks", 4)
	v.SetDefault("task_timeout_seconds", 300)
	v.SetDefault("plan_timeout_seconds", 120)
	v.SetDefault("claim_timeout_seconds", 60)
	v.SetDefault("execute_timeout_seconds", 300)
	v.SetDefault("retry_limit", 2)
	v.SetDefault("cancel_grace_period_seconds", 10)
	v.SetDefault("spawn_failure_threshold", 3)
	v.SetDefault("spawn_failure_window_seconds", 60)
	v.SetDefault("spawn_cooldown_seconds", 30)
	v.SetDefault("metrics_addr", ":9090")

	v.AutomaticEnv()
	binds := map[string]string{
		"runs_dir":                     "RUNS_DIR",
		"store_path":                   "STORE_PATH",
		"agent_bin":                    "AGENT_BIN",
		"max_parallel_tasks":           "MAX_PARALLEL_TASKS",
		"task_timeout_seconds":         "TASK_TIMEOUT_SECONDS",
		"plan_timeout_seconds":         "PLAN_TIMEOUT_SECONDS",
		"claim_timeout_seconds":        "CLAIM_TIMEOUT_SECONDS",
		"execute_timeout_seconds":      "EXECUTE_TIMEOUT_SECONDS",
		"retry_limit":                  "RETRY_LIMIT",
		"cancel_grace_period_seconds":  "CANCEL_GRACE_PERIOD_SECONDS",
		"spawn_failure_threshold":      "SPAWN_FAILURE_THRESHOLD",
		"spawn_failure_window_seconds": "SPAWN_FAILURE_WINDOW_SECONDS",
		"spawn_cooldown_seconds":       "SPAWN_COOLDOWN_SECONDS",
		"metrics_addr":                 "METRICS_ADDR",
	}
	for key, env := range binds {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("config: bind %s: %w", env, err)
		}
	}

	cfg := Config{
		RunsDir:          v.GetString("runs_dir"),
		StorePath:        v.GetString("store_path"),
		AgentBin:         v.GetString("agent_bin"),
		MaxParallelTasks: v.GetInt("max_parallel_tasks"),
		TaskTimeout:      time.Duration(v.GetInt("task_timeout_seconds")) * time.Second,

		PlanTimeout:    time.Duration(v.GetInt("plan_timeout_seconds")) * time.Second,
		ClaimTimeout:   time.Duration(v.GetInt("claim_timeout_seconds")) * time.Second,
		ExecuteTimeout: time.Duration(v.GetInt("execute_timeout_seconds")) * time.Second,
		RetryLimit:     v.GetInt("retry_limit"),

		CancelGracePeriod: time.Duration(v.GetInt("cancel_grace_period_seconds")) * time.Second,

		SpawnFailureThreshold: v.GetInt("spawn_failure_threshold"),
		SpawnFailureWindow:    time.Duration(v.GetInt("spawn_failure_window_seconds")) * time.Second,
		SpawnCooldown:         time.Duration(v.GetInt("spawn_cooldown_seconds")) * time.Second,

		MetricsAddr: v.GetString("metrics_addr"),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.AgentBin == "" {
		return fmt.Errorf("config: AGENT_BIN must be set")
	}
	if c.MaxParallelTasks < 1 {
		return fmt.Errorf("config: MAX_PARALLEL_TASKS must be >= 1")
	}
	if c.RetryLimit < 0 {
		return fmt.Errorf("config: RETRY_LIMIT must be >= 0")
	}
	return nil
}
