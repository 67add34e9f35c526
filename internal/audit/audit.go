// Package audit implements a read-only bus-tap observer: it never influences
// an orchestration decision, only reports on one. It is adapted from the
// teacher's Auditor (haricheung-agentic-shell/internal/roles/auditor) — same
// shape (tap the bus, accumulate a window of stats, persist them to survive a
// restart, publish a report periodically or on demand) — with the
// role-boundary-violation and GGS-gradient-thrashing detectors replaced by
// the two anomalies that actually matter for the Resource Arbiter and Job
// Runner: a task retried past the configured limit, and a claim parked
// repeatedly without ever being granted (starvation).
package audit

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haricheung/numerus/internal/bus"
	"github.com/haricheung/numerus/internal/types"
)

// Snapshot is one window's accumulated stats, published on "audit.report".
type Snapshot struct {
	WindowStart      time.Time      `json:"window_start"`
	WindowEnd        time.Time      `json:"window_end"`
	TasksCompleted   int            `json:"tasks_completed"`
	TasksFailed      int            `json:"tasks_failed"`
	TasksCancelled   int            `json:"tasks_cancelled"`
	ClaimsApproved   int            `json:"claims_approved"`
	ClaimsBlocked    int            `json:"claims_blocked"`
	RetriesByTask    map[string]int `json:"retries_by_task,omitempty"`
	StarvationAlerts []string       `json:"starvation_alerts,omitempty"`
	RetryAlerts      []string       `json:"retry_alerts,omitempty"`
}

// persistedStats is the subset of Snapshot written to statsPath so a restart
// resumes the current window instead of silently losing counts.
type persistedStats struct {
	WindowStart    time.Time      `json:"window_start"`
	TasksCompleted int            `json:"tasks_completed"`
	TasksFailed    int            `json:"tasks_failed"`
	TasksCancelled int            `json:"tasks_cancelled"`
	ClaimsApproved int            `json:"claims_approved"`
	ClaimsBlocked  int            `json:"claims_blocked"`
	RetriesByTask  map[string]int `json:"retries_by_task"`
}

// Auditor taps the bus read-only and publishes periodic Snapshots.
type Auditor struct {
	b         *bus.Bus
	logPath   string
	statsPath string
	interval  time.Duration // 0 disables the periodic tick; on-demand still works
	maxRetry  int           // retry count at or above this triggers a retry alert
	tap       <-chan bus.Envelope

	mu             sync.Mutex
	logFile        *os.File
	windowStart    time.Time
	tasksCompleted int
	tasksFailed    int
	tasksCancelled int
	claimsApproved int
	claimsBlocked  int
	retriesByTask  map[string]int
	parkStreak     map[string]int // consecutive claim_blocked without claim_approved, per task
}

// New creates an Auditor. statsPath persists window counters across restarts;
// logPath receives one NDJSON line per observed event. maxRetry is the
// retry-alert threshold (typically the runner's configured retry limit).
func New(b *bus.Bus, logPath, statsPath string, interval time.Duration, maxRetry int) *Auditor {
	a := &Auditor{
		b:             b,
		logPath:       logPath,
		statsPath:     statsPath,
		interval:      interval,
		maxRetry:      maxRetry,
		tap:           b.NewTap(),
		windowStart:   time.Now().UTC(),
		retriesByTask: make(map[string]int),
		parkStreak:    make(map[string]int),
	}
	a.loadStats()
	return a
}

func (a *Auditor) loadStats() {
	data, err := os.ReadFile(a.statsPath)
	if err != nil {
		return
	}
	var ps persistedStats
	if err := json.Unmarshal(data, &ps); err != nil {
		log.Printf("[AUDIT] WARNING: could not load persisted stats: %v", err)
		return
	}
	a.windowStart = ps.WindowStart
	a.tasksCompleted = ps.TasksCompleted
	a.tasksFailed = ps.TasksFailed
	a.tasksCancelled = ps.TasksCancelled
	a.claimsApproved = ps.ClaimsApproved
	a.claimsBlocked = ps.ClaimsBlocked
	if ps.RetriesByTask != nil {
		a.retriesByTask = ps.RetriesByTask
	}
}

func (a *Auditor) saveStats() {
	a.mu.Lock()
	ps := persistedStats{
		WindowStart:    a.windowStart,
		TasksCompleted: a.tasksCompleted,
		TasksFailed:    a.tasksFailed,
		TasksCancelled: a.tasksCancelled,
		ClaimsApproved: a.claimsApproved,
		ClaimsBlocked:  a.claimsBlocked,
		RetriesByTask:  copyIntMap(a.retriesByTask),
	}
	a.mu.Unlock()

	data, err := json.Marshal(ps)
	if err != nil {
		log.Printf("[AUDIT] WARNING: could not marshal stats: %v", err)
		return
	}
	if err := os.WriteFile(a.statsPath, data, 0o644); err != nil {
		log.Printf("[AUDIT] WARNING: could not save stats: %v", err)
	}
}

// Run consumes the bus tap registered by New (so events published between
// New and Run are not lost) and blocks until stop is closed.
func (a *Auditor) Run(stop <-chan struct{}) {
	if err := os.MkdirAll(filepath.Dir(a.logPath), 0o755); err != nil {
		log.Printf("[AUDIT] ERROR: create log dir: %v", err)
		return
	}
	f, err := os.OpenFile(a.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[AUDIT] ERROR: open log file: %v", err)
		return
	}
	a.logFile = f
	defer f.Close()

	tap := a.tap
	queryCh, unsubQuery := a.b.Subscribe("audit.query")
	defer unsubQuery()

	var tickC <-chan time.Time
	if a.interval > 0 {
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	log.Printf("[AUDIT] started; writing to %s", a.logPath)

	for {
		select {
		case <-stop:
			return
		case <-tickC:
			a.publishReport("periodic")
		case _, ok := <-queryCh:
			if !ok {
				return
			}
			a.publishReport("on-demand")
		case env, ok := <-tap:
			if !ok {
				return
			}
			e, ok := env.Payload.(types.Event)
			if !ok {
				continue
			}
			a.process(e)
		}
	}
}

func (a *Auditor) process(e types.Event) {
	var alert string

	a.mu.Lock()
	switch e.EventType {
	case types.EventTaskCompleted:
		a.tasksCompleted++
		delete(a.parkStreak, e.TaskID)
	case types.EventTaskFailed:
		a.tasksFailed++
		a.retriesByTask[e.TaskID]++
		if a.retriesByTask[e.TaskID] >= a.maxRetry && a.maxRetry > 0 {
			alert = fmt.Sprintf("task %s reached retry limit (%d attempts)", e.TaskID, a.retriesByTask[e.TaskID])
		}
	case types.EventTaskCancelled:
		a.tasksCancelled++
		delete(a.parkStreak, e.TaskID)
	case types.EventClaimApproved:
		a.claimsApproved++
		delete(a.parkStreak, e.TaskID)
	case types.EventClaimBlocked:
		a.claimsBlocked++
		a.parkStreak[e.TaskID]++
		const starvationThreshold = 10
		if a.parkStreak[e.TaskID] == starvationThreshold {
			alert = fmt.Sprintf("task %s blocked %d consecutive times without being granted — possible starvation", e.TaskID, starvationThreshold)
		}
	}
	a.mu.Unlock()

	a.writeEvent(e, alert)
	if alert != "" {
		log.Printf("[AUDIT] %s", alert)
	}
}

func (a *Auditor) publishReport(trigger string) {
	a.mu.Lock()
	now := time.Now().UTC()
	snap := Snapshot{
		WindowStart:    a.windowStart,
		WindowEnd:      now,
		TasksCompleted: a.tasksCompleted,
		TasksFailed:    a.tasksFailed,
		TasksCancelled: a.tasksCancelled,
		ClaimsApproved: a.claimsApproved,
		ClaimsBlocked:  a.claimsBlocked,
		RetriesByTask:  copyIntMap(a.retriesByTask),
	}
	for taskID, n := range a.retriesByTask {
		if a.maxRetry > 0 && n >= a.maxRetry {
			snap.RetryAlerts = append(snap.RetryAlerts, fmt.Sprintf("%s: %d attempts", taskID, n))
		}
	}
	for taskID, n := range a.parkStreak {
		if n >= 10 {
			snap.StarvationAlerts = append(snap.StarvationAlerts, fmt.Sprintf("%s: blocked %d times", taskID, n))
		}
	}

	a.windowStart = now
	a.tasksCompleted = 0
	a.tasksFailed = 0
	a.tasksCancelled = 0
	a.claimsApproved = 0
	a.claimsBlocked = 0
	a.retriesByTask = make(map[string]int)
	a.mu.Unlock()

	a.saveStats()

	log.Printf("[AUDIT] publishing %s report: completed=%d failed=%d blocked=%d approved=%d",
		trigger, snap.TasksCompleted, snap.TasksFailed, snap.ClaimsBlocked, snap.ClaimsApproved)

	a.b.Publish("audit.report", snap)
}

func (a *Auditor) writeEvent(e types.Event, alert string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.logFile == nil {
		return
	}
	record := struct {
		types.Event
		Alert string `json:"alert,omitempty"`
	}{Event: e, Alert: alert}
	data, err := json.Marshal(record)
	if err != nil {
		log.Printf("[AUDIT] ERROR: marshal event: %v", err)
		return
	}
	if _, err := fmt.Fprintf(a.logFile, "%s\n", data); err != nil {
		log.Printf("[AUDIT] ERROR: write event: %v", err)
	}
}

func copyIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
