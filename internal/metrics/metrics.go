// Package metrics exposes Prometheus counters and gauges for the core
// orchestration loop: spawns, active PTYs, lock-table size, retries, and
// claim blocks — the RED/USE surface a human operator watches while a job
// runs.
//
// Grounded on ChuLiYu-raft-recovery's internal/metrics/metrics.go (counter
// set shape, StartServer helper) and 88lin-divinesense's ai/metrics package
// (gauge-per-resource naming convention). Unlike the teacher, which has no
// metrics package at all, every metric name here is new — there's no prior
// "queue_*" namespace to rename, just the registration/serve pattern to keep.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric Numerus reports. Each instance owns its own
// prometheus.Registry so multiple Collectors (e.g. one per test) never
// collide on the global default registry.
type Collector struct {
	registry *prometheus.Registry

	spawnsTotal       prometheus.Counter
	spawnFailureTotal prometheus.Counter
	tasksCompleted    prometheus.Counter
	tasksFailed       prometheus.Counter
	tasksRetried      prometheus.Counter
	claimsApproved    prometheus.Counter
	claimsBlocked     prometheus.Counter

	activePTYs      prometheus.Gauge
	activeLocks     prometheus.Gauge
	parkedClaims    prometheus.Gauge
	executionLatency prometheus.Histogram
}

// NewCollector builds and registers every metric.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		spawnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "numerus_spawns_total",
			Help: "Total number of agent-binary spawn attempts.",
		}),
		spawnFailureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "numerus_spawn_failures_total",
			Help: "Total number of failed agent-binary spawn attempts.",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "numerus_tasks_completed_total",
			Help: "Total number of tasks that reached the completed state.",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "numerus_tasks_failed_total",
			Help: "Total number of tasks that reached the failed state.",
		}),
		tasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "numerus_tasks_retried_total",
			Help: "Total number of task retry attempts.",
		}),
		claimsApproved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "numerus_claims_approved_total",
			Help: "Total number of claims approved by the arbiter.",
		}),
		claimsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "numerus_claims_blocked_total",
			Help: "Total number of claims blocked by the arbiter.",
		}),
		activePTYs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "numerus_active_ptys",
			Help: "Current number of live PTY sessions.",
		}),
		activeLocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "numerus_active_locks",
			Help: "Current number of held locks in the arbiter's lock table.",
		}),
		parkedClaims: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "numerus_parked_claims",
			Help: "Current number of claims parked awaiting lock availability.",
		}),
		executionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "numerus_task_execute_seconds",
			Help:    "Wall-clock duration of the execute phase per task.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.spawnsTotal, c.spawnFailureTotal, c.tasksCompleted, c.tasksFailed, c.tasksRetried,
		c.claimsApproved, c.claimsBlocked, c.activePTYs, c.activeLocks, c.parkedClaims, c.executionLatency,
	)
	return c
}

func (c *Collector) RecordSpawn()        { c.spawnsTotal.Inc() }
func (c *Collector) RecordSpawnFailure() { c.spawnFailureTotal.Inc() }
func (c *Collector) RecordTaskCompleted(executeSeconds float64) {
	c.tasksCompleted.Inc()
	c.executionLatency.Observe(executeSeconds)
}
func (c *Collector) RecordTaskFailed()    { c.tasksFailed.Inc() }
func (c *Collector) RecordTaskRetried()   { c.tasksRetried.Inc() }
func (c *Collector) RecordClaimApproved() { c.claimsApproved.Inc() }
func (c *Collector) RecordClaimBlocked()  { c.claimsBlocked.Inc() }

// SetActivePTYs, SetActiveLocks and SetParkedClaims report point-in-time gauges.
func (c *Collector) SetActivePTYs(n int)   { c.activePTYs.Set(float64(n)) }
func (c *Collector) SetActiveLocks(n int)  { c.activeLocks.Set(float64(n)) }
func (c *Collector) SetParkedClaims(n int) { c.parkedClaims.Set(float64(n)) }

// Handler returns the /metrics HTTP handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics on addr (e.g. ":9090") and
// blocks until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return fmt.Errorf("metrics: server exited: %w", err)
	}
}
