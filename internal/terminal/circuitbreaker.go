package terminal

import (
	"sync"
	"time"
)

// circuitBreaker opens after threshold spawn failures within window,
// refusing new spawns with ErrSpawnCircuitOpen until cooldown elapses
// (spec §4.3: "circuit breaker on ≥K failures within T seconds").
type circuitBreaker struct {
	mu        sync.Mutex
	failures  []time.Time
	openUntil time.Time

	threshold int
	window    time.Duration
	cooldown  time.Duration
}

func newCircuitBreaker(threshold int, window, cooldown time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &circuitBreaker{threshold: threshold, window: window, cooldown: cooldown}
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return !time.Now().Before(cb.openUntil)
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = nil
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-cb.window)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = append(kept, now)

	if len(cb.failures) >= cb.threshold {
		cb.openUntil = now.Add(cb.cooldown)
		cb.failures = nil
	}
}
