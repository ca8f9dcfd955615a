// Package diagnostics tracks recovery budgets and telemetry for the daemon.
//
// The recovery budget is a rolling rate limit on automatic self-healing: a
// flapping subsystem (capture device, hotkey listener, local server) gets at
// most five automatic recovery attempts within any trailing ten-minute
// window. Once the budget is exhausted the subsystem must report degraded and
// wait for manual remediation; the budget answer is advisory, never an error.
//
// Telemetry is a low-ceremony counter rollup flushed to structured logging on
// a fixed period and optionally uploaded as one JSON payload; see [Rollup].
package diagnostics

import (
	"sync"
	"time"
)

const (
	// recoveryWindow is the trailing window considered for the budget.
	recoveryWindow = 10 * time.Minute

	// recoveryLimit is the maximum number of attempts within the window.
	recoveryLimit = 5
)

// Center owns the per-subsystem recovery attempt history. It is a
// single-writer mutable core; all exported methods are safe for concurrent
// use.
type Center struct {
	rollup *Rollup

	mu       sync.Mutex
	attempts map[string][]time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// NewCenter creates a Center that emits attempt metrics into rollup.
func NewCenter(rollup *Rollup) *Center {
	return &Center{
		rollup:   rollup,
		attempts: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// CanAttemptRecovery reports whether subsystem has budget left: fewer than
// five recorded attempts remain inside the trailing ten-minute window.
// Entries older than the window are pruned lazily on each check.
func (c *Center) CanAttemptRecovery(subsystem string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pruneLocked(subsystem)) < recoveryLimit
}

// RecordRecoveryAttempt appends an attempt timestamp for subsystem and emits
// an attempt metric; on success an additional success metric is emitted.
func (c *Center) RecordRecoveryAttempt(subsystem, reason string, success bool) {
	c.mu.Lock()
	c.attempts[subsystem] = append(c.pruneLocked(subsystem), c.now())
	c.mu.Unlock()

	tags := map[string]string{"subsystem": subsystem, "reason": reason}
	c.rollup.Inc("recovery_attempts", tags)
	if success {
		c.rollup.Inc("recovery_successes", tags)
	}
}

// pruneLocked drops attempts older than the window and returns the surviving
// slice, which is also stored back. Callers must hold c.mu.
func (c *Center) pruneLocked(subsystem string) []time.Time {
	cutoff := c.now().Add(-recoveryWindow)
	kept := c.attempts[subsystem][:0]
	for _, t := range c.attempts[subsystem] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.attempts[subsystem] = kept
	return kept
}
