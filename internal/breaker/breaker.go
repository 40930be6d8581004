// Package breaker implements the per-source failure isolator for the realtime pool.
//
// Each source (a query key or subscription id) carries a consecutive-failure
// counter. When the counter reaches the configured threshold the source's
// circuit opens: update ingestion and listener reopening for that source are
// suppressed until a cool-down window elapses, after which the circuit closes
// and the counter resets. A single success closes the circuit path early by
// resetting the counter immediately.
package breaker

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/novelytical/realtime/types"
)

// Breaker tracks consecutive failures per source and opens a circuit once a
// source crosses the failure threshold.
//
// All methods are safe for concurrent use. Sources never interfere with each
// other: an open circuit for one source does not affect any other.
type Breaker struct {
	threshold int
	cooldown  time.Duration

	logger  types.Logger
	metrics types.MetricsCollector

	sources *xsync.Map[string, *sourceState]

	// now is swapped in tests to control time.
	now func() time.Time
}

// sourceState is the per-source counter and circuit window.
type sourceState struct {
	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

// New creates a failure isolator.
//
// Parameters:
//   - threshold: Consecutive failures that open a source's circuit (minimum 1)
//   - cooldown: How long an open circuit suppresses the source
//   - logger: Structured logger (must be non-nil)
//   - metrics: Metrics collector (must be non-nil)
//
// Returns:
//   - *Breaker: Initialized isolator with no tracked sources
func New(threshold int, cooldown time.Duration, logger types.Logger, metrics types.MetricsCollector) *Breaker {
	if threshold < 1 {
		threshold = 1
	}

	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
		metrics:   metrics,
		sources:   xsync.NewMap[string, *sourceState](),
		now:       time.Now,
	}
}

// Allow reports whether operations for the source may proceed.
//
// An open circuit whose cool-down has elapsed is closed here, lazily: the
// counter resets and the call returns true. Unknown sources are always
// allowed.
func (b *Breaker) Allow(source string) bool {
	st, ok := b.sources.Load(source)
	if !ok {
		return true
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.openUntil.IsZero() {
		return true
	}
	if b.now().Before(st.openUntil) {
		return false
	}

	// Cool-down elapsed: close the circuit and start clean.
	st.openUntil = time.Time{}
	st.failures = 0
	b.logger.Info("circuit closed after cool-down", "source", source)
	b.metrics.RecordCircuitClosed(source)

	return true
}

// RecordFailure increments the source's consecutive-failure counter, opening
// the circuit when it reaches the threshold.
//
// Returns:
//   - bool: true if this failure opened the circuit
func (b *Breaker) RecordFailure(source string) bool {
	st, _ := b.sources.LoadOrStore(source, &sourceState{})

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.openUntil.IsZero() && b.now().Before(st.openUntil) {
		// Already open; failures while suppressed do not extend the window.
		return false
	}

	st.failures++
	if st.failures < b.threshold {
		return false
	}

	st.openUntil = b.now().Add(b.cooldown)
	b.logger.Warn("circuit opened for source",
		"source", source,
		"consecutiveFailures", st.failures,
		"cooldown", b.cooldown,
	)
	b.metrics.RecordCircuitOpened(source)

	return true
}

// RecordSuccess resets the source's consecutive-failure counter to zero.
//
// A success while the circuit is open does not close it; the cool-down
// window must still elapse.
func (b *Breaker) RecordSuccess(source string) {
	st, ok := b.sources.Load(source)
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.openUntil.IsZero() || !b.now().Before(st.openUntil) {
		st.failures = 0
	}
}

// Reject records a suppressed operation for metrics and logs a warning.
//
// Call sites use this when Allow returned false so that dropped work is
// visible without surfacing an error to the caller.
func (b *Breaker) Reject(source, op string) {
	b.logger.Warn("operation suppressed by open circuit", "source", source, "op", op)
	b.metrics.RecordRejected(source, op)
}

// Forget discards all state for the source.
//
// Called when the owning subscription or query-key group is removed so the
// source map does not grow without bound.
func (b *Breaker) Forget(source string) {
	b.sources.Delete(source)
}

// Failures returns the source's current consecutive-failure count.
func (b *Breaker) Failures(source string) int {
	st, ok := b.sources.Load(source)
	if !ok {
		return 0
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	return st.failures
}

// SetNowFunc replaces the breaker's time source. Test hook.
func (b *Breaker) SetNowFunc(now func() time.Time) {
	b.now = now
}
