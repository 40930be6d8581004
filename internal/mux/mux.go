// Package mux implements the listener multiplexer of the realtime pool.
//
// The multiplexer guarantees at most one open change-stream connection per
// query key, no matter how many subscriptions watch that key. Connections
// open on the 0->1 reference transition and close on 1->0. The multiplexer
// holds no subscription-level state: only the reference count, the close
// handle, and a liveness guard that drops events straggling in from a
// connection that was just closed.
package mux

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/novelytical/realtime/types"
)

// entry is the per-query-key connection record.
//
// An entry enters the map before its connection is open; ready is closed once
// the open attempt settles, with openErr carrying the failure. Sharers that
// join during the open wait on ready outside the multiplexer lock, so a slow
// open for one key never stalls operations on other keys.
type entry struct {
	refs    int
	close   types.CloseFunc
	ready   chan struct{}
	openErr error

	// live is cleared before close so late events from the underlying
	// connection are discarded instead of routed to stale subscriber lists.
	live atomic.Bool
}

// settledClose returns the entry's close handle if the open attempt has
// settled, nil while it is still in flight. Caller holds m.mu.
func (e *entry) settledClose() types.CloseFunc {
	select {
	case <-e.ready:
		return e.close
	default:
		// Still opening; the opener goroutine closes the connection when it
		// finds the entry gone from the map.
		return nil
	}
}

// Multiplexer maintains the query key -> connection mapping with reference
// counting.
//
// Acquire and Release must be paired 1:1 with subscription creation and
// removal; the pool enforces that. All methods are safe for concurrent use.
type Multiplexer struct {
	opener  types.Opener
	logger  types.Logger
	metrics types.MetricsCollector

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a Multiplexer opening connections through the given port.
//
// Parameters:
//   - opener: Change-stream port (must be non-nil)
//   - logger: Structured logger (must be non-nil)
//   - metrics: Metrics collector (must be non-nil)
//
// Returns:
//   - *Multiplexer: Multiplexer with no open connections
func New(opener types.Opener, logger types.Logger, metrics types.MetricsCollector) *Multiplexer {
	return &Multiplexer{
		opener:  opener,
		logger:  logger,
		metrics: metrics,
		entries: make(map[string]*entry),
	}
}

// Acquire references the connection for queryKey, opening it on the first
// reference.
//
// The supplied onEvent/onError callbacks are registered only when this call
// opens the connection; subsequent acquirers share the original registration.
// Both are filtered through the entry's liveness guard: once the connection
// is torn down, straggler events are counted and dropped.
//
// The blocking open runs outside the multiplexer lock, so acquires and
// releases for other query keys proceed while one key's connection is still
// connecting. Sharers that arrive during the open wait for it to settle and
// observe its outcome.
//
// Parameters:
//   - ctx: Bounds the underlying open operation
//   - queryKey: Canonical query identifier
//   - descriptor: Opaque query description passed to the port
//   - onEvent: Receives change record sets for the key
//   - onError: Receives the terminal stream failure for the key
//
// Returns:
//   - error: Non-nil if opening the underlying connection failed; the
//     reference is not counted in that case
func (m *Multiplexer) Acquire(ctx context.Context, queryKey string, descriptor any, onEvent types.EventFunc, onError types.ErrorFunc) error {
	m.mu.Lock()
	if e, ok := m.entries[queryKey]; ok {
		e.refs++
		refs := e.refs
		m.mu.Unlock()

		// The first acquirer may still be opening; its context bounds that.
		<-e.ready
		if err := e.openErr; err != nil {
			return err
		}
		m.logger.Debug("sharing existing listener", "queryKey", queryKey, "refs", refs)

		return nil
	}

	e := &entry{refs: 1, ready: make(chan struct{})}
	e.live.Store(true)
	m.entries[queryKey] = e
	m.mu.Unlock()

	guardedEvent := func(records []types.ChangeRecord) {
		if !e.live.Load() {
			m.metrics.RecordStaleEventDropped(queryKey)
			return
		}
		onEvent(records)
	}
	guardedError := func(err error) {
		if !e.live.Load() {
			return
		}
		onError(err)
	}

	closeFn, err := m.opener.Open(ctx, descriptor, guardedEvent, guardedError)

	m.mu.Lock()
	current := m.entries[queryKey] == e
	if err != nil {
		if current {
			delete(m.entries, queryKey)
		}
		e.openErr = fmt.Errorf("failed to open change stream for %q: %w", queryKey, err)
		close(e.ready)
		m.mu.Unlock()

		return e.openErr
	}
	e.close = closeFn
	close(e.ready)
	active := len(m.entries)
	m.mu.Unlock()

	if !current {
		// The entry was detached or closed while the connection was opening;
		// nothing else holds the close handle.
		e.live.Store(false)
		closeFn()
		m.logger.Debug("discarded listener opened for removed key", "queryKey", queryKey)

		return nil
	}

	m.logger.Info("opened change-stream listener", "queryKey", queryKey)
	m.metrics.RecordListenerOpened(queryKey)
	m.metrics.SetActiveListeners(active)

	return nil
}

// Release dereferences the connection for queryKey, closing it when the
// count reaches zero. Releasing an unknown key is a no-op.
func (m *Multiplexer) Release(queryKey string) {
	m.mu.Lock()
	e, ok := m.entries[queryKey]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		m.logger.Debug("released listener reference", "queryKey", queryKey, "refs", e.refs)
		m.mu.Unlock()

		return
	}
	delete(m.entries, queryKey)
	remaining := len(m.entries)
	closeFn := e.settledClose()
	m.mu.Unlock()

	e.live.Store(false)
	if closeFn != nil {
		closeFn()
	}
	m.logger.Info("closed change-stream listener", "queryKey", queryKey)
	m.metrics.RecordListenerClosed(queryKey, "released")
	m.metrics.SetActiveListeners(remaining)
}

// Detach removes the entry for queryKey and clears its liveness guard,
// returning the close handle for the caller to invoke.
//
// Unlike Teardown it does not call the close function itself, so the pool can
// detach inside its own critical section (making the removal atomic with its
// bookkeeping) and close the connection after releasing its lock. Returns nil
// when no entry exists or the connection is still opening; in the latter case
// the opener goroutine closes it.
func (m *Multiplexer) Detach(queryKey string, reason string) types.CloseFunc {
	m.mu.Lock()
	e, ok := m.entries[queryKey]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.entries, queryKey)
	remaining := len(m.entries)
	closeFn := e.settledClose()
	m.mu.Unlock()

	e.live.Store(false)
	m.logger.Warn("tore down change-stream listener", "queryKey", queryKey, "reason", reason)
	m.metrics.RecordListenerClosed(queryKey, reason)
	m.metrics.SetActiveListeners(remaining)

	return closeFn
}

// Teardown force-closes the connection for queryKey regardless of its
// reference count, typically after a terminal stream error.
//
// The pool keeps its subscriptions; a later Subscribe for the key reopens
// the connection (breaker permitting).
func (m *Multiplexer) Teardown(queryKey string, reason string) {
	if closeFn := m.Detach(queryKey, reason); closeFn != nil {
		closeFn()
	}
}

// Adopt adds extra references to an existing entry without touching the
// connection.
//
// Used when a torn-down listener is reopened for a query key that still has
// live subscriptions: the reopening Acquire counts one reference, and Adopt
// folds the surviving subscriptions back into the count so acquire/release
// pairing stays exact.
func (m *Multiplexer) Adopt(queryKey string, extraRefs int) {
	if extraRefs <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[queryKey]; ok {
		e.refs += extraRefs
	}
}

// CloseAll closes every open connection. Called on pool shutdown.
func (m *Multiplexer) CloseAll() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	closers := make([]types.CloseFunc, 0, len(entries))
	for key, e := range entries {
		e.live.Store(false)
		if closeFn := e.settledClose(); closeFn != nil {
			closers = append(closers, closeFn)
		}
		m.metrics.RecordListenerClosed(key, "shutdown")
	}
	m.mu.Unlock()

	for _, closeFn := range closers {
		closeFn()
	}
	m.metrics.SetActiveListeners(0)
}

// ActiveListeners returns the number of open connections.
func (m *Multiplexer) ActiveListeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries)
}

// Refs returns the reference count for queryKey (0 if no entry exists).
func (m *Multiplexer) Refs(queryKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[queryKey]; ok {
		return e.refs
	}

	return 0
}
