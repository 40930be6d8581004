// Package batch implements the update-coalescing aggregator of the realtime pool.
//
// Each source (subscription) owns at most one pending group of change items.
// New items extend a debounce timer; the group flushes when the quiet period
// elapses, when it reaches the size bound, or when pool-wide pending volume
// forces an early flush. A secondary throttle floor guarantees that sustained
// item streams, which keep resetting the debounce timer, still flush at least
// once per throttle interval.
//
// Flushed groups of one source are delivered sequentially and in flush order
// by a per-source drain goroutine. Failed flushes are retried with
// exponential backoff (2^errorCount times the configured base) up to the
// source's retry budget, then abandoned with the failure isolator notified;
// a retried group re-enters the delivery queue behind whatever flushed in the
// meantime. Completed groups are retained briefly and swept by age so memory
// stays bounded.
package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/novelytical/realtime/types"
)

// Deliverer hands a flushed group to its subscription. A non-nil error marks
// the flush failed and triggers the retry path.
type Deliverer func(ctx context.Context, source string, updates []types.ChangeRecord, flushedAt time.Time) error

// Config configures an Aggregator. The pool fills it from its own Config;
// zero values are replaced by applyDefaults.
type Config struct {
	// SizeLimit is the per-group item bound; reaching it flushes immediately.
	SizeLimit int

	// MaxPendingItems is the pool-wide pending item bound; while at or above
	// it, every Add forces an early flush of the receiving source.
	MaxPendingItems int

	// FlushThrottle is the minimum interval between flushes of one source.
	// Zero disables the throttle floor.
	FlushThrottle time.Duration

	// RetryBase is the unit of exponential retry backoff: a group that has
	// failed n times is retried after RetryBase * 2^n, capped at RetryCap.
	RetryBase time.Duration

	// RetryCap bounds the retry backoff.
	RetryCap time.Duration

	// GroupRetention is how long a completed group is retained before removal.
	GroupRetention time.Duration

	// StaleGroupAge is the age past which the sweeper reclaims retained
	// groups regardless of state.
	StaleGroupAge time.Duration

	// SweepInterval is how often the sweeper runs.
	SweepInterval time.Duration

	// OnSuccess is invoked after a successful flush for the source.
	OnSuccess func(source string)

	// OnAbandon is invoked when a group exhausts its retries.
	OnAbandon func(source string, err error)

	Logger  types.Logger
	Metrics types.MetricsCollector
}

// Default tuning values for the aggregator.
const (
	DefaultSizeLimit       = 50
	DefaultMaxPendingItems = 200
	DefaultFlushThrottle   = time.Second
	DefaultRetryBase       = time.Second
	DefaultRetryCap        = 30 * time.Second
	DefaultGroupRetention  = time.Second
	DefaultStaleGroupAge   = 10 * time.Minute
	DefaultSweepInterval   = time.Minute
)

func (cfg *Config) applyDefaults() {
	if cfg.SizeLimit <= 0 {
		cfg.SizeLimit = DefaultSizeLimit
	}
	if cfg.MaxPendingItems <= 0 {
		cfg.MaxPendingItems = DefaultMaxPendingItems
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = DefaultRetryCap
	}
	if cfg.GroupRetention <= 0 {
		cfg.GroupRetention = DefaultGroupRetention
	}
	if cfg.StaleGroupAge <= 0 {
		cfg.StaleGroupAge = DefaultStaleGroupAge
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.OnSuccess == nil {
		cfg.OnSuccess = func(string) {}
	}
	if cfg.OnAbandon == nil {
		cfg.OnAbandon = func(string, error) {}
	}
}

// SourceOptions carries the per-subscription tuning that Add applies to the
// receiving source's group.
type SourceOptions struct {
	// Debounce is the quiet period before a pending group flushes. Each new
	// item restarts the countdown.
	Debounce time.Duration

	// MaxRetries bounds flush retry attempts for groups of this source.
	MaxRetries int
}

// sourceQueue is the per-source pending state.
type sourceQueue struct {
	group     *Group
	timer     *time.Timer
	lastFlush time.Time
	opts      SourceOptions

	// deliveryQ holds flushed groups awaiting delivery, in flush order. One
	// drain goroutine per source hands them to the deliverer sequentially, so
	// a source's handler never sees two batches concurrently and back-to-back
	// flushes arrive in order. Failed groups leave the queue and re-enter it
	// when their retry timer fires; retries are the only reordering.
	deliveryQ  []*retainedGroup
	delivering bool
}

// Aggregator owns all pending batch groups and their timers.
type Aggregator struct {
	cfg     Config
	deliver Deliverer

	mu      sync.Mutex
	sources map[string]*sourceQueue
	closed  bool

	// retained holds detached groups (processing, completed, failed) until
	// delayed removal or the sweeper reclaims them.
	retained *xsync.Map[string, *retainedGroup]

	pending atomic.Int64
	flushed atomic.Uint64
	seq     atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type retainedGroup struct {
	mu    sync.Mutex
	group *Group
	// settledAt is when the group reached a terminal state.
	settledAt time.Time
}

// New creates an Aggregator delivering flushed groups via deliver.
//
// Parameters:
//   - cfg: Aggregator tuning; zero fields take defaults
//   - deliver: Flush delivery function (must be non-nil)
//
// Returns:
//   - *Aggregator: Aggregator ready for Add; the sweeper starts immediately
func New(cfg Config, deliver Deliverer) *Aggregator {
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	a := &Aggregator{
		cfg:      cfg,
		deliver:  deliver,
		sources:  make(map[string]*sourceQueue),
		retained: xsync.NewMap[string, *retainedGroup](),
		ctx:      ctx,
		cancel:   cancel,
	}

	a.wg.Add(1)
	go a.sweepLoop()

	return a
}

// Add appends a change record to the source's pending group, creating the
// group if none is open.
//
// Flush triggers, checked in order:
//  1. Group reached SizeLimit: flush now, including the item that hit the bound
//  2. Pool-wide pending items at or above MaxPendingItems: flush now
//  3. Otherwise the source's debounce timer restarts
//
// Returns:
//   - error: types.ErrPoolClosed after Close; nil otherwise
func (a *Aggregator) Add(source string, rec types.ChangeRecord, opts SourceOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return types.ErrPoolClosed
	}

	q := a.sources[source]
	if q == nil {
		q = &sourceQueue{}
		a.sources[source] = q
	}
	q.opts = opts

	now := time.Now()
	if q.group == nil {
		q.group = &Group{
			ID:         fmt.Sprintf("%s#%d", source, a.seq.Add(1)),
			Source:     source,
			CreatedAt:  now,
			State:      GroupPending,
			maxRetries: opts.MaxRetries,
		}
	}
	q.group.Items = append(q.group.Items, types.ChangeItem{
		Record:     rec,
		Source:     source,
		EnqueuedAt: now,
	})
	q.group.LastModified = now
	total := a.pending.Add(1)
	a.cfg.Metrics.SetPendingItems(int(total))

	if len(q.group.Items) >= a.cfg.SizeLimit || total >= int64(a.cfg.MaxPendingItems) {
		a.flushLocked(source, q)
		return nil
	}

	a.resetDebounceLocked(source, q)

	return nil
}

// Flush forces an immediate flush of the source's pending group, bypassing
// debounce and throttle. No-op if nothing is pending.
func (a *Aggregator) Flush(source string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if q := a.sources[source]; q != nil && q.group != nil {
		a.flushLocked(source, q)
	}
}

// DropSource discards the source's pending group and cancels its timer.
//
// Called on unsubscribe. In-flight flushes for already-detached groups are
// not interrupted; their retries are suppressed by the missing source entry.
func (a *Aggregator) DropSource(source string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	q := a.sources[source]
	if q == nil {
		return
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	if q.group != nil {
		total := a.pending.Add(int64(-len(q.group.Items)))
		a.cfg.Metrics.SetPendingItems(int(total))
	}
	delete(a.sources, source)
}

// PendingItems returns the pool-wide count of items awaiting flush.
func (a *Aggregator) PendingItems() int {
	return int(a.pending.Load())
}

// FlushedBatches returns the total number of successfully delivered groups.
func (a *Aggregator) FlushedBatches() uint64 {
	return a.flushed.Load()
}

// RetainedGroups returns the number of detached groups not yet reclaimed.
func (a *Aggregator) RetainedGroups() int {
	return a.retained.Size()
}

// Close stops the sweeper, cancels all timers and in-flight deliveries, and
// rejects further Add calls.
//
// Parameters:
//   - ctx: Bounds the wait for in-flight flush goroutines
//
// Returns:
//   - error: ctx.Err() if the wait was cut short
func (a *Aggregator) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	for _, q := range a.sources {
		if q.timer != nil {
			q.timer.Stop()
		}
	}
	a.sources = make(map[string]*sourceQueue)
	a.mu.Unlock()

	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resetDebounceLocked restarts the source's quiet-period countdown.
func (a *Aggregator) resetDebounceLocked(source string, q *sourceQueue) {
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(q.opts.Debounce, func() {
		a.onDebounce(source)
	})
}

// onDebounce fires when a source's quiet period elapses.
func (a *Aggregator) onDebounce(source string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	q := a.sources[source]
	if q == nil || q.group == nil {
		return
	}

	// Throttle floor: a source may not flush more often than FlushThrottle
	// even though each item resets the debounce countdown.
	if a.cfg.FlushThrottle > 0 && !q.lastFlush.IsZero() {
		if wait := a.cfg.FlushThrottle - time.Since(q.lastFlush); wait > 0 {
			if q.timer != nil {
				q.timer.Stop()
			}
			q.timer = time.AfterFunc(wait, func() {
				a.onDebounce(source)
			})

			return
		}
	}

	a.flushLocked(source, q)
}

// flushLocked detaches the source's pending group and appends it to the
// source's delivery queue. Caller holds a.mu.
func (a *Aggregator) flushLocked(source string, q *sourceQueue) {
	g := q.group
	if g == nil {
		return
	}
	q.group = nil
	q.lastFlush = time.Now()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}

	g.State = GroupProcessing
	g.LastModified = q.lastFlush
	total := a.pending.Add(int64(-len(g.Items)))
	a.cfg.Metrics.SetPendingItems(int(total))

	rg := &retainedGroup{group: g}
	a.retained.Store(g.ID, rg)

	a.enqueueDeliveryLocked(source, q, rg)
}

// enqueueDeliveryLocked appends the group to the source's in-order delivery
// queue and starts the drain goroutine if none is running. Caller holds a.mu.
func (a *Aggregator) enqueueDeliveryLocked(source string, q *sourceQueue, rg *retainedGroup) {
	if a.closed {
		return
	}
	q.deliveryQ = append(q.deliveryQ, rg)
	if q.delivering {
		return
	}
	q.delivering = true
	a.wg.Add(1)
	go a.drainSource(source, q)
}

// drainSource delivers the source's flushed groups one at a time, in flush
// order.
func (a *Aggregator) drainSource(source string, q *sourceQueue) {
	defer a.wg.Done()

	for {
		a.mu.Lock()
		if a.closed || len(q.deliveryQ) == 0 {
			q.delivering = false
			a.mu.Unlock()

			return
		}
		rg := q.deliveryQ[0]
		q.deliveryQ = q.deliveryQ[1:]
		a.mu.Unlock()

		a.processGroup(source, rg)
	}
}

// processGroup delivers a detached group and drives the retry cycle.
func (a *Aggregator) processGroup(source string, rg *retainedGroup) {
	rg.mu.Lock()
	g := rg.group
	updates := g.records()
	rg.mu.Unlock()

	err := a.deliver(a.ctx, source, updates, time.Now())

	rg.mu.Lock()
	defer rg.mu.Unlock()

	if err == nil {
		g.State = GroupCompleted
		g.LastModified = time.Now()
		rg.settledAt = g.LastModified
		a.flushed.Add(1)
		a.cfg.Metrics.RecordBatchFlush("success", len(g.Items))
		a.cfg.OnSuccess(source)
		a.scheduleRemoval(g.ID, a.cfg.GroupRetention)

		return
	}

	g.ErrorCount++
	g.State = GroupFailed
	g.LastModified = time.Now()
	a.cfg.Metrics.RecordBatchFlush("failure", len(g.Items))

	if g.ErrorCount > g.maxRetries {
		rg.settledAt = g.LastModified
		a.cfg.Logger.Warn("abandoning batch group after retries",
			"group", g.ID,
			"source", source,
			"attempts", g.ErrorCount,
			"error", err,
		)
		a.cfg.Metrics.RecordBatchFlush("abandoned", len(g.Items))
		a.cfg.OnAbandon(source, fmt.Errorf("%w: %w", types.ErrRetriesExhausted, err))
		a.scheduleRemoval(g.ID, a.cfg.GroupRetention)

		return
	}

	delay := a.retryDelay(g.ErrorCount)
	a.cfg.Logger.Debug("rescheduling failed batch group",
		"group", g.ID,
		"source", source,
		"attempt", g.ErrorCount,
		"delay", delay,
		"error", err,
	)
	a.cfg.Metrics.RecordBatchRetryBackoff(delay.Seconds())
	g.bumpRetries()
	g.State = GroupPending

	// The retry fires only if the source still exists and the aggregator is
	// open; otherwise the group stays retained until the sweeper reclaims it.
	// The re-enqueue happens in the same critical section as the closed
	// check, so Close never returns while a retry is between the check and
	// its delivery.
	time.AfterFunc(delay, func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		q, live := a.sources[source]
		if a.closed || !live {
			return
		}

		rg.mu.Lock()
		if rg.group.State != GroupPending {
			rg.mu.Unlock()
			return
		}
		rg.group.State = GroupProcessing
		rg.mu.Unlock()

		a.enqueueDeliveryLocked(source, q, rg)
	})
}

// retryDelay computes the exponential backoff for the nth failure.
func (a *Aggregator) retryDelay(errorCount int) time.Duration {
	d := a.cfg.RetryBase
	for i := 0; i < errorCount; i++ {
		d *= 2
		if d >= a.cfg.RetryCap {
			return a.cfg.RetryCap
		}
	}

	return d
}

// scheduleRemoval deletes a settled group after the retention delay.
func (a *Aggregator) scheduleRemoval(id string, after time.Duration) {
	time.AfterFunc(after, func() {
		a.retained.Delete(id)
	})
}

// sweepLoop reclaims stale retained groups by age, independent of the flush
// path, so abandoned or orphaned groups cannot accumulate.
func (a *Aggregator) sweepLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

// sweep removes retained groups older than StaleGroupAge.
func (a *Aggregator) sweep() {
	cutoff := time.Now().Add(-a.cfg.StaleGroupAge)
	swept := 0

	a.retained.Range(func(id string, rg *retainedGroup) bool {
		rg.mu.Lock()
		stale := rg.group.LastModified.Before(cutoff)
		rg.mu.Unlock()
		if stale {
			a.retained.Delete(id)
			swept++
		}

		return true
	})

	if swept > 0 {
		a.cfg.Logger.Debug("swept stale batch groups", "count", swept)
		a.cfg.Metrics.RecordGroupsSwept(swept)
	}
}
