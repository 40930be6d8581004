package realtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/novelytical/realtime/internal/batch"
	"github.com/novelytical/realtime/internal/breaker"
	"github.com/novelytical/realtime/internal/logger"
	"github.com/novelytical/realtime/internal/metrics"
	"github.com/novelytical/realtime/internal/mux"
	"github.com/novelytical/realtime/types"
)

// Rough per-record memory costs used by the MemoryUsageEstimate metric.
const (
	subscriptionCost = 256
	listenerCost     = 160
	pendingItemCost  = 112
)

// Pool multiplexes live change-stream subscriptions and coalesces change
// bursts into batched deliveries.
//
// The Pool is the main entry point of the realtime library. It handles:
//   - Subscription lifecycle with idle-timeout cleanup
//   - Reference-counted listener sharing (one stream connection per query key)
//   - Change-event fan-out with per-subscription immediate or batched routing
//   - Debounced, size-bounded batch aggregation with retry and backoff
//   - Per-source circuit breaking so one failing source cannot affect others
//
// Thread Safety:
//   - All public methods are safe for concurrent use
//   - Unsubscribe is idempotent, including against concurrent cleanup timers
//
// Lifecycle:
//   - Create with NewPool()
//   - Subscribe/Unsubscribe as consumers come and go
//   - Call Shutdown() to release every connection and stop background work
//
// Multiple independent pools can coexist (per test, per tenant); nothing is
// shared at package level.
type Pool struct {
	cfg    Config
	opener types.Opener

	logger   types.Logger
	metrics  types.MetricsCollector
	mux      *mux.Multiplexer
	agg      *batch.Aggregator
	breakers *breaker.Breaker

	mu     sync.RWMutex
	subs   map[string]*subscription   // subscription id -> record
	groups map[string][]*subscription // query key -> members
	// detached marks query keys whose listener was torn down after a stream
	// error while subscriptions remained.
	detached map[string]bool
	closed   bool

	batchedUpdates atomic.Uint64
	latencyNanos   atomic.Int64
	latencyCount   atomic.Int64
}

// NewPool creates a new Pool instance with the provided configuration.
//
// Returns a concrete *Pool struct following the "accept interfaces, return
// structs" principle. Consumers can define their own interfaces for testing
// if needed.
//
// Parameters:
//   - cfg: Pool configuration; zero fields are filled with defaults
//   - opener: Change-stream port used to open one connection per query key
//   - opts: Optional configuration (logger, metrics)
//
// Returns:
//   - *Pool: Initialized pool instance
//   - error: Validation error if the configuration is invalid
//
// Example:
//
//	cfg := realtime.DefaultConfig()
//	opener := stream.NewNATS(natsConn)
//	pool, err := realtime.NewPool(&cfg, opener)
func NewPool(cfg *Config, opener types.Opener, opts ...Option) (*Pool, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if opener == nil {
		return nil, ErrOpenerRequired
	}

	conf := *cfg
	SetDefaults(&conf)
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	options := &poolOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if options.logger == nil {
		options.logger = logger.NewNop()
	}
	if options.metrics == nil {
		options.metrics = metrics.NewNop()
	}

	p := &Pool{
		cfg:      conf,
		opener:   opener,
		logger:   options.logger,
		metrics:  options.metrics,
		subs:     make(map[string]*subscription),
		groups:   make(map[string][]*subscription),
		detached: make(map[string]bool),
	}
	p.mux = mux.New(opener, options.logger, options.metrics)
	p.breakers = breaker.New(conf.Breaker.ErrorThreshold, conf.Breaker.Cooldown, options.logger, options.metrics)
	p.agg = batch.New(batch.Config{
		SizeLimit:       conf.Batch.SizeLimit,
		MaxPendingItems: conf.Batch.MaxPendingItems,
		FlushThrottle:   conf.Batch.FlushThrottle,
		RetryBase:       conf.Batch.RetryBase,
		RetryCap:        conf.Batch.RetryCap,
		GroupRetention:  conf.Batch.GroupRetention,
		StaleGroupAge:   conf.Batch.StaleGroupAge,
		SweepInterval:   conf.Batch.SweepInterval,
		OnAbandon: func(source string, err error) {
			options.logger.Warn("dropping batched updates for subscription", "subscription", source, "error", err)
		},
		Logger:  options.logger,
		Metrics: options.metrics,
	}, p.deliverBatch)

	return p, nil
}

// Subscribe registers a watch on queryKey and returns its subscription id.
//
// The first subscription for a query key opens one underlying stream
// connection through the change-stream port; subsequent subscriptions share
// it. A cleanup timer force-unsubscribes the subscription if it is neither
// renewed nor removed within its CleanupTimeout.
//
// If the failure isolator's circuit is open for queryKey and no connection
// exists, the subscription is still registered but the connection is not
// opened; deliveries resume when a later Subscribe reopens it after the
// cool-down.
//
// Parameters:
//   - queryKey: Caller-supplied canonical identifier of what is being
//     watched; the unit of listener sharing
//   - descriptor: Opaque query description passed through to the port
//   - handler: Delivery handler (see types.Handler, types.NewChannelHandler)
//   - opts: Per-subscription options; nil uses pool defaults
//
// Returns:
//   - string: Subscription id for Unsubscribe/Renew/Flush
//   - error: Validation error, ErrPoolClosed, or a connection open failure
func (p *Pool) Subscribe(queryKey string, descriptor any, handler Handler, opts *SubscribeOptions) (string, error) {
	if queryKey == "" {
		return "", ErrQueryKeyRequired
	}
	if handler == nil {
		return "", ErrHandlerRequired
	}

	var merged SubscribeOptions
	if opts == nil {
		merged = DefaultSubscribeOptions(&p.cfg)
	} else {
		var err error
		merged, err = opts.normalize(&p.cfg)
		if err != nil {
			return "", err
		}
	}

	sub := &subscription{
		id:        uuid.NewString(),
		queryKey:  queryKey,
		handler:   handler,
		opts:      merged,
		createdAt: time.Now(),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrPoolClosed
	}

	group := p.groups[queryKey]
	opensConnection := len(group) == 0 || p.detached[queryKey]
	acquire := true

	if opensConnection && !p.breakers.Allow(queryKey) {
		// Circuit open: register the subscription but leave the listener
		// closed. Updates for this key stay dark until the breaker resets.
		p.breakers.Reject(queryKey, "listener_open")
		p.detached[queryKey] = true
		acquire = false
	}

	p.subs[sub.id] = sub
	p.groups[queryKey] = append(group, sub)
	p.mu.Unlock()

	if acquire {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.OpenTimeout)
		err := p.mux.Acquire(ctx, queryKey, descriptor,
			func(records []types.ChangeRecord) { p.dispatch(queryKey, records) },
			func(streamErr error) { p.handleStreamError(queryKey, streamErr) },
		)
		cancel()
		if err != nil {
			p.mu.Lock()
			delete(p.subs, sub.id)
			p.groups[queryKey] = removeSub(p.groups[queryKey], sub.id)
			if len(p.groups[queryKey]) == 0 {
				delete(p.groups, queryKey)
				delete(p.detached, queryKey)
			}
			p.mu.Unlock()
			p.breakers.RecordFailure(queryKey)

			return "", err
		}

		p.mu.Lock()
		sub.attached = true
		if p.detached[queryKey] {
			if p.mux.Refs(queryKey) == 0 {
				// The connection died between the open and this registration;
				// the stream-error path already detached the entry and sent
				// this subscription an error envelope. It stays dark until a
				// later Subscribe reopens the key.
				sub.attached = false
			} else {
				// Reopened after a teardown: fold the surviving subscriptions
				// back into the reference count.
				extra := 0
				for _, s := range p.groups[queryKey] {
					if s != sub && !s.attached {
						s.attached = true
						extra++
					}
				}
				p.mux.Adopt(queryKey, extra)
				delete(p.detached, queryKey)
			}
		}
		p.mu.Unlock()

		if opensConnection {
			p.breakers.RecordSuccess(queryKey)
		}
	}

	p.mu.Lock()
	if p.closed {
		// Shutdown raced the subscribe; undo.
		delete(p.subs, sub.id)
		p.groups[queryKey] = removeSub(p.groups[queryKey], sub.id)
		p.mu.Unlock()
		if acquire {
			p.mux.Release(queryKey)
		}

		return "", ErrPoolClosed
	}
	sub.cleanup = time.AfterFunc(merged.CleanupTimeout, func() {
		p.logger.Info("cleanup timeout expired, removing subscription",
			"subscription", sub.id, "queryKey", queryKey)
		p.unsubscribe(sub.id, "cleanup")
	})
	total := len(p.subs)
	p.mu.Unlock()

	p.logger.Debug("subscription created",
		"subscription", sub.id,
		"queryKey", queryKey,
		"batchUpdates", merged.BatchUpdates,
		"debounce", merged.Debounce,
	)
	p.metrics.RecordSubscribe(queryKey, merged.TargetedQuery)
	p.metrics.SetTotalSubscriptions(total)

	return sub.id, nil
}

// Unsubscribe removes a subscription, cancels its cleanup timer, and
// releases its listener reference (closing the underlying connection when it
// was the last one).
//
// Idempotent: unsubscribing an unknown or already-removed id is a no-op, and
// a cleanup timer firing concurrently with an explicit Unsubscribe never
// double-decrements the reference count.
func (p *Pool) Unsubscribe(subscriptionID string) {
	p.unsubscribe(subscriptionID, "explicit")
}

func (p *Pool) unsubscribe(subscriptionID, reason string) {
	p.mu.Lock()
	sub, ok := p.subs[subscriptionID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.subs, subscriptionID)
	if sub.cleanup != nil {
		sub.cleanup.Stop()
	}

	key := sub.queryKey
	p.groups[key] = removeSub(p.groups[key], subscriptionID)
	if len(p.groups[key]) == 0 {
		delete(p.groups, key)
		delete(p.detached, key)
	}
	release := sub.attached
	total := len(p.subs)
	p.mu.Unlock()

	p.agg.DropSource(subscriptionID)
	p.breakers.Forget(subscriptionID)
	if release {
		p.mux.Release(key)
	}

	p.logger.Debug("subscription removed", "subscription", subscriptionID, "queryKey", key, "reason", reason)
	p.metrics.RecordUnsubscribe(key, reason)
	p.metrics.SetTotalSubscriptions(total)
}

// Renew restarts the subscription's cleanup timer, extending its idle
// deadline by its CleanupTimeout. Renewing an unknown id is a no-op.
func (p *Pool) Renew(subscriptionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, ok := p.subs[subscriptionID]
	if !ok || sub.cleanup == nil {
		return
	}
	sub.cleanup.Reset(sub.opts.CleanupTimeout)
}

// Flush forces an immediate flush of the subscription's pending batch group,
// bypassing debounce and throttle. No-op if nothing is pending.
func (p *Pool) Flush(subscriptionID string) {
	p.agg.Flush(subscriptionID)
}

// Shutdown closes every listener, stops all timers and background work, and
// rejects further Subscribe calls.
//
// Parameters:
//   - ctx: Bounds the wait for in-flight batch deliveries
//
// Returns:
//   - error: ctx.Err() if the wait was cut short
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, sub := range p.subs {
		if sub.cleanup != nil {
			sub.cleanup.Stop()
		}
	}
	count := len(p.subs)
	p.subs = make(map[string]*subscription)
	p.groups = make(map[string][]*subscription)
	p.detached = make(map[string]bool)
	p.mu.Unlock()

	p.mux.CloseAll()
	err := p.agg.Close(ctx)

	p.logger.Info("pool shut down", "subscriptions", count)
	p.metrics.SetTotalSubscriptions(0)

	return err
}

// dispatch fans a change record set out to every subscription of queryKey.
//
// The member list is snapshotted at dispatch time so unsubscribes during
// fan-out cannot route deliveries to removed subscriptions.
func (p *Pool) dispatch(queryKey string, records []types.ChangeRecord) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return
	}
	members := make([]*subscription, len(p.groups[queryKey]))
	copy(members, p.groups[queryKey])
	p.mu.RUnlock()

	for _, sub := range members {
		if !sub.opts.BatchUpdates {
			p.deliverImmediate(sub, records)
			continue
		}

		if !p.breakers.Allow(sub.id) {
			p.breakers.Reject(sub.id, "add_update")
			continue
		}
		for _, rec := range records {
			if err := p.agg.Add(sub.id, rec, batch.SourceOptions{
				Debounce:   sub.opts.Debounce,
				MaxRetries: sub.opts.MaxRetries,
			}); err != nil {
				return // pool closed mid-dispatch
			}
			p.batchedUpdates.Add(1)
		}
		sub.touch()
	}
}

// deliverImmediate invokes the subscription's handler once per record, in
// stream emission order.
func (p *Pool) deliverImmediate(sub *subscription, records []types.ChangeRecord) {
	for _, rec := range records {
		start := time.Now()
		err := sub.handler.HandleDelivery(context.Background(), types.Delivery{
			Kind:           types.DeliveryImmediate,
			SubscriptionID: sub.id,
			Change:         rec,
		})
		p.observeLatency("immediate", time.Since(start))
		if err != nil {
			// Immediate deliveries are not retried; the subscriber saw the
			// envelope and failed on its own side.
			p.logger.Warn("immediate delivery failed",
				"subscription", sub.id, "queryKey", sub.queryKey, "error", err)
			continue
		}
		sub.touch()
	}
}

// deliverBatch hands a flushed batch group to its subscription's handler.
// Invoked by the batch aggregator; errors feed its retry cycle.
func (p *Pool) deliverBatch(ctx context.Context, source string, updates []types.ChangeRecord, flushedAt time.Time) error {
	p.mu.RLock()
	sub, ok := p.subs[source]
	p.mu.RUnlock()
	if !ok {
		// Unsubscribed while the group was in flight; count it delivered so
		// the group settles instead of retrying into nowhere.
		return nil
	}

	start := time.Now()
	err := sub.handler.HandleDelivery(ctx, types.Delivery{
		Kind:           types.DeliveryBatch,
		SubscriptionID: source,
		Updates:        updates,
		Count:          len(updates),
		Timestamp:      flushedAt,
	})
	p.observeLatency("batch", time.Since(start))
	if err != nil {
		p.breakers.RecordFailure(source)
		return err
	}

	p.breakers.RecordSuccess(source)
	sub.touch()

	return nil
}

// handleStreamError tears the listener down, then fans the terminal stream
// failure out to every subscription of the key. Teardown comes first so a
// re-subscribe issued from inside an error handler opens a fresh connection
// instead of sharing the dead one.
func (p *Pool) handleStreamError(queryKey string, streamErr error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	members := make([]*subscription, len(p.groups[queryKey]))
	copy(members, p.groups[queryKey])
	if len(members) > 0 {
		p.detached[queryKey] = true
	}
	for _, sub := range members {
		sub.attached = false
	}
	// Detach the listener entry in the same critical section that marks the
	// key detached, so a concurrent Subscribe cannot share the dead
	// connection; the close itself runs after the lock is dropped.
	closeFn := p.mux.Detach(queryKey, "stream_error")
	p.mu.Unlock()

	if closeFn != nil {
		closeFn()
	}

	p.logger.Error("change stream failed", "queryKey", queryKey, "error", streamErr)

	// Error envelopes bypass batching: every subscription hears about a dead
	// stream immediately.
	for _, sub := range members {
		start := time.Now()
		err := sub.handler.HandleDelivery(context.Background(), types.Delivery{
			Kind:           types.DeliveryError,
			SubscriptionID: sub.id,
			Message:        streamErr.Error(),
			Code:           "stream_error",
		})
		p.observeLatency("error", time.Since(start))
		if err != nil {
			p.logger.Warn("error delivery failed", "subscription", sub.id, "error", err)
		}
	}

	p.breakers.RecordFailure(queryKey)
}

func (p *Pool) observeLatency(kind string, d time.Duration) {
	p.latencyNanos.Add(int64(d))
	p.latencyCount.Add(1)
	p.metrics.RecordDeliveryLatency(kind, d.Seconds())
}

// removeSub returns subs without the subscription carrying id, preserving
// order.
func removeSub(subs []*subscription, id string) []*subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i], subs[i+1:]...)
		}
	}

	return subs
}
