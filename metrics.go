package realtime

// MetricsSnapshot is a point-in-time view of pool health, suitable for
// health endpoints and tests. For continuous observability wire a
// MetricsCollector via WithMetrics instead.
type MetricsSnapshot struct {
	// ActiveListeners is the number of open underlying stream connections.
	ActiveListeners int `json:"activeListeners"`

	// SharedListeners counts subscriptions riding an already-open connection
	// rather than having opened their own.
	SharedListeners int `json:"sharedListeners"`

	// TotalSubscriptions is the number of live subscriptions.
	TotalSubscriptions int `json:"totalSubscriptions"`

	// BatchedUpdates is the cumulative count of change records routed through
	// the batch aggregator.
	BatchedUpdates uint64 `json:"batchedUpdates"`

	// PendingBatchItems is the number of change records currently waiting in
	// unflushed batch groups.
	PendingBatchItems int `json:"pendingBatchItems"`

	// MemoryUsageEstimate approximates the pool's bookkeeping footprint in
	// bytes, derived from record counts and fixed per-record costs. It is an
	// estimate, not an allocator measurement.
	MemoryUsageEstimate int64 `json:"memoryUsageEstimate"`

	// AverageResponseTimeMs is the mean handler delivery latency in
	// milliseconds across immediate, batch and error deliveries. Zero until
	// the first delivery.
	AverageResponseTimeMs float64 `json:"averageResponseTimeMs"`
}

// Metrics returns a snapshot of the pool's current state and cumulative
// delivery statistics.
func (p *Pool) Metrics() MetricsSnapshot {
	p.mu.RLock()
	total := len(p.subs)
	shared := 0
	for _, group := range p.groups {
		if n := len(group); n > 1 {
			shared += n - 1
		}
	}
	p.mu.RUnlock()

	listeners := p.mux.ActiveListeners()
	pending := p.agg.PendingItems()

	var avgMs float64
	if count := p.latencyCount.Load(); count > 0 {
		avgMs = float64(p.latencyNanos.Load()) / float64(count) / 1e6
	}

	return MetricsSnapshot{
		ActiveListeners:    listeners,
		SharedListeners:    shared,
		TotalSubscriptions: total,
		BatchedUpdates:     p.batchedUpdates.Load(),
		PendingBatchItems:  pending,
		MemoryUsageEstimate: int64(total)*subscriptionCost +
			int64(listeners)*listenerCost +
			int64(pending)*pendingItemCost,
		AverageResponseTimeMs: avgMs,
	}
}
