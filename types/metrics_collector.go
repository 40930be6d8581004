package types

// MetricsCollector defines methods for recording operational metrics.
//
// Implementations should be non-blocking and handle failures gracefully.
// All methods are called from internal goroutines and must be thread-safe.
//
// This interface composes smaller, domain-focused interfaces for better modularity.
type MetricsCollector interface {
	PoolMetrics
	ListenerMetrics
	BatchMetrics
	BreakerMetrics
}

// PoolMetrics defines metrics for subscription registry operations.
type PoolMetrics interface {
	// RecordSubscribe records a new subscription for the given query key.
	//
	// Parameters:
	//   - queryKey: Canonical query identifier
	//   - targeted: Whether the subscription declared a targeted (narrow) query
	RecordSubscribe(queryKey string, targeted bool)

	// RecordUnsubscribe records subscription removal.
	//
	// Parameters:
	//   - queryKey: Canonical query identifier
	//   - reason: Removal reason ("explicit", "cleanup", "shutdown")
	RecordUnsubscribe(queryKey string, reason string)

	// SetTotalSubscriptions sets the current subscription count (gauge metric).
	SetTotalSubscriptions(count int)

	// RecordDeliveryLatency records the dispatch-to-handler-return latency
	// of one delivery.
	//
	// Parameters:
	//   - kind: Delivery kind ("immediate", "batch", "error")
	//   - seconds: Latency in seconds
	RecordDeliveryLatency(kind string, seconds float64)
}

// ListenerMetrics defines metrics for the listener multiplexer.
type ListenerMetrics interface {
	// SetActiveListeners sets the current open stream connection count (gauge metric).
	SetActiveListeners(count int)

	// RecordListenerOpened records a 0->1 reference transition opening a connection.
	RecordListenerOpened(queryKey string)

	// RecordListenerClosed records a 1->0 reference transition closing a connection.
	//
	// Parameters:
	//   - queryKey: Canonical query identifier
	//   - reason: Close reason ("released", "stream_error", "shutdown")
	RecordListenerClosed(queryKey string, reason string)

	// RecordStaleEventDropped records a late event from an already-closed
	// connection being discarded.
	RecordStaleEventDropped(queryKey string)
}

// BatchMetrics defines metrics for the batch aggregator.
type BatchMetrics interface {
	// RecordBatchFlush records one flush attempt outcome.
	//
	// Parameters:
	//   - result: "success", "failure" or "abandoned"
	//   - size: Number of items in the flushed group
	RecordBatchFlush(result string, size int)

	// RecordBatchRetryBackoff observes a scheduled retry delay in seconds.
	RecordBatchRetryBackoff(seconds float64)

	// SetPendingItems sets the current pool-wide pending item count (gauge metric).
	SetPendingItems(count int)

	// RecordGroupsSwept records stale groups reclaimed by the sweeper.
	RecordGroupsSwept(count int)
}

// BreakerMetrics defines metrics for the failure isolator.
type BreakerMetrics interface {
	// RecordCircuitOpened records a source circuit opening.
	RecordCircuitOpened(source string)

	// RecordCircuitClosed records a source circuit closing after cool-down.
	RecordCircuitClosed(source string)

	// RecordRejected records an operation suppressed by an open circuit.
	//
	// Parameters:
	//   - source: Source whose circuit rejected the operation
	//   - op: Suppressed operation ("add_update", "listener_open")
	RecordRejected(source string, op string)
}
