// Package metrics provides metrics collector implementations for the realtime library.
package metrics

import "github.com/novelytical/realtime/types"

// NopMetrics is a no-op metrics collector that discards all measurements.
//
// Useful for:
//   - Testing without metrics infrastructure
//   - Production when metrics are handled externally
//   - Benchmarks to avoid collection overhead
//
// Example:
//
//	pool, _ := realtime.NewPool(&cfg, opener, realtime.WithMetrics(metrics.NewNop()))
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
//
// Returns:
//   - *NopMetrics: Collector that performs no operations
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// RecordSubscribe discards the subscribe event.
func (n *NopMetrics) RecordSubscribe(_ /* queryKey */ string, _ /* targeted */ bool) {}

// RecordUnsubscribe discards the unsubscribe event.
func (n *NopMetrics) RecordUnsubscribe(_ /* queryKey */ string, _ /* reason */ string) {}

// SetTotalSubscriptions discards the subscription gauge.
func (n *NopMetrics) SetTotalSubscriptions(_ /* count */ int) {}

// RecordDeliveryLatency discards the delivery latency observation.
func (n *NopMetrics) RecordDeliveryLatency(_ /* kind */ string, _ /* seconds */ float64) {}

// SetActiveListeners discards the listener gauge.
func (n *NopMetrics) SetActiveListeners(_ /* count */ int) {}

// RecordListenerOpened discards the listener open event.
func (n *NopMetrics) RecordListenerOpened(_ /* queryKey */ string) {}

// RecordListenerClosed discards the listener close event.
func (n *NopMetrics) RecordListenerClosed(_ /* queryKey */ string, _ /* reason */ string) {}

// RecordStaleEventDropped discards the stale event drop.
func (n *NopMetrics) RecordStaleEventDropped(_ /* queryKey */ string) {}

// RecordBatchFlush discards the flush outcome.
func (n *NopMetrics) RecordBatchFlush(_ /* result */ string, _ /* size */ int) {}

// RecordBatchRetryBackoff discards the backoff observation.
func (n *NopMetrics) RecordBatchRetryBackoff(_ /* seconds */ float64) {}

// SetPendingItems discards the pending item gauge.
func (n *NopMetrics) SetPendingItems(_ /* count */ int) {}

// RecordGroupsSwept discards the sweep count.
func (n *NopMetrics) RecordGroupsSwept(_ /* count */ int) {}

// RecordCircuitOpened discards the circuit open event.
func (n *NopMetrics) RecordCircuitOpened(_ /* source */ string) {}

// RecordCircuitClosed discards the circuit close event.
func (n *NopMetrics) RecordCircuitClosed(_ /* source */ string) {}

// RecordRejected discards the rejection event.
func (n *NopMetrics) RecordRejected(_ /* source */ string, _ /* op */ string) {}
