package metrics

import (
	"sync"

	"github.com/novelytical/realtime/types"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
//
// Metric registration is deferred until first use so that constructing a
// collector never panics on duplicate registration in tests that share the
// default registerer.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	// Pool metrics
	subscribes      *prometheus.CounterVec
	unsubscribes    *prometheus.CounterVec
	totalSubs       prometheus.Gauge
	deliveryLatency *prometheus.HistogramVec

	// Listener metrics
	activeListeners prometheus.Gauge
	listenersOpened prometheus.Counter
	listenersClosed *prometheus.CounterVec
	staleEvents     prometheus.Counter

	// Batch metrics
	batchFlushes *prometheus.CounterVec
	batchSize    prometheus.Histogram
	retryBackoff prometheus.Histogram
	pendingItems prometheus.Gauge
	groupsSwept  prometheus.Counter

	// Breaker metrics
	circuitOpened prometheus.Counter
	circuitClosed prometheus.Counter
	rejected      *prometheus.CounterVec
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer interface (uses prometheus.DefaultRegisterer if nil)
//   - namespace: Prometheus metrics namespace (defaults to "realtime" if empty)
//
// Returns:
//   - *PrometheusCollector: A MetricsCollector implementation using Prometheus
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "realtime"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.subscribes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "subscribes_total",
			Help:      "Total subscriptions created, by query scope (targeted/broad).",
		}, []string{"scope"})

		p.unsubscribes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "unsubscribes_total",
			Help:      "Total subscriptions removed, by reason (explicit,cleanup,shutdown).",
		}, []string{"reason"})

		p.totalSubs = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "subscriptions_current",
			Help:      "Current number of live subscriptions.",
		})

		p.deliveryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "delivery_latency_seconds",
			Help:      "Dispatch-to-handler-return latency by delivery kind.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms .. ~1s
		}, []string{"kind"})

		p.activeListeners = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "listener",
			Name:      "active_current",
			Help:      "Current number of open change-stream connections.",
		})

		p.listenersOpened = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "listener",
			Name:      "opened_total",
			Help:      "Total change-stream connections opened.",
		})

		p.listenersClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "listener",
			Name:      "closed_total",
			Help:      "Total change-stream connections closed, by reason (released,stream_error,shutdown).",
		}, []string{"reason"})

		p.staleEvents = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "listener",
			Name:      "stale_events_dropped_total",
			Help:      "Late events from closed connections that were discarded.",
		})

		p.batchFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "batch",
			Name:      "flushes_total",
			Help:      "Batch flush attempt outcomes (success,failure,abandoned).",
		}, []string{"result"})

		p.batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "batch",
			Name:      "flush_size",
			Help:      "Number of items per flushed batch group.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200},
		})

		p.retryBackoff = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "batch",
			Name:      "retry_backoff_seconds",
			Help:      "Scheduled retry delays for failed batch deliveries.",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32},
		})

		p.pendingItems = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "batch",
			Name:      "pending_items_current",
			Help:      "Current pool-wide count of items awaiting flush.",
		})

		p.groupsSwept = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "batch",
			Name:      "groups_swept_total",
			Help:      "Stale batch groups reclaimed by the age-based sweeper.",
		})

		p.circuitOpened = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "breaker",
			Name:      "circuit_opened_total",
			Help:      "Total circuit open transitions.",
		})

		p.circuitClosed = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "breaker",
			Name:      "circuit_closed_total",
			Help:      "Total circuit close transitions after cool-down.",
		})

		p.rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "breaker",
			Name:      "rejected_total",
			Help:      "Operations suppressed by an open circuit, by operation.",
		}, []string{"op"})

		p.reg.MustRegister(p.subscribes)
		p.reg.MustRegister(p.unsubscribes)
		p.reg.MustRegister(p.totalSubs)
		p.reg.MustRegister(p.deliveryLatency)
		p.reg.MustRegister(p.activeListeners)
		p.reg.MustRegister(p.listenersOpened)
		p.reg.MustRegister(p.listenersClosed)
		p.reg.MustRegister(p.staleEvents)
		p.reg.MustRegister(p.batchFlushes)
		p.reg.MustRegister(p.batchSize)
		p.reg.MustRegister(p.retryBackoff)
		p.reg.MustRegister(p.pendingItems)
		p.reg.MustRegister(p.groupsSwept)
		p.reg.MustRegister(p.circuitOpened)
		p.reg.MustRegister(p.circuitClosed)
		p.reg.MustRegister(p.rejected)
	})
}

// PoolMetrics implementation

// RecordSubscribe increments the subscribe counter by query scope.
func (p *PrometheusCollector) RecordSubscribe(_ string, targeted bool) {
	p.ensureRegistered()
	scope := "broad"
	if targeted {
		scope = "targeted"
	}
	p.subscribes.WithLabelValues(scope).Inc()
}

// RecordUnsubscribe increments the unsubscribe counter by reason.
func (p *PrometheusCollector) RecordUnsubscribe(_ string, reason string) {
	p.ensureRegistered()
	p.unsubscribes.WithLabelValues(reason).Inc()
}

// SetTotalSubscriptions sets the live subscription gauge.
func (p *PrometheusCollector) SetTotalSubscriptions(count int) {
	p.ensureRegistered()
	p.totalSubs.Set(float64(count))
}

// RecordDeliveryLatency observes delivery latency by kind.
func (p *PrometheusCollector) RecordDeliveryLatency(kind string, seconds float64) {
	p.ensureRegistered()
	p.deliveryLatency.WithLabelValues(kind).Observe(seconds)
}

// ListenerMetrics implementation

// SetActiveListeners sets the open connection gauge.
func (p *PrometheusCollector) SetActiveListeners(count int) {
	p.ensureRegistered()
	p.activeListeners.Set(float64(count))
}

// RecordListenerOpened increments the connection open counter.
func (p *PrometheusCollector) RecordListenerOpened(_ string) {
	p.ensureRegistered()
	p.listenersOpened.Inc()
}

// RecordListenerClosed increments the connection close counter by reason.
func (p *PrometheusCollector) RecordListenerClosed(_ string, reason string) {
	p.ensureRegistered()
	p.listenersClosed.WithLabelValues(reason).Inc()
}

// RecordStaleEventDropped increments the stale event drop counter.
func (p *PrometheusCollector) RecordStaleEventDropped(_ string) {
	p.ensureRegistered()
	p.staleEvents.Inc()
}

// BatchMetrics implementation

// RecordBatchFlush records a flush outcome and observes the group size.
func (p *PrometheusCollector) RecordBatchFlush(result string, size int) {
	p.ensureRegistered()
	p.batchFlushes.WithLabelValues(result).Inc()
	p.batchSize.Observe(float64(size))
}

// RecordBatchRetryBackoff observes a scheduled retry delay.
func (p *PrometheusCollector) RecordBatchRetryBackoff(seconds float64) {
	p.ensureRegistered()
	p.retryBackoff.Observe(seconds)
}

// SetPendingItems sets the pending item gauge.
func (p *PrometheusCollector) SetPendingItems(count int) {
	p.ensureRegistered()
	p.pendingItems.Set(float64(count))
}

// RecordGroupsSwept adds reclaimed group counts to the sweep counter.
func (p *PrometheusCollector) RecordGroupsSwept(count int) {
	p.ensureRegistered()
	p.groupsSwept.Add(float64(count))
}

// BreakerMetrics implementation

// RecordCircuitOpened increments the circuit open counter.
func (p *PrometheusCollector) RecordCircuitOpened(_ string) {
	p.ensureRegistered()
	p.circuitOpened.Inc()
}

// RecordCircuitClosed increments the circuit close counter.
func (p *PrometheusCollector) RecordCircuitClosed(_ string) {
	p.ensureRegistered()
	p.circuitClosed.Inc()
}

// RecordRejected increments the rejection counter by operation.
func (p *PrometheusCollector) RecordRejected(_ string, op string) {
	p.ensureRegistered()
	p.rejected.WithLabelValues(op).Inc()
}
