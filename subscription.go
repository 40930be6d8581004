package realtime

import (
	"fmt"
	"sync/atomic"
	"time"
)

// SubscribeOptions is the fully-specified per-subscription configuration.
//
// Options are merged with pool defaults once at subscribe time and never
// mutated afterward. Passing nil to Subscribe uses the defaults unchanged.
//
// Only the zero values of Debounce, MaxRetries, and CleanupTimeout are
// replaced by pool defaults. The boolean fields are taken exactly as set:
// a partial literal such as &SubscribeOptions{Debounce: d} carries
// TargetedQuery and BatchUpdates false. Callers that want the default
// booleans with one field changed should start from DefaultSubscribeOptions
// and override it.
type SubscribeOptions struct {
	// TargetedQuery declares whether the underlying query is narrow or
	// broad. Informational: it does not change pooling behavior but is
	// reported through metrics. Never defaulted; false unless set.
	TargetedQuery bool

	// BatchUpdates routes changes through the batch aggregator when true,
	// or delivers each change immediately when false. Never defaulted; false
	// unless set.
	BatchUpdates bool

	// Debounce is the quiet period before a pending batch flushes. Each new
	// item restarts the countdown. Zero uses the pool default.
	Debounce time.Duration

	// MaxRetries bounds batch delivery retry attempts. Negative uses the
	// pool default; zero disables retries.
	MaxRetries int

	// CleanupTimeout is the idle timeout after which the subscription is
	// force-unsubscribed unless renewed or removed. Zero uses the pool
	// default.
	CleanupTimeout time.Duration
}

// DefaultSubscribeOptions returns the fully-specified defaults for the given
// pool configuration.
//
// Returns:
//   - SubscribeOptions: TargetedQuery and BatchUpdates true, durations and
//     retry budget from cfg
func DefaultSubscribeOptions(cfg *Config) SubscribeOptions {
	return SubscribeOptions{
		TargetedQuery:  true,
		BatchUpdates:   true,
		Debounce:       cfg.DefaultDebounce,
		MaxRetries:     cfg.DefaultMaxRetries,
		CleanupTimeout: cfg.DefaultCleanupTimeout,
	}
}

// normalize validates opts against the pool configuration and fills unset
// fields, returning the merged copy.
func (o *SubscribeOptions) normalize(cfg *Config) (SubscribeOptions, error) {
	merged := *o
	if merged.Debounce < 0 {
		return SubscribeOptions{}, fmt.Errorf("%w: Debounce must be >= 0, got %v", ErrInvalidConfig, merged.Debounce)
	}
	if merged.Debounce == 0 {
		merged.Debounce = cfg.DefaultDebounce
	}
	if merged.MaxRetries < 0 {
		merged.MaxRetries = cfg.DefaultMaxRetries
	}
	if merged.CleanupTimeout < 0 {
		return SubscribeOptions{}, fmt.Errorf("%w: CleanupTimeout must be > 0, got %v", ErrInvalidConfig, merged.CleanupTimeout)
	}
	if merged.CleanupTimeout == 0 {
		merged.CleanupTimeout = cfg.DefaultCleanupTimeout
	}

	return merged, nil
}

// subscription is one live watch on a query key.
//
// The record is owned by the Pool; the multiplexer only sees its query key
// through group membership. Counters use atomics because delivery goroutines
// update them concurrently with metric snapshots.
type subscription struct {
	id       string
	queryKey string
	handler  Handler
	opts     SubscribeOptions

	createdAt   time.Time
	lastUpdate  atomic.Int64 // unix nanos of last delivery
	updateCount atomic.Uint64

	// cleanup is the idle-timeout timer. Guarded by the pool mutex.
	cleanup *time.Timer

	// attached reports whether this subscription holds a reference on the
	// multiplexer entry for its query key. Cleared when the listener is torn
	// down, set again when it is reopened. Guarded by the pool mutex.
	attached bool
}

// touch records a delivery on the subscription's counters.
func (s *subscription) touch() {
	s.lastUpdate.Store(time.Now().UnixNano())
	s.updateCount.Add(1)
}
