package types

import "errors"

// Sentinel errors for the realtime library.
//
// These errors provide type-safe error checking using errors.Is() and
// errors.As(). Components wrap external errors with context using
// fmt.Errorf("...: %w", err).

// Pool errors - Public API errors returned by the Pool.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrOpenerRequired is returned when the change-stream opener is nil.
	ErrOpenerRequired = errors.New("change-stream opener is required")

	// ErrHandlerRequired is returned when Subscribe is called with a nil handler.
	ErrHandlerRequired = errors.New("delivery handler is required")

	// ErrQueryKeyRequired is returned when Subscribe is called with an empty query key.
	ErrQueryKeyRequired = errors.New("query key is required")

	// ErrPoolClosed is returned when operations are attempted after Shutdown.
	ErrPoolClosed = errors.New("pool is shut down")

	// ErrCircuitOpen is returned when the failure isolator suppresses an
	// operation for a source whose circuit is open.
	ErrCircuitOpen = errors.New("circuit open for source")
)

// Delivery errors - Returned by handlers and the batch aggregator.
var (
	// ErrSlowSubscriber is returned by channel-backed handlers whose buffer
	// is full. Batch deliveries that fail with it are retried with backoff.
	ErrSlowSubscriber = errors.New("subscriber channel full")

	// ErrRetriesExhausted wraps the last delivery failure of a batch group
	// abandoned after MaxRetries attempts.
	ErrRetriesExhausted = errors.New("batch delivery retries exhausted")
)

// Stream errors - Shared by change-stream adapters.
var (
	// ErrStreamClosed indicates the underlying connection terminated.
	ErrStreamClosed = errors.New("change stream closed")

	// ErrInvalidDescriptor is returned when an adapter receives a descriptor
	// of an unexpected type or shape.
	ErrInvalidDescriptor = errors.New("invalid query descriptor")
)
