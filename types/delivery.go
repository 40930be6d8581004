package types

import (
	"context"
	"time"
)

// DeliveryKind classifies the envelope handed to a subscriber.
type DeliveryKind string

// Delivery kinds.
const (
	// DeliveryImmediate carries a single change, delivered as it arrived.
	DeliveryImmediate DeliveryKind = "immediate"

	// DeliveryBatch carries a coalesced group of changes.
	DeliveryBatch DeliveryKind = "batch"

	// DeliveryError carries a terminal stream failure.
	DeliveryError DeliveryKind = "error"
)

// Delivery is the envelope handed to a subscriber's Handler.
//
// Exactly one of the kind-specific field groups is populated:
//   - DeliveryImmediate: Change is set
//   - DeliveryBatch: Updates, Count and Timestamp are set
//   - DeliveryError: Message and Code are set
type Delivery struct {
	// Kind selects which fields below are populated.
	Kind DeliveryKind

	// SubscriptionID identifies the receiving subscription.
	SubscriptionID string

	// Change is the single change for immediate deliveries.
	Change ChangeRecord

	// Updates are the coalesced changes for batch deliveries, in stream
	// emission order.
	Updates []ChangeRecord

	// Count is len(Updates) for batch deliveries.
	Count int

	// Timestamp is when the batch was flushed.
	Timestamp time.Time

	// Message describes a terminal stream failure for error deliveries.
	Message string

	// Code is a short machine-readable failure code for error deliveries.
	Code string
}

// Handler is the subscriber-side delivery contract.
//
// HandleDelivery is invoked once per envelope, asynchronously relative to the
// triggering stream event. Returning a non-nil error from a batch delivery
// marks the flush failed; the pool retries it with exponential backoff up to
// the subscription's MaxRetries before notifying the failure isolator.
// Errors returned from immediate or error deliveries are logged and dropped.
//
// Handlers must not block indefinitely: a handler that never returns stalls
// batch retries for its own subscription (other subscriptions are unaffected).
type Handler interface {
	// HandleDelivery processes a single delivery envelope.
	HandleDelivery(ctx context.Context, d Delivery) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, d Delivery) error

// HandleDelivery implements the Handler interface.
func (f HandlerFunc) HandleDelivery(ctx context.Context, d Delivery) error { return f(ctx, d) }

// NewChannelHandler returns a Handler that forwards deliveries to a buffered
// channel, for subscribers that prefer Go-native channel consumption over a
// callback.
//
// The send is non-blocking: when the channel buffer is full the delivery
// fails with ErrSlowSubscriber, which for batch deliveries triggers the
// normal retry/backoff path. This turns a slow consumer into backpressure
// instead of an unbounded queue.
//
// Parameters:
//   - buffer: Channel buffer capacity (minimum 1)
//
// Returns:
//   - Handler: Handler that sends each Delivery to the channel
//   - <-chan Delivery: Receive side for the subscriber
//
// Example:
//
//	h, ch := types.NewChannelHandler(64)
//	id, _ := pool.Subscribe("novel:42", descriptor, h, nil)
//	for d := range ch {
//	    render(d)
//	}
func NewChannelHandler(buffer int) (Handler, <-chan Delivery) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Delivery, buffer)

	h := HandlerFunc(func(_ context.Context, d Delivery) error {
		select {
		case ch <- d:
			return nil
		default:
			return ErrSlowSubscriber
		}
	})

	return h, ch
}
