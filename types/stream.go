package types

import "context"

// EventFunc receives a set of change records emitted by a live stream
// connection. Records within one call are in stream emission order.
type EventFunc func(records []ChangeRecord)

// ErrorFunc receives a terminal stream failure. After it is called the
// connection is dead; no further events will be delivered.
type ErrorFunc func(err error)

// CloseFunc releases a live stream connection. It is safe to call more than
// once; calls after the first are no-ops.
type CloseFunc func()

// Opener is the change-stream port: the external collaborator that opens one
// live subscription per query and pushes change events until closed.
//
// Implementations must:
//   - Deliver events for one connection sequentially (no concurrent onEvent
//     calls for the same connection)
//   - Call onError at most once, and deliver no events afterwards
//   - Stop delivering events promptly after the returned CloseFunc runs
//
// The descriptor is opaque to the pool; each adapter documents what it
// expects (the NATS adapter takes a subject string, the JetStream adapter a
// stream/subject pair).
type Opener interface {
	// Open establishes a live subscription for the given query descriptor.
	//
	// Parameters:
	//   - ctx: Bounds the open operation, not the connection lifetime
	//   - descriptor: Adapter-specific query description
	//   - onEvent: Receives change record sets until the connection closes
	//   - onError: Receives the terminal failure, if any
	//
	// Returns:
	//   - CloseFunc: Releases the connection
	//   - error: Non-nil if the subscription could not be established
	Open(ctx context.Context, descriptor any, onEvent EventFunc, onError ErrorFunc) (CloseFunc, error)
}

// OpenerFunc is a function adapter for Opener.
type OpenerFunc func(ctx context.Context, descriptor any, onEvent EventFunc, onError ErrorFunc) (CloseFunc, error)

// Open implements the Opener interface.
func (f OpenerFunc) Open(ctx context.Context, descriptor any, onEvent EventFunc, onError ErrorFunc) (CloseFunc, error) {
	return f(ctx, descriptor, onEvent, onError)
}
