package realtime

import "github.com/novelytical/realtime/types"

// Sentinel errors returned by the Pool.
//
// Aliased from the types package so callers can match with errors.Is against
// either import path.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = types.ErrInvalidConfig

	// ErrOpenerRequired is returned when the change-stream opener is nil.
	ErrOpenerRequired = types.ErrOpenerRequired

	// ErrHandlerRequired is returned when Subscribe is called with a nil handler.
	ErrHandlerRequired = types.ErrHandlerRequired

	// ErrQueryKeyRequired is returned when Subscribe is called with an empty query key.
	ErrQueryKeyRequired = types.ErrQueryKeyRequired

	// ErrPoolClosed is returned when operations are attempted after Shutdown.
	ErrPoolClosed = types.ErrPoolClosed

	// ErrCircuitOpen is returned when the failure isolator suppresses an
	// operation for a source whose circuit is open.
	ErrCircuitOpen = types.ErrCircuitOpen
)
