package realtime

import "github.com/novelytical/realtime/types"

// Re-export types from the types subpackage.
//
// This file provides a stable public API for the library's core types and
// interfaces via type aliases. Internal packages depend on `types` without
// depending on the root `realtime` package, avoiding import cycles, while
// users get convenient `realtime.Delivery`, `realtime.Handler`, etc.
type (
	ChangeType   = types.ChangeType
	ChangeRecord = types.ChangeRecord
	ChangeItem   = types.ChangeItem
	Delivery     = types.Delivery
	DeliveryKind = types.DeliveryKind
)

// Re-export interfaces from the types subpackage for convenience.
type (
	Handler          = types.Handler
	HandlerFunc      = types.HandlerFunc
	Opener           = types.Opener
	OpenerFunc       = types.OpenerFunc
	Logger           = types.Logger
	MetricsCollector = types.MetricsCollector
)

// Re-export change type constants from the types subpackage.
const (
	ChangeAdded    = types.ChangeAdded
	ChangeModified = types.ChangeModified
	ChangeRemoved  = types.ChangeRemoved
)

// Re-export delivery kind constants from the types subpackage.
const (
	DeliveryImmediate = types.DeliveryImmediate
	DeliveryBatch     = types.DeliveryBatch
	DeliveryError     = types.DeliveryError
)
