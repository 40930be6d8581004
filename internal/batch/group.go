package batch

import (
	"time"

	"github.com/novelytical/realtime/types"
)

// GroupState is the lifecycle state of a batch group.
type GroupState int32

// Batch group states.
const (
	// GroupPending means the group is accumulating items or awaiting retry.
	GroupPending GroupState = iota

	// GroupProcessing means a flush is in flight.
	GroupProcessing

	// GroupCompleted means the group was delivered; it is retained briefly
	// before removal.
	GroupCompleted

	// GroupFailed means the last flush attempt failed; the group either
	// awaits a retry or has been abandoned.
	GroupFailed
)

// String returns the state's lowercase name.
func (s GroupState) String() string {
	switch s {
	case GroupPending:
		return "pending"
	case GroupProcessing:
		return "processing"
	case GroupCompleted:
		return "completed"
	case GroupFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Group is a transient accumulation of pending change items for one source,
// flushed as a single coalesced delivery.
//
// Fields are guarded by the owning Aggregator's mutex except during a flush,
// when the group has been detached from its source queue and is touched only
// by the flush goroutine.
type Group struct {
	// ID identifies the group for logging and sweeping.
	ID string

	// Source is the subscription the group belongs to.
	Source string

	// Items are the accumulated changes in arrival order.
	Items []types.ChangeItem

	// CreatedAt is when the first item arrived.
	CreatedAt time.Time

	// LastModified is when the most recent item arrived or the state last
	// changed.
	LastModified time.Time

	// State is the lifecycle state.
	State GroupState

	// ErrorCount is the number of failed flush attempts.
	ErrorCount int

	maxRetries int
}

// records extracts the change records of a group's items in order.
func (g *Group) records() []types.ChangeRecord {
	out := make([]types.ChangeRecord, len(g.Items))
	for i := range g.Items {
		out[i] = g.Items[i].Record
	}

	return out
}

// bumpRetries increments the retry counter carried by each item.
func (g *Group) bumpRetries() {
	for i := range g.Items {
		g.Items[i].Retries++
	}
}
