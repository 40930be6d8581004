package types

import "time"

// ChangeType classifies a single change emitted by a change stream.
type ChangeType string

// Change types emitted by change streams.
const (
	// ChangeAdded indicates a document entered the watched result set.
	ChangeAdded ChangeType = "added"

	// ChangeModified indicates a document in the watched result set changed.
	ChangeModified ChangeType = "modified"

	// ChangeRemoved indicates a document left the watched result set.
	ChangeRemoved ChangeType = "removed"
)

// Valid reports whether t is one of the known change types.
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeAdded, ChangeModified, ChangeRemoved:
		return true
	default:
		return false
	}
}

// ChangeRecord is a single change delivered by a change-stream connection.
//
// Records arrive in stream emission order. The Payload is opaque to the pool;
// it is carried through to subscriber deliveries untouched.
type ChangeRecord struct {
	// Type is the kind of change (added, modified, removed).
	Type ChangeType `json:"type"`

	// ID identifies the changed document within the watched result set.
	ID string `json:"id"`

	// Payload is the document snapshot or delta, opaque to the pool.
	Payload any `json:"payload"`
}

// ChangeItem is a ChangeRecord queued for batched delivery.
//
// Items carry bookkeeping the batch aggregator needs: the source that
// produced them, the enqueue timestamp, and a retry counter incremented on
// each failed flush attempt of the owning group.
type ChangeItem struct {
	Record ChangeRecord

	// Source is the subscription the item is destined for.
	Source string

	// EnqueuedAt is when the item entered a batch group.
	EnqueuedAt time.Time

	// Retries is how many failed flush attempts have carried this item.
	Retries int
}
