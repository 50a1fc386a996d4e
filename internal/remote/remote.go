// Package remote defines the contracts the sync engine requires from the
// replicated store: an object collection with partial-update semantics and
// change subscription, and a per-user liveness channel with disconnect
// hooks. It also provides Memory, an in-process implementation of both used
// by tests, the scenario harness, and the demo.
package remote

import (
	"context"
	"time"

	"github.com/roach88/slate/internal/canvas"
)

// EventKind distinguishes change notifications from the collection.
type EventKind int

const (
	// EventAdded signals a newly created object.
	EventAdded EventKind = iota + 1
	// EventModified signals an accepted partial write to an object.
	EventModified
	// EventRemoved signals a deleted object.
	EventRemoved
)

// String returns the wire name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventModified:
		return "modified"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is one change notification from the collection.
//
// Object carries the full authoritative value after the accepted write (for
// EventRemoved, the last value before deletion). Seq is the store's
// monotonic sequence for the accepted write: events may arrive out of send
// order across objects, and consumers must trust the highest Seq they have
// seen for an object, never receipt order.
type Event struct {
	Kind       EventKind
	Object     canvas.Object
	ServerTime time.Time
	Seq        int64
}

// Handler consumes change events. Handlers must not block: implementations
// deliver events from the store's own control flow.
type Handler func(Event)

// Collection is the object store the engine replicates against.
//
// Update is a document-level partial write: only the named fields are
// touched, and concurrent writes to the same field resolve by arrival order
// at the store (last write wins). Every accepted write is stamped with a
// server timestamp and a monotonic sequence.
type Collection interface {
	// Create inserts the object and returns the server-stamped value.
	Create(ctx context.Context, o canvas.Object) (canvas.Object, error)
	// Update applies a partial write to the object.
	Update(ctx context.Context, id string, p canvas.Patch) error
	// Delete removes the object. Deleting an absent object is a no-op.
	Delete(ctx context.Context, id string) error
	// ListAll returns a full snapshot of the collection.
	ListAll(ctx context.Context) ([]canvas.Object, error)
	// Subscribe registers a change handler and returns a cancel func.
	Subscribe(h Handler) (cancel func())
}

// Cursor is a collaborator's last reported pointer position.
type Cursor struct {
	X  float64   `json:"x"`
	Y  float64   `json:"y"`
	At time.Time `json:"at"`
}

// PresenceRecord is the per-user ephemeral liveness record.
type PresenceRecord struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Color       string    `json:"color"`
	Online      bool      `json:"online"`
	Cursor      *Cursor   `json:"cursor,omitempty"`
	LastSeen    time.Time `json:"lastSeen,omitzero"`
	JoinedAt    time.Time `json:"joinedAt,omitzero"`
}

// PresenceUpdate is a partial write to a presence record. Nil pointer
// fields are left untouched.
type PresenceUpdate struct {
	Cursor   *Cursor
	Online   *bool
	LastSeen *time.Time
}

// DisconnectAction selects what the channel does to a user's record when
// that user's connection drops.
type DisconnectAction int

const (
	// DisconnectRemove deletes the record on connection drop.
	DisconnectRemove DisconnectAction = iota + 1
	// DisconnectMarkOffline flips Online to false and stamps LastSeen,
	// preserving the record.
	DisconnectMarkOffline
)

// Liveness is the presence channel, independent of the object collection.
//
// OnDisconnect hooks fire at most once per registration: after a drop and
// reconnect, the caller must re-register. Connectivity delivers the boolean
// connection signal callers use to do that re-arming.
type Liveness interface {
	Set(ctx context.Context, rec PresenceRecord) error
	Update(ctx context.Context, userID string, upd PresenceUpdate) error
	Remove(ctx context.Context, userID string) error
	Roster(ctx context.Context) ([]PresenceRecord, error)
	// OnDisconnect arms a one-shot cleanup action for the user's record.
	OnDisconnect(userID string, action DisconnectAction) (cancel func())
	// Connectivity subscribes to connection up/down transitions.
	Connectivity(fn func(online bool)) (cancel func())
}
