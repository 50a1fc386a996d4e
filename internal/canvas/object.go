// Package canvas defines the shared whiteboard data model: the Object
// variant type, the Lease value type, partial-write Patches, and the
// in-memory ObjectStore that mirrors the authoritative collection.
package canvas

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type tags the shape variant of an Object.
type Type string

const (
	TypeRectangle Type = "rectangle"
	TypeCircle    Type = "circle"
	TypeText      Type = "text"
)

// ValidTypes defines the allowed shape variants.
var ValidTypes = map[Type]bool{
	TypeRectangle: true,
	TypeCircle:    true,
	TypeText:      true,
}

// Object is the shared mutable canvas entity.
//
// Identity is immutable after creation. The lease pair (LockedBy, LockedAt)
// is stored as ordinary fields on the object record - acquisition is just a
// normal write, racy by construction, resolved by the store's last-write-wins
// policy. Audit fields and Seq are stamped by the store, never by clients.
type Object struct {
	ID   string `json:"id"`
	Type Type   `json:"type"`

	// Geometry.
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Rotation float64 `json:"rotation"`

	// Style.
	Color       string  `json:"color"`
	StrokeColor string  `json:"strokeColor,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
	Opacity     float64 `json:"opacity,omitempty"`

	// Text variant fields, empty for other variants.
	Text       string  `json:"text,omitempty"`
	FontSize   float64 `json:"fontSize,omitempty"`
	FontWeight string  `json:"fontWeight,omitempty"`
	FontStyle  string  `json:"fontStyle,omitempty"`

	// Render order. Higher draws later ("on top"); ties break by ID so the
	// draw order is total and stable.
	ZIndex int `json:"zIndex"`

	// Lease. Invariant: LockedBy set <=> LockedAt set.
	LockedBy string    `json:"lockedBy,omitempty"`
	LockedAt time.Time `json:"lockedAt,omitzero"`

	// Audit, server-stamped.
	LastUpdatedBy string    `json:"lastUpdatedBy,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt,omitzero"`
	CreatedAt     time.Time `json:"createdAt,omitzero"`

	// Seq is the store-assigned monotonic sequence of the last accepted
	// write for this object. Consumers use it to reject change events that
	// arrive out of order.
	Seq int64 `json:"seq,omitempty"`
}

// NewID mints a globally unique object id. UUIDv7 keeps ids time-ordered,
// which makes traces and tie-breaks easier to read.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source fails; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

// Lease returns the object's embedded lease pair as a value.
func (o Object) Lease() Lease {
	return Lease{Holder: o.LockedBy, AcquiredAt: o.LockedAt}
}

// Validate checks the structural invariants of an object.
func (o Object) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("object missing id")
	}
	if !ValidTypes[o.Type] {
		return fmt.Errorf("object %s: unknown type %q", o.ID, o.Type)
	}
	if (o.LockedBy == "") != o.LockedAt.IsZero() {
		return fmt.Errorf("object %s: lockedBy and lockedAt must be set together", o.ID)
	}
	return nil
}
