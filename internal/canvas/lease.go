package canvas

import "time"

// Lease is the unit of advisory mutual exclusion on one object.
//
// It is derived from the owning object's LockedBy/LockedAt fields, not a
// separate record. There is no central lock authority: a second acquisition
// by a different holder simply overwrites the fields, and the replicated
// store's last-write-wins policy decides the winner.
type Lease struct {
	Holder     string
	AcquiredAt time.Time
}

// Present reports whether the lease fields are set at all.
func (l Lease) Present() bool {
	return l.Holder != ""
}

// Valid reports whether the lease is live at the given instant: a holder is
// present and the lease has not aged past timeout since its last refresh.
func (l Lease) Valid(now time.Time, timeout time.Duration) bool {
	if !l.Present() {
		return false
	}
	return now.Sub(l.AcquiredAt) <= timeout
}
