package engine

import (
	"errors"
	"fmt"
	"time"
)

// SyncError is the last write failure surfaced for UI consumption. It wraps
// the classified remote error so callers can distinguish a transient
// transport problem (show a retry affordance) from a permanent rejection
// (show a dismissible notification).
type SyncError struct {
	Op string // "create", "update", "delete", "snapshot"
	ID string // affected object id, if any
	At time.Time
	Err error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("sync %s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("sync %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying remote error.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsSyncError extracts a SyncError from an error chain.
func IsSyncError(err error) (*SyncError, bool) {
	var se *SyncError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
