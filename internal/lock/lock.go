// Package lock computes lease validity and acquisition eligibility over
// canvas objects. There is no central lock authority and the manager holds
// no state of its own: the lease lives on the object record, acquisition is
// an ordinary write, and races between clients are settled by the store's
// last-write-wins policy, not here.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/slate/internal/canvas"
)

// Clock supplies the current instant for staleness checks.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// Stale reports whether the lease is absent or aged past timeout. A stale
// lease is ignorable: any client may overwrite it.
func Stale(l canvas.Lease, now time.Time, timeout time.Duration) bool {
	return !l.Valid(now, timeout)
}

// LockedForUser reports whether the object is held by somebody else whose
// lease is still live.
func LockedForUser(o canvas.Object, userID string, now time.Time, timeout time.Duration) bool {
	l := o.Lease()
	return l.Present() && l.Holder != userID && l.Valid(now, timeout)
}

// CanAcquire reports whether userID may take the lease: the object is
// unlocked, held by userID already, or stale.
func CanAcquire(o canvas.Object, userID string, now time.Time, timeout time.Duration) bool {
	return !LockedForUser(o, userID, now, timeout)
}

// ConflictError reports a mutation attempted on an object validly held by
// another user. Never retried; the UI shows who holds the object.
type ConflictError struct {
	ID     string
	Holder string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("object %s is locked by %s", e.ID, e.Holder)
}

// IsConflict reports whether err is a lock conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// Mutator is the slice of the sync engine the manager writes through.
type Mutator interface {
	UpdateObject(ctx context.Context, id string, p canvas.Patch) error
	GetObject(id string) (canvas.Object, bool)
}

// Manager evaluates lease eligibility for one user and issues lease writes
// through the sync engine.
type Manager struct {
	userID  string
	mut     Mutator
	clock   Clock
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock (tests use a fake).
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a manager for userID with the given lease timeout.
func New(userID string, mut Mutator, timeout time.Duration, opts ...Option) *Manager {
	m := &Manager{
		userID:  userID,
		mut:     mut,
		clock:   SystemClock{},
		timeout: timeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsStale reports whether the lease is ignorable right now.
func (m *Manager) IsStale(l canvas.Lease) bool {
	return Stale(l, m.clock.Now(), m.timeout)
}

// IsLockedForUser reports whether the object is validly held by another
// user from this manager's point of view.
func (m *Manager) IsLockedForUser(o canvas.Object) bool {
	return LockedForUser(o, m.userID, m.clock.Now(), m.timeout)
}

// CanAcquire reports whether this user may take the object's lease.
func (m *Manager) CanAcquire(o canvas.Object) bool {
	return CanAcquire(o, m.userID, m.clock.Now(), m.timeout)
}

// Acquire takes or refreshes the lease. Re-acquiring while already the
// holder just advances acquiredAt, which is how long interactions (a drag,
// say) keep the lease alive past the timeout. Returns a ConflictError when
// another user validly holds the object.
func (m *Manager) Acquire(ctx context.Context, id string) error {
	o, ok := m.mut.GetObject(id)
	if !ok {
		return fmt.Errorf("lock: acquire %s: object not present", id)
	}
	if !m.CanAcquire(o) {
		return &ConflictError{ID: id, Holder: o.LockedBy}
	}
	return m.mut.UpdateObject(ctx, id, canvas.AcquireLease(m.userID, m.clock.Now()))
}

// Release clears the lease. Called on interaction end: pointer up, edit
// commit, selection loss. Releasing an object held by someone else is a
// no-op; their lease is not ours to clear.
func (m *Manager) Release(ctx context.Context, id string) error {
	o, ok := m.mut.GetObject(id)
	if !ok {
		return nil
	}
	if o.LockedBy != "" && o.LockedBy != m.userID {
		m.logger.Debug("release skipped, lease held elsewhere",
			"id", id, "holder", o.LockedBy)
		return nil
	}
	if o.LockedBy == "" {
		return nil
	}
	return m.mut.UpdateObject(ctx, id, canvas.ReleaseLease())
}

// Commit re-validates the lease immediately before a terminal mutation and
// applies the patch only if this user still wins. Two clients can both
// observe a stale lease and both acquire; whoever the store accepted last
// owns the object now. Losing that race is expected, not an error: the
// patch is dropped, the authoritative value stays untouched, and Commit
// returns false.
func (m *Manager) Commit(ctx context.Context, id string, p canvas.Patch) (bool, error) {
	o, ok := m.mut.GetObject(id)
	if !ok {
		return false, fmt.Errorf("lock: commit %s: object not present", id)
	}
	if m.IsLockedForUser(o) {
		m.logger.Info("commit dropped, lease lost",
			"id", id, "holder", o.LockedBy, "user", m.userID)
		return false, nil
	}
	if err := m.mut.UpdateObject(ctx, id, p); err != nil {
		return false, err
	}
	return true, nil
}
