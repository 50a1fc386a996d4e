// Package history records a per-user undo/redo log of canvas interactions.
//
// The log is local: it remembers what this user did, not what the board
// looked like. Undoing replays an inverse operation through the sync engine
// as an ordinary optimistic write, so an undo can clobber edits other users
// made to the same fields in the meantime. That is accepted behavior; the
// clobber is logged.
package history

import (
	"context"
	"log/slog"
	"reflect"

	"github.com/roach88/slate/internal/canvas"
)

// Kind labels what interaction an entry captures.
type Kind string

const (
	KindCreate    Kind = "create"
	KindDelete    Kind = "delete"
	KindMove      Kind = "move"
	KindTransform Kind = "transform"
	KindProperty  Kind = "property"
	KindReorder   Kind = "reorder"
)

// Entry is one undoable interaction. Create and delete entries carry full
// object snapshots; everything else carries per-object before/after patches
// over the fields the interaction touched.
type Entry struct {
	Kind      Kind
	Snapshots []canvas.Object
	Before    map[string]canvas.Patch
	After     map[string]canvas.Patch
}

// CreateEntry records objects this user created.
func CreateEntry(objs ...canvas.Object) Entry {
	return Entry{Kind: KindCreate, Snapshots: objs}
}

// DeleteEntry records objects this user deleted, snapshotted as they were
// just before deletion.
func DeleteEntry(snapshots ...canvas.Object) Entry {
	return Entry{Kind: KindDelete, Snapshots: snapshots}
}

// PatchEntry records a field-level interaction. before holds each object's
// prior values for the touched fields, after the values the interaction
// wrote.
func PatchEntry(kind Kind, before, after map[string]canvas.Patch) Entry {
	return Entry{Kind: kind, Before: before, After: after}
}

// Mutator is the slice of the sync engine history replays through.
type Mutator interface {
	CreateObject(ctx context.Context, o canvas.Object) (string, error)
	UpdateObject(ctx context.Context, id string, p canvas.Patch) error
	DeleteObject(ctx context.Context, id string) error
	GetObject(id string) (canvas.Object, bool)
}

// Manager holds the undo and redo stacks.
//
// Not safe for concurrent use: all calls come from the interaction layer's
// single goroutine.
type Manager struct {
	mut    Mutator
	limit  int
	logger *slog.Logger
	undo   []Entry
	redo   []Entry
}

// Option configures a Manager.
type Option func(*Manager)

// WithLimit overrides the stack depth cap.
func WithLimit(n int) Option {
	return func(m *Manager) { m.limit = n }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a manager with the default depth cap of 100 entries.
func New(mut Mutator, opts ...Option) *Manager {
	m := &Manager{mut: mut, limit: 100, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record pushes a completed interaction onto the undo stack. Any redo tail
// is discarded: a fresh edit forks the timeline. When the stack is at the
// cap the oldest entry falls off.
func (m *Manager) Record(e Entry) {
	m.redo = m.redo[:0]
	if len(m.undo) >= m.limit {
		drop := len(m.undo) - m.limit + 1
		m.undo = append(m.undo[:0], m.undo[drop:]...)
	}
	m.undo = append(m.undo, e)
}

// CanUndo reports whether the undo stack is non-empty.
func (m *Manager) CanUndo() bool { return len(m.undo) > 0 }

// CanRedo reports whether the redo stack is non-empty.
func (m *Manager) CanRedo() bool { return len(m.redo) > 0 }

// Depth returns the undo stack depth.
func (m *Manager) Depth() int { return len(m.undo) }

// Clear empties both stacks.
func (m *Manager) Clear() {
	m.undo = m.undo[:0]
	m.redo = m.redo[:0]
}

// Undo reverses the most recent entry and moves it to the redo stack. With
// nothing to undo it is a no-op. Objects that have vanished since the entry
// was recorded (deleted by another user, say) are skipped, and the entry
// still transfers so redo stays coherent.
func (m *Manager) Undo(ctx context.Context) error {
	if len(m.undo) == 0 {
		return nil
	}
	e := m.undo[len(m.undo)-1]
	m.undo = m.undo[:len(m.undo)-1]

	if err := m.apply(ctx, e, true); err != nil {
		// Put the entry back so the user can retry once connectivity or
		// whatever else failed recovers.
		m.undo = append(m.undo, e)
		return err
	}
	m.redo = append(m.redo, e)
	return nil
}

// Redo re-applies the most recently undone entry. With nothing to redo it
// is a no-op.
func (m *Manager) Redo(ctx context.Context) error {
	if len(m.redo) == 0 {
		return nil
	}
	e := m.redo[len(m.redo)-1]
	m.redo = m.redo[:len(m.redo)-1]

	if err := m.apply(ctx, e, false); err != nil {
		m.redo = append(m.redo, e)
		return err
	}
	m.undo = append(m.undo, e)
	return nil
}

func (m *Manager) apply(ctx context.Context, e Entry, inverse bool) error {
	switch e.Kind {
	case KindCreate:
		if inverse {
			return m.deleteSnapshots(ctx, e)
		}
		return m.recreateSnapshots(ctx, e)
	case KindDelete:
		if inverse {
			return m.recreateSnapshots(ctx, e)
		}
		return m.deleteSnapshots(ctx, e)
	default:
		patches, expected := e.After, e.Before
		if inverse {
			patches, expected = e.Before, e.After
		}
		return m.applyPatches(ctx, e.Kind, patches, expected)
	}
}

func (m *Manager) deleteSnapshots(ctx context.Context, e Entry) error {
	for _, o := range e.Snapshots {
		if _, ok := m.mut.GetObject(o.ID); !ok {
			m.logger.Warn("history: object already gone, skipping", "kind", e.Kind, "id", o.ID)
			continue
		}
		if err := m.mut.DeleteObject(ctx, o.ID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) recreateSnapshots(ctx context.Context, e Entry) error {
	for _, o := range e.Snapshots {
		if _, ok := m.mut.GetObject(o.ID); ok {
			m.logger.Warn("history: object already present, skipping", "kind", e.Kind, "id", o.ID)
			continue
		}
		// The store restamps audit fields and sequence on insert.
		o.Seq = 0
		if _, err := m.mut.CreateObject(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) applyPatches(ctx context.Context, kind Kind, patches, expected map[string]canvas.Patch) error {
	for id, p := range patches {
		cur, ok := m.mut.GetObject(id)
		if !ok {
			m.logger.Warn("history: object vanished, skipping", "kind", kind, "id", id)
			continue
		}
		// Another user may have edited these fields since the entry was
		// recorded. The replay wins anyway; note the clobber.
		if exp, ok := expected[id]; ok && !reflect.DeepEqual(exp.Extract(cur), exp) {
			m.logger.Warn("history: replay overwrites a newer edit",
				"kind", kind, "id", id, "fields", p.Fields())
		}
		if err := m.mut.UpdateObject(ctx, id, p); err != nil {
			return err
		}
	}
	return nil
}
