package history

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/slate/internal/canvas"
)

// storeMutator applies mutations straight to a local store, standing in for
// the sync engine.
type storeMutator struct {
	st *canvas.Store
}

func (s *storeMutator) CreateObject(_ context.Context, o canvas.Object) (string, error) {
	if err := s.st.Add(o); err != nil {
		return "", err
	}
	return o.ID, nil
}

func (s *storeMutator) UpdateObject(_ context.Context, id string, p canvas.Patch) error {
	_, ok, err := s.st.Update(id, p)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no object %s", id)
	}
	return nil
}

func (s *storeMutator) DeleteObject(_ context.Context, id string) error {
	s.st.Remove(id)
	return nil
}

func (s *storeMutator) GetObject(id string) (canvas.Object, bool) {
	return s.st.Get(id)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(t *testing.T, opts ...Option) (*canvas.Store, *Manager) {
	t.Helper()
	st := canvas.NewStore()
	opts = append([]Option{WithLogger(discard())}, opts...)
	return st, New(&storeMutator{st: st}, opts...)
}

func rect(id string, x float64) canvas.Object {
	return canvas.Object{ID: id, Type: canvas.TypeRectangle, X: x, Y: 5, Width: 40, Height: 30, Color: "#336699"}
}

func TestUndoRedo_Create(t *testing.T) {
	st, m := newManager(t)
	ctx := context.Background()

	o := rect("r1", 10)
	require.NoError(t, st.Add(o))
	m.Record(CreateEntry(o))

	require.NoError(t, m.Undo(ctx))
	_, ok := st.Get("r1")
	assert.False(t, ok, "undoing a create deletes the object")

	require.NoError(t, m.Redo(ctx))
	got, ok := st.Get("r1")
	require.True(t, ok, "redo recreates it")
	assert.Equal(t, 10.0, got.X)
}

func TestUndoRedo_NSequentialCreates(t *testing.T) {
	st, m := newManager(t)
	ctx := context.Background()

	objs := []canvas.Object{
		{ID: "r1", Type: canvas.TypeRectangle, X: 10, Y: 11, Width: 40, Height: 30, Color: "#e6194b"},
		{ID: "c2", Type: canvas.TypeCircle, X: 20, Y: 22, Width: 50, Height: 50, Color: "#3cb44b"},
		{ID: "t3", Type: canvas.TypeText, X: 30, Y: 33, Width: 60, Height: 20, Color: "#4363d8"},
		{ID: "r4", Type: canvas.TypeRectangle, X: 40, Y: 44, Width: 70, Height: 25, Color: "#f58231"},
	}
	for _, o := range objs {
		require.NoError(t, st.Add(o))
		m.Record(CreateEntry(o))
	}
	require.Equal(t, len(objs), st.Len())

	// Undos peel creates off most recent first: after k undos the newest
	// k objects are gone and the older ones untouched.
	for k := 1; k <= len(objs); k++ {
		require.NoError(t, m.Undo(ctx))
		for i, o := range objs {
			_, ok := st.Get(o.ID)
			assert.Equal(t, i < len(objs)-k, ok, "after %d undos, %s", k, o.ID)
		}
	}
	assert.Zero(t, st.Len())
	assert.False(t, m.CanUndo())

	// Redos replay in original order and restore every field verbatim.
	for k := range objs {
		require.NoError(t, m.Redo(ctx))
		got, ok := st.Get(objs[k].ID)
		require.True(t, ok, "redo %d recreates %s", k+1, objs[k].ID)
		assert.Equal(t, objs[k], got)
	}
	require.Equal(t, len(objs), st.Len())
	assert.False(t, m.CanRedo())
}

func TestUndoRedo_Delete(t *testing.T) {
	st, m := newManager(t)
	ctx := context.Background()

	o := rect("r1", 25)
	require.NoError(t, st.Add(o))

	snapshot, _ := st.Get("r1")
	st.Remove("r1")
	m.Record(DeleteEntry(snapshot))

	require.NoError(t, m.Undo(ctx))
	got, ok := st.Get("r1")
	require.True(t, ok, "undoing a delete restores the object")
	assert.Equal(t, 25.0, got.X)
	assert.Equal(t, canvas.TypeRectangle, got.Type)

	require.NoError(t, m.Redo(ctx))
	_, ok = st.Get("r1")
	assert.False(t, ok)
}

func TestUndoRedo_MoveRoundTrip(t *testing.T) {
	st, m := newManager(t)
	ctx := context.Background()

	require.NoError(t, st.Add(rect("r1", 10)))

	after := canvas.Patch{canvas.FieldX: 200.0, canvas.FieldY: 300.0}
	cur, _ := st.Get("r1")
	before := after.Extract(cur)
	_, _, err := st.Update("r1", after)
	require.NoError(t, err)
	m.Record(PatchEntry(KindMove, map[string]canvas.Patch{"r1": before}, map[string]canvas.Patch{"r1": after}))

	require.NoError(t, m.Undo(ctx))
	got, _ := st.Get("r1")
	assert.Equal(t, 10.0, got.X)
	assert.Equal(t, 5.0, got.Y)

	require.NoError(t, m.Redo(ctx))
	got, _ = st.Get("r1")
	assert.Equal(t, 200.0, got.X)
	assert.Equal(t, 300.0, got.Y)
}

func TestRecord_ClearsRedo(t *testing.T) {
	st, m := newManager(t)
	ctx := context.Background()

	require.NoError(t, st.Add(rect("r1", 0)))
	for _, x := range []float64{100, 200} {
		cur, _ := st.Get("r1")
		after := canvas.Patch{canvas.FieldX: x}
		before := after.Extract(cur)
		_, _, err := st.Update("r1", after)
		require.NoError(t, err)
		m.Record(PatchEntry(KindMove, map[string]canvas.Patch{"r1": before}, map[string]canvas.Patch{"r1": after}))
	}

	require.NoError(t, m.Undo(ctx))
	require.True(t, m.CanRedo())

	// A fresh edit forks the timeline.
	cur, _ := st.Get("r1")
	after := canvas.Patch{canvas.FieldX: 999.0}
	m.Record(PatchEntry(KindMove, map[string]canvas.Patch{"r1": after.Extract(cur)}, map[string]canvas.Patch{"r1": after}))

	assert.False(t, m.CanRedo())
	require.NoError(t, m.Redo(ctx))
	got, _ := st.Get("r1")
	assert.Equal(t, 100.0, got.X, "redo after a fork is a no-op")
}

func TestRecord_CapDropsOldest(t *testing.T) {
	st, m := newManager(t, WithLimit(3))
	ctx := context.Background()

	require.NoError(t, st.Add(rect("r1", 0)))
	for _, x := range []float64{10, 20, 30, 40, 50} {
		cur, _ := st.Get("r1")
		after := canvas.Patch{canvas.FieldX: x}
		before := after.Extract(cur)
		_, _, err := st.Update("r1", after)
		require.NoError(t, err)
		m.Record(PatchEntry(KindMove, map[string]canvas.Patch{"r1": before}, map[string]canvas.Patch{"r1": after}))
	}

	assert.Equal(t, 3, m.Depth())

	for m.CanUndo() {
		require.NoError(t, m.Undo(ctx))
	}

	got, _ := st.Get("r1")
	assert.Equal(t, 20.0, got.X, "undo bottoms out where the dropped entries left off")
}

func TestUndo_SkipsVanishedObjects(t *testing.T) {
	st, m := newManager(t)
	ctx := context.Background()

	require.NoError(t, st.Add(rect("r1", 1)))
	require.NoError(t, st.Add(rect("r2", 2)))

	before := map[string]canvas.Patch{}
	after := map[string]canvas.Patch{}
	for _, id := range []string{"r1", "r2"} {
		cur, _ := st.Get(id)
		p := canvas.Patch{canvas.FieldX: cur.X + 100}
		before[id] = p.Extract(cur)
		after[id] = p
		_, _, err := st.Update(id, p)
		require.NoError(t, err)
	}
	m.Record(PatchEntry(KindMove, before, after))

	// Another user deleted r2 in the meantime.
	st.Remove("r2")

	require.NoError(t, m.Undo(ctx))
	got, _ := st.Get("r1")
	assert.Equal(t, 1.0, got.X, "surviving objects still revert")
	_, ok := st.Get("r2")
	assert.False(t, ok, "the vanished object stays gone")
}

func TestUndoRedo_EmptyStacksAreNoOps(t *testing.T) {
	_, m := newManager(t)
	ctx := context.Background()

	assert.False(t, m.CanUndo())
	assert.False(t, m.CanRedo())
	assert.NoError(t, m.Undo(ctx))
	assert.NoError(t, m.Redo(ctx))
}

func TestClear_EmptiesBothStacks(t *testing.T) {
	st, m := newManager(t)

	o := rect("r1", 1)
	require.NoError(t, st.Add(o))
	m.Record(CreateEntry(o))
	require.NoError(t, m.Undo(context.Background()))

	m.Clear()
	assert.False(t, m.CanUndo())
	assert.False(t, m.CanRedo())
}
