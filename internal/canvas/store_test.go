package canvas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rect(id string, z int) Object {
	return Object{ID: id, Type: TypeRectangle, Width: 10, Height: 10, ZIndex: z}
}

func TestStore_Add_RejectsDuplicateID(t *testing.T) {
	s := NewStore()

	require.NoError(t, s.Add(rect("a", 1)))
	err := s.Add(rect("a", 2))

	assert.Error(t, err, "second add with the same id must fail")
	assert.Equal(t, 1, s.Len())
}

func TestStore_Update_PatchesOnlyNamedFields(t *testing.T) {
	s := NewStore()
	o := rect("a", 1)
	o.Color = "#112233"
	require.NoError(t, s.Add(o))

	got, ok, err := s.Update("a", Patch{FieldX: 42.0, FieldY: 7.0})
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 42.0, got.X)
	assert.Equal(t, 7.0, got.Y)
	assert.Equal(t, "#112233", got.Color, "untouched field must survive")
	assert.Equal(t, 10.0, got.Width)
}

func TestStore_Update_MissingObject(t *testing.T) {
	s := NewStore()

	_, ok, err := s.Update("ghost", Patch{FieldX: 1.0})

	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Remove(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(rect("a", 1)))

	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"), "second remove is a no-op")
	assert.Equal(t, 0, s.Len())
}

func TestStore_ReplaceAll_SwapsSnapshot(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(rect("old", 1)))

	s.ReplaceAll([]Object{rect("n1", 1), rect("n2", 2)})

	_, ok := s.Get("old")
	assert.False(t, ok, "pre-snapshot objects must be gone")
	assert.Equal(t, 2, s.Len())
}

func TestStore_OrderedView_ZIndexDescending(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(rect("bottom", 1)))
	require.NoError(t, s.Add(rect("top", 3)))
	require.NoError(t, s.Add(rect("middle", 2)))

	view := s.OrderedView()

	require.Len(t, view, 3)
	assert.Equal(t, "top", view[0].ID)
	assert.Equal(t, "middle", view[1].ID)
	assert.Equal(t, "bottom", view[2].ID)
}

func TestStore_OrderedView_TieBreaksByID(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(rect("b", 5)))
	require.NoError(t, s.Add(rect("a", 5)))
	require.NoError(t, s.Add(rect("c", 5)))

	view := s.OrderedView()

	// Same zIndex: id ascending, so repeated reads never reorder.
	assert.Equal(t, []string{"a", "b", "c"}, []string{view[0].ID, view[1].ID, view[2].ID})
}

func TestStore_GetReturnsValueCopy(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(rect("a", 1)))

	got, ok := s.Get("a")
	require.True(t, ok)
	got.X = 999

	again, _ := s.Get("a")
	assert.Equal(t, 0.0, again.X, "mutating a returned object must not reach the store")
}
