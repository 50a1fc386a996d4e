package canvas

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatch_Apply_CoercesJSONDecodedValues(t *testing.T) {
	// A patch that traveled over the wire comes back with float64 numbers
	// and RFC 3339 time strings; Apply must accept both forms.
	raw, err := json.Marshal(Patch{
		FieldX:        12.5,
		FieldZIndex:   3,
		FieldLockedBy: "u1",
		FieldLockedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	var decoded Patch
	require.NoError(t, json.Unmarshal(raw, &decoded))

	o := Object{ID: "a", Type: TypeRectangle}
	require.NoError(t, decoded.Apply(&o))

	assert.Equal(t, 12.5, o.X)
	assert.Equal(t, 3, o.ZIndex)
	assert.Equal(t, "u1", o.LockedBy)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), o.LockedAt.UTC())
}

func TestPatch_Apply_NilClearsLease(t *testing.T) {
	o := Object{ID: "a", Type: TypeRectangle, LockedBy: "u1", LockedAt: time.Now()}

	require.NoError(t, ReleaseLease().Apply(&o))

	assert.Empty(t, o.LockedBy)
	assert.True(t, o.LockedAt.IsZero())
}

func TestPatch_Apply_RejectsUnknownField(t *testing.T) {
	o := Object{ID: "a", Type: TypeRectangle}

	err := Patch{Field("bogus"): 1}.Apply(&o)

	assert.Error(t, err)
}

func TestPatch_Apply_RejectsWrongType(t *testing.T) {
	o := Object{ID: "a", Type: TypeRectangle}

	err := Patch{FieldX: "not a number"}.Apply(&o)

	assert.Error(t, err)
}

func TestPatch_Extract_CapturesRevertValues(t *testing.T) {
	o := Object{ID: "a", Type: TypeRectangle, X: 5, Y: 6, Color: "#000000"}
	p := Patch{FieldX: 50.0, FieldColor: "#ffffff"}

	revert := p.Extract(o)

	require.NoError(t, p.Apply(&o))
	assert.Equal(t, 50.0, o.X)
	assert.Equal(t, "#ffffff", o.Color)

	require.NoError(t, revert.Apply(&o))
	assert.Equal(t, 5.0, o.X)
	assert.Equal(t, 6.0, o.Y)
	assert.Equal(t, "#000000", o.Color)
}

func TestAcquireLease_RefreshKeepsHolder(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	o := Object{ID: "a", Type: TypeRectangle}

	require.NoError(t, AcquireLease("u1", t0).Apply(&o))
	require.NoError(t, AcquireLease("u1", t0.Add(5*time.Second)).Apply(&o))

	assert.Equal(t, "u1", o.LockedBy)
	assert.Equal(t, t0.Add(5*time.Second), o.LockedAt)
}
