package canvas

import (
	"fmt"
	"time"
)

// Field names the mutable fields a Patch may touch. The names double as the
// wire keys for partial updates.
type Field string

const (
	FieldX           Field = "x"
	FieldY           Field = "y"
	FieldWidth       Field = "width"
	FieldHeight      Field = "height"
	FieldRotation    Field = "rotation"
	FieldColor       Field = "color"
	FieldStrokeColor Field = "strokeColor"
	FieldStrokeWidth Field = "strokeWidth"
	FieldOpacity     Field = "opacity"
	FieldText        Field = "text"
	FieldFontSize    Field = "fontSize"
	FieldFontWeight  Field = "fontWeight"
	FieldFontStyle   Field = "fontStyle"
	FieldZIndex      Field = "zIndex"
	FieldLockedBy    Field = "lockedBy"
	FieldLockedAt    Field = "lockedAt"
)

// Patch is a partial write: only the named fields are touched, every other
// field is left as-is wherever the patch is applied (locally and by the
// store). This is what lets two clients edit disjoint fields of the same
// object concurrently without either edit being lost.
//
// A nil value clears the field (meaningful for the lease pair and the
// optional style fields). Values may arrive as their native Go types or as
// their JSON decodings (float64 for all numbers, RFC 3339 strings for
// times); Apply coerces both forms.
type Patch map[Field]any

// ReleaseLease is a patch that clears the lease pair.
func ReleaseLease() Patch {
	return Patch{FieldLockedBy: nil, FieldLockedAt: nil}
}

// AcquireLease is a patch that writes the lease pair for holder at now.
// Re-acquiring while already the holder is the same write with a fresh
// timestamp, which is exactly the refresh semantics long interactions need.
func AcquireLease(holder string, now time.Time) Patch {
	return Patch{FieldLockedBy: holder, FieldLockedAt: now}
}

// Fields returns the touched field names in unspecified order.
func (p Patch) Fields() []Field {
	out := make([]Field, 0, len(p))
	for f := range p {
		out = append(out, f)
	}
	return out
}

// Clone returns a shallow copy of the patch.
func (p Patch) Clone() Patch {
	out := make(Patch, len(p))
	for f, v := range p {
		out[f] = v
	}
	return out
}

// Apply writes the patch onto the object in place. Unknown fields and
// uncoercible values are rejected so a malformed remote write cannot
// half-apply silently.
func (p Patch) Apply(o *Object) error {
	for f, v := range p {
		if err := applyField(o, f, v); err != nil {
			return err
		}
	}
	return nil
}

// Extract captures the object's current values for exactly the fields this
// patch touches. The result is the revert patch that undoes this patch once
// applied.
func (p Patch) Extract(o Object) Patch {
	out := make(Patch, len(p))
	for f := range p {
		out[f] = fieldValue(o, f)
	}
	return out
}

func applyField(o *Object, f Field, v any) error {
	switch f {
	case FieldX, FieldY, FieldWidth, FieldHeight, FieldRotation,
		FieldStrokeWidth, FieldOpacity, FieldFontSize:
		fv, err := coerceFloat(f, v)
		if err != nil {
			return err
		}
		switch f {
		case FieldX:
			o.X = fv
		case FieldY:
			o.Y = fv
		case FieldWidth:
			o.Width = fv
		case FieldHeight:
			o.Height = fv
		case FieldRotation:
			o.Rotation = fv
		case FieldStrokeWidth:
			o.StrokeWidth = fv
		case FieldOpacity:
			o.Opacity = fv
		case FieldFontSize:
			o.FontSize = fv
		}
	case FieldZIndex:
		iv, err := coerceInt(f, v)
		if err != nil {
			return err
		}
		o.ZIndex = iv
	case FieldColor, FieldStrokeColor, FieldText, FieldFontWeight,
		FieldFontStyle, FieldLockedBy:
		sv, err := coerceString(f, v)
		if err != nil {
			return err
		}
		switch f {
		case FieldColor:
			o.Color = sv
		case FieldStrokeColor:
			o.StrokeColor = sv
		case FieldText:
			o.Text = sv
		case FieldFontWeight:
			o.FontWeight = sv
		case FieldFontStyle:
			o.FontStyle = sv
		case FieldLockedBy:
			o.LockedBy = sv
		}
	case FieldLockedAt:
		tv, err := coerceTime(f, v)
		if err != nil {
			return err
		}
		o.LockedAt = tv
	default:
		return fmt.Errorf("patch: unknown field %q", f)
	}
	return nil
}

func fieldValue(o Object, f Field) any {
	switch f {
	case FieldX:
		return o.X
	case FieldY:
		return o.Y
	case FieldWidth:
		return o.Width
	case FieldHeight:
		return o.Height
	case FieldRotation:
		return o.Rotation
	case FieldColor:
		return o.Color
	case FieldStrokeColor:
		return o.StrokeColor
	case FieldStrokeWidth:
		return o.StrokeWidth
	case FieldOpacity:
		return o.Opacity
	case FieldText:
		return o.Text
	case FieldFontSize:
		return o.FontSize
	case FieldFontWeight:
		return o.FontWeight
	case FieldFontStyle:
		return o.FontStyle
	case FieldZIndex:
		return o.ZIndex
	case FieldLockedBy:
		if o.LockedBy == "" {
			return nil
		}
		return o.LockedBy
	case FieldLockedAt:
		if o.LockedAt.IsZero() {
			return nil
		}
		return o.LockedAt
	}
	return nil
}

func coerceFloat(f Field, v any) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("patch: field %q: expected number, got %T", f, v)
}

func coerceInt(f Field, v any) (int, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		// JSON decodes all numbers to float64.
		return int(n), nil
	}
	return 0, fmt.Errorf("patch: field %q: expected integer, got %T", f, v)
}

func coerceString(f Field, v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	}
	return "", fmt.Errorf("patch: field %q: expected string, got %T", f, v)
}

func coerceTime(f Field, v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t, nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("patch: field %q: %w", f, err)
		}
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("patch: field %q: expected timestamp, got %T", f, v)
}
