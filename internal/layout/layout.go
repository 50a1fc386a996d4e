// Package layout computes multi-object arrangement writes: stack reorder,
// edge and center alignment, even distribution, and grid packing.
//
// Every operation is a batch of independent per-object partial writes.
// There is no transaction and no rollback: writes that succeed stay, writes
// that fail are reported in a PartialBatchError, and the caller decides
// whether to retry the remainder.
package layout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/roach88/slate/internal/canvas"
)

// Mutator is the slice of the sync engine layout writes through.
type Mutator interface {
	UpdateObject(ctx context.Context, id string, p canvas.Patch) error
	GetObject(id string) (canvas.Object, bool)
}

// PartialBatchError reports a batch that only partly applied.
type PartialBatchError struct {
	Op      string
	Applied []string
	Failed  map[string]error
}

// Error implements the error interface.
func (e *PartialBatchError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("layout %s: %d of %d writes failed (%s)",
		e.Op, len(e.Failed), len(e.Failed)+len(e.Applied), strings.Join(ids, ", "))
}

// IsPartial reports whether err is a partial batch failure and returns it.
func IsPartial(err error) (*PartialBatchError, bool) {
	var pe *PartialBatchError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Alignment selects which edge or center line objects align to.
type Alignment int

const (
	AlignLeft Alignment = iota + 1
	AlignRight
	AlignTop
	AlignBottom
	AlignCenterX
	AlignCenterY
)

// Axis selects the direction of a distribution.
type Axis int

const (
	Horizontal Axis = iota + 1
	Vertical
)

// BatchResult carries the per-object before and after patches of an applied
// operation, shaped for an undo log.
type BatchResult struct {
	Before map[string]canvas.Patch
	After  map[string]canvas.Patch
}

// Reconciler issues layout batches for one user.
type Reconciler struct {
	mut    Mutator
	logger *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// New creates a reconciler writing through mut.
func New(mut Mutator, opts ...Option) *Reconciler {
	r := &Reconciler{mut: mut, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reorder assigns stacking order from an explicit front-to-back id list:
// the object at position i gets zIndex len(ids)-i, so position 0 renders on
// top and the last position gets zIndex 1. Objects already at their target
// index are not written.
func (r *Reconciler) Reorder(ctx context.Context, ids []string) (BatchResult, error) {
	patches := make(map[string]canvas.Patch, len(ids))
	for i, id := range ids {
		target := len(ids) - i
		o, ok := r.mut.GetObject(id)
		if !ok {
			r.logger.Warn("reorder: object missing, skipping", "id", id)
			continue
		}
		if o.ZIndex == target {
			continue
		}
		patches[id] = canvas.Patch{canvas.FieldZIndex: target}
	}
	return r.applyBatch(ctx, "reorder", patches)
}

// Align moves the selected objects so the chosen edge or center coincides.
// The reference line comes from the selection's bounding box.
func (r *Reconciler) Align(ctx context.Context, ids []string, a Alignment) (BatchResult, error) {
	objs := r.resolve(ids)
	if len(objs) < 2 {
		return BatchResult{}, fmt.Errorf("layout align: need at least 2 objects, have %d", len(objs))
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, o := range objs {
		minX = math.Min(minX, o.X)
		minY = math.Min(minY, o.Y)
		maxX = math.Max(maxX, o.X+o.Width)
		maxY = math.Max(maxY, o.Y+o.Height)
	}

	patches := make(map[string]canvas.Patch, len(objs))
	for _, o := range objs {
		var p canvas.Patch
		switch a {
		case AlignLeft:
			p = canvas.Patch{canvas.FieldX: minX}
		case AlignRight:
			p = canvas.Patch{canvas.FieldX: maxX - o.Width}
		case AlignTop:
			p = canvas.Patch{canvas.FieldY: minY}
		case AlignBottom:
			p = canvas.Patch{canvas.FieldY: maxY - o.Height}
		case AlignCenterX:
			p = canvas.Patch{canvas.FieldX: (minX+maxX)/2 - o.Width/2}
		case AlignCenterY:
			p = canvas.Patch{canvas.FieldY: (minY+maxY)/2 - o.Height/2}
		default:
			return BatchResult{}, fmt.Errorf("layout align: unknown alignment %d", a)
		}
		if changed(o, p) {
			patches[o.ID] = p
		}
	}
	return r.applyBatch(ctx, "align", patches)
}

// Distribute spaces the selected objects evenly along the axis. The
// outermost objects stay put; the gaps between neighbors equalize.
func (r *Reconciler) Distribute(ctx context.Context, ids []string, axis Axis) (BatchResult, error) {
	objs := r.resolve(ids)
	if len(objs) < 3 {
		return BatchResult{}, fmt.Errorf("layout distribute: need at least 3 objects, have %d", len(objs))
	}

	pos := func(o canvas.Object) float64 { return o.X }
	size := func(o canvas.Object) float64 { return o.Width }
	field := canvas.FieldX
	if axis == Vertical {
		pos = func(o canvas.Object) float64 { return o.Y }
		size = func(o canvas.Object) float64 { return o.Height }
		field = canvas.FieldY
	}

	sort.Slice(objs, func(i, j int) bool {
		if pos(objs[i]) != pos(objs[j]) {
			return pos(objs[i]) < pos(objs[j])
		}
		return objs[i].ID < objs[j].ID
	})

	first, last := objs[0], objs[len(objs)-1]
	span := pos(last) + size(last) - pos(first)
	occupied := 0.0
	for _, o := range objs {
		occupied += size(o)
	}
	gap := (span - occupied) / float64(len(objs)-1)

	patches := make(map[string]canvas.Patch, len(objs))
	cursor := pos(first)
	for _, o := range objs {
		p := canvas.Patch{field: cursor}
		if changed(o, p) {
			patches[o.ID] = p
		}
		cursor += size(o) + gap
	}
	return r.applyBatch(ctx, "distribute", patches)
}

// Grid packs the selected objects into cols columns reading left to right,
// top to bottom, anchored at the selection's top-left corner. Cells size to
// the largest object plus spacing.
func (r *Reconciler) Grid(ctx context.Context, ids []string, cols int, spacing float64) (BatchResult, error) {
	objs := r.resolve(ids)
	if len(objs) == 0 {
		return BatchResult{}, fmt.Errorf("layout grid: no objects")
	}
	if cols < 1 {
		return BatchResult{}, fmt.Errorf("layout grid: cols must be positive, got %d", cols)
	}

	originX, originY := math.Inf(1), math.Inf(1)
	cellW, cellH := 0.0, 0.0
	for _, o := range objs {
		originX = math.Min(originX, o.X)
		originY = math.Min(originY, o.Y)
		cellW = math.Max(cellW, o.Width)
		cellH = math.Max(cellH, o.Height)
	}

	patches := make(map[string]canvas.Patch, len(objs))
	for i, o := range objs {
		row, col := i/cols, i%cols
		p := canvas.Patch{
			canvas.FieldX: originX + float64(col)*(cellW+spacing),
			canvas.FieldY: originY + float64(row)*(cellH+spacing),
		}
		if changed(o, p) {
			patches[o.ID] = p
		}
	}
	return r.applyBatch(ctx, "grid", patches)
}

// resolve loads the named objects, dropping ids that no longer exist, in
// the order given.
func (r *Reconciler) resolve(ids []string) []canvas.Object {
	objs := make([]canvas.Object, 0, len(ids))
	for _, id := range ids {
		o, ok := r.mut.GetObject(id)
		if !ok {
			r.logger.Warn("layout: object missing, skipping", "id", id)
			continue
		}
		objs = append(objs, o)
	}
	return objs
}

func changed(o canvas.Object, p canvas.Patch) bool {
	for f, v := range p.Extract(o) {
		if v != p[f] {
			return true
		}
	}
	return false
}

// applyBatch issues the writes in deterministic id order and collects
// failures without stopping.
func (r *Reconciler) applyBatch(ctx context.Context, op string, patches map[string]canvas.Patch) (BatchResult, error) {
	ids := make([]string, 0, len(patches))
	for id := range patches {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	res := BatchResult{
		Before: make(map[string]canvas.Patch, len(patches)),
		After:  make(map[string]canvas.Patch, len(patches)),
	}
	var applied []string
	failed := make(map[string]error)
	for _, id := range ids {
		p := patches[id]
		o, ok := r.mut.GetObject(id)
		if !ok {
			failed[id] = fmt.Errorf("object %s missing", id)
			continue
		}
		before := p.Extract(o)
		if err := r.mut.UpdateObject(ctx, id, p); err != nil {
			failed[id] = err
			continue
		}
		res.Before[id] = before
		res.After[id] = p
		applied = append(applied, id)
	}

	if len(failed) > 0 {
		r.logger.Warn("layout batch partly failed",
			"op", op, "applied", len(applied), "failed", len(failed))
		return res, &PartialBatchError{Op: op, Applied: applied, Failed: failed}
	}
	return res, nil
}
