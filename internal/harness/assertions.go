package harness

import (
	"context"
	"fmt"
	"reflect"

	"github.com/roach88/slate/internal/canvas"
)

// evaluate checks every assertion against final state and records failures
// on the result.
func (r *runner) evaluate(assertions []Assertion) {
	auth := r.authoritative()

	for i, a := range assertions {
		if err := r.check(a, auth); err != nil {
			r.result.AddError(fmt.Sprintf("assertion %d (%s): %v", i+1, a.Type, err))
		}
	}
}

// authoritative snapshots the shared store indexed by id.
func (r *runner) authoritative() map[string]canvas.Object {
	objs, err := r.observe.ListAll(context.Background())
	if err != nil {
		// The in-memory store only errors while offline; scenarios that end
		// offline assert against client mirrors instead.
		return map[string]canvas.Object{}
	}
	m := make(map[string]canvas.Object, len(objs))
	for _, o := range objs {
		m[o.ID] = o
	}
	return m
}

func (r *runner) check(a Assertion, auth map[string]canvas.Object) error {
	switch a.Type {
	case AssertObjectField:
		o, ok := r.lookup(a, auth)
		if !ok {
			return fmt.Errorf("object %s not found", a.ID)
		}
		got := canvas.Patch{canvas.Field(a.Field): nil}.Extract(o)[canvas.Field(a.Field)]
		if !valuesEqual(got, a.Value) {
			return fmt.Errorf("object %s field %s = %v, want %v", a.ID, a.Field, got, a.Value)
		}
		return nil

	case AssertObjectAbsent:
		if _, ok := r.lookup(a, auth); ok {
			return fmt.Errorf("object %s still present", a.ID)
		}
		return nil

	case AssertObjectCount:
		got := len(auth)
		if a.Client != "" {
			got = r.rigs[a.Client].store.Len()
		}
		if got != a.Count {
			return fmt.Errorf("object count = %d, want %d", got, a.Count)
		}
		return nil

	case AssertOrder:
		view := r.rigs[a.Client].store.OrderedView()
		if len(view) != len(a.IDs) {
			return fmt.Errorf("view has %d objects, want %d", len(view), len(a.IDs))
		}
		for i, o := range view {
			if o.ID != a.IDs[i] {
				return fmt.Errorf("position %d is %s, want %s", i, o.ID, a.IDs[i])
			}
		}
		return nil

	case AssertConverged:
		for _, name := range r.order {
			st := r.rigs[name].store
			if st.Len() != len(auth) {
				return fmt.Errorf("client %s has %d objects, store has %d", name, st.Len(), len(auth))
			}
			for id, want := range auth {
				got, ok := st.Get(id)
				if !ok {
					return fmt.Errorf("client %s missing object %s", name, id)
				}
				if !reflect.DeepEqual(got, want) {
					return fmt.Errorf("client %s diverged on object %s", name, id)
				}
			}
		}
		return nil

	case AssertLockedBy:
		o, ok := r.lookup(a, auth)
		if !ok {
			return fmt.Errorf("object %s not found", a.ID)
		}
		lease := o.Lease()
		if !lease.Valid(r.clock.Now(), r.cfg.LockTimeout) {
			return fmt.Errorf("object %s has no valid lease", a.ID)
		}
		if lease.Holder != a.Holder {
			return fmt.Errorf("object %s held by %s, want %s", a.ID, lease.Holder, a.Holder)
		}
		return nil

	case AssertUnlocked:
		o, ok := r.lookup(a, auth)
		if !ok {
			return fmt.Errorf("object %s not found", a.ID)
		}
		if o.Lease().Valid(r.clock.Now(), r.cfg.LockTimeout) {
			return fmt.Errorf("object %s still held by %s", a.ID, o.LockedBy)
		}
		return nil

	case AssertCanUndo:
		if !r.rigs[a.Client].hist.CanUndo() {
			return fmt.Errorf("client %s cannot undo", a.Client)
		}
		return nil

	case AssertCanRedo:
		if !r.rigs[a.Client].hist.CanRedo() {
			return fmt.Errorf("client %s cannot redo", a.Client)
		}
		return nil
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// lookup reads the asserted object from the scoped client mirror, or the
// authoritative store when no client is named.
func (r *runner) lookup(a Assertion, auth map[string]canvas.Object) (canvas.Object, bool) {
	if a.Client != "" {
		return r.rigs[a.Client].store.Get(a.ID)
	}
	o, ok := auth[a.ID]
	return o, ok
}

// valuesEqual compares a store value with a YAML literal. YAML decodes whole
// numbers as int while geometry fields are float64, so numbers compare
// through float64.
func valuesEqual(got, want any) bool {
	gf, gok := toFloat(got)
	wf, wok := toFloat(want)
	if gok && wok {
		return gf == wf
	}
	return reflect.DeepEqual(got, want)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
