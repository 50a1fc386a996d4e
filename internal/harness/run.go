package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/slate/internal/canvas"
	"github.com/roach88/slate/internal/config"
	"github.com/roach88/slate/internal/engine"
	"github.com/roach88/slate/internal/history"
	"github.com/roach88/slate/internal/layout"
	"github.com/roach88/slate/internal/lock"
	"github.com/roach88/slate/internal/remote"
	"github.com/roach88/slate/internal/testutil"
)

// Scenario time starts at a fixed instant so stamped timestamps are
// byte-stable in traces.
var scenarioEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const (
	settlePasses = 8
	settlePause  = 3 * time.Millisecond
)

// rig is one scripted client: a store mirror, a sync engine, and the
// interaction managers layered on it.
type rig struct {
	name   string
	store  *canvas.Store
	eng    *engine.Engine
	locks  *lock.Manager
	hist   *history.Manager
	layout *layout.Reconciler
}

type runner struct {
	cfg     config.Config
	clock   *testutil.FakeClock
	mem     *remote.Memory
	rigs    map[string]*rig
	order   []string
	result  *Result
	observe remote.Collection
}

// Run executes the scenario and returns its result. Every run builds a
// fresh shared store and a fresh set of clients.
func Run(s *Scenario) (*Result, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewFakeClock(scenarioEpoch)
	mem := remote.NewMemory(remote.WithClock(clock))

	r := &runner{
		cfg:     config.Default(),
		clock:   clock,
		mem:     mem,
		rigs:    make(map[string]*rig),
		order:   s.Clients,
		result:  NewResult(),
		observe: mem.Collection("harness"),
	}

	// Record accepted writes before any engine subscribes, so trace events
	// appear in store-accept order.
	cancelTrace := mem.Subscribe(func(ev remote.Event) {
		r.result.Trace = append(r.result.Trace, TraceEvent{
			Type: "event",
			Kind: ev.Kind.String(),
			ID:   ev.Object.ID,
			Seq:  ev.Seq,
			By:   ev.Object.LastUpdatedBy,
		})
	})
	defer cancelTrace()

	for _, name := range s.Clients {
		st := canvas.NewStore()
		ids := testutil.NewFixedIDs(name)
		eng := engine.New(name, st, mem.Collection(name),
			engine.WithLogger(logger),
			engine.WithConnectivity(mem),
			engine.WithRetry(time.Millisecond, 5*time.Millisecond),
			engine.WithIDSource(ids.Next),
		)
		defer eng.Stop()
		r.rigs[name] = &rig{
			name:   name,
			store:  st,
			eng:    eng,
			locks:  lock.New(name, eng, r.cfg.LockTimeout, lock.WithClock(clock), lock.WithLogger(logger)),
			hist:   history.New(eng, history.WithLimit(r.cfg.HistoryMax), history.WithLogger(logger)),
			layout: layout.New(eng, layout.WithLogger(logger)),
		}
	}

	ctx := context.Background()
	for i, step := range s.Steps {
		idx := len(r.result.Trace)
		r.result.Trace = append(r.result.Trace, TraceEvent{
			Type:   "step",
			Step:   i + 1,
			Client: step.Client,
			Op:     step.Op,
			ID:     step.ID,
		})
		if err := r.execStep(ctx, step); err != nil {
			r.result.Trace[idx].Error = err.Error()
		}
		r.settle(ctx)
	}

	r.evaluate(s.Assertions)

	final, err := r.observe.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("harness: final snapshot: %w", err)
	}
	for _, o := range final {
		r.result.Final = append(r.result.Final, ObjectSummary{
			ID: o.ID, Type: string(o.Type),
			X: o.X, Y: o.Y, Width: o.Width, Height: o.Height,
			Color: o.Color, ZIndex: o.ZIndex, Locked: o.LockedBy, Seq: o.Seq,
		})
	}
	return r.result, nil
}

// execStep applies one scripted action through the acting client's stack.
// The returned error goes into the trace, not up the stack: rejected locks
// and partial batches are scenario outcomes, not harness failures.
func (r *runner) execStep(ctx context.Context, step Step) error {
	switch step.Op {
	case "sync":
		return nil
	case "offline":
		r.mem.SetOnline(false)
		return nil
	case "online":
		r.mem.SetOnline(true)
		return nil
	case "advance":
		r.clock.Advance(time.Duration(step.Ms) * time.Millisecond)
		return nil
	}

	c := r.rigs[step.Client]
	switch step.Op {
	case "create":
		o, err := objectFromMap(step.Object)
		if err != nil {
			return err
		}
		id, err := c.eng.CreateObject(ctx, o)
		if err != nil {
			return err
		}
		if created, ok := c.store.Get(id); ok {
			c.hist.Record(history.CreateEntry(created))
		}
		return nil

	case "update":
		p := patchFromMap(step.Patch)
		cur, ok := c.store.Get(step.ID)
		if !ok {
			return fmt.Errorf("object %s not present", step.ID)
		}
		before := p.Extract(cur)
		if err := c.eng.UpdateObject(ctx, step.ID, p); err != nil {
			return err
		}
		c.hist.Record(history.PatchEntry(history.KindProperty,
			map[string]canvas.Patch{step.ID: before},
			map[string]canvas.Patch{step.ID: p}))
		return nil

	case "delete":
		snapshot, ok := c.store.Get(step.ID)
		if !ok {
			return fmt.Errorf("object %s not present", step.ID)
		}
		if err := c.eng.DeleteObject(ctx, step.ID); err != nil {
			return err
		}
		c.hist.Record(history.DeleteEntry(snapshot))
		return nil

	case "stage":
		return c.eng.Stage(step.ID, patchFromMap(step.Patch))
	case "commit":
		return c.eng.CommitStaged(ctx, step.ID, patchFromMap(step.Patch))
	case "abandon":
		c.eng.AbandonStaged(step.ID)
		return nil

	case "acquire":
		return c.locks.Acquire(ctx, step.ID)
	case "release":
		return c.locks.Release(ctx, step.ID)

	case "undo":
		return c.hist.Undo(ctx)
	case "redo":
		return c.hist.Redo(ctx)

	case "reorder":
		res, err := c.layout.Reorder(ctx, step.IDs)
		r.recordBatch(c, history.KindReorder, res)
		return err
	case "align":
		mode, err := alignmentFromMode(step.Mode)
		if err != nil {
			return err
		}
		res, err := c.layout.Align(ctx, step.IDs, mode)
		r.recordBatch(c, history.KindMove, res)
		return err
	case "distribute":
		axis, err := axisFromMode(step.Mode)
		if err != nil {
			return err
		}
		res, err := c.layout.Distribute(ctx, step.IDs, axis)
		r.recordBatch(c, history.KindMove, res)
		return err
	}
	return fmt.Errorf("unknown op %q", step.Op)
}

func (r *runner) recordBatch(c *rig, kind history.Kind, res layout.BatchResult) {
	if len(res.After) == 0 {
		return
	}
	c.hist.Record(history.PatchEntry(kind, res.Before, res.After))
}

// settle drains every engine repeatedly so queued dispatches, their echoes,
// and short retry timers all land before the next step.
func (r *runner) settle(ctx context.Context) {
	for pass := 0; pass < settlePasses; pass++ {
		for _, name := range r.order {
			_ = r.rigs[name].eng.Drain(ctx)
		}
		time.Sleep(settlePause)
	}
}

func objectFromMap(m map[string]any) (canvas.Object, error) {
	var o canvas.Object
	p := canvas.Patch{}
	for k, v := range m {
		switch k {
		case "id":
			s, ok := v.(string)
			if !ok {
				return canvas.Object{}, fmt.Errorf("object id must be a string, got %T", v)
			}
			o.ID = s
		case "type":
			s, ok := v.(string)
			if !ok {
				return canvas.Object{}, fmt.Errorf("object type must be a string, got %T", v)
			}
			o.Type = canvas.Type(s)
		default:
			p[canvas.Field(k)] = v
		}
	}
	if err := p.Apply(&o); err != nil {
		return canvas.Object{}, err
	}
	return o, nil
}

func patchFromMap(m map[string]any) canvas.Patch {
	p := make(canvas.Patch, len(m))
	for k, v := range m {
		p[canvas.Field(k)] = v
	}
	return p
}

func alignmentFromMode(mode string) (layout.Alignment, error) {
	switch mode {
	case "left":
		return layout.AlignLeft, nil
	case "right":
		return layout.AlignRight, nil
	case "top":
		return layout.AlignTop, nil
	case "bottom":
		return layout.AlignBottom, nil
	case "center_x":
		return layout.AlignCenterX, nil
	case "center_y":
		return layout.AlignCenterY, nil
	default:
		return 0, fmt.Errorf("unknown alignment %q", mode)
	}
}

func axisFromMode(mode string) (layout.Axis, error) {
	switch mode {
	case "horizontal":
		return layout.Horizontal, nil
	case "vertical":
		return layout.Vertical, nil
	default:
		return 0, fmt.Errorf("unknown axis %q", mode)
	}
}
