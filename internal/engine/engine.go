package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/slate/internal/canvas"
	"github.com/roach88/slate/internal/remote"
)

// ConnState is the engine's connectivity state machine.
//
// Transitions: Disconnected -> Connecting (signal rises) -> Connected
// (snapshot applied). Every entry into Connected re-fires the registered
// connected hooks, so side effects that a disconnect consumed (presence
// cleanup registration, for one) are re-armed on every reconnect rather
// than once at startup.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ConnectivitySource delivers the boolean connection signal.
type ConnectivitySource interface {
	Connectivity(fn func(online bool)) (cancel func())
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRetry sets the transient-failure backoff window.
func WithRetry(base, max time.Duration) Option {
	return func(e *Engine) { e.retryBase, e.retryMax = base, max }
}

// WithConnectivity wires the connection signal into the state machine.
func WithConnectivity(src ConnectivitySource) Option {
	return func(e *Engine) { e.connSrc = src }
}

// WithIDSource replaces the object id mint (tests use testutil.FixedIDs).
func WithIDSource(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// dispatchJob is one pending remote write, carried through retries.
type dispatchJob struct {
	op      string // "create", "update", "delete"
	id      string
	object  canvas.Object // create payload; delete pre-image for revert
	patch   canvas.Patch  // update payload
	revert  canvas.Patch  // update pre-image for revert
	baseSeq int64         // authoritative seq when the write was issued
	bo      *backoff.ExponentialBackOff

	mu        sync.Mutex
	cancelled bool
}

func (j *dispatchJob) cancel() {
	j.mu.Lock()
	j.cancelled = true
	j.mu.Unlock()
}

func (j *dispatchJob) isCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// Engine reconciles optimistic local mutations with the remote collection.
type Engine struct {
	userID    string
	store     *canvas.Store
	coll      remote.Collection
	connSrc   ConnectivitySource
	logger    *slog.Logger
	newID     func() string
	retryBase time.Duration
	retryMax  time.Duration

	queue *itemQueue

	mu        sync.Mutex
	base      map[string]canvas.Object // last authoritative value per id
	highWater map[string]int64         // highest accepted seq per id
	staged    map[string]canvas.Patch  // staged (undispatched) fields per id
	pending   map[*dispatchJob]struct{}
	state     ConnState
	syncing   bool
	lastErr   *SyncError
	hooks     []func()

	cancelSub  func()
	cancelConn func()
	closeOnce  sync.Once
}

// New creates an engine for one user over the given store mirror and remote
// collection, and subscribes to the collection's change stream.
func New(userID string, store *canvas.Store, coll remote.Collection, opts ...Option) *Engine {
	e := &Engine{
		userID:    userID,
		store:     store,
		coll:      coll,
		logger:    slog.Default(),
		newID:     canvas.NewID,
		retryBase: 1 * time.Second,
		retryMax:  30 * time.Second,
		queue:     newItemQueue(),
		base:      make(map[string]canvas.Object),
		highWater: make(map[string]int64),
		staged:    make(map[string]canvas.Patch),
		pending:   make(map[*dispatchJob]struct{}),
		state:     StateConnected,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.cancelSub = e.coll.Subscribe(func(ev remote.Event) {
		e.queue.enqueue(item{kind: itemRemoteEvent, event: ev})
	})
	if e.connSrc != nil {
		e.cancelConn = e.connSrc.Connectivity(func(online bool) {
			e.queue.enqueue(item{kind: itemConnChange, online: online})
		})
	}
	return e
}

// Run processes queue items until the context is cancelled or Stop is
// called. Must be called from exactly one goroutine; Drain is the
// synchronous alternative for tests and the harness.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("sync engine starting", "user", e.userID)

	for {
		it, ok := e.queue.tryDequeue()
		if ok {
			e.processItem(ctx, it)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("sync engine stopping", "reason", "context cancelled")
			e.queue.close()
			return ctx.Err()
		case <-e.queue.wait():
			if e.queue.len() == 0 {
				e.logger.Info("sync engine stopping", "reason", "queue closed")
				return nil
			}
		}
	}
}

// Drain synchronously processes everything currently queued, including
// items enqueued while draining. Timer-scheduled retries that have not
// fired yet are not waited for.
func (e *Engine) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		it, ok := e.queue.tryDequeue()
		if !ok {
			return nil
		}
		e.processItem(ctx, it)
	}
}

// Stop cancels subscriptions and closes the queue, making Run return.
func (e *Engine) Stop() {
	e.closeOnce.Do(func() {
		if e.cancelSub != nil {
			e.cancelSub()
		}
		if e.cancelConn != nil {
			e.cancelConn()
		}
		e.queue.close()
	})
}

// State returns the connectivity state.
func (e *Engine) State() ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsSyncing reports whether reconnect catch-up is in progress.
func (e *Engine) IsSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// LastSyncError returns the most recent surfaced write failure, or nil.
func (e *Engine) LastSyncError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastErr == nil {
		return nil
	}
	return e.lastErr
}

// ClearSyncError dismisses the surfaced failure.
func (e *Engine) ClearSyncError() {
	e.mu.Lock()
	e.lastErr = nil
	e.mu.Unlock()
}

// OnConnected registers a hook re-fired on every transition into Connected.
func (e *Engine) OnConnected(hook func()) {
	e.mu.Lock()
	e.hooks = append(e.hooks, hook)
	e.mu.Unlock()
}

// CreateObject optimistically adds the object and dispatches the create.
// Mints an id when the object has none. Returns the object id.
func (e *Engine) CreateObject(ctx context.Context, o canvas.Object) (string, error) {
	if o.ID == "" {
		o.ID = e.newID()
	}
	if err := o.Validate(); err != nil {
		return "", err
	}
	if err := e.store.Add(o); err != nil {
		return "", err
	}

	job := e.newJob("create", o.ID, 0)
	job.object = o
	e.enqueueJob(job)
	return o.ID, nil
}

// UpdateObject optimistically applies the partial patch and dispatches it.
func (e *Engine) UpdateObject(ctx context.Context, id string, p canvas.Patch) error {
	cur, ok := e.store.Get(id)
	if !ok {
		return fmt.Errorf("engine: update %s: object not present", id)
	}
	revert := p.Extract(cur)
	if _, _, err := e.store.Update(id, p); err != nil {
		return err
	}

	job := e.newJob("update", id, e.baseSeq(id))
	job.patch = p.Clone()
	job.revert = revert
	e.enqueueJob(job)
	return nil
}

// DeleteObject optimistically removes the object and dispatches the delete.
func (e *Engine) DeleteObject(ctx context.Context, id string) error {
	cur, ok := e.store.Get(id)
	if !ok {
		return fmt.Errorf("engine: delete %s: object not present", id)
	}
	e.store.Remove(id)

	job := e.newJob("delete", id, e.baseSeq(id))
	job.object = cur
	e.enqueueJob(job)
	return nil
}

// GetObject reads the local mirror.
func (e *Engine) GetObject(id string) (canvas.Object, bool) {
	return e.store.Get(id)
}

// Stage applies a patch to the local mirror only, without dispatching.
// Mid-interaction previews (drag, resize) stage every intermediate frame
// and commit once at interaction end, so the network sees one write.
func (e *Engine) Stage(id string, p canvas.Patch) error {
	if _, ok := e.store.Get(id); !ok {
		return fmt.Errorf("engine: stage %s: object not present", id)
	}
	if _, _, err := e.store.Update(id, p); err != nil {
		return err
	}

	e.mu.Lock()
	merged := e.staged[id]
	if merged == nil {
		merged = make(canvas.Patch, len(p))
	}
	for f, v := range p {
		merged[f] = v
	}
	e.staged[id] = merged
	e.mu.Unlock()
	return nil
}

// CommitStaged dispatches everything staged for the object, plus an
// optional final patch, as a single remote write.
func (e *Engine) CommitStaged(ctx context.Context, id string, final canvas.Patch) error {
	if final != nil {
		if _, _, err := e.store.Update(id, final); err != nil {
			return err
		}
	}

	e.mu.Lock()
	fields := e.staged[id]
	delete(e.staged, id)
	authoritative, hasBase := e.base[id]
	e.mu.Unlock()

	cur, ok := e.store.Get(id)
	if !ok {
		return fmt.Errorf("engine: commit %s: object not present", id)
	}

	commit := make(canvas.Patch)
	for f := range fields {
		commit[f] = nil
	}
	for f := range final {
		commit[f] = nil
	}
	if len(commit) == 0 {
		return nil
	}
	// Commit the values currently on the mirror for every touched field.
	commit = commit.Extract(cur)

	job := e.newJob("update", id, e.baseSeq(id))
	job.patch = commit
	if hasBase {
		job.revert = commit.Extract(authoritative)
	} else {
		job.revert = commit.Extract(cur)
	}
	e.enqueueJob(job)
	return nil
}

// AbandonStaged drops staged fields and reverts the mirror to the last
// authoritative values for them. Nothing is dispatched: abandoning an
// interaction before commit suppresses the optimistic write entirely.
func (e *Engine) AbandonStaged(id string) {
	e.mu.Lock()
	fields := e.staged[id]
	delete(e.staged, id)
	authoritative, hasBase := e.base[id]
	e.mu.Unlock()

	if len(fields) == 0 || !hasBase {
		return
	}
	names := make(canvas.Patch, len(fields))
	for f := range fields {
		names[f] = nil
	}
	if _, _, err := e.store.Update(id, names.Extract(authoritative)); err != nil {
		e.logger.Warn("abandon revert failed", "id", id, "error", err)
	}
}

func (e *Engine) baseSeq(id string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.base[id].Seq
}

func (e *Engine) newJob(op, id string, baseSeq int64) *dispatchJob {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryBase
	bo.MaxInterval = e.retryMax
	bo.MaxElapsedTime = 0 // unlimited attempts
	return &dispatchJob{op: op, id: id, baseSeq: baseSeq, bo: bo}
}

func (e *Engine) enqueueJob(job *dispatchJob) {
	e.mu.Lock()
	e.pending[job] = struct{}{}
	e.mu.Unlock()
	e.queue.enqueue(item{kind: itemDispatch, job: job})
}

func (e *Engine) processItem(ctx context.Context, it item) {
	switch it.kind {
	case itemRemoteEvent:
		e.reconcile(it.event)
	case itemConnChange:
		e.connChange(it.online)
	case itemResync:
		e.resync(ctx)
	case itemDispatch:
		e.dispatch(ctx, it.job)
	default:
		e.logger.Error("unknown queue item", "kind", int(it.kind))
	}
}

// reconcile folds one change event into the local mirror. The authoritative
// value replaces local state wholesale; it is never merged field-by-field
// on the client. Events at or below the object's high-water mark arrived
// out of order and are dropped.
func (e *Engine) reconcile(ev remote.Event) {
	id := ev.Object.ID

	e.mu.Lock()
	if ev.Seq <= e.highWater[id] {
		e.mu.Unlock()
		e.logger.Debug("stale change event dropped",
			"id", id, "seq", ev.Seq, "kind", ev.Kind.String())
		return
	}
	e.highWater[id] = ev.Seq
	switch ev.Kind {
	case remote.EventAdded, remote.EventModified:
		e.base[id] = ev.Object
	case remote.EventRemoved:
		delete(e.base, id)
	}
	e.mu.Unlock()

	switch ev.Kind {
	case remote.EventAdded, remote.EventModified:
		e.store.Replace(ev.Object)
	case remote.EventRemoved:
		e.store.Remove(id)
	}
}

func (e *Engine) connChange(online bool) {
	e.mu.Lock()
	if online {
		e.state = StateConnecting
		e.syncing = true
	} else {
		e.state = StateDisconnected
	}
	e.mu.Unlock()

	e.logger.Info("connectivity changed", "online", online)
	if online {
		e.queue.enqueue(item{kind: itemResync})
	}
}

// resync replaces the mirror with a full authoritative snapshot. Pending
// writes whose object has since been superseded (or deleted) are discarded
// rather than reapplied; the rest continue through the normal retry path.
func (e *Engine) resync(ctx context.Context) {
	objs, err := e.coll.ListAll(ctx)
	if err != nil {
		e.logger.Warn("snapshot fetch failed, will retry",
			"error", err, "delay", e.retryBase)
		e.mu.Lock()
		e.lastErr = &SyncError{Op: "snapshot", At: time.Now(), Err: err}
		e.mu.Unlock()
		time.AfterFunc(e.retryBase, func() {
			e.queue.enqueue(item{kind: itemResync})
		})
		return
	}

	snap := make(map[string]canvas.Object, len(objs))
	for _, o := range objs {
		snap[o.ID] = o
	}

	e.mu.Lock()
	dropped := 0
	for job := range e.pending {
		cur, present := snap[job.id]
		superseded := false
		switch job.op {
		case "create":
			superseded = present // the create reached the store before the partition
		case "update", "delete":
			superseded = !present || cur.Seq > job.baseSeq
		}
		if superseded {
			job.cancel()
			delete(e.pending, job)
			dropped++
		}
	}
	e.base = snap
	e.highWater = make(map[string]int64, len(snap))
	for id, o := range snap {
		e.highWater[id] = o.Seq
	}
	// Interactions cannot survive a partition; their staged previews are
	// dropped with the snapshot.
	e.staged = make(map[string]canvas.Patch)
	e.state = StateConnected
	e.syncing = false
	e.lastErr = nil
	hooks := make([]func(), len(e.hooks))
	copy(hooks, e.hooks)
	e.mu.Unlock()

	e.store.ReplaceAll(objs)
	e.logger.Info("snapshot applied",
		"objects", len(objs), "dropped_writes", dropped)

	for _, hook := range hooks {
		hook()
	}
}

func (e *Engine) dispatch(ctx context.Context, job *dispatchJob) {
	if job.isCancelled() {
		e.mu.Lock()
		delete(e.pending, job)
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	if state != StateConnected {
		// Writes hold until snapshot catch-up finishes; the snapshot pass
		// cancels any job it supersedes, so nothing stale is replayed.
		delay := job.bo.NextBackOff()
		time.AfterFunc(delay, func() {
			e.queue.enqueue(item{kind: itemDispatch, job: job})
		})
		return
	}

	var err error
	switch job.op {
	case "create":
		_, err = e.coll.Create(ctx, job.object)
	case "update":
		err = e.coll.Update(ctx, job.id, job.patch)
	case "delete":
		err = e.coll.Delete(ctx, job.id)
	}

	if err == nil {
		e.mu.Lock()
		delete(e.pending, job)
		e.mu.Unlock()
		return
	}

	if remote.IsTransport(err) {
		delay := job.bo.NextBackOff()
		e.mu.Lock()
		e.lastErr = &SyncError{Op: job.op, ID: job.id, At: time.Now(), Err: err}
		e.mu.Unlock()
		e.logger.Warn("transient write failure, retrying",
			"op", job.op, "id", job.id, "delay", delay, "error", err)
		time.AfterFunc(delay, func() {
			e.queue.enqueue(item{kind: itemDispatch, job: job})
		})
		return
	}

	// Permanent rejection: revert the optimistic change to the last
	// known-good value and surface the failure. No retry.
	e.revert(job)
	e.mu.Lock()
	delete(e.pending, job)
	e.lastErr = &SyncError{Op: job.op, ID: job.id, At: time.Now(), Err: err}
	e.mu.Unlock()
	e.logger.Error("write rejected, optimistic change reverted",
		"op", job.op, "id", job.id, "error", err)
}

func (e *Engine) revert(job *dispatchJob) {
	switch job.op {
	case "create":
		e.store.Remove(job.object.ID)
	case "update":
		if _, _, err := e.store.Update(job.id, job.revert); err != nil {
			e.logger.Warn("revert failed", "id", job.id, "error", err)
		}
	case "delete":
		e.store.Replace(job.object)
	}
}
