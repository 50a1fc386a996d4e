package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/slate/internal/canvas"
)

// Clock supplies server timestamps. Production uses the system clock; tests
// inject a fake to make stamps deterministic.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Memory is an in-process remote store implementing both the Collection and
// Liveness contracts with the same semantics the engine sees from a real
// deployment: document-level last-write-wins partial merge, server-stamped
// audit fields, a monotonic write sequence, and synchronous change
// broadcast to subscribers.
//
// Test controls simulate the unpleasant parts: partitions (SetOnline),
// single-user connection drops (DropUser), and injected write failures
// (FailWrites).
type Memory struct {
	mu        sync.Mutex
	clock     Clock
	seq       int64
	online    bool
	objects   map[string]canvas.Object
	subs      map[int]Handler
	nextSub   int
	roster    map[string]PresenceRecord
	disc      map[int]discReg
	nextDisc  int
	connSubs  map[int]func(bool)
	nextConn  int
	writeHook func(op, id string) error
}

type discReg struct {
	userID string
	action DisconnectAction
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock replaces the server clock.
func WithClock(c Clock) MemoryOption {
	return func(m *Memory) { m.clock = c }
}

// NewMemory creates an online, empty in-memory remote store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		clock:    systemClock{},
		online:   true,
		objects:  make(map[string]canvas.Object),
		subs:     make(map[int]Handler),
		roster:   make(map[string]PresenceRecord),
		disc:     make(map[int]discReg),
		connSubs: make(map[int]func(bool)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Collection returns a handle bound to the acting user. The store stamps
// LastUpdatedBy from the handle, the way a real store stamps the
// authenticated writer.
func (m *Memory) Collection(userID string) Collection {
	return &memColl{m: m, userID: userID}
}

// SetOnline toggles the simulated connection. Going offline fires all armed
// disconnect actions; both transitions notify connectivity subscribers.
func (m *Memory) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	var fire []discReg
	if !online {
		for id, reg := range m.disc {
			fire = append(fire, reg)
			delete(m.disc, id)
		}
	}
	for _, reg := range fire {
		m.applyDisconnectLocked(reg)
	}

	subs := make([]func(bool), 0, len(m.connSubs))
	for _, fn := range m.connSubs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// DropUser simulates one user's connection dropping without a global
// partition: that user's armed disconnect actions fire, once.
func (m *Memory) DropUser(userID string) {
	m.mu.Lock()
	for id, reg := range m.disc {
		if reg.userID == userID {
			delete(m.disc, id)
			m.applyDisconnectLocked(reg)
		}
	}
	m.mu.Unlock()
}

// FailWrites installs a fault hook consulted before every collection write.
// A non-nil return aborts the write with that error. Pass nil to clear.
func (m *Memory) FailWrites(hook func(op, id string) error) {
	m.mu.Lock()
	m.writeHook = hook
	m.mu.Unlock()
}

// Object returns the stored value for tests.
func (m *Memory) Object(id string) (canvas.Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[id]
	return o, ok
}

// Record returns the stored presence record for tests, readable even while
// the simulated connection is down.
func (m *Memory) Record(userID string) (PresenceRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.roster[userID]
	return rec, ok
}

func (m *Memory) applyDisconnectLocked(reg discReg) {
	switch reg.action {
	case DisconnectRemove:
		delete(m.roster, reg.userID)
	case DisconnectMarkOffline:
		if rec, ok := m.roster[reg.userID]; ok {
			rec.Online = false
			rec.LastSeen = m.clock.Now()
			m.roster[reg.userID] = rec
		}
	}
}

func (m *Memory) broadcast(ev Event) {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.subs))
	for _, h := range m.subs {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Subscribe registers a change handler for the collection.
func (m *Memory) Subscribe(h Handler) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = h
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

type memColl struct {
	m      *Memory
	userID string
}

func (c *memColl) Create(ctx context.Context, o canvas.Object) (canvas.Object, error) {
	if err := o.Validate(); err != nil {
		return canvas.Object{}, err
	}

	m := c.m
	m.mu.Lock()
	if !m.online {
		m.mu.Unlock()
		return canvas.Object{}, NewTransportError("create", o.ID, errOffline)
	}
	if m.writeHook != nil {
		if err := m.writeHook("create", o.ID); err != nil {
			m.mu.Unlock()
			return canvas.Object{}, err
		}
	}
	if _, exists := m.objects[o.ID]; exists {
		m.mu.Unlock()
		return canvas.Object{}, fmt.Errorf("remote: duplicate object id %s", o.ID)
	}

	now := m.clock.Now()
	m.seq++
	o.CreatedAt = now
	o.UpdatedAt = now
	o.LastUpdatedBy = c.userID
	o.Seq = m.seq
	m.objects[o.ID] = o
	ev := Event{Kind: EventAdded, Object: o, ServerTime: now, Seq: o.Seq}
	m.mu.Unlock()

	m.broadcast(ev)
	return o, nil
}

func (c *memColl) Update(ctx context.Context, id string, p canvas.Patch) error {
	m := c.m
	m.mu.Lock()
	if !m.online {
		m.mu.Unlock()
		return NewTransportError("update", id, errOffline)
	}
	if m.writeHook != nil {
		if err := m.writeHook("update", id); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	o, ok := m.objects[id]
	if !ok {
		m.mu.Unlock()
		return NewNotFoundError("update", id)
	}

	// Document-level partial merge: only the named fields change, and the
	// whole write is accepted in arrival order - last write wins per field.
	if err := p.Apply(&o); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("remote: update %s: %w", id, err)
	}

	now := m.clock.Now()
	m.seq++
	o.UpdatedAt = now
	o.LastUpdatedBy = c.userID
	o.Seq = m.seq
	m.objects[id] = o
	ev := Event{Kind: EventModified, Object: o, ServerTime: now, Seq: o.Seq}
	m.mu.Unlock()

	m.broadcast(ev)
	return nil
}

func (c *memColl) Delete(ctx context.Context, id string) error {
	m := c.m
	m.mu.Lock()
	if !m.online {
		m.mu.Unlock()
		return NewTransportError("delete", id, errOffline)
	}
	if m.writeHook != nil {
		if err := m.writeHook("delete", id); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	o, ok := m.objects[id]
	if !ok {
		// Deleting an absent object is a no-op, so concurrent deletes and
		// delete-after-delete races are never errors.
		m.mu.Unlock()
		return nil
	}

	now := m.clock.Now()
	m.seq++
	o.Seq = m.seq
	delete(m.objects, id)
	ev := Event{Kind: EventRemoved, Object: o, ServerTime: now, Seq: o.Seq}
	m.mu.Unlock()

	m.broadcast(ev)
	return nil
}

func (c *memColl) ListAll(ctx context.Context) ([]canvas.Object, error) {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.online {
		return nil, NewTransportError("list", "", errOffline)
	}
	out := make([]canvas.Object, 0, len(m.objects))
	for _, o := range m.objects {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *memColl) Subscribe(h Handler) (cancel func()) {
	return c.m.Subscribe(h)
}

var errOffline = fmt.Errorf("connection offline")

// Liveness channel implementation.

// Set writes the full presence record.
func (m *Memory) Set(ctx context.Context, rec PresenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online {
		return NewTransportError("presence.set", rec.UserID, errOffline)
	}
	m.roster[rec.UserID] = rec
	return nil
}

// Update applies a partial presence write.
func (m *Memory) Update(ctx context.Context, userID string, upd PresenceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online {
		return NewTransportError("presence.update", userID, errOffline)
	}
	rec, ok := m.roster[userID]
	if !ok {
		return NewNotFoundError("presence.update", userID)
	}
	if upd.Cursor != nil {
		cur := *upd.Cursor
		rec.Cursor = &cur
	}
	if upd.Online != nil {
		rec.Online = *upd.Online
	}
	if upd.LastSeen != nil {
		rec.LastSeen = *upd.LastSeen
	}
	m.roster[userID] = rec
	return nil
}

// Remove deletes the presence record.
func (m *Memory) Remove(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online {
		return NewTransportError("presence.remove", userID, errOffline)
	}
	delete(m.roster, userID)
	return nil
}

// Roster returns all presence records sorted by user id.
func (m *Memory) Roster(ctx context.Context) ([]PresenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online {
		return nil, NewTransportError("presence.roster", "", errOffline)
	}
	out := make([]PresenceRecord, 0, len(m.roster))
	for _, rec := range m.roster {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// OnDisconnect arms a one-shot disconnect action for the user.
func (m *Memory) OnDisconnect(userID string, action DisconnectAction) (cancel func()) {
	m.mu.Lock()
	id := m.nextDisc
	m.nextDisc++
	m.disc[id] = discReg{userID: userID, action: action}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.disc, id)
		m.mu.Unlock()
	}
}

// Connectivity subscribes to connection transitions.
func (m *Memory) Connectivity(fn func(online bool)) (cancel func()) {
	m.mu.Lock()
	id := m.nextConn
	m.nextConn++
	m.connSubs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.connSubs, id)
		m.mu.Unlock()
	}
}
