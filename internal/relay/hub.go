package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/slate/internal/canvas"
	"github.com/roach88/slate/internal/remote"
	"github.com/roach88/slate/internal/wire"
)

// Clock supplies server timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Hub is the authoritative board state. All client connections funnel their
// writes through it; it stamps, persists, and fans accepted changes back
// out. Merge policy is document-level last write wins: a write touches only
// the fields its patch names, and writes to the same field resolve in the
// order the hub accepts them.
type Hub struct {
	logger *slog.Logger
	clock  Clock
	store  *BoardStore

	mu      sync.Mutex
	seq     int64
	objects map[string]canvas.Object
	roster  map[string]remote.PresenceRecord
	clients map[*client]struct{}
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubClock replaces the server clock.
func WithHubClock(c Clock) HubOption {
	return func(h *Hub) { h.clock = c }
}

// WithHubLogger replaces the default logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// WithBoardStore attaches SQLite persistence. Without it the hub holds
// state in memory only.
func WithBoardStore(s *BoardStore) HubOption {
	return func(h *Hub) { h.store = s }
}

// NewHub creates a hub, loading persisted board state when a store is
// attached.
func NewHub(opts ...HubOption) (*Hub, error) {
	h := &Hub{
		logger:  slog.Default(),
		clock:   systemClock{},
		objects: make(map[string]canvas.Object),
		roster:  make(map[string]remote.PresenceRecord),
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.store != nil {
		objs, seq, err := h.store.LoadAll(context.Background())
		if err != nil {
			return nil, fmt.Errorf("hub: restore board: %w", err)
		}
		for _, o := range objs {
			h.objects[o.ID] = o
		}
		h.seq = seq
		h.logger.Info("board restored", "objects", len(objs), "seq", seq)
	}
	return h, nil
}

// CreateObject inserts the object, stamps it, and broadcasts the change.
func (h *Hub) CreateObject(ctx context.Context, user string, o canvas.Object) (canvas.Object, error) {
	if err := o.Validate(); err != nil {
		return canvas.Object{}, err
	}

	h.mu.Lock()
	if _, exists := h.objects[o.ID]; exists {
		h.mu.Unlock()
		return canvas.Object{}, fmt.Errorf("relay: duplicate object id %s", o.ID)
	}
	now := h.clock.Now()
	h.seq++
	o.CreatedAt = now
	o.UpdatedAt = now
	o.LastUpdatedBy = user
	o.Seq = h.seq
	h.objects[o.ID] = o
	h.mu.Unlock()

	if err := h.persistUpsert(ctx, o); err != nil {
		return canvas.Object{}, err
	}
	h.broadcastEvent(remote.EventAdded, o, now)
	return o, nil
}

// UpdateObject applies a partial write and broadcasts the merged object.
func (h *Hub) UpdateObject(ctx context.Context, user, id string, p canvas.Patch) (canvas.Object, error) {
	h.mu.Lock()
	o, ok := h.objects[id]
	if !ok {
		h.mu.Unlock()
		return canvas.Object{}, remote.NewNotFoundError("update", id)
	}
	if err := p.Apply(&o); err != nil {
		h.mu.Unlock()
		return canvas.Object{}, fmt.Errorf("relay: update %s: %w", id, err)
	}
	now := h.clock.Now()
	h.seq++
	o.UpdatedAt = now
	o.LastUpdatedBy = user
	o.Seq = h.seq
	h.objects[id] = o
	h.mu.Unlock()

	if err := h.persistUpsert(ctx, o); err != nil {
		return canvas.Object{}, err
	}
	h.broadcastEvent(remote.EventModified, o, now)
	return o, nil
}

// DeleteObject removes the object. Deleting an absent object is a no-op.
func (h *Hub) DeleteObject(ctx context.Context, user, id string) error {
	h.mu.Lock()
	o, ok := h.objects[id]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	now := h.clock.Now()
	h.seq++
	o.Seq = h.seq
	delete(h.objects, id)
	seq := h.seq
	h.mu.Unlock()

	if h.store != nil {
		if err := h.store.DeleteObject(ctx, id, seq); err != nil {
			return err
		}
	}
	h.broadcastEvent(remote.EventRemoved, o, now)
	return nil
}

// Snapshot returns every object sorted by id.
func (h *Hub) Snapshot() []canvas.Object {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]canvas.Object, 0, len(h.objects))
	for _, o := range h.objects {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *Hub) persistUpsert(ctx context.Context, o canvas.Object) error {
	if h.store == nil {
		return nil
	}
	return h.store.UpsertObject(ctx, o)
}

// Presence.

// SetPresence writes a full presence record and pushes the roster.
func (h *Hub) SetPresence(rec remote.PresenceRecord) {
	h.mu.Lock()
	h.roster[rec.UserID] = rec
	h.mu.Unlock()
	h.broadcastRoster()
}

// UpdatePresence applies a partial presence write and pushes the roster.
func (h *Hub) UpdatePresence(userID string, upd remote.PresenceUpdate) error {
	h.mu.Lock()
	rec, ok := h.roster[userID]
	if !ok {
		h.mu.Unlock()
		return remote.NewNotFoundError("presence.update", userID)
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
	h.roster[userID] = rec
	h.mu.Unlock()
	h.broadcastRoster()
	return nil
}

// RemovePresence deletes a record and pushes the roster.
func (h *Hub) RemovePresence(userID string) {
	h.mu.Lock()
	delete(h.roster, userID)
	h.mu.Unlock()
	h.broadcastRoster()
}

// RosterSnapshot returns all presence records sorted by user id.
func (h *Hub) RosterSnapshot() []remote.PresenceRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rosterLocked()
}

func (h *Hub) rosterLocked() []remote.PresenceRecord {
	out := make([]remote.PresenceRecord, 0, len(h.roster))
	for _, rec := range h.roster {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Client registry.

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// unregister drops the client and applies its armed disconnect action.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	action := c.armedAction()
	var changed bool
	switch action {
	case wire.ActionRemove:
		if _, ok := h.roster[c.userID]; ok {
			delete(h.roster, c.userID)
			changed = true
		}
	case wire.ActionMarkOffline:
		if rec, ok := h.roster[c.userID]; ok {
			rec.Online = false
			rec.LastSeen = h.clock.Now()
			h.roster[c.userID] = rec
			changed = true
		}
	}
	h.mu.Unlock()

	if changed {
		h.logger.Info("disconnect action applied", "user", c.userID, "action", action)
		h.broadcastRoster()
	}
}

func (h *Hub) broadcastEvent(kind remote.EventKind, o canvas.Object, at time.Time) {
	msg := wire.ServerMessage{
		Type: wire.TypeEvent,
		Event: &wire.EventPayload{
			Kind:       kind.String(),
			Object:     o,
			ServerTime: at,
			Seq:        o.Seq,
		},
	}
	h.broadcast(msg)
}

func (h *Hub) broadcastRoster() {
	h.mu.Lock()
	msg := wire.ServerMessage{Type: wire.TypeRosterResult, Records: h.rosterLocked()}
	h.mu.Unlock()
	h.broadcast(msg)
}

func (h *Hub) broadcast(msg wire.ServerMessage) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.trySend(msg)
	}
}
