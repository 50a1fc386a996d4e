// Package ws implements the remote store contracts over a websocket
// connection to a relay. Writes are request/response frames correlated by
// request id; change events and roster pushes arrive on the same socket.
//
// The client reconnects on its own with exponential backoff and reports
// transitions through the Connectivity subscription, which is what drives
// the sync engine's snapshot catch-up and the presence tracker's re-arming.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roach88/slate/internal/canvas"
	"github.com/roach88/slate/internal/remote"
	"github.com/roach88/slate/internal/wire"
)

const (
	dialTimeout    = 10 * time.Second
	requestTimeout = 15 * time.Second
)

// Client is a websocket-backed remote store for one user.
type Client struct {
	url    string
	userID string
	logger *slog.Logger

	retryBase time.Duration
	retryMax  time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	online   bool
	closed   bool
	pending  map[string]chan wire.ServerMessage
	handlers map[int]remote.Handler
	nextSub  int
	connSubs map[int]func(bool)
	nextConn int

	done chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRetry overrides the reconnect backoff bounds.
func WithRetry(base, max time.Duration) Option {
	return func(c *Client) {
		c.retryBase = base
		c.retryMax = max
	}
}

// Dial connects to the relay at rawURL (ws://host/ws) as userID and starts
// the read and reconnect loops.
func Dial(ctx context.Context, rawURL, userID string, opts ...Option) (*Client, error) {
	c := &Client{
		url:       rawURL + "?user=" + userID,
		userID:    userID,
		logger:    slog.Default(),
		retryBase: time.Second,
		retryMax:  30 * time.Second,
		pending:   make(map[string]chan wire.ServerMessage),
		handlers:  make(map[int]remote.Handler),
		connSubs:  make(map[int]func(bool)),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", rawURL, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.online = true
	c.mu.Unlock()

	go c.run(conn)
	return c, nil
}

// Close shuts the client down. Pending requests fail with transport errors.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.failPendingLocked()
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	return conn, err
}

// run reads frames until the connection fails, then reconnects with
// exponential backoff until Close.
func (c *Client) run(conn *websocket.Conn) {
	for {
		c.readLoop(conn)

		select {
		case <-c.done:
			return
		default:
		}

		c.setOnline(false)

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = c.retryBase
		bo.MaxInterval = c.retryMax
		bo.MaxElapsedTime = 0 // retry forever

		for {
			delay := bo.NextBackOff()
			c.logger.Info("reconnecting", "delay", delay)
			select {
			case <-c.done:
				return
			case <-time.After(delay):
			}

			next, err := c.dial(context.Background())
			if err != nil {
				c.logger.Warn("reconnect failed", "error", err)
				continue
			}
			c.mu.Lock()
			c.conn = next
			c.mu.Unlock()
			conn = next
			c.setOnline(true)
			break
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		var msg wire.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.failPendingLocked()
			c.mu.Unlock()
			if !closed {
				c.logger.Warn("connection lost", "error", err)
			}
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg wire.ServerMessage) {
	if msg.ReqID != "" {
		c.mu.Lock()
		ch, ok := c.pending[msg.ReqID]
		if ok {
			delete(c.pending, msg.ReqID)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
		return
	}

	if msg.Type == wire.TypeEvent && msg.Event != nil {
		ev := remote.Event{
			Kind:       kindFromWire(msg.Event.Kind),
			Object:     msg.Event.Object,
			ServerTime: msg.Event.ServerTime,
			Seq:        msg.Event.Seq,
		}
		c.mu.Lock()
		handlers := make([]remote.Handler, 0, len(c.handlers))
		for _, h := range c.handlers {
			handlers = append(handlers, h)
		}
		c.mu.Unlock()
		for _, h := range handlers {
			h(ev)
		}
	}
}

func (c *Client) failPendingLocked() {
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- wire.ServerMessage{
			Type:  wire.TypeAck,
			ReqID: id,
			Error: &wire.WireError{Code: string(remote.CodeTransport), Message: "connection lost"},
		}
	}
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	subs := make([]func(bool), 0, len(c.connSubs))
	for _, fn := range c.connSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// request sends a correlated frame and waits for its ack.
func (c *Client) request(ctx context.Context, msg wire.ClientMessage) (wire.ServerMessage, error) {
	msg.ReqID = uuid.NewString()
	ch := make(chan wire.ServerMessage, 1)

	c.mu.Lock()
	if c.closed || !c.online || c.conn == nil {
		c.mu.Unlock()
		return wire.ServerMessage{}, remote.NewTransportError(msg.Type, msg.ID, errNotConnected)
	}
	c.pending[msg.ReqID] = ch
	conn := c.conn
	c.mu.Unlock()

	if err := conn.WriteJSON(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, msg.ReqID)
		c.mu.Unlock()
		return wire.ServerMessage{}, remote.NewTransportError(msg.Type, msg.ID, err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return wire.ServerMessage{}, errorFromWire(msg.Type, msg.ID, resp.Error)
		}
		return resp, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, msg.ReqID)
		c.mu.Unlock()
		return wire.ServerMessage{}, remote.NewTransportError(msg.Type, msg.ID, errTimeout)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, msg.ReqID)
		c.mu.Unlock()
		return wire.ServerMessage{}, remote.NewTransportError(msg.Type, msg.ID, ctx.Err())
	}
}

var (
	errNotConnected = fmt.Errorf("not connected")
	errTimeout      = fmt.Errorf("request timed out")
)

func kindFromWire(kind string) remote.EventKind {
	switch kind {
	case "added":
		return remote.EventAdded
	case "modified":
		return remote.EventModified
	case "removed":
		return remote.EventRemoved
	default:
		return 0
	}
}

func errorFromWire(op, id string, we *wire.WireError) error {
	switch remote.ErrorCode(we.Code) {
	case remote.CodeNotFound:
		return remote.NewNotFoundError(op, id)
	case remote.CodePermission:
		return remote.NewPermissionError(op, id, fmt.Errorf("%s", we.Message))
	case remote.CodeTransport:
		return remote.NewTransportError(op, id, fmt.Errorf("%s", we.Message))
	default:
		return fmt.Errorf("ws: %s %s: %s", op, id, we.Message)
	}
}

// Collection contract.

// Create inserts the object and returns the server-stamped value.
func (c *Client) Create(ctx context.Context, o canvas.Object) (canvas.Object, error) {
	resp, err := c.request(ctx, wire.ClientMessage{Type: wire.TypeCreate, Object: &o})
	if err != nil {
		return canvas.Object{}, err
	}
	if resp.Object == nil {
		return canvas.Object{}, fmt.Errorf("ws: create %s: ack missing object", o.ID)
	}
	return *resp.Object, nil
}

// Update applies a partial write to the object.
func (c *Client) Update(ctx context.Context, id string, p canvas.Patch) error {
	_, err := c.request(ctx, wire.ClientMessage{
		Type:  wire.TypeUpdate,
		ID:    id,
		Patch: wire.PatchToWire(p),
	})
	return err
}

// Delete removes the object.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.request(ctx, wire.ClientMessage{Type: wire.TypeDelete, ID: id})
	return err
}

// ListAll fetches a full board snapshot.
func (c *Client) ListAll(ctx context.Context) ([]canvas.Object, error) {
	resp, err := c.request(ctx, wire.ClientMessage{Type: wire.TypeList})
	if err != nil {
		return nil, err
	}
	return resp.Objects, nil
}

// Subscribe registers a change handler.
func (c *Client) Subscribe(h remote.Handler) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.handlers[id] = h
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Liveness contract.

// Set writes the full presence record.
func (c *Client) Set(ctx context.Context, rec remote.PresenceRecord) error {
	_, err := c.request(ctx, wire.ClientMessage{Type: wire.TypePresenceSet, Record: &rec})
	return err
}

// UpdatePresence applies a partial presence write.
func (c *Client) UpdatePresence(ctx context.Context, userID string, upd remote.PresenceUpdate) error {
	_, err := c.request(ctx, wire.ClientMessage{
		Type:     wire.TypePresenceUpdate,
		UserID:   userID,
		Cursor:   upd.Cursor,
		Online:   upd.Online,
		LastSeen: upd.LastSeen,
	})
	return err
}

// Remove deletes the presence record.
func (c *Client) Remove(ctx context.Context, userID string) error {
	_, err := c.request(ctx, wire.ClientMessage{Type: wire.TypePresenceRemove, UserID: userID})
	return err
}

// Roster fetches all presence records.
func (c *Client) Roster(ctx context.Context) ([]remote.PresenceRecord, error) {
	resp, err := c.request(ctx, wire.ClientMessage{Type: wire.TypeRoster})
	if err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// OnDisconnect arms a server-side cleanup action for the user's record. The
// relay applies it when this connection drops, so it fires even when the
// client dies without warning.
func (c *Client) OnDisconnect(userID string, action remote.DisconnectAction) (cancel func()) {
	wireAction := wire.ActionMarkOffline
	if action == remote.DisconnectRemove {
		wireAction = wire.ActionRemove
	}
	ctx, cancelReq := context.WithTimeout(context.Background(), requestTimeout)
	defer cancelReq()
	if _, err := c.request(ctx, wire.ClientMessage{Type: wire.TypePresenceArm, UserID: userID, Action: wireAction}); err != nil {
		c.logger.Warn("arming disconnect action failed", "user", userID, "error", err)
	}

	return func() {
		ctx, cancelReq := context.WithTimeout(context.Background(), requestTimeout)
		defer cancelReq()
		if _, err := c.request(ctx, wire.ClientMessage{Type: wire.TypePresenceDisarm, UserID: userID}); err != nil {
			c.logger.Warn("disarming disconnect action failed", "user", userID, "error", err)
		}
	}
}

// Connectivity subscribes to connection transitions.
func (c *Client) Connectivity(fn func(online bool)) (cancel func()) {
	c.mu.Lock()
	id := c.nextConn
	c.nextConn++
	c.connSubs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.connSubs, id)
		c.mu.Unlock()
	}
}

// The Collection and Liveness contracts both name a method Update with
// different shapes, so the client exposes each contract through a facet.

type collectionFacet struct{ c *Client }

func (f collectionFacet) Create(ctx context.Context, o canvas.Object) (canvas.Object, error) {
	return f.c.Create(ctx, o)
}
func (f collectionFacet) Update(ctx context.Context, id string, p canvas.Patch) error {
	return f.c.Update(ctx, id, p)
}
func (f collectionFacet) Delete(ctx context.Context, id string) error { return f.c.Delete(ctx, id) }
func (f collectionFacet) ListAll(ctx context.Context) ([]canvas.Object, error) {
	return f.c.ListAll(ctx)
}
func (f collectionFacet) Subscribe(h remote.Handler) (cancel func()) { return f.c.Subscribe(h) }

type livenessFacet struct{ c *Client }

func (f livenessFacet) Set(ctx context.Context, rec remote.PresenceRecord) error {
	return f.c.Set(ctx, rec)
}
func (f livenessFacet) Update(ctx context.Context, userID string, upd remote.PresenceUpdate) error {
	return f.c.UpdatePresence(ctx, userID, upd)
}
func (f livenessFacet) Remove(ctx context.Context, userID string) error {
	return f.c.Remove(ctx, userID)
}
func (f livenessFacet) Roster(ctx context.Context) ([]remote.PresenceRecord, error) {
	return f.c.Roster(ctx)
}
func (f livenessFacet) OnDisconnect(userID string, action remote.DisconnectAction) (cancel func()) {
	return f.c.OnDisconnect(userID, action)
}
func (f livenessFacet) Connectivity(fn func(online bool)) (cancel func()) {
	return f.c.Connectivity(fn)
}

// Collection returns the object-store facet of this connection.
func (c *Client) Collection() remote.Collection { return collectionFacet{c} }

// Liveness returns the presence facet of this connection.
func (c *Client) Liveness() remote.Liveness { return livenessFacet{c} }
