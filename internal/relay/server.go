package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/roach88/slate/internal/canvas"
	"github.com/roach88/slate/internal/remote"
	"github.com/roach88/slate/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The relay fronts trusted board clients only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the hub over HTTP: a websocket endpoint for board clients
// plus a snapshot and health API.
type Server struct {
	hub    *Hub
	logger *slog.Logger
}

// NewServer wraps the hub with its HTTP surface.
func NewServer(hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{hub: hub, logger: logger}
}

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/objects", s.handleObjects).Methods(http.MethodGet)
	r.HandleFunc("/api/roster", s.handleRoster).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleObjects(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.hub.Snapshot())
}

func (s *Server) handleRoster(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.hub.RosterSnapshot())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user parameter", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:    s.hub,
		conn:   conn,
		send:   make(chan wire.ServerMessage, sendBuffer),
		userID: userID,
		logger: s.logger.With("user", userID),
	}
	s.hub.register(c)
	s.logger.Info("client connected", "user", userID, "remote", r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}

// client is one websocket connection to the hub.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan wire.ServerMessage
	userID string
	logger *slog.Logger

	mu     sync.Mutex
	armed  string
	closed bool
}

func (c *client) armedAction() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// trySend queues a frame without blocking. A client that cannot keep up is
// dropped; it will reconnect and resync from a snapshot.
func (c *client) trySend(msg wire.ServerMessage) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- msg:
		c.mu.Unlock()
	default:
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		c.logger.Warn("client send buffer full, dropping connection")
	}
}

func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.closeSend()
		c.conn.Close()
		c.logger.Info("client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg wire.ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", "error", err)
			}
			return
		}
		c.handle(msg)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) handle(msg wire.ClientMessage) {
	ctx := context.Background()
	switch msg.Type {
	case wire.TypeCreate:
		if msg.Object == nil {
			c.ack(msg.ReqID, nil, errWire("INVALID", "create requires an object"))
			return
		}
		o, err := c.hub.CreateObject(ctx, c.userID, *msg.Object)
		if err != nil {
			c.ack(msg.ReqID, nil, classify(err))
			return
		}
		c.ack(msg.ReqID, &o, nil)

	case wire.TypeUpdate:
		o, err := c.hub.UpdateObject(ctx, c.userID, msg.ID, wire.PatchFromWire(msg.Patch))
		if err != nil {
			c.ack(msg.ReqID, nil, classify(err))
			return
		}
		c.ack(msg.ReqID, &o, nil)

	case wire.TypeDelete:
		if err := c.hub.DeleteObject(ctx, c.userID, msg.ID); err != nil {
			c.ack(msg.ReqID, nil, classify(err))
			return
		}
		c.ack(msg.ReqID, nil, nil)

	case wire.TypeList:
		c.trySend(wire.ServerMessage{
			Type:    wire.TypeSnapshot,
			ReqID:   msg.ReqID,
			Objects: c.hub.Snapshot(),
		})

	case wire.TypePresenceSet:
		if msg.Record != nil {
			c.hub.SetPresence(*msg.Record)
		}
		c.ack(msg.ReqID, nil, nil)

	case wire.TypePresenceUpdate:
		upd := remote.PresenceUpdate{Cursor: msg.Cursor, Online: msg.Online, LastSeen: msg.LastSeen}
		if err := c.hub.UpdatePresence(msg.UserID, upd); err != nil {
			c.ack(msg.ReqID, nil, classify(err))
			return
		}
		c.ack(msg.ReqID, nil, nil)

	case wire.TypePresenceRemove:
		c.hub.RemovePresence(msg.UserID)
		c.ack(msg.ReqID, nil, nil)

	case wire.TypeRoster:
		c.trySend(wire.ServerMessage{
			Type:    wire.TypeRosterResult,
			ReqID:   msg.ReqID,
			Records: c.hub.RosterSnapshot(),
		})

	case wire.TypePresenceArm:
		c.mu.Lock()
		c.armed = msg.Action
		c.mu.Unlock()
		c.ack(msg.ReqID, nil, nil)

	case wire.TypePresenceDisarm:
		c.mu.Lock()
		c.armed = ""
		c.mu.Unlock()
		c.ack(msg.ReqID, nil, nil)

	default:
		c.logger.Warn("unknown frame type", "type", msg.Type)
	}
}

func (c *client) ack(reqID string, o *canvas.Object, werr *wire.WireError) {
	if reqID == "" {
		return
	}
	c.trySend(wire.ServerMessage{Type: wire.TypeAck, ReqID: reqID, Object: o, Error: werr})
}

func errWire(code, message string) *wire.WireError {
	return &wire.WireError{Code: code, Message: message}
}

func classify(err error) *wire.WireError {
	switch {
	case remote.IsNotFound(err):
		return errWire(string(remote.CodeNotFound), err.Error())
	case remote.IsPermission(err):
		return errWire(string(remote.CodePermission), err.Error())
	case remote.IsTransport(err):
		return errWire(string(remote.CodeTransport), err.Error())
	default:
		return errWire("INTERNAL", err.Error())
	}
}
