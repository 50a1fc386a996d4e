// Package wire defines the websocket message protocol between board clients
// and the relay. Both sides marshal these frames with encoding/json.
package wire

import (
	"time"

	"github.com/roach88/slate/internal/canvas"
	"github.com/roach88/slate/internal/remote"
)

// Client frame types.
const (
	TypeCreate         = "create"
	TypeUpdate         = "update"
	TypeDelete         = "delete"
	TypeList           = "list"
	TypePresenceSet    = "presence_set"
	TypePresenceUpdate = "presence_update"
	TypePresenceRemove = "presence_remove"
	TypeRoster         = "roster"
	TypePresenceArm    = "presence_arm"
	TypePresenceDisarm = "presence_disarm"
)

// Server frame types.
const (
	TypeAck          = "ack"
	TypeEvent        = "event"
	TypeSnapshot     = "snapshot"
	TypeRosterResult = "roster_result"
)

// Disconnect actions on the wire.
const (
	ActionRemove      = "remove"
	ActionMarkOffline = "mark_offline"
)

// ClientMessage is a frame from a board client to the relay. ReqID
// correlates the relay's ack; frames without a ReqID are fire-and-forget.
type ClientMessage struct {
	Type   string         `json:"type"`
	ReqID  string         `json:"reqId,omitempty"`
	ID     string         `json:"id,omitempty"`
	Object *canvas.Object `json:"object,omitempty"`
	Patch  map[string]any `json:"patch,omitempty"`

	Record   *remote.PresenceRecord `json:"record,omitempty"`
	UserID   string                 `json:"userId,omitempty"`
	Cursor   *remote.Cursor         `json:"cursor,omitempty"`
	Online   *bool                  `json:"online,omitempty"`
	LastSeen *time.Time             `json:"lastSeen,omitempty"`
	Action   string                 `json:"action,omitempty"`
}

// WireError carries a classified failure inside an ack.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventPayload is one change notification.
type EventPayload struct {
	Kind       string        `json:"kind"`
	Object     canvas.Object `json:"object"`
	ServerTime time.Time     `json:"serverTime"`
	Seq        int64         `json:"seq"`
}

// ServerMessage is a frame from the relay to a board client.
type ServerMessage struct {
	Type  string     `json:"type"`
	ReqID string     `json:"reqId,omitempty"`
	Error *WireError `json:"error,omitempty"`

	Object  *canvas.Object          `json:"object,omitempty"`
	Event   *EventPayload           `json:"event,omitempty"`
	Objects []canvas.Object         `json:"objects,omitempty"`
	Records []remote.PresenceRecord `json:"records,omitempty"`
}

// PatchFromWire converts a JSON-decoded patch map into a canvas patch.
func PatchFromWire(m map[string]any) canvas.Patch {
	p := make(canvas.Patch, len(m))
	for k, v := range m {
		p[canvas.Field(k)] = v
	}
	return p
}

// PatchToWire converts a canvas patch into its JSON map form.
func PatchToWire(p canvas.Patch) map[string]any {
	m := make(map[string]any, len(p))
	for f, v := range p {
		if t, ok := v.(time.Time); ok {
			v = t.Format(time.RFC3339Nano)
		}
		m[string(f)] = v
	}
	return m
}
