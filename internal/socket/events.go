package socket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nhle/tutornotify/internal/model"
)

// Kind names an event. Notification kinds double as wire event names.
type Kind string

const (
	KindConnected           Kind = "connect"
	KindDisconnected        Kind = "disconnect"
	KindError               Kind = "error"
	KindReconnectFailed     Kind = "reconnect_failed"
	KindNotificationNew     Kind = "notification:new"
	KindNotificationUpdated Kind = "notification:updated"
	KindNotificationDeleted Kind = "notification:deleted"
	KindNotificationRead    Kind = "notification:read"
)

// Outbound hint names.
const (
	outMarkRead    = "notification:mark_read"
	outMarkAllRead = "notification:mark_all_read"
	outDelete      = "notification:delete"
)

// Event is one of the closed set of events a Client dispatches.
type Event interface {
	Kind() Kind
	isEvent()
}

// Connected is emitted after every successful (re)connect.
type Connected struct{}

// Disconnected is emitted when a live or pending connection ends.
// Manual is true when the drop came from Disconnect or Close.
type Disconnected struct {
	Err    error
	Manual bool
}

// Error reports a transport or dial failure.
type Error struct {
	Err error
}

// ReconnectFailed is emitted once when the reconnect budget is spent.
type ReconnectFailed struct {
	Attempts int
}

// NotificationNew carries a notification pushed by the server.
type NotificationNew struct {
	Notification model.Notification
}

// NotificationUpdated carries a changed notification.
type NotificationUpdated struct {
	Notification model.Notification
}

// NotificationDeleted names a notification removed on the server.
type NotificationDeleted struct {
	ID string
}

// NotificationRead reports a read confirmed on the server, for one id
// or (All) for every notification.
type NotificationRead struct {
	ID     string
	All    bool
	ReadAt time.Time
}

func (Connected) Kind() Kind           { return KindConnected }
func (Disconnected) Kind() Kind        { return KindDisconnected }
func (Error) Kind() Kind               { return KindError }
func (ReconnectFailed) Kind() Kind     { return KindReconnectFailed }
func (NotificationNew) Kind() Kind     { return KindNotificationNew }
func (NotificationUpdated) Kind() Kind { return KindNotificationUpdated }
func (NotificationDeleted) Kind() Kind { return KindNotificationDeleted }
func (NotificationRead) Kind() Kind    { return KindNotificationRead }

func (Connected) isEvent()           {}
func (Disconnected) isEvent()        {}
func (Error) isEvent()               {}
func (ReconnectFailed) isEvent()     {}
func (NotificationNew) isEvent()     {}
func (NotificationUpdated) isEvent() {}
func (NotificationDeleted) isEvent() {}
func (NotificationRead) isEvent()    {}

// envelope is the wire frame in both directions.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type idPayload struct {
	ID string `json:"id"`
}

type readPayload struct {
	ID     string    `json:"id,omitempty"`
	All    bool      `json:"all,omitempty"`
	ReadAt time.Time `json:"readAt,omitzero"`
}

// errUnknownEvent marks frames whose event name is not understood.
type errUnknownEvent string

func (e errUnknownEvent) Error() string {
	return fmt.Sprintf("unknown event %q", string(e))
}

// decodeFrame parses one inbound frame into an Event.
func decodeFrame(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	switch Kind(env.Event) {
	case KindNotificationNew, KindNotificationUpdated:
		var n model.Notification
		if err := json.Unmarshal(env.Data, &n); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", env.Event, err)
		}
		if n.ID == "" {
			return nil, fmt.Errorf("decoding %s: missing id", env.Event)
		}
		if Kind(env.Event) == KindNotificationNew {
			return NotificationNew{Notification: n}, nil
		}
		return NotificationUpdated{Notification: n}, nil

	case KindNotificationDeleted:
		var p idPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", env.Event, err)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("decoding %s: missing id", env.Event)
		}
		return NotificationDeleted{ID: p.ID}, nil

	case KindNotificationRead:
		var p readPayload
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return nil, fmt.Errorf("decoding %s: %w", env.Event, err)
			}
		}
		if p.ID == "" && !p.All {
			return nil, fmt.Errorf("decoding %s: neither id nor all set", env.Event)
		}
		return NotificationRead{ID: p.ID, All: p.All, ReadAt: p.ReadAt}, nil
	}

	return nil, errUnknownEvent(env.Event)
}
