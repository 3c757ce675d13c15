// Package protocol defines the wire messages of spec §6: the
// client→server message shapes the Connection Handler inspects, and
// the server→client messages it emits.
package protocol

import (
	"encoding/json"
	"errors"

	"github.com/keniprimo/roomrelay/internal/room"
	"github.com/keniprimo/roomrelay/internal/session"
)

// ErrInvalidJSON is returned by ParseInbound when the frame is not a
// JSON object or carries no "type" field, matching spec §4.3 step 2.
var ErrInvalidJSON = errors.New("protocol: invalid JSON")

// Inbound is a parsed client→server message. Raw retains the original
// bytes so draw and other non-join events can be archived and
// relayed verbatim (spec §4.3, §9's stance on unattributed relays).
type Inbound struct {
	Type   string
	RoomID string
	X, Y   int
	Color  string
	HasXY  bool
	HasColor bool
	Raw    room.Event
}

type inboundWire struct {
	Type   string   `json:"type"`
	RoomID string   `json:"roomId"`
	X      *float64 `json:"x"`
	Y      *float64 `json:"y"`
	Color  *string  `json:"color"`
}

// ParseInbound parses a raw frame. It never partially applies a
// message: either the whole thing decodes or ErrInvalidJSON is
// returned and the Connection Handler must not transition state.
func ParseInbound(data []byte) (*Inbound, error) {
	var w inboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, ErrInvalidJSON
	}
	if w.Type == "" {
		return nil, ErrInvalidJSON
	}

	in := &Inbound{
		Type:   w.Type,
		RoomID: w.RoomID,
		Raw:    append(room.Event(nil), data...),
	}
	if w.X != nil && w.Y != nil {
		in.HasXY = true
		in.X = int(*w.X)
		in.Y = int(*w.Y)
	}
	if w.Color != nil {
		in.HasColor = true
		in.Color = *w.Color
	}
	return in, nil
}

// Welcome builds the welcome message sent immediately after a
// connection is admitted (spec §6).
func Welcome(clientID string, state session.State) room.Event {
	return mustMarshal(struct {
		Type     string `json:"type"`
		ClientID string `json:"clientId"`
		State    struct {
			X     int    `json:"x"`
			Y     int    `json:"y"`
			Color string `json:"color"`
		} `json:"state"`
	}{
		Type:     "welcome",
		ClientID: clientID,
		State: struct {
			X     int    `json:"x"`
			Y     int    `json:"y"`
			Color string `json:"color"`
		}{X: state.X, Y: state.Y, Color: state.Color},
	})
}

// RoomHistory builds the roomHistory message sent to a joiner (spec
// §6). history entries are embedded verbatim via json.RawMessage.
func RoomHistory(roomID string, history []room.Event) room.Event {
	if history == nil {
		history = []room.Event{}
	}
	return mustMarshal(struct {
		Type    string      `json:"type"`
		RoomID  string      `json:"roomId"`
		History []room.Event `json:"history"`
	}{
		Type:    "roomHistory",
		RoomID:  roomID,
		History: history,
	})
}

// RoomUserCount builds the roomUserCount message broadcast whenever
// membership changes (spec §6).
func RoomUserCount(roomID string, count int) room.Event {
	return mustMarshal(struct {
		Type   string `json:"type"`
		RoomID string `json:"roomId"`
		Count  int    `json:"count"`
	}{
		Type:   "roomUserCount",
		RoomID: roomID,
		Count:  count,
	})
}

// ErrorMessage builds the reply to a malformed frame (spec §6, §4.3
// step 2).
func ErrorMessage(message string) room.Event {
	return mustMarshal(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{
		Type:    "error",
		Message: message,
	})
}

func mustMarshal(v interface{}) room.Event {
	data, err := json.Marshal(v)
	if err != nil {
		// Every constructor above is a struct literal with no cyclic or
		// unmarshalable fields; a marshal failure here is a programming
		// error, not a runtime condition to recover from.
		panic("protocol: marshal failed: " + err.Error())
	}
	return data
}
