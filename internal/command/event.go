package command

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/avask/conclave/internal/domain"
)

var ErrUnknownEvent = errors.New("unknown event name")

type EventName string

const (
	EventRoomJoined       EventName = "room-joined"
	EventUserJoined       EventName = "user-joined"
	EventUserDisconnected EventName = "user-disconnected"
	EventUpdateRoomUsers  EventName = "update-room-users"
	EventEnvironmentReady EventName = "environment-ready"
	EventRoomError        EventName = "room-error"
	EventSFUAnswer        EventName = "sfu-answer"
)

func (e EventName) valid() bool {
	switch e {
	case EventRoomJoined, EventUserJoined, EventUserDisconnected,
		EventUpdateRoomUsers, EventEnvironmentReady, EventRoomError,
		EventSFUAnswer:
		return true
	}
	return false
}

// Event is a best-effort fan-out notification. Consumers must tolerate
// duplicates and missed events; update-room-users carries the full
// participant snapshot so a consumer can always re-sync from it.
type Event struct {
	Event   EventName       `json:"event"`
	Room    domain.RoomID   `json:"room"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if !e.Event.valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Event)
	}
	return e, nil
}

// NewEvent marshals payload and wraps it in an envelope. A payload that
// cannot marshal is a programming error surfaced to the caller.
func NewEvent(name EventName, room domain.RoomID, payload any) (Event, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("encode event payload: %w", err)
		}
		raw = b
	}
	return Event{Event: name, Room: room, Payload: raw}, nil
}

// Feedback is the signaling tier's delivery acknowledgement for events
// that target a specific socket (sfu_feedback topic).
type Feedback struct {
	Event    EventName           `json:"event"`
	RoomID   domain.RoomID       `json:"roomId"`
	SocketID domain.ConnectionID `json:"socketId"`
}

func (f Feedback) Encode() ([]byte, error) {
	return json.Marshal(f)
}

func DecodeFeedback(data []byte) (Feedback, error) {
	var f Feedback
	if err := json.Unmarshal(data, &f); err != nil {
		return Feedback{}, fmt.Errorf("decode feedback: %w", err)
	}
	return f, nil
}
