// Package command defines the wire contract between the signaling and
// media tiers: intent commands travelling on the bus and the feedback
// events flowing back. The command set is a closed tagged union; a
// payload with an unrecognized tag fails to decode and is dropped by
// the consumer.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/avask/conclave/internal/domain"
)

var (
	ErrUnknownType = errors.New("unknown command type")
	ErrMissingRoom = errors.New("command missing roomId")
)

type Type string

const (
	TypeJoinRoom         Type = "joinRoom"
	TypeLeave            Type = "leave"
	TypeEnvironmentReady Type = "environmentReady"
	TypeStartSession     Type = "startSession"
	TypeOffer            Type = "offer"
	TypeCandidate        Type = "candidate"
)

func (t Type) valid() bool {
	switch t {
	case TypeJoinRoom, TypeLeave, TypeEnvironmentReady, TypeStartSession,
		TypeOffer, TypeCandidate:
		return true
	}
	return false
}

// Command is a fact about intent. Delivery is at-least-once; consumers
// must treat every command as possibly duplicated. Within one room's
// partition (bus key = roomId) ordering is preserved.
type Command struct {
	Type        Type                `json:"type"`
	RoomID      domain.RoomID       `json:"roomId"`
	Participant *domain.Participant `json:"participant,omitempty"`
	SocketID    domain.ConnectionID `json:"socketId,omitempty"`
	// SDP carries the offer for TypeOffer; Candidate carries the raw
	// ICE candidate for TypeCandidate (decoded by the media engine).
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Seq       uint64          `json:"seq"`
	Timestamp int64           `json:"ts"`
}

func (c Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// Decode rejects payloads outside the closed command set at the boundary.
func Decode(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if !c.Type.valid() {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownType, c.Type)
	}
	if c.RoomID == "" {
		return Command{}, ErrMissingRoom
	}
	return c, nil
}

// Sequencer hands out the per-producer monotonic sequence numbers
// carried by commands.
type Sequencer struct {
	n atomic.Uint64
}

func (s *Sequencer) Next() uint64 { return s.n.Add(1) }

// New stamps a command with the producer sequence and emission time.
func New(t Type, roomID domain.RoomID, seq *Sequencer) Command {
	return Command{
		Type:      t,
		RoomID:    roomID,
		Seq:       seq.Next(),
		Timestamp: time.Now().UnixMilli(),
	}
}
