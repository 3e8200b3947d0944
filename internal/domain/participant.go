// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxDisplayNameLen = 36

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
)

type (
	// ParticipantID is stable across reconnects within a session.
	ParticipantID string
	// ConnectionID is the ephemeral signaling connection id; it changes
	// on every reconnect and is only a weak back-reference for relay routing.
	ConnectionID string
)

type ParticipantState string

const (
	StateConnected        ParticipantState = "connected"
	StateEnvironmentReady ParticipantState = "environmentReady"
	StateActive           ParticipantState = "active"
	StateLeft             ParticipantState = "left"
)

type Participant struct {
	ID               ParticipantID    `json:"participantId"`
	DisplayName      string           `json:"displayName"`
	AuthClaims       string           `json:"authClaims,omitempty"`
	SocketID         ConnectionID     `json:"socketId"`
	EnvironmentReady bool             `json:"environmentReady"`
	State            ParticipantState `json:"state"`
}

// NewParticipant is a tiny helper to avoid ad-hoc struct literals in adapters.
// A fresh participant always enters at StateConnected.
func NewParticipant(displayName string, socketID ConnectionID) (*Participant, error) {
	if len(displayName) == 0 {
		return nil, ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	return &Participant{
		ID:          ParticipantID(uuid.NewString()),
		DisplayName: displayName,
		SocketID:    socketID,
		State:       StateConnected,
	}, nil
}
