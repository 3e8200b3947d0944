package command

import "github.com/avask/conclave/internal/domain"

// Event payload shapes shared by both tiers. update-room-users always
// carries the full participant snapshot so consumers can re-sync from
// it after missed events.

type JoinedPayload struct {
	SocketID domain.ConnectionID  `json:"socketId"`
	Users    []domain.Participant `json:"users"`
}

type UserPayload struct {
	Participant domain.Participant `json:"participant"`
}

type UsersPayload struct {
	Users []domain.Participant `json:"users"`
}

type ErrorPayload struct {
	Reason   string              `json:"reason"`
	SocketID domain.ConnectionID `json:"socketId,omitempty"`
}

// AnswerPayload carries the media tier's SDP answer back to the socket
// that sent the offer.
type AnswerPayload struct {
	SocketID domain.ConnectionID `json:"socketId"`
	SDP      string              `json:"sdp"`
}
