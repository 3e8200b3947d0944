// Package state holds the authoritative in-memory room/participant map
// for one tier. Each tier keeps its own Store; the two are reconciled
// through bus events and never shared. All operations are idempotent:
// participants are matched by their stable ParticipantID, never by the
// ephemeral connection id.
package state

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avask/conclave/internal/domain"
)

type Store struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]map[domain.ParticipantID]*domain.Participant
}

func NewStore() *Store {
	return &Store{rooms: make(map[domain.RoomID]map[domain.ParticipantID]*domain.Participant)}
}

// UpsertParticipant adds the participant to the room, creating the room
// on first reference. An already-present participant (same stable id)
// has its mutable fields updated in place and keeps its session state;
// this is what makes duplicate joinRoom deliveries harmless. Returns
// whether the participant was newly added.
func (s *Store) UpsertParticipant(roomID domain.RoomID, p domain.Participant) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.rooms[roomID]
	if room == nil {
		room = make(map[domain.ParticipantID]*domain.Participant)
		s.rooms[roomID] = room
		log.Info().Str("module", "state").Str("room", string(roomID)).Msg("room created")
	}
	if cur, ok := room[p.ID]; ok {
		cur.DisplayName = p.DisplayName
		cur.AuthClaims = p.AuthClaims
		cur.SocketID = p.SocketID
		return false
	}
	cp := p
	if cp.State == "" {
		cp.State = domain.StateConnected
	}
	room[p.ID] = &cp
	log.Info().Str("module", "state").Str("room", string(roomID)).Str("participant", string(p.ID)).Msg("participant added")
	return true
}

// RemoveParticipant is the Left transition: terminal, idempotent.
// Removing an absent participant is a no-op returning false. Emptying a
// room deletes it in the same critical section (zero grace window).
func (s *Store) RemoveParticipant(roomID domain.RoomID, id domain.ParticipantID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := room[id]; !ok {
		return false
	}
	delete(room, id)
	log.Info().Str("module", "state").Str("room", string(roomID)).Str("participant", string(id)).Msg("participant removed")
	if len(room) == 0 {
		delete(s.rooms, roomID)
		log.Info().Str("module", "state").Str("room", string(roomID)).Msg("room deleted")
	}
	return true
}

// RemoveBySocket removes whichever participant currently carries the
// given connection id. Used for disconnect cleanup where only the
// socket is known. Returns the removed participant's id.
func (s *Store) RemoveBySocket(roomID domain.RoomID, socketID domain.ConnectionID) (domain.ParticipantID, bool) {
	s.mu.RLock()
	var found domain.ParticipantID
	ok := false
	for id, p := range s.rooms[roomID] {
		if p.SocketID == socketID {
			found, ok = id, true
			break
		}
	}
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	return found, s.RemoveParticipant(roomID, found)
}

// EvictElsewhere removes the participant from every room except
// roomID, so one identity is a member of at most one room at any
// instant. Emptied rooms are deleted. Returns the rooms the
// participant was evicted from.
func (s *Store) EvictElsewhere(roomID domain.RoomID, id domain.ParticipantID) []domain.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []domain.RoomID
	for rid, room := range s.rooms {
		if rid == roomID {
			continue
		}
		if _, ok := room[id]; !ok {
			continue
		}
		delete(room, id)
		evicted = append(evicted, rid)
		log.Info().Str("module", "state").Str("room", string(rid)).Str("participant", string(id)).Msg("participant evicted from prior room")
		if len(room) == 0 {
			delete(s.rooms, rid)
			log.Info().Str("module", "state").Str("room", string(rid)).Msg("room deleted")
		}
	}
	return evicted
}

// MarkReady is the Connected -> EnvironmentReady transition.
// Re-delivery is a no-op; the return value reports whether anything
// changed.
func (s *Store) MarkReady(roomID domain.RoomID, id domain.ParticipantID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rooms[roomID][id]
	if !ok || p.EnvironmentReady {
		return false
	}
	p.EnvironmentReady = true
	if p.State == domain.StateConnected {
		p.State = domain.StateEnvironmentReady
	}
	return true
}

// StartSession transitions every participant to Active iff all current
// participants are EnvironmentReady (readiness is room-wide). A room
// with any participant not yet ready is left untouched and false is
// returned; redelivery on an already-started room is a no-op returning
// true. A participant who joins after the room started stays Connected.
func (s *Store) StartSession(roomID domain.RoomID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok || len(room) == 0 {
		return false
	}
	for _, p := range room {
		if !p.EnvironmentReady {
			return false
		}
	}
	for _, p := range room {
		p.State = domain.StateActive
	}
	return true
}

// Participants returns a copy of the room's participant set; order is
// not meaningful. Readers never see the mutable map (snapshot rule).
func (s *Store) Participants(roomID domain.RoomID) []domain.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room := s.rooms[roomID]
	out := make([]domain.Participant, 0, len(room))
	for _, p := range room {
		out = append(out, *p)
	}
	return out
}

func (s *Store) Participant(roomID domain.RoomID, id domain.ParticipantID) (domain.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.rooms[roomID][id]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

func (s *Store) RoomExists(roomID domain.RoomID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

func (s *Store) Rooms() []domain.RoomID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.RoomID, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	return out
}

// ReplaceRoom overwrites the room's participant set with a snapshot,
// used by the signaling tier when reconciling from update-room-users.
// An empty snapshot deletes the room.
func (s *Store) ReplaceRoom(roomID domain.RoomID, participants []domain.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(participants) == 0 {
		delete(s.rooms, roomID)
		return
	}
	room := make(map[domain.ParticipantID]*domain.Participant, len(participants))
	for _, p := range participants {
		cp := p
		room[p.ID] = &cp
	}
	s.rooms[roomID] = room
}
