// Package relay forwards negotiation messages between connections in
// the same room, independent of the command bus. It is pure routing:
// no buffering, no retry, no payload inspection beyond the room key.
package relay

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avask/conclave/internal/domain"
)

// Conn is the transport endpoint the registry fans out to. Owned by the
// adapter; the adapter must Close() it.
type Conn interface {
	ID() domain.ConnectionID
	TrySend(data []byte) error
	Close()
}

type Registry struct {
	mu     sync.RWMutex
	conns  map[domain.ConnectionID]Conn
	roomOf map[domain.ConnectionID]domain.RoomID
	rooms  map[domain.RoomID]map[domain.ConnectionID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[domain.ConnectionID]Conn),
		roomOf: make(map[domain.ConnectionID]domain.RoomID),
		rooms:  make(map[domain.RoomID]map[domain.ConnectionID]struct{}),
	}
}

// Bind registers a connection. Binding alone grants nothing: a
// connection must Join a room before it can send or receive relays.
func (r *Registry) Bind(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
}

// Join places the connection in a room. Re-joining the same room is a
// no-op; joining a different room moves the connection (a connection is
// in at most one room). Returns false for unknown connections.
func (r *Registry) Join(id domain.ConnectionID, roomID domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	if cur, ok := r.roomOf[id]; ok {
		if cur == roomID {
			return true
		}
		r.leaveLocked(id, cur)
	}
	room := r.rooms[roomID]
	if room == nil {
		room = make(map[domain.ConnectionID]struct{})
		r.rooms[roomID] = room
	}
	room[id] = struct{}{}
	r.roomOf[id] = roomID
	log.Info().Str("module", "relay").Str("conn", string(id)).Str("room", string(roomID)).Msg("joined room")
	return true
}

func (r *Registry) leaveLocked(id domain.ConnectionID, roomID domain.RoomID) {
	if room, ok := r.rooms[roomID]; ok {
		delete(room, id)
		if len(room) == 0 {
			delete(r.rooms, roomID)
		}
	}
	delete(r.roomOf, id)
}

// Leave removes the connection from its room but keeps it bound.
func (r *Registry) Leave(id domain.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if roomID, ok := r.roomOf[id]; ok {
		r.leaveLocked(id, roomID)
	}
}

// Detach removes the connection entirely. It is called synchronously on
// disconnect, before any cleanup command is published, so no further
// relay delivery can reach the connection regardless of bus latency.
func (r *Registry) Detach(id domain.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if roomID, ok := r.roomOf[id]; ok {
		r.leaveLocked(id, roomID)
	}
	delete(r.conns, id)
}

// RoomOf reports the room the connection currently occupies.
func (r *Registry) RoomOf(id domain.ConnectionID) (domain.RoomID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, ok := r.roomOf[id]
	return roomID, ok
}

// Relay forwards data to every other connection joined to the sender's
// room. An unjoined sender, or a slow/closed destination, is silently
// dropped: the sending peer's own negotiation retry is responsible for
// re-sending. Returns the number of successful deliveries.
func (r *Registry) Relay(from domain.ConnectionID, data []byte) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, ok := r.roomOf[from]
	if !ok {
		return 0
	}
	sent := 0
	for id := range r.rooms[roomID] {
		if id == from {
			continue
		}
		c, ok := r.conns[id]
		if !ok {
			continue
		}
		if err := c.TrySend(data); err != nil {
			log.Debug().Str("module", "relay").Str("dst", string(id)).Msg("relay dropped")
			continue
		}
		sent++
	}
	return sent
}

// Send delivers data to one specific connection, used for events that
// target a socket rather than a room.
func (r *Registry) Send(to domain.ConnectionID, data []byte) bool {
	r.mu.RLock()
	c, ok := r.conns[to]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return c.TrySend(data) == nil
}

// Broadcast delivers data to every connection joined to roomID.
func (r *Registry) Broadcast(roomID domain.RoomID, data []byte) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sent := 0
	for id := range r.rooms[roomID] {
		if c, ok := r.conns[id]; ok {
			if err := c.TrySend(data); err == nil {
				sent++
			}
		}
	}
	return sent
}

// Members returns the connections currently joined to roomID.
func (r *Registry) Members(roomID domain.RoomID) []domain.ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ConnectionID, 0, len(r.rooms[roomID]))
	for id := range r.rooms[roomID] {
		out = append(out, id)
	}
	return out
}
