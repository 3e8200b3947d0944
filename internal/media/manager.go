// Package media owns the media tier's per-room routing context and
// per-participant transports. Room lifecycle is Absent -> RoutingReady
// -> Destroyed; creation is idempotent per roomId and per (roomId,
// participantId), which together with the bus dispatcher's single
// writer per room makes duplicate joinRoom deliveries harmless.
package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avask/conclave/internal/domain"
)

// Engine is the media-engine collaborator. The routing context it
// returns is opaque to the coordination core.
type Engine interface {
	CreateRouter(ctx context.Context, roomID domain.RoomID) (Router, error)
}

// Router is a per-room routing context owning participant transports.
type Router interface {
	CreateTransport(participantID domain.ParticipantID) (Transport, error)
	Close() error
}

// Transport is a per-participant media connection resource. Its
// lifetime is bounded by the participant's membership in the room.
type Transport interface {
	Close() error
}

// Negotiator is the optional negotiation side of a Transport: applying
// a client offer and feeding remote ICE candidates. Candidates travel
// as raw JSON so the coordination core stays engine-agnostic.
type Negotiator interface {
	Answer(ctx context.Context, offerSDP string) (string, error)
	AddRemoteCandidate(candidate []byte) error
}

type roomMedia struct {
	router     Router
	transports map[domain.ParticipantID]Transport
}

type Manager struct {
	engine Engine

	// All mutation happens on the room's single bus-dispatch worker;
	// the mutex only protects snapshot readers (metrics, tests).
	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomMedia
}

func NewManager(engine Engine) *Manager {
	return &Manager{
		engine: engine,
		rooms:  make(map[domain.RoomID]*roomMedia),
	}
}

// EnsureTransport lazily creates the room's routing context on first
// reference, then the participant's transport, each at most once.
// Duplicate calls find the existing resources and return without side
// effects. A creation failure leaves no partial room behind and is NOT
// retried here; the caller surfaces it as a feedback event.
func (m *Manager) EnsureTransport(ctx context.Context, roomID domain.RoomID, pid domain.ParticipantID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.rooms[roomID]
	if !ok {
		router, err := m.engine.CreateRouter(ctx, roomID)
		if err != nil {
			return fmt.Errorf("create routing context for %s: %w", roomID, err)
		}
		rm = &roomMedia{
			router:     router,
			transports: make(map[domain.ParticipantID]Transport),
		}
		m.rooms[roomID] = rm
		log.Info().Str("module", "media").Str("room", string(roomID)).Msg("routing context created")
	}

	if _, ok := rm.transports[pid]; ok {
		return nil
	}
	tr, err := rm.router.CreateTransport(pid)
	if err != nil {
		// Room stays RoutingReady; only this participant's join failed.
		return fmt.Errorf("create transport for %s/%s: %w", roomID, pid, err)
	}
	rm.transports[pid] = tr
	log.Info().Str("module", "media").Str("room", string(roomID)).Str("participant", string(pid)).Msg("transport created")
	return nil
}

// Negotiate applies the participant's offer against their transport
// and returns the answer SDP. The transport ref is captured under the
// read lock but the (slow, ICE-gathering) answer runs outside it.
func (m *Manager) Negotiate(ctx context.Context, roomID domain.RoomID, pid domain.ParticipantID, offerSDP string) (string, error) {
	neg, err := m.negotiator(roomID, pid)
	if err != nil {
		return "", err
	}
	answer, err := neg.Answer(ctx, offerSDP)
	if err != nil {
		return "", fmt.Errorf("answer offer for %s/%s: %w", roomID, pid, err)
	}
	return answer, nil
}

// AddCandidate feeds one remote ICE candidate to the transport.
func (m *Manager) AddCandidate(roomID domain.RoomID, pid domain.ParticipantID, candidate []byte) error {
	neg, err := m.negotiator(roomID, pid)
	if err != nil {
		return err
	}
	if err := neg.AddRemoteCandidate(candidate); err != nil {
		return fmt.Errorf("add candidate for %s/%s: %w", roomID, pid, err)
	}
	return nil
}

func (m *Manager) negotiator(roomID domain.RoomID, pid domain.ParticipantID) (Negotiator, error) {
	m.mu.RLock()
	var tr Transport
	if rm, ok := m.rooms[roomID]; ok {
		tr = rm.transports[pid]
	}
	m.mu.RUnlock()
	if tr == nil {
		return nil, fmt.Errorf("no transport for %s/%s", roomID, pid)
	}
	neg, ok := tr.(Negotiator)
	if !ok {
		return nil, fmt.Errorf("transport for %s/%s does not negotiate", roomID, pid)
	}
	return neg, nil
}

// ReleaseTransport frees the participant's transport; releasing the
// last one tears down the routing context (RoutingReady -> Destroyed).
// Idempotent: unknown rooms or participants are a no-op. Reports
// whether the room was destroyed.
func (m *Manager) ReleaseTransport(roomID domain.RoomID, pid domain.ParticipantID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	tr, ok := rm.transports[pid]
	if ok {
		if err := tr.Close(); err != nil {
			log.Error().Err(err).Str("module", "media").Str("room", string(roomID)).Str("participant", string(pid)).Msg("transport close")
		}
		delete(rm.transports, pid)
		log.Info().Str("module", "media").Str("room", string(roomID)).Str("participant", string(pid)).Msg("transport released")
	}
	if len(rm.transports) > 0 {
		return false
	}
	if err := rm.router.Close(); err != nil {
		log.Error().Err(err).Str("module", "media").Str("room", string(roomID)).Msg("routing context close")
	}
	delete(m.rooms, roomID)
	log.Info().Str("module", "media").Str("room", string(roomID)).Msg("routing context destroyed")
	return true
}

// DestroyRoom force-releases everything for a room.
func (m *Manager) DestroyRoom(roomID domain.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm, ok := m.rooms[roomID]
	if !ok {
		return
	}
	for pid, tr := range rm.transports {
		if err := tr.Close(); err != nil {
			log.Error().Err(err).Str("module", "media").Str("room", string(roomID)).Str("participant", string(pid)).Msg("transport close")
		}
	}
	if err := rm.router.Close(); err != nil {
		log.Error().Err(err).Str("module", "media").Str("room", string(roomID)).Msg("routing context close")
	}
	delete(m.rooms, roomID)
	log.Info().Str("module", "media").Str("room", string(roomID)).Msg("routing context destroyed")
}

// HasRouter reports whether the room is in RoutingReady.
func (m *Manager) HasRouter(roomID domain.RoomID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[roomID]
	return ok
}

// TransportCount is a read-only snapshot for metrics and tests.
func (m *Manager) TransportCount(roomID domain.RoomID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rm, ok := m.rooms[roomID]
	if !ok {
		return 0
	}
	return len(rm.transports)
}

func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}
