// Package sfuserver is the media tier's coordination loop: it consumes
// commands from the bus, drives the room store and the media lifecycle
// manager, and emits feedback events for the signaling tier. All room
// mutation happens inside the bus dispatcher's per-room worker, which
// is the single-writer guarantee the idempotent-create logic relies on.
package sfuserver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avask/conclave/internal/bus"
	"github.com/avask/conclave/internal/command"
	"github.com/avask/conclave/internal/config"
	"github.com/avask/conclave/internal/domain"
	"github.com/avask/conclave/internal/media"
	"github.com/avask/conclave/internal/state"
)

var errMissingParticipant = errors.New("command missing participant payload")

type Server struct {
	bus    bus.Bus
	store  *state.Store
	media  *media.Manager
	topics config.Topics

	dispatcher *bus.Dispatcher
	subs       []bus.Subscription

	// pending tracks room-joined events awaiting a delivery ack on the
	// feedback topic, keyed by socket. Purely observational: a missed
	// ack is resolved by the next duplicate join, never by retry here.
	mu      sync.Mutex
	pending map[domain.ConnectionID]domain.RoomID
}

func New(b bus.Bus, store *state.Store, m *media.Manager, topics config.Topics) *Server {
	return &Server{
		bus:     b,
		store:   store,
		media:   m,
		topics:  topics,
		pending: make(map[domain.ConnectionID]domain.RoomID),
	}
}

// Start subscribes to the command and feedback topics. workers bounds
// the number of rooms processed concurrently.
func (s *Server) Start(workers int) error {
	s.dispatcher = bus.NewDispatcher(workers, s.route)

	sub, err := s.bus.Subscribe(s.topics.Commands, s.topics.Group, s.dispatcher.Enqueue)
	if err != nil {
		return fmt.Errorf("subscribe commands: %w", err)
	}
	s.subs = append(s.subs, sub)

	fsub, err := s.bus.Subscribe(s.topics.Feedback, s.topics.Group, s.dispatcher.Enqueue)
	if err != nil {
		return fmt.Errorf("subscribe feedback: %w", err)
	}
	s.subs = append(s.subs, fsub)

	log.Info().Str("module", "sfuserver").Str("group", s.topics.Group).Msg("command consumer running")
	return nil
}

func (s *Server) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	if s.dispatcher != nil {
		s.dispatcher.Close()
	}
}

func (s *Server) route(ctx context.Context, msg bus.Message) error {
	switch msg.Topic {
	case s.topics.Feedback:
		return s.handleFeedback(msg)
	default:
		return s.HandleCommand(ctx, msg)
	}
}

// HandleCommand processes one command delivery. Decode failures are
// returned (logged and dropped upstream); every branch is idempotent
// under redelivery.
func (s *Server) HandleCommand(ctx context.Context, msg bus.Message) error {
	cmd, err := command.Decode(msg.Data)
	if err != nil {
		return err
	}
	switch cmd.Type {
	case command.TypeJoinRoom:
		return s.handleJoin(ctx, cmd)
	case command.TypeLeave:
		return s.handleLeave(ctx, cmd)
	case command.TypeEnvironmentReady:
		return s.handleReady(ctx, cmd)
	case command.TypeStartSession:
		return s.handleStart(ctx, cmd)
	case command.TypeOffer:
		return s.handleOffer(ctx, cmd)
	case command.TypeCandidate:
		return s.handleCandidate(cmd)
	}
	return nil
}

func (s *Server) handleJoin(ctx context.Context, cmd command.Command) error {
	if cmd.Participant == nil {
		return errMissingParticipant
	}
	p := *cmd.Participant

	// One identity occupies at most one room: joining a new room
	// implicitly leaves any prior one, transports included.
	for _, prev := range s.store.EvictElsewhere(cmd.RoomID, p.ID) {
		s.media.ReleaseTransport(prev, p.ID)
		s.emit(ctx, command.EventUserDisconnected, prev, command.UserPayload{
			Participant: domain.Participant{ID: p.ID, State: domain.StateLeft},
		})
		s.emit(ctx, command.EventUpdateRoomUsers, prev, command.UsersPayload{
			Users: s.store.Participants(prev),
		})
		log.Info().
			Str("module", "sfuserver").
			Str("room", string(prev)).
			Str("participant", string(p.ID)).
			Msg("evicted from prior room on join")
	}

	added := s.store.UpsertParticipant(cmd.RoomID, p)

	if err := s.media.EnsureTransport(ctx, cmd.RoomID, p.ID); err != nil {
		// Not retried: surface a room-level failure event and undo the
		// membership so a fresh join attempt starts clean.
		s.store.RemoveParticipant(cmd.RoomID, p.ID)
		s.emit(ctx, command.EventRoomError, cmd.RoomID, command.ErrorPayload{
			Reason:   err.Error(),
			SocketID: p.SocketID,
		})
		return err
	}

	users := s.store.Participants(cmd.RoomID)
	s.emit(ctx, command.EventRoomJoined, cmd.RoomID, command.JoinedPayload{
		SocketID: p.SocketID,
		Users:    users,
	})
	s.markPending(p.SocketID, cmd.RoomID)
	if added {
		s.emit(ctx, command.EventUserJoined, cmd.RoomID, command.UserPayload{Participant: p})
		s.emit(ctx, command.EventUpdateRoomUsers, cmd.RoomID, command.UsersPayload{Users: users})
	}
	log.Info().
		Str("module", "sfuserver").
		Str("room", string(cmd.RoomID)).
		Str("participant", string(p.ID)).
		Bool("new", added).
		Msg("join handled")
	return nil
}

func (s *Server) handleLeave(ctx context.Context, cmd command.Command) error {
	var pid domain.ParticipantID
	socket := cmd.SocketID
	removed := false
	switch {
	case cmd.Participant != nil:
		pid = cmd.Participant.ID
		if cur, ok := s.store.Participant(cmd.RoomID, pid); ok && socket == "" {
			socket = cur.SocketID
		}
		removed = s.store.RemoveParticipant(cmd.RoomID, pid)
	case cmd.SocketID != "":
		pid, removed = s.store.RemoveBySocket(cmd.RoomID, cmd.SocketID)
	default:
		return errMissingParticipant
	}
	s.clearPending(socket)
	if !removed {
		return nil
	}
	s.media.ReleaseTransport(cmd.RoomID, pid)

	s.emit(ctx, command.EventUserDisconnected, cmd.RoomID, command.UserPayload{
		Participant: domain.Participant{ID: pid, SocketID: cmd.SocketID, State: domain.StateLeft},
	})
	s.emit(ctx, command.EventUpdateRoomUsers, cmd.RoomID, command.UsersPayload{
		Users: s.store.Participants(cmd.RoomID),
	})
	log.Info().
		Str("module", "sfuserver").
		Str("room", string(cmd.RoomID)).
		Str("participant", string(pid)).
		Msg("leave handled")
	return nil
}

func (s *Server) handleReady(ctx context.Context, cmd command.Command) error {
	if cmd.Participant == nil {
		return errMissingParticipant
	}
	if !s.store.MarkReady(cmd.RoomID, cmd.Participant.ID) {
		return nil
	}
	s.emit(ctx, command.EventEnvironmentReady, cmd.RoomID, command.UserPayload{Participant: *cmd.Participant})
	s.emit(ctx, command.EventUpdateRoomUsers, cmd.RoomID, command.UsersPayload{
		Users: s.store.Participants(cmd.RoomID),
	})
	return nil
}

func (s *Server) handleStart(ctx context.Context, cmd command.Command) error {
	if !s.store.StartSession(cmd.RoomID) {
		log.Debug().
			Str("module", "sfuserver").
			Str("room", string(cmd.RoomID)).
			Msg("startSession ignored, room not fully ready")
		return nil
	}
	s.emit(ctx, command.EventUpdateRoomUsers, cmd.RoomID, command.UsersPayload{
		Users: s.store.Participants(cmd.RoomID),
	})
	return nil
}

// handleOffer terminates client negotiation against the participant's
// transport. Failures go back to the socket as room-error; the command
// is not retried, the client re-offers.
func (s *Server) handleOffer(ctx context.Context, cmd command.Command) error {
	if cmd.Participant == nil {
		return errMissingParticipant
	}
	answer, err := s.media.Negotiate(ctx, cmd.RoomID, cmd.Participant.ID, cmd.SDP)
	if err != nil {
		s.emit(ctx, command.EventRoomError, cmd.RoomID, command.ErrorPayload{
			Reason:   err.Error(),
			SocketID: cmd.SocketID,
		})
		return err
	}
	s.emit(ctx, command.EventSFUAnswer, cmd.RoomID, command.AnswerPayload{
		SocketID: cmd.SocketID,
		SDP:      answer,
	})
	log.Info().
		Str("module", "sfuserver").
		Str("room", string(cmd.RoomID)).
		Str("participant", string(cmd.Participant.ID)).
		Msg("offer answered")
	return nil
}

func (s *Server) handleCandidate(cmd command.Command) error {
	if cmd.Participant == nil {
		return errMissingParticipant
	}
	return s.media.AddCandidate(cmd.RoomID, cmd.Participant.ID, cmd.Candidate)
}

func (s *Server) handleFeedback(msg bus.Message) error {
	fb, err := command.DecodeFeedback(msg.Data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.pending, fb.SocketID)
	s.mu.Unlock()
	log.Debug().
		Str("module", "sfuserver").
		Str("room", string(fb.RoomID)).
		Str("socket", string(fb.SocketID)).
		Str("event", string(fb.Event)).
		Msg("delivery acked")
	return nil
}

func (s *Server) markPending(socketID domain.ConnectionID, roomID domain.RoomID) {
	s.mu.Lock()
	s.pending[socketID] = roomID
	s.mu.Unlock()
}

// clearPending drops the socket's outstanding ack when it leaves, so
// sockets that never ack cannot accumulate entries.
func (s *Server) clearPending(socketID domain.ConnectionID) {
	if socketID == "" {
		return
	}
	s.mu.Lock()
	delete(s.pending, socketID)
	s.mu.Unlock()
}

// PendingAcks is a read-only snapshot for tests and metrics.
func (s *Server) PendingAcks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// emit publishes a best-effort event; publish failures are logged and
// dropped (transient bus errors never crash the command loop).
func (s *Server) emit(ctx context.Context, name command.EventName, roomID domain.RoomID, payload any) {
	evt, err := command.NewEvent(name, roomID, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "sfuserver").Str("event", string(name)).Msg("encode event")
		return
	}
	data, err := evt.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "sfuserver").Str("event", string(name)).Msg("encode event")
		return
	}
	if err := s.bus.Publish(ctx, s.topics.Updates, string(roomID), data); err != nil {
		log.Error().Err(err).
			Str("module", "sfuserver").
			Str("event", string(name)).
			Str("room", string(roomID)).
			Msg("publish event")
	}
}
