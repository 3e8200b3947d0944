package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avask/conclave/internal/bus"
	"github.com/avask/conclave/internal/command"
	"github.com/avask/conclave/internal/config"
	"github.com/avask/conclave/internal/domain"
	"github.com/avask/conclave/internal/relay"
	"github.com/avask/conclave/internal/state"
)

// AuthAPI fetches the caller's claims from the backing API. Optional;
// a nil AuthAPI means participants carry no claims.
type AuthAPI interface {
	Claims(ctx context.Context, id domain.ParticipantID) (string, error)
}

// Controller owns the websocket side of the signaling tier. Store is a
// local view reconciled from bus events; the media tier's store stays
// authoritative.
type Controller struct {
	Relay   *relay.Registry
	Store   *state.Store
	Bus     bus.Bus
	Topics  config.Topics
	Limiter *JoinRateLimiter
	Auth    AuthAPI

	seq command.Sequencer
	sub bus.Subscription
}

func NewController(b bus.Bus, store *state.Store, topics config.Topics, limiter *JoinRateLimiter) *Controller {
	return &Controller{
		Relay:   relay.NewRegistry(),
		Store:   store,
		Bus:     b,
		Topics:  topics,
		Limiter: limiter,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the connection's pumps.
// The stable participant id comes from the client token cookie; the
// connection id is fresh per websocket, so a reconnect is a new
// connection for the same participant.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := domain.ParticipantID(c.GetString("client_token"))
	log.Info().Str("module", "signaling").Str("participant", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := newWSConn(domain.ConnectionID(uuid.NewString()), ws)
	ctl.Relay.Bind(conn)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ctl.writePump(ctx, conn)
		cancel()
	}()
	go ctl.readPump(ctx, sid, conn)
}

func (ctl *Controller) handleFrame(ctx context.Context, sid domain.ParticipantID, c *wsConn, data []byte) {
	var env struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signaling").Msg("bad json")
		return
	}

	switch env.Event {
	case "join-sfu-room":
		ctl.handleJoin(ctx, sid, c, data)
	case "relay-offer", "relay-answer", "relay-candidate":
		ctl.Relay.Relay(c.id, data)
	case "sfu-offer":
		ctl.handleOffer(ctx, sid, c, data)
	case "sfu-candidate":
		ctl.handleCandidate(ctx, sid, c, data)
	case "environment-ready":
		ctl.handleReady(ctx, sid, c)
	case "start-session":
		ctl.handleStart(ctx, c)
	case "ping":
		ctl.sendJSON(c, map[string]string{"event": "pong"})
	default:
		log.Warn().Str("module", "signaling").Str("event", env.Event).Msg("unknown frame")
	}
}

func (ctl *Controller) handleJoin(ctx context.Context, sid domain.ParticipantID, c *wsConn, data []byte) {
	type joinPayload struct {
		Event string `json:"event"`
		Room  string `json:"room"`
		Name  string `json:"name,omitempty"`
	}
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signaling").Msg("bad join payload")
		ctl.sendError(c, "bad_payload")
		return
	}
	if p.Room == "" {
		ctl.sendError(c, "room required")
		return
	}
	if !ctl.Limiter.Allow(sid) {
		log.Warn().Str("module", "signaling").Str("participant", string(sid)).Msg("join rate limited")
		ctl.sendError(c, "too many join attempts")
		return
	}

	name := p.Name
	if name == "" {
		name = "anonymous"
	}
	participant, err := domain.NewParticipant(name, c.id)
	if err != nil {
		ctl.sendError(c, err.Error())
		return
	}
	// Identity is the client token, not a fresh uuid: the same person
	// reconnecting maps onto the same participant.
	participant.ID = sid

	if ctl.Auth != nil {
		claims, err := ctl.fetchClaims(ctx, sid)
		if err != nil {
			log.Warn().Err(err).Str("module", "signaling").Str("participant", string(sid)).Msg("claims fetch failed")
		} else {
			participant.AuthClaims = claims
		}
	}

	roomID := domain.RoomID(p.Room)

	// Joining a different room is an implicit leave of the previous
	// one; the media tier must hear about it or the old membership and
	// transport would linger forever.
	if prev, ok := ctl.Relay.RoomOf(c.id); ok && prev != roomID {
		ctl.Store.RemoveBySocket(prev, c.id)
		leave := command.New(command.TypeLeave, prev, &ctl.seq)
		leave.SocketID = c.id
		ctl.publish(ctx, leave)
		log.Info().
			Str("module", "signaling").
			Str("socket", string(c.id)).
			Str("room", string(prev)).
			Msg("left prior room on join")
	}

	ctl.Relay.Join(c.id, roomID)
	ctl.Store.UpsertParticipant(roomID, *participant)

	cmd := command.New(command.TypeJoinRoom, roomID, &ctl.seq)
	cmd.Participant = participant
	cmd.SocketID = c.id
	ctl.publish(ctx, cmd)
	log.Info().
		Str("module", "signaling").
		Str("participant", string(sid)).
		Str("room", string(roomID)).
		Msg("join requested")
}

// handleOffer forwards the client's SDP offer to the media tier; the
// answer comes back on the update stream as sfu-answer.
func (ctl *Controller) handleOffer(ctx context.Context, sid domain.ParticipantID, c *wsConn, data []byte) {
	roomID, ok := ctl.Relay.RoomOf(c.id)
	if !ok {
		ctl.sendError(c, "not in a room")
		return
	}
	var p struct {
		SDP string `json:"sdp"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.SDP == "" {
		ctl.sendError(c, "bad offer payload")
		return
	}
	cmd := command.New(command.TypeOffer, roomID, &ctl.seq)
	cmd.Participant = &domain.Participant{ID: sid, SocketID: c.id}
	cmd.SocketID = c.id
	cmd.SDP = p.SDP
	ctl.publish(ctx, cmd)
}

func (ctl *Controller) handleCandidate(ctx context.Context, sid domain.ParticipantID, c *wsConn, data []byte) {
	roomID, ok := ctl.Relay.RoomOf(c.id)
	if !ok {
		ctl.sendError(c, "not in a room")
		return
	}
	var p struct {
		Candidate json.RawMessage `json:"candidate"`
	}
	if err := json.Unmarshal(data, &p); err != nil || len(p.Candidate) == 0 {
		ctl.sendError(c, "bad candidate payload")
		return
	}
	cmd := command.New(command.TypeCandidate, roomID, &ctl.seq)
	cmd.Participant = &domain.Participant{ID: sid, SocketID: c.id}
	cmd.SocketID = c.id
	cmd.Candidate = p.Candidate
	ctl.publish(ctx, cmd)
}

func (ctl *Controller) handleReady(ctx context.Context, sid domain.ParticipantID, c *wsConn) {
	roomID, ok := ctl.Relay.RoomOf(c.id)
	if !ok {
		ctl.sendError(c, "not in a room")
		return
	}
	p, ok := ctl.Store.Participant(roomID, sid)
	if !ok {
		p = domain.Participant{ID: sid, SocketID: c.id, State: domain.StateConnected}
	}
	cmd := command.New(command.TypeEnvironmentReady, roomID, &ctl.seq)
	cmd.Participant = &p
	cmd.SocketID = c.id
	ctl.publish(ctx, cmd)
}

func (ctl *Controller) handleStart(ctx context.Context, c *wsConn) {
	roomID, ok := ctl.Relay.RoomOf(c.id)
	if !ok {
		ctl.sendError(c, "not in a room")
		return
	}
	cmd := command.New(command.TypeStartSession, roomID, &ctl.seq)
	cmd.SocketID = c.id
	ctl.publish(ctx, cmd)
}

// onDisconnect runs synchronously when the read loop exits. The relay
// detach happens before anything is published so no relay frame can
// reach the dead connection, whatever the bus latency is.
func (ctl *Controller) onDisconnect(ctx context.Context, c *wsConn) {
	roomID, wasJoined := ctl.Relay.RoomOf(c.id)
	ctl.Relay.Detach(c.id)
	if !wasJoined {
		return
	}
	ctl.Store.RemoveBySocket(roomID, c.id)

	cmd := command.New(command.TypeLeave, roomID, &ctl.seq)
	cmd.SocketID = c.id
	ctl.publish(ctx, cmd)
	log.Info().
		Str("module", "signaling").
		Str("socket", string(c.id)).
		Str("room", string(roomID)).
		Msg("disconnect published")
}

func (ctl *Controller) fetchClaims(ctx context.Context, sid domain.ParticipantID) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return ctl.Auth.Claims(ctx, sid)
}

func (ctl *Controller) publish(ctx context.Context, cmd command.Command) {
	data, err := cmd.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "signaling").Str("type", string(cmd.Type)).Msg("encode command")
		return
	}
	if err := ctl.Bus.Publish(ctx, ctl.Topics.Commands, string(cmd.RoomID), data); err != nil {
		log.Error().Err(err).
			Str("module", "signaling").
			Str("type", string(cmd.Type)).
			Str("room", string(cmd.RoomID)).
			Msg("publish command")
	}
}

func (ctl *Controller) sendJSON(c *wsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signaling").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *Controller) sendError(c *wsConn, reason string) {
	ctl.sendJSON(c, map[string]any{
		"event":   "room-error",
		"payload": command.ErrorPayload{Reason: reason},
	})
}
